// Package vss implements Shamir secret sharing, Feldman verifiable
// secret sharing and Pedersen hash commitments over the secp256k1 scalar
// field, used by the DKG engine's round-by-round share distribution.
package vss

import (
	"github.com/pkg/errors"
	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

// Polynomial is f(x) = coeffs[0] + coeffs[1]*x + ... + coeffs[t-1]*x^(t-1)
// over the secp256k1 scalar field. coeffs[0] is the shared secret.
type Polynomial struct {
	coeffs []*curve.Scalar
}

// NewRandomPolynomial samples a random degree-(threshold-1) polynomial
// whose constant term is secret. threshold is the number of coefficients
// (i.e. the minimum number of shares needed to reconstruct).
func NewRandomPolynomial(secret *curve.Scalar, threshold int) (*Polynomial, error) {
	if threshold < 1 {
		return nil, errors.New("vss: threshold must be at least 1")
	}
	coeffs := make([]*curve.Scalar, threshold)
	coeffs[0] = secret
	for i := 1; i < threshold; i++ {
		c, err := curve.RandomScalar()
		if err != nil {
			return nil, errors.Wrap(err, "vss: failed to sample coefficient")
		}
		coeffs[i] = c
	}
	return &Polynomial{coeffs: coeffs}, nil
}

// Threshold returns the number of coefficients (t).
func (p *Polynomial) Threshold() int { return len(p.coeffs) }

// ConstantTerm returns the secret f(0).
func (p *Polynomial) ConstantTerm() *curve.Scalar { return p.coeffs[0] }

// Coefficients returns the polynomial's coefficients, constant term first.
func (p *Polynomial) Coefficients() []*curve.Scalar { return p.coeffs }

// Eval evaluates f(x) via Horner's method. Evaluating at x=0 would
// return the secret directly, so callers must always pass a nonzero
// party index.
func (p *Polynomial) Eval(x *curve.Scalar) *curve.Scalar {
	if x.IsZero() {
		panic("vss: Eval at zero would reveal the secret; use ConstantTerm")
	}
	value := curve.ZeroScalar()
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		value = value.Mul(x).Add(p.coeffs[i])
	}
	return value
}

// Zeroize overwrites the polynomial's coefficient slice so the secret
// does not linger in the DKG session after a round completes.
func (p *Polynomial) Zeroize() {
	if p == nil {
		return
	}
	for i := range p.coeffs {
		p.coeffs[i] = curve.ZeroScalar()
	}
	p.coeffs = nil
}

// Share is one party's evaluation of a Shamir polynomial.
type Share struct {
	Index *curve.Scalar // the x-coordinate, i.e. the receiving party's index
	Value *curve.Scalar // f(Index)
}

// LagrangeCoefficient computes the Lagrange basis coefficient for index i
// with respect to the full set of participating indices, evaluated at
// x=0, for reconstructing f(0) from a threshold-sized set of shares.
func LagrangeCoefficient(i *curve.Scalar, allIndices []*curve.Scalar) *curve.Scalar {
	num := curve.OneScalar()
	den := curve.OneScalar()
	for _, j := range allIndices {
		if j.Equal(i) {
			continue
		}
		num = num.Mul(j)
		den = den.Mul(j.Sub(i))
	}
	return num.Mul(den.Inverse())
}

// Reconstruct recovers f(0) from a threshold-sized set of shares via
// Lagrange interpolation at zero.
func Reconstruct(shares []*Share) *curve.Scalar {
	indices := make([]*curve.Scalar, len(shares))
	for i, s := range shares {
		indices[i] = s.Index
	}
	secret := curve.ZeroScalar()
	for _, s := range shares {
		coeff := LagrangeCoefficient(s.Index, indices)
		secret = secret.Add(coeff.Mul(s.Value))
	}
	return secret
}
