package vss

import (
	"github.com/pkg/errors"
	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

// FeldmanCommitments are the public commitments A_0=g^coeffs[0], ...,
// A_{t-1}=g^coeffs[t-1]} a dealer broadcasts alongside its polynomial's
// shares, letting every recipient verify its share without trusting the
// dealer (spec.md §4.4 round 2).
type FeldmanCommitments struct {
	Points []*curve.Point
}

// Commit derives the Feldman commitments for a polynomial.
func Commit(p *Polynomial) *FeldmanCommitments {
	points := make([]*curve.Point, len(p.Coefficients()))
	for i, c := range p.Coefficients() {
		points[i] = curve.ScalarBaseMul(c)
	}
	return &FeldmanCommitments{Points: points}
}

// VerifyShare checks that share = f(index) is consistent with the
// dealer's published commitments, i.e. g^share == sum_k(A_k * index^k).
func (fc *FeldmanCommitments) VerifyShare(index *curve.Scalar, share *curve.Scalar) bool {
	lhs := curve.ScalarBaseMul(share)

	rhs := curve.InfinityPoint()
	power := curve.OneScalar()
	for _, A := range fc.Points {
		rhs = rhs.Add(A.ScalarMul(power))
		power = power.Mul(index)
	}
	return lhs.Equal(rhs)
}

// PublicValue returns the commitment to the polynomial's constant term
// (A_0), i.e. the public counterpart of this dealer's contribution to
// the master secret.
func (fc *FeldmanCommitments) PublicValue() (*curve.Point, error) {
	if len(fc.Points) == 0 {
		return nil, errors.New("vss: empty commitment set")
	}
	return fc.Points[0], nil
}
