// Package curve provides secp256k1 scalar and point arithmetic plus a
// non-interactive Schnorr proof of knowledge, used by the DKG and signing
// engines instead of a general-purpose TSS library.
package curve

import (
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// N is the order of the secp256k1 group.
var N = btcec.S256().N

// Scalar is an integer mod N.
type Scalar struct {
	v *big.Int
}

// NewScalar reduces v mod N and wraps it.
func NewScalar(v *big.Int) *Scalar {
	return &Scalar{v: new(big.Int).Mod(v, N)}
}

// ScalarFromBytes interprets b as a big-endian integer and reduces mod N.
func ScalarFromBytes(b []byte) *Scalar {
	return NewScalar(new(big.Int).SetBytes(b))
}

// RandomScalar returns a uniformly random non-zero scalar via rejection
// sampling against N, following the teacher's habit of validating derived
// scalars against the curve order before use (see hmacStep in
// internal/mpc/derivation).
func RandomScalar() (*Scalar, error) {
	for {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, errors.Wrap(err, "failed to read random bytes")
		}
		v := new(big.Int).SetBytes(buf)
		if v.Sign() == 0 || v.Cmp(N) >= 0 {
			continue
		}
		return &Scalar{v: v}, nil
	}
}

// ZeroScalar returns the additive identity.
func ZeroScalar() *Scalar { return &Scalar{v: big.NewInt(0)} }

// OneScalar returns the multiplicative identity.
func OneScalar() *Scalar { return &Scalar{v: big.NewInt(1)} }

// Int returns the underlying big.Int. Callers must not mutate it.
func (s *Scalar) Int() *big.Int { return s.v }

// IsZero reports whether the scalar is the additive identity.
func (s *Scalar) IsZero() bool { return s.v.Sign() == 0 }

// Bytes returns the scalar as a 32-byte big-endian buffer.
func (s *Scalar) Bytes() []byte {
	out := make([]byte, 32)
	b := s.v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// Add returns s + other mod N.
func (s *Scalar) Add(other *Scalar) *Scalar {
	return NewScalar(new(big.Int).Add(s.v, other.v))
}

// Sub returns s - other mod N.
func (s *Scalar) Sub(other *Scalar) *Scalar {
	return NewScalar(new(big.Int).Sub(s.v, other.v))
}

// Mul returns s * other mod N.
func (s *Scalar) Mul(other *Scalar) *Scalar {
	return NewScalar(new(big.Int).Mul(s.v, other.v))
}

// Neg returns -s mod N.
func (s *Scalar) Neg() *Scalar {
	return NewScalar(new(big.Int).Neg(s.v))
}

// Inverse returns the modular multiplicative inverse of s mod N.
// Panics if s is zero; callers must check IsZero first.
func (s *Scalar) Inverse() *Scalar {
	if s.IsZero() {
		panic("curve: inverse of zero scalar")
	}
	return NewScalar(new(big.Int).ModInverse(s.v, N))
}

// Equal reports whether s and other represent the same value.
func (s *Scalar) Equal(other *Scalar) bool {
	return s.v.Cmp(other.v) == 0
}
