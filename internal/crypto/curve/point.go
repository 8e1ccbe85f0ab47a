package curve

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// Point is an affine point on secp256k1. The zero value is not a valid
// point; use InfinityPoint or a constructor.
type Point struct {
	x, y *big.Int // nil, nil represents the point at infinity
}

// Generator returns the secp256k1 base point G.
func Generator() *Point {
	gx, gy := btcec.S256().Gx, btcec.S256().Gy
	return &Point{x: new(big.Int).Set(gx), y: new(big.Int).Set(gy)}
}

// InfinityPoint returns the identity element.
func InfinityPoint() *Point {
	return &Point{}
}

// IsInfinity reports whether p is the identity element.
func (p *Point) IsInfinity() bool {
	return p.x == nil || p.y == nil
}

// PointFromCompressed parses a 33-byte SEC1-compressed point.
func PointFromCompressed(b []byte) (*Point, error) {
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse compressed point")
	}
	ec := pk.ToECDSA()
	return &Point{x: ec.X, y: ec.Y}, nil
}

// CompressedBytes returns the 33-byte SEC1-compressed encoding.
// Callers must not call this on the point at infinity.
func (p *Point) CompressedBytes() ([]byte, error) {
	if p.IsInfinity() {
		return nil, errors.New("cannot serialize point at infinity")
	}
	pk, err := pointToPubKey(p)
	if err != nil {
		return nil, err
	}
	return pk.SerializeCompressed(), nil
}

// pointToPubKey round-trips through an uncompressed SEC1 encoding, the
// same assembly the teacher's derivation code uses to hand affine
// coordinates back to btcec (see addTweakToPubKey in internal/mpc/derivation).
func pointToPubKey(p *Point) (*btcec.PublicKey, error) {
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	xb, yb := p.x.Bytes(), p.y.Bytes()
	copy(uncompressed[33-len(xb):33], xb)
	copy(uncompressed[65-len(yb):65], yb)
	pk, err := btcec.ParsePubKey(uncompressed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reconstruct public key from coordinates")
	}
	return pk, nil
}

// ScalarBaseMul returns s*G.
func ScalarBaseMul(s *Scalar) *Point {
	x, y := btcec.S256().ScalarBaseMult(s.Bytes())
	if x.Sign() == 0 && y.Sign() == 0 {
		return InfinityPoint()
	}
	return &Point{x: x, y: y}
}

// ScalarMul returns s*p.
func (p *Point) ScalarMul(s *Scalar) *Point {
	if p.IsInfinity() || s.IsZero() {
		return InfinityPoint()
	}
	x, y := btcec.S256().ScalarMult(p.x, p.y, s.Bytes())
	if x.Sign() == 0 && y.Sign() == 0 {
		return InfinityPoint()
	}
	return &Point{x: x, y: y}
}

// Add returns p + other.
func (p *Point) Add(other *Point) *Point {
	if p.IsInfinity() {
		return other
	}
	if other.IsInfinity() {
		return p
	}
	x, y := btcec.S256().Add(p.x, p.y, other.x, other.y)
	if x.Sign() == 0 && y.Sign() == 0 {
		return InfinityPoint()
	}
	return &Point{x: x, y: y}
}

// Equal reports whether p and other are the same point.
func (p *Point) Equal(other *Point) bool {
	if p.IsInfinity() != other.IsInfinity() {
		return false
	}
	if p.IsInfinity() {
		return true
	}
	return p.x.Cmp(other.x) == 0 && p.y.Cmp(other.y) == 0
}

// X returns the affine X coordinate. Callers must not mutate it.
func (p *Point) X() *big.Int { return p.x }

// Y returns the affine Y coordinate. Callers must not mutate it.
func (p *Point) Y() *big.Int { return p.y }
