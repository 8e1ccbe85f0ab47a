package curve

import (
	"crypto/sha256"

	"github.com/pkg/errors"
)

// SchnorrProof is a non-interactive Schnorr proof of knowledge of the
// discrete log x of a public point X = x*G, bound to a caller-supplied
// domain separation context (e.g. "DKG-<ceremonyId>-party-<i>") so a
// proof cannot be replayed across ceremonies or rounds.
type SchnorrProof struct {
	R *Point  // commitment k*G
	S *Scalar // response k + c*x
}

// Prove generates a proof that the prover knows x such that X = x*G.
func Prove(x *Scalar, context string) (*SchnorrProof, error) {
	k, err := RandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "failed to sample nonce")
	}
	R := ScalarBaseMul(k)
	X := ScalarBaseMul(x)
	c := schnorrChallenge(context, X, R)
	s := k.Add(c.Mul(x))
	return &SchnorrProof{R: R, S: s}, nil
}

// Verify checks a proof against the claimed public point X.
func (p *SchnorrProof) Verify(X *Point, context string) bool {
	if p == nil || p.R == nil || p.S == nil {
		return false
	}
	c := schnorrChallenge(context, X, p.R)
	lhs := ScalarBaseMul(p.S)
	rhs := p.R.Add(X.ScalarMul(c))
	return lhs.Equal(rhs)
}

// schnorrChallenge computes c = H(context || X || R) mod N, matching the
// Fiat-Shamir construction spec.md §4.1 requires: every proof must carry
// an explicit domain-separation context string so the same secret cannot
// produce a valid proof for a different round or ceremony.
func schnorrChallenge(context string, X, R *Point) *Scalar {
	h := sha256.New()
	h.Write([]byte(context))
	if xb, err := X.CompressedBytes(); err == nil {
		h.Write(xb)
	}
	if rb, err := R.CompressedBytes(); err == nil {
		h.Write(rb)
	}
	return ScalarFromBytes(h.Sum(nil))
}
