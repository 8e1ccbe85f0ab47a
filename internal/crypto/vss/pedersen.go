package vss

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// PedersenCommitment is a plain hash commitment H(context || value ||
// blind), used in DKG round 1 so a party commits to its Feldman
// commitments before any peer can see them, and cannot later change its
// polynomial after learning others' contributions (spec.md §3, §4.4
// round 1). This is the spec's hash-commitment variant, not an elliptic
// curve commitment scheme.
type PedersenCommitment struct {
	Digest [32]byte
	Blind  []byte
}

// PedersenCommit hashes context||value||blind with a freshly sampled
// 32-byte blinding factor.
func PedersenCommit(context string, value []byte) (*PedersenCommitment, error) {
	blind := make([]byte, 32)
	if _, err := rand.Read(blind); err != nil {
		return nil, errors.Wrap(err, "pedersen: failed to sample blinding factor")
	}
	return &PedersenCommitment{
		Digest: hashCommitment(context, value, blind),
		Blind:  blind,
	}, nil
}

// Open reports whether value, hashed with the stored blinding factor,
// reproduces the commitment's digest.
func (c *PedersenCommitment) Open(context string, value []byte) bool {
	return hashCommitment(context, value, c.Blind) == c.Digest
}

// VerifyOpening checks a claimed digest against a revealed value and
// blind, used by a recipient who only stored the digest from round 1.
func VerifyOpening(context string, digest [32]byte, value, blind []byte) bool {
	return hashCommitment(context, value, blind) == digest
}

func hashCommitment(context string, value, blind []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(context))
	h.Write(value)
	h.Write(blind)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
