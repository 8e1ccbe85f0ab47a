// Package signing implements the four-round GG20-style threshold ECDSA
// signing ceremony (spec.md §4.5): Paillier-based MtA converts each
// signer's multiplicative share of the nonce into additive delta/sigma
// shares, which assemble into a single (r, s, v) signature verifiable
// under the BIP32-tweaked child public key.
package signing

import (
	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/paillier"
)

// Phase is the signing session's sum-type state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequested
	PhaseAccepting
	PhaseRound1
	PhaseRound2
	PhaseRound3
	PhaseRound4
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequested:
		return "requested"
	case PhaseAccepting:
		return "accepting"
	case PhaseRound1:
		return "round1"
	case PhaseRound2:
		return "round2"
	case PhaseRound3:
		return "round3"
	case PhaseRound4:
		return "round4"
	case PhaseComplete:
		return "complete"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// peerState accumulates everything learned about one other signer over
// the course of the session.
type peerState struct {
	gammaPoint *curve.Point
	kPoint     *curve.Point
	paillierPK *paillier.PublicKey
	encK       []byte // Enc_{N_j}(k_j), kept as bytes; converted to big.Int lazily

	deltaEncFromPeer []byte // deltaEnc_{j->self}, still under self's key
	sigmaEncFromPeer []byte // sigmaEnc_{j->self}, still under self's key

	deltaShare []byte // delta_j broadcast in round 3
	sigmaPoint *curve.Point
	partialS   *curve.Scalar
}

// Result is the final assembled signature plus the recovery id.
type Result struct {
	R []byte // 32 bytes big-endian
	S []byte // 32 bytes big-endian, low-s normalized
	V byte
}
