// Package dkg implements the four-round distributed key generation
// ceremony state machine (spec.md §4.4): Feldman VSS shares are
// committed, opened, distributed peer-to-peer under identity encryption,
// and finally summed into a persistent Shamir share of a never
// materialized master secret.
package dkg

import (
	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/vss"
)

// Phase is the DKG ceremony's state, a plain enumeration replacing a
// stringly typed status field. The variants carry no data; per-phase
// material lives in fields of Session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProposed
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
	case PhaseProposed:
		return "proposed"
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

// peerRound1 is what a session remembers about a peer's Round 1 message.
type peerRound1 struct {
	commitment [32]byte
}

// peerRound2 is what a session remembers about a peer's Round 2 message,
// enough to run Feldman verification once that peer's Round 3 share
// arrives.
type peerRound2 struct {
	feldman *vss.FeldmanCommitments
}

// peerRound4 is a peer's reported public key share, kept for parties
// wanting to cross-check consistency after assembly.
type peerRound4 struct {
	publicKeyShare *curve.Point
	verified       bool
}

// Result is what a completed ceremony hands to the caller for
// persistence via the key-share store.
type Result struct {
	CeremonyID      string
	PartyIndex      int
	Threshold       int
	Total           int
	Share           *curve.Scalar // x_i; caller must zeroize after use
	MasterPublicKey *curve.Point  // P
	ChainCode       [32]byte
	PublicKeyShares map[int]*curve.Point // party index -> x_i*G (Round 4 public key share), one per party
}
