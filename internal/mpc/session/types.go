// Package session tracks the cluster-visible status of a running DKG or
// signing ceremony. It never sees secret material — polynomial shares,
// Paillier keys, and nonces stay inside internal/mpc/dkg.Session and
// internal/mpc/signing.Session, which are zeroized on completion.
package session

import "time"

// Handle is the status a caller (an operator CLI, a peer node) can
// observe about one ceremony.
type Handle struct {
	SessionID          string
	Kind               string // "dkg" or "signing"
	Status             string
	Threshold          int
	TotalNodes         int
	ParticipatingNodes []string
	CurrentRound       int
	TotalRounds        int
	Result             string
	FailureReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
	StatusTimeout   = "timeout"
)
