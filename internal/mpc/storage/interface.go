// Package storage holds cluster-visible ceremony status, never secret
// material. Every node's secret share lives only in the local,
// envelope-encrypted internal/mpc/keyshare store; this package tracks
// the pending/active/completed/aborted state of a DKG or signing
// ceremony so peers and operators can observe progress, plus the
// distributed locks and pub/sub channel used to coordinate a ceremony
// across nodes.
package storage

import (
	"context"
	"time"
)

// Kind distinguishes the two ceremony state machines that share this
// status envelope.
type Kind string

const (
	KindDKG     Kind = "dkg"
	KindSigning Kind = "signing"
)

// Status is the cluster-visible state of one ceremony (DKG or signing).
// It never carries secret material: no polynomial coefficients, no
// Paillier keys, no shares, nothing beyond phase/round bookkeeping and
// the final public result.
type Status struct {
	SessionID          string
	Kind               Kind
	Status             string // pending, active, completed, failed, aborted, timeout
	Threshold          int
	TotalNodes         int
	ParticipatingNodes []string
	CurrentRound       int
	TotalRounds        int // always 4
	Result             string // hex signature (r||s||v) or master pubkey, once completed
	FailureReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// SessionStore is the Redis-backed coordination surface: ceremony
// status, a distributed lock so only one node drives a given ceremony's
// round transitions at a time, and pub/sub for ceremony status updates.
type SessionStore interface {
	SaveStatus(ctx context.Context, status *Status, ttl time.Duration) error
	GetStatus(ctx context.Context, sessionID string) (*Status, error)
	UpdateStatus(ctx context.Context, status *Status, ttl time.Duration) error
	DeleteStatus(ctx context.Context, sessionID string) error

	// AcquireLock takes a distributed lock and returns the opaque token
	// the holder must present to ReleaseLock, so a replica whose TTL has
	// already expired can never release a lock a newer holder re-acquired
	// out from under it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error

	PublishMessage(ctx context.Context, channel string, message interface{}) error
	SubscribeMessages(ctx context.Context, channel string) (<-chan interface{}, error)
}
