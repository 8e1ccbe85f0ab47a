package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/mpc/storage"
)

// lockTTL bounds how long a single round-transition read-modify-write may
// hold a session's distributed lock before it is presumed dead and another
// coordinator replica is allowed to take over.
const lockTTL = 5 * time.Second

// Manager publishes and reads ceremony status through the shared
// SessionStore. It owns no protocol state of its own; it is purely the
// status side-channel a coordinator updates as its dkg.Session or
// signing.Session advances through rounds.
//
// Every mutation takes the store's distributed lock for the session first:
// clirift-node runs coordinators as an HA pair behind a shared Redis, so
// two replicas can otherwise race to advance the same ceremony's round
// counter. Every successful mutation also publishes the new status on the
// session's channel, which Watch consumes for callers that want to observe
// a ceremony without polling Get.
type Manager struct {
	store   storage.SessionStore
	timeout time.Duration
}

// NewManager wraps a SessionStore with a default status TTL.
func NewManager(store storage.SessionStore, timeout time.Duration) *Manager {
	return &Manager{store: store, timeout: timeout}
}

// Start records a freshly proposed ceremony as pending.
func (m *Manager) Start(ctx context.Context, sessionID, kind string, threshold, totalNodes int) (*Handle, error) {
	var h *Handle
	err := m.withLock(ctx, sessionID, func() error {
		now := time.Now()
		h = &Handle{
			SessionID:          sessionID,
			Kind:               kind,
			Status:             StatusPending,
			Threshold:          threshold,
			TotalNodes:         totalNodes,
			ParticipatingNodes: []string{},
			TotalRounds:        4,
			CreatedAt:          now,
		}
		return m.save(ctx, h)
	})
	if err != nil {
		return nil, errors.Wrap(err, "session: failed to persist new session")
	}
	return h, nil
}

// Get reads the current status of a ceremony.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Handle, error) {
	s, err := m.store.GetStatus(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "session: failed to get status")
	}
	return fromStorage(s), nil
}

// AdvanceRound records the current round number and marks the session
// active.
func (m *Manager) AdvanceRound(ctx context.Context, sessionID string, round int) error {
	return m.withLock(ctx, sessionID, func() error {
		h, err := m.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		h.CurrentRound = round
		h.Status = StatusActive
		return m.save(ctx, h)
	})
}

// Join records a node as participating in the ceremony, idempotently.
func (m *Manager) Join(ctx context.Context, sessionID, nodeID string) error {
	return m.withLock(ctx, sessionID, func() error {
		h, err := m.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, id := range h.ParticipatingNodes {
			if id == nodeID {
				return nil
			}
		}
		h.ParticipatingNodes = append(h.ParticipatingNodes, nodeID)
		if h.Status == StatusPending {
			h.Status = StatusActive
		}
		return m.save(ctx, h)
	})
}

// Complete marks the ceremony finished with its public result (the
// master public key for DKG, the r||s||v signature for signing).
func (m *Manager) Complete(ctx context.Context, sessionID, result string) error {
	return m.withLock(ctx, sessionID, func() error {
		h, err := m.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		now := time.Now()
		h.Status = StatusCompleted
		h.Result = result
		h.CompletedAt = &now
		return m.save(ctx, h)
	})
}

// Abort marks the ceremony failed with a reason. Per spec this is a
// coarse status only — the protocol layer rejects cheaters but does not
// cryptographically identify them, so the reason is not attributable.
func (m *Manager) Abort(ctx context.Context, sessionID, reason string) error {
	return m.withLock(ctx, sessionID, func() error {
		h, err := m.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		h.Status = StatusAborted
		h.FailureReason = reason
		return m.save(ctx, h)
	})
}

// Watch streams every status update published for sessionID until ctx is
// canceled. It is a read-only observer: SDKs and the CLI use it to report
// ceremony progress live instead of polling Get.
func (m *Manager) Watch(ctx context.Context, sessionID string) (<-chan *Handle, error) {
	raw, err := m.store.SubscribeMessages(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "session: failed to subscribe to status updates")
	}

	out := make(chan *Handle)
	go func() {
		defer close(out)
		for msg := range raw {
			h, err := handleFromMessage(msg)
			if err != nil {
				continue
			}
			select {
			case out <- h:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// withLock serializes read-modify-write status transitions for a single
// session across coordinator replicas sharing the same store.
func (m *Manager) withLock(ctx context.Context, sessionID string, fn func() error) error {
	token, ok, err := m.store.AcquireLock(ctx, sessionID, lockTTL)
	if err != nil {
		return errors.Wrap(err, "session: failed to acquire round lock")
	}
	if !ok {
		return errors.Errorf("session: another coordinator is already advancing %q", sessionID)
	}
	defer func() {
		if err := m.store.ReleaseLock(ctx, sessionID, token); err != nil {
			_ = err // best effort; the lock still expires via lockTTL
		}
	}()
	return fn()
}

func (m *Manager) save(ctx context.Context, h *Handle) error {
	status := toStorage(h)
	if err := m.store.SaveStatus(ctx, status, m.timeout); err != nil {
		return err
	}
	return m.store.PublishMessage(ctx, h.SessionID, status)
}

func toStorage(h *Handle) *storage.Status {
	return &storage.Status{
		SessionID:          h.SessionID,
		Kind:                storage.Kind(h.Kind),
		Status:              h.Status,
		Threshold:           h.Threshold,
		TotalNodes:          h.TotalNodes,
		ParticipatingNodes:  h.ParticipatingNodes,
		CurrentRound:        h.CurrentRound,
		TotalRounds:         h.TotalRounds,
		Result:              h.Result,
		FailureReason:       h.FailureReason,
		CreatedAt:           h.CreatedAt,
		CompletedAt:         h.CompletedAt,
	}
}

func fromStorage(s *storage.Status) *Handle {
	return &Handle{
		SessionID:          s.SessionID,
		Kind:               string(s.Kind),
		Status:             s.Status,
		Threshold:          s.Threshold,
		TotalNodes:         s.TotalNodes,
		ParticipatingNodes: s.ParticipatingNodes,
		CurrentRound:       s.CurrentRound,
		TotalRounds:        s.TotalRounds,
		Result:             s.Result,
		FailureReason:      s.FailureReason,
		CreatedAt:          s.CreatedAt,
		CompletedAt:        s.CompletedAt,
	}
}

// handleFromMessage recovers a *Handle from a pub/sub payload. RedisStore
// hands back whatever json.Unmarshal produces into interface{}, so it
// arrives as map[string]interface{} rather than *storage.Status; round-trip
// it through JSON to reuse fromStorage.
func handleFromMessage(msg interface{}) (*Handle, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var s storage.Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return fromStorage(&s), nil
}
