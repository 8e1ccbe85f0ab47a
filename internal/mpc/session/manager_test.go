package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/mpc/storage"
)

// fakeStore is an in-memory storage.SessionStore for exercising Manager
// without a Redis instance.
type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]*storage.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]*storage.Status)}
}

func (f *fakeStore) SaveStatus(ctx context.Context, status *storage.Status, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[status.SessionID] = status
	return nil
}

func (f *fakeStore) GetStatus(ctx context.Context, sessionID string) (*storage.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[sessionID]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, status *storage.Status, ttl time.Duration) error {
	return f.SaveStatus(ctx, status, ttl)
}

func (f *fakeStore) DeleteStatus(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, sessionID)
	return nil
}

func (f *fakeStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "test-token", true, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, key, token string) error { return nil }

func (f *fakeStore) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	return nil
}

func (f *fakeStore) SubscribeMessages(ctx context.Context, channel string) (<-chan interface{}, error) {
	ch := make(chan interface{})
	close(ch)
	return ch, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "session: not found" }

var errNotFound = notFoundError{}

func TestManager_StartAndGet(t *testing.T) {
	m := NewManager(newFakeStore(), time.Minute)
	ctx := context.Background()

	h, err := m.Start(ctx, "sess-1", "dkg", 2, 3)
	require.NoError(t, err)
	require.Equal(t, StatusPending, h.Status)
	require.Equal(t, 4, h.TotalRounds)

	got, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, h.SessionID, got.SessionID)
	require.Equal(t, StatusPending, got.Status)
}

func TestManager_AdvanceRoundMarksActive(t *testing.T) {
	m := NewManager(newFakeStore(), time.Minute)
	ctx := context.Background()

	_, err := m.Start(ctx, "sess-1", "signing", 2, 3)
	require.NoError(t, err)

	require.NoError(t, m.AdvanceRound(ctx, "sess-1", 2))

	h, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, h.Status)
	require.Equal(t, 2, h.CurrentRound)
}

func TestManager_JoinIsIdempotent(t *testing.T) {
	m := NewManager(newFakeStore(), time.Minute)
	ctx := context.Background()

	_, err := m.Start(ctx, "sess-1", "dkg", 2, 3)
	require.NoError(t, err)

	require.NoError(t, m.Join(ctx, "sess-1", "node-a"))
	require.NoError(t, m.Join(ctx, "sess-1", "node-a"))
	require.NoError(t, m.Join(ctx, "sess-1", "node-b"))

	h, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"node-a", "node-b"}, h.ParticipatingNodes)
	require.Equal(t, StatusActive, h.Status)
}

func TestManager_CompleteAndAbort(t *testing.T) {
	m := NewManager(newFakeStore(), time.Minute)
	ctx := context.Background()

	_, err := m.Start(ctx, "sess-1", "signing", 2, 3)
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, "sess-1", "0xdeadbeef"))

	h, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, h.Status)
	require.Equal(t, "0xdeadbeef", h.Result)
	require.NotNil(t, h.CompletedAt)

	_, err = m.Start(ctx, "sess-2", "dkg", 2, 3)
	require.NoError(t, err)
	require.NoError(t, m.Abort(ctx, "sess-2", "peer timeout"))

	h2, err := m.Get(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, StatusAborted, h2.Status)
	require.Equal(t, "peer timeout", h2.FailureReason)
}
