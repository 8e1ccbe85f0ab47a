package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/mpc/chain"
	"github.com/sandrotbilisi/clirift/internal/mpc/key"
	"github.com/sandrotbilisi/clirift/internal/mpc/keyshare"
	"github.com/sandrotbilisi/clirift/internal/mpc/node"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
	"github.com/sandrotbilisi/clirift/internal/mpc/session"
	"github.com/sandrotbilisi/clirift/internal/mpc/storage"
)

// recordingTransport captures every envelope handed to it instead of
// delivering it anywhere, so tests can assert on fan-out without wiring
// up a live multi-node ceremony.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentEnvelope
}

type sentEnvelope struct {
	to   string
	kind protocol.MessageType
}

func (t *recordingTransport) Send(ctx context.Context, toNodeID string, env *protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentEnvelope{to: toNodeID, kind: env.Type})
	return nil
}

// inertStore is an in-memory storage.SessionStore sufficient for
// coordinator tests that never need cross-node status fan-out.
type inertStore struct {
	mu       sync.Mutex
	statuses map[string]*storage.Status
}

func newInertStore() *inertStore { return &inertStore{statuses: map[string]*storage.Status{}} }

func (s *inertStore) SaveStatus(ctx context.Context, status *storage.Status, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.SessionID] = status
	return nil
}

func (s *inertStore) GetStatus(ctx context.Context, sessionID string) (*storage.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[sessionID]
	if !ok {
		return nil, errNoStatus
	}
	return st, nil
}

func (s *inertStore) UpdateStatus(ctx context.Context, status *storage.Status, ttl time.Duration) error {
	return s.SaveStatus(ctx, status, ttl)
}

func (s *inertStore) DeleteStatus(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, sessionID)
	return nil
}

func (s *inertStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "test-token", true, nil
}
func (s *inertStore) ReleaseLock(ctx context.Context, key, token string) error { return nil }
func (s *inertStore) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	return nil
}
func (s *inertStore) SubscribeMessages(ctx context.Context, channel string) (<-chan interface{}, error) {
	ch := make(chan interface{})
	close(ch)
	return ch, nil
}

type statusNotFound struct{}

func (statusNotFound) Error() string { return "coordinator test: no status" }

var errNoStatus = statusNotFound{}

func newTestCoordinator(t *testing.T, selfIndex int) (*Coordinator, *recordingTransport) {
	t.Helper()

	peers := make([]*node.Peer, 0, 3)
	for i := 1; i <= 3; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		peers = append(peers, &node.Peer{
			NodeID:      "node-" + string(rune('0'+i)),
			PartyIndex:  i,
			Endpoint:    "127.0.0.1:0",
			IdentityKey: &priv.PublicKey,
		})
	}
	registry, err := node.NewRegistry(selfIndex, peers)
	require.NoError(t, err)

	identityKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	store := keyshare.NewLocalStore(t.TempDir(), "node-"+string(rune('0'+selfIndex)), "pw")
	keys := key.NewService(store, chain.NewEthereumAdapter(nil))
	sessions := session.NewManager(newInertStore(), time.Minute)
	transport := &recordingTransport{}

	return New(registry, identityKey, store, keys, chain.NewEthereumAdapter(nil), sessions, transport), transport
}

func TestStartDKG_BroadcastsRound1ToAllPeersExceptSelf(t *testing.T) {
	c, transport := newTestCoordinator(t, 1)
	ctx := context.Background()

	err := c.StartDKG(ctx, "ceremony-1", 2, 3, []string{"node-1", "node-2", "node-3"})
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.sent, 2)
	for _, s := range transport.sent {
		require.Equal(t, protocol.DkgRound1, s.kind)
		require.NotEqual(t, "node-1", s.to)
	}
}

func TestStartDKG_RejectsConcurrentCeremony(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	ctx := context.Background()

	require.NoError(t, c.StartDKG(ctx, "ceremony-1", 2, 3, []string{"node-1", "node-2", "node-3"}))
	err := c.StartDKG(ctx, "ceremony-2", 2, 3, []string{"node-1", "node-2", "node-3"})
	require.Error(t, err)
}

func TestHandleDKGEnvelope_RequiresActiveSession(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	env, err := protocol.NewEnvelope(protocol.DkgRound1, "node-2", &protocol.DkgRound1Payload{})
	require.NoError(t, err)

	err = c.HandleDKGEnvelope(context.Background(), "node-2", env)
	require.Error(t, err)
}

func TestHandleSignEnvelope_RequiresActiveSession(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	env, err := protocol.NewEnvelope(protocol.SignRound1, "node-2", map[string]string{"sessionId": "sign-1"})
	require.NoError(t, err)

	_, err = c.HandleSignEnvelope(context.Background(), "node-2", env)
	require.Error(t, err)
}

func TestStartSigning_RequiresCompletedCeremony(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)

	err := c.StartSigning(context.Background(), &SigningRequest{
		SessionID:     "sign-1",
		Signers:       []int{1, 2},
		MessageHash:   make([]byte, 32),
		DerivationIdx: 0,
	})
	require.Error(t, err)
}

func TestProposeDKG_BroadcastsToOtherParties(t *testing.T) {
	c, transport := newTestCoordinator(t, 1)
	ctx := context.Background()

	err := c.ProposeDKG(ctx, "ceremony-1", 2, []string{"node-3", "node-1", "node-2"}, time.Minute)
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.sent, 2)
	for _, s := range transport.sent {
		require.Equal(t, protocol.DkgPropose, s.kind)
		require.NotEqual(t, "node-1", s.to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.dkgProposal)
	require.Equal(t, []string{"node-1", "node-2", "node-3"}, c.dkgProposal.parties)
	require.True(t, c.dkgProposal.accepted["node-1"])
}

func TestProposeDKG_RejectsWhenSelfNotAParticipant(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	err := c.ProposeDKG(context.Background(), "ceremony-1", 2, []string{"node-2", "node-3"}, time.Minute)
	require.Error(t, err)
}

func TestHandleDKGPropose_AcceptsAndBroadcastsBack(t *testing.T) {
	c, transport := newTestCoordinator(t, 2)
	ctx := context.Background()

	payload := &protocol.DkgProposePayload{
		CeremonyID: "ceremony-1",
		Threshold:  2,
		Total:      3,
		Parties:    []string{"node-1", "node-2", "node-3"},
		DeadlineMs: time.Now().Add(time.Minute).UnixMilli(),
	}
	env, err := protocol.NewEnvelope(protocol.DkgPropose, "node-1", payload)
	require.NoError(t, err)

	require.NoError(t, c.HandleDKGEnvelope(ctx, "node-1", env))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.sent, 2)
	for _, s := range transport.sent {
		require.Equal(t, protocol.DkgAccept, s.kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.dkgProposal)
	require.True(t, c.dkgProposal.accepted["node-1"])
	require.True(t, c.dkgProposal.accepted["node-2"])
}

func TestHandleDKGAccept_StartsCeremonyOnceAllAccept(t *testing.T) {
	c, transport := newTestCoordinator(t, 1)
	ctx := context.Background()

	require.NoError(t, c.ProposeDKG(ctx, "ceremony-1", 2, []string{"node-1", "node-2", "node-3"}, time.Minute))
	transport.mu.Lock()
	transport.sent = nil
	transport.mu.Unlock()

	for _, from := range []string{"node-2", "node-3"} {
		env, err := protocol.NewEnvelope(protocol.DkgAccept, from, &protocol.DkgAcceptPayload{CeremonyID: "ceremony-1"})
		require.NoError(t, err)
		require.NoError(t, c.HandleDKGEnvelope(ctx, from, env))
	}

	c.mu.Lock()
	sess := c.dkgSession
	proposal := c.dkgProposal
	c.mu.Unlock()
	require.NotNil(t, sess)
	require.Nil(t, proposal)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.sent, 2)
	for _, s := range transport.sent {
		require.Equal(t, protocol.DkgRound1, s.kind)
	}
}

func TestHandleSignEnvelope_SilentlyDeclinesOnHashMismatch(t *testing.T) {
	c, transport := newTestCoordinator(t, 1)
	ctx := context.Background()

	rawTx := []byte("some-signed-transaction-bytes")
	payload := &protocol.SignRequestPayload{
		SessionID:         "sign-1",
		Initiator:         "node-2",
		InitiatorPartyIdx: 2,
		TxHash:            "deadbeef",
		RawTx:             rawTx,
		DerivationPath:    "m/0",
		DeadlineMs:        time.Now().Add(time.Minute).UnixMilli(),
	}
	env, err := protocol.NewEnvelope(protocol.SignRequest, "node-2", payload)
	require.NoError(t, err)

	_, err = c.HandleSignEnvelope(ctx, "node-2", env)
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Empty(t, transport.sent)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.signRequests)
}
