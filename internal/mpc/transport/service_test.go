package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/mpc/node"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
)

func TestClientServer_SendRoundTrip(t *testing.T) {
	received := make(chan *protocol.Envelope, 1)
	handler := func(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
		received <- env
		return nil
	}

	srv, err := NewServer("127.0.0.1:0", handler)
	require.NoError(t, err)
	addr := srv.listener.Addr().String()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve()
	}()
	defer func() {
		srv.Stop()
		wg.Wait()
	}()

	registry, err := node.NewRegistry(1, []*node.Peer{
		{NodeID: "self", PartyIndex: 1, Endpoint: "127.0.0.1:0"},
		{NodeID: "peer", PartyIndex: 2, Endpoint: addr},
	})
	require.NoError(t, err)

	client := NewClient(registry, 5*time.Second)
	defer client.Close()

	env, err := protocol.NewEnvelope(protocol.DkgRound1, "self", map[string]string{"hello": "world"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, "peer", env))

	select {
	case got := <-received:
		require.Equal(t, env.ID, got.ID)
		require.Equal(t, protocol.DkgRound1, got.Type)
		require.Equal(t, "self", got.FromNode)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestClient_SendUnknownNode(t *testing.T) {
	registry, err := node.NewRegistry(1, []*node.Peer{
		{NodeID: "self", PartyIndex: 1, Endpoint: "127.0.0.1:0"},
	})
	require.NoError(t, err)

	client := NewClient(registry, time.Second)
	defer client.Close()

	env, err := protocol.NewEnvelope(protocol.DkgRound1, "self", map[string]string{})
	require.NoError(t, err)

	err = client.Send(context.Background(), "ghost", env)
	require.Error(t, err)
}

func TestServer_HandlerErrorPropagatesAsRPCFailure(t *testing.T) {
	failingHandler := func(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
		return errFake
	}

	srv, err := NewServer("127.0.0.1:0", failingHandler)
	require.NoError(t, err)
	addr := srv.listener.Addr().String()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve()
	}()
	defer func() {
		srv.Stop()
		wg.Wait()
	}()

	registry, err := node.NewRegistry(1, []*node.Peer{
		{NodeID: "self", PartyIndex: 1, Endpoint: "127.0.0.1:0"},
		{NodeID: "peer", PartyIndex: 2, Endpoint: addr},
	})
	require.NoError(t, err)

	client := NewClient(registry, 5*time.Second)
	defer client.Close()

	env, err := protocol.NewEnvelope(protocol.DkgRound1, "self", map[string]string{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.Send(ctx, "peer", env)
	require.Error(t, err)
}

type fakeError struct{}

func (fakeError) Error() string { return "transport: handler rejected envelope" }

var errFake = fakeError{}
