// Package node wires one node's config into a running coordinator: it
// assembles the key-share store, static registry, session manager, and
// gRPC transport, then exposes cobra subcommands to run the daemon or
// inspect its state.
package node

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aquasecurity/table"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/credentials"

	"github.com/sandrotbilisi/clirift/internal/auth"
	"github.com/sandrotbilisi/clirift/internal/config"
	"github.com/sandrotbilisi/clirift/internal/mpc/chain"
	"github.com/sandrotbilisi/clirift/internal/mpc/coordinator"
	"github.com/sandrotbilisi/clirift/internal/mpc/key"
	"github.com/sandrotbilisi/clirift/internal/mpc/keyshare"
	"github.com/sandrotbilisi/clirift/internal/mpc/node"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
	"github.com/sandrotbilisi/clirift/internal/mpc/session"
	"github.com/sandrotbilisi/clirift/internal/mpc/storage"
	"github.com/sandrotbilisi/clirift/internal/mpc/transport"
	"github.com/sandrotbilisi/clirift/internal/util/cert"
)

// New returns the "node" command group.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run or inspect a cluster node",
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the node daemon: listen for peer envelopes and drive ceremonies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print this node's identity and key-share status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}
}

// deployment bundles everything runServe/runStatus need, built once
// from config.
type deployment struct {
	cfg          *config.NodeConfig
	registry     *node.Registry
	store        *keyshare.Store
	keys         *key.Service
	chainAdapter *chain.EthereumAdapter
	sessions     *session.Manager
	identityKey  *ecdsa.PrivateKey
	serverCreds  credentials.TransportCredentials
	clientCreds  credentials.TransportCredentials
	tokenManager *auth.PeerTokenManager
	peerToken    string
}

func buildDeployment() (*deployment, error) {
	cfg := config.DefaultServiceConfigFromEnv()
	if cfg.NodeID == "" || cfg.PartyIndex == 0 {
		return nil, errors.New("node: CLIRIFT_NODE_ID and CLIRIFT_PARTY_INDEX are required")
	}

	peers := make([]*node.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		idBytes, err := hex.DecodeString(p.IdentityKey)
		if err != nil {
			return nil, errors.Wrapf(err, "node: malformed identity key for peer %s", p.NodeID)
		}
		pub, err := crypto.UnmarshalPubkey(idBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "node: failed to parse identity key for peer %s", p.NodeID)
		}
		peers = append(peers, &node.Peer{
			NodeID:      p.NodeID,
			PartyIndex:  p.PartyIndex,
			Endpoint:    p.Endpoint,
			IdentityKey: pub,
		})
	}

	registry, err := node.NewRegistry(cfg.PartyIndex, peers)
	if err != nil {
		return nil, err
	}

	var store *keyshare.Store
	if cfg.UsesKMS() {
		return nil, errors.New("node: KMS-backed stores need a concrete KMSClient wired in by the deployment, not this generic entrypoint")
	}
	store = keyshare.NewLocalStore(cfg.SharePath, cfg.NodeID, cfg.Passphrase)

	chainAdapter := chain.NewEthereumAdapter(big.NewInt(cfg.ChainID))
	keys := key.NewService(store, chainAdapter)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	sessionStore := storage.NewRedisStore(redisClient)
	sessions := session.NewManager(sessionStore, cfg.SessionTimeout)

	identityKeyPath := cfg.SharePath + "/identity.key"
	identityKey, err := loadOrCreateIdentityKey(identityKeyPath)
	if err != nil {
		return nil, err
	}

	serverCreds, clientCreds, err := buildTLSCredentials(cfg)
	if err != nil {
		return nil, err
	}

	var tokenManager *auth.PeerTokenManager
	var peerToken string
	if cfg.UsesPeerAuth() {
		tokenManager = auth.NewPeerTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTimeout)
		peerToken, err = tokenManager.Generate(cfg.NodeID, cfg.PartyIndex)
		if err != nil {
			return nil, errors.Wrap(err, "node: failed to mint this node's peer token")
		}
	}

	return &deployment{
		cfg:          cfg,
		registry:     registry,
		store:        store,
		keys:         keys,
		chainAdapter: chainAdapter,
		sessions:     sessions,
		identityKey:  identityKey,
		serverCreds:  serverCreds,
		clientCreds:  clientCreds,
		tokenManager: tokenManager,
		peerToken:    peerToken,
	}, nil
}

// buildTLSCredentials verifies the configured certificate artifacts
// (spec.md §1's transport is an external collaborator, but this node
// still owns validating what it was handed) and derives the server and
// client-side gRPC credentials from them. Returns nil, nil, nil when no
// TLS material is configured, so callers fall back to plaintext.
func buildTLSCredentials(cfg *config.NodeConfig) (credentials.TransportCredentials, credentials.TransportCredentials, error) {
	if !cfg.UsesTLS() {
		return nil, nil, nil
	}
	if err := cert.VerifyTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCACertFile); err != nil {
		return nil, nil, errors.Wrap(err, "node: tls artifact verification failed")
	}

	keyPair, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "node: failed to load tls key pair")
	}
	caBytes, err := os.ReadFile(cfg.TLSCACertFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "node: failed to read tls ca certificate")
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, nil, errors.New("node: failed to parse tls ca certificate")
	}

	serverCreds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{keyPair},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	})
	clientCreds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{keyPair},
		RootCAs:      caPool,
	})
	return serverCreds, clientCreds, nil
}

func runServe(ctx context.Context) error {
	d, err := buildDeployment()
	if err != nil {
		return err
	}

	client := transport.NewClient(d.registry, 10*time.Second, transport.ClientOptions{
		Creds: d.clientCreds,
		Token: d.peerToken,
	})
	defer client.Close()

	coord := coordinator.New(d.registry, d.identityKey, d.store, d.keys, d.chainAdapter, d.sessions, client)

	handler := func(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
		if _, err := d.registry.ByNodeID(fromNodeID); err != nil {
			return err
		}
		if err := env.CheckFreshness(time.Now()); err != nil {
			return err
		}
		switch env.Type {
		case protocol.DkgPropose, protocol.DkgAccept, protocol.DkgRound1, protocol.DkgRound2, protocol.DkgRound3P2P, protocol.DkgRound4, protocol.DkgAbort:
			return coord.HandleDKGEnvelope(ctx, fromNodeID, env)
		case protocol.SignRequest, protocol.SignAccept, protocol.SignReject, protocol.SignRound1, protocol.SignRound2, protocol.SignRound3, protocol.SignRound4, protocol.SignAbort:
			_, err := coord.HandleSignEnvelope(ctx, fromNodeID, env)
			return err
		default:
			return errors.Errorf("node: unhandled envelope type %s", env.Type)
		}
	}

	srv, err := transport.NewServer(d.cfg.ListenAddr, handler, transport.ServerOptions{
		Creds:        d.serverCreds,
		TokenManager: d.tokenManager,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("node: shutting down")
		srv.Stop()
	}()

	log.Info().Str("nodeId", d.cfg.NodeID).Int("partyIndex", d.cfg.PartyIndex).Str("addr", d.cfg.ListenAddr).Msg("node: serving")
	return srv.Serve()
}

func runStatus(ctx context.Context) error {
	d, err := buildDeployment()
	if err != nil {
		return err
	}

	tbl := table.New(os.Stdout)
	tbl.SetHeaders("Field", "Value")
	tbl.AddRow("Node ID", d.cfg.NodeID)
	tbl.AddRow("Party index", fmt.Sprintf("%d", d.cfg.PartyIndex))
	tbl.AddRow("Threshold", fmt.Sprintf("%d of %d", d.cfg.Threshold, d.cfg.TotalNodes))
	tbl.AddRow("Share path", d.cfg.SharePath)

	if !d.store.Exists() {
		tbl.AddRow("Key share", "not yet generated")
		tbl.Render()
		return nil
	}

	master, err := d.keys.MasterKey()
	if err != nil {
		return errors.Wrap(err, "node: failed to read master key metadata")
	}
	tbl.AddRow("Ceremony", master.CeremonyID+" (completed)")
	tbl.AddRow("Master pubkey", master.PublicKey)
	tbl.Render()
	return nil
}

func loadOrCreateIdentityKey(path string) (*ecdsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		return crypto.ToECDSA(data)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "node: failed to generate identity key")
	}
	if err := os.WriteFile(path, crypto.FromECDSA(key), 0o600); err != nil {
		return nil, errors.Wrap(err, "node: failed to persist identity key")
	}
	return key, nil
}
