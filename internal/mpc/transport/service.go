// Package transport carries protocol.Envelope round messages between
// cluster nodes over gRPC. Peer discovery sits outside this package
// (spec.md §1); Client resolves peers through a node.Registry supplied
// at construction. TLS and peer-JWT verification are both optional at
// this layer's boundary — NewServer/NewClient fall back to a plaintext,
// unauthenticated connection when no credentials/token manager are
// supplied, matching how the rest of this cluster degrades to a local
// dev mode without deployment secrets.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sandrotbilisi/clirift/internal/auth"
	"github.com/sandrotbilisi/clirift/internal/mpc/node"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
)

const (
	codecName       = "clirift-json"
	serviceName     = "clirift.NodeTransport"
	sendMethod      = "Send"
	peerTokenHeader = "clirift-peer-token"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ack struct {
	OK bool `json:"ok"`
}

// EnvelopeHandler processes one inbound envelope from fromNodeID.
type EnvelopeHandler func(ctx context.Context, fromNodeID string, env *protocol.Envelope) error

// server is the concrete implementation grpc.ServiceDesc dispatches
// into; it is not exported since callers only ever see *Server.
type server struct {
	handler EnvelopeHandler
}

func (s *server) Send(ctx context.Context, env *protocol.Envelope) (*ack, error) {
	if err := s.handler(ctx, env.FromNode, env); err != nil {
		return nil, err
	}
	return &ack{OK: true}, nil
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(protocol.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*server).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + sendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*server).Send(ctx, req.(*protocol.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*envelopeReceiver)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: sendMethod, Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clirift/transport",
}

// envelopeReceiver is the interface grpc's registration typecheck
// binds *server against; it exists only to give ServiceDesc.HandlerType
// something to assert against.
type envelopeReceiver interface {
	Send(ctx context.Context, env *protocol.Envelope) (*ack, error)
}

// peerAuthInterceptor rejects any Send RPC that does not carry a peer
// token validating to the claimed sender in the envelope's FromNode
// field, so a node cannot forge another party's identity by setting
// FromNode alone.
func peerAuthInterceptor(tokenMgr *auth.PeerTokenManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "transport: missing peer token")
		}
		tokens := md.Get(peerTokenHeader)
		if len(tokens) == 0 {
			return nil, status.Error(codes.Unauthenticated, "transport: missing peer token")
		}
		claims, err := tokenMgr.Validate(tokens[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "transport: invalid peer token")
		}
		if env, ok := req.(*protocol.Envelope); ok && env.FromNode != claims.NodeID {
			return nil, status.Errorf(codes.PermissionDenied, "transport: peer token subject %s does not match envelope sender %s", claims.NodeID, env.FromNode)
		}
		return handler(ctx, req)
	}
}

// Server accepts inbound envelopes over gRPC and hands each to handler.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// ServerOptions configures the optional TLS and peer-auth layers a
// Server enforces. A nil Creds dials plaintext; a nil TokenManager
// skips peer token verification.
type ServerOptions struct {
	Creds       credentials.TransportCredentials
	TokenManager *auth.PeerTokenManager
}

// NewServer binds addr and registers handler as this node's envelope
// receiver. Call Serve to start accepting connections.
func NewServer(addr string, handler EnvelopeHandler, opts ...ServerOptions) (*Server, error) {
	var opt ServerOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: failed to listen on %s", addr)
	}

	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	}
	if opt.Creds != nil {
		serverOpts = append(serverOpts, grpc.Creds(opt.Creds))
	}
	if opt.TokenManager != nil {
		serverOpts = append(serverOpts, grpc.UnaryInterceptor(peerAuthInterceptor(opt.TokenManager)))
	}

	gs := grpc.NewServer(serverOpts...)
	gs.RegisterService(&serviceDesc, &server{handler: handler})
	return &Server{grpcServer: gs, listener: lis}, nil
}

// Serve blocks accepting envelopes until Stop is called.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.listener.Addr().String()).Msg("transport: listening for peer envelopes")
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Client dials cluster peers by node ID, resolving endpoints from a
// node.Registry, and implements coordinator.Transport.
type Client struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	registry *node.Registry
	timeout  time.Duration
	creds    credentials.TransportCredentials
	token    string
}

// ClientOptions configures the optional TLS and peer-auth layers a
// Client presents. A nil Creds dials plaintext; an empty Token omits
// the peer-token header entirely.
type ClientOptions struct {
	Creds credentials.TransportCredentials
	Token string
}

// NewClient returns a Client that resolves peers via registry.
func NewClient(registry *node.Registry, timeout time.Duration, opts ...ClientOptions) *Client {
	var opt ClientOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	return &Client{
		conns:    make(map[string]*grpc.ClientConn),
		registry: registry,
		timeout:  timeout,
		creds:    opt.Creds,
		token:    opt.Token,
	}
}

func (c *Client) connFor(nodeID string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.conns[nodeID]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}

	peer, err := c.registry.ByNodeID(nodeID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[nodeID]; ok {
		return conn, nil
	}

	creds := c.creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err = grpc.NewClient(peer.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                2 * time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: failed to dial %s at %s", nodeID, peer.Endpoint)
	}
	c.conns[nodeID] = conn
	return conn, nil
}

// Send implements coordinator.Transport.
func (c *Client) Send(ctx context.Context, toNodeID string, env *protocol.Envelope) error {
	conn, err := c.connFor(toNodeID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, peerTokenHeader, c.token)
	}

	var reply ack
	fullMethod := "/" + serviceName + "/" + sendMethod
	if err := conn.Invoke(ctx, fullMethod, env, &reply); err != nil {
		return errors.Wrapf(err, "transport: send %s to %s failed", env.Type, toNodeID)
	}
	if !reply.OK {
		return errors.Errorf("transport: %s rejected envelope %s", toNodeID, env.ID)
	}
	return nil
}

// Close tears down every open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for nodeID, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "transport: failed to close connection to %s", nodeID)
		}
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}
