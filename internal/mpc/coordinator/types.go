package coordinator

import (
	"context"

	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
)

// Transport is the peer-to-peer send primitive the coordinator drives
// round messages over. TLS transport and peer discovery are external
// collaborators (spec.md §1); this interface is the seam a concrete
// gRPC/HTTP client satisfies from cmd/clirift-node.
type Transport interface {
	Send(ctx context.Context, toNodeID string, env *protocol.Envelope) error
}

// SigningRequest describes a signing ceremony this node either
// initiates or has independently gathered enough SIGN_ACCEPTs to
// begin. RawTx is the source of truth: MessageHash, when non-nil, is
// only ever compared against the hash independently recomputed from
// RawTx (spec.md §4.5/§8 scenario 5), never trusted on its own.
type SigningRequest struct {
	SessionID     string
	Signers       []int // party indices, must include this node's own index
	MessageHash   []byte
	RawTx         []byte
	DerivationIdx uint32
}
