// Package coordinator drives one node's DKG and signing ceremonies:
// it owns the current dkg.Session and any in-flight signing.Session
// objects, dispatches inbound protocol.Envelopes into their round
// methods, and fires the next round's outbound envelopes the instant a
// round completes. It never implements a wire transport itself — that,
// like peer discovery, is an external collaborator (spec.md §1)
// supplied by the Transport this coordinator is constructed with.
package coordinator

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/sandrotbilisi/clirift/internal/mpc/chain"
	"github.com/sandrotbilisi/clirift/internal/mpc/dkg"
	"github.com/sandrotbilisi/clirift/internal/mpc/key"
	"github.com/sandrotbilisi/clirift/internal/mpc/keyshare"
	"github.com/sandrotbilisi/clirift/internal/mpc/node"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
	"github.com/sandrotbilisi/clirift/internal/mpc/session"
	pkgbackup "github.com/sandrotbilisi/clirift/pkg/backup"
)

// Coordinator is the single per-node owner of ceremony state. Only one
// DKG ceremony ever completes successfully in this cluster's lifetime
// (spec.md Non-goals: resharing, dynamic membership), so at most one
// dkg.Session (and at most one pending DKG proposal) is tracked at a
// time; signing sessions and their proposals are independent and may
// run concurrently.
type Coordinator struct {
	mu sync.Mutex

	registry    *node.Registry
	identityKey *ecdsa.PrivateKey
	store       *keyshare.Store
	keys        *key.Service
	chain       *chain.EthereumAdapter
	sessions    *session.Manager
	transport   Transport

	dkgSession  *dkg.Session
	dkgParties  []string
	dkgProposal *dkgProposal

	signSessions map[string]*signingCtx
	signRequests map[string]*pendingSignRequest
}

// New builds a coordinator for one node. identityKey is this node's own
// long-lived identity keypair, used to decrypt inbound Round 3 DKG
// shares; registry must list the corresponding public key for every
// peer, including this node. chainAdapter is used only to independently
// recompute a SIGN_REQUEST's txHash from its rawTx (spec.md §4.5/§8
// scenario 5) — it never broadcasts anything itself.
func New(registry *node.Registry, identityKey *ecdsa.PrivateKey, store *keyshare.Store, keys *key.Service, chainAdapter *chain.EthereumAdapter, sessions *session.Manager, transport Transport) *Coordinator {
	return &Coordinator{
		registry:     registry,
		identityKey:  identityKey,
		store:        store,
		keys:         keys,
		chain:        chainAdapter,
		sessions:     sessions,
		transport:    transport,
		signSessions: make(map[string]*signingCtx),
		signRequests: make(map[string]*pendingSignRequest),
	}
}

// maxBroadcastConcurrency bounds how many peer sends a single round
// fan-out runs at once, so a large cluster doesn't open every connection
// in the same instant.
const maxBroadcastConcurrency = 8

func (c *Coordinator) broadcast(ctx context.Context, msgType protocol.MessageType, payload interface{}, except int) error {
	env, err := protocol.NewEnvelope(msgType, c.registry.Self().NodeID, payload)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithFirstError().WithMaxGoroutines(maxBroadcastConcurrency)
	for _, peer := range c.registry.All() {
		if peer.PartyIndex == except {
			continue
		}
		peer := peer
		p.Go(func(ctx context.Context) error {
			if err := c.transport.Send(ctx, peer.NodeID, env); err != nil {
				return errors.Wrapf(err, "coordinator: failed to send %s to %s", msgType, peer.NodeID)
			}
			return nil
		})
	}
	return p.Wait()
}

// broadcastToNodes fans msgType out to every node ID in nodeIDs except
// self, resolving each by node ID rather than registry party index.
// DKG_PROPOSE and its Round 1-4 successors address parties by the
// ceremony's own list order, which need not match this node's static
// registry party index (spec.md §4.4).
func (c *Coordinator) broadcastToNodes(ctx context.Context, msgType protocol.MessageType, payload interface{}, nodeIDs []string, self string) error {
	env, err := protocol.NewEnvelope(msgType, self, payload)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithFirstError().WithMaxGoroutines(maxBroadcastConcurrency)
	for _, nodeID := range nodeIDs {
		if nodeID == self {
			continue
		}
		nodeID := nodeID
		p.Go(func(ctx context.Context) error {
			if err := c.transport.Send(ctx, nodeID, env); err != nil {
				return errors.Wrapf(err, "coordinator: failed to send %s to %s", msgType, nodeID)
			}
			return nil
		})
	}
	return p.Wait()
}

func (c *Coordinator) sendToNode(ctx context.Context, nodeID string, msgType protocol.MessageType, payload interface{}) error {
	env, err := protocol.NewEnvelope(msgType, c.registry.Self().NodeID, payload)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, nodeID, env)
}

// sendToDKGParty delivers to the peer holding ceremony party index
// partyIndex within the current DKG's normalized party list, not the
// static registry numbering.
func (c *Coordinator) sendToDKGParty(ctx context.Context, partyIndex int, msgType protocol.MessageType, payload interface{}) error {
	if partyIndex < 1 || partyIndex > len(c.dkgParties) {
		return errors.Errorf("coordinator: dkg party index %d out of range", partyIndex)
	}
	return c.sendToNode(ctx, c.dkgParties[partyIndex-1], msgType, payload)
}

// dkgProposal tracks one in-flight DKG_PROPOSE/DKG_ACCEPT negotiation.
// A ceremony only begins once every listed party has accepted — DKG
// has no partial-quorum mode (spec.md Non-goals: dynamic membership).
type dkgProposal struct {
	ceremonyID string
	threshold  int
	parties    []string // normalized, index i -> party index i+1
	deadline   time.Time
	accepted   map[string]bool // nodeID -> accepted
}

func (p *dkgProposal) expired(now time.Time) bool { return now.After(p.deadline) }

// proposalIdentities adapts a node.Registry, keyed by static registry
// party index, into a dkg.IdentityLookup keyed by the ceremony's own
// proposal-order party index.
type proposalIdentities struct {
	parties  []string
	registry *node.Registry
}

func (p *proposalIdentities) IdentityPubKey(partyIndex int) (*ecdsa.PublicKey, error) {
	if partyIndex < 1 || partyIndex > len(p.parties) {
		return nil, errors.Errorf("coordinator: dkg party index %d out of range", partyIndex)
	}
	peer, err := p.registry.ByNodeID(p.parties[partyIndex-1])
	if err != nil {
		return nil, err
	}
	if peer.IdentityKey == nil {
		return nil, errors.Errorf("coordinator: peer %s has no identity key configured", peer.NodeID)
	}
	return peer.IdentityKey, nil
}

// ProposeDKG broadcasts a DKG_PROPOSE for ceremonyID to every other
// party in parties and begins tracking acceptances locally, counting
// this node's own agreement immediately. The ceremony's actual Round 1
// only starts once every party has accepted (see HandleDKGEnvelope's
// protocol.DkgAccept case), so this call returns before any
// cryptographic work happens (spec.md §4.4).
func (c *Coordinator) ProposeDKG(ctx context.Context, ceremonyID string, threshold int, parties []string, deadline time.Duration) error {
	normalized, err := protocol.NormalizePartyList(parties)
	if err != nil {
		return err
	}
	self := c.registry.Self().NodeID
	if protocol.PartyIndexOf(normalized, self) == 0 {
		return errors.Errorf("coordinator: this node is not a participant in the proposed ceremony %s", ceremonyID)
	}

	c.mu.Lock()
	if c.dkgSession != nil || c.dkgProposal != nil {
		c.mu.Unlock()
		return errors.New("coordinator: a DKG ceremony is already proposed or in progress on this node")
	}
	c.dkgProposal = &dkgProposal{
		ceremonyID: ceremonyID,
		threshold:  threshold,
		parties:    normalized,
		deadline:   time.Now().Add(deadline),
		accepted:   map[string]bool{self: true},
	}
	c.mu.Unlock()

	payload := &protocol.DkgProposePayload{
		CeremonyID: ceremonyID,
		Threshold:  threshold,
		Total:      len(normalized),
		Parties:    normalized,
		DeadlineMs: time.Now().Add(deadline).UnixMilli(),
	}
	return c.broadcastToNodes(ctx, protocol.DkgPropose, payload, normalized, self)
}

// StartDKG begins Round 1 of a new DKG ceremony across parties without
// sending a DKG_PROPOSE of its own, with party index assigned by each node's
// position in the normalized party list, not its static registry
// index (spec.md §4.4: "a party index 1..n is assigned by order in the
// DKG_PROPOSE participant list"). Ordinarily reached from
// handleDKGAccept once every party has accepted a ProposeDKG proposal;
// exposed directly for
// single-shot local ceremonies (tests, an operator who has already
// confirmed agreement out of band).
func (c *Coordinator) StartDKG(ctx context.Context, ceremonyID string, threshold, total int, parties []string) error {
	normalized, err := protocol.NormalizePartyList(parties)
	if err != nil {
		return err
	}
	if len(normalized) != total {
		return errors.Errorf("coordinator: ceremony %s lists %d parties, want %d", ceremonyID, len(normalized), total)
	}
	self := c.registry.Self().NodeID
	selfIdx := protocol.PartyIndexOf(normalized, self)
	if selfIdx == 0 {
		return errors.Errorf("coordinator: this node is not a participant in ceremony %s", ceremonyID)
	}

	c.mu.Lock()
	if c.dkgSession != nil {
		c.mu.Unlock()
		return errors.New("coordinator: a DKG ceremony is already in progress on this node")
	}
	identities := &proposalIdentities{parties: normalized, registry: c.registry}
	sess := dkg.NewSession(ceremonyID, selfIdx, threshold, total, normalized, identities)
	c.dkgSession = sess
	c.dkgParties = normalized
	c.dkgProposal = nil
	c.mu.Unlock()

	if _, err := c.sessions.Start(ctx, ceremonyID, "dkg", threshold, total); err != nil {
		return err
	}

	payload, err := sess.StartRound1()
	if err != nil {
		return errors.Wrap(err, "coordinator: dkg round1 failed")
	}
	return c.broadcastToNodes(ctx, protocol.DkgRound1, payload, normalized, self)
}

// HandleDKGEnvelope dispatches one inbound DKG envelope into the
// current proposal or session and fires the next round the instant it
// becomes eligible. fromNodeID is the sender's stable node identity,
// not a party index — DKG_PROPOSE/DKG_ACCEPT precede any agreed party
// numbering, and even once a ceremony starts its indices come from
// proposal-list order rather than the static registry.
func (c *Coordinator) HandleDKGEnvelope(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.DkgPropose:
		return c.handleDKGPropose(ctx, fromNodeID, env)
	case protocol.DkgAccept:
		return c.handleDKGAccept(ctx, fromNodeID, env)
	}

	c.mu.Lock()
	sess := c.dkgSession
	parties := c.dkgParties
	c.mu.Unlock()
	if sess == nil {
		return errors.New("coordinator: no DKG ceremony in progress")
	}
	from := protocol.PartyIndexOf(parties, fromNodeID)
	if from == 0 {
		return errors.Errorf("coordinator: %s is not a participant in the running ceremony", fromNodeID)
	}

	switch env.Type {
	case protocol.DkgRound1:
		var p protocol.DkgRound1Payload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		if err := sess.ReceiveRound1(from, &p); err != nil {
			c.abortDKG(ctx, sess, err)
			return err
		}
		if sess.Round1Complete() {
			return c.advanceDKGRound2(ctx, sess)
		}
	case protocol.DkgRound2:
		var p protocol.DkgRound2Payload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		if err := sess.ReceiveRound2(from, &p); err != nil {
			c.abortDKG(ctx, sess, err)
			return err
		}
		if sess.Round2Complete() {
			return c.advanceDKGRound3(ctx, sess)
		}
	case protocol.DkgRound3P2P:
		var p protocol.DkgRound3Payload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		decrypt := func(ct []byte) ([]byte, error) { return pkgbackup.DecryptShare(ct, c.identityKey, sess.CeremonyID) }
		if err := sess.ReceiveRound3(from, &p, decrypt); err != nil {
			c.abortDKG(ctx, sess, err)
			return err
		}
		if sess.Round3Complete() {
			return c.advanceDKGRound4(ctx, sess)
		}
	case protocol.DkgRound4:
		var p protocol.DkgRound4Payload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		if err := sess.ReceiveRound4(from, &p); err != nil {
			c.abortDKG(ctx, sess, err)
			return err
		}
		if sess.Round4Complete() {
			return c.completeDKG(ctx, sess)
		}
	case protocol.DkgAbort:
		var p protocol.DkgAbortPayload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		sess.Abort(p.Reason)
		c.clearDKG()
		return c.sessions.Abort(ctx, p.CeremonyID, p.Reason)
	default:
		return errors.Errorf("coordinator: unexpected message type %s in dkg ceremony", env.Type)
	}
	return nil
}

// handleDKGPropose accepts an inbound ceremony proposal unconditionally
// (this cluster has no human-in-the-loop confirmation step) once it
// independently re-derives the same party ordering the proposer claims,
// then broadcasts its own DKG_ACCEPT back to every other listed party
// so everyone converges on the same accepted set without relying on the
// proposer alone to relay it.
func (c *Coordinator) handleDKGPropose(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
	var p protocol.DkgProposePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	normalized, err := protocol.NormalizePartyList(p.Parties)
	if err != nil {
		return protocol.NewValidationError(p.CeremonyID, "dkg propose carries an empty party list")
	}
	if !equalStringSlices(normalized, p.Parties) {
		return protocol.NewValidationError(p.CeremonyID, "dkg propose party list is not independently reproducible in sorted order")
	}
	self := c.registry.Self().NodeID
	if protocol.PartyIndexOf(normalized, self) == 0 {
		return protocol.NewDkgError(p.CeremonyID, nil, "this node is not a participant in the proposed ceremony")
	}

	c.mu.Lock()
	if c.dkgSession != nil {
		c.mu.Unlock()
		return errors.New("coordinator: a DKG ceremony is already in progress on this node")
	}
	if c.dkgProposal != nil && c.dkgProposal.ceremonyID != p.CeremonyID {
		c.mu.Unlock()
		return errors.New("coordinator: a different DKG ceremony is already proposed on this node")
	}
	if c.dkgProposal == nil {
		c.dkgProposal = &dkgProposal{
			ceremonyID: p.CeremonyID,
			threshold:  p.Threshold,
			parties:    normalized,
			deadline:   time.UnixMilli(p.DeadlineMs),
			accepted:   map[string]bool{self: true},
		}
	}
	c.dkgProposal.accepted[fromNodeID] = true
	c.mu.Unlock()

	return c.broadcastToNodes(ctx, protocol.DkgAccept, &protocol.DkgAcceptPayload{CeremonyID: p.CeremonyID}, normalized, self)
}

// handleDKGAccept records one party's acceptance and, once every listed
// party (including this node) has accepted, starts Round 1 locally.
func (c *Coordinator) handleDKGAccept(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
	var p protocol.DkgAcceptPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}

	c.mu.Lock()
	proposal := c.dkgProposal
	if proposal == nil || proposal.ceremonyID != p.CeremonyID {
		c.mu.Unlock()
		return errors.Errorf("coordinator: no pending DKG proposal %s", p.CeremonyID)
	}
	if proposal.expired(time.Now()) {
		c.mu.Unlock()
		return errors.Errorf("coordinator: DKG proposal %s has expired", p.CeremonyID)
	}
	proposal.accepted[fromNodeID] = true
	ready := len(proposal.accepted) >= len(proposal.parties)
	ceremonyID, threshold, total, parties := proposal.ceremonyID, proposal.threshold, len(proposal.parties), proposal.parties
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.StartDKG(ctx, ceremonyID, threshold, total, parties)
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Coordinator) advanceDKGRound2(ctx context.Context, sess *dkg.Session) error {
	if err := c.sessions.AdvanceRound(ctx, sess.CeremonyID, 2); err != nil {
		return err
	}
	payload, err := sess.StartRound2()
	if err != nil {
		c.abortDKG(ctx, sess, err)
		return err
	}
	return c.broadcastToNodes(ctx, protocol.DkgRound2, payload, c.dkgParties, c.registry.Self().NodeID)
}

func (c *Coordinator) advanceDKGRound3(ctx context.Context, sess *dkg.Session) error {
	if err := c.sessions.AdvanceRound(ctx, sess.CeremonyID, 3); err != nil {
		return err
	}
	payloads, err := sess.StartRound3()
	if err != nil {
		c.abortDKG(ctx, sess, err)
		return err
	}
	for _, p := range payloads {
		if err := c.sendToDKGParty(ctx, p.ToPartyIndex, protocol.DkgRound3P2P, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) advanceDKGRound4(ctx context.Context, sess *dkg.Session) error {
	if err := c.sessions.AdvanceRound(ctx, sess.CeremonyID, 4); err != nil {
		return err
	}
	payload, err := sess.StartRound4()
	if err != nil {
		c.abortDKG(ctx, sess, err)
		return err
	}
	return c.broadcastToNodes(ctx, protocol.DkgRound4, payload, c.dkgParties, c.registry.Self().NodeID)
}

func (c *Coordinator) completeDKG(ctx context.Context, sess *dkg.Session) error {
	result, err := sess.Assemble()
	if err != nil {
		c.abortDKG(ctx, sess, err)
		return err
	}
	defer func() { result.Share = nil }()

	shareBytes := result.Share.Bytes()
	pubBytes, err := result.MasterPublicKey.CompressedBytes()
	if err != nil {
		return err
	}

	participants := make([]keyshare.Participant, 0, len(result.PublicKeyShares))
	for idx, pt := range result.PublicKeyShares {
		if idx < 1 || idx > len(sess.Parties) {
			return errors.Errorf("coordinator: dkg party index %d out of range", idx)
		}
		nodeID := sess.Parties[idx-1]
		cb, err := pt.CompressedBytes()
		if err != nil {
			return err
		}
		participants = append(participants, keyshare.Participant{
			NodeID:         nodeID,
			PartyIndex:     idx,
			PublicKeyShare: hex.EncodeToString(cb),
		})
	}

	metadata := &keyshare.CeremonyMetadata{
		CeremonyID:   result.CeremonyID,
		CompletedAt:  time.Now().UTC(),
		Participants: participants,
		Threshold:    result.Threshold,
		TotalParties: result.Total,
		PkMaster:     hex.EncodeToString(pubBytes),
		ChainCode:    hex.EncodeToString(result.ChainCode[:]),
		Version:      1,
	}

	if err := c.store.Save(ctx, shareBytes, metadata); err != nil {
		return errors.Wrap(err, "coordinator: failed to persist completed ceremony")
	}

	c.clearDKG()
	log.Info().Str("ceremonyId", result.CeremonyID).Msg("coordinator: dkg ceremony complete")
	return c.sessions.Complete(ctx, result.CeremonyID, hex.EncodeToString(pubBytes))
}

func (c *Coordinator) abortDKG(ctx context.Context, sess *dkg.Session, cause error) {
	sess.Abort(cause.Error())
	parties := c.dkgParties
	self := c.registry.Self().NodeID
	c.clearDKG()
	if err := c.sessions.Abort(ctx, sess.CeremonyID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("coordinator: failed to record dkg abort status")
	}
	_ = c.broadcastToNodes(context.Background(), protocol.DkgAbort, &protocol.DkgAbortPayload{
		CeremonyID: sess.CeremonyID,
		Reason:     cause.Error(),
	}, parties, self)
}

func (c *Coordinator) clearDKG() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dkgSession = nil
	c.dkgParties = nil
	c.dkgProposal = nil
}
