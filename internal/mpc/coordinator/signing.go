package coordinator

import (
	"context"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/vss"
	"github.com/sandrotbilisi/clirift/internal/mpc/chain"
	"github.com/sandrotbilisi/clirift/internal/mpc/derivation"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
	"github.com/sandrotbilisi/clirift/internal/mpc/signing"
)

func bigFromInt(i int) *big.Int { return big.NewInt(int64(i)) }

// sessionIDOf extracts the sessionId field every signing round payload
// carries, without knowing which concrete payload type this envelope
// wraps.
func sessionIDOf(env *protocol.Envelope) string {
	var probe struct {
		SessionID string `json:"sessionId"`
	}
	_ = env.Unmarshal(&probe)
	return probe.SessionID
}

// signingCtx bundles a running signing.Session with the derived child
// public key its Assemble step must verify against and the persisted
// ceremony's node-ID ordering, so inbound envelopes can be addressed by
// party index even though that index comes from the DKG ceremony's
// party list, not this node's static registry entry.
type signingCtx struct {
	session  *signing.Session
	childPub *curve.Point
	signers  []int
	nodeIDs  []string // index i-1 -> nodeID of ceremony party index i
}

func (sc *signingCtx) nodeIDFor(partyIndex int) (string, error) {
	if partyIndex < 1 || partyIndex > len(sc.nodeIDs) {
		return "", errors.Errorf("coordinator: signer party index %d out of range", partyIndex)
	}
	return sc.nodeIDs[partyIndex-1], nil
}

// pendingSignRequest tracks one in-flight SIGN_REQUEST/SIGN_ACCEPT
// negotiation. The signer subset S is not known until t-1 acceptances
// (plus the initiator) have arrived (spec.md §4.5); rawTx/txHash are
// carried here so that whichever node finalizes S — the initiator, by
// counting accepts — has everything needed to build the session
// without re-requesting it.
type pendingSignRequest struct {
	sessionID     string
	initiator     bool
	rawTx         []byte
	txHash        [32]byte
	derivationIdx uint32
	threshold     int
	deadline      time.Time
	accepted      map[int]bool // party index -> accepted, includes initiator
}

func (p *pendingSignRequest) expired(now time.Time) bool { return now.After(p.deadline) }

// RequestSigning broadcasts a SIGN_REQUEST for rawTx to every cluster
// peer and begins tracking SIGN_ACCEPTs locally. Once threshold parties
// (including this node) have accepted, the signer subset S is fixed and
// this node begins Round 1 itself (see HandleSignEnvelope's
// protocol.SignAccept case).
func (c *Coordinator) RequestSigning(ctx context.Context, sessionID string, rawTx []byte, derivationIdx uint32, deadline time.Duration) error {
	metadata, err := c.store.LoadMetadata()
	if err != nil {
		return errors.Wrap(err, "coordinator: failed to load ceremony metadata")
	}

	txHash := chain.HashRawTransaction(rawTx)
	selfIdx := 0
	for _, participant := range metadata.Participants {
		if participant.NodeID == c.registry.Self().NodeID {
			selfIdx = participant.PartyIndex
		}
	}
	if selfIdx == 0 {
		return errors.New("coordinator: this node is not a participant in the completed ceremony")
	}

	c.mu.Lock()
	if _, exists := c.signRequests[sessionID]; exists {
		c.mu.Unlock()
		return errors.Errorf("coordinator: signing session %s is already pending", sessionID)
	}
	c.signRequests[sessionID] = &pendingSignRequest{
		sessionID:     sessionID,
		initiator:     true,
		rawTx:         rawTx,
		txHash:        txHash,
		derivationIdx: derivationIdx,
		threshold:     metadata.Threshold,
		deadline:      time.Now().Add(deadline),
		accepted:      map[int]bool{selfIdx: true},
	}
	c.mu.Unlock()

	payload := &protocol.SignRequestPayload{
		SessionID:         sessionID,
		Initiator:         c.registry.Self().NodeID,
		InitiatorPartyIdx: selfIdx,
		TxHash:            hex.EncodeToString(txHash[:]),
		RawTx:             rawTx,
		DerivationPath:    chain.DerivationPath(derivationIdx),
		DeadlineMs:        time.Now().Add(deadline).UnixMilli(),
	}
	return c.broadcast(ctx, protocol.SignRequest, payload, c.registry.SelfIndex())
}

// StartSigning begins a signing ceremony this node either initiates or
// has independently gathered enough SIGN_ACCEPTs to run. Before doing
// any cryptographic work it recomputes the tx hash from req.RawTx and
// compares it against req.MessageHash when both are supplied; per
// spec.md §8 scenario 5 a mismatch is a silent decline, not an error —
// the session is simply never started and the caller's request times
// out.
func (c *Coordinator) StartSigning(ctx context.Context, req *SigningRequest) error {
	if req.RawTx != nil {
		recomputed := chain.HashRawTransaction(req.RawTx)
		if req.MessageHash != nil && !hashesEqual(recomputed[:], req.MessageHash) {
			log.Warn().Str("sessionId", req.SessionID).Msg("coordinator: signing request txHash does not match independently recomputed hash, declining silently")
			return nil
		}
		req.MessageHash = recomputed[:]
	}

	shareBytes, err := c.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "coordinator: failed to load key share")
	}
	defer zero(shareBytes)

	metadata, err := c.store.LoadMetadata()
	if err != nil {
		return errors.Wrap(err, "coordinator: failed to load ceremony metadata")
	}
	nodeIDs := make([]string, len(metadata.Participants))
	for _, p := range metadata.Participants {
		if p.PartyIndex < 1 || p.PartyIndex > len(nodeIDs) {
			return errors.Errorf("coordinator: ceremony metadata has out-of-range party index %d", p.PartyIndex)
		}
		nodeIDs[p.PartyIndex-1] = p.NodeID
	}
	selfIdx := participantIndexByNodeID(nodeIDs, c.registry.Self().NodeID)
	if selfIdx == 0 {
		return errors.New("coordinator: this node is not a participant in the completed ceremony")
	}

	pBytes, err := hex.DecodeString(metadata.PkMaster)
	if err != nil {
		return errors.Wrap(err, "coordinator: malformed master public key")
	}
	chainCode, err := hex.DecodeString(metadata.ChainCode)
	if err != nil {
		return errors.Wrap(err, "coordinator: malformed chain code")
	}
	P, err := curve.PointFromCompressed(pBytes)
	if err != nil {
		return errors.Wrap(err, "coordinator: failed to parse master public key")
	}

	tweak, err := derivation.ComputeTweak(pBytes, chainCode, req.DerivationIdx)
	if err != nil {
		return errors.Wrap(err, "coordinator: failed to compute derivation tweak")
	}
	childPub := tweak.ChildPublicKey(P)

	xi := curve.ScalarFromBytes(shareBytes)
	lagrange := lagrangeCoefficient(selfIdx, req.Signers)

	sess := signing.NewSession(req.SessionID, selfIdx, req.Signers, lagrange, xi, tweak, req.MessageHash)

	sc := &signingCtx{session: sess, childPub: childPub, signers: req.Signers, nodeIDs: nodeIDs}
	c.mu.Lock()
	c.signSessions[req.SessionID] = sc
	c.mu.Unlock()

	if _, err := c.sessions.Start(ctx, req.SessionID, "signing", len(req.Signers), c.registry.Total()); err != nil {
		return err
	}

	payload, err := sess.StartRound1()
	if err != nil {
		return errors.Wrap(err, "coordinator: sign round1 failed")
	}
	payload.Signers = req.Signers
	return c.broadcastToSigners(ctx, protocol.SignRound1, payload, sc)
}

func participantIndexByNodeID(nodeIDs []string, nodeID string) int {
	for i, id := range nodeIDs {
		if id == nodeID {
			return i + 1
		}
	}
	return 0
}

func hashesEqual(a, b []byte) bool {
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

func lagrangeCoefficient(self int, signers []int) *curve.Scalar {
	indices := make([]*curve.Scalar, len(signers))
	for i, s := range signers {
		indices[i] = curve.NewScalar(bigFromInt(s))
	}
	return vss.LagrangeCoefficient(curve.NewScalar(bigFromInt(self)), indices)
}

func (c *Coordinator) broadcastToSigners(ctx context.Context, msgType protocol.MessageType, payload interface{}, sc *signingCtx) error {
	env, err := protocol.NewEnvelope(msgType, c.registry.Self().NodeID, payload)
	if err != nil {
		return err
	}
	self := sc.session.Self

	p := pool.New().WithContext(ctx).WithFirstError().WithMaxGoroutines(maxBroadcastConcurrency)
	for _, idx := range sc.signers {
		if idx == self {
			continue
		}
		nodeID, err := sc.nodeIDFor(idx)
		if err != nil {
			return err
		}
		p.Go(func(ctx context.Context) error {
			if err := c.transport.Send(ctx, nodeID, env); err != nil {
				return errors.Wrapf(err, "coordinator: failed to send %s to %s", msgType, nodeID)
			}
			return nil
		})
	}
	return p.Wait()
}

// HandleSignEnvelope dispatches one inbound signing envelope and fires
// the next round the instant it becomes eligible, returning the
// assembled signing.Result (r, s, v) once Round 4 completes locally.
// fromNodeID is the sender's stable node identity; it is
// resolved to a ceremony party index against either the pending
// negotiation or the running session, since that index need not match
// this node's static registry entry.
func (c *Coordinator) HandleSignEnvelope(ctx context.Context, fromNodeID string, env *protocol.Envelope) (*signing.Result, error) {
	switch env.Type {
	case protocol.SignRequest:
		return nil, c.handleSignRequest(ctx, fromNodeID, env)
	case protocol.SignAccept:
		return nil, c.handleSignAccept(ctx, fromNodeID, env)
	case protocol.SignReject:
		return nil, c.handleSignReject(fromNodeID, env)
	}

	sessionID := sessionIDOf(env)
	c.mu.Lock()
	sc, ok := c.signSessions[sessionID]
	c.mu.Unlock()
	if !ok && env.Type == protocol.SignRound1 {
		var p protocol.SignRound1Payload
		if err := env.Unmarshal(&p); err != nil {
			return nil, err
		}
		joined, err := c.joinSigning(ctx, &p)
		if err != nil {
			return nil, err
		}
		sc, ok = joined, true
	}
	if !ok {
		return nil, errors.Errorf("coordinator: no signing session %s in progress", sessionID)
	}
	sess := sc.session
	from := participantIndexByNodeID(sc.nodeIDs, fromNodeID)
	if from == 0 {
		return nil, errors.Errorf("coordinator: %s is not a participant in signing session %s", fromNodeID, sessionIDOf(env))
	}

	switch env.Type {
	case protocol.SignRound1:
		var p protocol.SignRound1Payload
		if err := env.Unmarshal(&p); err != nil {
			return nil, err
		}
		if err := sess.ReceiveRound1(from, &p); err != nil {
			c.abortSigning(ctx, sc, err)
			return nil, err
		}
		if sess.Round1Complete() {
			return nil, c.advanceSignRound2(ctx, sc)
		}
	case protocol.SignRound2:
		var p protocol.SignRound2Payload
		if err := env.Unmarshal(&p); err != nil {
			return nil, err
		}
		if err := sess.ReceiveRound2(from, &p); err != nil {
			c.abortSigning(ctx, sc, err)
			return nil, err
		}
		if sess.Round2Complete() {
			return nil, c.advanceSignRound3(ctx, sc)
		}
	case protocol.SignRound3:
		var p protocol.SignRound3Payload
		if err := env.Unmarshal(&p); err != nil {
			return nil, err
		}
		if err := sess.ReceiveRound3(from, &p); err != nil {
			c.abortSigning(ctx, sc, err)
			return nil, err
		}
		if sess.Round3Complete() {
			return nil, c.advanceSignRound4(ctx, sc)
		}
	case protocol.SignRound4:
		var p protocol.SignRound4Payload
		if err := env.Unmarshal(&p); err != nil {
			return nil, err
		}
		if err := sess.ReceiveRound4(from, &p); err != nil {
			c.abortSigning(ctx, sc, err)
			return nil, err
		}
		if sess.Round4Complete() {
			return c.completeSigning(ctx, sc)
		}
	case protocol.SignAbort:
		var p protocol.SignAbortPayload
		if err := env.Unmarshal(&p); err != nil {
			return nil, err
		}
		sess.Abort(p.Reason)
		c.clearSigning(p.SessionID)
		return nil, c.sessions.Abort(ctx, p.SessionID, p.Reason)
	default:
		return nil, errors.Errorf("coordinator: unexpected message type %s in signing session", env.Type)
	}
	return nil, nil
}

// handleSignRequest independently recomputes txHash from the inbound
// rawTx and, on mismatch, silently declines: no SIGN_REJECT, no error,
// just no SIGN_ACCEPT (spec.md §8 scenario 5 — the initiator's session
// eventually times out waiting on this node). A malformed request
// (bad derivation path, empty rawTx) is a genuine protocol error and is
// reported as such, since that is a format defect, not tamper evidence.
func (c *Coordinator) handleSignRequest(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
	var p protocol.SignRequestPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if len(p.RawTx) == 0 {
		return protocol.NewValidationError(p.SessionID, "empty rawTx in sign request")
	}

	recomputed := chain.HashRawTransaction(p.RawTx)
	if hex.EncodeToString(recomputed[:]) != p.TxHash {
		log.Warn().Str("sessionId", p.SessionID).Str("from", fromNodeID).Msg("coordinator: sign request txHash mismatch, declining silently")
		return nil
	}

	idx, err := derivation.ParseNonHardenedIndex(p.DerivationPath)
	if err != nil {
		return protocol.NewValidationError(p.SessionID, "malformed derivation path in sign request: "+err.Error())
	}

	metadata, err := c.store.LoadMetadata()
	if err != nil {
		return errors.Wrap(err, "coordinator: failed to load ceremony metadata")
	}
	selfIdx := 0
	for _, participant := range metadata.Participants {
		if participant.NodeID == c.registry.Self().NodeID {
			selfIdx = participant.PartyIndex
		}
	}
	if selfIdx == 0 {
		return errors.New("coordinator: this node is not a participant in the completed ceremony")
	}

	c.mu.Lock()
	c.signRequests[p.SessionID] = &pendingSignRequest{
		sessionID:     p.SessionID,
		initiator:     false,
		rawTx:         p.RawTx,
		txHash:        recomputed,
		derivationIdx: idx,
		threshold:     metadata.Threshold,
		deadline:      time.UnixMilli(p.DeadlineMs),
		accepted:      map[int]bool{p.InitiatorPartyIdx: true, selfIdx: true},
	}
	c.mu.Unlock()

	return c.sendToNode(ctx, p.Initiator, protocol.SignAccept, &protocol.SignAcceptPayload{
		SessionID:  p.SessionID,
		PartyIndex: selfIdx,
	})
}

// handleSignAccept records one signer's acceptance and, once threshold
// parties (including the initiator) have accepted, fixes the signer
// subset S and begins Round 1. Only the initiator performs this
// finalization; other accepting parties learn S from the initiator's
// (or another signer's) first SIGN_ROUND1 (see HandleSignEnvelope's
// join-on-first-round1 path).
func (c *Coordinator) handleSignAccept(ctx context.Context, fromNodeID string, env *protocol.Envelope) error {
	var p protocol.SignAcceptPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}

	c.mu.Lock()
	pending, ok := c.signRequests[p.SessionID]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("coordinator: no pending sign request %s", p.SessionID)
	}
	if pending.expired(time.Now()) {
		c.mu.Unlock()
		return errors.Errorf("coordinator: sign request %s has expired", p.SessionID)
	}
	pending.accepted[p.PartyIndex] = true
	ready := pending.initiator && len(pending.accepted) >= pending.threshold
	var signers []int
	var rawTx []byte
	var derivationIdx uint32
	var sessionID string
	if ready {
		signers = sortedIntKeys(pending.accepted)
		rawTx = pending.rawTx
		derivationIdx = pending.derivationIdx
		sessionID = pending.sessionID
		delete(c.signRequests, p.SessionID)
	}
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.StartSigning(ctx, &SigningRequest{
		SessionID:     sessionID,
		Signers:       signers,
		RawTx:         rawTx,
		DerivationIdx: derivationIdx,
	})
}

// joinSigning bootstraps this node's own signing.Session the first time
// it learns of a session from a peer's SIGN_ROUND1 rather than from
// having finalized the signer subset S itself — every signer in S must
// broadcast its own Round 1 commitment, not just the initiator. p
// carries the finalized S; the rawTx/derivationIdx this node needs to
// build the same session come from the pendingSignRequest recorded when
// it earlier accepted the SIGN_REQUEST.
func (c *Coordinator) joinSigning(ctx context.Context, p *protocol.SignRound1Payload) (*signingCtx, error) {
	if len(p.Signers) == 0 {
		return nil, errors.Errorf("coordinator: sign round1 for unknown session %s carries no signer list", p.SessionID)
	}

	c.mu.Lock()
	pending, ok := c.signRequests[p.SessionID]
	if ok {
		delete(c.signRequests, p.SessionID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("coordinator: no pending sign request to join session %s", p.SessionID)
	}

	if err := c.StartSigning(ctx, &SigningRequest{
		SessionID:     p.SessionID,
		Signers:       p.Signers,
		RawTx:         pending.rawTx,
		DerivationIdx: pending.derivationIdx,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	sc := c.signSessions[p.SessionID]
	c.mu.Unlock()
	if sc == nil {
		return nil, errors.Errorf("coordinator: failed to join signing session %s", p.SessionID)
	}
	return sc, nil
}

// handleSignReject drops a candidate signer's SIGN_REJECT. Rejections
// are advisory only — this cluster's t-of-n threshold means the
// ceremony can still finalize S from other acceptances — so there is
// nothing to do beyond observability.
func (c *Coordinator) handleSignReject(fromNodeID string, env *protocol.Envelope) error {
	var p protocol.SignRejectPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	log.Info().Str("sessionId", p.SessionID).Str("from", fromNodeID).Str("reason", p.Reason).Msg("coordinator: peer rejected sign request")
	return nil
}

func sortedIntKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (c *Coordinator) advanceSignRound2(ctx context.Context, sc *signingCtx) error {
	payload, err := sc.session.StartRound2()
	if err != nil {
		c.abortSigning(ctx, sc, err)
		return err
	}
	return c.sendRound2(ctx, sc, payload)
}

func (c *Coordinator) sendRound2(ctx context.Context, sc *signingCtx, payloads []*protocol.SignRound2Payload) error {
	for _, p := range payloads {
		nodeID, err := sc.nodeIDFor(p.ToPartyIndex)
		if err != nil {
			return err
		}
		if err := c.sendToNode(ctx, nodeID, protocol.SignRound2, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) advanceSignRound3(ctx context.Context, sc *signingCtx) error {
	payload, err := sc.session.StartRound3()
	if err != nil {
		c.abortSigning(ctx, sc, err)
		return err
	}
	return c.broadcastToSigners(ctx, protocol.SignRound3, payload, sc)
}

func (c *Coordinator) advanceSignRound4(ctx context.Context, sc *signingCtx) error {
	payload, err := sc.session.StartRound4()
	if err != nil {
		c.abortSigning(ctx, sc, err)
		return err
	}
	return c.broadcastToSigners(ctx, protocol.SignRound4, payload, sc)
}

func (c *Coordinator) completeSigning(ctx context.Context, sc *signingCtx) (*signing.Result, error) {
	result, err := sc.session.Assemble(sc.childPub)
	if err != nil {
		c.abortSigning(ctx, sc, err)
		return nil, err
	}
	c.clearSigning(sc.session.SessionID)

	encoded := hex.EncodeToString(result.R) + hex.EncodeToString(result.S) + hex.EncodeToString([]byte{result.V})
	log.Info().Str("sessionId", sc.session.SessionID).Msg("coordinator: signing session complete")
	if err := c.sessions.Complete(ctx, sc.session.SessionID, encoded); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Coordinator) abortSigning(ctx context.Context, sc *signingCtx, cause error) {
	sc.session.Abort(cause.Error())
	c.clearSigning(sc.session.SessionID)
	if err := c.sessions.Abort(ctx, sc.session.SessionID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("coordinator: failed to record signing abort status")
	}
	_ = c.broadcastToSigners(context.Background(), protocol.SignAbort, &protocol.SignAbortPayload{
		SessionID: sc.session.SessionID,
		Reason:    cause.Error(),
	}, sc)
}

func (c *Coordinator) clearSigning(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signSessions, sessionID)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
