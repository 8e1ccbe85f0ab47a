package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MessageType enumerates the wire envelope's payload discriminant.
type MessageType string

const (
	DkgPropose    MessageType = "DKG_PROPOSE"
	DkgAccept     MessageType = "DKG_ACCEPT"
	DkgRound1     MessageType = "DKG_ROUND1"
	DkgRound2     MessageType = "DKG_ROUND2"
	DkgRound3P2P  MessageType = "DKG_ROUND3_P2P"
	DkgRound4     MessageType = "DKG_ROUND4"
	DkgComplete   MessageType = "DKG_COMPLETE"
	DkgAbort      MessageType = "DKG_ABORT"
	SignRequest   MessageType = "SIGN_REQUEST"
	SignAccept    MessageType = "SIGN_ACCEPT"
	SignReject    MessageType = "SIGN_REJECT"
	SignRound1    MessageType = "SIGN_ROUND1"
	SignRound2    MessageType = "SIGN_ROUND2"
	SignRound3    MessageType = "SIGN_ROUND3"
	SignRound4    MessageType = "SIGN_ROUND4"
	SignComplete  MessageType = "SIGN_COMPLETE"
	SignAbort     MessageType = "SIGN_ABORT"
)

// replayWindow is the anti-replay tolerance: an envelope older than this
// relative to the receiver's clock is rejected outright.
const replayWindow = 30 * time.Second

// Envelope is the wire message format every DKG/signing round message is
// carried in.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	TimestampMs int64         `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	FromNode  string          `json:"fromNodeId"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope stamps a fresh id, timestamp and nonce around payload.
func NewEnvelope(msgType MessageType, fromNode string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal payload")
	}
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to generate nonce")
	}
	return &Envelope{
		ID:          uuid.New().String(),
		Type:        msgType,
		TimestampMs: time.Now().UnixMilli(),
		Nonce:       hex.EncodeToString(nonceBytes),
		FromNode:    fromNode,
		Payload:     raw,
	}, nil
}

// CheckFreshness rejects an envelope older than the anti-replay window.
func (e *Envelope) CheckFreshness(now time.Time) error {
	age := now.Sub(time.UnixMilli(e.TimestampMs))
	if age > replayWindow {
		return NewValidationError("", "envelope timestamp outside replay window")
	}
	if age < -replayWindow {
		return NewValidationError("", "envelope timestamp is in the future")
	}
	return nil
}

// Unmarshal decodes the envelope's payload into dst.
func (e *Envelope) Unmarshal(dst interface{}) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return errors.Wrap(err, "protocol: failed to unmarshal payload")
	}
	return nil
}

// SeenTracker rejects duplicate messages from the same sender within a
// round, i.e. equivocation detection (spec P9). It is keyed per session.
type SeenTracker struct {
	seen map[string]bool // key = round:senderID
}

// NewSeenTracker returns an empty tracker.
func NewSeenTracker() *SeenTracker {
	return &SeenTracker{seen: make(map[string]bool)}
}

// Observe records (round, senderID) and reports whether this is a
// duplicate. Callers should abort the ceremony on true.
func (t *SeenTracker) Observe(round int, senderID string) bool {
	key := seenKey(round, senderID)
	if t.seen[key] {
		return true
	}
	t.seen[key] = true
	return false
}

func seenKey(round int, senderID string) string {
	return senderID + ":" + strconv.Itoa(round)
}
