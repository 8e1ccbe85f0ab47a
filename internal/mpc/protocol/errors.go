package protocol

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a protocol failure per the error taxonomy: schema
// and envelope problems drop a single message, cryptographic failures
// abort the whole ceremony, storage failures surface to the initiator.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindValidation
	ErrKindCertificate
	ErrKindAuthentication
	ErrKindDkg
	ErrKindSigning
	ErrKindStorage
	ErrKindConnection
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindValidation:
		return "VALIDATION"
	case ErrKindCertificate:
		return "CERTIFICATE"
	case ErrKindAuthentication:
		return "AUTHENTICATION"
	case ErrKindDkg:
		return "DKG"
	case ErrKindSigning:
		return "SIGNING"
	case ErrKindStorage:
		return "STORAGE"
	case ErrKindConnection:
		return "CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// ProtocolError is the single tagged error type used across the DKG and
// signing engines. Culprits names peers implicated in a verification
// failure; it is used only for logging and local rejection of the
// ceremony, never for cryptographic identifiable abort.
type ProtocolError struct {
	Kind      ErrorKind
	Message   string
	SessionID string
	Culprits  []string
	Original  error
}

func (e *ProtocolError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind.String(), e.Message))
	if len(e.Culprits) > 0 {
		sb.WriteString(fmt.Sprintf(" (culprits: %v)", e.Culprits))
	}
	if e.SessionID != "" {
		sb.WriteString(fmt.Sprintf(" [session: %s]", e.SessionID))
	}
	if e.Original != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Original))
	}
	return sb.String()
}

func (e *ProtocolError) Unwrap() error {
	return e.Original
}

// NewValidationError reports a malformed envelope or stale message; the
// caller drops only the offending message.
func NewValidationError(sessionID, msg string) *ProtocolError {
	return &ProtocolError{Kind: ErrKindValidation, Message: msg, SessionID: sessionID}
}

// NewDkgError reports a DKG verification or protocol failure; the caller
// aborts the whole ceremony.
func NewDkgError(sessionID string, culprits []string, msg string) *ProtocolError {
	return &ProtocolError{Kind: ErrKindDkg, Message: msg, SessionID: sessionID, Culprits: culprits}
}

// NewSigningError reports a signing verification, equivocation,
// out-of-range ciphertext, or degenerate r/Delta failure.
func NewSigningError(sessionID string, culprits []string, msg string) *ProtocolError {
	return &ProtocolError{Kind: ErrKindSigning, Message: msg, SessionID: sessionID, Culprits: culprits}
}

// NewStorageError wraps an encryption/decryption/IO failure.
func NewStorageError(sessionID string, err error) *ProtocolError {
	return &ProtocolError{Kind: ErrKindStorage, Message: "storage error", SessionID: sessionID, Original: err}
}

// NewConnectionError wraps a transport failure.
func NewConnectionError(sessionID string, err error) *ProtocolError {
	return &ProtocolError{Kind: ErrKindConnection, Message: "connection error", SessionID: sessionID, Original: err}
}

// NewEquivocationError reports a duplicate message from the same sender
// within a round (spec property: duplicate-sender messages abort the
// ceremony rather than being silently merged).
func NewEquivocationError(sessionID, senderID string, round int) *ProtocolError {
	return &ProtocolError{
		Kind:      ErrKindSigning,
		Message:   fmt.Sprintf("equivocation: duplicate message from %s in round %d", senderID, round),
		SessionID: sessionID,
		Culprits:  []string{senderID},
	}
}
