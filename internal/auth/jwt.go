// Package auth issues and validates the short-lived bearer tokens nodes
// present to each other over the transport layer to prove which party
// index they claim to be. Session tokens only; the wire transport that
// carries them is out of scope here.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// PeerClaims identifies the calling node within the cluster.
type PeerClaims struct {
	jwt.RegisteredClaims
	NodeID     string `json:"node_id"`
	PartyIndex int    `json:"party_index"`
}

// PeerTokenManager issues and validates PeerClaims tokens for the
// static cluster membership, shared out of band at deployment time.
type PeerTokenManager struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
}

// NewPeerTokenManager returns a PeerTokenManager.
func NewPeerTokenManager(secretKey, issuer string, tokenDuration time.Duration) *PeerTokenManager {
	return &PeerTokenManager{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
	}
}

// Generate issues a token asserting nodeID's identity and party index.
func (m *PeerTokenManager) Generate(nodeID string, partyIndex int) (string, error) {
	claims := PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    m.issuer,
			Subject:   nodeID,
		},
		NodeID:     nodeID,
		PartyIndex: partyIndex,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validate parses and verifies a peer token, returning its claims.
func (m *PeerTokenManager) Validate(tokenString string) (*PeerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PeerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(*PeerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
