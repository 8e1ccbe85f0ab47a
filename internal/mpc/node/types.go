// Package node holds the cluster's static peer list. Membership is fixed
// at deployment time and loaded from config; there is no discovery
// protocol, heartbeat, or dynamic join/leave (spec.md Non-goals: dynamic
// group membership).
package node

import "crypto/ecdsa"

// Peer describes one member of the cluster: its stable party index (used
// throughout DKG and signing), its transport endpoint, and the identity
// public key used to encrypt Round 3 DKG shares to it.
type Peer struct {
	NodeID      string
	PartyIndex  int
	Endpoint    string
	IdentityKey *ecdsa.PublicKey
}
