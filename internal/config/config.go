// Package config loads a node's deployment settings from environment
// variables. There is no config file format or hot reload: every
// setting is fixed for the lifetime of the process, matching the
// cluster's static membership model.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// PeerConfig is one entry of the static peer list, encoded as JSON in
// CLIRIFT_PEERS (an array of these).
type PeerConfig struct {
	NodeID      string `json:"nodeId"`
	PartyIndex  int    `json:"partyIndex"`
	Endpoint    string `json:"endpoint"`
	IdentityKey string `json:"identityKey"` // uncompressed hex ECDSA public key
}

// NodeConfig is one node's full deployment configuration.
type NodeConfig struct {
	NodeID         string       `json:"nodeId"`
	PartyIndex     int          `json:"partyIndex"`
	Threshold      int          `json:"threshold"`
	TotalNodes     int          `json:"totalNodes"`
	Peers          []PeerConfig `json:"peers"`
	SharePath      string       `json:"sharePath"`
	KMSKeyID       string       `json:"kmsKeyId,omitempty"`
	Passphrase     string       `json:"-"` // never serialized
	SessionTimeout time.Duration `json:"sessionTimeout"`
	RedisAddr      string       `json:"redisAddr"`
	ListenAddr     string       `json:"listenAddr"`
	JWTIssuer      string       `json:"jwtIssuer"`
	JWTSecret      string       `json:"-"`
	ChainID        int64        `json:"chainId"`
	TLSCertFile    string       `json:"tlsCertFile,omitempty"`
	TLSKeyFile     string       `json:"tlsKeyFile,omitempty"`
	TLSCACertFile  string       `json:"tlsCaCertFile,omitempty"`
}

const (
	defaultSessionTimeout = 2 * time.Minute
	defaultListenAddr     = ":8443"
	defaultJWTIssuer      = "clirift-node"
	defaultChainID        = 1
)

// DefaultServiceConfigFromEnv builds a NodeConfig from the process
// environment, filling in defaults for anything unset.
func DefaultServiceConfigFromEnv() *NodeConfig {
	cfg := &NodeConfig{
		NodeID:         getEnv("CLIRIFT_NODE_ID", ""),
		PartyIndex:     getEnvInt("CLIRIFT_PARTY_INDEX", 0),
		Threshold:      getEnvInt("CLIRIFT_THRESHOLD", 0),
		TotalNodes:     getEnvInt("CLIRIFT_TOTAL_NODES", 0),
		SharePath:      getEnv("CLIRIFT_SHARE_PATH", "./data"),
		KMSKeyID:       getEnv("CLIRIFT_KMS_KEY_ID", ""),
		Passphrase:     getEnv("CLIRIFT_PASSPHRASE", ""),
		SessionTimeout: getEnvDuration("CLIRIFT_SESSION_TIMEOUT", defaultSessionTimeout),
		RedisAddr:      getEnv("CLIRIFT_REDIS_ADDR", "localhost:6379"),
		ListenAddr:     getEnv("CLIRIFT_LISTEN_ADDR", defaultListenAddr),
		JWTIssuer:      getEnv("CLIRIFT_JWT_ISSUER", defaultJWTIssuer),
		JWTSecret:      getEnv("CLIRIFT_JWT_SECRET", ""),
		ChainID:        getEnvInt64("CLIRIFT_CHAIN_ID", defaultChainID),
		TLSCertFile:    getEnv("CLIRIFT_TLS_CERT_FILE", ""),
		TLSKeyFile:     getEnv("CLIRIFT_TLS_KEY_FILE", ""),
		TLSCACertFile:  getEnv("CLIRIFT_TLS_CA_FILE", ""),
	}

	if raw := os.Getenv("CLIRIFT_PEERS"); raw != "" {
		var peers []PeerConfig
		if err := json.Unmarshal([]byte(raw), &peers); err == nil {
			cfg.Peers = peers
		}
	}

	return cfg
}

// UsesKMS reports whether this node's key share is protected by an
// external KMS rather than a local passphrase.
func (c *NodeConfig) UsesKMS() bool {
	return c.KMSKeyID != ""
}

// UsesTLS reports whether this node has been given certificate material
// to secure its peer transport with mutual TLS instead of plaintext.
func (c *NodeConfig) UsesTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != "" && c.TLSCACertFile != ""
}

// UsesPeerAuth reports whether inbound envelopes must carry a valid
// peer JWT.
func (c *NodeConfig) UsesPeerAuth() bool {
	return c.JWTSecret != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
