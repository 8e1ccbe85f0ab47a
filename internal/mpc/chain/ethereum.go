// Package chain builds the one piece of chain-specific plumbing that
// sits just outside the signing engine itself: turning a derived child
// public key into an address, and an unsigned transaction into the
// 32-byte hash the signing ceremony actually signs. EIP-1559 encoding
// and address derivation are external collaborators per spec.md §1 —
// this package supplies them, it does not broadcast anything.
package chain

import (
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

// dynamicFeeTxType is the EIP-2718 envelope type byte for an EIP-1559
// transaction (0x02).
const dynamicFeeTxType = 0x02

// EthereumAdapter derives EIP-55 addresses and EIP-1559 signing hashes
// for a single chain ID.
type EthereumAdapter struct {
	chainID *big.Int
}

// NewEthereumAdapter builds an adapter for chainID, defaulting to
// mainnet (1) when nil.
func NewEthereumAdapter(chainID *big.Int) *EthereumAdapter {
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	return &EthereumAdapter{chainID: chainID}
}

// GenerateAddress derives the EIP-55 checksummed address for a secp256k1
// public key, accepting either 33-byte compressed or 65-byte
// uncompressed form.
func (a *EthereumAdapter) GenerateAddress(pubKey []byte) (string, error) {
	uncompressed64, err := uncompress(pubKey)
	if err != nil {
		return "", err
	}
	hash := crypto.Keccak256(uncompressed64)
	return common.BytesToAddress(hash[12:]).Hex(), nil
}

func uncompress(pubKey []byte) ([]byte, error) {
	switch {
	case len(pubKey) == 65 && pubKey[0] == 0x04:
		return pubKey[1:], nil
	case len(pubKey) == 33 && (pubKey[0] == 0x02 || pubKey[0] == 0x03):
		key, err := btcec.ParsePubKey(pubKey)
		if err != nil {
			return nil, errors.Wrap(err, "chain: failed to parse compressed secp256k1 pubkey")
		}
		u := key.SerializeUncompressed()
		return u[1:], nil
	default:
		return nil, errors.Errorf("chain: unsupported public key format: len=%d", len(pubKey))
	}
}

// UnsignedTx is the set of fields needed to build and hash an EIP-1559
// transaction. AccessList is always empty; this cluster does not build
// access-list transactions.
type UnsignedTx struct {
	Nonce                uint64
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	Gas                  uint64
	To                   common.Address
	Value                *big.Int
	Data                 []byte
}

// Transaction is the built transaction: the raw EIP-1559 payload (sans
// signature) and the 32-byte hash the signing ceremony must sign.
type Transaction struct {
	Raw  []byte
	Hash [32]byte
}

// BuildTransaction RLP-encodes an EIP-1559 transaction body and returns
// its Keccak-256 signing hash: keccak256(0x02 || rlp([chainId, nonce,
// maxPriorityFeePerGas, maxFeePerGas, gas, to, value, data, accessList])).
func (a *EthereumAdapter) BuildTransaction(tx *UnsignedTx) (*Transaction, error) {
	if tx == nil {
		return nil, errors.New("chain: transaction request is nil")
	}
	if tx.Value == nil {
		return nil, errors.New("chain: value is required")
	}
	if tx.MaxFeePerGas == nil || tx.MaxPriorityFeePerGas == nil {
		return nil, errors.New("chain: maxFeePerGas and maxPriorityFeePerGas are required")
	}

	fields := []interface{}{
		a.chainID,
		tx.Nonce,
		tx.MaxPriorityFeePerGas,
		tx.MaxFeePerGas,
		tx.Gas,
		tx.To,
		tx.Value,
		tx.Data,
		[]interface{}{}, // access list
	}

	body, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return nil, errors.Wrap(err, "chain: failed to RLP encode tx body")
	}

	raw := append([]byte{dynamicFeeTxType}, body...)
	return &Transaction{Raw: raw, Hash: crypto.Keccak256Hash(raw)}, nil
}

// HashRawTransaction recomputes the Keccak-256 signing hash directly
// from an already-encoded EIP-1559 payload (type byte plus RLP body),
// the same hash BuildTransaction returns for the structured fields it
// was built from. Every potential signer calls this independently
// against a SIGN_REQUEST's rawTx before trusting its claimed txHash.
func HashRawTransaction(raw []byte) [32]byte {
	return crypto.Keccak256Hash(raw)
}

// DerivationPath renders the BIP44 path this cluster uses for wallet
// index i: non-hardened change/index levels, matching the non-hardened
// BIP32 tweak the signing engine applies.
func DerivationPath(index uint32) string {
	return "m/44'/60'/0'/0/" + strconv.FormatUint(uint64(index), 10)
}
