package paillier

import (
	"math/big"

	"github.com/pkg/errors"
)

// MtARequest is sent by party A, who holds a secret scalar a encrypted
// under A's own Paillier public key, to party B during a GG20 round 2/3
// exchange.
type MtARequest struct {
	EncA *big.Int // Enc_A(a)
}

// MtAResponse is party B's reply: an encryption (under A's key) of
// b*a + beta for a random additive mask beta known only to B, plus B's
// share -beta of the additive result.
type MtAResponse struct {
	EncResult *big.Int // Enc_A(a*b + beta)
	BetaNeg   *big.Int // -beta mod the curve order, B's additive share
}

// RespondMtA is run by party B, who holds secret scalar b and party A's
// Paillier public key and encrypted a. It returns the response to send
// back to A along with B's own additive share of a*b.
func RespondMtA(pkA *PublicKey, req *MtARequest, b *big.Int, order *big.Int) (*MtAResponse, error) {
	if err := pkA.Validate(); err != nil {
		return nil, errors.Wrap(err, "mta: invalid counterparty paillier key")
	}

	beta, err := randCoprime(order)
	if err != nil {
		return nil, err
	}

	encAB := pkA.HomomorphicScalarMul(req.EncA, b)
	encBeta, err := pkA.Encrypt(beta)
	if err != nil {
		return nil, err
	}
	encResult := pkA.HomomorphicAdd(encAB, encBeta)

	betaNeg := new(big.Int).Mod(new(big.Int).Neg(beta), order)
	return &MtAResponse{EncResult: encResult, BetaNeg: betaNeg}, nil
}

// FinishMtA is run by party A after decrypting resp.EncResult with A's
// own private key, yielding A's additive share alpha = a*b + beta mod
// order such that alpha + (-beta) = a*b mod order.
func FinishMtA(skA *PrivateKey, resp *MtAResponse, order *big.Int) (*big.Int, error) {
	alpha, err := skA.Decrypt(resp.EncResult)
	if err != nil {
		return nil, errors.Wrap(err, "mta: failed to decrypt result")
	}
	return new(big.Int).Mod(alpha, order), nil
}
