package signing

import (
	"math/big"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
)

var halfN = new(big.Int).Rsh(curve.N, 1)

// Assemble sums every signer's partial signature, applies EIP-2 low-s
// normalization, computes the recovery id, and refuses to hand back a
// signature that does not verify against the session's child public key
// (spec.md §4.5 R4, "must locally re-verify the assembled signature
// before ever broadcasting SIGN_COMPLETE").
func (s *Session) Assemble(childPubKey *curve.Point) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.r == nil || s.rPoint == nil || s.selfPartialS == nil {
		return nil, protocol.NewSigningError(s.SessionID, nil, "round4 not complete")
	}

	total := s.selfPartialS
	for _, j := range s.otherSigners() {
		peer, ok := s.peers[j]
		if !ok || peer.partialS == nil {
			return nil, protocol.NewSigningError(s.SessionID, []string{strconv.Itoa(j)}, "missing partial signature")
		}
		total = total.Add(peer.partialS)
	}

	sInt := new(big.Int).Set(total.Int())
	yOdd := s.rPoint.Y().Bit(0) == 1
	if sInt.Cmp(halfN) == 1 {
		sInt = new(big.Int).Sub(curve.N, sInt)
		yOdd = !yOdd
	}

	var v byte = 27
	if yOdd {
		v = 28
	}

	res := &Result{
		R: leftPad32(s.r.Bytes()),
		S: leftPad32(sInt.Bytes()),
		V: v,
	}

	if err := verify(childPubKey, s.msgScalar, s.r, sInt); err != nil {
		s.aborted = true
		s.reason = "assembled signature failed local verification"
		s.phase = PhaseAborted
		return nil, errors.Wrap(err, "signing: refusing to emit unverifiable signature")
	}

	s.phase = PhaseComplete
	s.zeroize()
	return res, nil
}

// verify checks the standard ECDSA verification equation
// (u1*G + u2*Q).X mod n == r, where u1 = m*s^-1, u2 = r*s^-1.
func verify(Q *curve.Point, m *curve.Scalar, r, sInt *big.Int) error {
	if r.Sign() == 0 || sInt.Sign() == 0 {
		return errors.New("signing: zero r or s")
	}
	s := curve.NewScalar(sInt)
	rScalar := curve.NewScalar(r)
	sInv := s.Inverse()

	u1 := m.Mul(sInv)
	u2 := rScalar.Mul(sInv)

	point := curve.ScalarBaseMul(u1).Add(Q.ScalarMul(u2))
	if point.IsInfinity() {
		return errors.New("signing: verification point at infinity")
	}
	x := new(big.Int).Mod(point.X(), curve.N)
	if x.Cmp(r) != 0 {
		return errors.New("signing: signature does not verify against child public key")
	}
	return nil
}

func leftPad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
