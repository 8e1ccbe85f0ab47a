package signing

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/paillier"
	"github.com/sandrotbilisi/clirift/internal/mpc/derivation"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
)

// Session is one node's view of a running signing ceremony.
type Session struct {
	mu sync.Mutex

	SessionID string
	Self      int
	Signers   []int // party indices of the fixed t-signer subset S, including Self
	Lagrange  *curve.Scalar

	phase Phase

	xiTweaked *curve.Scalar // (x_i + T) mod n

	k     *curve.Scalar
	gamma *curve.Scalar
	sk    *paillier.PrivateKey

	peers map[int]*peerState
	seen  *protocol.SeenTracker

	betaDeltaNeg map[int]*big.Int // -beta_delta[j], j in Signers\{self}
	betaSigmaNeg map[int]*big.Int

	delta *curve.Scalar
	sigma *curve.Scalar

	deltaSum *curve.Scalar // Delta = sum_j delta_j
	r        *big.Int
	rPoint   *curve.Point

	selfPartialS   *curve.Scalar
	selfSigmaPoint *curve.Point

	msgScalar *curve.Scalar

	aborted bool
	reason  string
}

// NewSession fixes the signer subset S and this party's Lagrange
// coefficient, and applies the BIP32 tweak to this node's persistent
// share (spec.md §4.5: "Each signer's effective share for this session
// is x_i' = (x_i + T) mod n").
func NewSession(sessionID string, self int, signers []int, lagrange *curve.Scalar, xi *curve.Scalar, tweak *derivation.Tweak, msgHash []byte) *Session {
	return &Session{
		SessionID:    sessionID,
		Self:         self,
		Signers:      signers,
		Lagrange:     lagrange,
		phase:        PhaseRound1,
		xiTweaked:    tweak.TweakShare(xi),
		peers:        make(map[int]*peerState),
		seen:         protocol.NewSeenTracker(),
		betaDeltaNeg: make(map[int]*big.Int),
		betaSigmaNeg: make(map[int]*big.Int),
		msgScalar:    curve.ScalarFromBytes(msgHash),
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) gammaContext() string { return fmt.Sprintf("GG20-GAMMA-%s", s.SessionID) }
func (s *Session) kContext() string     { return fmt.Sprintf("GG20-KI-%s", s.SessionID) }

func (s *Session) otherSigners() []int {
	out := make([]int, 0, len(s.Signers)-1)
	for _, j := range s.Signers {
		if j != s.Self {
			out = append(out, j)
		}
	}
	return out
}

// StartRound1 samples k_i, gamma_i, generates a fresh Paillier keypair
// and encrypts k_i under it. Paillier keygen is the session's longest
// blocking operation (spec.md §4.2, §5) — a safe-prime search that can
// run for a noticeable fraction of a second — so it runs entirely
// outside s.mu. Holding the session lock for the full keygen would stall
// ReceiveRound1 for every other peer's message for as long as this
// party's own prime search takes, even though nothing about keygen
// touches shared session state until the very end. The lock is retaken
// only to merge the freshly generated key material in, matching the
// late-merge discipline the coordinator's broadcast fan-out already uses.
func (s *Session) StartRound1() (*protocol.SignRound1Payload, error) {
	k, err := curve.RandomScalar()
	if err != nil {
		return nil, err
	}
	gamma, err := curve.RandomScalar()
	if err != nil {
		return nil, err
	}
	sk, err := paillier.GenerateKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "signing: paillier keygen failed")
	}
	encK, err := sk.Encrypt(k.Int())
	if err != nil {
		return nil, err
	}

	proofGamma, err := curve.Prove(gamma, s.gammaContext())
	if err != nil {
		return nil, err
	}
	proofK, err := curve.Prove(k, s.kContext())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.k = k
	s.gamma = gamma
	s.sk = sk
	s.mu.Unlock()

	gammaPointBytes, err := curve.ScalarBaseMul(gamma).CompressedBytes()
	if err != nil {
		return nil, err
	}
	kPointBytes, err := curve.ScalarBaseMul(k).CompressedBytes()
	if err != nil {
		return nil, err
	}
	proofGammaR, err := proofGamma.R.CompressedBytes()
	if err != nil {
		return nil, err
	}
	proofKR, err := proofK.R.CompressedBytes()
	if err != nil {
		return nil, err
	}

	return &protocol.SignRound1Payload{
		SessionID:   s.SessionID,
		PartyIndex:  s.Self,
		GammaPoint:  gammaPointBytes,
		KPoint:      kPointBytes,
		PaillierN:   sk.PublicKey.N.Bytes(),
		EncK:        encK.Bytes(),
		ProofGammaR: proofGammaR,
		ProofGammaS: proofGamma.S.Bytes(),
		ProofKR:     proofKR,
		ProofKS:     proofK.S.Bytes(),
	}, nil
}

// ReceiveRound1 validates a peer's Paillier modulus and both Schnorr
// PoKs before recording its contribution (spec.md §4.5 R1).
func (s *Session) ReceiveRound1(from int, p *protocol.SignRound1Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(1, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.SessionID, fmt.Sprint(from), 1)
	}

	pk := &paillier.PublicKey{N: new(big.Int).SetBytes(p.PaillierN)}
	pk.NSquare = new(big.Int).Mul(pk.N, pk.N)
	pk.G = new(big.Int).Add(pk.N, big.NewInt(1))
	if err := pk.Validate(); err != nil {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "invalid paillier modulus: "+err.Error())
	}

	encK := new(big.Int).SetBytes(p.EncK)
	if encK.Sign() < 0 || encK.Cmp(pk.NSquare) >= 0 {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "ciphertext out of range")
	}

	gammaPoint, err := curve.PointFromCompressed(p.GammaPoint)
	if err != nil {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "malformed gamma point")
	}
	kPoint, err := curve.PointFromCompressed(p.KPoint)
	if err != nil {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "malformed k point")
	}

	proofGamma := &curve.SchnorrProof{R: mustPointS(p.ProofGammaR), S: curve.ScalarFromBytes(p.ProofGammaS)}
	if proofGamma.R == nil || !proofGamma.Verify(gammaPoint, s.gammaContext()) {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "gamma pok verification failed")
	}
	proofK := &curve.SchnorrProof{R: mustPointS(p.ProofKR), S: curve.ScalarFromBytes(p.ProofKS)}
	if proofK.R == nil || !proofK.Verify(kPoint, s.kContext()) {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "k pok verification failed")
	}

	s.peers[from] = &peerState{
		gammaPoint: gammaPoint,
		kPoint:     kPoint,
		paillierPK: pk,
		encK:       p.EncK,
	}
	return nil
}

func (s *Session) Round1Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers) == len(s.Signers)-1 && s.sk != nil
}

func mustPointS(compressed []byte) *curve.Point {
	pt, err := curve.PointFromCompressed(compressed)
	if err != nil {
		return nil
	}
	return pt
}

// StartRound2 runs the two-party MtA protocol against every other signer:
// one instance converts k_j*gamma_i into additive delta shares, the other
// converts k_j*(L_i*x_i') into additive sigma shares (spec.md §4.5 R2).
func (s *Session) StartRound2() ([]*protocol.SignRound2Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lxi := s.Lagrange.Mul(s.xiTweaked)
	out := make([]*protocol.SignRound2Payload, 0, len(s.peers))
	for _, j := range s.otherSigners() {
		peer, ok := s.peers[j]
		if !ok {
			return nil, protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(j)}, "missing round1 state for peer")
		}
		encJ := new(big.Int).SetBytes(peer.encK)

		deltaResp, err := paillier.RespondMtA(peer.paillierPK, &paillier.MtARequest{EncA: encJ}, s.gamma.Int(), curve.N)
		if err != nil {
			return nil, errors.Wrap(err, "signing: delta mta failed")
		}
		sigmaResp, err := paillier.RespondMtA(peer.paillierPK, &paillier.MtARequest{EncA: encJ}, lxi.Int(), curve.N)
		if err != nil {
			return nil, errors.Wrap(err, "signing: sigma mta failed")
		}

		s.betaDeltaNeg[j] = deltaResp.BetaNeg
		s.betaSigmaNeg[j] = sigmaResp.BetaNeg

		out = append(out, &protocol.SignRound2Payload{
			SessionID:      s.SessionID,
			FromPartyIndex: s.Self,
			ToPartyIndex:   j,
			DeltaEnc:       deltaResp.EncResult.Bytes(),
			SigmaEnc:       sigmaResp.EncResult.Bytes(),
		})
	}
	return out, nil
}

// ReceiveRound2 records a peer's MtA responses, still encrypted under
// this node's own Paillier key.
func (s *Session) ReceiveRound2(from int, p *protocol.SignRound2Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(2, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.SessionID, fmt.Sprint(from), 2)
	}
	peer, ok := s.peers[from]
	if !ok {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "round2 from unknown party")
	}
	peer.deltaEncFromPeer = p.DeltaEnc
	peer.sigmaEncFromPeer = p.SigmaEnc
	return nil
}

func (s *Session) Round2Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.otherSigners() {
		peer, ok := s.peers[j]
		if !ok || peer.deltaEncFromPeer == nil || peer.sigmaEncFromPeer == nil {
			return false
		}
	}
	return true
}

// StartRound3 decrypts every inbound MtA response and folds it, together
// with this node's own retained additive masks, into delta_i and sigma_i
// (spec.md §4.5 R3). Only delta_i is broadcast this round.
func (s *Session) StartRound3() (*protocol.SignRound3Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lxi := s.Lagrange.Mul(s.xiTweaked)
	delta := s.k.Mul(s.gamma)
	sigma := s.k.Mul(lxi)

	for _, j := range s.otherSigners() {
		peer := s.peers[j]

		alphaDelta, err := paillier.FinishMtA(s.sk, &paillier.MtAResponse{EncResult: new(big.Int).SetBytes(peer.deltaEncFromPeer)}, curve.N)
		if err != nil {
			return nil, errors.Wrap(err, "signing: failed to finish delta mta")
		}
		alphaSigma, err := paillier.FinishMtA(s.sk, &paillier.MtAResponse{EncResult: new(big.Int).SetBytes(peer.sigmaEncFromPeer)}, curve.N)
		if err != nil {
			return nil, errors.Wrap(err, "signing: failed to finish sigma mta")
		}

		delta = delta.Add(curve.NewScalar(alphaDelta)).Add(curve.NewScalar(s.betaDeltaNeg[j]))
		sigma = sigma.Add(curve.NewScalar(alphaSigma)).Add(curve.NewScalar(s.betaSigmaNeg[j]))
	}

	s.delta = delta
	s.sigma = sigma

	return &protocol.SignRound3Payload{
		SessionID:  s.SessionID,
		PartyIndex: s.Self,
		Delta:      delta.Bytes(),
	}, nil
}

func (s *Session) ReceiveRound3(from int, p *protocol.SignRound3Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(3, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.SessionID, fmt.Sprint(from), 3)
	}
	peer, ok := s.peers[from]
	if !ok {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "round3 from unknown party")
	}
	peer.deltaShare = p.Delta
	return nil
}

func (s *Session) Round3Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.otherSigners() {
		if s.peers[j].deltaShare == nil {
			return false
		}
	}
	return true
}

// StartRound4 aggregates Delta, recovers R = Delta^-1 * (sum of every
// signer's Gamma_j*G), derives r, and publishes this node's partial
// signature s_i = k_i*m + r*sigma_i together with sigma_i*G so peers can
// verify it (spec.md §4.5 R4).
func (s *Session) StartRound4() (*protocol.SignRound4Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltaSum := s.delta
	sumGamma := curve.ScalarBaseMul(s.gamma)
	for _, j := range s.otherSigners() {
		peer := s.peers[j]
		deltaSum = deltaSum.Add(curve.ScalarFromBytes(peer.deltaShare))
		sumGamma = sumGamma.Add(peer.gammaPoint)
	}
	if deltaSum.IsZero() {
		return nil, protocol.NewSigningError(s.SessionID, nil, "aggregate delta is zero")
	}
	s.deltaSum = deltaSum

	rPoint := sumGamma.ScalarMul(deltaSum.Inverse())
	r := new(big.Int).Mod(rPoint.X(), curve.N)
	if r.Sign() == 0 {
		return nil, protocol.NewSigningError(s.SessionID, nil, "derived r is zero")
	}
	s.rPoint = rPoint
	s.r = r

	rScalar := curve.NewScalar(r)
	partialS := s.k.Mul(s.msgScalar).Add(rScalar.Mul(s.sigma))
	sigmaPoint := curve.ScalarBaseMul(s.sigma)

	sigmaPointBytes, err := sigmaPoint.CompressedBytes()
	if err != nil {
		return nil, err
	}

	s.selfPartialS = partialS
	s.selfSigmaPoint = sigmaPoint

	return &protocol.SignRound4Payload{
		SessionID:  s.SessionID,
		PartyIndex: s.Self,
		PartialS:   partialS.Bytes(),
		SigmaPoint: sigmaPointBytes,
	}, nil
}

// ReceiveRound4 verifies a peer's partial signature against its round-1
// commitments before accepting it: s_j*G =? m*(k_j*G) + r*(sigma_j*G).
func (s *Session) ReceiveRound4(from int, p *protocol.SignRound4Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(4, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.SessionID, fmt.Sprint(from), 4)
	}
	peer, ok := s.peers[from]
	if !ok {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "round4 from unknown party")
	}

	sigmaPoint, err := curve.PointFromCompressed(p.SigmaPoint)
	if err != nil {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "malformed sigma point")
	}
	partialS := curve.ScalarFromBytes(p.PartialS)
	rScalar := curve.NewScalar(s.r)

	lhs := curve.ScalarBaseMul(partialS)
	rhs := peer.kPoint.ScalarMul(s.msgScalar).Add(sigmaPoint.ScalarMul(rScalar))
	if !lhs.Equal(rhs) {
		return protocol.NewSigningError(s.SessionID, []string{fmt.Sprint(from)}, "partial signature verification failed")
	}

	peer.sigmaPoint = sigmaPoint
	peer.partialS = partialS
	return nil
}

func (s *Session) Round4Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.otherSigners() {
		if s.peers[j].partialS == nil {
			return false
		}
	}
	return true
}

// Abort marks the session permanently failed.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.reason = reason
	s.phase = PhaseAborted
	s.zeroize()
}

// Aborted reports whether the session has been aborted, and why.
func (s *Session) Aborted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted, s.reason
}

// zeroize drops the session's secret material once a signature has been
// assembled or the session has aborted. Caller must hold s.mu.
func (s *Session) zeroize() {
	s.k = nil
	s.gamma = nil
	s.xiTweaked = nil
	s.sk = nil
	s.delta = nil
	s.sigma = nil
	s.betaDeltaNeg = nil
	s.betaSigmaNeg = nil
}
