package dkg

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/vss"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
	pkgbackup "github.com/sandrotbilisi/clirift/pkg/backup"
)

// IdentityLookup resolves a party index to the peer's stable identity
// public key, used for Round 3 hybrid encryption. It is populated
// out-of-band before a ceremony starts (spec.md §4.4: "each has an
// identity asymmetric keypair used for Round 3 share encryption").
type IdentityLookup interface {
	IdentityPubKey(partyIndex int) (*ecdsa.PublicKey, error)
}

// Session is one node's view of a running DKG ceremony. All state that
// must be zeroized on completion or abort lives here; nothing survives
// past PhaseComplete/PhaseAborted except the returned Result.
type Session struct {
	mu sync.Mutex

	CeremonyID string
	Self       int // this node's party index
	Threshold  int
	Total      int
	Parties    []string // normalized party ids, index i -> party index i+1

	phase Phase

	poly       *vss.Polynomial
	blind      *vss.PedersenCommitment
	feldman    *vss.FeldmanCommitments
	schnorrPrf *curve.SchnorrProof
	xi         *curve.Scalar

	round1Peers map[int]*peerRound1
	round2Peers map[int]*peerRound2
	round3Recv  map[int]*curve.Scalar // shares received from peer j: f_j(self)
	round4Peers map[int]*peerRound4

	seen *protocol.SeenTracker

	identities IdentityLookup

	aborted bool
	reason  string
}

// NewSession starts a fresh ceremony session for this node. selfIndex is
// this node's 1-based party index within parties.
func NewSession(ceremonyID string, selfIndex, threshold, total int, parties []string, identities IdentityLookup) *Session {
	return &Session{
		CeremonyID:  ceremonyID,
		Self:        selfIndex,
		Threshold:   threshold,
		Total:       total,
		Parties:     parties,
		phase:       PhaseProposed,
		round1Peers: make(map[int]*peerRound1),
		round2Peers: make(map[int]*peerRound2),
		round3Recv:  make(map[int]*curve.Scalar),
		round4Peers: make(map[int]*peerRound4),
		seen:        protocol.NewSeenTracker(),
		identities:  identities,
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// dkgContext builds the domain-separated Schnorr context string spec.md
// §4.1 mandates: "DKG-<ceremonyId>-party-<i>".
func (s *Session) dkgContext(partyIndex int) string {
	return fmt.Sprintf("DKG-%s-party-%d", s.CeremonyID, partyIndex)
}

// StartRound1 samples this party's secret polynomial and Pedersen
// pre-commitment, transitioning to PhaseRound1 before returning the
// broadcast payload — the critical-section discipline of spec.md §5:
// the phase is set synchronously before any suspension the caller might
// introduce around the network send.
func (s *Session) StartRound1() (*protocol.DkgRound1Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := curve.RandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "dkg: failed to sample secret")
	}
	poly, err := vss.NewRandomPolynomial(secret, s.Threshold)
	if err != nil {
		return nil, errors.Wrap(err, "dkg: failed to sample polynomial")
	}
	s.poly = poly
	s.feldman = vss.Commit(poly)

	feldmanValue, err := serializeFeldman(s.feldman)
	if err != nil {
		return nil, err
	}
	commitment, err := vss.PedersenCommit(s.dkgContext(s.Self), feldmanValue)
	if err != nil {
		return nil, errors.Wrap(err, "dkg: failed to commit")
	}
	s.blind = commitment

	s.phase = PhaseRound1
	return &protocol.DkgRound1Payload{
		CeremonyID: s.CeremonyID,
		PartyIndex: s.Self,
		Commitment: commitment.Digest[:],
	}, nil
}

// ReceiveRound1 records a peer's pre-commitment. Round1Complete reports
// when all n-1 peers have been recorded.
func (s *Session) ReceiveRound1(from int, p *protocol.DkgRound1Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(1, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.CeremonyID, fmt.Sprint(from), 1)
	}
	var digest [32]byte
	copy(digest[:], p.Commitment)
	s.round1Peers[from] = &peerRound1{commitment: digest}
	return nil
}

func (s *Session) Round1Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.round1Peers) == s.Total-1
}

// StartRound2 opens this party's Feldman vector and publishes a Schnorr
// PoK of the polynomial's constant term.
func (s *Session) StartRound2() (*protocol.DkgRound2Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proof, err := curve.Prove(s.poly.ConstantTerm(), s.dkgContext(s.Self))
	if err != nil {
		return nil, errors.Wrap(err, "dkg: failed to build schnorr proof")
	}
	s.schnorrPrf = proof

	points := make([][]byte, len(s.feldman.Points))
	for i, pt := range s.feldman.Points {
		cb, err := pt.CompressedBytes()
		if err != nil {
			return nil, err
		}
		points[i] = cb
	}
	rBytes, err := proof.R.CompressedBytes()
	if err != nil {
		return nil, err
	}

	s.phase = PhaseRound2
	return &protocol.DkgRound2Payload{
		CeremonyID:    s.CeremonyID,
		PartyIndex:    s.Self,
		FeldmanPoints: points,
		SchnorrR:      rBytes,
		SchnorrS:      proof.S.Bytes(),
		Blind:         s.blind.Blind,
	}, nil
}

// ReceiveRound2 verifies the peer's Pedersen opening against its Round 1
// commitment and its Schnorr PoK, per spec.md §4.4 R2. Either failure is
// fatal for the whole ceremony.
func (s *Session) ReceiveRound2(from int, p *protocol.DkgRound2Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(2, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.CeremonyID, fmt.Sprint(from), 2)
	}

	peer1, ok := s.round1Peers[from]
	if !ok {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "round2 from unknown round1 party")
	}

	feldmanValue, err := serializePoints(p.FeldmanPoints)
	if err != nil {
		return err
	}
	if !vss.VerifyOpening(s.dkgContext(from), peer1.commitment, feldmanValue, p.Blind) {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "pedersen opening failed")
	}

	points := make([]*curve.Point, len(p.FeldmanPoints))
	for i, cb := range p.FeldmanPoints {
		pt, err := curve.PointFromCompressed(cb)
		if err != nil {
			return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "malformed feldman point")
		}
		points[i] = pt
	}
	commitments := &vss.FeldmanCommitments{Points: points}
	constantTerm, err := commitments.PublicValue()
	if err != nil {
		return err
	}

	proof := &curve.SchnorrProof{
		R: mustPoint(p.SchnorrR),
		S: curve.ScalarFromBytes(p.SchnorrS),
	}
	if proof.R == nil || !proof.Verify(constantTerm, s.dkgContext(from)) {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "schnorr pok verification failed")
	}

	s.round2Peers[from] = &peerRound2{feldman: commitments}
	return nil
}

func (s *Session) Round2Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.round2Peers) == s.Total-1
}

// StartRound3 computes and hybrid-encrypts f_i(j) for every peer j,
// returning one payload per peer to send point-to-point.
func (s *Session) StartRound3() ([]*protocol.DkgRound3Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = PhaseRound3
	out := make([]*protocol.DkgRound3Payload, 0, s.Total-1)
	for j := 1; j <= s.Total; j++ {
		if j == s.Self {
			continue
		}
		share := s.poly.Eval(curve.NewScalar(intToBig(j)))
		pub, err := s.identities.IdentityPubKey(j)
		if err != nil {
			return nil, errors.Wrapf(err, "dkg: no identity key for party %d", j)
		}
		blob, err := pkgbackup.EncryptShare(share.Bytes(), pub, s.CeremonyID)
		if err != nil {
			return nil, errors.Wrap(err, "dkg: failed to encrypt share")
		}
		out = append(out, &protocol.DkgRound3Payload{
			CeremonyID:     s.CeremonyID,
			FromPartyIndex: s.Self,
			ToPartyIndex:   j,
			Ciphertext:     blob,
		})
	}
	return out, nil
}

// ReceiveRound3 decrypts an inbound share with the caller-supplied
// identity private key and Feldman-verifies it against the sender's
// Round 2 commitments. A verification failure indicates a cheating
// sender and is fatal for the ceremony (spec.md §4.4 R3, scenario 2).
func (s *Session) ReceiveRound3(from int, p *protocol.DkgRound3Payload, decrypt func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ToPartyIndex != s.Self {
		return protocol.NewValidationError(s.CeremonyID, "round3 message addressed to another party")
	}
	if s.seen.Observe(3, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.CeremonyID, fmt.Sprint(from), 3)
	}

	peer2, ok := s.round2Peers[from]
	if !ok {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "round3 from unknown round2 party")
	}

	plain, err := decrypt(p.Ciphertext)
	if err != nil {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "failed to decrypt round3 share")
	}
	share := curve.ScalarFromBytes(plain)

	if !peer2.feldman.VerifyShare(curve.NewScalar(intToBig(s.Self)), share) {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "feldman verification failed")
	}

	s.round3Recv[from] = share
	return nil
}

func (s *Session) Round3Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.round3Recv) == s.Total-1
}

// StartRound4 sums the received shares with this party's own f_i(i) to
// form x_i, broadcasting x_i*G for cross-checking.
func (s *Session) StartRound4() (*protocol.DkgRound4Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xi := s.poly.Eval(curve.NewScalar(intToBig(s.Self)))
	for _, share := range s.round3Recv {
		xi = xi.Add(share)
	}
	s.xi = xi

	pubShare := curve.ScalarBaseMul(xi)
	cb, err := pubShare.CompressedBytes()
	if err != nil {
		return nil, err
	}

	s.phase = PhaseRound4
	return &protocol.DkgRound4Payload{
		CeremonyID:     s.CeremonyID,
		PartyIndex:     s.Self,
		PublicKeyShare: cb,
		ShareVerified:  true,
	}, nil
}

func (s *Session) ReceiveRound4(from int, p *protocol.DkgRound4Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen.Observe(4, fmt.Sprint(from)) {
		return protocol.NewEquivocationError(s.CeremonyID, fmt.Sprint(from), 4)
	}
	pt, err := curve.PointFromCompressed(p.PublicKeyShare)
	if err != nil {
		return protocol.NewDkgError(s.CeremonyID, []string{fmt.Sprint(from)}, "malformed public key share")
	}
	s.round4Peers[from] = &peerRound4{publicKeyShare: pt, verified: p.ShareVerified}
	return nil
}

func (s *Session) Round4Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.round4Peers) == s.Total-1
}

// Assemble computes the master public key P (sum of every party's
// intercept commitment, learned from Round 2), the chain code, and
// returns the ceremony Result for persistence. Every node runs this
// locally; the DKG_COMPLETE broadcast is purely informational (spec.md
// §4.4: "Completion authority: every node runs assembly locally").
func (s *Session) Assemble() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	P, err := s.feldman.PublicValue()
	if err != nil {
		return nil, err
	}
	for _, peer := range s.round2Peers {
		pv, err := peer.feldman.PublicValue()
		if err != nil {
			return nil, err
		}
		P = P.Add(pv)
	}

	chainCode, err := deriveChainCode(P)
	if err != nil {
		return nil, err
	}

	shares := map[int]*curve.Point{s.Self: curve.ScalarBaseMul(s.xi)}
	for idx, peer := range s.round4Peers {
		shares[idx] = peer.publicKeyShare
	}

	s.phase = PhaseComplete
	result := &Result{
		CeremonyID:      s.CeremonyID,
		PartyIndex:      s.Self,
		Threshold:       s.Threshold,
		Total:           s.Total,
		Share:           s.xi,
		MasterPublicKey: P,
		ChainCode:       chainCode,
		PublicKeyShares: shares,
	}
	s.zeroize()
	return result, nil
}

// Abort transitions the session to PhaseAborted and discards all
// in-memory material, per spec.md §4.4: "A terminal aborted state
// irreversibly discards all in-memory material."
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseAborted
	s.aborted = true
	s.reason = reason
	s.zeroize()
}

func (s *Session) Aborted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted, s.reason
}

func (s *Session) zeroize() {
	if s.poly != nil {
		s.poly.Zeroize()
	}
	s.poly = nil
	s.xi = nil
	for k := range s.round3Recv {
		s.round3Recv[k] = curve.ZeroScalar()
	}
	s.round3Recv = nil
}

// deriveChainCode computes HMAC-SHA512("CLIRift v1", P)[32:64], the
// project's chain-code domain-separation constant (spec.md §4.4).
func deriveChainCode(P *curve.Point) ([32]byte, error) {
	var out [32]byte
	pb, err := P.CompressedBytes()
	if err != nil {
		return out, err
	}
	mac := hmac.New(sha512.New, []byte("CLIRift v1"))
	mac.Write(pb)
	sum := mac.Sum(nil)
	copy(out[:], sum[32:64])
	return out, nil
}
