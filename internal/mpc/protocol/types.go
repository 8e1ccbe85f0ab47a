package protocol

// Signature is the final assembled ECDSA signature, low-s normalized
// per EIP-2, plus the recovery id.
type Signature struct {
	R []byte
	S []byte
	V byte
}

// DkgProposePayload proposes a ceremony and assigns party indices by
// list order.
type DkgProposePayload struct {
	CeremonyID string   `json:"ceremonyId"`
	Threshold  int      `json:"threshold"`
	Total      int      `json:"total"`
	Parties    []string `json:"parties"`
	DeadlineMs int64    `json:"deadlineMs"`
}

// DkgAcceptPayload is a peer's acceptance of a proposed ceremony.
type DkgAcceptPayload struct {
	CeremonyID string `json:"ceremonyId"`
}

// DkgRound1Payload carries the Pedersen pre-commitment (spec §4.4 R1).
type DkgRound1Payload struct {
	CeremonyID string `json:"ceremonyId"`
	PartyIndex int    `json:"partyIndex"`
	Commitment []byte `json:"commitment"`
}

// DkgRound2Payload opens the Pedersen commitment and publishes the
// Feldman vector plus a Schnorr PoK of the polynomial's constant term
// (spec §4.4 R2).
type DkgRound2Payload struct {
	CeremonyID       string   `json:"ceremonyId"`
	PartyIndex       int      `json:"partyIndex"`
	FeldmanPoints    [][]byte `json:"feldmanPoints"` // compressed points, constant term first
	SchnorrR         []byte   `json:"schnorrR"`
	SchnorrS         []byte   `json:"schnorrS"`
	Blind            []byte   `json:"blind"`
}

// DkgRound3Payload is a point-to-point encrypted Shamir share (spec §4.4
// R3). Ciphertext is a hybrid-encrypted (ephemeral ECDH + HKDF-SHA256 +
// AES-256-GCM) blob decodable only by ToParty's identity key.
type DkgRound3Payload struct {
	CeremonyID     string `json:"ceremonyId"`
	FromPartyIndex int    `json:"fromPartyIndex"`
	ToPartyIndex   int    `json:"toPartyIndex"`
	EphemeralPub   []byte `json:"ephemeralPub"`
	Nonce          []byte `json:"nonce"`
	Ciphertext     []byte `json:"ciphertext"`
}

// DkgRound4Payload announces the party's completed public key share and
// verification result (spec §4.4 R4).
type DkgRound4Payload struct {
	CeremonyID     string `json:"ceremonyId"`
	PartyIndex     int    `json:"partyIndex"`
	PublicKeyShare []byte `json:"publicKeyShare"` // compressed x_i*G
	ShareVerified  bool   `json:"shareVerified"`
}

// DkgAbortPayload is broadcast on any ceremony failure.
type DkgAbortPayload struct {
	CeremonyID string `json:"ceremonyId"`
	Reason     string `json:"reason"`
}

// SignRequestPayload initiates a signing session (spec §4.5).
type SignRequestPayload struct {
	SessionID          string `json:"sessionId"`
	Initiator          string `json:"initiator"`
	InitiatorPartyIdx  int    `json:"initiatorPartyIndex"`
	TxHash             string `json:"txHash"` // hex, no 0x
	RawTx              []byte `json:"rawTx"`
	DerivationPath     string `json:"derivationPath"`
	DeadlineMs         int64  `json:"deadlineMs"`
}

// SignAcceptPayload / SignRejectPayload are a signer's response to a
// SIGN_REQUEST.
type SignAcceptPayload struct {
	SessionID  string `json:"sessionId"`
	PartyIndex int    `json:"partyIndex"`
}

type SignRejectPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// SignRound1Payload commits to gamma/k and publishes a fresh Paillier
// public key plus the encryption of k (spec §4.5 R1).
type SignRound1Payload struct {
	SessionID   string `json:"sessionId"`
	PartyIndex  int    `json:"partyIndex"`
	GammaPoint  []byte `json:"gammaPoint"`
	KPoint      []byte `json:"kPoint"`
	PaillierN   []byte `json:"paillierN"`
	EncK        []byte `json:"encK"`
	ProofGammaR []byte `json:"proofGammaR"`
	ProofGammaS []byte `json:"proofGammaS"`
	ProofKR     []byte `json:"proofKR"`
	ProofKS     []byte `json:"proofKS"`
	// Signers carries the finalized SIGN_ACCEPT subset S the first time
	// each party announces Round 1, so a node that only learns of the
	// session from a peer's Round 1 (rather than from having sent the
	// winning SIGN_ACCEPT itself) can bootstrap its own signing.Session
	// with the same signer set and Lagrange basis.
	Signers []int `json:"signers,omitempty"`
}

// SignRound2Payload is a point-to-point pair of MtA ciphertexts for delta
// and sigma (spec §4.5 R2).
type SignRound2Payload struct {
	SessionID      string `json:"sessionId"`
	FromPartyIndex int    `json:"fromPartyIndex"`
	ToPartyIndex   int    `json:"toPartyIndex"`
	DeltaEnc       []byte `json:"deltaEnc"`
	SigmaEnc       []byte `json:"sigmaEnc"`
}

// SignRound3Payload broadcasts the delta share (spec §4.5 R3).
type SignRound3Payload struct {
	SessionID  string `json:"sessionId"`
	PartyIndex int    `json:"partyIndex"`
	Delta      []byte `json:"delta"`
}

// SignRound4Payload broadcasts the partial signature and sigma*G (spec
// §4.5 R4).
type SignRound4Payload struct {
	SessionID  string `json:"sessionId"`
	PartyIndex int    `json:"partyIndex"`
	PartialS   []byte `json:"partialS"`
	SigmaPoint []byte `json:"sigmaPoint"`
}

// SignCompletePayload carries the final assembled signature.
type SignCompletePayload struct {
	SessionID string `json:"sessionId"`
	R         []byte `json:"r"`
	S         []byte `json:"s"`
	V         byte   `json:"v"`
}

// SignAbortPayload is broadcast on any session failure.
type SignAbortPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}
