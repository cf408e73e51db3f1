package models

// Signer is one member of a governance policy.
type Signer struct {
	Address string `json:"address"`
	Label   string `json:"label"`
	Weight  int    `json:"weight"` // >= 1
	AddedAt string `json:"addedAt"`
}

// GovernancePolicy is an immutable value snapshot derived from the governance
// event stream. ID = sha256(canonical({version, signers sorted by address,
// quorum})).
type GovernancePolicy struct {
	ID        string   `json:"id"`
	Version   int64    `json:"version"`
	Signers   []Signer `json:"signers"`
	Quorum    int      `json:"quorum"` // >= 1, sum of weights required
	CreatedAt string   `json:"createdAt"`
}

// TotalWeight sums the signer weights.
func (p GovernancePolicy) TotalWeight() int {
	total := 0
	for _, s := range p.Signers {
		total += s.Weight
	}
	return total
}

// SignerByAddress finds a signer, nil if absent.
func (p GovernancePolicy) SignerByAddress(addr string) *Signer {
	for i := range p.Signers {
		if p.Signers[i].Address == addr {
			return &p.Signers[i]
		}
	}
	return nil
}

// SignatureEntry pairs a signer address with its signature bytes (hex).
type SignatureEntry struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// QuorumStatus explains how an aggregation met (or would miss) quorum.
type QuorumStatus struct {
	Met              bool     `json:"met"`
	TotalWeight      int      `json:"totalWeight"`
	RequiredWeight   int      `json:"requiredWeight"`
	SignerAddresses  []string `json:"signerAddresses"`
	MissingAddresses []string `json:"missingAddresses"`
}

// AggregatedSignature is a quorum-checked multi-signature over one payload
// hash, signatures ordered ascending by address.
type AggregatedSignature struct {
	PayloadHash  string           `json:"payloadHash"`
	Signatures   []SignatureEntry `json:"signatures"`
	Quorum       QuorumStatus     `json:"quorum"`
	AggregatedAt string           `json:"aggregatedAt"`
}

// SubsystemCheck is one recomputation in a verifier run.
type SubsystemCheck struct {
	Subsystem string `json:"subsystem"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	Matches   bool   `json:"matches"`
}

// Verdict is a verifier's conclusion.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// VerifierReport is one independent verifier's verdict over a bundle.
type VerifierReport struct {
	ReportID        string           `json:"reportId"`
	VerifierID      string           `json:"verifierId"`
	Label           string           `json:"label,omitempty"`
	Verdict         Verdict          `json:"verdict"`
	BundleHash      string           `json:"bundleHash"`
	SubsystemChecks []SubsystemCheck `json:"subsystemChecks"`
	Discrepancies   []string         `json:"discrepancies"`
	VerifiedAt      string           `json:"verifiedAt"`
}

// ConsensusResult aggregates independent verifier verdicts for one bundle.
type ConsensusResult struct {
	BundleHash       string   `json:"bundleHash"`
	Verdict          Verdict  `json:"verdict"`
	ReportCount      int      `json:"reportCount"`
	QuorumReached    bool     `json:"quorumReached"`
	MinimumVerifiers int      `json:"minimumVerifiers"`
	Dissenters       []string `json:"dissenters"`
	AgreementRatio   float64  `json:"agreementRatio"`
}

// WitnessRecord proves an attestation payload was memo-anchored on an
// external chain.
type WitnessRecord struct {
	ID             string         `json:"id"`
	Payload        WitnessPayload `json:"payload"`
	ChainID        string         `json:"chainId"`
	TxHash         string         `json:"txHash"`
	LedgerIndex    int64          `json:"ledgerIndex"`
	WitnessedAt    string         `json:"witnessedAt"`
	WitnessAccount string         `json:"witnessAccount"`
}

// WitnessPayload is the canonical content embedded in the witness memo.
type WitnessPayload struct {
	Hash        string                 `json:"hash"` // digest of Content
	Content     map[string]interface{} `json:"content"`
	PolicyID    string                 `json:"policyId,omitempty"`
	MerkleRoot  string                 `json:"merkleRoot,omitempty"`
	GeneratedAt string                 `json:"generatedAt"`
}
