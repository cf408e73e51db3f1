package governance

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/internal/merkle"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// signingPayload is the structure every signer commits to. Signer addresses
// are sorted so the payload is identical regardless of registration order.
type signingPayload struct {
	AttestationHash      string   `json:"attestationHash"`
	AttestationTimestamp string   `json:"attestationTimestamp"`
	PolicyID             string   `json:"policyId"`
	PolicyVersion        int64    `json:"policyVersion"`
	Quorum               int      `json:"quorum"`
	Signers              []string `json:"signers"`
}

// BuildCanonicalSigningPayload derives the hash all signers of an attestation
// must sign under a given policy. Same attestation plus same policy always
// yields the same bytes.
func BuildCanonicalSigningPayload(att models.Attestation, policy models.GovernancePolicy) (string, error) {
	attHash, err := merkle.HashAttestation(att)
	if err != nil {
		return "", err
	}
	addrs := make([]string, 0, len(policy.Signers))
	for _, sg := range policy.Signers {
		addrs = append(addrs, sg.Address)
	}
	sort.Strings(addrs)
	return canonical.Hash(signingPayload{
		AttestationHash:      attHash,
		AttestationTimestamp: att.AttestedAt,
		PolicyID:             policy.ID,
		PolicyVersion:        policy.Version,
		Quorum:               policy.Quorum,
		Signers:              addrs,
	})
}

// AggregateOptions qualify signature aggregation.
type AggregateOptions struct {
	// VerifySecp256k1 recovers each signature against the payload hash and
	// requires the recovered address to equal the declared signer address.
	VerifySecp256k1 bool
}

// AggregateSignatures folds individual signatures into one quorum-checked
// multi-signature. Duplicates and non-members are rejected outright; a
// sub-quorum set fails with QuorumNotMet. Output ordering is ascending by
// address, deterministic under any input permutation.
func AggregateSignatures(sigs []models.SignatureEntry, policy models.GovernancePolicy, payloadHash string, opts AggregateOptions) (models.AggregatedSignature, error) {
	if payloadHash == "" {
		return models.AggregatedSignature{}, errs.E(errs.InvalidInput, "payload hash must not be empty")
	}

	seen := make(map[string]struct{}, len(sigs))
	total := 0
	for _, sig := range sigs {
		if _, dup := seen[sig.Address]; dup {
			return models.AggregatedSignature{}, errs.E(errs.InvalidInput, "duplicate signature from %s", sig.Address)
		}
		seen[sig.Address] = struct{}{}
		signer := policy.SignerByAddress(sig.Address)
		if signer == nil {
			return models.AggregatedSignature{}, errs.E(errs.InvalidInput, "%s is not a policy signer", sig.Address)
		}
		if opts.VerifySecp256k1 {
			if err := verifySecp256k1(sig, payloadHash); err != nil {
				return models.AggregatedSignature{}, err
			}
		}
		total += signer.Weight
	}

	present := make([]string, 0, len(sigs))
	for addr := range seen {
		present = append(present, addr)
	}
	sort.Strings(present)
	var missing []string
	for _, sg := range policy.Signers {
		if _, ok := seen[sg.Address]; !ok {
			missing = append(missing, sg.Address)
		}
	}
	sort.Strings(missing)

	status := models.QuorumStatus{
		Met:              total >= policy.Quorum,
		TotalWeight:      total,
		RequiredWeight:   policy.Quorum,
		SignerAddresses:  present,
		MissingAddresses: missing,
	}
	if !status.Met {
		return models.AggregatedSignature{}, errs.E(errs.QuorumNotMet,
			"weight %d of required %d (missing: %v)", total, policy.Quorum, missing)
	}

	ordered := append([]models.SignatureEntry(nil), sigs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Address < ordered[j].Address })

	return models.AggregatedSignature{
		PayloadHash:  payloadHash,
		Signatures:   ordered,
		Quorum:       status,
		AggregatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// verifySecp256k1 recovers the signing key from a 65-byte [R||S||V] signature
// over the payload hash and checks it maps to the declared address.
func verifySecp256k1(sig models.SignatureEntry, payloadHash string) error {
	digest, err := hex.DecodeString(payloadHash)
	if err != nil || len(digest) != 32 {
		return errs.E(errs.InvalidInput, "payload hash must be a hex-encoded 32-byte digest")
	}
	raw, err := hex.DecodeString(trimHexPrefix(sig.Signature))
	if err != nil || len(raw) != 65 {
		return errs.E(errs.InvalidInput, "signature from %s is not a 65-byte recoverable signature", sig.Address)
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "recover signer for %s", sig.Address)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered.Hex() != sig.Address {
		return errs.E(errs.InvalidInput, "signature from %s recovers to %s", sig.Address, recovered.Hex())
	}
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// StateRef pins a piece of state to the policy it was authorised under.
type StateRef struct {
	PolicyID      string `json:"policyId"`
	PolicyVersion int64  `json:"policyVersion"`
}

// AuthorityResult reports whether a state reference is authorised by a
// policy, with every rejection listed.
type AuthorityResult struct {
	Valid      bool     `json:"valid"`
	Rejections []string `json:"rejections,omitempty"`
}

// ValidateAuthority checks a state reference against the current policy.
func ValidateAuthority(current models.GovernancePolicy, ref StateRef) AuthorityResult {
	var rejections []string
	if ref.PolicyID != current.ID {
		rejections = append(rejections, "policy id mismatch")
	}
	if ref.PolicyVersion != current.Version {
		rejections = append(rejections, "policy version mismatch")
	}
	return AuthorityResult{Valid: len(rejections) == 0, Rejections: rejections}
}

// ValidateHistoricalQuorum verifies a signature set against the policy as of
// a past version of the governance stream.
func ValidateHistoricalQuorum(payloadHash string, sigs []models.SignatureEntry, events []Event, atVersion int64) (models.AggregatedSignature, error) {
	policy, err := ReplayToVersion(events, atVersion)
	if err != nil {
		return models.AggregatedSignature{}, err
	}
	return AggregateSignatures(sigs, policy, payloadHash, AggregateOptions{})
}
