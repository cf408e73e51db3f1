package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

func testPolicy() models.GovernancePolicy {
	return models.GovernancePolicy{
		ID:      "policy-1",
		Version: 4,
		Signers: []models.Signer{
			{Address: "0xC", Weight: 2},
			{Address: "0xA", Weight: 1},
			{Address: "0xB", Weight: 1},
		},
		Quorum: 2,
	}
}

func testAttestation() models.Attestation {
	return models.Attestation{
		ID:           "att-1",
		ReportID:     "rep-1",
		SnapshotHash: "cafe",
		StateCount:   2,
		AttestedBy:   "node-a",
		AttestedAt:   "2026-03-01T00:00:00Z",
	}
}

func TestBuildCanonicalSigningPayload_Stable(t *testing.T) {
	a, err := BuildCanonicalSigningPayload(testAttestation(), testPolicy())
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildCanonicalSigningPayload(testAttestation(), testPolicy())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same attestation and policy must produce identical payloads")
	}

	// Signer registration order must not matter.
	shuffled := testPolicy()
	shuffled.Signers[0], shuffled.Signers[2] = shuffled.Signers[2], shuffled.Signers[0]
	c, _ := BuildCanonicalSigningPayload(testAttestation(), shuffled)
	if c != a {
		t.Error("signer order must not affect the payload")
	}

	changedPolicy := testPolicy()
	changedPolicy.Quorum = 3
	d, _ := BuildCanonicalSigningPayload(testAttestation(), changedPolicy)
	if d == a {
		t.Error("quorum change must change the payload")
	}

	changedAtt := testAttestation()
	changedAtt.SnapshotHash = "beef"
	e, _ := BuildCanonicalSigningPayload(changedAtt, testPolicy())
	if e == a {
		t.Error("attestation change must change the payload")
	}
}

func TestAggregateSignatures_Rules(t *testing.T) {
	policy := testPolicy()

	if _, err := AggregateSignatures([]models.SignatureEntry{
		{Address: "0xA", Signature: "s1"},
		{Address: "0xA", Signature: "s2"},
	}, policy, "hash", AggregateOptions{}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("duplicate address, got %v", err)
	}

	if _, err := AggregateSignatures([]models.SignatureEntry{
		{Address: "0xZ", Signature: "s1"},
	}, policy, "hash", AggregateOptions{}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("non-member, got %v", err)
	}

	if _, err := AggregateSignatures([]models.SignatureEntry{
		{Address: "0xA", Signature: "s1"},
	}, policy, "hash", AggregateOptions{}); !errs.Is(err, errs.QuorumNotMet) {
		t.Errorf("weight 1 of 2, got %v", err)
	}

	agg, err := AggregateSignatures([]models.SignatureEntry{
		{Address: "0xB", Signature: "s-b"},
		{Address: "0xA", Signature: "s-a"},
	}, policy, "hash", AggregateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Quorum.TotalWeight != 2 || !agg.Quorum.Met {
		t.Errorf("quorum status: %+v", agg.Quorum)
	}
	if agg.Signatures[0].Address != "0xA" || agg.Signatures[1].Address != "0xB" {
		t.Errorf("signatures must sort by address: %+v", agg.Signatures)
	}
	if len(agg.Quorum.MissingAddresses) != 1 || agg.Quorum.MissingAddresses[0] != "0xC" {
		t.Errorf("missing addresses: %v", agg.Quorum.MissingAddresses)
	}
}

func TestAggregateSignatures_NofM(t *testing.T) {
	// Every subset of a 3-signer weight-1 policy against quorum 2: exactly
	// the subsets of size >= 2 aggregate.
	policy := models.GovernancePolicy{
		ID: "p", Version: 1, Quorum: 2,
		Signers: []models.Signer{
			{Address: "0xA", Weight: 1},
			{Address: "0xB", Weight: 1},
			{Address: "0xC", Weight: 1},
		},
	}
	addrs := []string{"0xA", "0xB", "0xC"}
	for mask := 0; mask < 8; mask++ {
		var sigs []models.SignatureEntry
		for i, a := range addrs {
			if mask&(1<<i) != 0 {
				sigs = append(sigs, models.SignatureEntry{Address: a, Signature: "sig-" + a})
			}
		}
		_, err := AggregateSignatures(sigs, policy, "hash", AggregateOptions{})
		if len(sigs) >= 2 && err != nil {
			t.Errorf("subset %03b should meet quorum: %v", mask, err)
		}
		if len(sigs) < 2 && !errs.Is(err, errs.QuorumNotMet) && !errs.Is(err, errs.InvalidInput) {
			t.Errorf("subset %03b should miss quorum, got %v", mask, err)
		}
	}
}

func TestAggregateSignatures_DeterministicUnderPermutation(t *testing.T) {
	policy := testPolicy()
	sigs := []models.SignatureEntry{
		{Address: "0xC", Signature: "s-c"},
		{Address: "0xA", Signature: "s-a"},
	}
	a, err := AggregateSignatures(sigs, policy, "hash", AggregateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sigs[0], sigs[1] = sigs[1], sigs[0]
	b, err := AggregateSignatures(sigs, policy, "hash", AggregateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Signatures {
		if a.Signatures[i] != b.Signatures[i] {
			t.Errorf("ordering differs at %d", i)
		}
	}
}

func TestAggregateSignatures_Secp256k1(t *testing.T) {
	digest := sha256.Sum256([]byte("payload"))
	payloadHash := hex.EncodeToString(digest[:])

	var signers []models.Signer
	var sigs []models.SignatureEntry
	for i := 0; i < 2; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
		raw, err := crypto.Sign(digest[:], key)
		if err != nil {
			t.Fatal(err)
		}
		signers = append(signers, models.Signer{Address: addr, Weight: 1})
		sigs = append(sigs, models.SignatureEntry{Address: addr, Signature: fmt.Sprintf("0x%x", raw)})
	}
	policy := models.GovernancePolicy{ID: "p", Version: 1, Signers: signers, Quorum: 2}

	if _, err := AggregateSignatures(sigs, policy, payloadHash, AggregateOptions{VerifySecp256k1: true}); err != nil {
		t.Fatalf("valid signatures rejected: %v", err)
	}

	// A signature swapped between signers recovers to the wrong address.
	swapped := []models.SignatureEntry{
		{Address: sigs[0].Address, Signature: sigs[1].Signature},
		{Address: sigs[1].Address, Signature: sigs[0].Signature},
	}
	if _, err := AggregateSignatures(swapped, policy, payloadHash, AggregateOptions{VerifySecp256k1: true}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("swapped signatures must be rejected, got %v", err)
	}
}
