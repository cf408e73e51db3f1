package verifier

import (
	"testing"

	"github.com/rawblock/attestia/internal/statehash"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

func freshBundle(t *testing.T, chainHashes map[string]string) models.StateBundle {
	t.Helper()
	ledger := models.LedgerSnapshot{
		Accounts: []models.Account{{ID: "cash", Type: models.AccountAsset, Name: "Cash", CreatedAt: "2026-01-01T00:00:00Z"}},
		Entries: []models.LedgerEntry{{
			ID: "e1", AccountID: "cash", Type: models.EntryDebit,
			Money:     money.Money{Amount: "10.00", Currency: "USD", Decimals: 2},
			Timestamp: "2026-01-01T00:00:00Z", CorrelationID: "c1",
		}},
		TransactionCount: 1,
	}
	reg := models.RegistrumSnapshot{
		States: []models.RegisteredState{{ID: "s1", Structure: "treasury", OrderIndex: 0}},
		Mode:   "append-only",
	}
	bundle, err := statehash.CreateBundle(ledger, reg, []string{"h1"}, chainHashes)
	if err != nil {
		t.Fatal(err)
	}
	return bundle
}

func TestRunVerification_CleanBundlePasses(t *testing.T) {
	report, err := RunVerification(freshBundle(t, nil), Options{VerifierID: "v1", Label: "auditor"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != models.VerdictPass {
		t.Fatalf("clean bundle must pass: %+v", report.Discrepancies)
	}
	if len(report.Discrepancies) != 0 {
		t.Errorf("discrepancies on clean bundle: %v", report.Discrepancies)
	}
	for _, c := range report.SubsystemChecks {
		if !c.Matches {
			t.Errorf("check %s failed on clean bundle", c.Subsystem)
		}
	}
	if report.ReportID == "" || report.VerifierID != "v1" {
		t.Errorf("report identity wrong: %+v", report)
	}
}

func TestRunVerification_AccumulatesAllFailures(t *testing.T) {
	bundle := freshBundle(t, nil)
	bundle.LedgerSnapshot.Entries[0].Money.Amount = "999.99"

	report, err := RunVerification(bundle, Options{VerifierID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != models.VerdictFail {
		t.Fatal("tampered bundle must fail")
	}
	// A ledger edit breaks both the bundle hash and the ledger subsystem
	// hash; both must be reported, no short-circuit.
	want := map[string]bool{"Bundle hash mismatch": false, "Ledger hash mismatch": false}
	for _, d := range report.Discrepancies {
		if _, ok := want[d]; ok {
			want[d] = true
		}
	}
	for msg, seen := range want {
		if !seen {
			t.Errorf("missing discrepancy %q in %v", msg, report.Discrepancies)
		}
	}
}

func TestRunVerification_SubsystemHashTamper(t *testing.T) {
	bundle := freshBundle(t, nil)
	bundle.GlobalStateHash.Subsystems.Ledger = "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"

	report, err := RunVerification(bundle, Options{VerifierID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != models.VerdictFail {
		t.Fatal("tampered subsystem hash must fail")
	}
	// The edited subsystem hash also changes the recomputed bundle and
	// global hashes; every affected check reports.
	want := map[string]bool{
		"Bundle hash mismatch": false,
		"Ledger hash mismatch": false,
		"Global hash mismatch": false,
	}
	for _, d := range report.Discrepancies {
		if _, ok := want[d]; ok {
			want[d] = true
		}
	}
	for msg, seen := range want {
		if !seen {
			t.Errorf("missing discrepancy %q in %v", msg, report.Discrepancies)
		}
	}
}

func TestRunVerification_RegistrumHashTamper(t *testing.T) {
	bundle := freshBundle(t, nil)
	bundle.GlobalStateHash.Subsystems.Registrum = "0000000000000000000000000000000000000000000000000000000000000000"

	report, err := RunVerification(bundle, Options{VerifierID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range report.Discrepancies {
		if d == "Registrum hash mismatch" {
			found = true
		}
	}
	if !found {
		t.Errorf("registrum mismatch not reported: %v", report.Discrepancies)
	}
}

func TestRunVerification_GlobalHashMismatch(t *testing.T) {
	bundle := freshBundle(t, nil)
	bundle.GlobalStateHash.Hash = "0000"

	report, err := RunVerification(bundle, Options{VerifierID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range report.Discrepancies {
		if d == "Global hash mismatch" {
			found = true
		}
	}
	if !found {
		t.Errorf("global mismatch not reported: %v", report.Discrepancies)
	}
}

func TestRunVerification_StrictMode(t *testing.T) {
	report, err := RunVerification(freshBundle(t, nil), Options{VerifierID: "v1", StrictMode: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != models.VerdictFail {
		t.Error("strict mode without chain hashes must fail")
	}

	withChains := freshBundle(t, map[string]string{"eip155:1": "abc"})
	report, err = RunVerification(withChains, Options{VerifierID: "v1", StrictMode: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != models.VerdictPass {
		t.Errorf("strict mode with chain hashes must pass: %v", report.Discrepancies)
	}
	foundChain := false
	for _, c := range report.SubsystemChecks {
		if c.Subsystem == "chain:eip155:1" {
			foundChain = true
		}
	}
	if !foundChain {
		t.Error("declared chain hash must appear as its own check")
	}
}

func TestRunVerification_UniqueReportIDs(t *testing.T) {
	bundle := freshBundle(t, nil)
	a, _ := RunVerification(bundle, Options{VerifierID: "v1"})
	b, _ := RunVerification(bundle, Options{VerifierID: "v1"})
	if a.ReportID == b.ReportID {
		t.Error("two runs must produce distinct report ids")
	}
}

func TestNode_KeepsHistory(t *testing.T) {
	n := NewNode("v1", "auditor")
	bundle := freshBundle(t, nil)
	if _, err := n.Verify(bundle, false); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Verify(bundle, false); err != nil {
		t.Fatal(err)
	}
	if got := len(n.Reports()); got != 2 {
		t.Errorf("history = %d, want 2", got)
	}
}

func TestNode_VerifyByReplay(t *testing.T) {
	n := NewNode("v1", "")
	bundle := freshBundle(t, nil)
	gsh, disc, err := n.VerifyByReplay(bundle.LedgerSnapshot, bundle.RegistrumSnapshot, nil, bundle.GlobalStateHash.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(disc) != 0 || gsh.Hash != bundle.GlobalStateHash.Hash {
		t.Errorf("replay over identical snapshots must agree: %v", disc)
	}

	_, disc, err = n.VerifyByReplay(bundle.LedgerSnapshot, bundle.RegistrumSnapshot, nil, "bogus")
	if err != nil {
		t.Fatal(err)
	}
	if len(disc) == 0 {
		t.Error("wrong expected hash must be reported")
	}
}

func report(verifierID string, verdict models.Verdict) models.VerifierReport {
	return models.VerifierReport{
		ReportID:   "r-" + verifierID,
		VerifierID: verifierID,
		Verdict:    verdict,
		BundleHash: "bundle-1",
	}
}

func TestConsensus(t *testing.T) {
	all := []models.VerifierReport{
		report("a", models.VerdictPass),
		report("b", models.VerdictPass),
		report("c", models.VerdictPass),
	}
	res, err := Consensus(all, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != models.VerdictPass || !res.QuorumReached || res.AgreementRatio != 1.0 {
		t.Errorf("unanimous consensus: %+v", res)
	}

	// One dissenter fails the whole consensus even when the majority passed.
	mixed := []models.VerifierReport{
		report("a", models.VerdictPass),
		report("b", models.VerdictFail),
		report("c", models.VerdictPass),
	}
	res, err = Consensus(mixed, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != models.VerdictFail {
		t.Error("any FAIL must fail consensus")
	}
	if len(res.Dissenters) != 1 || res.Dissenters[0] != "b" {
		t.Errorf("dissenters: %v", res.Dissenters)
	}
	if res.AgreementRatio != 2.0/3.0 {
		t.Errorf("agreement ratio = %f", res.AgreementRatio)
	}

	res, err = Consensus(mixed[:2], 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.QuorumReached {
		t.Error("2 of 3 minimum must not reach quorum")
	}

	if _, err := Consensus(nil, 1); err == nil {
		t.Error("empty report set must fail")
	}
	foreign := append(all[:2:2], report("d", models.VerdictPass))
	foreign[2].BundleHash = "other-bundle"
	if _, err := Consensus(foreign, 1); err == nil {
		t.Error("mixed bundle hashes must fail")
	}
}
