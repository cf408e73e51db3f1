package reconcile

import (
	"testing"

	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

func intent(id, chainID, txHash, amount string) models.Intent {
	return models.Intent{
		ID:       id,
		Status:   models.IntentExecuted,
		ChainID:  chainID,
		TxHash:   txHash,
		Amount:   amount,
		Currency: "USDC",
		Decimals: 6,
	}
}

func ledgerEntry(id, intentID, txHash, amount string) models.LedgerEntry {
	return models.LedgerEntry{
		ID:            id,
		AccountID:     "treasury",
		Type:          models.EntryDebit,
		Money:         money.Money{Amount: amount, Currency: "USDC", Decimals: 6},
		Timestamp:     "2026-03-01T00:00:00Z",
		CorrelationID: "corr-" + intentID,
		IntentID:      intentID,
		TxHash:        txHash,
	}
}

func chainEvent(chainID, txHash, amount string) models.TransferEvent {
	return models.TransferEvent{
		ChainID:     chainID,
		TxHash:      txHash,
		BlockNumber: 100,
		From:        "0xfrom",
		To:          "0xto",
		Amount:      amount,
		Decimals:    6,
		Symbol:      "USDC",
		Timestamp:   "2026-03-01T00:00:00Z",
	}
}

func TestRun_FullMatch(t *testing.T) {
	res, err := Run(Inputs{
		Intents:       []models.Intent{intent("i1", "eip155:1", "0xaaa", "25.000000")},
		LedgerEntries: []models.LedgerEntry{ledgerEntry("e1", "i1", "0xaaa", "25.000000")},
		ChainEvents:   []models.TransferEvent{chainEvent("eip155:1", "0xaaa", "25.000000")},
	}, Options{AttestedBy: "node-a"})
	if err != nil {
		t.Fatal(err)
	}
	r := res.Report
	if r.MatchedCount != 1 || r.MismatchCount != 0 || r.MissingCount != 0 {
		t.Fatalf("counts: %+v", r)
	}
	if r.Matched[0].IntentID != "i1" || r.Matched[0].CorrelationID != "corr-i1" {
		t.Errorf("matched triple: %+v", r.Matched[0])
	}
	if r.BundleHash == "" || res.Attestation.SnapshotHash != r.BundleHash {
		t.Error("attestation must seal the bundle hash")
	}
	if res.Attestation.AttestedBy != "node-a" || res.Attestation.ReportID != r.ReportID {
		t.Errorf("attestation: %+v", res.Attestation)
	}
}

func TestRun_DiscrepancyCategories(t *testing.T) {
	res, err := Run(Inputs{
		Intents: []models.Intent{
			intent("i-missing-chain", "eip155:1", "0x111", "1.000000"),
			intent("i-missing-ledger", "eip155:1", "0x222", "2.000000"),
			intent("i-amount", "eip155:1", "0x333", "3.000000"),
			{ID: "i-pending", Status: models.IntentPending, ChainID: "eip155:1", TxHash: "0x999"},
		},
		LedgerEntries: []models.LedgerEntry{
			ledgerEntry("e-amount", "i-amount", "0x333", "3.000000"),
		},
		ChainEvents: []models.TransferEvent{
			chainEvent("eip155:1", "0x222", "2.000000"),
			chainEvent("eip155:1", "0x333", "3.000001"),
			chainEvent("eip155:1", "0xorphan", "9.000000"),
		},
	}, Options{AttestedBy: "node-a"})
	if err != nil {
		t.Fatal(err)
	}
	r := res.Report

	kinds := map[models.DiscrepancyKind]int{}
	for _, d := range append(append([]models.Discrepancy{}, r.Mismatches...), r.Missing...) {
		kinds[d.Kind]++
	}
	if kinds[models.DiscrepancyMissingChainEvent] != 1 {
		t.Errorf("missing chain event: %+v", kinds)
	}
	if kinds[models.DiscrepancyMissingLedger] != 1 {
		t.Errorf("missing ledger entry: %+v", kinds)
	}
	if kinds[models.DiscrepancyAmountMismatch] != 1 {
		t.Errorf("amount mismatch: %+v", kinds)
	}
	if kinds[models.DiscrepancyOrphanChainEvent] != 1 {
		t.Errorf("orphan chain event: %+v", kinds)
	}
	if r.MatchedCount != 0 {
		t.Errorf("nothing should match: %+v", r.Matched)
	}

	for _, d := range r.Mismatches {
		if d.Kind == models.DiscrepancyAmountMismatch {
			if d.Expected != "3.000000" || d.Actual != "3.000001" {
				t.Errorf("amount mismatch context: %+v", d)
			}
		}
	}
}

func TestRun_AmountComparedAsScaledInteger(t *testing.T) {
	// "25.000000" and "25" denote the same scaled value under 6 decimals.
	res, err := Run(Inputs{
		Intents:       []models.Intent{intent("i1", "eip155:1", "0xaaa", "25")},
		LedgerEntries: []models.LedgerEntry{ledgerEntry("e1", "i1", "0xaaa", "25.000000")},
		ChainEvents:   []models.TransferEvent{chainEvent("eip155:1", "0xaaa", "25")},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Report.MatchedCount != 1 {
		t.Errorf("equivalent representations must match: %+v", res.Report)
	}
}

func TestRun_DeterministicUnderPermutation(t *testing.T) {
	intents := []models.Intent{
		intent("i1", "eip155:1", "0xbbb", "1.000000"),
		intent("i2", "eip155:1", "0xaaa", "2.000000"),
		intent("i3", "solana:mainnet", "sig1", "3.000000"),
	}
	entries := []models.LedgerEntry{
		ledgerEntry("e1", "i1", "0xbbb", "1.000000"),
		ledgerEntry("e2", "i2", "0xaaa", "2.000000"),
		ledgerEntry("e3", "i3", "sig1", "3.000000"),
	}
	events := []models.TransferEvent{
		chainEvent("eip155:1", "0xbbb", "1.000000"),
		chainEvent("eip155:1", "0xaaa", "2.000000"),
		chainEvent("solana:mainnet", "sig1", "3.000000"),
	}

	a, err := Run(Inputs{Intents: intents, LedgerEntries: entries, ChainEvents: events}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	reverse := func(n int, swap func(i, j int)) {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			swap(i, j)
		}
	}
	reverse(len(intents), func(i, j int) { intents[i], intents[j] = intents[j], intents[i] })
	reverse(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
	reverse(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

	b, err := Run(Inputs{Intents: intents, LedgerEntries: entries, ChainEvents: events}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Report.BundleHash != b.Report.BundleHash {
		t.Error("bundle hash must be order-independent")
	}
	for i := range a.Report.Matched {
		if a.Report.Matched[i] != b.Report.Matched[i] {
			t.Errorf("matched order differs at %d", i)
		}
	}
	if a.Report.ReportID == b.Report.ReportID {
		t.Error("report ids must be unique per run")
	}
}
