// Package reconcile runs the three-way match between declared intents,
// ledger entries, and observed chain events, and emits a deterministic
// report: same inputs in any order produce the same bundle hash.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

// Inputs are the three views being reconciled.
type Inputs struct {
	Intents       []models.Intent
	LedgerEntries []models.LedgerEntry
	ChainEvents   []models.TransferEvent
}

// Options qualify one reconciliation run.
type Options struct {
	AttestedBy string
}

// Result is the report plus the attestation over it.
type Result struct {
	Report      models.ReconciliationReport `json:"report"`
	Attestation models.Attestation          `json:"attestation"`
}

type chainKey struct {
	chainID string
	txHash  string
}

// Run executes the match. Keys: executed intents pair with chain events on
// (chainId, txHash) and with ledger entries on intentId; ledger entries pair
// with chain events on (chainId, txHash, amount) where amounts compare as
// scaled integers under the entry's decimals.
func Run(in Inputs, opts Options) (Result, error) {
	chainByKey := make(map[chainKey]models.TransferEvent, len(in.ChainEvents))
	for _, ev := range in.ChainEvents {
		chainByKey[chainKey{ev.ChainID, ev.TxHash}] = ev
	}
	entriesByIntent := make(map[string][]models.LedgerEntry)
	entriesByKey := make(map[chainKey][]models.LedgerEntry)
	for _, e := range in.LedgerEntries {
		if e.IntentID != "" {
			entriesByIntent[e.IntentID] = append(entriesByIntent[e.IntentID], e)
		}
		if e.TxHash != "" {
			k := chainKey{chainID: chainIDOfEntry(e, in.Intents), txHash: e.TxHash}
			entriesByKey[k] = append(entriesByKey[k], e)
		}
	}

	var matched []models.MatchedTriple
	var mismatches, missing []models.Discrepancy
	claimedChain := make(map[chainKey]bool)

	for _, intent := range in.Intents {
		if intent.Status != models.IntentExecuted {
			continue
		}
		k := chainKey{intent.ChainID, intent.TxHash}
		chainEv, onChain := chainByKey[k]
		entries := entriesByIntent[intent.ID]

		if !onChain {
			missing = append(missing, models.Discrepancy{
				Kind:     models.DiscrepancyMissingChainEvent,
				ChainID:  intent.ChainID,
				TxHash:   intent.TxHash,
				IntentID: intent.ID,
				Expected: intent.Amount,
				Evidence: fmt.Sprintf("intent %s executed but no chain event at %s/%s", intent.ID, intent.ChainID, intent.TxHash),
			})
			continue
		}
		claimedChain[k] = true

		if len(entries) == 0 {
			missing = append(missing, models.Discrepancy{
				Kind:     models.DiscrepancyMissingLedger,
				ChainID:  intent.ChainID,
				TxHash:   intent.TxHash,
				IntentID: intent.ID,
				Expected: intent.Amount,
				Actual:   chainEv.Amount,
				Evidence: fmt.Sprintf("intent %s confirmed on chain but has no ledger entries", intent.ID),
			})
			continue
		}

		entry := entries[0]
		if ok, expected, actual := amountsAgree(entry, chainEv); !ok {
			mismatches = append(mismatches, models.Discrepancy{
				Kind:          models.DiscrepancyAmountMismatch,
				ChainID:       intent.ChainID,
				TxHash:        intent.TxHash,
				CorrelationID: entry.CorrelationID,
				IntentID:      intent.ID,
				Expected:      expected,
				Actual:        actual,
				Evidence: fmt.Sprintf("ledger entry %s records %s but chain event carries %s",
					entry.ID, expected, actual),
			})
			continue
		}

		matched = append(matched, models.MatchedTriple{
			IntentID:      intent.ID,
			ChainID:       intent.ChainID,
			TxHash:        intent.TxHash,
			CorrelationID: entry.CorrelationID,
			Amount:        entry.Money.Amount,
		})
	}

	// Chain events no intent or ledger entry accounts for.
	for _, ev := range in.ChainEvents {
		k := chainKey{ev.ChainID, ev.TxHash}
		if claimedChain[k] {
			continue
		}
		if _, ok := entriesByKey[k]; ok {
			continue
		}
		missing = append(missing, models.Discrepancy{
			Kind:     models.DiscrepancyOrphanChainEvent,
			ChainID:  ev.ChainID,
			TxHash:   ev.TxHash,
			Actual:   ev.Amount,
			Evidence: fmt.Sprintf("chain event %s/%s (%s %s) has no declared intent", ev.ChainID, ev.TxHash, ev.Amount, ev.Symbol),
		})
	}

	sortTriples(matched)
	sortDiscrepancies(mismatches)
	sortDiscrepancies(missing)

	report := models.ReconciliationReport{
		ReportID:      uuid.NewString(),
		Matched:       emptyTriples(matched),
		Mismatches:    emptyDiscrepancies(mismatches),
		Missing:       emptyDiscrepancies(missing),
		MatchedCount:  len(matched),
		MismatchCount: len(mismatches),
		MissingCount:  len(missing),
	}
	bundleHash, err := hashReport(report)
	if err != nil {
		return Result{}, err
	}
	report.BundleHash = bundleHash

	attestation := models.Attestation{
		ID:           uuid.NewString(),
		ReportID:     report.ReportID,
		SnapshotHash: bundleHash,
		StateCount:   report.MatchedCount + report.MismatchCount + report.MissingCount,
		AttestedBy:   opts.AttestedBy,
		AttestedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	return Result{Report: report, Attestation: attestation}, nil
}

// chainIDOfEntry resolves the chain an entry's txHash belongs to via its
// intent, falling back to empty (entry keys then only collide within the
// same unknown-chain bucket).
func chainIDOfEntry(e models.LedgerEntry, intents []models.Intent) string {
	if e.IntentID == "" {
		return ""
	}
	for _, in := range intents {
		if in.ID == e.IntentID {
			return in.ChainID
		}
	}
	return ""
}

// amountsAgree compares a ledger entry's money with a chain event amount as
// scaled integers under the entry's decimals.
func amountsAgree(entry models.LedgerEntry, ev models.TransferEvent) (ok bool, expected, actual string) {
	expected = entry.Money.Amount
	actual = ev.Amount
	entryScaled, err := entry.Money.Scaled()
	if err != nil {
		return false, expected, actual
	}
	chainScaled, err := money.ParseAmount(ev.Amount, entry.Money.Decimals)
	if err != nil {
		return false, expected, actual
	}
	return entryScaled.Cmp(chainScaled) == 0, expected, actual
}

// hashReport digests the report body minus reportId and bundleHash, so the
// hash depends only on the reconciliation outcome.
func hashReport(r models.ReconciliationReport) (string, error) {
	return canonical.Hash(struct {
		Matched       []models.MatchedTriple `json:"matched"`
		Mismatches    []models.Discrepancy   `json:"mismatches"`
		Missing       []models.Discrepancy   `json:"missing"`
		MatchedCount  int                    `json:"matchedCount"`
		MismatchCount int                    `json:"mismatchCount"`
		MissingCount  int                    `json:"missingCount"`
	}{r.Matched, r.Mismatches, r.Missing, r.MatchedCount, r.MismatchCount, r.MissingCount})
}

func sortTriples(ts []models.MatchedTriple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].ChainID != ts[j].ChainID {
			return ts[i].ChainID < ts[j].ChainID
		}
		if ts[i].TxHash != ts[j].TxHash {
			return ts[i].TxHash < ts[j].TxHash
		}
		return ts[i].CorrelationID < ts[j].CorrelationID
	})
}

func sortDiscrepancies(ds []models.Discrepancy) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].ChainID != ds[j].ChainID {
			return ds[i].ChainID < ds[j].ChainID
		}
		if ds[i].TxHash != ds[j].TxHash {
			return ds[i].TxHash < ds[j].TxHash
		}
		return ds[i].CorrelationID < ds[j].CorrelationID
	})
}

func emptyTriples(ts []models.MatchedTriple) []models.MatchedTriple {
	if ts == nil {
		return []models.MatchedTriple{}
	}
	return ts
}

func emptyDiscrepancies(ds []models.Discrepancy) []models.Discrepancy {
	if ds == nil {
		return []models.Discrepancy{}
	}
	return ds
}
