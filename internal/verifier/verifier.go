// Package verifier replays a state bundle from first principles: every hash
// the bundle declares is recomputed from the bundle's own snapshots. Checks
// never short-circuit; a report lists every failure found.
package verifier

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/internal/statehash"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// Options identify the verifier running a check.
type Options struct {
	VerifierID string
	Label      string
	StrictMode bool
}

// RunVerification replays the bundle. Check order: bundle hash, ledger and
// registrum subsystem hashes, the combined global hash, declared chain
// hashes, and (strict mode only) the presence of chain hashes at all.
func RunVerification(bundle models.StateBundle, opts Options) (models.VerifierReport, error) {
	if opts.VerifierID == "" {
		return models.VerifierReport{}, errs.E(errs.InvalidInput, "verifier id must not be empty")
	}

	checks := []models.SubsystemCheck{}
	discrepancies := []string{}

	expectedBundle, err := statehash.RecomputeBundleHash(bundle)
	if err != nil {
		return models.VerifierReport{}, err
	}
	checks = append(checks, models.SubsystemCheck{
		Subsystem: "bundle",
		Expected:  expectedBundle,
		Actual:    bundle.BundleHash,
		Matches:   expectedBundle == bundle.BundleHash,
	})
	if expectedBundle != bundle.BundleHash {
		discrepancies = append(discrepancies, "Bundle hash mismatch")
	}

	ledgerHash, err := canonical.Hash(bundle.LedgerSnapshot)
	if err != nil {
		return models.VerifierReport{}, err
	}
	checks = append(checks, models.SubsystemCheck{
		Subsystem: "ledger",
		Expected:  ledgerHash,
		Actual:    bundle.GlobalStateHash.Subsystems.Ledger,
		Matches:   ledgerHash == bundle.GlobalStateHash.Subsystems.Ledger,
	})
	if ledgerHash != bundle.GlobalStateHash.Subsystems.Ledger {
		discrepancies = append(discrepancies, "Ledger hash mismatch")
	}

	regHash, err := canonical.Hash(bundle.RegistrumSnapshot)
	if err != nil {
		return models.VerifierReport{}, err
	}
	checks = append(checks, models.SubsystemCheck{
		Subsystem: "registrum",
		Expected:  regHash,
		Actual:    bundle.GlobalStateHash.Subsystems.Registrum,
		Matches:   regHash == bundle.GlobalStateHash.Subsystems.Registrum,
	})
	if regHash != bundle.GlobalStateHash.Subsystems.Registrum {
		discrepancies = append(discrepancies, "Registrum hash mismatch")
	}

	globalHash, err := statehash.CombineSubsystems(bundle.GlobalStateHash.Subsystems)
	if err != nil {
		return models.VerifierReport{}, err
	}
	checks = append(checks, models.SubsystemCheck{
		Subsystem: "global",
		Expected:  globalHash,
		Actual:    bundle.GlobalStateHash.Hash,
		Matches:   globalHash == bundle.GlobalStateHash.Hash,
	})
	if globalHash != bundle.GlobalStateHash.Hash {
		discrepancies = append(discrepancies, "Global hash mismatch")
	}

	// Chain hashes cannot be recomputed without live chain access; record
	// each declared hash as its own acknowledged check.
	chainIDs := make([]string, 0, len(bundle.ChainHashes))
	for chainID := range bundle.ChainHashes {
		chainIDs = append(chainIDs, chainID)
	}
	sort.Strings(chainIDs)
	for _, chainID := range chainIDs {
		h := bundle.ChainHashes[chainID]
		checks = append(checks, models.SubsystemCheck{
			Subsystem: "chain:" + chainID,
			Expected:  h,
			Actual:    h,
			Matches:   true,
		})
	}
	if opts.StrictMode && len(bundle.ChainHashes) == 0 {
		discrepancies = append(discrepancies, "Strict mode requires chain hashes")
	}

	verdict := models.VerdictPass
	if len(discrepancies) > 0 {
		verdict = models.VerdictFail
	}

	report := models.VerifierReport{
		VerifierID:      opts.VerifierID,
		Label:           opts.Label,
		Verdict:         verdict,
		BundleHash:      bundle.BundleHash,
		SubsystemChecks: checks,
		Discrepancies:   discrepancies,
		VerifiedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	reportID, err := canonical.HashConcat(report, uuid.NewString())
	if err != nil {
		return models.VerifierReport{}, err
	}
	report.ReportID = reportID
	return report, nil
}

// Node is one independent verifier holding its own run history.
type Node struct {
	mu      sync.Mutex
	id      string
	label   string
	reports []models.VerifierReport
}

// NewNode builds a verifier node.
func NewNode(id, label string) *Node {
	return &Node{id: id, label: label}
}

// ID returns the node's verifier id.
func (n *Node) ID() string { return n.id }

// Verify runs a verification and stores the resulting report.
func (n *Node) Verify(bundle models.StateBundle, strict bool) (models.VerifierReport, error) {
	report, err := RunVerification(bundle, Options{VerifierID: n.id, Label: n.label, StrictMode: strict})
	if err != nil {
		return models.VerifierReport{}, err
	}
	n.mu.Lock()
	n.reports = append(n.reports, report)
	n.mu.Unlock()
	return report, nil
}

// Reports returns the node's run history in order.
func (n *Node) Reports() []models.VerifierReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.VerifierReport, len(n.reports))
	copy(out, n.reports)
	return out
}

// VerifyByReplay recomputes the global hash over live snapshots and compares
// it to an expected hash when one is given.
func (n *Node) VerifyByReplay(ledger models.LedgerSnapshot, reg models.RegistrumSnapshot, chainHashes map[string]string, expectedHash string) (models.GlobalStateHash, []string, error) {
	gsh, err := statehash.Compute(ledger, reg, chainHashes)
	if err != nil {
		return models.GlobalStateHash{}, nil, err
	}
	var discrepancies []string
	if expectedHash != "" && gsh.Hash != expectedHash {
		discrepancies = append(discrepancies, "Global hash mismatch")
	}
	return gsh, discrepancies, nil
}

// Consensus folds N independent reports over the same bundle hash into one
// verdict: PASS iff every report passed. Quorum is purely a head count
// against minimumVerifiers; dissenters are the minority verifiers.
func Consensus(reports []models.VerifierReport, minimumVerifiers int) (models.ConsensusResult, error) {
	if len(reports) == 0 {
		return models.ConsensusResult{}, errs.E(errs.InvalidInput, "consensus requires at least one report")
	}
	bundleHash := reports[0].BundleHash
	for _, r := range reports {
		if r.BundleHash != bundleHash {
			return models.ConsensusResult{}, errs.E(errs.InvalidInput,
				"reports cover different bundles: %s vs %s", bundleHash, r.BundleHash)
		}
	}

	passCount := 0
	for _, r := range reports {
		if r.Verdict == models.VerdictPass {
			passCount++
		}
	}
	failCount := len(reports) - passCount

	verdict := models.VerdictPass
	if failCount > 0 {
		verdict = models.VerdictFail
	}

	majority := models.VerdictPass
	majorityCount := passCount
	if failCount > passCount {
		majority = models.VerdictFail
		majorityCount = failCount
	}
	dissenters := []string{}
	for _, r := range reports {
		if r.Verdict != majority {
			dissenters = append(dissenters, r.VerifierID)
		}
	}
	sort.Strings(dissenters)

	return models.ConsensusResult{
		BundleHash:       bundleHash,
		Verdict:          verdict,
		ReportCount:      len(reports),
		QuorumReached:    len(reports) >= minimumVerifiers,
		MinimumVerifiers: minimumVerifiers,
		Dissenters:       dissenters,
		AgreementRatio:   float64(majorityCount) / float64(len(reports)),
	}, nil
}
