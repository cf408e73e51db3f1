// Package statehash computes the Global State Hash: a single digest that
// commits to the ledger, the registrum, and optionally per-chain hashes.
// Flipping any byte of either snapshot changes the final hash.
package statehash

import (
	"time"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/models"
)

// hashInput is the exact structure the global hash commits to. Chains are
// omitted entirely when absent so a bundle without chain hashes and one with
// an empty map hash identically.
type hashInput struct {
	Ledger    string            `json:"ledger"`
	Registrum string            `json:"registrum"`
	Chains    map[string]string `json:"chains,omitempty"`
}

// Compute derives the global state hash from the two snapshots plus optional
// per-chain hashes. ComputedAt is metadata only and never hashed.
func Compute(ledger models.LedgerSnapshot, reg models.RegistrumSnapshot, chainHashes map[string]string) (models.GlobalStateHash, error) {
	ledgerHash, err := canonical.Hash(ledger)
	if err != nil {
		return models.GlobalStateHash{}, err
	}
	regHash, err := canonical.Hash(reg)
	if err != nil {
		return models.GlobalStateHash{}, err
	}

	var chains map[string]string
	if len(chainHashes) > 0 {
		chains = make(map[string]string, len(chainHashes))
		for k, v := range chainHashes {
			chains[k] = v
		}
	}

	hash, err := canonical.Hash(hashInput{Ledger: ledgerHash, Registrum: regHash, Chains: chains})
	if err != nil {
		return models.GlobalStateHash{}, err
	}
	return models.GlobalStateHash{
		Hash: hash,
		Subsystems: models.SubsystemHashes{
			Ledger:    ledgerHash,
			Registrum: regHash,
			Chains:    chains,
		},
		ComputedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// CombineSubsystems recomputes the top-level hash from already-known
// subsystem hashes, as a replay verifier does.
func CombineSubsystems(sub models.SubsystemHashes) (string, error) {
	var chains map[string]string
	if len(sub.Chains) > 0 {
		chains = sub.Chains
	}
	return canonical.Hash(hashInput{Ledger: sub.Ledger, Registrum: sub.Registrum, Chains: chains})
}

// bundleBody is a StateBundle minus bundleHash and exportedAt; the bundle
// hash commits to exactly these fields.
type bundleBody struct {
	Version           int                      `json:"version"`
	LedgerSnapshot    models.LedgerSnapshot    `json:"ledgerSnapshot"`
	RegistrumSnapshot models.RegistrumSnapshot `json:"registrumSnapshot"`
	EventHashes       []string                 `json:"eventHashes"`
	ChainHashes       map[string]string        `json:"chainHashes,omitempty"`
	GlobalStateHash   models.GlobalStateHash   `json:"globalStateHash"`
}

// BundleVersion is the current state-bundle format version.
const BundleVersion = 1

// CreateBundle packages the full verification bundle. The bundle hash covers
// every field except ExportedAt, so any verifier holding the bundle can
// recompute it from the bundle alone.
func CreateBundle(ledger models.LedgerSnapshot, reg models.RegistrumSnapshot, eventHashes []string, chainHashes map[string]string) (models.StateBundle, error) {
	gsh, err := Compute(ledger, reg, chainHashes)
	if err != nil {
		return models.StateBundle{}, err
	}
	if eventHashes == nil {
		eventHashes = []string{}
	}
	body := bundleBody{
		Version:           BundleVersion,
		LedgerSnapshot:    ledger,
		RegistrumSnapshot: reg,
		EventHashes:       eventHashes,
		ChainHashes:       gsh.Subsystems.Chains,
		GlobalStateHash:   gsh,
	}
	bundleHash, err := canonical.Hash(body)
	if err != nil {
		return models.StateBundle{}, err
	}
	return models.StateBundle{
		Version:           body.Version,
		LedgerSnapshot:    ledger,
		RegistrumSnapshot: reg,
		EventHashes:       eventHashes,
		ChainHashes:       gsh.Subsystems.Chains,
		GlobalStateHash:   gsh,
		BundleHash:        bundleHash,
		ExportedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// RecomputeBundleHash re-derives the hash a bundle must carry.
func RecomputeBundleHash(b models.StateBundle) (string, error) {
	eventHashes := b.EventHashes
	if eventHashes == nil {
		eventHashes = []string{}
	}
	return canonical.Hash(bundleBody{
		Version:           b.Version,
		LedgerSnapshot:    b.LedgerSnapshot,
		RegistrumSnapshot: b.RegistrumSnapshot,
		EventHashes:       eventHashes,
		ChainHashes:       b.ChainHashes,
		GlobalStateHash:   b.GlobalStateHash,
	})
}
