package models

// RegisteredState is one append-only node in the registrum state graph.
type RegisteredState struct {
	ID         string                 `json:"id"`
	Structure  string                 `json:"structure"`
	Data       map[string]interface{} `json:"data"`
	OrderIndex int                    `json:"orderIndex"`
	ParentID   string                 `json:"parentId,omitempty"`
}

// RegistrumSnapshot is the ordered immutable view of registered states. The
// state ordering is the authoritative ordering for the registrum hash.
type RegistrumSnapshot struct {
	States     []RegisteredState `json:"states"`
	Mode       string            `json:"mode"`
	Invariants []string          `json:"invariants"`
}

// IntentStatus is the lifecycle stage of a declared intent.
type IntentStatus string

const (
	IntentPending  IntentStatus = "pending"
	IntentExecuted IntentStatus = "executed"
	IntentFailed   IntentStatus = "failed"
)

// Intent declares a movement of value before it happens on chain.
type Intent struct {
	ID        string       `json:"id"`
	Status    IntentStatus `json:"status"`
	ChainID   string       `json:"chainId,omitempty"`
	TxHash    string       `json:"txHash,omitempty"`
	Amount    string       `json:"amount,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Decimals  int          `json:"decimals,omitempty"`
	CreatedAt string       `json:"createdAt,omitempty"`
}

// Attestation records that a reconciliation ran and what it concluded.
type Attestation struct {
	ID           string `json:"id"`
	ReportID     string `json:"reportId"`
	SnapshotHash string `json:"snapshotHash"`
	StateCount   int    `json:"stateCount"`
	AttestedBy   string `json:"attestedBy"`
	AttestedAt   string `json:"attestedAt"`
	Signature    string `json:"signature,omitempty"`
}

// DiscrepancyKind tags a reconciliation mismatch.
type DiscrepancyKind string

const (
	DiscrepancyAmountMismatch    DiscrepancyKind = "AMOUNT_MISMATCH"
	DiscrepancyMissingChainEvent DiscrepancyKind = "MISSING_CHAIN_EVENT"
	DiscrepancyMissingLedger     DiscrepancyKind = "MISSING_LEDGER_ENTRY"
	DiscrepancyOrphanChainEvent  DiscrepancyKind = "ORPHAN_CHAIN_EVENT"
)

// Discrepancy carries enough context to explain a mismatch in evidence text.
type Discrepancy struct {
	Kind          DiscrepancyKind `json:"kind"`
	ChainID       string          `json:"chainId,omitempty"`
	TxHash        string          `json:"txHash,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	IntentID      string          `json:"intentId,omitempty"`
	Expected      string          `json:"expected,omitempty"`
	Actual        string          `json:"actual,omitempty"`
	Evidence      string          `json:"evidence"`
}

// MatchedTriple is one intent/ledger/chain agreement.
type MatchedTriple struct {
	IntentID      string `json:"intentId"`
	ChainID       string `json:"chainId"`
	TxHash        string `json:"txHash"`
	CorrelationID string `json:"correlationId,omitempty"`
	Amount        string `json:"amount"`
}

// ReconciliationReport is the deterministic output of one reconciliation run.
type ReconciliationReport struct {
	ReportID      string          `json:"reportId"`
	Matched       []MatchedTriple `json:"matched"`
	Mismatches    []Discrepancy   `json:"mismatches"`
	Missing       []Discrepancy   `json:"missing"`
	MatchedCount  int             `json:"matchedCount"`
	MismatchCount int             `json:"mismatchCount"`
	MissingCount  int             `json:"missingCount"`
	BundleHash    string          `json:"bundleHash"`
}

// GlobalStateHash is the deterministic digest over subsystem snapshots.
// ComputedAt is metadata and never part of the hash.
type GlobalStateHash struct {
	Hash       string          `json:"hash"`
	Subsystems SubsystemHashes `json:"subsystems"`
	ComputedAt string          `json:"computedAt"`
}

// SubsystemHashes are the per-subsystem digests feeding the global hash.
type SubsystemHashes struct {
	Ledger    string            `json:"ledger"`
	Registrum string            `json:"registrum"`
	Chains    map[string]string `json:"chains,omitempty"`
}

// StateBundle is the exportable verification bundle. BundleHash covers every
// field except ExportedAt.
type StateBundle struct {
	Version           int               `json:"version"`
	LedgerSnapshot    LedgerSnapshot    `json:"ledgerSnapshot"`
	RegistrumSnapshot RegistrumSnapshot `json:"registrumSnapshot"`
	EventHashes       []string          `json:"eventHashes"`
	ChainHashes       map[string]string `json:"chainHashes,omitempty"`
	GlobalStateHash   GlobalStateHash   `json:"globalStateHash"`
	BundleHash        string            `json:"bundleHash"`
	ExportedAt        string            `json:"exportedAt"`
}
