package models

// EventSource identifies the subsystem that emitted a domain event.
type EventSource string

const (
	SourceVault     EventSource = "vault"
	SourceTreasury  EventSource = "treasury"
	SourceRegistrum EventSource = "registrum"
	SourceObserver  EventSource = "observer"
)

// EventMetadata travels with every domain event.
type EventMetadata struct {
	EventID       string      `json:"eventId"`
	Timestamp     string      `json:"timestamp"` // RFC 3339
	Actor         string      `json:"actor"`
	CorrelationID string      `json:"correlationId"`
	Source        EventSource `json:"source"`
}

// DomainEvent is an immutable fact. Payload may carry an embedded
// "_schemaVersion" integer (>= 1); absent means version 1.
type DomainEvent struct {
	Type     string                 `json:"type"`
	Metadata EventMetadata          `json:"metadata"`
	Payload  map[string]interface{} `json:"payload"`
}

// SchemaVersionKey is the payload key holding the embedded schema version.
const SchemaVersionKey = "_schemaVersion"

// StoredEvent wraps a DomainEvent with its position in the log and its place
// in the hash chain. Hash covers the canonical form of
// {event, streamId, version, globalPosition, appendedAt} concatenated with
// PreviousHash.
type StoredEvent struct {
	Event          DomainEvent `json:"event"`
	StreamID       string      `json:"streamId"`
	Version        int64       `json:"version"`        // 1-based, per stream
	GlobalPosition int64       `json:"globalPosition"` // 1-based, global
	AppendedAt     string      `json:"appendedAt"`     // RFC 3339
	PreviousHash   string      `json:"previousHash,omitempty"`
	Hash           string      `json:"hash,omitempty"`
}

// HashChainReport is the outcome of walking a stored-event sequence. Notes
// flag oddities that are tolerated, not failures: an unhashed event sitting
// between hashed ones means the file was edited by hand, and a reader should
// know even when every link still holds.
type HashChainReport struct {
	Valid                bool             `json:"valid"`
	LastVerifiedPosition int64            `json:"lastVerifiedPosition"`
	Errors               []HashChainError `json:"errors"`
	Notes                []string         `json:"notes,omitempty"`
}

// HashChainError pinpoints a break in the chain.
type HashChainError struct {
	Position int64  `json:"position"`
	Reason   string `json:"reason"`
}
