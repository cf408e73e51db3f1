// Package eventstore implements the append-only, hash-chained event log.
// Three backends (memory, JSONL file, Postgres) satisfy one Store contract:
// contiguous per-stream versions, a contiguous global position, and a SHA-256
// hash chain rooted at GenesisHash.
package eventstore

import (
	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// GenesisHash anchors every chain: the SHA-256 digest of the empty string.
// Any verifier can recompute it without shared configuration.
const GenesisHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// ExpectedVersion is the optimistic-concurrency precondition for an append.
type ExpectedVersion struct {
	kind    string // "any", "no_stream", "exact"
	version int64
}

// AnyVersion skips the concurrency check.
func AnyVersion() ExpectedVersion { return ExpectedVersion{kind: "any"} }

// NoStream requires that the stream does not exist yet.
func NoStream() ExpectedVersion { return ExpectedVersion{kind: "no_stream"} }

// ExactVersion requires the stream to currently be at exactly v.
func ExactVersion(v int64) ExpectedVersion { return ExpectedVersion{kind: "exact", version: v} }

func (ev ExpectedVersion) check(current int64, exists bool) error {
	switch ev.kind {
	case "", "any":
		return nil
	case "no_stream":
		if exists {
			return errs.E(errs.ConcurrencyConflict, "stream exists at version %d, expected no stream", current)
		}
		return nil
	case "exact":
		if current != ev.version {
			return errs.E(errs.ConcurrencyConflict, "at version %d, expected %d", current, ev.version)
		}
		return nil
	}
	return errs.E(errs.InvalidInput, "unknown expected-version kind %q", ev.kind)
}

// AppendOptions qualify a single append call.
type AppendOptions struct {
	ExpectedVersion ExpectedVersion
}

// AppendResult reports the versions assigned by a successful append.
type AppendResult struct {
	StreamID    string `json:"streamId"`
	FromVersion int64  `json:"fromVersion"`
	ToVersion   int64  `json:"toVersion"`
	Count       int    `json:"count"`
}

// ReadDirection orders a read.
type ReadDirection string

const (
	Forward  ReadDirection = "forward"
	Backward ReadDirection = "backward"
)

// ReadOptions qualify a per-stream read. FromVersion < 1 is rejected;
// MaxCount <= 0 means unbounded.
type ReadOptions struct {
	FromVersion int64
	MaxCount    int
	Direction   ReadDirection
}

// ReadAllOptions qualify a global read.
type ReadAllOptions struct {
	FromPosition int64
	MaxCount     int
	Direction    ReadDirection
}

// Handler receives stored events after durable commit, in order.
type Handler func(models.StoredEvent)

// Subscription is a live delivery handle; Unsubscribe stops future
// deliveries without cancelling events already in flight.
type Subscription interface {
	Unsubscribe()
}

// Store is the append-only event log contract.
type Store interface {
	Append(streamID string, events []models.DomainEvent, opts AppendOptions) (AppendResult, error)
	Read(streamID string, opts ReadOptions) ([]models.StoredEvent, error)
	ReadAll(opts ReadAllOptions) ([]models.StoredEvent, error)
	Subscribe(streamID string, h Handler) Subscription
	SubscribeAll(h Handler) Subscription
	StreamExists(streamID string) bool
	StreamVersion(streamID string) int64
	GlobalPosition() int64
	Close() error
}

// hashEnvelope is the exact structure hashed for each stored event; the
// previous hash is concatenated after its canonical bytes.
type hashEnvelope struct {
	Event          models.DomainEvent `json:"event"`
	StreamID       string             `json:"streamId"`
	Version        int64              `json:"version"`
	GlobalPosition int64              `json:"globalPosition"`
	AppendedAt     string             `json:"appendedAt"`
}

// ComputeEventHash recomputes the hash a stored event must carry given its
// previous hash.
func ComputeEventHash(se models.StoredEvent, previousHash string) (string, error) {
	return canonical.HashConcat(hashEnvelope{
		Event:          se.Event,
		StreamID:       se.StreamID,
		Version:        se.Version,
		GlobalPosition: se.GlobalPosition,
		AppendedAt:     se.AppendedAt,
	}, previousHash)
}

// buildBatch assigns versions, positions, and chained hashes to a validated
// batch. Nothing is committed until the caller stores the result.
func buildBatch(streamID string, events []models.DomainEvent, currentVersion, globalLen int64, prevHash, appendedAt string) ([]models.StoredEvent, error) {
	batch := make([]models.StoredEvent, 0, len(events))
	for i, e := range events {
		se := models.StoredEvent{
			Event:          e,
			StreamID:       streamID,
			Version:        currentVersion + int64(i) + 1,
			GlobalPosition: globalLen + int64(i) + 1,
			AppendedAt:     appendedAt,
			PreviousHash:   prevHash,
		}
		hash, err := ComputeEventHash(se, prevHash)
		if err != nil {
			return nil, err
		}
		se.Hash = hash
		prevHash = hash
		batch = append(batch, se)
	}
	return batch, nil
}

func validateAppend(streamID string, events []models.DomainEvent) error {
	if streamID == "" {
		return errs.E(errs.InvalidInput, "stream id must not be empty")
	}
	if len(events) == 0 {
		return errs.E(errs.InvalidInput, "append requires at least one event")
	}
	for i, e := range events {
		if e.Type == "" {
			return errs.E(errs.InvalidInput, "event %d has empty type", i)
		}
	}
	return nil
}

func validateRead(opts ReadOptions) error {
	if opts.FromVersion < 1 && opts.FromVersion != 0 {
		return errs.E(errs.InvalidInput, "fromVersion must be >= 1, got %d", opts.FromVersion)
	}
	return nil
}
