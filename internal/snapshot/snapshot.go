// Package snapshot stores per-stream versioned state snapshots. A snapshot is
// a value object: whoever takes it owns it, and the store never mutates a
// saved state.
package snapshot

import (
	"sync"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
)

// Record is one saved snapshot of a stream at a version.
type Record struct {
	StreamID string      `json:"streamId"`
	Version  int64       `json:"version"`
	State    interface{} `json:"state"`
	TakenAt  string      `json:"takenAt"`
}

// Store is the snapshot contract shared by the in-memory and file variants.
// Saving the same (streamId, version) twice overwrites; DeleteAll removes one
// stream and never touches another.
type Store interface {
	Save(rec Record) error
	// Load returns the highest-version snapshot of the stream, if any.
	Load(streamID string) (Record, bool, error)
	LoadAtVersion(streamID string, version int64) (Record, bool, error)
	DeleteAll(streamID string) error
	HasSnapshot(streamID string) (bool, error)
}

func validateRecord(rec Record) error {
	if rec.StreamID == "" {
		return errs.E(errs.InvalidInput, "snapshot stream id must not be empty")
	}
	if rec.Version < 1 {
		return errs.E(errs.InvalidInput, "snapshot version must be >= 1, got %d", rec.Version)
	}
	return nil
}

func stamp(rec Record, now func() time.Time) Record {
	if rec.TakenAt == "" {
		rec.TakenAt = now().UTC().Format(time.RFC3339Nano)
	}
	return rec
}

// MemoryStore keeps snapshots per stream in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]map[int64]Record
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]map[int64]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Save(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	rec = stamp(rec, s.now)
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.streams[rec.StreamID]
	if !ok {
		versions = make(map[int64]Record)
		s.streams[rec.StreamID] = versions
	}
	versions[rec.Version] = rec
	return nil
}

func (s *MemoryStore) Load(streamID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest Record
	found := false
	for _, rec := range s.streams[streamID] {
		if !found || rec.Version > latest.Version {
			latest = rec
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) LoadAtVersion(streamID string, version int64) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.streams[streamID][version]
	return rec, ok, nil
}

func (s *MemoryStore) DeleteAll(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
	return nil
}

func (s *MemoryStore) HasSnapshot(streamID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamID]) > 0, nil
}
