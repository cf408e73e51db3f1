package eventstore

import (
	"sync"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// MemoryStore is the in-memory backend: a per-stream ordered list plus one
// global list. All mutations serialise on a single write lock; snapshots of
// (version, position, chain head) are therefore always consistent.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]models.StoredEvent
	global  []models.StoredEvent
	closed  bool
	fan     *fanout
	now     func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]models.StoredEvent),
		fan:     newFanout(),
		now:     time.Now,
	}
}

// Append validates, assigns contiguous versions and global positions, chains
// hashes, and commits all-or-nothing.
func (s *MemoryStore) Append(streamID string, events []models.DomainEvent, opts AppendOptions) (AppendResult, error) {
	if err := validateAppend(streamID, events); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AppendResult{}, errs.E(errs.StoreClosed, "event store is closed")
	}

	stream, exists := s.streams[streamID]
	currentVersion := int64(len(stream))
	if err := opts.ExpectedVersion.check(currentVersion, exists); err != nil {
		return AppendResult{}, err
	}

	prevHash := GenesisHash
	if n := len(s.global); n > 0 {
		if h := s.global[n-1].Hash; h != "" {
			prevHash = h
		}
	}

	appendedAt := s.now().UTC().Format(time.RFC3339Nano)
	batch, err := buildBatch(streamID, events, currentVersion, int64(len(s.global)), prevHash, appendedAt)
	if err != nil {
		// Nothing from this batch has been committed.
		return AppendResult{}, err
	}

	s.streams[streamID] = append(stream, batch...)
	s.global = append(s.global, batch...)
	s.fan.publish(batch)

	return AppendResult{
		StreamID:    streamID,
		FromVersion: currentVersion + 1,
		ToVersion:   currentVersion + int64(len(batch)),
		Count:       len(batch),
	}, nil
}

// Read returns events of one stream. A non-existent stream reads as empty.
func (s *MemoryStore) Read(streamID string, opts ReadOptions) ([]models.StoredEvent, error) {
	if err := validateRead(opts); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.E(errs.StoreClosed, "event store is closed")
	}
	return sliceEvents(s.streams[streamID], opts.FromVersion, opts.MaxCount, opts.Direction), nil
}

// ReadAll returns the globally ordered slice.
func (s *MemoryStore) ReadAll(opts ReadAllOptions) ([]models.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.E(errs.StoreClosed, "event store is closed")
	}
	return sliceEvents(s.global, opts.FromPosition, opts.MaxCount, opts.Direction), nil
}

func (s *MemoryStore) Subscribe(streamID string, h Handler) Subscription {
	return s.fan.subscribe(streamID, h)
}

func (s *MemoryStore) SubscribeAll(h Handler) Subscription {
	return s.fan.subscribe("", h)
}

func (s *MemoryStore) StreamExists(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID]
	return ok
}

// StreamVersion reports the stream's current version, 0 if absent.
func (s *MemoryStore) StreamVersion(streamID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[streamID]))
}

// GlobalPosition reports the last assigned global position, 0 when empty.
func (s *MemoryStore) GlobalPosition() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.global))
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.fan.closeAll()
	return nil
}

// sliceEvents windows an ordered event list. from is 1-based (0 = start);
// results are copied so callers can hold them without aliasing store state.
func sliceEvents(events []models.StoredEvent, from int64, maxCount int, dir ReadDirection) []models.StoredEvent {
	if from < 1 {
		from = 1
	}
	if from > int64(len(events)) {
		return []models.StoredEvent{}
	}
	window := events[from-1:]
	out := make([]models.StoredEvent, len(window))
	copy(out, window)
	if dir == Backward {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}
