package eventstore

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// FileStore persists one canonical-JSON StoredEvent per LF-terminated line.
// The file is append-only: corrupt or empty lines are skipped on read and the
// writer never compacts or rewrites; new appends chain from the hash of the
// last successfully parsed event.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	f       *os.File
	streams map[string][]models.StoredEvent
	global  []models.StoredEvent
	closed  bool
	fan     *fanout
	now     func() time.Time
}

// OpenFileStore opens (creating if needed) the event log at path and rebuilds
// the in-memory index from it.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "create event log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "open event log %s", path)
	}

	s := &FileStore{
		path:    path,
		f:       f,
		streams: make(map[string][]models.StoredEvent),
		fan:     newFanout(),
		now:     time.Now,
	}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// load replays the log, tolerating corruption: an unparseable line is logged
// and skipped, never repaired in place.
func (s *FileStore) load() error {
	if _, err := s.f.Seek(0, 0); err != nil {
		return errs.Wrap(errs.NetworkError, err, "seek event log")
	}
	scanner := bufio.NewScanner(s.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var se models.StoredEvent
		if err := json.Unmarshal(line, &se); err != nil {
			skipped++
			log.Printf("eventstore: skipping corrupt line %d in %s: %v", lineNo, s.path, err)
			continue
		}
		if se.StreamID == "" {
			skipped++
			log.Printf("eventstore: skipping line %d in %s: missing stream id", lineNo, s.path)
			continue
		}
		s.streams[se.StreamID] = append(s.streams[se.StreamID], se)
		s.global = append(s.global, se)
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.NetworkError, err, "scan event log")
	}
	if skipped > 0 {
		log.Printf("eventstore: recovered %s with %d corrupt line(s) skipped, %d events loaded", s.path, skipped, len(s.global))
	}
	return nil
}

func (s *FileStore) Append(streamID string, events []models.DomainEvent, opts AppendOptions) (AppendResult, error) {
	if err := validateAppend(streamID, events); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AppendResult{}, errs.E(errs.StoreClosed, "event store is closed")
	}

	// Versions and positions derive from the last parsed event, not the list
	// length, so a skipped corrupt line can never cause a duplicate.
	stream, exists := s.streams[streamID]
	currentVersion := int64(0)
	if n := len(stream); n > 0 {
		currentVersion = stream[n-1].Version
	}
	if err := opts.ExpectedVersion.check(currentVersion, exists); err != nil {
		return AppendResult{}, err
	}

	prevHash := GenesisHash
	globalPos := int64(0)
	if n := len(s.global); n > 0 {
		globalPos = s.global[n-1].GlobalPosition
		if h := s.global[n-1].Hash; h != "" {
			prevHash = h
		}
	}

	appendedAt := s.now().UTC().Format(time.RFC3339Nano)
	batch, err := buildBatch(streamID, events, currentVersion, globalPos, prevHash, appendedAt)
	if err != nil {
		return AppendResult{}, err
	}

	// Durable write before any in-memory commit: either every line lands or
	// the in-memory state stays untouched. Positions assigned here count
	// only parseable events, so a torn final line from a crash is skipped on
	// the next open and never shifts the numbering.
	var buf []byte
	for _, se := range batch {
		line, err := canonical.Marshal(se)
		if err != nil {
			return AppendResult{}, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := s.f.Write(buf); err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "append to event log")
	}
	if err := s.f.Sync(); err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "sync event log")
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

func (s *FileStore) Read(streamID string, opts ReadOptions) ([]models.StoredEvent, error) {
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

func (s *FileStore) ReadAll(opts ReadAllOptions) ([]models.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.E(errs.StoreClosed, "event store is closed")
	}
	return sliceEvents(s.global, opts.FromPosition, opts.MaxCount, opts.Direction), nil
}

func (s *FileStore) Subscribe(streamID string, h Handler) Subscription {
	return s.fan.subscribe(streamID, h)
}

func (s *FileStore) SubscribeAll(h Handler) Subscription {
	return s.fan.subscribe("", h)
}

func (s *FileStore) StreamExists(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID]
	return ok
}

func (s *FileStore) StreamVersion(streamID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.streams[streamID]); n > 0 {
		return s.streams[streamID][n-1].Version
	}
	return 0
}

func (s *FileStore) GlobalPosition() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.global); n > 0 {
		return s.global[n-1].GlobalPosition
	}
	return 0
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.f.Close()
	s.mu.Unlock()
	s.fan.closeAll()
	return err
}
