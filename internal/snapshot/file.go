package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
)

// FileStore persists each snapshot as one canonical-JSON file at
// <base>/<sanitised-stream>/v<version>.json. Instances over the same base
// directory see each other's snapshots.
type FileStore struct {
	mu   sync.Mutex
	base string
	now  func() time.Time
}

// NewFileStore roots a snapshot store at base, creating it if needed.
func NewFileStore(base string) (*FileStore, error) {
	if base == "" {
		return nil, errs.E(errs.InvalidInput, "snapshot base directory must not be empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "create snapshot directory %s", base)
	}
	return &FileStore{base: base, now: time.Now}, nil
}

// sanitiseStreamID maps a stream id onto a single filesystem path element.
// Stream ids commonly carry separators (ledger/main, eip155:1); a digest of
// the raw id keeps distinct ids distinct after the character mapping.
func sanitiseStreamID(streamID string) string {
	var b strings.Builder
	for _, r := range streamID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	// "." and ".." are path navigation, not names.
	switch name {
	case "", ".", "..":
		name = "_" + name
	}
	sum := sha256.Sum256([]byte(streamID))
	return name + "-" + hex.EncodeToString(sum[:4])
}

func (s *FileStore) streamDir(streamID string) string {
	return filepath.Join(s.base, sanitiseStreamID(streamID))
}

func (s *FileStore) versionPath(streamID string, version int64) string {
	return filepath.Join(s.streamDir(streamID), fmt.Sprintf("v%d.json", version))
}

func (s *FileStore) Save(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	rec = stamp(rec, s.now)
	data, err := canonical.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.streamDir(rec.StreamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.NetworkError, err, "create snapshot directory %s", dir)
	}

	// Write-then-rename so a crash mid-write never leaves a torn snapshot
	// behind an existing version.
	path := s.versionPath(rec.StreamID, rec.Version)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.NetworkError, err, "write snapshot %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.NetworkError, err, "commit snapshot %s", path)
	}
	return nil
}

// versions lists the saved versions of a stream in no particular order.
// Files that do not look like v<n>.json are ignored.
func (s *FileStore) versions(streamID string) ([]int64, error) {
	entries, err := os.ReadDir(s.streamDir(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.NetworkError, err, "list snapshots for %s", streamID)
	}
	var out []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
		if err != nil || v < 1 {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *FileStore) Load(streamID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, err := s.versions(streamID)
	if err != nil || len(versions) == 0 {
		return Record{}, false, err
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v > latest {
			latest = v
		}
	}
	return s.readVersion(streamID, latest)
}

func (s *FileStore) LoadAtVersion(streamID string, version int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readVersion(streamID, version)
}

func (s *FileStore) readVersion(streamID string, version int64) (Record, bool, error) {
	data, err := os.ReadFile(s.versionPath(streamID, version))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, errs.Wrap(errs.NetworkError, err, "read snapshot %s v%d", streamID, version)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, errs.Wrap(errs.IntegrityViolation, err, "decode snapshot %s v%d", streamID, version)
	}
	return rec, true, nil
}

// DeleteAll removes every snapshot of one stream. Filesystem errors are
// logged and suppressed: deletion is best-effort cleanup, and another
// stream's snapshots are never touched either way.
func (s *FileStore) DeleteAll(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.streamDir(streamID)); err != nil {
		log.Printf("snapshot: delete of stream %s failed: %v", streamID, err)
	}
	return nil
}

func (s *FileStore) HasSnapshot(streamID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, err := s.versions(streamID)
	if err != nil {
		return false, err
	}
	return len(versions) > 0, nil
}
