package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/attestia/pkg/errs"
)

// stores builds one of each variant so every contract test runs against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{"memory": NewMemoryStore(), "file": fs}
}

func state(n int) map[string]interface{} {
	return map[string]interface{}{"entryCount": n}
}

func entryCount(t *testing.T, rec Record) int {
	t.Helper()
	m, ok := rec.State.(map[string]interface{})
	if !ok {
		t.Fatalf("state is %T", rec.State)
	}
	switch v := m["entryCount"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		t.Fatalf("entryCount is %T", m["entryCount"])
		return 0
	}
}

func TestSaveAndLoadLatest(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for v, n := range map[int64]int{1: 10, 3: 30, 2: 20} {
				if err := s.Save(Record{StreamID: "ledger/main", Version: v, State: state(n)}); err != nil {
					t.Fatal(err)
				}
			}

			rec, found, err := s.Load("ledger/main")
			if err != nil || !found {
				t.Fatalf("load: found=%v err=%v", found, err)
			}
			if rec.Version != 3 || entryCount(t, rec) != 30 {
				t.Errorf("latest = v%d count %d", rec.Version, entryCount(t, rec))
			}
			if rec.TakenAt == "" {
				t.Error("saved record must carry a timestamp")
			}

			rec, found, err = s.LoadAtVersion("ledger/main", 2)
			if err != nil || !found || entryCount(t, rec) != 20 {
				t.Errorf("v2: found=%v err=%v rec=%+v", found, err, rec)
			}
			if _, found, _ := s.LoadAtVersion("ledger/main", 9); found {
				t.Error("absent version reported found")
			}
		})
	}
}

func TestSameVersionOverwrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []int{10, 99} {
				if err := s.Save(Record{StreamID: "reg", Version: 1, State: state(n)}); err != nil {
					t.Fatal(err)
				}
			}
			rec, found, err := s.LoadAtVersion("reg", 1)
			if err != nil || !found || entryCount(t, rec) != 99 {
				t.Errorf("overwrite: found=%v err=%v rec=%+v", found, err, rec)
			}
		})
	}
}

func TestDeleteAllIsPerStream(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.Save(Record{StreamID: "a", Version: 1, State: state(1)})
			s.Save(Record{StreamID: "b", Version: 1, State: state(2)})

			if err := s.DeleteAll("a"); err != nil {
				t.Fatal(err)
			}
			if has, _ := s.HasSnapshot("a"); has {
				t.Error("deleted stream still has snapshots")
			}
			if has, _ := s.HasSnapshot("b"); !has {
				t.Error("delete leaked into another stream")
			}
			// Deleting an absent stream is a no-op.
			if err := s.DeleteAll("never-saved"); err != nil {
				t.Errorf("delete of absent stream: %v", err)
			}
		})
	}
}

func TestValidation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(Record{Version: 1, State: state(1)}); !errs.Is(err, errs.InvalidInput) {
				t.Errorf("empty stream id, got %v", err)
			}
			if err := s.Save(Record{StreamID: "a", Version: 0, State: state(1)}); !errs.Is(err, errs.InvalidInput) {
				t.Errorf("version 0, got %v", err)
			}
			if _, found, err := s.Load("unknown"); found || err != nil {
				t.Errorf("unknown stream: found=%v err=%v", found, err)
			}
		})
	}
}

func TestFileStore_PersistsAcrossRecreation(t *testing.T) {
	base := t.TempDir()
	first, err := NewFileStore(base)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Save(Record{StreamID: "eip155:1/observer", Version: 4, State: state(44)}); err != nil {
		t.Fatal(err)
	}

	second, err := NewFileStore(base)
	if err != nil {
		t.Fatal(err)
	}
	rec, found, err := second.Load("eip155:1/observer")
	if err != nil || !found || rec.Version != 4 || entryCount(t, rec) != 44 {
		t.Fatalf("recreated store: found=%v err=%v rec=%+v", found, err, rec)
	}
}

func TestFileStore_SanitisesStreamIDs(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(base)
	if err != nil {
		t.Fatal(err)
	}
	// Separators must not escape the base directory or collide with nesting.
	if err := s.Save(Record{StreamID: "../escape/attempt:1", Version: 1, State: state(1)}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		t.Fatalf("base contents: %v", entries)
	}
	for _, r := range entries[0].Name() {
		if r == '/' || r == ':' || r == filepath.Separator {
			t.Errorf("separator survived sanitisation: %q", entries[0].Name())
		}
	}
	if has, _ := s.HasSnapshot("../escape/attempt:1"); !has {
		t.Error("sanitised stream not found under its own id")
	}
}

func TestFileStore_DistinctIDsStayDistinct(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// "a/b" and "a:b" map to the same character-level name; they must still
	// land in separate directories.
	if err := s.Save(Record{StreamID: "a/b", Version: 1, State: state(1)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(Record{StreamID: "a:b", Version: 1, State: state(2)}); err != nil {
		t.Fatal(err)
	}

	rec, found, err := s.Load("a/b")
	if err != nil || !found || entryCount(t, rec) != 1 {
		t.Errorf("a/b: found=%v err=%v rec=%+v", found, err, rec)
	}
	rec, found, err = s.Load("a:b")
	if err != nil || !found || entryCount(t, rec) != 2 {
		t.Errorf("a:b: found=%v err=%v rec=%+v", found, err, rec)
	}

	if err := s.DeleteAll("a/b"); err != nil {
		t.Fatal(err)
	}
	if has, _ := s.HasSnapshot("a/b"); has {
		t.Error("deleted stream still has snapshots")
	}
	if has, _ := s.HasSnapshot("a:b"); !has {
		t.Error("delete of a/b removed a:b")
	}
}

func TestFileStore_IgnoresForeignFiles(t *testing.T) {
	base := t.TempDir()
	s, err := NewFileStore(base)
	if err != nil {
		t.Fatal(err)
	}
	s.Save(Record{StreamID: "ledger", Version: 2, State: state(2)})
	if err := os.WriteFile(filepath.Join(base, sanitiseStreamID("ledger"), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, found, err := s.Load("ledger")
	if err != nil || !found || rec.Version != 2 {
		t.Errorf("foreign file broke load: found=%v err=%v rec=%+v", found, err, rec)
	}
}
