package eventstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

func evt(typ string) models.DomainEvent {
	return models.DomainEvent{
		Type: typ,
		Metadata: models.EventMetadata{
			EventID:   typ + "-id",
			Timestamp: "2026-01-02T03:04:05Z",
			Actor:     "tester",
			Source:    models.SourceVault,
		},
		Payload: map[string]interface{}{"k": typ},
	}
}

func TestAppend_HashChainFromGenesis(t *testing.T) {
	// Scenario: three events on one stream must chain
	// genesis -> h(a) -> h(b) -> h(c).
	s := NewMemoryStore()
	res, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b"), evt("c")}, AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.FromVersion != 1 || res.ToVersion != 3 || res.Count != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	all, _ := s.ReadAll(ReadAllOptions{})
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].PreviousHash != GenesisHash {
		t.Errorf("first previousHash = %s, want genesis", all[0].PreviousHash)
	}
	if all[1].PreviousHash != all[0].Hash {
		t.Errorf("second event does not chain from first")
	}
	if all[2].PreviousHash != all[1].Hash {
		t.Errorf("third event does not chain from second")
	}

	report := VerifyHashChain(all)
	if !report.Valid || report.LastVerifiedPosition != 3 {
		t.Errorf("chain should verify: %+v", report)
	}
}

func TestVerifyHashChain_DetectsTampering(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b"), evt("c")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ReadAll(ReadAllOptions{})

	all[1].PreviousHash = "bogus"
	report := VerifyHashChain(all)
	if report.Valid {
		t.Fatal("tampered chain verified")
	}
	found := false
	for _, e := range report.Errors {
		if e.Position == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error at position 2, got %+v", report.Errors)
	}
}

func TestVerifyHashChain_DetectsPayloadFlip(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ReadAll(ReadAllOptions{})
	all[0].Event.Payload["k"] = "tampered"

	report := VerifyHashChain(all)
	if report.Valid {
		t.Fatal("payload tamper went undetected")
	}
	if report.Errors[0].Position != 1 {
		t.Errorf("expected error at position 1, got %+v", report.Errors)
	}
}

func TestVerifyHashChain_ToleratesLegacyPrefix(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ReadAll(ReadAllOptions{})

	legacy := models.StoredEvent{
		Event:          evt("legacy"),
		StreamID:       "old",
		Version:        1,
		GlobalPosition: 0,
		AppendedAt:     "2020-01-01T00:00:00Z",
	}
	mixed := append([]models.StoredEvent{legacy}, all...)
	report := VerifyHashChain(mixed)
	if !report.Valid {
		t.Errorf("legacy prefix should be tolerated: %+v", report)
	}
	if report.LastVerifiedPosition != 3 {
		t.Errorf("lastVerifiedPosition = %d, want 3", report.LastVerifiedPosition)
	}
	if len(report.Notes) != 0 {
		t.Errorf("a legacy prefix needs no notes: %v", report.Notes)
	}
}

func TestVerifyHashChain_NotesInteriorLegacyGap(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ReadAll(ReadAllOptions{})

	// An unhashed event between hashed ones only happens to a hand-edited
	// file. The links across the gap still hold, so the chain stays valid,
	// but the report must say the gap is there.
	legacy := models.StoredEvent{
		Event:          evt("legacy"),
		StreamID:       "old",
		Version:        1,
		GlobalPosition: 0,
		AppendedAt:     "2020-01-01T00:00:00Z",
	}
	mixed := []models.StoredEvent{all[0], legacy, all[1]}
	report := VerifyHashChain(mixed)
	if !report.Valid {
		t.Errorf("intact links across a gap must verify: %+v", report)
	}
	if len(report.Notes) != 1 {
		t.Fatalf("interior gap not noted: %+v", report)
	}
	if !strings.Contains(report.Notes[0], "position 2") {
		t.Errorf("note does not name the gap position: %q", report.Notes[0])
	}
}

func TestAppend_ExpectedVersion(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("stream-1", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Append("stream-1", []models.DomainEvent{evt("e")}, AppendOptions{ExpectedVersion: ExactVersion(1)})
	if !errs.Is(err, errs.ConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "at version 2, expected 1") {
		t.Errorf("conflict message should name both versions: %v", err)
	}

	if _, err := s.Append("stream-1", []models.DomainEvent{evt("e")}, AppendOptions{ExpectedVersion: NoStream()}); !errs.Is(err, errs.ConcurrencyConflict) {
		t.Errorf("no_stream on existing stream must conflict, got %v", err)
	}
	if _, err := s.Append("fresh", []models.DomainEvent{evt("e")}, AppendOptions{ExpectedVersion: NoStream()}); err != nil {
		t.Errorf("no_stream on fresh stream: %v", err)
	}
	if _, err := s.Append("stream-1", []models.DomainEvent{evt("f")}, AppendOptions{ExpectedVersion: ExactVersion(2)}); err != nil {
		t.Errorf("exact match append: %v", err)
	}
}

func TestAppend_Validation(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("s", nil, AppendOptions{}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("empty append must fail, got %v", err)
	}
	if _, err := s.Append("", []models.DomainEvent{evt("a")}, AppendOptions{}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("empty stream id must fail, got %v", err)
	}
	if s.GlobalPosition() != 0 {
		t.Error("failed appends must leave the store unchanged")
	}

	s.Close()
	if _, err := s.Append("s", []models.DomainEvent{evt("a")}, AppendOptions{}); !errs.Is(err, errs.StoreClosed) {
		t.Errorf("closed store must refuse appends, got %v", err)
	}
}

func TestRead_Windows(t *testing.T) {
	s := NewMemoryStore()
	var all []models.DomainEvent
	for i := 0; i < 5; i++ {
		all = append(all, evt(fmt.Sprintf("e%d", i)))
	}
	if _, err := s.Append("s", all, AppendOptions{}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Read("s", ReadOptions{FromVersion: 3})
	if len(got) != 3 || got[0].Version != 3 {
		t.Errorf("fromVersion window wrong: %d events, first=%d", len(got), got[0].Version)
	}
	got, _ = s.Read("s", ReadOptions{FromVersion: 1, MaxCount: 2})
	if len(got) != 2 {
		t.Errorf("maxCount ignored: %d", len(got))
	}
	got, _ = s.Read("missing", ReadOptions{})
	if len(got) != 0 {
		t.Errorf("missing stream should read empty, got %d", len(got))
	}
	if _, err := s.Read("s", ReadOptions{FromVersion: -1}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("negative fromVersion must fail, got %v", err)
	}
}

func TestSubscriptions_DeliverAfterCommitInOrder(t *testing.T) {
	s := NewMemoryStore()
	var mu sync.Mutex
	var seen []int64
	done := make(chan struct{})
	s.Subscribe("s", func(e models.StoredEvent) {
		mu.Lock()
		seen = append(seen, e.Version)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	if _, err := s.Append("s", []models.DomainEvent{evt("a"), evt("b"), evt("c")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != int64(i+1) {
			t.Errorf("out-of-order delivery: %v", seen)
		}
	}
}

func TestSubscriptions_PanicDoesNotPoison(t *testing.T) {
	s := NewMemoryStore()
	got := make(chan string, 4)
	s.SubscribeAll(func(e models.StoredEvent) {
		panic("boom")
	})
	s.SubscribeAll(func(e models.StoredEvent) {
		got <- e.Event.Type
	})

	if _, err := s.Append("s", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber starved by panicking one")
		}
	}
}

func TestUnsubscribe_StopsDeliveries(t *testing.T) {
	s := NewMemoryStore()
	count := make(chan struct{}, 8)
	sub := s.Subscribe("s", func(models.StoredEvent) { count <- struct{}{} })

	if _, err := s.Append("s", []models.DomainEvent{evt("a")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-count:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery missing")
	}

	sub.Unsubscribe()
	if _, err := s.Append("s", []models.DomainEvent{evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-count:
		t.Error("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "log.jsonl")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.StreamVersion("s1") != 2 {
		t.Errorf("version after reopen = %d, want 2", s2.StreamVersion("s1"))
	}
	if _, err := s2.Append("s1", []models.DomainEvent{evt("c")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}

	all, _ := s2.ReadAll(ReadAllOptions{})
	report := VerifyHashChain(all)
	if !report.Valid {
		t.Errorf("chain broken across reopen: %+v", report)
	}
}

func TestFileStore_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("s1", []models.DomainEvent{evt("a"), evt("b")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Simulate a torn final write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"streamId":"s1","version":3,"truncat`)
	f.Close()

	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen with corruption: %v", err)
	}
	defer s2.Close()
	if s2.StreamVersion("s1") != 2 {
		t.Errorf("corrupt line counted: version = %d", s2.StreamVersion("s1"))
	}
	if _, err := s2.Append("s1", []models.DomainEvent{evt("c")}, AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	all, _ := s2.ReadAll(ReadAllOptions{})
	if report := VerifyHashChain(all); !report.Valid {
		t.Errorf("chain must resume from last good event: %+v", report)
	}
}
