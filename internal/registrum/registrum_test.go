package registrum

import (
	"testing"

	"github.com/rawblock/attestia/pkg/errs"
)

func TestRegister_AssignsOrderIndexes(t *testing.T) {
	r := New(Options{})
	a, err := r.Register(RegisterInput{Structure: "treasury", Data: map[string]interface{}{"k": 1}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Register(RegisterInput{From: a.ID, Structure: "treasury", Data: map[string]interface{}{"k": 2}})
	if err != nil {
		t.Fatal(err)
	}
	if a.OrderIndex != 0 || b.OrderIndex != 1 {
		t.Errorf("order indexes = %d, %d", a.OrderIndex, b.OrderIndex)
	}
	if b.ParentID != a.ID {
		t.Errorf("parent link lost: %s", b.ParentID)
	}
	if r.Count() != 2 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestRegister_Validation(t *testing.T) {
	r := New(Options{})
	if _, err := r.Register(RegisterInput{}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("empty structure must fail, got %v", err)
	}
	if _, err := r.Register(RegisterInput{From: "ghost", Structure: "s"}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("unknown parent must fail, got %v", err)
	}
}

func TestSnapshot_IsImmutableCopy(t *testing.T) {
	r := New(Options{Mode: "strict", Invariants: []string{"ordered"}})
	st, err := r.Register(RegisterInput{Structure: "s", Data: map[string]interface{}{"k": "v"}})
	if err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	if len(snap.States) != 1 || snap.Mode != "strict" || len(snap.Invariants) != 1 {
		t.Fatalf("snapshot wrong: %+v", snap)
	}

	// Mutating the snapshot slice must not leak into the registrar.
	snap.States[0].Structure = "tampered"
	got, err := r.Get(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Structure != "s" {
		t.Error("snapshot mutation leaked into registrar state")
	}
}

func TestFromSnapshot_RoundTrip(t *testing.T) {
	r := New(Options{})
	a, _ := r.Register(RegisterInput{Structure: "s1"})
	r.Register(RegisterInput{From: a.ID, Structure: "s2"})

	restored, err := FromSnapshot(r.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if restored.Count() != 2 {
		t.Errorf("restored count = %d", restored.Count())
	}
	next, err := restored.Register(RegisterInput{From: a.ID, Structure: "s3"})
	if err != nil {
		t.Fatalf("restored registrar must accept children of old states: %v", err)
	}
	if next.OrderIndex != 2 {
		t.Errorf("ordering must continue after restore: %d", next.OrderIndex)
	}
}
