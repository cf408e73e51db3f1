// Package governance is the event-sourced signer registry behind multi-sig
// attestation. Policy state is never stored directly; it is always a replay
// of the governance event stream, so any party holding the events derives
// the identical policy.
package governance

import (
	"sort"
	"sync"
	"time"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// EventType tags a governance event.
type EventType string

const (
	SignerAdded   EventType = "SignerAdded"
	SignerRemoved EventType = "SignerRemoved"
	QuorumChanged EventType = "QuorumChanged"
	PolicyRotated EventType = "PolicyRotated"
)

// Event is one governance change. Version is assigned by the store.
type Event struct {
	Type      EventType `json:"type"`
	Version   int64     `json:"version"`
	Timestamp string    `json:"timestamp"`
	Actor     string    `json:"actor"`
	Address   string    `json:"address,omitempty"`
	Label     string    `json:"label,omitempty"`
	Weight    int       `json:"weight,omitempty"`
	NewQuorum int       `json:"newQuorum,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Store owns the governance event stream and the policy derived from it.
type Store struct {
	mu     sync.RWMutex
	events []Event
	state  policyState
	now    func() time.Time
}

type policyState struct {
	version int64
	signers []models.Signer // insertion order
	quorum  int
}

// NewStore builds an empty governance store: no signers, quorum 1.
func NewStore() *Store {
	return &Store{state: policyState{quorum: 1}, now: time.Now}
}

// AddSigner appends a SignerAdded event. Duplicate addresses and weights
// below 1 are rejected.
func (s *Store) AddSigner(actor, address, label string, weight int) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		Type:      SignerAdded,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Address:   address,
		Label:     label,
		Weight:    weight,
	}
	return s.commitLocked(ev)
}

// RemoveSigner appends a SignerRemoved event, refusing removals that would
// leave the remaining total weight below the current quorum.
func (s *Store) RemoveSigner(actor, address string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		Type:      SignerRemoved,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Address:   address,
	}
	return s.commitLocked(ev)
}

// ChangeQuorum appends a QuorumChanged event within [1, total weight].
func (s *Store) ChangeQuorum(actor string, newQuorum int) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		Type:      QuorumChanged,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		NewQuorum: newQuorum,
	}
	return s.commitLocked(ev)
}

// RotatePolicy appends a PolicyRotated marker; state is unchanged but the
// version advances, which rotates the policy id.
func (s *Store) RotatePolicy(actor, reason string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		Type:      PolicyRotated,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Reason:    reason,
	}
	return s.commitLocked(ev)
}

func (s *Store) commitLocked(ev Event) (Event, error) {
	next, err := apply(s.state, ev)
	if err != nil {
		return Event{}, err
	}
	ev.Version = next.version
	s.state = next
	s.events = append(s.events, ev)
	return ev, nil
}

// apply is the pure transition function shared by live commits and replays.
func apply(st policyState, ev Event) (policyState, error) {
	switch ev.Type {
	case SignerAdded:
		if ev.Address == "" {
			return st, errs.E(errs.InvalidInput, "signer address must not be empty")
		}
		if ev.Weight < 1 {
			return st, errs.E(errs.InvalidInput, "signer weight must be >= 1, got %d", ev.Weight)
		}
		for _, sg := range st.signers {
			if sg.Address == ev.Address {
				return st, errs.E(errs.Conflict, "signer %s already present", ev.Address)
			}
		}
		st.signers = append(append([]models.Signer(nil), st.signers...), models.Signer{
			Address: ev.Address,
			Label:   ev.Label,
			Weight:  ev.Weight,
			AddedAt: ev.Timestamp,
		})
	case SignerRemoved:
		idx := -1
		remaining := 0
		for i, sg := range st.signers {
			if sg.Address == ev.Address {
				idx = i
			} else {
				remaining += sg.Weight
			}
		}
		if idx < 0 {
			return st, errs.E(errs.NotFound, "signer %s is not present", ev.Address)
		}
		if remaining < st.quorum {
			return st, errs.E(errs.StateTransition,
				"removing %s leaves weight %d below quorum %d", ev.Address, remaining, st.quorum)
		}
		signers := make([]models.Signer, 0, len(st.signers)-1)
		signers = append(signers, st.signers[:idx]...)
		signers = append(signers, st.signers[idx+1:]...)
		st.signers = signers
	case QuorumChanged:
		if ev.NewQuorum < 1 {
			return st, errs.E(errs.InvalidInput, "quorum must be >= 1, got %d", ev.NewQuorum)
		}
		if len(st.signers) > 0 {
			total := 0
			for _, sg := range st.signers {
				total += sg.Weight
			}
			if ev.NewQuorum > total {
				return st, errs.E(errs.InvalidInput, "quorum %d exceeds total weight %d", ev.NewQuorum, total)
			}
		}
		st.quorum = ev.NewQuorum
	case PolicyRotated:
		// No state change; version still advances below.
	default:
		return st, errs.E(errs.InvalidInput, "unknown governance event type %q", ev.Type)
	}
	st.version++
	return st, nil
}

// policyIdentity is the structure the policy id commits to.
type policyIdentity struct {
	Version int64           `json:"version"`
	Signers []models.Signer `json:"signers"` // sorted by address
	Quorum  int             `json:"quorum"`
}

func policyID(st policyState) (string, error) {
	sorted := append([]models.Signer(nil), st.signers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	return canonical.Hash(policyIdentity{Version: st.version, Signers: sorted, Quorum: st.quorum})
}

func (st policyState) toPolicy(createdAt string) (models.GovernancePolicy, error) {
	id, err := policyID(st)
	if err != nil {
		return models.GovernancePolicy{}, err
	}
	return models.GovernancePolicy{
		ID:        id,
		Version:   st.version,
		Signers:   append([]models.Signer(nil), st.signers...),
		Quorum:    st.quorum,
		CreatedAt: createdAt,
	}, nil
}

// CurrentPolicy derives the policy value from the present state.
func (s *Store) CurrentPolicy() (models.GovernancePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	createdAt := ""
	if n := len(s.events); n > 0 {
		createdAt = s.events[n-1].Timestamp
	}
	return s.state.toPolicy(createdAt)
}

// Events returns the full governance stream in order.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ReplayFrom rebuilds a store from an event stream. Equal streams produce
// equal state; an empty stream resets to the empty policy.
func ReplayFrom(events []Event) (*Store, error) {
	s := NewStore()
	for i, ev := range events {
		next, err := apply(s.state, ev)
		if err != nil {
			return nil, errs.Wrap(errs.CodeOf(err), err, "replay event %d", i)
		}
		stored := ev
		stored.Version = next.version
		s.state = next
		s.events = append(s.events, stored)
	}
	return s, nil
}

// ReplayToVersion rebuilds the policy as of a past version.
func ReplayToVersion(events []Event, version int64) (models.GovernancePolicy, error) {
	if version < 0 {
		return models.GovernancePolicy{}, errs.E(errs.InvalidInput, "version must be >= 0, got %d", version)
	}
	st := policyState{quorum: 1}
	createdAt := ""
	for _, ev := range events {
		if st.version >= version {
			break
		}
		next, err := apply(st, ev)
		if err != nil {
			return models.GovernancePolicy{}, err
		}
		st = next
		createdAt = ev.Timestamp
	}
	if st.version != version {
		return models.GovernancePolicy{}, errs.E(errs.NotFound, "stream ends at version %d, wanted %d", st.version, version)
	}
	return st.toPolicy(createdAt)
}
