// Package registrum is the append-only state registrar. Registered states
// form the authoritative ordering behind the registrum subsystem hash; there
// is no update or delete, only new states.
package registrum

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// Registrum holds the ordered state log.
type Registrum struct {
	mu         sync.RWMutex
	states     []models.RegisteredState
	byID       map[string]int
	mode       string
	invariants []string
}

// Options configure a registrar instance.
type Options struct {
	Mode       string
	Invariants []string
}

// New builds an empty registrar.
func New(opts Options) *Registrum {
	mode := opts.Mode
	if mode == "" {
		mode = "append-only"
	}
	return &Registrum{
		byID:       make(map[string]int),
		mode:       mode,
		invariants: append([]string(nil), opts.Invariants...),
	}
}

// RegisterInput describes one transition to record: the state being left and
// the state being entered. Only the target becomes a registered state; the
// source is kept as its parent link.
type RegisterInput struct {
	From      string
	Structure string
	Data      map[string]interface{}
}

// Register appends a new state and returns it with its assigned id and order
// index. A From reference must name an already-registered state.
func (r *Registrum) Register(in RegisterInput) (models.RegisteredState, error) {
	if in.Structure == "" {
		return models.RegisteredState{}, errs.E(errs.InvalidInput, "state structure must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.From != "" {
		if _, ok := r.byID[in.From]; !ok {
			return models.RegisteredState{}, errs.E(errs.InvalidInput, "parent state %s is not registered", in.From)
		}
	}
	st := models.RegisteredState{
		ID:         uuid.NewString(),
		Structure:  in.Structure,
		Data:       in.Data,
		OrderIndex: len(r.states),
		ParentID:   in.From,
	}
	r.byID[st.ID] = len(r.states)
	r.states = append(r.states, st)
	return st, nil
}

// Get returns a state by id.
func (r *Registrum) Get(id string) (models.RegisteredState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return models.RegisteredState{}, errs.E(errs.NotFound, "state %s is not registered", id)
	}
	return r.states[i], nil
}

// Count reports the number of registered states.
func (r *Registrum) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Snapshot exports the ordered immutable state sequence.
func (r *Registrum) Snapshot() models.RegistrumSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]models.RegisteredState, len(r.states))
	copy(states, r.states)
	return models.RegistrumSnapshot{
		States:     states,
		Mode:       r.mode,
		Invariants: append([]string(nil), r.invariants...),
	}
}

// FromSnapshot rebuilds a registrar from an exported snapshot, preserving the
// state ordering and id index.
func FromSnapshot(snap models.RegistrumSnapshot) (*Registrum, error) {
	r := New(Options{Mode: snap.Mode, Invariants: snap.Invariants})
	for i, st := range snap.States {
		if st.ID == "" {
			return nil, errs.E(errs.InvalidInput, "snapshot state %d has no id", i)
		}
		if _, dup := r.byID[st.ID]; dup {
			return nil, errs.E(errs.InvalidInput, "snapshot contains duplicate state id %s", st.ID)
		}
		r.byID[st.ID] = len(r.states)
		r.states = append(r.states, st)
	}
	return r, nil
}
