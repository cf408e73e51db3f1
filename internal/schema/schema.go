// Package schema is the event schema catalog: per-type versioned validators
// plus a forward-only migration chain applied at read time. Stored events are
// never rewritten; old payloads are upcast as they are read.
package schema

import (
	"encoding/json"
	"sync"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// ValidateFunc reports whether a payload conforms to a schema version.
type ValidateFunc func(payload map[string]interface{}) bool

// MigrateFunc transforms a payload from one schema version to the next.
type MigrateFunc func(payload map[string]interface{}) map[string]interface{}

// Schema describes one version of one event type.
type Schema struct {
	Type        string
	Version     int
	Description string
	Source      models.EventSource
	Validate    ValidateFunc
}

// Catalog holds the current schema per event type and the migration steps
// between versions. Safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	schemas    map[string]Schema
	migrations map[string]map[int]MigrateFunc // type -> fromVersion -> step
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		schemas:    make(map[string]Schema),
		migrations: make(map[string]map[int]MigrateFunc),
	}
}

// Register installs a schema. Re-registering the same version is a no-op;
// a higher version replaces the current schema and keeps the migration chain.
// Downgrades are rejected.
func (c *Catalog) Register(s Schema) error {
	if s.Type == "" {
		return errs.E(errs.InvalidInput, "schema type must not be empty")
	}
	if s.Version < 1 {
		return errs.E(errs.InvalidInput, "schema version must be >= 1, got %d", s.Version)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.schemas[s.Type]; ok {
		if s.Version == existing.Version {
			return nil
		}
		if s.Version < existing.Version {
			return errs.E(errs.InvalidInput, "schema %s already at version %d, cannot register version %d", s.Type, existing.Version, s.Version)
		}
	}
	c.schemas[s.Type] = s
	return nil
}

// RegisterMigration installs the step that lifts payloads of the given type
// from fromVersion to fromVersion+1.
func (c *Catalog) RegisterMigration(eventType string, fromVersion int, fn MigrateFunc) error {
	if eventType == "" {
		return errs.E(errs.InvalidInput, "migration type must not be empty")
	}
	if fromVersion < 1 {
		return errs.E(errs.InvalidInput, "migration fromVersion must be >= 1, got %d", fromVersion)
	}
	if fn == nil {
		return errs.E(errs.InvalidInput, "migration function must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	steps, ok := c.migrations[eventType]
	if !ok {
		steps = make(map[int]MigrateFunc)
		c.migrations[eventType] = steps
	}
	steps[fromVersion] = fn
	return nil
}

// CurrentVersion reports the registered version for a type, 0 if unknown.
func (c *Catalog) CurrentVersion(eventType string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemas[eventType].Version
}

// Validate runs the current schema's validator. Unknown types and schemas
// without a validator pass.
func (c *Catalog) Validate(eventType string, payload map[string]interface{}) bool {
	c.mu.RLock()
	s, ok := c.schemas[eventType]
	c.mu.RUnlock()
	if !ok || s.Validate == nil {
		return true
	}
	return s.Validate(payload)
}

// Migrate lifts a payload from fromVersion to the current version. Payloads
// already current, ahead of the catalog, or of an unknown type pass through
// unchanged (same reference). A gap in the migration chain is an error.
func (c *Catalog) Migrate(eventType string, payload map[string]interface{}, fromVersion int) (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schemas[eventType]
	if !ok || fromVersion >= s.Version {
		return payload, nil
	}

	steps := c.migrations[eventType]
	out := payload
	for v := fromVersion; v < s.Version; v++ {
		fn, ok := steps[v]
		if !ok {
			return nil, errs.E(errs.SchemaMigration, "missing migration for %s from version %d to %d", eventType, v, v+1)
		}
		out = fn(out)
	}
	return out, nil
}

// Upcast lifts a stored event to the current schema version. When no change
// is needed the same event is returned; otherwise a new event carrying the
// migrated payload and the original metadata.
func (c *Catalog) Upcast(event models.DomainEvent, storedVersion int) (models.DomainEvent, error) {
	migrated, err := c.Migrate(event.Type, event.Payload, storedVersion)
	if err != nil {
		return models.DomainEvent{}, err
	}
	if sameMap(migrated, event.Payload) {
		return event, nil
	}
	return models.DomainEvent{
		Type:     event.Type,
		Metadata: event.Metadata,
		Payload:  migrated,
	}, nil
}

// CreateVersionedEvent builds an event whose payload carries its schema
// version under the reserved key.
func CreateVersionedEvent(eventType string, meta models.EventMetadata, payload map[string]interface{}, schemaVersion int) models.DomainEvent {
	versioned := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		versioned[k] = v
	}
	versioned[models.SchemaVersionKey] = schemaVersion
	return models.DomainEvent{Type: eventType, Metadata: meta, Payload: versioned}
}

// GetSchemaVersion reads the embedded schema version, treating legacy
// payloads (missing, non-integer, zero, or negative) as version 1.
func GetSchemaVersion(event models.DomainEvent) int {
	raw, ok := event.Payload[models.SchemaVersionKey]
	if !ok {
		return 1
	}
	v := 0
	switch n := raw.(type) {
	case int:
		v = n
	case int64:
		v = int(n)
	case float64:
		if n == float64(int(n)) {
			v = int(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			v = int(i)
		}
	}
	if v < 1 {
		return 1
	}
	return v
}

func sameMap(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	// Reference comparison: migrations that change nothing return their input.
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !sameValue(va, vb) {
			return false
		}
	}
	return true
}

func sameValue(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		return ok && sameMap(av, bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
