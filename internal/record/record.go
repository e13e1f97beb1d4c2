// Package record defines the engine's view of the record store it
// synchronizes: typed schemas, records, search conditions, the Store
// interface, and the mutation-observer middleware that change tracking
// hangs off.
//
// The store itself lives outside this module. The package ships an
// in-memory implementation (MemStore) used by tests and the demo CLI
// path; production deployments adapt their own backend to Store.
package record

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ID identifies a record within its model.
type ID int64

// Kind classifies a field.
type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindDate      // stored as time.Time
	KindBinary    // stored as []byte
	KindSelection // stored as string, drawn from a fixed set
	KindToOne     // stored as ID
	KindToMany    // stored as []ID
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindBinary:
		return "binary"
	case KindSelection:
		return "selection"
	case KindToOne:
		return "to_one"
	case KindToMany:
		return "to_many"
	}
	return "unknown"
}

// Relational reports whether the kind points at other records.
func (k Kind) Relational() bool { return k == KindToOne || k == KindToMany }

// Field describes one field of a model.
type Field struct {
	Name     string
	Kind     Kind
	Relation string // target model for ToOne/ToMany
}

// Schema describes a model: its dot-separated name and its fields.
type Schema struct {
	Model  string
	Fields map[string]Field
}

// FieldNames returns the schema's field names in sorted order.
func (s Schema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Record is one row of a model. Field values use a fixed set of Go
// types keyed by Kind: string, int64, float64, bool, time.Time,
// []byte, ID, and []ID. Absent fields read as nil.
type Record struct {
	Model  string
	ID     ID
	Fields map[string]any
}

// Get returns a field value, nil if unset.
func (r Record) Get(name string) any { return r.Fields[name] }

// Registry is an explicit table of model schemas. Lookups fail loudly
// instead of guessing, so a rule naming an unknown model surfaces as an
// error rather than a silent no-op.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds or replaces a model schema.
func (r *Registry) Register(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Model] = s
}

// Schema looks up a model. The second return is false when the model
// is not registered.
func (r *Registry) Schema(model string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[model]
	return s, ok
}

// Models returns registered model names in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for m := range r.schemas {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ValueKind reports the Kind a runtime value corresponds to, for
// diagnostics.
func ValueKind(v any) Kind {
	switch v.(type) {
	case string:
		return KindString
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case time.Time:
		return KindDate
	case []byte:
		return KindBinary
	case ID:
		return KindToOne
	case []ID:
		return KindToMany
	}
	return KindUnknown
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Model string
	ID    ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record not found: %s(%d)", e.Model, e.ID)
}

// UnknownModelError reports a model absent from the registry.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %s", e.Model)
}
