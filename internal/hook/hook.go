// Package hook runs the custom logic attached to conversion rules.
//
// 1C rule files carry handler code in ПередВыгрузкой, ПриВыгрузке, and
// ПослеЗагрузки elements. That code is written for the 1C side and is
// never executed here; on this side the handler name binds to a typed
// Go callback registered in a Registry. Выражение values in exchange
// files are the one place arbitrary logic does run, and those go
// through a CUE evaluator that can compute values but cannot touch the
// process.
package hook

import (
	"context"
	"sync"

	"github.com/roach88/obmen/internal/record"
)

// ExportObject is the mutable view an export hook gets of the object
// about to be serialized. Setting Skip drops the object from the
// export.
type ExportObject struct {
	Model  string
	ID     record.ID
	Fields map[string]any
	Skip   bool
}

// ExportHook runs before an object is serialized.
type ExportHook func(ctx context.Context, obj *ExportObject) error

// ImportHook runs after an object has been written to the store.
type ImportHook func(ctx context.Context, s record.Store, model string, id record.ID) error

// Registry binds rule codes to callbacks. A nil *Registry is valid and
// has no hooks.
type Registry struct {
	mu            sync.RWMutex
	beforeProcess map[string]ExportHook
	onExport      map[string]ExportHook
	afterImport   map[string]ImportHook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		beforeProcess: make(map[string]ExportHook),
		onExport:      make(map[string]ExportHook),
		afterImport:   make(map[string]ImportHook),
	}
}

// OnBeforeProcess registers the rule's pre-processing export hook,
// run once for every object the rule converts.
func (r *Registry) OnBeforeProcess(ruleCode string, fn ExportHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeProcess[ruleCode] = fn
}

// OnExport registers the rule's per-object export hook.
func (r *Registry) OnExport(ruleCode string, fn ExportHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExport[ruleCode] = fn
}

// OnAfterImport registers the rule's post-import hook.
func (r *Registry) OnAfterImport(ruleCode string, fn ImportHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterImport[ruleCode] = fn
}

// BeforeProcess returns the pre-processing hook for a rule.
func (r *Registry) BeforeProcess(ruleCode string) (ExportHook, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.beforeProcess[ruleCode]
	return fn, ok
}

// Export returns the per-object hook for a rule.
func (r *Registry) Export(ruleCode string) (ExportHook, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.onExport[ruleCode]
	return fn, ok
}

// AfterImport returns the post-import hook for a rule.
func (r *Registry) AfterImport(ruleCode string) (ImportHook, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.afterImport[ruleCode]
	return fn, ok
}
