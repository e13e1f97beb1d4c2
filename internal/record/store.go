package record

import "context"

// Op is a condition operator.
type Op int

const (
	OpEq Op = iota
	OpIn
)

// Condition is one search predicate. All conditions of a Find are
// conjoined.
type Condition struct {
	Field string
	Op    Op
	Value any // for OpIn, a []ID
}

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// Store is the record backend the exchange engine reads and writes.
//
// Implementations must treat the fields map of Create and Update as the
// caller's property (copy, don't retain) and must return
// *NotFoundError from Get and Update for missing ids.
type Store interface {
	// Schema exposes the model registry.
	Schema(model string) (Schema, bool)

	// Find returns ids of records matching all conditions, in a
	// deterministic order. limit <= 0 means no limit.
	Find(ctx context.Context, model string, conds []Condition, limit int) ([]ID, error)

	// Get fetches one record.
	Get(ctx context.Context, model string, id ID) (Record, error)

	// Create inserts a record and returns its id.
	Create(ctx context.Context, model string, fields map[string]any) (ID, error)

	// Update writes the given fields of an existing record.
	Update(ctx context.Context, model string, id ID, fields map[string]any) error

	// Unlink deletes a record. Deleting a missing record is not an
	// error.
	Unlink(ctx context.Context, model string, id ID) error
}

// Mutation describes one completed write, delivered to observers after
// the store has applied it.
type Mutation struct {
	Action string // "create", "update", or "unlink"
	Model  string
	ID     ID
	Fields map[string]any // nil for unlink
}

// Observer receives mutations. Observer errors are the observer's
// problem: the wrapper never fails a store call because of one.
type Observer interface {
	Observe(ctx context.Context, m Mutation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, m Mutation)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, m Mutation) { f(ctx, m) }

// WithObserver wraps a Store so that every successful create, update,
// and unlink is reported to obs. Reads pass through untouched. This is
// the seam change tracking plugs into; stacking multiple observers is
// just nesting wrappers.
func WithObserver(s Store, obs Observer) Store {
	return &observedStore{inner: s, obs: obs}
}

type observedStore struct {
	inner Store
	obs   Observer
}

func (o *observedStore) Schema(model string) (Schema, bool) {
	return o.inner.Schema(model)
}

func (o *observedStore) Find(ctx context.Context, model string, conds []Condition, limit int) ([]ID, error) {
	return o.inner.Find(ctx, model, conds, limit)
}

func (o *observedStore) Get(ctx context.Context, model string, id ID) (Record, error) {
	return o.inner.Get(ctx, model, id)
}

func (o *observedStore) Create(ctx context.Context, model string, fields map[string]any) (ID, error) {
	id, err := o.inner.Create(ctx, model, fields)
	if err == nil {
		o.obs.Observe(ctx, Mutation{Action: "create", Model: model, ID: id, Fields: fields})
	}
	return id, err
}

func (o *observedStore) Update(ctx context.Context, model string, id ID, fields map[string]any) error {
	err := o.inner.Update(ctx, model, id, fields)
	if err == nil {
		o.obs.Observe(ctx, Mutation{Action: "update", Model: model, ID: id, Fields: fields})
	}
	return err
}

func (o *observedStore) Unlink(ctx context.Context, model string, id ID) error {
	err := o.inner.Unlink(ctx, model, id)
	if err == nil {
		o.obs.Observe(ctx, Mutation{Action: "unlink", Model: model, ID: id})
	}
	return err
}
