// Package track marks records dirty when the application writes them,
// so the next export knows what to send.
//
// The tracker is a record.Observer hung off the store middleware. Every
// create or update of a model selected by an enabled export rule drops
// a marker for that rule set. Deletes are deliberately not tracked:
// the exchange format has no deletion object, so removals never
// propagate to the other side.
package track

import (
	"context"
	"log/slog"

	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/store"
)

type suppressKey struct{}

// WithSuppressed returns a context under which mutations are not
// marked. The import path runs under it so that applying an incoming
// file does not immediately re-export everything it just wrote.
func WithSuppressed(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// Suppressed reports whether marking is off for this context.
func Suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// Tracker observes store mutations and records change markers.
type Tracker struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a tracker.
func New(st *store.Store, log *slog.Logger) *Tracker {
	return &Tracker{store: st, log: log}
}

// Observe implements record.Observer. Marking failures are logged and
// swallowed: a broken exchange database must never fail the
// application write that triggered it.
func (t *Tracker) Observe(ctx context.Context, m record.Mutation) {
	if m.Action == "unlink" {
		return
	}
	if Suppressed(ctx) {
		return
	}
	setIDs, err := t.store.RuleSetIDsForModel(ctx, m.Model)
	if err != nil {
		t.log.Error("change tracking lookup failed",
			"model", m.Model, "res_id", int64(m.ID), "error", err)
		return
	}
	for _, setID := range setIDs {
		if err := t.store.Mark(ctx, setID, m.Model, int64(m.ID)); err != nil {
			t.log.Error("change marking failed",
				"model", m.Model, "res_id", int64(m.ID),
				"rule_set", setID, "error", err)
		}
	}
}

// Wrap attaches the tracker to a record store.
func (t *Tracker) Wrap(s record.Store) record.Store {
	return record.WithObserver(s, t)
}
