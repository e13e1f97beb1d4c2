// Package export builds 1C exchange files from dirty records.
//
// An export run has two separate recursions that never share state:
// the builder walks the record graph and produces a tree of tagged
// nodes (cycle breaking by rule/record key), and the serializer walks
// that tree and produces XML (object ordering and Нпп numbering). Both
// passes are deterministic, so the same data and rules always yield
// the same file.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/obmen/internal/hook"
	"github.com/roach88/obmen/internal/identity"
	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/store"
)

// ErrNothingToExport is returned by interactive exports when no marked
// record survives to the file. Background runs treat the same state as
// an empty result instead.
var ErrNothingToExport = errors.New("nothing to export: mark objects to export first")

// Mode selects how an export reacts to an empty result.
type Mode int

const (
	// Interactive errors on an empty export so the operator sees it.
	Interactive Mode = iota
	// Background returns an empty result silently; schedulers run on a
	// cadence and empty runs are normal.
	Background
)

// Engine drives exports.
type Engine struct {
	records record.Store
	st      *store.Store
	ident   *identity.Service
	hooks   *hook.Registry
	log     *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks attaches a hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(e *Engine) { e.hooks = r }
}

// WithClock overrides the timestamp source. Tests use it to get stable
// output.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an export engine.
func New(records record.Store, st *store.Store, ident *identity.Service, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		records: records,
		st:      st,
		ident:   ident,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is one finished export.
type Result struct {
	Data     []byte         // the exchange file, nil when nothing was exported
	Objects  int            // objects serialized
	Consumed []store.Marker // markers to clear once the file is safely written
}

// ExportDirty builds the exchange file for every marked record of a
// rule set. Markers are NOT cleared here: the caller clears
// Result.Consumed only after the file has reached its destination, so
// a failed write leaves everything pending for the next run.
func (e *Engine) ExportDirty(ctx context.Context, ruleSetID int64, mode Mode) (*Result, error) {
	rs, err := e.st.LoadRuleSetByID(ctx, ruleSetID)
	if err != nil {
		return nil, err
	}
	if rs.UUID == "" || rs.SourceName == "" || rs.TargetName == "" {
		return nil, fmt.Errorf("rule set %s is incomplete: source, target and uuid are required", rs.UUID)
	}

	markers, err := e.st.Markers(ctx, ruleSetID)
	if err != nil {
		return nil, err
	}
	byModel := make(map[string][]store.Marker)
	for _, m := range markers {
		byModel[m.Model] = append(byModel[m.Model], m)
	}

	b := newBuilder(e, rs)
	var consumed []store.Marker

	for _, er := range rs.EnabledExportRules() {
		pending := byModel[er.Model]
		if len(pending) == 0 {
			continue
		}
		if _, ok := e.records.Schema(er.Model); !ok {
			e.log.Error("cannot export records of unknown model", "model", er.Model)
			continue
		}
		for _, m := range pending {
			rec, err := e.records.Get(ctx, m.Model, record.ID(m.ResID))
			if err != nil {
				var nf *record.NotFoundError
				if errors.As(err, &nf) {
					// Deleted since marking. Nothing to send; the
					// marker is still spent.
					e.log.Debug("marked record no longer exists",
						"model", m.Model, "res_id", m.ResID)
					consumed = append(consumed, m)
					continue
				}
				return nil, fmt.Errorf("fetch %s(%d): %w", m.Model, m.ResID, err)
			}
			if _, err := b.exportObject(ctx, rec, er.Rule, er.Rule.TargetType, true); err != nil {
				return nil, err
			}
			consumed = append(consumed, m)
		}
		delete(byModel, er.Model)
	}

	if len(b.roots) == 0 {
		if mode == Interactive {
			return nil, ErrNothingToExport
		}
		e.log.Info("no data for export", "rule_set", rs.UUID, "markers", len(consumed))
		return &Result{Consumed: consumed}, nil
	}

	data, objects, err := serialize(b.arena, b.roots, rs, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.log.Info("export finished",
		"rule_set", rs.UUID, "objects", objects, "bytes", len(data))
	return &Result{Data: data, Objects: objects, Consumed: consumed}, nil
}
