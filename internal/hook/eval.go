package hook

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Evaluator computes Выражение values. Expressions are CUE, compiled
// against an injected scope of the surrounding object's fields; they
// can combine and transform values but have no access to the process,
// the filesystem, or the store.
type Evaluator struct {
	cctx *cue.Context
}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cctx: cuecontext.New()}
}

// Eval compiles expr with scope bound as top-level identifiers and
// returns the result as a plain Go value: string, int64, float64,
// bool, or nil.
func (e *Evaluator) Eval(expr string, scope map[string]any) (any, error) {
	if scope == nil {
		scope = map[string]any{}
	}
	scopeVal := e.cctx.Encode(scope)
	if err := scopeVal.Err(); err != nil {
		return nil, fmt.Errorf("encode expression scope: %w", err)
	}

	v := e.cctx.CompileString(expr, cue.Scope(scopeVal))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, err)
	}
	v = v.Eval()
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expr, err)
	}

	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		return v.Int64()
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	}
	return nil, fmt.Errorf("expression %q yields unsupported kind %s", expr, v.Kind())
}
