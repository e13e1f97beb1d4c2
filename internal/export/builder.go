package export

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/obmen/internal/hook"
	"github.com/roach88/obmen/internal/names"
	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/rules"
	"github.com/roach88/obmen/internal/tree"
	"github.com/roach88/obmen/internal/wire"
)

// builder walks the record graph and grows the export tree. It owns
// the discovery cache; the serializer never sees it.
type builder struct {
	eng   *Engine
	rs    *rules.RuleSet
	arena *tree.Arena
	cache *tree.Cache
	roots []tree.Handle
}

func newBuilder(e *Engine, rs *rules.RuleSet) *builder {
	return &builder{
		eng:   e,
		rs:    rs,
		arena: tree.NewArena(),
		cache: tree.NewCache(),
	}
}

// exportObject converts one record through a rule into a tree node and
// returns its handle. A second call for the same rule and record
// returns the cached handle, which is what keeps reference cycles
// finite. The returned node is usually an Object; rules targeting an
// enumeration collapse to a scalar Property instead.
func (b *builder) exportObject(ctx context.Context, rec record.Record, rule *rules.ConversionRule, typeName string, topLevel bool) (tree.Handle, error) {
	if rule == nil || rule.Disabled {
		b.eng.log.Error("conversion rule not set or disabled",
			"model", rec.Model, "res_id", int64(rec.ID), "type", typeName)
		return tree.None, nil
	}

	key := tree.Key{RuleCode: rule.Code, Model: rec.Model, RecID: int64(rec.ID)}
	if h := b.cache.Lookup(key); h != tree.None {
		return h, nil
	}

	// Once per object: the cache lookup above already short-circuits
	// repeat visits, so a record reached again through a reference
	// never re-runs its hooks.
	if fn, ok := b.eng.hooks.BeforeProcess(rule.Code); ok {
		obj := &hook.ExportObject{Model: rec.Model, ID: rec.ID, Fields: rec.Fields}
		if err := fn(ctx, obj); err != nil {
			return tree.None, fmt.Errorf("before-process hook for rule %s: %w", rule.Code, err)
		}
	}
	if fn, ok := b.eng.hooks.Export(rule.Code); ok {
		obj := &hook.ExportObject{Model: rec.Model, ID: rec.ID, Fields: rec.Fields}
		if err := fn(ctx, obj); err != nil {
			return tree.None, fmt.Errorf("export hook for rule %s: %w", rule.Code, err)
		}
		if obj.Skip {
			b.eng.log.Debug("object skipped by export hook",
				"rule", rule.Code, "model", rec.Model, "res_id", int64(rec.ID))
			return tree.None, nil
		}
	}

	h := b.arena.New(tree.Node{
		Kind:        tree.KindObject,
		Model:       rec.Model,
		RecID:       int64(rec.ID),
		Type:        rule.TargetType,
		RuleCode:    rule.Code,
		NoReplace:   rule.NoReplace,
		DontCreate:  rule.DontCreate,
		RefUUIDOnly: rule.ByRefUUIDOnly,
	})
	b.cache.Store(key, h)
	if topLevel {
		b.roots = append(b.roots, h)
	}

	u, err := b.eng.ident.GetOrCreate(ctx, rec.Model, int64(rec.ID))
	if err != nil {
		return tree.None, err
	}
	b.arena.At(h).UUID = u
	uuidKey := b.arena.New(tree.Node{
		Kind:  tree.KindProperty,
		Name:  wire.SearchKeyUUID,
		Type:  "Строка",
		Value: u,
	})
	b.arena.At(h).LinkKeys = append(b.arena.At(h).LinkKeys, uuidKey)

	for _, line := range rule.Lines {
		if line.Disabled {
			continue
		}
		lh, err := b.buildLine(ctx, rec, line)
		if err != nil {
			return tree.None, err
		}
		if lh == tree.None {
			continue
		}
		node := b.arena.At(h)
		if line.Search && !line.IsGroup {
			node.LinkKeys = append(node.LinkKeys, lh)
		} else {
			node.Children = append(node.Children, lh)
		}
	}

	if strings.HasPrefix(rule.TargetType, wire.KindEnum+".") {
		return b.collapseEnum(h, rule), nil
	}
	return h, nil
}

// collapseEnum turns an object targeting a 1C enumeration into a plain
// scalar property: enumerations are not objects on the 1C side, so the
// first available value travels as the property value. The collapsed
// handle replaces the object in the cache so every reference shares it.
func (b *builder) collapseEnum(h tree.Handle, rule *rules.ConversionRule) tree.Handle {
	obj := b.arena.At(h)
	var val any
	for _, c := range obj.Children {
		if n := b.arena.At(c); n.Kind == tree.KindProperty && n.Value != nil {
			val = n.Value
			break
		}
	}
	if val == nil {
		for _, k := range obj.LinkKeys {
			if n := b.arena.At(k); n.Name != wire.SearchKeyUUID && n.Value != nil {
				val = n.Value
				break
			}
		}
	}
	collapsed := b.arena.New(tree.Node{
		Kind:  tree.KindProperty,
		Type:  rule.TargetType,
		Value: val,
	})
	b.cache.Store(tree.Key{RuleCode: rule.Code, Model: obj.Model, RecID: obj.RecID}, collapsed)
	b.eng.log.Debug("enumeration rule collapsed object to value",
		"rule", rule.Code, "type", rule.TargetType)
	return collapsed
}

// buildLine converts one rule line against a record. Returns None when
// the line produces nothing.
func (b *builder) buildLine(ctx context.Context, rec record.Record, line *rules.RuleLine) (tree.Handle, error) {
	if line.IsGroup {
		return b.buildTable(ctx, rec, line)
	}
	if line.SourceName == "" {
		if line.TargetName == "" && line.ExportParam == "" {
			b.eng.log.Error("rule line without destination name", "line", line.Code)
			return tree.None, nil
		}
		// Source-less lines exist for hook-computed values; without a
		// registered hook there is nothing to send.
		b.eng.log.Error("rule line without source name",
			"line", line.Code, "destination", line.TargetName)
		return tree.None, nil
	}

	fieldName, _ := names.FromWire(line.SourceName)
	schema, ok := b.eng.records.Schema(rec.Model)
	if !ok {
		return tree.None, &record.UnknownModelError{Model: rec.Model}
	}
	field, ok := schema.Fields[fieldName]
	if !ok {
		return tree.None, fmt.Errorf("field %q not in model %q fields (rule line %s)",
			fieldName, rec.Model, line.Code)
	}
	val := rec.Get(fieldName)

	switch field.Kind {
	case record.KindToOne:
		return b.buildReference(ctx, val, field, line)
	case record.KindToMany:
		ids, _ := val.([]record.ID)
		if len(ids) == 0 {
			return tree.None, nil
		}
		if len(ids) > 1 {
			b.eng.log.Error("multi-row field exported into single property, first row used",
				"field", fieldName, "rows", len(ids), "destination", line.TargetName)
		}
		return b.buildReference(ctx, ids[0], field, line)
	default:
		// Boolean false is a real value only on boolean fields; on any
		// other kind it is the store's way of saying "unset".
		if fb, isBool := val.(bool); isBool && !fb && field.Kind != record.KindBool {
			val = nil
		}
		return b.arena.New(tree.Node{
			Kind:      tree.KindProperty,
			Name:      line.TargetName,
			Type:      line.TargetType,
			Value:     val,
			NoReplace: line.NoReplace,
			ParamName: line.ExportParam,
		}), nil
	}
}

// buildReference exports a to-one value (or the degraded first row of
// a to-many) as a reference property.
func (b *builder) buildReference(ctx context.Context, val any, field record.Field, line *rules.RuleLine) (tree.Handle, error) {
	empty := func() tree.Handle {
		return b.arena.New(tree.Node{
			Kind:      tree.KindProperty,
			Name:      line.TargetName,
			Type:      line.TargetType,
			NoReplace: line.NoReplace,
			ParamName: line.ExportParam,
		})
	}

	id, ok := val.(record.ID)
	if !ok || id == 0 {
		return empty(), nil
	}
	sub := b.subRule(line)
	if sub == nil {
		b.eng.log.Error("no conversion rule for referenced field",
			"line", line.Code, "relation", field.Relation, "type", line.TargetType)
		return empty(), nil
	}
	target, err := b.eng.records.Get(ctx, field.Relation, id)
	if err != nil {
		var nf *record.NotFoundError
		if errors.As(err, &nf) {
			b.eng.log.Warn("dangling reference dropped",
				"relation", field.Relation, "res_id", int64(id))
			return empty(), nil
		}
		return tree.None, err
	}

	objH, err := b.exportObject(ctx, target, sub, line.TargetType, false)
	if err != nil {
		return tree.None, err
	}
	if objH == tree.None {
		return tree.None, nil
	}

	if b.arena.At(objH).Kind == tree.KindProperty {
		// Enumeration collapse: reuse the value under this line's name.
		n := *b.arena.At(objH)
		n.Name = line.TargetName
		n.ParamName = line.ExportParam
		n.NoReplace = line.NoReplace
		return b.arena.New(n), nil
	}
	return b.arena.New(tree.Node{
		Kind:      tree.KindProperty,
		Name:      line.TargetName,
		Type:      sub.TargetType,
		RuleCode:  sub.Code,
		Ref:       objH,
		NoReplace: line.NoReplace,
		ParamName: line.ExportParam,
	}), nil
}

// buildTable exports a group line as a tabular section, one Запись per
// row.
func (b *builder) buildTable(ctx context.Context, rec record.Record, line *rules.RuleLine) (tree.Handle, error) {
	fieldName, _ := names.FromWire(line.SourceName)
	schema, ok := b.eng.records.Schema(rec.Model)
	if !ok {
		return tree.None, &record.UnknownModelError{Model: rec.Model}
	}
	field, ok := schema.Fields[fieldName]
	if !ok {
		return tree.None, fmt.Errorf("field %q not in model %q fields (rule line %s)",
			fieldName, rec.Model, line.Code)
	}
	ids, _ := rec.Get(fieldName).([]record.ID)
	if len(ids) == 0 {
		return tree.None, nil
	}

	var rows []tree.Handle
	for _, id := range ids {
		rowRec, err := b.eng.records.Get(ctx, field.Relation, id)
		if err != nil {
			var nf *record.NotFoundError
			if errors.As(err, &nf) {
				b.eng.log.Warn("tabular section row no longer exists",
					"relation", field.Relation, "res_id", int64(id))
				continue
			}
			return tree.None, err
		}
		rowH, err := b.buildRow(ctx, rowRec, line)
		if err != nil {
			return tree.None, err
		}
		if rowH != tree.None {
			rows = append(rows, rowH)
		}
	}
	if len(rows) == 0 {
		return tree.None, nil
	}
	return b.arena.New(tree.Node{
		Kind:     tree.KindTable,
		Name:     line.TargetName,
		Children: rows,
	}), nil
}

func (b *builder) buildRow(ctx context.Context, rowRec record.Record, group *rules.RuleLine) (tree.Handle, error) {
	h := b.arena.New(tree.Node{Kind: tree.KindRow})
	for _, child := range group.Children {
		if child.Disabled {
			continue
		}
		ch, err := b.buildLine(ctx, rowRec, child)
		if err != nil {
			return tree.None, err
		}
		if ch != tree.None {
			b.arena.At(h).Children = append(b.arena.At(h).Children, ch)
		}
	}
	return h, nil
}

// subRule resolves the conversion rule a line converts its referenced
// object with: the line's explicit rule wins, the destination type is
// the fallback.
func (b *builder) subRule(line *rules.RuleLine) *rules.ConversionRule {
	if line.SubRule != nil && !line.SubRule.Disabled {
		return line.SubRule
	}
	if line.TargetType != "" {
		if r, ok := b.rs.RuleForType(line.TargetType); ok {
			return r
		}
	}
	return nil
}
