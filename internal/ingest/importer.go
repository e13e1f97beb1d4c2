// Package ingest loads 1C exchange files into the record store.
//
// Files are read object by object off a streaming decoder; nothing
// forces the whole file into memory. Each Объект is matched against
// existing records (UUID first, search keys second), then created or
// updated, and its Нпп goes into an object-number cache so later
// references resolve without rereading.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/roach88/obmen/internal/hook"
	"github.com/roach88/obmen/internal/identity"
	"github.com/roach88/obmen/internal/names"
	"github.com/roach88/obmen/internal/record"
	"github.com/roach88/obmen/internal/store"
	"github.com/roach88/obmen/internal/track"
	"github.com/roach88/obmen/internal/wire"
)

// notLoaded marks an object number whose record could not be found or
// created. References to it are dropped instead of guessed.
const notLoaded = int64(-1)

// Importer loads exchange files.
type Importer struct {
	records record.Store
	ident   *identity.Service
	hooks   *hook.Registry
	eval    *hook.Evaluator
	log     *slog.Logger

	force bool
	batch int
}

// Option configures an Importer.
type Option func(*Importer)

// WithForce makes per-object failures log-and-continue instead of
// aborting the file.
func WithForce(force bool) Option {
	return func(im *Importer) { im.force = force }
}

// WithHooks attaches a hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(im *Importer) { im.hooks = r }
}

// WithBatchSize sets how many objects load between progress log lines.
func WithBatchSize(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.batch = n
		}
	}
}

// New creates an importer.
func New(records record.Store, ident *identity.Service, log *slog.Logger, opts ...Option) *Importer {
	im := &Importer{
		records: records,
		ident:   ident,
		eval:    hook.NewEvaluator(),
		log:     log,
		batch:   500,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Stats counts what one file did to the store.
type Stats struct {
	Objects int
	Created int
	Updated int
	Skipped int
}

// LoadFile loads one exchange file from disk.
func (im *Importer) LoadFile(ctx context.Context, path string) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exchange file: %w", err)
	}
	defer f.Close()
	im.log.Info("loading exchange file", "path", path)
	return im.LoadData(ctx, f)
}

// LoadData loads an exchange file from r. Writes made here never mark
// records for re-export; the data came from the other side already.
func (im *Importer) LoadData(ctx context.Context, r io.Reader) (*Stats, error) {
	ctx = track.WithSuppressed(ctx)
	p := newParser(newBOMReader(r), im.eval, im.log)
	cache := make(map[int]int64)
	stats := &Stats{}

	for {
		obj, err := p.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		if err := im.loadObject(ctx, obj, p.rules, cache, stats); err != nil {
			if !im.force {
				return stats, fmt.Errorf("object %d: %w", obj.npp, err)
			}
			im.log.Error("object failed, forced load continues", "npp", obj.npp, "err", err)
			stats.Skipped++
		}
		stats.Objects++
		if stats.Objects%im.batch == 0 {
			im.log.Info("loading progress", "objects", stats.Objects, "npp", obj.npp)
		}
	}
	im.log.Info("exchange file loaded",
		"objects", stats.Objects, "created", stats.Created,
		"updated", stats.Updated, "skipped", stats.Skipped)
	return stats, nil
}

// match is the outcome of resolving one object against the store.
type match struct {
	id   record.ID // 0 when no existing record matched
	link store.Link
	rule *ruleInfo
	uuid string
	name string
	skip bool // duplicates found, leave them alone
}

func (im *Importer) loadObject(ctx context.Context, obj *node, rules map[string]*ruleInfo, cache map[int]int64, stats *Stats) error {
	if obj.typ == "" {
		return errors.New("object without a type")
	}
	model, _ := names.FromWire(obj.typ)
	if obj.ruleName == "" {
		im.log.Error("object without a rule name", "npp", obj.npp, "type", obj.typ)
		return nil
	}
	schema, ok := im.records.Schema(model)
	if !ok {
		return &record.UnknownModelError{Model: model}
	}

	m, fields, tables, err := im.prepare(ctx, model, schema, obj, rules, cache, 1)
	if err != nil {
		return err
	}
	if m == nil || m.skip {
		if obj.npp > 0 {
			cache[obj.npp] = notLoaded
		}
		stats.Skipped++
		return nil
	}
	if len(fields) == 0 && len(tables) == 0 {
		im.log.Debug("object carries no data", "npp", obj.npp, "model", model)
		if obj.npp > 0 {
			cache[obj.npp] = idOrNotLoaded(m.id)
		}
		return nil
	}
	if _, ok := fields["name"]; !ok && m.name != "" {
		if _, has := schema.Fields["name"]; has {
			fields["name"] = m.name
		}
	}

	id := m.id
	link := obj.child(wire.ElemLink)
	switch {
	case id != 0:
		if obj.noRefill {
			im.log.Debug("existing object left as is", "npp", obj.npp, "model", model, "res_id", int64(id))
		} else {
			cur, err := im.records.Get(ctx, model, id)
			if err != nil {
				return err
			}
			if im.changed(schema, cur, fields) || len(tables) > 0 {
				if err := im.records.Update(ctx, model, id, fields); err != nil {
					return fmt.Errorf("update %s(%d): %w", model, int64(id), err)
				}
				stats.Updated++
			} else {
				im.log.Debug("object unchanged", "npp", obj.npp, "model", model, "res_id", int64(id))
			}
		}
	case link == nil || !link.dontCreate:
		id, err = im.records.Create(ctx, model, fields)
		if err != nil {
			return fmt.Errorf("create %s: %w", model, err)
		}
		im.log.Debug("object created", "npp", obj.npp, "model", model, "res_id", int64(id), "uuid", m.uuid)
		stats.Created++
	default:
		im.log.Debug("object not found and creation suppressed", "npp", obj.npp, "model", model)
	}

	if obj.npp > 0 {
		cache[obj.npp] = idOrNotLoaded(id)
	}
	if id == 0 {
		return nil
	}
	if !obj.noRefill || m.id == 0 {
		if err := im.applyTables(ctx, model, schema, id, tables); err != nil {
			return err
		}
	}
	if m.uuid != "" {
		if err := im.ident.Bind(ctx, m.uuid, model, int64(id), m.link); err != nil {
			return err
		}
	}
	if fn, ok := im.hooks.AfterImport(obj.ruleName); ok {
		if err := fn(ctx, im.records, model, id); err != nil {
			im.log.Error("after-import hook failed",
				"rule", obj.ruleName, "model", model, "res_id", int64(id), "err", err)
		}
	}
	return nil
}

// prepare resolves an object and converts its payload into store
// fields. Table sections come back separately; their rows only exist
// once the owner does.
func (im *Importer) prepare(ctx context.Context, model string, schema record.Schema, obj *node, rules map[string]*ruleInfo, cache map[int]int64, depth int) (*match, map[string]any, map[string][]map[string]any, error) {
	if depth > 100 {
		return nil, nil, nil, errors.New("reference nesting too deep, data is likely cyclic")
	}

	var m *match
	items := obj.children
	if link := obj.child(wire.ElemLink); link != nil {
		var err error
		m, err = im.resolve(ctx, model, obj.ruleName, link.children, rules, cache, depth)
		if err != nil {
			return nil, nil, nil, err
		}
		if m == nil {
			return nil, nil, nil, nil
		}
		// Search keys double as payload for a created record.
		items = append(append([]*node{}, items...), link.children...)
	}

	fields := make(map[string]any)
	tables := make(map[string][]map[string]any)
	for _, item := range items {
		switch item.elem {
		case wire.ElemLink:
			// already consumed
		case wire.ElemProperty, wire.ElemParamValue:
			if err := im.prepareProperty(ctx, model, schema, item, m, fields, rules, cache, depth); err != nil {
				return nil, nil, nil, err
			}
		case wire.ElemTable:
			if err := im.prepareTable(ctx, schema, item, tables, rules, cache, depth); err != nil {
				return nil, nil, nil, err
			}
		default:
			im.log.Error("unknown element in object", "element", item.elem)
		}
	}
	return m, fields, tables, nil
}

func (im *Importer) prepareProperty(ctx context.Context, model string, schema record.Schema, item *node, m *match, fields map[string]any, rules map[string]*ruleInfo, cache map[int]int64, depth int) error {
	if item.name == wire.SearchKeyUUID {
		return nil
	}
	if item.name == "" {
		im.log.Debug("property without a name skipped", "type", item.typ)
		return nil
	}
	if item.noRefill && m != nil && m.id != 0 {
		im.log.Debug("field locked against refill for existing record",
			"field", item.name, "model", model)
		return nil
	}
	field, ok := schema.Fields[item.name]
	if !ok {
		im.log.Error("field not in model", "field", item.name, "model", model)
		return nil
	}

	if item.hasValue {
		fields[item.name] = coerce(field, item.value)
		return nil
	}
	if len(item.children) == 0 {
		im.log.Debug("property without payload", "field", item.name, "model", model)
		return nil
	}

	// Reference payload.
	if !field.Kind.Relational() {
		im.log.Error("reference payload for non-relational field",
			"field", item.name, "model", model)
		return nil
	}
	id, err := im.resolveReference(ctx, field, item, rules, cache, depth)
	if err != nil {
		return err
	}
	if id == notLoaded {
		im.log.Debug("reference target not loaded, field left unset",
			"field", item.name, "model", model)
		return nil
	}
	if field.Kind == record.KindToMany {
		// Full replacement, same as table sections.
		fields[item.name] = []record.ID{record.ID(id)}
	} else {
		fields[item.name] = record.ID(id)
	}
	return nil
}

// resolveReference turns a reference property into a record id. The
// object-number cache is first; a reference without a cached object
// falls back to searching by the embedded keys.
func (im *Importer) resolveReference(ctx context.Context, field record.Field, item *node, rules map[string]*ruleInfo, cache map[int]int64, depth int) (int64, error) {
	link := item.child(wire.ElemLink)
	if link == nil {
		im.log.Error("reference property without a link block", "field", item.name)
		return notLoaded, nil
	}
	if link.npp > 0 {
		if id, ok := cache[link.npp]; ok {
			return id, nil
		}
		// Objects exported by reference only never appear as a root
		// Объект, so a cache miss here is expected for them.
		im.log.Debug("referenced object not in cache, searching by keys",
			"npp", link.npp, "field", item.name)
	}

	if _, ok := im.records.Schema(field.Relation); !ok {
		im.log.Error("reference to unknown model", "model", field.Relation, "field", item.name)
		return notLoaded, nil
	}
	sub, err := im.resolve(ctx, field.Relation, "", link.children, rules, cache, depth+1)
	if err != nil {
		return 0, err
	}
	if sub == nil || sub.skip || sub.id == 0 {
		if !im.force && link.npp > 0 {
			return 0, fmt.Errorf("referenced object %d not found; it may appear later in the file", link.npp)
		}
		return notLoaded, nil
	}
	return int64(sub.id), nil
}

func (im *Importer) prepareTable(ctx context.Context, schema record.Schema, item *node, tables map[string][]map[string]any, rules map[string]*ruleInfo, cache map[int]int64, depth int) error {
	if item.name == "" {
		im.log.Error("table section without a name")
		return nil
	}
	field, ok := schema.Fields[item.name]
	if !ok || field.Kind != record.KindToMany {
		im.log.Error("table section needs a to-many field", "field", item.name, "model", schema.Model)
		return nil
	}
	rowSchema, ok := im.records.Schema(field.Relation)
	if !ok {
		im.log.Error("table rows reference unknown model", "model", field.Relation)
		return nil
	}

	rows := []map[string]any{}
	for _, rowNode := range item.children {
		if rowNode.elem != wire.ElemRow || len(rowNode.children) == 0 {
			continue
		}
		_, rowFields, _, err := im.prepare(ctx, field.Relation, rowSchema, rowNode, rules, cache, depth+1)
		if err != nil {
			return err
		}
		rows = append(rows, rowFields)
	}
	tables[item.name] = rows
	return nil
}

// applyTables replaces table-section rows wholesale: old rows are
// deleted, new ones created, and the owner repointed. Row-level
// matching is impossible without row identity on the wire.
func (im *Importer) applyTables(ctx context.Context, model string, schema record.Schema, id record.ID, tables map[string][]map[string]any) error {
	for fieldName, rows := range tables {
		field := schema.Fields[fieldName]
		cur, err := im.records.Get(ctx, model, id)
		if err != nil {
			return err
		}
		if old, ok := cur.Get(fieldName).([]record.ID); ok {
			for _, oldID := range old {
				if err := im.records.Unlink(ctx, field.Relation, oldID); err != nil {
					im.log.Error("cannot clear table row",
						"model", field.Relation, "res_id", int64(oldID), "err", err)
				}
			}
		}
		newIDs := make([]record.ID, 0, len(rows))
		for _, rowFields := range rows {
			rowID, err := im.records.Create(ctx, field.Relation, rowFields)
			if err != nil {
				return fmt.Errorf("create table row in %s: %w", field.Relation, err)
			}
			newIDs = append(newIDs, rowID)
		}
		if err := im.records.Update(ctx, model, id, map[string]any{fieldName: newIDs}); err != nil {
			return fmt.Errorf("repoint table rows of %s(%d): %w", model, int64(id), err)
		}
	}
	return nil
}

// resolve finds the existing record an object or reference stands for.
// UUID synchronization runs first; the search-key fallback runs when
// the rule allows it or when no rule governs the reference.
func (im *Importer) resolve(ctx context.Context, model, ruleName string, keys []*node, rules map[string]*ruleInfo, cache map[int]int64, depth int) (*match, error) {
	m := &match{rule: rules[ruleName]}
	uuidSync := true
	keysSync := len(keys) > 0
	if m.rule != nil {
		uuidSync = m.rule.syncByUUID
		keysSync = m.rule.searchByFields
	}
	if !uuidSync && !keysSync {
		// Nothing left to search by; keys are the only option.
		im.log.Warn("object declared unsearchable, falling back to key search", "model", model)
		keysSync = true
	}

	for _, k := range keys {
		if k.elem == wire.ElemProperty && k.name == wire.SearchKeyUUID {
			m.uuid, _ = k.value.(string)
			break
		}
	}
	for _, k := range keys {
		if k.elem == wire.ElemProperty && k.name == "name" && k.hasValue {
			m.name, _ = k.value.(string)
			break
		}
	}

	if uuidSync && m.uuid != "" {
		link, found, err := im.ident.Resolve(ctx, m.uuid, model)
		if err != nil {
			return nil, err
		}
		if found {
			m.link = link
			if _, err := im.records.Get(ctx, model, record.ID(link.ResID)); err == nil {
				m.id = record.ID(link.ResID)
			} else {
				var nf *record.NotFoundError
				if !errors.As(err, &nf) {
					return nil, err
				}
				im.log.Warn("uuid link points at a deleted record",
					"uuid", m.uuid, "model", model, "res_id", link.ResID)
			}
		}
	}

	if m.id == 0 && keysSync {
		if err := im.searchByKeys(ctx, model, keys, m, rules, cache, depth); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// searchByKeys matches by the search-key fields carried in the link
// block. Finding more than one record means existing duplicates; the
// object is skipped rather than guessed at.
func (im *Importer) searchByKeys(ctx context.Context, model string, keys []*node, m *match, rules map[string]*ruleInfo, cache map[int]int64, depth int) error {
	schema, ok := im.records.Schema(model)
	if !ok {
		im.log.Error("key search against unknown model", "model", model)
		return nil
	}
	var conds []record.Condition
	for _, k := range keys {
		if k.elem != wire.ElemProperty || k.name == wire.SearchKeyUUID {
			continue
		}
		if k.name == "" {
			im.log.Error("search key without a name", "model", model)
			continue
		}
		field, ok := schema.Fields[k.name]
		if !ok {
			im.log.Error("search key not in model fields", "field", k.name, "model", model)
			continue
		}
		switch {
		case k.hasValue:
			conds = append(conds, record.Eq(k.name, coerce(field, k.value)))
		case len(k.children) > 0 && field.Kind.Relational():
			id, err := im.resolveReference(ctx, field, k, rules, cache, depth)
			if err != nil {
				return err
			}
			if id == notLoaded {
				im.log.Error("cannot search by reference key, target not found",
					"field", k.name, "model", model)
				continue
			}
			conds = append(conds, record.Condition{Field: k.name, Op: record.OpIn, Value: []record.ID{record.ID(id)}})
		default:
			im.log.Error("unreadable search key", "field", k.name, "model", model)
		}
	}
	if len(conds) == 0 {
		im.log.Debug("no usable search keys", "model", model)
		return nil
	}
	ids, err := im.records.Find(ctx, model, conds, 0)
	if err != nil {
		return err
	}
	switch len(ids) {
	case 0:
	case 1:
		m.id = ids[0]
	default:
		im.log.Error("search keys match several records, object skipped",
			"model", model, "count", len(ids))
		m.skip = true
	}
	return nil
}

// changed reports whether writing fields would alter the record.
// Numbers compare through a fixed-format string so "22" from the wire
// equals 22.0 in the store.
func (im *Importer) changed(schema record.Schema, cur record.Record, fields map[string]any) bool {
	for name, newVal := range fields {
		field, ok := schema.Fields[name]
		if !ok {
			continue
		}
		if fieldDiffers(field, cur.Get(name), newVal) {
			im.log.Debug("field changed", "field", name, "model", cur.Model,
				"old", cur.Get(name), "new", newVal)
			return true
		}
	}
	return false
}

func fieldDiffers(field record.Field, cur, next any) bool {
	switch field.Kind {
	case record.KindFloat:
		return floatString(cur) != floatString(next)
	case record.KindString:
		return trimString(cur) != trimString(next)
	case record.KindDate:
		ct, cok := cur.(time.Time)
		nt, nok := next.(time.Time)
		if cok != nok {
			return true
		}
		return cok && !ct.Equal(nt)
	case record.KindToOne:
		ci, _ := cur.(record.ID)
		ni, _ := next.(record.ID)
		return ci != ni
	case record.KindToMany:
		co, _ := cur.([]record.ID)
		no, _ := next.([]record.ID)
		if len(co) != len(no) {
			return true
		}
		for i := range co {
			if co[i] != no[i] {
				return true
			}
		}
		return false
	default:
		if cur == nil && next == nil {
			return false
		}
		return cur != next
	}
}

// floatString renders a number the way the comparison needs it: fixed
// six decimals with trailing zeros and the dot stripped.
func floatString(v any) string {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
	s := strings.TrimRight(fmt.Sprintf("%f", f), "0")
	return strings.TrimRight(s, ".")
}

func trimString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// coerce aligns a decoded wire value with the field's declared kind.
// The wire says Число, the field may want a float; the store gets what
// the schema asks for.
func coerce(field record.Field, v any) any {
	switch field.Kind {
	case record.KindFloat:
		switch x := v.(type) {
		case int64:
			return float64(x)
		}
	case record.KindInt:
		switch x := v.(type) {
		case float64:
			return int64(x)
		}
	case record.KindBool:
		if v == nil {
			return false
		}
	case record.KindString, record.KindSelection:
		switch x := v.(type) {
		case int64:
			return fmt.Sprint(x)
		case float64:
			return fmt.Sprint(x)
		}
	}
	return v
}

func idOrNotLoaded(id record.ID) int64 {
	if id == 0 {
		return notLoaded
	}
	return int64(id)
}

// bomReader removes a UTF-8 byte order mark if the stream starts with
// one. xml.Decoder chokes on it otherwise.
type bomReader struct {
	r       io.Reader
	checked bool
	buf     []byte
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{r: r}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head := make([]byte, 3)
		n, err := io.ReadFull(b.r, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return 0, err
		}
		head = head[:n]
		if !strings.HasPrefix(string(head), "\xEF\xBB\xBF") {
			b.buf = head
		}
	}
	if len(b.buf) > 0 {
		n := copy(p, b.buf)
		b.buf = b.buf[n:]
		return n, nil
	}
	return b.r.Read(p)
}
