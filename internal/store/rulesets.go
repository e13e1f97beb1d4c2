package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/obmen/internal/rules"
)

// ErrRuleSetNotFound is returned when a rule set lookup misses.
var ErrRuleSetNotFound = errors.New("rule set not found")

// SaveRuleSet upserts a loaded rule set keyed by its conversion UUID.
//
// Re-loading a rule file follows the 1C update model: all existing
// rules of the set are disabled first, then every rule present in the
// new file is upserted enabled with its lines rewritten from scratch.
// Rules that disappeared from the file stay in the database disabled.
// The rule set's database id is written back into rs.
func (s *Store) SaveRuleSet(ctx context.Context, rs *rules.RuleSet) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_sets (uuid, name, format_version, source_name, target_name, source_file, loaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				name = excluded.name,
				format_version = excluded.format_version,
				source_name = excluded.source_name,
				target_name = excluded.target_name,
				source_file = excluded.source_file,
				loaded_at = excluded.loaded_at`,
			rs.UUID, rs.Name, rs.FormatVersion, rs.SourceName, rs.TargetName,
			rs.SourceFile, rs.LoadedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert rule set %s: %w", rs.UUID, err)
		}

		var setID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM rule_sets WHERE uuid = ?`, rs.UUID).Scan(&setID); err != nil {
			return fmt.Errorf("lookup rule set id: %w", err)
		}
		rs.ID = setID

		if _, err := tx.ExecContext(ctx,
			`UPDATE conv_rules SET disabled = 1 WHERE rule_set_id = ?`, setID); err != nil {
			return fmt.Errorf("disable previous rules: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE export_rules SET disabled = 1 WHERE rule_set_id = ?`, setID); err != nil {
			return fmt.Errorf("disable previous export rules: %w", err)
		}

		for _, r := range rs.Rules {
			if err := saveRule(ctx, tx, setID, r); err != nil {
				return err
			}
		}
		for _, er := range rs.ExportRules {
			if err := saveExportRule(ctx, tx, setID, er); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveRule(ctx context.Context, tx *sql.Tx, setID int64, r *rules.ConversionRule) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conv_rules (rule_set_id, code, name, sort_order, disabled,
			source_type, target_type, sync_by_uuid, search_by_fields, dont_create,
			no_replace, generate_new_code, by_ref_uuid_only,
			after_import, before_process, on_export)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_set_id, code) DO UPDATE SET
			name = excluded.name,
			sort_order = excluded.sort_order,
			disabled = excluded.disabled,
			source_type = excluded.source_type,
			target_type = excluded.target_type,
			sync_by_uuid = excluded.sync_by_uuid,
			search_by_fields = excluded.search_by_fields,
			dont_create = excluded.dont_create,
			no_replace = excluded.no_replace,
			generate_new_code = excluded.generate_new_code,
			by_ref_uuid_only = excluded.by_ref_uuid_only,
			after_import = excluded.after_import,
			before_process = excluded.before_process,
			on_export = excluded.on_export`,
		setID, r.Code, r.Name, r.Order, boolInt(r.Disabled),
		r.SourceType, r.TargetType, boolInt(r.SyncByUUID), boolInt(r.SearchByFields),
		boolInt(r.DontCreate), boolInt(r.NoReplace), boolInt(r.GenerateNewCode),
		boolInt(r.ByRefUUIDOnly), r.AfterImport, r.BeforeProcess, r.OnExport)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.Code, err)
	}

	var ruleID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM conv_rules WHERE rule_set_id = ? AND code = ?`,
		setID, r.Code).Scan(&ruleID); err != nil {
		return fmt.Errorf("lookup rule id for %s: %w", r.Code, err)
	}
	r.ID = ruleID

	// Lines are always rewritten whole; diffing individual lines is not
	// worth it for rule files this size.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rule_lines WHERE rule_id = ?`, ruleID); err != nil {
		return fmt.Errorf("clear rule lines for %s: %w", r.Code, err)
	}
	return saveLines(ctx, tx, ruleID, 0, r.Lines)
}

func saveLines(ctx context.Context, tx *sql.Tx, ruleID, parentID int64, lines []*rules.RuleLine) error {
	for _, l := range lines {
		var parent any
		if parentID != 0 {
			parent = parentID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rule_lines (rule_id, parent_id, code, name, sort_order, disabled,
				is_group, source_name, source_kind, source_type,
				target_name, target_kind, target_type,
				search, no_replace, sub_rule_code, before_process, on_export, export_param)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ruleID, parent, l.Code, l.Name, l.Order, boolInt(l.Disabled),
			boolInt(l.IsGroup), l.SourceName, l.SourceKind, l.SourceType,
			l.TargetName, l.TargetKind, l.TargetType,
			boolInt(l.Search), boolInt(l.NoReplace), l.SubRuleCode,
			l.BeforeProcess, l.OnExport, l.ExportParam)
		if err != nil {
			return fmt.Errorf("insert rule line %s: %w", l.Code, err)
		}
		lineID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("rule line id: %w", err)
		}
		l.ID = lineID
		if err := saveLines(ctx, tx, ruleID, lineID, l.Children); err != nil {
			return err
		}
	}
	return nil
}

func saveExportRule(ctx context.Context, tx *sql.Tx, setID int64, er *rules.ExportRule) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO export_rules (rule_set_id, code, name, sort_order, disabled, model, rule_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_set_id, code) DO UPDATE SET
			name = excluded.name,
			sort_order = excluded.sort_order,
			disabled = excluded.disabled,
			model = excluded.model,
			rule_code = excluded.rule_code`,
		setID, er.Code, er.Name, er.Order, boolInt(er.Disabled), er.Model, er.RuleCode)
	if err != nil {
		return fmt.Errorf("upsert export rule %s: %w", er.Code, err)
	}
	return nil
}

// LoadRuleSet reads a rule set by conversion UUID, with all rules,
// lines, and export rules, and re-links sub-rule references.
func (s *Store) LoadRuleSet(ctx context.Context, uuid string) (*rules.RuleSet, error) {
	var (
		rs       rules.RuleSet
		loadedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, format_version, source_name, target_name, source_file, loaded_at
		FROM rule_sets WHERE uuid = ?`, uuid).Scan(
		&rs.ID, &rs.UUID, &rs.Name, &rs.FormatVersion,
		&rs.SourceName, &rs.TargetName, &rs.SourceFile, &loadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule set %s: %w", uuid, err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, loadedAt); perr == nil {
		rs.LoadedAt = t
	}

	if err := s.loadRules(ctx, &rs); err != nil {
		return nil, err
	}
	if err := s.loadExportRules(ctx, &rs); err != nil {
		return nil, err
	}
	relink(&rs)
	return &rs, nil
}

// LoadRuleSetByID reads a rule set by database id.
func (s *Store) LoadRuleSetByID(ctx context.Context, id int64) (*rules.RuleSet, error) {
	var uuid string
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid FROM rule_sets WHERE id = ?`, id).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrRuleSetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule set %d: %w", id, err)
	}
	return s.LoadRuleSet(ctx, uuid)
}

func (s *Store) loadRules(ctx context.Context, rs *rules.RuleSet) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, sort_order, disabled, source_type, target_type,
			sync_by_uuid, search_by_fields, dont_create, no_replace,
			generate_new_code, by_ref_uuid_only, after_import, before_process, on_export
		FROM conv_rules WHERE rule_set_id = ? ORDER BY sort_order, id`, rs.ID)
	if err != nil {
		return fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &rules.ConversionRule{}
		var disabled, syncUUID, searchFields, dontCreate, noReplace, genCode, refOnly int
		if err := rows.Scan(&r.ID, &r.Code, &r.Name, &r.Order, &disabled,
			&r.SourceType, &r.TargetType, &syncUUID, &searchFields, &dontCreate,
			&noReplace, &genCode, &refOnly,
			&r.AfterImport, &r.BeforeProcess, &r.OnExport); err != nil {
			return fmt.Errorf("scan rule: %w", err)
		}
		r.Disabled = disabled != 0
		r.SyncByUUID = syncUUID != 0
		r.SearchByFields = searchFields != 0
		r.DontCreate = dontCreate != 0
		r.NoReplace = noReplace != 0
		r.GenerateNewCode = genCode != 0
		r.ByRefUUIDOnly = refOnly != 0
		rs.Rules = append(rs.Rules, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rules: %w", err)
	}

	for _, r := range rs.Rules {
		if err := s.loadLines(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadLines(ctx context.Context, r *rules.ConversionRule) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, code, name, sort_order, disabled, is_group,
			source_name, source_kind, source_type,
			target_name, target_kind, target_type,
			search, no_replace, sub_rule_code, before_process, on_export, export_param
		FROM rule_lines WHERE rule_id = ? ORDER BY sort_order, id`, r.ID)
	if err != nil {
		return fmt.Errorf("query rule lines for %s: %w", r.Code, err)
	}
	defer rows.Close()

	byID := make(map[int64]*rules.RuleLine)
	type pending struct {
		line   *rules.RuleLine
		parent int64
	}
	var all []pending
	for rows.Next() {
		l := &rules.RuleLine{}
		var parent sql.NullInt64
		var disabled, isGroup, search, noReplace int
		if err := rows.Scan(&l.ID, &parent, &l.Code, &l.Name, &l.Order, &disabled, &isGroup,
			&l.SourceName, &l.SourceKind, &l.SourceType,
			&l.TargetName, &l.TargetKind, &l.TargetType,
			&search, &noReplace, &l.SubRuleCode, &l.BeforeProcess, &l.OnExport, &l.ExportParam); err != nil {
			return fmt.Errorf("scan rule line: %w", err)
		}
		l.Disabled = disabled != 0
		l.IsGroup = isGroup != 0
		l.Search = search != 0
		l.NoReplace = noReplace != 0
		byID[l.ID] = l
		all = append(all, pending{line: l, parent: parent.Int64})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rule lines: %w", err)
	}
	for _, p := range all {
		if p.parent == 0 {
			r.Lines = append(r.Lines, p.line)
		} else if g, ok := byID[p.parent]; ok {
			g.Children = append(g.Children, p.line)
		}
	}
	return nil
}

func (s *Store) loadExportRules(ctx context.Context, rs *rules.RuleSet) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, sort_order, disabled, model, rule_code
		FROM export_rules WHERE rule_set_id = ? ORDER BY sort_order, id`, rs.ID)
	if err != nil {
		return fmt.Errorf("query export rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		er := &rules.ExportRule{}
		var disabled int
		if err := rows.Scan(&er.ID, &er.Code, &er.Name, &er.Order, &disabled, &er.Model, &er.RuleCode); err != nil {
			return fmt.Errorf("scan export rule: %w", err)
		}
		er.Disabled = disabled != 0
		rs.ExportRules = append(rs.ExportRules, er)
	}
	return rows.Err()
}

func relink(rs *rules.RuleSet) {
	byCode := make(map[string]*rules.ConversionRule, len(rs.Rules))
	for _, r := range rs.Rules {
		byCode[r.Code] = r
	}
	var walk func(lines []*rules.RuleLine)
	walk = func(lines []*rules.RuleLine) {
		for _, l := range lines {
			if l.SubRuleCode != "" {
				l.SubRule = byCode[l.SubRuleCode]
			}
			walk(l.Children)
		}
	}
	for _, r := range rs.Rules {
		walk(r.Lines)
	}
	for _, er := range rs.ExportRules {
		if er.RuleCode != "" {
			er.Rule = byCode[er.RuleCode]
		}
	}
}

// RuleSetInfo is a listing row.
type RuleSetInfo struct {
	ID       int64
	UUID     string
	Name     string
	LoadedAt string
}

// ListRuleSets returns all loaded rule sets, newest first.
func (s *Store) ListRuleSets(ctx context.Context) ([]RuleSetInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, name, loaded_at FROM rule_sets ORDER BY loaded_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rule sets: %w", err)
	}
	defer rows.Close()

	var out []RuleSetInfo
	for rows.Next() {
		var info RuleSetInfo
		if err := rows.Scan(&info.ID, &info.UUID, &info.Name, &info.LoadedAt); err != nil {
			return nil, fmt.Errorf("scan rule set: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// RuleSetIDsForModel returns ids of rule sets that have an enabled
// export rule selecting the given model. Change tracking uses this to
// decide which rule sets a mutation dirties.
func (s *Store) RuleSetIDsForModel(ctx context.Context, model string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT rule_set_id FROM export_rules
		WHERE model = ? AND disabled = 0 ORDER BY rule_set_id`, model)
	if err != nil {
		return nil, fmt.Errorf("rule sets for model %s: %w", model, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rule set id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
