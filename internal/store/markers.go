package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Marker is one dirty-record row awaiting export.
type Marker struct {
	ID        int64
	RuleSetID int64
	Model     string
	ResID     int64
}

// Mark records that a record changed and needs export for the given
// rule set. Marking an already marked record is a no-op, so repeated
// writes between two exports collapse into one marker.
func (s *Store) Mark(ctx context.Context, ruleSetID int64, model string, resID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_markers (rule_set_id, model, res_id, marked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_set_id, model, res_id) DO NOTHING`,
		ruleSetID, model, resID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark %s(%d) for rule set %d: %w", model, resID, ruleSetID, err)
	}
	return nil
}

// Markers returns all pending markers of a rule set in insertion
// order.
func (s *Store) Markers(ctx context.Context, ruleSetID int64) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_set_id, model, res_id
		FROM change_markers WHERE rule_set_id = ? ORDER BY id`, ruleSetID)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		var m Marker
		if err := rows.Scan(&m.ID, &m.RuleSetID, &m.Model, &m.ResID); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConsumeMarkers deletes the given markers in one transaction. Called
// only after the export file is safely on disk; a failed export leaves
// every marker in place for the next run.
func (s *Store) ConsumeMarkers(ctx context.Context, markers []Marker) error {
	if len(markers) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range markers {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM change_markers WHERE id = ?`, m.ID); err != nil {
				return fmt.Errorf("consume marker %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

// MarkerCount returns the number of pending markers for a rule set.
func (s *Store) MarkerCount(ctx context.Context, ruleSetID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_markers WHERE rule_set_id = ?`, ruleSetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count markers: %w", err)
	}
	return n, nil
}
