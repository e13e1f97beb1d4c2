package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Link binds a 1C UUID to one record. A record has at most one link;
// the same UUID can legitimately sit on several records when rule
// models change between exchanges.
type Link struct {
	ID         int64
	UUID       string
	Model      string
	ResID      int64
	MintedHere bool // the UUID originated on this side, not in 1C
}

// InsertLink adds a link row. Duplicate (uuid, model, res_id) rows are
// ignored; a conflicting (model, res_id) row is an error the identity
// service resolves by rebinding first.
func (s *Store) InsertLink(ctx context.Context, l Link) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO uuid_links (uuid, model, res_id, minted_here)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid, model, res_id) DO NOTHING`,
		l.UUID, l.Model, l.ResID, boolInt(l.MintedHere))
	if err != nil {
		return 0, fmt.Errorf("insert uuid link %s -> %s(%d): %w", l.UUID, l.Model, l.ResID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("uuid link id: %w", err)
	}
	return id, nil
}

// LinksByUUID returns links carrying the UUID, oldest first. A model
// filter narrows the search when given.
func (s *Store) LinksByUUID(ctx context.Context, uuid, model string) ([]Link, error) {
	query := `SELECT id, uuid, model, res_id, minted_here FROM uuid_links WHERE uuid = ?`
	args := []any{uuid}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uuid links for %s: %w", uuid, err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var minted int
		if err := rows.Scan(&l.ID, &l.UUID, &l.Model, &l.ResID, &minted); err != nil {
			return nil, fmt.Errorf("scan uuid link: %w", err)
		}
		l.MintedHere = minted != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// LinkByRecord returns the link of a record, if any.
func (s *Store) LinkByRecord(ctx context.Context, model string, resID int64) (Link, bool, error) {
	var l Link
	var minted int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, model, res_id, minted_here
		FROM uuid_links WHERE model = ? AND res_id = ?`,
		model, resID).Scan(&l.ID, &l.UUID, &l.Model, &l.ResID, &minted)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, fmt.Errorf("lookup uuid link for %s(%d): %w", model, resID, err)
	}
	l.MintedHere = minted != 0
	return l, true, nil
}

// UpdateLink rewrites a link row in place.
func (s *Store) UpdateLink(ctx context.Context, l Link) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uuid_links SET uuid = ?, model = ?, res_id = ? WHERE id = ?`,
		l.UUID, l.Model, l.ResID, l.ID)
	if err != nil {
		return fmt.Errorf("update uuid link %d: %w", l.ID, err)
	}
	return nil
}

// DeleteLink removes a link row.
func (s *Store) DeleteLink(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uuid_links WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete uuid link %d: %w", id, err)
	}
	return nil
}
