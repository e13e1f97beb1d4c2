// Package identity maintains the mapping between 1C UUIDs and local
// records.
//
// The link table is the exchange's shared identity: export stamps every
// object with its UUID, import looks incoming UUIDs up before falling
// back to search fields. Identity found by UUID always wins over a
// stale binding; reconciliation rewrites links rather than failing the
// exchange.
package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/obmen/internal/store"
)

// Service runs identity lookups and reconciliation over the store.
type Service struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a service.
func New(st *store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log}
}

// GetOrCreate returns the UUID of a record, minting and persisting a
// fresh one when the record has never been exchanged.
func (s *Service) GetOrCreate(ctx context.Context, model string, resID int64) (string, error) {
	link, ok, err := s.store.LinkByRecord(ctx, model, resID)
	if err != nil {
		return "", err
	}
	if ok {
		return link.UUID, nil
	}
	u := uuid.NewString()
	if _, err := s.store.InsertLink(ctx, store.Link{
		UUID: u, Model: model, ResID: resID, MintedHere: true,
	}); err != nil {
		return "", err
	}
	s.log.Debug("minted uuid for record", "model", model, "res_id", resID, "uuid", u)
	return u, nil
}

// Resolve finds the link carrying a UUID, scoped to model when given.
// Several links can carry the same UUID after rule model changes; the
// oldest is picked deterministically and the ambiguity is logged, never
// returned as an error.
func (s *Service) Resolve(ctx context.Context, u, model string) (store.Link, bool, error) {
	if u == "" {
		s.log.Warn("resolve called with empty uuid", "model", model)
		return store.Link{}, false, nil
	}
	if model == "" {
		s.log.Error("uuid without model", "uuid", u)
	}
	links, err := s.store.LinksByUUID(ctx, u, model)
	if err != nil {
		return store.Link{}, false, err
	}
	if len(links) == 0 {
		return store.Link{}, false, nil
	}
	if len(links) > 1 {
		s.log.Error("more than one record with uuid", "uuid", u, "count", len(links),
			"model", links[0].Model, "res_id", links[0].ResID)
	}
	return links[0], true, nil
}

// Bind reconciles a UUID with the record an import resolved it to.
// found is the link Resolve returned for the UUID, zero-valued when
// there was none.
//
// The record's existing link, if any, is authoritative for the row;
// the UUID is rewritten onto it and a found link pointing elsewhere is
// removed as stale. Otherwise the found link is moved onto the record,
// or a new link is created.
func (s *Service) Bind(ctx context.Context, u, model string, resID int64, found store.Link) error {
	if u == "" {
		return nil
	}
	if found.ID != 0 && found.UUID != u {
		return fmt.Errorf("bind: found link %d carries uuid %s, not %s", found.ID, found.UUID, u)
	}

	existing, ok, err := s.store.LinkByRecord(ctx, model, resID)
	if err != nil {
		return err
	}
	if ok {
		if found.ID != 0 && found.ID != existing.ID {
			// Two links disagree: the one found by UUID points at a
			// different record than the record's own link. The record
			// keeps its row; the stale one goes.
			s.log.Warn("different uuids, rebinding to current record",
				"uuid", u,
				"kept_link", existing.ID, "kept_uuid", existing.UUID,
				"kept_model", existing.Model, "kept_res_id", existing.ResID,
				"removed_link", found.ID, "removed_model", found.Model,
				"removed_res_id", found.ResID)
			if err := s.store.DeleteLink(ctx, found.ID); err != nil {
				return err
			}
		}
		if existing.UUID != u {
			s.log.Warn("uuid changed for record",
				"model", model, "res_id", resID,
				"old_uuid", existing.UUID, "new_uuid", u)
			existing.UUID = u
			return s.store.UpdateLink(ctx, existing)
		}
		return nil
	}

	if found.ID != 0 {
		if found.Model != model || found.ResID != resID {
			s.log.Debug("uuid link moved",
				"uuid", u,
				"old_model", found.Model, "old_res_id", found.ResID,
				"new_model", model, "new_res_id", resID)
			found.Model = model
			found.ResID = resID
			return s.store.UpdateLink(ctx, found)
		}
		return nil
	}

	_, err = s.store.InsertLink(ctx, store.Link{UUID: u, Model: model, ResID: resID})
	if err == nil {
		s.log.Debug("uuid bound", "uuid", u, "model", model, "res_id", resID)
	}
	return err
}
