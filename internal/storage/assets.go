package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gridflex/gridflex/internal/model"
)

// CreateAsset registers an asset and returns it with its assigned id.
func (db *DB) CreateAsset(ctx context.Context, a model.Asset) (model.Asset, error) {
	err := db.pool.QueryRow(ctx, `
		INSERT INTO assets (owner_id, name, latitude, longitude)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		a.OwnerID, a.Name, a.Latitude, a.Longitude,
	).Scan(&a.ID)
	if err != nil {
		return model.Asset{}, fmt.Errorf("storage: create asset: %w", err)
	}
	return a, nil
}

// GetAsset loads an asset by id.
func (db *DB) GetAsset(ctx context.Context, id int) (model.Asset, error) {
	var a model.Asset
	err := db.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, latitude, longitude, last_udi_event_id
		FROM assets WHERE id = $1`, id,
	).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Latitude, &a.Longitude, &a.LastUDIEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Asset{}, fmt.Errorf("storage: asset %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("storage: get asset %d: %w", id, err)
	}
	return a, nil
}

// AdvanceUDIEvent records a posted UDI event id for the asset. The id must be
// strictly greater than the last recorded one; anything else fails with
// ErrOutdatedEvent and leaves the asset unchanged. In play mode the caller
// may pass force to relax the ordering constraint.
func (db *DB) AdvanceUDIEvent(ctx context.Context, assetID int, eventID int64, force bool) error {
	if force {
		_, err := db.pool.Exec(ctx,
			`UPDATE assets SET last_udi_event_id = $2 WHERE id = $1`, assetID, eventID)
		if err != nil {
			return fmt.Errorf("storage: advance UDI event: %w", err)
		}
		return nil
	}

	res, err := db.pool.Exec(ctx, `
		UPDATE assets SET last_udi_event_id = $2
		WHERE id = $1 AND (last_udi_event_id IS NULL OR last_udi_event_id < $2)`,
		assetID, eventID)
	if err != nil {
		return fmt.Errorf("storage: advance UDI event: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Distinguish a missing asset from a non-increasing event id.
		if _, gerr := db.GetAsset(ctx, assetID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("storage: asset %d, event id %d: %w", assetID, eventID, ErrOutdatedEvent)
	}
	return nil
}
