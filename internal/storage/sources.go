package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gridflex/gridflex/internal/model"
)

// EnsureSource returns the source with the given name and type, creating it
// if necessary. Sources attribute beliefs to the account, forecaster or
// scheduler that asserted them.
func (db *DB) EnsureSource(ctx context.Context, name, sourceType string) (model.Source, error) {
	s := model.Source{ID: uuid.New(), Name: name, Type: sourceType}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO sources (id, name, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, type) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`,
		s.ID, s.Name, s.Type,
	).Scan(&s.ID)
	if err != nil {
		return model.Source{}, fmt.Errorf("storage: ensure source %q: %w", name, err)
	}
	return s, nil
}
