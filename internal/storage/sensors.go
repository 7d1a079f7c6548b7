package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gridflex/gridflex/internal/model"
)

// CreateSensor registers a sensor and returns it with its assigned id.
func (db *DB) CreateSensor(ctx context.Context, s model.Sensor) (model.Sensor, error) {
	err := db.pool.QueryRow(ctx, `
		INSERT INTO sensors (asset_id, name, unit, event_resolution, knowledge_horizon)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		s.AssetID, s.Name, s.Unit, toInterval(s.EventResolution), toInterval(s.KnowledgeHorizonFixed),
	).Scan(&s.ID)
	if err != nil {
		return model.Sensor{}, fmt.Errorf("storage: create sensor: %w", err)
	}
	return s, nil
}

// GetSensor loads a sensor by id.
func (db *DB) GetSensor(ctx context.Context, id int) (model.Sensor, error) {
	var (
		s          model.Sensor
		resolution pgtype.Interval
		knowledge  pgtype.Interval
	)
	err := db.pool.QueryRow(ctx, `
		SELECT id, asset_id, name, unit, event_resolution, knowledge_horizon
		FROM sensors WHERE id = $1`, id,
	).Scan(&s.ID, &s.AssetID, &s.Name, &s.Unit, &resolution, &knowledge)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Sensor{}, fmt.Errorf("storage: sensor %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Sensor{}, fmt.Errorf("storage: get sensor %d: %w", id, err)
	}
	s.EventResolution = fromInterval(resolution)
	s.KnowledgeHorizonFixed = fromInterval(knowledge)
	return s, nil
}

// GetSensors loads multiple sensors by id, in the given order.
func (db *DB) GetSensors(ctx context.Context, ids []int) ([]model.Sensor, error) {
	sensors := make([]model.Sensor, 0, len(ids))
	for _, id := range ids {
		s, err := db.GetSensor(ctx, id)
		if err != nil {
			return nil, err
		}
		sensors = append(sensors, s)
	}
	return sensors, nil
}
