package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNoConfig is returned when no trading configuration row exists.
var ErrNoConfig = errors.New("no trading config stored")

// SystemRepository handles heartbeats and the trading-config document.
type SystemRepository struct {
	db *DB
}

func NewSystemRepository(db *DB) *SystemRepository {
	return &SystemRepository{db: db}
}

// UpsertHeartbeat records service liveness.
func (r *SystemRepository) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO system_heartbeat (service_name, last_heartbeat, status, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service_name)
		DO UPDATE SET last_heartbeat = $2, status = $3, metadata = $4
	`, hb.ServiceName, hb.LastHeartbeat, hb.Status, hb.Metadata)
	return err
}

// Heartbeats returns all service heartbeat rows.
func (r *SystemRepository) Heartbeats(ctx context.Context) ([]Heartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx,
		`SELECT service_name, last_heartbeat, status, metadata FROM system_heartbeat`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hbs []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.ServiceName, &hb.LastHeartbeat, &hb.Status, &hb.Metadata); err != nil {
			return nil, err
		}
		hbs = append(hbs, hb)
	}
	return hbs, rows.Err()
}

// LoadTradingConfig reads the active trading configuration document.
func (r *SystemRepository) LoadTradingConfig(ctx context.Context, key string) (*TradingConfigRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	row := &TradingConfigRow{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT config_key, config_version, config_data, last_updated, updated_by
		FROM trading_config
		WHERE config_key = $1
	`, key).Scan(&row.ConfigKey, &row.ConfigVersion, &row.ConfigData, &row.LastUpdated, &row.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// AppendConfigHistory records an accepted configuration replacement.
func (r *SystemRepository) AppendConfigHistory(ctx context.Context, a ConfigAudit) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if a.OldValue == nil {
		a.OldValue = json.RawMessage(`null`)
	}
	if a.NewValue == nil {
		a.NewValue = json.RawMessage(`null`)
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO config_history (timestamp, version, section_changed, old_value, new_value, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.Timestamp, a.Version, a.SectionChanged, a.OldValue, a.NewValue, a.ChangedBy)
	return err
}
