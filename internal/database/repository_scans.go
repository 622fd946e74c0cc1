package database

import (
	"context"
	"time"
)

// ScanRepository persists scan_history rows.
type ScanRepository struct {
	db *DB
}

func NewScanRepository(db *DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// InsertBatch writes a batch of scan records. scan_id is the primary key, so
// replayed batches are idempotent.
func (r *ScanRepository) InsertBatch(ctx context.Context, records []ScanRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO scan_history (
			scan_id, timestamp, symbol, strategy_name, decision, reason,
			market_regime, btc_price, features, setup_data, ml_confidence,
			ml_predictions, thresholds_used, proposed_position_size, trade_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (scan_id) DO NOTHING
	`
	for _, rec := range records {
		if _, err := tx.Exec(ctx, query,
			rec.ScanID, rec.Timestamp, rec.Symbol, rec.StrategyName,
			rec.Decision, rec.Reason, rec.MarketRegime, rec.BTCPrice,
			rec.Features, rec.SetupData, rec.MLConfidence,
			rec.MLPredictions, rec.Thresholds, rec.ProposedSize, rec.TradeID,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RecentScans returns the newest scan rows, newest first. Serves the
// read-only status API.
func (r *ScanRepository) RecentScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT scan_id, timestamp, symbol, strategy_name, decision, reason,
		       market_regime, btc_price, features, setup_data, ml_confidence,
		       ml_predictions, thresholds_used, proposed_position_size, trade_id
		FROM scan_history
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		if err := rows.Scan(
			&rec.ScanID, &rec.Timestamp, &rec.Symbol, &rec.StrategyName,
			&rec.Decision, &rec.Reason, &rec.MarketRegime, &rec.BTCPrice,
			&rec.Features, &rec.SetupData, &rec.MLConfidence,
			&rec.MLPredictions, &rec.Thresholds, &rec.ProposedSize, &rec.TradeID,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
