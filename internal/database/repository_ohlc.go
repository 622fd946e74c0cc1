package database

import (
	"context"
	"fmt"
	"time"
)

// OHLC source tables. BaseTable is the full history; the two views are
// externally refreshed summaries over the last 24h / 7d.
const (
	BaseTable  = "ohlc_data"
	TodayView  = "ohlc_today"
	RecentView = "ohlc_recent"
)

// OhlcRepository reads candles from the time-series store.
type OhlcRepository struct {
	db *DB
}

func NewOhlcRepository(db *DB) *OhlcRepository {
	return &OhlcRepository{db: db}
}

var ohlcSources = map[string]bool{BaseTable: true, TodayView: true, RecentView: true}

// QueryRange returns bars in [from, to] ascending, de-duplicated by timestamp.
// source must be one of the known OHLC tables/views.
func (r *OhlcRepository) QueryRange(ctx context.Context, source, symbol, timeframe string, from, to time.Time) ([]OhlcBar, error) {
	if !ohlcSources[source] {
		return nil, fmt.Errorf("unknown ohlc source %q", source)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// source is validated against a fixed allowlist above; identifiers cannot
	// be bound as query parameters.
	query := fmt.Sprintf(`
		SELECT DISTINCT ON (timestamp)
		       symbol, timeframe, timestamp, open, high, low, close, volume, vwap, trades
		FROM %s
		WHERE symbol = $1 AND timeframe = $2 AND timestamp >= $3 AND timestamp <= $4
		ORDER BY timestamp ASC
	`, source)

	rows, err := r.db.Pool.Query(ctx, query, symbol, timeframe, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []OhlcBar
	for rows.Next() {
		var b OhlcBar
		if err := rows.Scan(
			&b.Symbol, &b.Timeframe, &b.Timestamp,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.VWAP, &b.Trades,
		); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// LatestBar returns the newest bar for a symbol/timeframe from the hot view,
// falling back to the base table.
func (r *OhlcRepository) LatestBar(ctx context.Context, symbol, timeframe string) (*OhlcBar, error) {
	bar, err := r.latestFrom(ctx, TodayView, symbol, timeframe)
	if err == nil && bar != nil {
		return bar, nil
	}
	return r.latestFrom(ctx, BaseTable, symbol, timeframe)
}

func (r *OhlcRepository) latestFrom(ctx context.Context, source, symbol, timeframe string) (*OhlcBar, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, vwap, trades
		FROM %s
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY timestamp DESC
		LIMIT 1
	`, source)

	var b OhlcBar
	err := r.db.Pool.QueryRow(ctx, query, symbol, timeframe).Scan(
		&b.Symbol, &b.Timeframe, &b.Timestamp,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		&b.VWAP, &b.Trades,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
