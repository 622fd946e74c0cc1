// Package marketdata serves OHLC slices with bounded latency. Queries are
// routed by window age to the cheapest source: a 24h hot view, a 7d warm
// view, or the cold base table. Unhealthy views degrade to the base table.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"paper-trading-engine/internal/database"
)

// ErrDataUnavailable is returned once retries against the store are
// exhausted. Callers classify it as a SKIP, never as a fatal error.
var ErrDataUnavailable = errors.New("market data unavailable")

// Store is the relational read surface the fetcher routes over.
type Store interface {
	QueryRange(ctx context.Context, source, symbol, timeframe string, from, to time.Time) ([]database.OhlcBar, error)
	LatestBar(ctx context.Context, symbol, timeframe string) (*database.OhlcBar, error)
}

// Fetcher is the hybrid OHLC fetcher (hot view / warm view / base table).
type Fetcher struct {
	store  Store
	cache  *barCache
	stream *Stream // optional live last-price source
	log    zerolog.Logger
	now    func() time.Time

	todayBreaker  *gobreaker.CircuitBreaker
	recentBreaker *gobreaker.CircuitBreaker

	freshnessMax time.Duration
}

// FetcherOptions tune cache and freshness behavior.
type FetcherOptions struct {
	CacheCapacityPerShard int
	HotTTL                time.Duration
	ColdTTL               time.Duration
	FreshnessMax          time.Duration
	Stream                *Stream
	Now                   func() time.Time
}

func NewFetcher(store Store, log zerolog.Logger, opts FetcherOptions) *Fetcher {
	if opts.CacheCapacityPerShard == 0 {
		opts.CacheCapacityPerShard = 64
	}
	if opts.HotTTL == 0 {
		opts.HotTTL = 30 * time.Second
	}
	if opts.ColdTTL == 0 {
		opts.ColdTTL = 10 * time.Minute
	}
	if opts.FreshnessMax == 0 {
		opts.FreshnessMax = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	breakerFor := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("view", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("ohlc view breaker state change")
			},
		})
	}

	return &Fetcher{
		store:         store,
		cache:         newBarCache(opts.CacheCapacityPerShard, opts.HotTTL, opts.ColdTTL, opts.Now),
		stream:        opts.Stream,
		log:           log,
		now:           opts.Now,
		todayBreaker:  breakerFor(database.TodayView),
		recentBreaker: breakerFor(database.RecentView),
		freshnessMax:  opts.FreshnessMax,
	}
}

// GetRecent returns the last lookbackHours of bars ending now.
func (f *Fetcher) GetRecent(ctx context.Context, symbol, timeframe string, lookbackHours float64) ([]database.OhlcBar, error) {
	if lookbackHours <= 0 {
		return nil, fmt.Errorf("lookbackHours must be positive, got %v", lookbackHours)
	}
	to := f.now()
	from := to.Add(-time.Duration(lookbackHours * float64(time.Hour)))
	return f.GetSlice(ctx, symbol, timeframe, from, to)
}

// GetSlice returns bars in [from, to], ascending and de-duplicated. The
// result may be shorter than requested when the store has gaps.
func (f *Fetcher) GetSlice(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]database.OhlcBar, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("invalid window: from %v not before to %v", from, to)
	}
	dur, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	endsNow := f.now().Sub(to) < 2*dur
	key := cacheKey(symbol, timeframe, from, to, dur)
	if bars, ok := f.cache.get(key); ok {
		return bars, nil
	}

	bars, err := f.query(ctx, symbol, timeframe, from, to)
	if err != nil {
		return nil, err
	}
	f.cache.put(key, bars, endsNow)
	return bars, nil
}

// query picks the source by window age, guarding views with breakers and
// falling back to the base table when a view fails or its breaker is open.
func (f *Fetcher) query(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]database.OhlcBar, error) {
	age := f.now().Sub(to)

	var view string
	var breaker *gobreaker.CircuitBreaker
	switch {
	case age <= 24*time.Hour:
		view, breaker = database.TodayView, f.todayBreaker
	case age <= 7*24*time.Hour:
		view, breaker = database.RecentView, f.recentBreaker
	}

	if view != "" {
		result, err := breaker.Execute(func() (interface{}, error) {
			return f.queryWithRetry(ctx, view, symbol, timeframe, from, to)
		})
		if err == nil {
			return result.([]database.OhlcBar), nil
		}
		f.log.Debug().Err(err).Str("view", view).Str("symbol", symbol).
			Msg("view query failed, falling back to base table")
	}

	bars, err := f.queryWithRetry(ctx, database.BaseTable, symbol, timeframe, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	return bars, nil
}

// queryWithRetry retries transient store errors: 3 attempts at 100, 200,
// 400ms.
func (f *Fetcher) queryWithRetry(ctx context.Context, source, symbol, timeframe string, from, to time.Time) ([]database.OhlcBar, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Second

	var bars []database.OhlcBar
	op := func() error {
		var err error
		bars, err = f.store.QueryRange(ctx, source, symbol, timeframe, from, to)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// LatestPrice returns the best current price: the websocket last-trade cache
// when fresh, otherwise the close of the newest 1m bar.
func (f *Fetcher) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if f.stream != nil {
		if px, ok := f.stream.LastPrice(symbol); ok {
			return px, nil
		}
	}
	bar, err := f.store.LatestBar(ctx, symbol, "1m")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	return bar.Close, nil
}

// LatestBar exposes the newest 1m bar, used by the exit loop for gap and
// same-bar trigger resolution.
func (f *Fetcher) LatestBar(ctx context.Context, symbol string) (*database.OhlcBar, error) {
	bar, err := f.store.LatestBar(ctx, symbol, "1m")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	return bar, nil
}

// Fresh reports whether the newest 1m bar for the symbol is within the
// freshness threshold. A false result marks the engine degraded.
func (f *Fetcher) Fresh(ctx context.Context, symbol string) (bool, error) {
	bar, err := f.store.LatestBar(ctx, symbol, "1m")
	if err != nil {
		return false, err
	}
	return f.now().Sub(bar.Timestamp) <= f.freshnessMax, nil
}

// TimeframeDuration maps a timeframe string to its bar duration.
func TimeframeDuration(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "1m":
		return time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
}
