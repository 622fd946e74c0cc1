package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
)

type fakeStore struct {
	calls     []string
	failOn    map[string]int // source -> remaining failures
	bars      []database.OhlcBar
	latest    *database.OhlcBar
	latestErr error
}

func (s *fakeStore) QueryRange(ctx context.Context, source, symbol, timeframe string, from, to time.Time) ([]database.OhlcBar, error) {
	s.calls = append(s.calls, source)
	if n := s.failOn[source]; n > 0 {
		s.failOn[source] = n - 1
		return nil, errors.New("store blip")
	}
	return s.bars, nil
}

func (s *fakeStore) LatestBar(ctx context.Context, symbol, timeframe string) (*database.OhlcBar, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.latest, nil
}

func newTestFetcher(store *fakeStore, now time.Time) *Fetcher {
	return NewFetcher(store, zerolog.Nop(), FetcherOptions{
		Now: func() time.Time { return now },
	})
}

func TestRoutingByWindowAge(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		to   time.Time
		want string
	}{
		{"ends now hits today view", now, database.TodayView},
		{"ends 3d ago hits recent view", now.Add(-3 * 24 * time.Hour), database.RecentView},
		{"ends 30d ago hits base table", now.Add(-30 * 24 * time.Hour), database.BaseTable},
	}
	for _, tc := range cases {
		store := &fakeStore{failOn: map[string]int{}}
		f := newTestFetcher(store, now)
		_, err := f.GetSlice(context.Background(), "BTC", "1h", tc.to.Add(-6*time.Hour), tc.to)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(store.calls) != 1 || store.calls[0] != tc.want {
			t.Errorf("%s: want single query to %s, got %v", tc.name, tc.want, store.calls)
		}
	}
}

func TestViewFailureFallsBackToBaseTable(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{failOn: map[string]int{database.TodayView: 10}}
	f := newTestFetcher(store, now)

	bars, err := f.GetSlice(context.Background(), "BTC", "1h", now.Add(-6*time.Hour), now)
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}
	if bars == nil && store.bars != nil {
		t.Error("expected bars from base table")
	}
	if store.calls[len(store.calls)-1] != database.BaseTable {
		t.Errorf("last call must be the base table, got %v", store.calls)
	}
}

func TestTransientErrorRetries(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	// Base-table query (old window) fails twice, succeeds on the third try.
	store := &fakeStore{failOn: map[string]int{database.BaseTable: 2}}
	f := newTestFetcher(store, now)

	to := now.Add(-30 * 24 * time.Hour)
	_, err := f.GetSlice(context.Background(), "BTC", "1h", to.Add(-6*time.Hour), to)
	if err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if len(store.calls) != 3 {
		t.Errorf("want 3 attempts, got %d", len(store.calls))
	}
}

func TestRetryExhaustionSurfacesDataUnavailable(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{failOn: map[string]int{database.BaseTable: 100}}
	f := newTestFetcher(store, now)

	to := now.Add(-30 * 24 * time.Hour)
	_, err := f.GetSlice(context.Background(), "BTC", "1h", to.Add(-6*time.Hour), to)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("want ErrDataUnavailable, got %v", err)
	}
}

func TestSliceCaching(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{failOn: map[string]int{}, bars: []database.OhlcBar{{Close: 1}}}
	f := newTestFetcher(store, now)

	from, to := now.Add(-6*time.Hour), now
	if _, err := f.GetSlice(context.Background(), "BTC", "1h", from, to); err != nil {
		t.Fatal(err)
	}
	if _, err := f.GetSlice(context.Background(), "BTC", "1h", from, to); err != nil {
		t.Fatal(err)
	}
	if len(store.calls) != 1 {
		t.Errorf("second query should be served from cache, got %d store calls", len(store.calls))
	}
}

func TestInvalidWindowRejected(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	f := newTestFetcher(&fakeStore{failOn: map[string]int{}}, now)

	if _, err := f.GetSlice(context.Background(), "BTC", "1h", now, now); err == nil {
		t.Error("from == to must be rejected")
	}
	if _, err := f.GetRecent(context.Background(), "BTC", "1h", -1); err == nil {
		t.Error("negative lookback must be rejected")
	}
	if _, err := f.GetSlice(context.Background(), "BTC", "3m", now.Add(-time.Hour), now); err == nil {
		t.Error("unsupported timeframe must be rejected")
	}
}

func TestFreshness(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		failOn: map[string]int{},
		latest: &database.OhlcBar{Timestamp: now.Add(-2 * time.Minute), Close: 50000},
	}
	f := newTestFetcher(store, now)

	fresh, err := f.Fresh(context.Background(), "BTC")
	if err != nil || !fresh {
		t.Errorf("2 minute old bar is fresh, got fresh=%v err=%v", fresh, err)
	}

	store.latest.Timestamp = now.Add(-10 * time.Minute)
	fresh, err = f.Fresh(context.Background(), "BTC")
	if err != nil || fresh {
		t.Errorf("10 minute old bar is stale, got fresh=%v err=%v", fresh, err)
	}
}

func TestLatestPriceFallsBackToBar(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		failOn: map[string]int{},
		latest: &database.OhlcBar{Timestamp: now.Add(-time.Minute), Close: 50000},
	}
	f := newTestFetcher(store, now)

	px, err := f.LatestPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if px != 50000 {
		t.Errorf("want 50000, got %v", px)
	}
}
