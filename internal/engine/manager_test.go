package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/ml"
	"paper-trading-engine/internal/settings"
	"paper-trading-engine/internal/strategy"
	"paper-trading-engine/internal/trader"
)

const managerConfigDoc = `{
	"version": "1.0.15",
	"global_settings": {"worker_count": 2},
	"strategies": {
		"DCA": {
			"timeframe": "15m",
			"detection_thresholds_by_tier": {
				"mid_cap": {
					"drop_threshold": -2.25, "lookback_hours": 4,
					"volume_requirement": 0.85, "rsi_max": 35,
					"ml_confidence_threshold": 0.6, "near_miss_threshold": 0.4
				}
			},
			"exits_by_tier": {
				"mid_cap": {
					"take_profit": 0.04, "stop_loss": 0.061,
					"trailing_stop": 0.035, "trailing_activation": 0.025,
					"hold_hours": 72
				}
			}
		}
	},
	"market_cap_tiers": {"mid_cap": ["LINK", "SOL"]},
	"position_management": {"base_notional_usd": 100, "start_balance_usd": 10000, "reserve_pct": 0.2},
	"risk_management": {"max_positions": 30, "max_per_symbol": 3, "max_daily_loss_pct": 10},
	"fees": {"taker": 0.0026},
	"slippage_rates": {"mid_cap": 0.0015}
}`

type fakeData struct {
	bars map[string][]database.OhlcBar // key: symbol|timeframe
	err  error
}

func (d *fakeData) GetRecent(ctx context.Context, symbol, timeframe string, lookbackHours float64) ([]database.OhlcBar, error) {
	if d.err != nil {
		return nil, d.err
	}
	if bars, ok := d.bars[symbol+"|"+timeframe]; ok {
		return bars, nil
	}
	return nil, errors.New("no data")
}

func (d *fakeData) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if bars, ok := d.bars[symbol+"|1m"]; ok && len(bars) > 0 {
		return bars[len(bars)-1].Close, nil
	}
	return 0, errors.New("no price")
}

type fakeTradeStore struct {
	inserted []*database.PaperTrade
}

func (s *fakeTradeStore) InsertTrade(ctx context.Context, t *database.PaperTrade) error {
	s.inserted = append(s.inserted, t)
	return nil
}
func (s *fakeTradeStore) OpenBuys(ctx context.Context) ([]*database.PaperTrade, error) {
	return nil, nil
}
func (s *fakeTradeStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	return 0, nil
}

type fakeExitPrices struct{}

func (fakeExitPrices) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("no price")
}
func (fakeExitPrices) LatestBar(ctx context.Context, symbol string) (*database.OhlcBar, error) {
	return nil, errors.New("no bar")
}

func managerLoader(t *testing.T, doc string) *settings.Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	l := settings.NewLoader(nil, path, zerolog.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("config: %v", err)
	}
	return l
}

func newTestManager(t *testing.T, doc string, data DataSource) (*Manager, *ScanLogger, *trader.Trader, *fakeTradeStore) {
	t.Helper()
	loader := managerLoader(t, doc)
	store := &fakeTradeStore{}
	tr := trader.NewTrader(store, fakeExitPrices{}, nil, loader.Snapshot, zerolog.Nop())
	if err := tr.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	filter, err := ml.NewFilter("", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	logger := NewScanLogger(&fakeScanStore{}, zerolog.Nop(), ScanLoggerOptions{QueueSize: 256})
	m := NewManager(data, filter, logger, tr, loader, zerolog.Nop())
	return m, logger, tr, store
}

// drain empties the logger queue without running the flusher.
func drain(sl *ScanLogger) []database.ScanRecord {
	var out []database.ScanRecord
	for {
		select {
		case rec := <-sl.queue:
			out = append(out, rec)
		default:
			return out
		}
	}
}

func TestScanTickOneDecisionPerCell(t *testing.T) {
	m, logger, _, _ := newTestManager(t, managerConfigDoc, &fakeData{err: errors.New("store down")})
	m.ScanTick(context.Background())

	records := drain(logger)
	wantCells := 2 * len(settings.StrategyOrder) // two symbols, every strategy
	if len(records) != wantCells {
		t.Fatalf("decisions: want %d, got %d", wantCells, len(records))
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		key := rec.Symbol + "/" + rec.StrategyName
		if seen[key] {
			t.Errorf("duplicate decision for %s", key)
		}
		seen[key] = true
		if rec.Decision != string(strategy.OutcomeSkip) {
			t.Errorf("%s: want SKIP on data failure, got %s", key, rec.Decision)
		}
		if rec.ScanID == "" {
			t.Errorf("%s: missing scan id", key)
		}
	}
}

// dcaBars builds a 300-bar 15m series that satisfies the feature minimum and
// triggers the DCA detector: flat at 20.00, then a slide to 19.50 in the
// last bars.
func dcaBars() []database.OhlcBar {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]database.OhlcBar, 300)
	for i := range bars {
		c := 20.00
		if i >= 290 {
			c = 20.00 - 0.50*float64(i-289)/10
		}
		bars[i] = database.OhlcBar{
			Symbol: "LINK", Timeframe: "15m",
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c, High: c * 1.001, Low: c * 0.999, Close: c,
			Volume: 1000,
		}
	}
	bars[299].Close = 19.50
	bars[299].Low = 19.49
	return bars
}

func TestScanTickTakeOpensPosition(t *testing.T) {
	data := &fakeData{bars: map[string][]database.OhlcBar{
		"LINK|15m": dcaBars(),
	}}
	m, logger, tr, store := newTestManager(t, managerConfigDoc, data)
	m.ScanTick(context.Background())

	records := drain(logger)
	var take *database.ScanRecord
	for i := range records {
		if records[i].Decision == string(strategy.OutcomeTake) {
			take = &records[i]
		}
	}
	if take == nil {
		t.Fatal("expected a TAKE decision for LINK/DCA")
	}
	if take.Symbol != "LINK" || take.StrategyName != settings.StrategyDCA {
		t.Errorf("unexpected TAKE cell: %s/%s", take.Symbol, take.StrategyName)
	}
	if take.TradeID == nil {
		t.Error("TAKE decision must carry the trade group id")
	}
	if take.ProposedSize == nil || *take.ProposedSize <= 0 {
		t.Error("TAKE decision must carry a positive proposed size")
	}

	open := tr.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("want 1 open position, got %d", len(open))
	}
	if len(store.inserted) != 1 || store.inserted[0].Side != "BUY" {
		t.Fatalf("want one BUY row, got %d", len(store.inserted))
	}
}

func TestGuardRejectionRewritesTakeToNearMiss(t *testing.T) {
	tight := `{
		"version": "1.0.15",
		"global_settings": {"worker_count": 1},
		"strategies": {
			"DCA": {
				"timeframe": "15m",
				"detection_thresholds_by_tier": {
					"mid_cap": {
						"drop_threshold": -2.25, "lookback_hours": 4,
						"volume_requirement": 0.85, "rsi_max": 35,
						"ml_confidence_threshold": 0.6, "near_miss_threshold": 0.4
					}
				},
				"exits_by_tier": {
					"mid_cap": {"take_profit": 0.04, "stop_loss": 0.061, "trailing_stop": 0.035, "trailing_activation": 0.025, "hold_hours": 72}
				}
			}
		},
		"market_cap_tiers": {"mid_cap": ["LINK"]},
		"position_management": {"base_notional_usd": 100, "start_balance_usd": 10000, "reserve_pct": 0.2},
		"risk_management": {"max_positions": 1, "max_per_symbol": 3, "max_daily_loss_pct": 10},
		"fees": {"taker": 0.0026},
		"slippage_rates": {"mid_cap": 0.0015}
	}`
	data := &fakeData{bars: map[string][]database.OhlcBar{
		"LINK|15m": dcaBars(),
	}}
	m, logger, tr, store := newTestManager(t, tight, data)

	// First tick fills the single slot.
	m.ScanTick(context.Background())
	drain(logger)
	if len(tr.OpenPositions()) != 1 {
		t.Fatal("first tick should open the position")
	}

	// Second tick detects again but the max_positions guard rejects.
	m.ScanTick(context.Background())
	records := drain(logger)

	var nearMiss *database.ScanRecord
	for i := range records {
		if records[i].StrategyName == settings.StrategyDCA {
			nearMiss = &records[i]
		}
	}
	if nearMiss == nil {
		t.Fatal("missing DCA decision on second tick")
	}
	if nearMiss.Decision != string(strategy.OutcomeNearMiss) {
		t.Fatalf("want NEAR_MISS, got %s", nearMiss.Decision)
	}
	if nearMiss.Reason != string(strategy.ReasonMaxPositions) {
		t.Errorf("reason: want max_positions_reached, got %s", nearMiss.Reason)
	}
	if nearMiss.TradeID != nil {
		t.Error("rejected TAKE must not carry a trade id")
	}
	buys := 0
	for _, row := range store.inserted {
		if row.Side == "BUY" {
			buys++
		}
	}
	if buys != 1 {
		t.Errorf("want exactly 1 BUY row, got %d", buys)
	}
}

// panicData panics on the LINK feature-window fetch and errors elsewhere.
type panicData struct{}

func (panicData) GetRecent(ctx context.Context, symbol, timeframe string, lookbackHours float64) ([]database.OhlcBar, error) {
	if symbol == "LINK" && timeframe == "15m" {
		panic("corrupt bar page")
	}
	return nil, errors.New("no data")
}

func (panicData) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("no price")
}

func TestCellPanicDegradesToSkipInternalError(t *testing.T) {
	m, logger, _, _ := newTestManager(t, managerConfigDoc, panicData{})
	m.ScanTick(context.Background())

	records := drain(logger)
	wantCells := 2 * len(settings.StrategyOrder)
	if len(records) != wantCells {
		t.Fatalf("decisions: want %d, got %d", wantCells, len(records))
	}
	var internal []database.ScanRecord
	for _, rec := range records {
		if rec.Reason == string(strategy.ReasonInternalError) {
			internal = append(internal, rec)
		}
	}
	if len(internal) != 1 {
		t.Fatalf("want exactly one internal_error cell, got %d", len(internal))
	}
	if internal[0].Symbol != "LINK" || internal[0].StrategyName != settings.StrategyDCA {
		t.Errorf("internal_error cell: got %s/%s", internal[0].Symbol, internal[0].StrategyName)
	}
	if internal[0].Decision != string(strategy.OutcomeSkip) {
		t.Errorf("panicked cell must degrade to SKIP, got %s", internal[0].Decision)
	}
}

func TestCancelledTickEmitsTickCancelled(t *testing.T) {
	data := &fakeData{bars: map[string][]database.OhlcBar{
		"LINK|15m": dcaBars(),
	}}
	m, logger, tr, store := newTestManager(t, managerConfigDoc, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.ScanTick(ctx)

	records := drain(logger)
	wantCells := 2 * len(settings.StrategyOrder)
	if len(records) != wantCells {
		t.Fatalf("cancelled tick must still emit every cell: want %d, got %d", wantCells, len(records))
	}
	for _, rec := range records {
		if rec.Decision != string(strategy.OutcomeSkip) {
			t.Errorf("%s/%s: want SKIP, got %s", rec.Symbol, rec.StrategyName, rec.Decision)
		}
		if rec.Reason != string(strategy.ReasonTickCancelled) {
			t.Errorf("%s/%s: want tick_cancelled, got %s", rec.Symbol, rec.StrategyName, rec.Reason)
		}
	}
	if len(tr.OpenPositions()) != 0 || len(store.inserted) != 0 {
		t.Error("cancelled tick must not open positions")
	}
}

func TestPassThroughFilterStillClassifies(t *testing.T) {
	filter, err := ml.NewFilter("", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if filter.Enabled(settings.StrategyDCA) {
		t.Fatal("no artifact means disabled")
	}
	res := filter.Score(settings.StrategyDCA, map[string]float64{"rsi_14": 28}, settings.ExitParams{
		TakeProfit: 0.04, StopLoss: 0.061, HoldHours: 72,
	})
	if !res.PassThrough || res.Confidence != 1.0 {
		t.Errorf("pass-through: want confidence 1.0, got %+v", res)
	}
	if res.PredictedTakeProfit != 0.04 || res.PredictedStopLoss != 0.061 {
		t.Errorf("pass-through must use tier exits: %+v", res)
	}
}
