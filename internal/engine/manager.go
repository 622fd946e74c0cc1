package engine

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/features"
	"paper-trading-engine/internal/marketdata"
	"paper-trading-engine/internal/ml"
	"paper-trading-engine/internal/settings"
	"paper-trading-engine/internal/strategy"
	"paper-trading-engine/internal/trader"
)

// DataSource is the OHLC surface the manager scans over.
type DataSource interface {
	GetRecent(ctx context.Context, symbol, timeframe string, lookbackHours float64) ([]database.OhlcBar, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// ConfigSource yields the current settings snapshot.
type ConfigSource interface {
	Snapshot() *settings.Snapshot
}

// Manager orchestrates one scan tick: for every (symbol, strategy) cell it
// runs fetch, features, detect, ML filter, and emits exactly one Decision.
type Manager struct {
	data      DataSource
	filter    *ml.Filter
	logger    *ScanLogger
	trader    *trader.Trader
	config    ConfigSource
	detectors map[string]strategy.Detector
	simple    *strategy.SimpleRules
	log       zerolog.Logger
	now       func() time.Time

	lastTick      time.Time
	lastTickCells int
	statMu        sync.Mutex
}

func NewManager(data DataSource, filter *ml.Filter, logger *ScanLogger, tr *trader.Trader, config ConfigSource, log zerolog.Logger) *Manager {
	return &Manager{
		data:   data,
		filter: filter,
		logger: logger,
		trader: tr,
		config: config,
		detectors: map[string]strategy.Detector{
			settings.StrategyDCA:     strategy.NewDCADetector(),
			settings.StrategySwing:   strategy.NewSwingDetector(),
			settings.StrategyChannel: strategy.NewChannelDetector(),
		},
		simple: strategy.NewSimpleRules(),
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// LastTick reports when the previous tick ran and how many cells it emitted.
func (m *Manager) LastTick() (time.Time, int) {
	m.statMu.Lock()
	defer m.statMu.Unlock()
	return m.lastTick, m.lastTickCells
}

// tickState is the per-tick context shared by all workers: the config
// snapshot captured at tick start plus the market regime.
type tickState struct {
	snap     *settings.Snapshot
	regime   strategy.Regime
	btcPrice float64
	started  time.Time
}

// ScanTick runs one full scan over the universe. It blocks until every cell
// has emitted a Decision or the tick deadline classifies the remainder as
// tick_cancelled.
func (m *Manager) ScanTick(ctx context.Context) {
	snap := m.config.Snapshot()
	if snap == nil {
		m.log.Error().Msg("scan tick skipped, no config snapshot")
		return
	}
	g := snap.Doc.GlobalSettings

	tickCtx, cancel := context.WithTimeout(ctx, time.Duration(g.MaxScanTickSec)*time.Second)
	defer cancel()

	state := &tickState{snap: snap, started: m.now()}
	state.regime, state.btcPrice = m.marketRegime(tickCtx)

	universe := snap.Universe()
	workers := g.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(universe) && len(universe) > 0 {
		workers = len(universe)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				m.scanSymbol(tickCtx, state, symbol)
			}
		}()
	}
	for _, symbol := range universe {
		jobs <- symbol
	}
	close(jobs)
	wg.Wait()

	m.statMu.Lock()
	m.lastTick = state.started
	m.lastTickCells = len(universe) * len(settings.StrategyOrder)
	m.statMu.Unlock()

	m.log.Debug().
		Int("symbols", len(universe)).
		Str("regime", string(state.regime)).
		Dur("elapsed", m.now().Sub(state.started)).
		Msg("scan tick complete")
}

// scanSymbol evaluates every strategy cell for one symbol, then routes TAKEs
// to the trader in confidence order. Exactly one Decision is emitted per
// cell, including on cancellation and panic.
func (m *Manager) scanSymbol(ctx context.Context, state *tickState, symbol string) {
	g := state.snap.Doc.GlobalSettings
	cellTimeout := time.Duration(g.CellTimeoutSec) * time.Second

	decisions := make([]*strategy.Decision, 0, len(settings.StrategyOrder))
	setups := make(map[string]*strategy.Setup)

	// Bars are fetched once per (symbol, timeframe) and shared across cells.
	barsByTF := make(map[string][]database.OhlcBar)
	barsErr := make(map[string]error)

	for _, strat := range settings.StrategyOrder {
		if ctx.Err() != nil {
			decisions = append(decisions, m.baseDecision(state, symbol, strat,
				strategy.OutcomeSkip, strategy.ReasonTickCancelled))
			continue
		}
		d, setup := m.evaluateCell(ctx, state, symbol, strat, cellTimeout, barsByTF, barsErr)
		if setup != nil {
			setups[strat] = setup
		}
		decisions = append(decisions, d)
	}

	m.openTakes(ctx, state, decisions, setups)

	for _, d := range decisions {
		m.emit(ctx, d)
	}
}

// evaluateCell runs the fetch/features/detect/filter pipeline for one cell.
// A panic inside the cell degrades to SKIP internal_error.
func (m *Manager) evaluateCell(ctx context.Context, state *tickState, symbol, strat string, cellTimeout time.Duration, barsByTF map[string][]database.OhlcBar, barsErr map[string]error) (d *strategy.Decision, setup *strategy.Setup) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).
				Str("symbol", symbol).Str("strategy", strat).
				Msg("scan cell panicked")
			d = m.baseDecision(state, symbol, strat, strategy.OutcomeSkip, strategy.ReasonInternalError)
			setup = nil
		}
	}()

	cellCtx, cancel := context.WithTimeout(ctx, cellTimeout)
	defer cancel()

	snap := state.snap
	tier := snap.TierFor(symbol)
	thresholds := snap.Detection(strat, tier)
	timeframe := snap.Doc.Strategies[strat].Timeframe

	bars, err := m.symbolBars(cellCtx, symbol, timeframe, barsByTF, barsErr)
	if err != nil {
		reason := strategy.ReasonDataUnavailable
		switch {
		case ctx.Err() != nil:
			reason = strategy.ReasonTickCancelled
		case errors.Is(cellCtx.Err(), context.DeadlineExceeded):
			reason = strategy.ReasonCellTimeout
		}
		return m.baseDecision(state, symbol, strat, strategy.OutcomeSkip, reason), nil
	}
	if len(bars) == 0 {
		return m.baseDecision(state, symbol, strat, strategy.OutcomeSkip, strategy.ReasonInsufficientData), nil
	}

	calc := features.NewCalculator(snap.Doc.GlobalSettings.VolumeMeanBars)
	feats, err := calc.Compute(bars, timeframe)
	if err != nil {
		reason := strategy.ReasonBadData
		if errors.Is(err, features.ErrInsufficientData) {
			reason = strategy.ReasonInsufficientData
		}
		return m.baseDecision(state, symbol, strat, strategy.OutcomeSkip, reason), nil
	}

	in := strategy.Inputs{
		Symbol:       symbol,
		Bars:         bars,
		Feats:        feats,
		Thresholds:   thresholds,
		Regime:       state.regime,
		BaseNotional: snap.Doc.PositionMgmt.BaseNotionalUSD,
		Now:          m.now(),
		Timeframe:    timeframe,
	}

	setup, err = m.detectors[strat].Detect(in)
	if err != nil {
		m.log.Debug().Err(err).Str("symbol", symbol).Str("strategy", strat).
			Msg("detector declined")
		return m.baseDecision(state, symbol, strat, strategy.OutcomeSkip, strategy.ReasonInsufficientData), nil
	}
	if setup == nil && !m.filter.Enabled(strat) {
		setup, _ = m.simple.Detect(strat, in)
	}

	d = m.baseDecision(state, symbol, strat, strategy.OutcomeSkip, strategy.ReasonNoSetup)
	d.Features = feats.Map()
	d.Thresholds = thresholds
	if setup == nil {
		return d, nil
	}
	d.SetupData = setup.Data

	exits := snap.Exits(strat, tier)
	res := m.filter.Score(strat, d.Features, exits)
	d.MLConfidence = &res.Confidence
	d.MLPredictions = res.Predictions()

	switch {
	case res.Confidence >= thresholds.MLConfidenceThreshold:
		d.Outcome = strategy.OutcomeTake
		d.Reason = strategy.ReasonSetupDetected
		size := m.positionSize(snap, tier, res.SizeMultiplier)
		d.ProposedSize = &size
	case res.Confidence >= thresholds.NearMissThreshold:
		d.Outcome = strategy.OutcomeNearMiss
		d.Reason = strategy.ReasonConfidenceTooLow
	default:
		d.Outcome = strategy.OutcomeSkip
		d.Reason = strategy.ReasonBelowNearMiss
	}
	if d.Outcome != strategy.OutcomeTake {
		setup = nil
	}
	return d, setup
}

// symbolBars fetches the feature window for a (symbol, timeframe) once per
// tick, memoizing both success and failure.
func (m *Manager) symbolBars(ctx context.Context, symbol, timeframe string, barsByTF map[string][]database.OhlcBar, barsErr map[string]error) ([]database.OhlcBar, error) {
	if bars, ok := barsByTF[timeframe]; ok {
		return bars, nil
	}
	if err, ok := barsErr[timeframe]; ok {
		return nil, err
	}
	dur, err := marketdata.TimeframeDuration(timeframe)
	if err != nil {
		barsErr[timeframe] = err
		return nil, err
	}
	lookbackHours := dur.Hours() * float64(features.MinBars+32)
	bars, err := m.data.GetRecent(ctx, symbol, timeframe, lookbackHours)
	if err != nil {
		barsErr[timeframe] = err
		return nil, err
	}
	barsByTF[timeframe] = bars
	return bars, nil
}

// openTakes hands the symbol's TAKE decisions to the trader, highest
// confidence first with ties broken by strategy order. A guard rejection
// rewrites the TAKE to NEAR_MISS with the guard's reason.
func (m *Manager) openTakes(ctx context.Context, state *tickState, decisions []*strategy.Decision, setups map[string]*strategy.Setup) {
	var takes []*strategy.Decision
	for _, d := range decisions {
		if d.Outcome == strategy.OutcomeTake {
			takes = append(takes, d)
		}
	}
	if len(takes) == 0 {
		return
	}

	order := make(map[string]int, len(settings.StrategyOrder))
	for i, s := range settings.StrategyOrder {
		order[s] = i
	}
	sort.SliceStable(takes, func(i, j int) bool {
		ci, cj := confOf(takes[i]), confOf(takes[j])
		if ci != cj {
			return ci > cj
		}
		return order[takes[i].Strategy] < order[takes[j].Strategy]
	})

	for _, d := range takes {
		setup := setups[d.Strategy]
		if setup == nil {
			d.Outcome = strategy.OutcomeSkip
			d.Reason = strategy.ReasonInternalError
			continue
		}
		req := trader.OpenRequest{
			Decision:   d,
			Setup:      setup,
			Confidence: d.MLConfidence,
			Snapshot:   state.snap,
		}
		if preds := d.MLPredictions; preds != nil {
			req.UseMLExits = true
			req.PredictedTP = preds["predicted_take_profit"]
			req.PredictedSL = preds["predicted_stop_loss"]
			req.PredictedHoldHours = preds["predicted_hold_hours"]
		}
		pos, err := m.trader.Open(ctx, req)
		if err != nil {
			var gerr *trader.GuardError
			if errors.As(err, &gerr) {
				d.Outcome = strategy.OutcomeNearMiss
				d.Reason = gerr.Reason
				d.ProposedSize = nil
				continue
			}
			m.log.Error().Err(err).
				Str("symbol", d.Symbol).Str("strategy", d.Strategy).
				Msg("position open failed")
			d.Outcome = strategy.OutcomeNearMiss
			d.Reason = strategy.ReasonInternalError
			d.ProposedSize = nil
			continue
		}
		d.TradeGroupID = &pos.TradeGroupID
	}
}

func confOf(d *strategy.Decision) float64 {
	if d.MLConfidence == nil {
		return 0
	}
	return *d.MLConfidence
}

// positionSize derives the notional for a TAKE: base notional scaled by tier
// and by the ML size multiplier.
func (m *Manager) positionSize(snap *settings.Snapshot, tier settings.Tier, mlMultiplier float64) float64 {
	pm := snap.Doc.PositionMgmt
	size := pm.BaseNotionalUSD
	if mult, ok := pm.SizeByTier[tier]; ok && mult > 0 {
		size *= mult
	}
	if mlMultiplier > 0 {
		size *= mlMultiplier
	}
	return size
}

// marketRegime derives the regime from BTC's 24h return. Missing BTC data
// degrades to NEUTRAL rather than blocking the tick.
func (m *Manager) marketRegime(ctx context.Context) (strategy.Regime, float64) {
	bars, err := m.data.GetRecent(ctx, "BTC", "1h", 25)
	if err != nil || len(bars) < 2 {
		m.log.Warn().Err(err).Msg("btc bars unavailable, assuming NEUTRAL regime")
		return strategy.RegimeNeutral, 0
	}
	last := bars[len(bars)-1].Close
	first := bars[0].Close
	price := last
	if px, perr := m.data.LatestPrice(ctx, "BTC"); perr == nil && px > 0 {
		price = px
	}
	if first <= 0 {
		return strategy.RegimeNeutral, price
	}
	ret24h := (last - first) / first * 100
	return strategy.RegimeFromBTCReturn(ret24h), price
}

// baseDecision builds the skeleton Decision for a cell.
func (m *Manager) baseDecision(state *tickState, symbol, strat string, outcome strategy.Outcome, reason strategy.Reason) *strategy.Decision {
	return &strategy.Decision{
		ScanID:       uuid.NewString(),
		Timestamp:    m.now(),
		Symbol:       symbol,
		Strategy:     strat,
		Outcome:      outcome,
		Reason:       reason,
		MarketRegime: state.regime,
		BTCPrice:     state.btcPrice,
	}
}

// emit enqueues the Decision. TAKEs are never dropped; NEAR_MISS and SKIP
// are shed when the logger cannot accept within the backpressure window.
func (m *Manager) emit(ctx context.Context, d *strategy.Decision) {
	if err := d.Validate(); err != nil {
		m.log.Error().Err(err).Msg("invalid decision")
		return
	}
	rec := RecordFromDecision(d)
	if m.logger.TryLog(rec) {
		return
	}
	wait := 2 * m.logger.FlushInterval()
	if m.logger.LogBlocking(ctx, rec, wait) {
		return
	}
	if d.Outcome == strategy.OutcomeTake {
		// A TAKE row must reach scan_history; keep trying past the tick.
		m.logger.LogBlocking(context.Background(), rec, time.Minute)
		return
	}
	m.log.Warn().
		Str("symbol", d.Symbol).Str("strategy", d.Strategy).
		Str("outcome", string(d.Outcome)).
		Msg("scan logger saturated, decision dropped")
}
