package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/settings"
	"paper-trading-engine/internal/strategy"
)

// EngineName tags every paper_trades row written by this process.
const EngineName = "paper"

// TradeStore is the persistence surface for paper_trades.
type TradeStore interface {
	InsertTrade(ctx context.Context, t *database.PaperTrade) error
	OpenBuys(ctx context.Context) ([]*database.PaperTrade, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
}

// PriceSource supplies current prices to the exit loop.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
	LatestBar(ctx context.Context, symbol string) (*database.OhlcBar, error)
}

// Trader owns the set of open positions. One mutex guards the position table
// and the balance ledger; it is never held across I/O.
type Trader struct {
	store  TradeStore
	prices PriceSource
	mirror *database.PositionMirror
	snap   func() *settings.Snapshot
	log    zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	positions   map[string]*Position
	balance     float64
	dailyPnL    float64
	dailyAnchor time.Time
}

// NewTrader builds a trader with an empty position table. Call Recover before
// starting the exit loop.
func NewTrader(store TradeStore, prices PriceSource, mirror *database.PositionMirror, snap func() *settings.Snapshot, log zerolog.Logger) *Trader {
	return &Trader{
		store:     store,
		prices:    prices,
		mirror:    mirror,
		snap:      snap,
		log:       log,
		now:       time.Now,
		positions: make(map[string]*Position),
	}
}

// SetClock overrides the clock for tests.
func (t *Trader) SetClock(now func() time.Time) { t.now = now }

// OpenRequest carries everything the open path needs from one TAKE decision.
type OpenRequest struct {
	Decision   *strategy.Decision
	Setup      *strategy.Setup
	Confidence *float64
	// Predicted exit fractions and hold hours. Zero values fall back to tier
	// config.
	PredictedTP        float64
	PredictedSL        float64
	PredictedHoldHours float64
	UseMLExits         bool
	Snapshot           *settings.Snapshot
}

// Open fills a TAKE decision into a simulated position. A *GuardError means a
// risk guard rejected the open and no state changed.
func (t *Trader) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	snap := req.Snapshot
	setup := req.Setup
	if setup == nil || req.Decision == nil || req.Decision.ProposedSize == nil {
		return nil, fmt.Errorf("open called without setup or proposed size")
	}
	notional := *req.Decision.ProposedSize
	tier := snap.TierFor(setup.Symbol)
	now := t.now()

	slip := snap.Slippage(tier)
	taker := snap.Doc.Fees.Taker
	entryPrice := setup.ReferencePrice * (1 + slip)
	openFees := notional * taker
	amount := (notional - openFees) / entryPrice

	exits := snap.Exits(setup.Strategy, tier)
	tpPct, slPct, holdHours := exits.TakeProfit, exits.StopLoss, exits.HoldHours
	if req.UseMLExits {
		if req.PredictedTP > 0 {
			tpPct = req.PredictedTP
		}
		if req.PredictedSL > 0 {
			slPct = req.PredictedSL
		}
		if req.PredictedHoldHours > 0 {
			holdHours = req.PredictedHoldHours
		}
	}

	pos := &Position{
		TradeGroupID:    uuid.NewString(),
		Symbol:          setup.Symbol,
		Strategy:        setup.Strategy,
		Tier:            tier,
		EntryPrice:      entryPrice,
		Amount:          amount,
		Notional:        notional,
		OpenedAt:        now,
		StopLoss:        entryPrice * (1 - slPct),
		TakeProfit:      entryPrice * (1 + tpPct),
		TrailingStopPct: exits.TrailingStop,
		ActivationPct:   exits.TrailingActivation,
		HighWatermark:   entryPrice,
		TimeoutAt:       now.Add(time.Duration(holdHours * float64(time.Hour))),
		Status:          StatusOpen,
		ScanID:          req.Decision.ScanID,
		MLConfidence:    req.Confidence,
	}
	if req.UseMLExits {
		pos.PredictedTP = ptr(tpPct)
		pos.PredictedSL = ptr(slPct)
		pos.PredictedHoldHours = ptr(holdHours)
	}
	if err := pos.validate(); err != nil {
		return nil, err
	}

	// Reserve the slot under the mutex, then persist outside it. A failed
	// persist rolls the reservation back.
	t.mu.Lock()
	t.rollDailyWindowLocked(now)
	if gerr := t.checkGuardsLocked(snap, setup.Symbol, setup.Strategy, notional); gerr != nil {
		t.mu.Unlock()
		return nil, gerr
	}
	t.positions[pos.TradeGroupID] = pos
	t.balance -= notional
	t.mu.Unlock()

	buy := &database.PaperTrade{
		TradeID:            uuid.NewString(),
		TradeGroupID:       pos.TradeGroupID,
		Symbol:             pos.Symbol,
		StrategyName:       pos.Strategy,
		Side:               "BUY",
		Price:              entryPrice,
		Amount:             amount,
		CreatedAt:          now,
		FilledAt:           now,
		StopLoss:           ptr(pos.StopLoss),
		TakeProfit:         ptr(pos.TakeProfit),
		TrailingStopPct:    ptr(pos.TrailingStopPct),
		MLConfidence:       req.Confidence,
		PredictedTP:        pos.PredictedTP,
		PredictedSL:        pos.PredictedSL,
		PredictedHoldHours: pos.PredictedHoldHours,
		ScanID:             ptr(pos.ScanID),
		TradingEngine:      EngineName,
	}
	if err := t.store.InsertTrade(ctx, buy); err != nil {
		t.mu.Lock()
		delete(t.positions, pos.TradeGroupID)
		t.balance += notional
		t.mu.Unlock()
		return nil, fmt.Errorf("persist BUY: %w", err)
	}

	t.publishMirror(ctx, pos)

	t.log.Info().
		Str("symbol", pos.Symbol).
		Str("strategy", pos.Strategy).
		Str("tier", string(tier)).
		Float64("entry", entryPrice).
		Float64("amount", amount).
		Float64("tp", pos.TakeProfit).
		Float64("sl", pos.StopLoss).
		Str("trade_group", pos.TradeGroupID).
		Msg("position opened")
	return pos, nil
}

// checkGuardsLocked applies the risk guards in their fixed order. Caller
// holds the mutex.
func (t *Trader) checkGuardsLocked(snap *settings.Snapshot, symbol, strat string, notional float64) *GuardError {
	risk := snap.Doc.RiskMgmt
	pm := snap.Doc.PositionMgmt

	open, perSymbol, perStrategy := 0, 0, 0
	for _, p := range t.positions {
		if p.Status == StatusClosed {
			continue
		}
		open++
		if p.Symbol == symbol {
			perSymbol++
		}
		if p.Strategy == strat {
			perStrategy++
		}
	}
	if open >= risk.MaxPositions {
		return &GuardError{Reason: strategy.ReasonMaxPositions}
	}
	if perSymbol >= risk.MaxPerSymbol {
		return &GuardError{Reason: strategy.ReasonMaxSymbolPositions}
	}
	if pm.MaxPerStrategy > 0 && perStrategy >= pm.MaxPerStrategy {
		return &GuardError{Reason: strategy.ReasonMaxStrategyPosition}
	}
	if pm.StartBalanceUSD > 0 {
		dailyLossPct := t.dailyPnL / pm.StartBalanceUSD * 100
		if dailyLossPct <= -risk.MaxDailyLossPct {
			return &GuardError{Reason: strategy.ReasonDailyLossLimit}
		}
	}
	usable := t.balance - pm.StartBalanceUSD*pm.ReservePct
	if usable < notional {
		return &GuardError{Reason: strategy.ReasonInsufficientBalance}
	}
	return nil
}

// rollDailyWindowLocked resets the daily PnL gauge at UTC midnight.
func (t *Trader) rollDailyWindowLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(t.dailyAnchor) {
		t.dailyAnchor = day
		t.dailyPnL = 0
	}
}

// Recover rebuilds the position table and the balance ledger from the store:
// BUY rows without a matching SELL are the open positions, realized PnL
// reconstructs the cash balance.
func (t *Trader) Recover(ctx context.Context) error {
	snap := t.snap()
	buys, err := t.store.OpenBuys(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	totalPnL, err := t.store.RealizedPnLSince(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("load realized pnl: %w", err)
	}
	now := t.now()
	dayStart := now.UTC().Truncate(24 * time.Hour)
	dailyPnL, err := t.store.RealizedPnLSince(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("load daily pnl: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.dailyAnchor = dayStart
	t.dailyPnL = dailyPnL

	var openNotional float64
	for _, b := range buys {
		pos := t.positionFromBuy(b, snap)
		t.positions[pos.TradeGroupID] = pos
		openNotional += pos.Notional
	}
	t.balance = snap.Doc.PositionMgmt.StartBalanceUSD + totalPnL - openNotional

	t.log.Info().
		Int("open_positions", len(buys)).
		Float64("balance", t.balance).
		Float64("daily_pnl", dailyPnL).
		Msg("position recovery complete")
	return nil
}

// positionFromBuy reconstructs exit parameters from the stored BUY row. The
// trailing activation is not persisted and comes from the current tier
// config.
func (t *Trader) positionFromBuy(b *database.PaperTrade, snap *settings.Snapshot) *Position {
	tier := snap.TierFor(b.Symbol)
	exits := snap.Exits(b.StrategyName, tier)

	pos := &Position{
		TradeGroupID:       b.TradeGroupID,
		Symbol:             b.Symbol,
		Strategy:           b.StrategyName,
		Tier:               tier,
		EntryPrice:         b.Price,
		Amount:             b.Amount,
		Notional:           b.Price * b.Amount,
		OpenedAt:           b.FilledAt,
		HighWatermark:      b.Price,
		ActivationPct:      exits.TrailingActivation,
		Status:             StatusOpen,
		MLConfidence:       b.MLConfidence,
		PredictedTP:        b.PredictedTP,
		PredictedSL:        b.PredictedSL,
		PredictedHoldHours: b.PredictedHoldHours,
	}
	if b.ScanID != nil {
		pos.ScanID = *b.ScanID
	}
	if b.StopLoss != nil {
		pos.StopLoss = *b.StopLoss
	} else {
		pos.StopLoss = b.Price * (1 - exits.StopLoss)
	}
	if b.TakeProfit != nil {
		pos.TakeProfit = *b.TakeProfit
	} else {
		pos.TakeProfit = b.Price * (1 + exits.TakeProfit)
	}
	if b.TrailingStopPct != nil {
		pos.TrailingStopPct = *b.TrailingStopPct
	} else {
		pos.TrailingStopPct = exits.TrailingStop
	}
	holdHours := exits.HoldHours
	if b.PredictedHoldHours != nil && *b.PredictedHoldHours > 0 {
		holdHours = *b.PredictedHoldHours
	}
	pos.TimeoutAt = b.FilledAt.Add(time.Duration(holdHours * float64(time.Hour)))
	return pos
}

// OpenPositions returns a copy of the open position table.
func (t *Trader) OpenPositions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		if p.Status != StatusClosed {
			out = append(out, *p)
		}
	}
	return out
}

// Balance returns the available cash balance.
func (t *Trader) Balance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// DailyPnL returns realized PnL since UTC midnight.
func (t *Trader) DailyPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyPnL
}

func (t *Trader) publishMirror(ctx context.Context, pos *Position) {
	if t.mirror == nil {
		return
	}
	t.mirror.Publish(ctx, database.MirroredPosition{
		TradeGroupID:  pos.TradeGroupID,
		Symbol:        pos.Symbol,
		Strategy:      pos.Strategy,
		Tier:          string(pos.Tier),
		EntryPrice:    pos.EntryPrice,
		Amount:        pos.Amount,
		Notional:      pos.Notional,
		OpenedAt:      pos.OpenedAt,
		StopLoss:      pos.StopLoss,
		TakeProfit:    pos.TakeProfit,
		TrailingPct:   pos.TrailingStopPct,
		HighWatermark: pos.HighWatermark,
		TimeoutAt:     pos.TimeoutAt,
		Status:        string(pos.Status),
	})
}

func ptr[T any](v T) *T { return &v }
