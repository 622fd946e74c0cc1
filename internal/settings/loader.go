package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
)

// ConfigKey is the trading_config row the engine reads.
const ConfigKey = "paper_engine"

// Snapshot is an immutable, atomically published view of the document with
// derived lookups. Scan ticks capture one snapshot at tick start and use it
// throughout; a mid-tick replacement only affects the next tick.
type Snapshot struct {
	Doc       *Document
	Version   string
	LoadedAt  time.Time
	tierBySym map[string]Tier
	universe  []string
}

// TierFor resolves a symbol's tier. Unlisted symbols default to small_cap.
func (s *Snapshot) TierFor(symbol string) Tier {
	if t, ok := s.tierBySym[symbol]; ok {
		return t
	}
	return TierSmallCap
}

// Universe returns the deterministic symbol scan order.
func (s *Snapshot) Universe() []string { return s.universe }

// Detection returns detection thresholds for (strategy, tier), falling back
// to the tier's zero value when the strategy omits the tier.
func (s *Snapshot) Detection(strategy string, tier Tier) DetectionThresholds {
	return s.Doc.Strategies[strategy].DetectionByTier[tier]
}

// Exits returns exit parameters for (strategy, tier).
func (s *Snapshot) Exits(strategy string, tier Tier) ExitParams {
	return s.Doc.Strategies[strategy].ExitsByTier[tier]
}

// Slippage returns the tier slippage rate applied to simulated fills.
func (s *Snapshot) Slippage(tier Tier) float64 {
	return s.Doc.SlippageRates[tier]
}

func newSnapshot(doc *Document, now time.Time) *Snapshot {
	tierBySym := make(map[string]Tier)
	for tier, symbols := range doc.MarketCapTiers {
		for _, sym := range symbols {
			tierBySym[sym] = tier
		}
	}
	return &Snapshot{
		Doc:       doc,
		Version:   doc.Version,
		LoadedAt:  now,
		tierBySym: tierBySym,
		universe:  doc.Universe(),
	}
}

// ConfigStore is the persistence surface the loader needs.
type ConfigStore interface {
	LoadTradingConfig(ctx context.Context, key string) (*database.TradingConfigRow, error)
	AppendConfigHistory(ctx context.Context, a database.ConfigAudit) error
}

// Loader loads the trading configuration from the store (preferred) or a
// local file, validates it, and republishes the snapshot on change.
type Loader struct {
	store    ConfigStore
	filePath string
	log      zerolog.Logger
	now      func() time.Time

	current atomic.Pointer[Snapshot]
	rawLast []byte
}

// NewLoader builds a loader. store may be nil (file-only mode); filePath may
// be empty (store-only mode). At least one source is required at Start.
func NewLoader(store ConfigStore, filePath string, log zerolog.Logger) *Loader {
	return &Loader{store: store, filePath: filePath, log: log, now: time.Now}
}

// Snapshot returns the current configuration snapshot.
func (l *Loader) Snapshot() *Snapshot {
	return l.current.Load()
}

// Start performs the initial load. A startup with no valid config is fatal.
func (l *Loader) Start(ctx context.Context) error {
	if err := l.reload(ctx); err != nil {
		return fmt.Errorf("initial trading config load: %w", err)
	}
	return nil
}

// Watch re-reads the configuration on the interval and on each signal fired
// through kick (e.g. SIGHUP). Validation failures keep the prior snapshot.
func (l *Loader) Watch(ctx context.Context, interval time.Duration, kick <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
		if err := l.reload(ctx); err != nil {
			l.log.Warn().Err(err).Msg("trading config reload failed, keeping previous snapshot")
		}
	}
}

func (l *Loader) reload(ctx context.Context) error {
	raw, version, source, err := l.fetchRaw(ctx)
	if err != nil {
		return err
	}
	if l.rawLast != nil && string(raw) == string(l.rawLast) {
		return nil // unchanged
	}

	doc, err := Parse(raw)
	if err != nil {
		return err
	}
	if version == "" {
		version = doc.Version
	}

	prev := l.current.Load()
	snap := newSnapshot(doc, l.now())
	l.current.Store(snap)
	l.rawLast = raw

	l.log.Info().
		Str("version", doc.Version).
		Str("source", source).
		Msg("trading config published")

	if prev != nil && l.store != nil {
		audit := database.ConfigAudit{
			Timestamp:      l.now(),
			Version:        doc.Version,
			SectionChanged: diffSection(prev.Doc, doc),
			OldValue:       mustMarshal(prev.Version),
			NewValue:       mustMarshal(doc.Version),
			ChangedBy:      "loader",
		}
		if err := l.store.AppendConfigHistory(ctx, audit); err != nil {
			l.log.Warn().Err(err).Msg("config audit append failed")
		}
	}
	return nil
}

func (l *Loader) fetchRaw(ctx context.Context) (raw []byte, version, source string, err error) {
	if l.store != nil {
		row, serr := l.store.LoadTradingConfig(ctx, ConfigKey)
		if serr == nil {
			return row.ConfigData, row.ConfigVersion, "store", nil
		}
		if !errors.Is(serr, database.ErrNoConfig) {
			l.log.Warn().Err(serr).Msg("trading config store read failed, trying file")
		}
	}
	if l.filePath == "" {
		return nil, "", "", fmt.Errorf("no trading config source available")
	}
	data, ferr := os.ReadFile(l.filePath)
	if ferr != nil {
		return nil, "", "", fmt.Errorf("read config file: %w", ferr)
	}
	return data, "", "file", nil
}

// diffSection identifies the first top-level section that changed, for the
// audit trail. Coarse by design.
func diffSection(old, new *Document) string {
	switch {
	case old.Version != new.Version:
		return "version"
	case !jsonEqual(old.Strategies, new.Strategies):
		return "strategies"
	case !jsonEqual(old.MarketCapTiers, new.MarketCapTiers):
		return "market_cap_tiers"
	case !jsonEqual(old.RiskMgmt, new.RiskMgmt):
		return "risk_management"
	case !jsonEqual(old.PositionMgmt, new.PositionMgmt):
		return "position_management"
	case !jsonEqual(old.Fees, new.Fees):
		return "fees"
	case !jsonEqual(old.SlippageRates, new.SlippageRates):
		return "slippage_rates"
	case !jsonEqual(old.GlobalSettings, new.GlobalSettings):
		return "global_settings"
	default:
		return "unknown"
	}
}

func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
