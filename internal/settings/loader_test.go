package settings

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
)

const baseDoc = `{
	"version": "1.0.15",
	"global_settings": {},
	"strategies": {
		"DCA": {
			"timeframe": "15m",
			"detection_thresholds_by_tier": {
				"mid_cap": {"drop_threshold": -2.25, "ml_confidence_threshold": 0.6, "near_miss_threshold": 0.4}
			},
			"exits_by_tier": {
				"mid_cap": {"take_profit": 0.04, "stop_loss": 0.061, "trailing_stop": 0.035, "trailing_activation": 0.025, "hold_hours": 72}
			}
		}
	},
	"market_cap_tiers": {
		"large_cap": ["ETH", "BTC"],
		"mid_cap": ["SOL", "LINK"]
	},
	"position_management": {"base_notional_usd": 100, "reserve_pct": 0.2},
	"risk_management": {"max_positions": 30, "max_per_symbol": 3, "max_daily_loss_pct": 10},
	"fees": {"taker": 0.0026},
	"slippage_rates": {"mid_cap": 0.0015}
}`

func TestParseAppliesDefaults(t *testing.T) {
	doc, err := Parse([]byte(baseDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g := doc.GlobalSettings
	if g.ScanIntervalSec != 60 || g.ExitIntervalSec != 30 || g.MaxScanTickSec != 50 {
		t.Errorf("cadence defaults not applied: %+v", g)
	}
	if g.CellTimeoutSec != 5 || g.ExitCellTimeoutSec != 3 {
		t.Errorf("timeout defaults not applied: %+v", g)
	}
	if doc.PositionMgmt.StartBalanceUSD != 10000 {
		t.Errorf("start balance default: want 10000, got %v", doc.PositionMgmt.StartBalanceUSD)
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
	}{
		{"unknown field", func(s string) string {
			return strings.Replace(s, `"version"`, `"verzion"`, 1)
		}},
		{"missing version", func(s string) string {
			return strings.Replace(s, `"version": "1.0.15",`, "", 1)
		}},
		{"invalid timeframe", func(s string) string {
			return strings.Replace(s, `"timeframe": "15m"`, `"timeframe": "7m"`, 1)
		}},
		{"take profit out of range", func(s string) string {
			return strings.Replace(s, `"take_profit": 0.04`, `"take_profit": 4.0`, 1)
		}},
		{"near miss above confidence", func(s string) string {
			return strings.Replace(s, `"near_miss_threshold": 0.4`, `"near_miss_threshold": 0.9`, 1)
		}},
		{"fee out of range", func(s string) string {
			return strings.Replace(s, `"taker": 0.0026`, `"taker": 0.5`, 1)
		}},
		{"zero max positions", func(s string) string {
			return strings.Replace(s, `"max_positions": 30`, `"max_positions": 0`, 1)
		}},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.mutate(baseDoc))); err == nil {
			t.Errorf("%s: expected parse failure", tc.name)
		}
	}
}

func TestUniverseDeterministicOrder(t *testing.T) {
	doc, err := Parse([]byte(baseDoc))
	if err != nil {
		t.Fatal(err)
	}
	// Tier order first (large before mid), sorted within each tier.
	want := []string{"BTC", "ETH", "LINK", "SOL"}
	got := doc.Universe()
	if len(got) != len(want) {
		t.Fatalf("universe: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("universe order: want %v, got %v", want, got)
		}
	}
}

func TestTierForDefaultsToSmallCap(t *testing.T) {
	doc, err := Parse([]byte(baseDoc))
	if err != nil {
		t.Fatal(err)
	}
	snap := newSnapshot(doc, time.Now())
	if tier := snap.TierFor("BTC"); tier != TierLargeCap {
		t.Errorf("BTC tier: want large_cap, got %s", tier)
	}
	if tier := snap.TierFor("UNKNOWNCOIN"); tier != TierSmallCap {
		t.Errorf("unlisted tier: want small_cap, got %s", tier)
	}
}

type fakeConfigStore struct {
	audits []database.ConfigAudit
}

func (s *fakeConfigStore) LoadTradingConfig(ctx context.Context, key string) (*database.TradingConfigRow, error) {
	return nil, database.ErrNoConfig
}

func (s *fakeConfigStore) AppendConfigHistory(ctx context.Context, a database.ConfigAudit) error {
	s.audits = append(s.audits, a)
	return nil
}

func writeConfig(t *testing.T, path, doc string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseDoc)

	store := &fakeConfigStore{}
	l := NewLoader(store, path, zerolog.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := l.Snapshot()
	if first.Version != "1.0.15" {
		t.Fatalf("version: want 1.0.15, got %s", first.Version)
	}

	// Version bump with a tighter DCA threshold.
	updated := strings.Replace(baseDoc, `"version": "1.0.15"`, `"version": "1.0.16"`, 1)
	updated = strings.Replace(updated, `"drop_threshold": -2.25`, `"drop_threshold": -3.0`, 1)
	writeConfig(t, path, updated)
	if err := l.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	second := l.Snapshot()
	if second.Version != "1.0.16" {
		t.Errorf("version after reload: want 1.0.16, got %s", second.Version)
	}
	if got := second.Detection(StrategyDCA, TierMidCap).DropThreshold; got != -3.0 {
		t.Errorf("new threshold not visible: %v", got)
	}
	// The captured first snapshot is immutable: ticks that grabbed it keep
	// the old thresholds.
	if got := first.Detection(StrategyDCA, TierMidCap).DropThreshold; got != -2.25 {
		t.Errorf("old snapshot mutated: %v", got)
	}
	if len(store.audits) != 1 {
		t.Fatalf("want 1 audit row, got %d", len(store.audits))
	}
	if store.audits[0].Version != "1.0.16" {
		t.Errorf("audit version: want 1.0.16, got %s", store.audits[0].Version)
	}
}

func TestLoaderKeepsSnapshotOnInvalidUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseDoc)

	l := NewLoader(nil, path, zerolog.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	writeConfig(t, path, `{"version": "broken"`)
	if err := l.reload(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}
	if l.Snapshot().Version != "1.0.15" {
		t.Errorf("previous snapshot must survive a bad update")
	}
}

func TestLoaderUnchangedDocumentShortCircuits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, baseDoc)

	store := &fakeConfigStore{}
	l := NewLoader(store, path, zerolog.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := l.Snapshot()

	if err := l.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if l.Snapshot() != first {
		t.Error("unchanged document must not republish the snapshot")
	}
	if len(store.audits) != 0 {
		t.Errorf("unchanged document must not append audit rows, got %d", len(store.audits))
	}
}
