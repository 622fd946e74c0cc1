package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/config"
	"paper-trading-engine/internal/api"
	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/engine"
	"paper-trading-engine/internal/logging"
	"paper-trading-engine/internal/marketdata"
	"paper-trading-engine/internal/ml"
	"paper-trading-engine/internal/settings"
	"paper-trading-engine/internal/supervisor"
	"paper-trading-engine/internal/trader"
)

// Exit codes per the CLI contract.
const (
	exitOK     = 0
	exitConfig = 1
	exitStore  = 2
	exitSignal = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	log := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: "stderr",
	})

	if cfg.Environment == config.EnvLive {
		log.Error().Msg("live trading is not supported by this engine, refusing to start")
		return exitConfig
	}

	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		return exitStore
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Error().Err(err).Msg("migrations failed")
		return exitStore
	}

	switch cmd {
	case "run":
		return runEngine(ctx, cfg, db, log)
	case "backfill":
		return runBackfill(ctx, db, log, args)
	case "reset-positions":
		return runResetPositions(ctx, cfg, db, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected run, backfill, reset-positions)\n", cmd)
		return exitConfig
	}
}

// writeLocker is the advisory-lock surface shared by every command that may
// write paper_trades.
type writeLocker interface {
	TryAdvisoryLock(ctx context.Context) (bool, error)
}

// acquireWriteLock takes the single-writer lock. Exactly one of run, backfill,
// and reset-positions may hold it at a time.
func acquireWriteLock(ctx context.Context, locker writeLocker, log zerolog.Logger) int {
	acquired, err := locker.TryAdvisoryLock(ctx)
	if err != nil {
		log.Error().Err(err).Msg("advisory lock check failed")
		return exitStore
	}
	if !acquired {
		log.Error().Msg("another process holds the write lock, refusing to start")
		return exitConfig
	}
	return exitOK
}

func runEngine(ctx context.Context, cfg *config.Config, db *database.DB, log zerolog.Logger) int {
	if code := acquireWriteLock(ctx, db, log); code != exitOK {
		return code
	}

	sysRepo := database.NewSystemRepository(db)
	scanRepo := database.NewScanRepository(db)
	tradeRepo := database.NewTradeRepository(db)
	ohlcRepo := database.NewOhlcRepository(db)

	loader := settings.NewLoader(sysRepo, cfg.ConfigPath, logging.Component(log, "settings"))
	if err := loader.Start(ctx); err != nil {
		log.Error().Err(err).Msg("no valid trading config, cannot start")
		return exitConfig
	}
	snap := loader.Snapshot()
	g := snap.Doc.GlobalSettings

	var stream *marketdata.Stream
	if cfg.MarketDataWSURL != "" {
		stream = marketdata.NewStream(cfg.MarketDataWSURL, cfg.MarketDataAPIKey,
			snap.Universe(), logging.Component(log, "stream"))
	}
	fetcher := marketdata.NewFetcher(ohlcRepo, logging.Component(log, "fetcher"), marketdata.FetcherOptions{
		FreshnessMax: time.Duration(g.FreshnessMaxSec) * time.Second,
		Stream:       stream,
	})

	filter, err := ml.NewFilter(cfg.ModelDir, logging.Component(log, "ml"))
	if err != nil {
		log.Error().Err(err).Msg("ml model load failed")
		return exitConfig
	}

	mirror := database.NewPositionMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
		logging.Component(log, "mirror"))

	tr := trader.NewTrader(tradeRepo, fetcher, mirror, loader.Snapshot,
		logging.Component(log, "trader"))
	if err := tr.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("position recovery failed")
		return exitStore
	}

	scanLogger := engine.NewScanLogger(scanRepo, logging.Component(log, "scanlog"),
		engine.ScanLoggerOptions{})
	manager := engine.NewManager(fetcher, filter, scanLogger, tr, loader,
		logging.Component(log, "scanner"))

	server := api.NewServer(api.Config{
		Addr:    cfg.ListenAddr,
		Engine:  tr,
		Scans:   scanRepo,
		Health:  db,
		Beats:   sysRepo,
		Ticks:   manager,
		Mirror:  mirror,
		Version: snap.Version,
	}, logging.Component(log, "api"))

	// SIGHUP forces a config re-read between the periodic reloads.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	kick := make(chan struct{}, 1)
	go func() {
		for range hup {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}()

	sup := supervisor.New(sysRepo, logging.Component(log, "supervisor"))
	sup.AddLoop(supervisor.Loop{
		Name: "scan_loop",
		Interval: func() time.Duration {
			return time.Duration(loader.Snapshot().Doc.GlobalSettings.ScanIntervalSec) * time.Second
		},
		Tick: manager.ScanTick,
	})
	sup.AddLoop(supervisor.Loop{
		Name: "exit_loop",
		Interval: func() time.Duration {
			return time.Duration(loader.Snapshot().Doc.GlobalSettings.ExitIntervalSec) * time.Second
		},
		Tick: func(tickCtx context.Context) {
			cell := time.Duration(loader.Snapshot().Doc.GlobalSettings.ExitCellTimeoutSec) * time.Second
			tr.ExitTick(tickCtx, cell)
		},
	})
	sup.AddRunner(supervisor.Runner{Name: "scan_logger", Run: scanLogger.Run})
	sup.AddRunner(supervisor.Runner{Name: "status_api", Run: server.Run})
	sup.AddRunner(supervisor.Runner{
		Name: "config_watcher",
		Run: func(runCtx context.Context) error {
			loader.Watch(runCtx, 5*time.Minute, kick)
			return nil
		},
	})
	if stream != nil {
		sup.AddRunner(supervisor.Runner{
			Name: "price_stream",
			Run: func(runCtx context.Context) error {
				stream.Run(runCtx)
				return nil
			},
		})
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("config_version", snap.Version).
		Int("universe", len(snap.Universe())).
		Msg("paper trading engine started")

	err = sup.Run(ctx)
	signal.Stop(hup)
	close(hup)

	if errors.Is(ctx.Err(), context.Canceled) {
		log.Info().Msg("shutdown complete")
		return exitSignal
	}
	if err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		return exitStore
	}
	return exitOK
}

// runBackfill is deliberately a stub: historical ingestion is owned by an
// external job. The command still takes the engine's advisory lock so a
// future implementation cannot write concurrently with a running engine.
func runBackfill(ctx context.Context, db *database.DB, log zerolog.Logger, args []string) int {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: backfill <symbol> <from RFC3339> <to RFC3339>")
		return exitConfig
	}
	from, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid from time: %v\n", err)
		return exitConfig
	}
	to, err := time.Parse(time.RFC3339, args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid to time: %v\n", err)
		return exitConfig
	}
	if !from.Before(to) {
		fmt.Fprintln(os.Stderr, "from must be before to")
		return exitConfig
	}

	if code := acquireWriteLock(ctx, db, log); code != exitOK {
		return code
	}

	log.Info().
		Str("symbol", args[0]).
		Time("from", from).
		Time("to", to).
		Msg("backfill is delegated to the external ingestion job, nothing to do")
	return exitOK
}

// runResetPositions closes every open position at the current price with
// reason manual.
func runResetPositions(ctx context.Context, cfg *config.Config, db *database.DB, log zerolog.Logger) int {
	// Resetting while the engine runs would double-close every open trade
	// group, so the reset takes the same write lock as run.
	if code := acquireWriteLock(ctx, db, log); code != exitOK {
		return code
	}

	sysRepo := database.NewSystemRepository(db)
	tradeRepo := database.NewTradeRepository(db)
	ohlcRepo := database.NewOhlcRepository(db)

	loader := settings.NewLoader(sysRepo, cfg.ConfigPath, logging.Component(log, "settings"))
	if err := loader.Start(ctx); err != nil {
		log.Error().Err(err).Msg("no valid trading config")
		return exitConfig
	}

	fetcher := marketdata.NewFetcher(ohlcRepo, logging.Component(log, "fetcher"), marketdata.FetcherOptions{})
	tr := trader.NewTrader(tradeRepo, fetcher, nil, loader.Snapshot,
		logging.Component(log, "trader"))
	if err := tr.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("position recovery failed")
		return exitStore
	}

	closed, err := tr.CloseAll(ctx, trader.ExitManual)
	if err != nil {
		log.Error().Err(err).Int("closed", closed).Msg("reset finished with errors")
		return exitStore
	}
	log.Info().Int("closed", closed).Msg("all positions closed")
	return exitOK
}
