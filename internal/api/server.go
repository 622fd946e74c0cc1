// Package api exposes the engine's read-only operational surface: health,
// status, open positions, and recent scan decisions. It never mutates engine
// state.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/trader"
)

// Engine is the view of the running engine the handlers read from.
type Engine interface {
	OpenPositions() []trader.Position
	Balance() float64
	DailyPnL() float64
}

// ScanReader serves recent scan history.
type ScanReader interface {
	RecentScans(ctx context.Context, limit int) ([]database.ScanRecord, error)
}

// HealthReader reports store and loop health.
type HealthReader interface {
	HealthCheck(ctx context.Context) error
}

// HeartbeatReader lists the loop liveness rows.
type HeartbeatReader interface {
	Heartbeats(ctx context.Context) ([]database.Heartbeat, error)
}

// TickReader reports the last scan tick.
type TickReader interface {
	LastTick() (time.Time, int)
}

// Server is the HTTP status server.
type Server struct {
	engine    Engine
	scans     ScanReader
	health    HealthReader
	beats     HeartbeatReader
	ticks     TickReader
	mirror    *database.PositionMirror
	version   string
	startedAt time.Time
	log       zerolog.Logger
	http      *http.Server
}

// Config wires the server's read surfaces.
type Config struct {
	Addr    string
	Engine  Engine
	Scans   ScanReader
	Health  HealthReader
	Beats   HeartbeatReader
	Ticks   TickReader
	Mirror  *database.PositionMirror
	Version string
}

func NewServer(cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		engine:    cfg.Engine,
		scans:     cfg.Scans,
		health:    cfg.Health,
		beats:     cfg.Beats,
		ticks:     cfg.Ticks,
		mirror:    cfg.Mirror,
		version:   cfg.Version,
		startedAt: time.Now(),
		log:       log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", s.handleHealthz)
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/scans/last", s.handleLastScans)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("status api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	dbOK := true
	if err := s.health.HealthCheck(ctx); err != nil {
		dbOK = false
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"database":     dbOK,
		"redis_mirror": s.mirror != nil && s.mirror.Healthy(),
		"uptime_sec":   int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	lastTick, cells := s.ticks.LastTick()

	resp := gin.H{
		"version":         s.version,
		"balance":         s.engine.Balance(),
		"daily_pnl":       s.engine.DailyPnL(),
		"open_positions":  len(s.engine.OpenPositions()),
		"last_scan_tick":  lastTick,
		"last_tick_cells": cells,
	}
	if s.beats != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if beats, err := s.beats.Heartbeats(ctx); err == nil {
			hb := make(map[string]gin.H, len(beats))
			for _, b := range beats {
				hb[b.ServiceName] = gin.H{
					"status":         b.Status,
					"last_heartbeat": b.LastHeartbeat,
				}
			}
			resp["heartbeats"] = hb
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.engine.OpenPositions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"trade_group_id":    p.TradeGroupID,
			"symbol":            p.Symbol,
			"strategy":          p.Strategy,
			"tier":              p.Tier,
			"entry_price":       p.EntryPrice,
			"amount":            p.Amount,
			"notional":          p.Notional,
			"opened_at":         p.OpenedAt,
			"stop_loss":         p.StopLoss,
			"take_profit":       p.TakeProfit,
			"trailing_stop_pct": p.TrailingStopPct,
			"high_watermark":    p.HighWatermark,
			"timeout_at":        p.TimeoutAt,
			"status":            p.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (s *Server) handleLastScans(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	records, err := s.scans.RecentScans(ctx, 300)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": records, "count": len(records)})
}
