// Redis-backed mirror of open paper positions so external readers (dashboard,
// standby instance) can see live state without querying Postgres. Postgres
// stays the source of truth; when Redis is down the mirror falls back to an
// in-memory map and keeps the engine trading.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	positionKeyPrefix = "paper:position"
	positionSetKey    = "paper:positions:open"

	// Positions usually close within hours; keep mirror entries for a week
	// so stale keys self-expire even if a delete is lost.
	positionMirrorTTL = 7 * 24 * time.Hour
)

// MirroredPosition is the externally visible snapshot of one open position.
type MirroredPosition struct {
	TradeGroupID  string    `json:"trade_group_id"`
	Symbol        string    `json:"symbol"`
	Strategy      string    `json:"strategy"`
	Tier          string    `json:"tier"`
	EntryPrice    float64   `json:"entry_price"`
	Amount        float64   `json:"amount"`
	Notional      float64   `json:"notional"`
	OpenedAt      time.Time `json:"opened_at"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	TrailingPct   float64   `json:"trailing_stop_pct"`
	HighWatermark float64   `json:"high_watermark"`
	TimeoutAt     time.Time `json:"timeout_at"`
	Status        string    `json:"status"`
}

// PositionMirror publishes open-position state to Redis.
type PositionMirror struct {
	client *redis.Client
	log    zerolog.Logger

	redisDown atomic.Bool

	fallbackMu sync.RWMutex
	fallback   map[string]MirroredPosition
}

// NewPositionMirror connects to Redis. A nil client (addr == "") yields a
// mirror that only keeps the in-memory map.
func NewPositionMirror(addr, password string, db int, log zerolog.Logger) *PositionMirror {
	m := &PositionMirror{
		log:      log,
		fallback: make(map[string]MirroredPosition),
	}
	if addr != "" {
		m.client = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
	}
	return m
}

// Publish stores or refreshes one position in the mirror.
func (m *PositionMirror) Publish(ctx context.Context, pos MirroredPosition) {
	m.fallbackMu.Lock()
	m.fallback[pos.TradeGroupID] = pos
	m.fallbackMu.Unlock()

	if m.client == nil {
		return
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s:%s", positionKeyPrefix, pos.TradeGroupID)
	pipe := m.client.Pipeline()
	pipe.Set(ctx, key, data, positionMirrorTTL)
	pipe.SAdd(ctx, positionSetKey, pos.TradeGroupID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.markDown(err)
		return
	}
	m.markUp()
}

// Remove deletes a closed position from the mirror.
func (m *PositionMirror) Remove(ctx context.Context, tradeGroupID string) {
	m.fallbackMu.Lock()
	delete(m.fallback, tradeGroupID)
	m.fallbackMu.Unlock()

	if m.client == nil {
		return
	}
	key := fmt.Sprintf("%s:%s", positionKeyPrefix, tradeGroupID)
	pipe := m.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, positionSetKey, tradeGroupID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.markDown(err)
	}
}

// Snapshot returns the mirrored open positions from the in-memory map (which
// is always current regardless of Redis health).
func (m *PositionMirror) Snapshot() []MirroredPosition {
	m.fallbackMu.RLock()
	defer m.fallbackMu.RUnlock()

	out := make([]MirroredPosition, 0, len(m.fallback))
	for _, pos := range m.fallback {
		out = append(out, pos)
	}
	return out
}

// Healthy reports whether the last Redis operation succeeded.
func (m *PositionMirror) Healthy() bool {
	return m.client != nil && !m.redisDown.Load()
}

func (m *PositionMirror) markDown(err error) {
	if m.redisDown.CompareAndSwap(false, true) {
		m.log.Warn().Err(err).Msg("redis unavailable, position mirror degraded to in-memory")
	}
}

func (m *PositionMirror) markUp() {
	if m.redisDown.CompareAndSwap(true, false) {
		m.log.Info().Msg("redis recovered, position mirror restored")
	}
}
