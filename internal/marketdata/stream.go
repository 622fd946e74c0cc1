package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream is a thin adapter over the provider's websocket trade feed. It keeps
// only the most recent trade price per symbol; all historical data still
// comes from the relational store. The feed itself is an external collaborator.
type Stream struct {
	url     string
	apiKey  string
	symbols []string
	log     zerolog.Logger

	mu     sync.RWMutex
	prices map[string]streamTick
	maxAge time.Duration
}

type streamTick struct {
	price float64
	at    time.Time
}

// tradeMessage is the provider's trade frame.
type tradeMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TsMs   int64   `json:"ts"`
}

// NewStream builds a stream client. An empty url disables it.
func NewStream(url, apiKey string, symbols []string, log zerolog.Logger) *Stream {
	return &Stream{
		url:     url,
		apiKey:  apiKey,
		symbols: symbols,
		log:     log,
		prices:  make(map[string]streamTick),
		maxAge:  30 * time.Second,
	}
}

// Run connects and consumes the feed until ctx is cancelled, reconnecting
// with exponential backoff after any failure.
func (s *Stream) Run(ctx context.Context) {
	if s.url == "" {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // reconnect forever
	bo.MaxInterval = time.Minute

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("market data stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	header := map[string][]string{}
	if s.apiKey != "" {
		header["X-API-Key"] = []string{s.apiKey}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{"op": "subscribe", "channel": "trades", "symbols": s.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.log.Info().Int("symbols", len(s.symbols)).Msg("market data stream connected")

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg tradeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		s.mu.Lock()
		s.prices[msg.Symbol] = streamTick{price: msg.Price, at: time.Now()}
		s.mu.Unlock()
	}
}

// LastPrice returns the most recent trade price if it is fresh enough.
func (s *Stream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tick, ok := s.prices[symbol]
	if !ok || time.Since(tick.at) > s.maxAge {
		return 0, false
	}
	return tick.price, true
}
