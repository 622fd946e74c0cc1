// Package engine drives the scan loop: the per-cell strategy pipeline, the
// decision classifier, and the buffered scan-history writer.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/database"
	"paper-trading-engine/internal/strategy"
)

// ScanStore is the scan_history write surface.
type ScanStore interface {
	InsertBatch(ctx context.Context, records []database.ScanRecord) error
}

// spillAfterFailures is the consecutive-failure count after which retained
// batches are spilled to the fallback file.
const spillAfterFailures = 5

// ScanLogger buffers Decisions and batch-inserts them into scan_history.
// Delivery is at-least-once on clean shutdown; scan_id uniqueness makes
// replays idempotent downstream.
type ScanLogger struct {
	store ScanStore
	log   zerolog.Logger

	queue      chan database.ScanRecord
	batchSize  int
	flushEvery time.Duration
	spillPath  string

	retained []database.ScanRecord
	failures int
}

// ScanLoggerOptions tune queue and flush behavior. Zero values take defaults.
type ScanLoggerOptions struct {
	QueueSize  int
	BatchSize  int
	FlushEvery time.Duration
	SpillPath  string
}

func NewScanLogger(store ScanStore, log zerolog.Logger, opts ScanLoggerOptions) *ScanLogger {
	if opts.QueueSize == 0 {
		opts.QueueSize = 2048
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}
	if opts.FlushEvery == 0 {
		opts.FlushEvery = 5 * time.Second
	}
	if opts.SpillPath == "" {
		opts.SpillPath = "scan_history_spill.jsonl"
	}
	return &ScanLogger{
		store:      store,
		log:        log,
		queue:      make(chan database.ScanRecord, opts.QueueSize),
		batchSize:  opts.BatchSize,
		flushEvery: opts.FlushEvery,
		spillPath:  opts.SpillPath,
	}
}

// FlushInterval exposes the flush cadence so callers can bound their
// backpressure wait.
func (s *ScanLogger) FlushInterval() time.Duration { return s.flushEvery }

// TryLog enqueues without blocking. A false return means the queue is full.
func (s *ScanLogger) TryLog(rec database.ScanRecord) bool {
	select {
	case s.queue <- rec:
		return true
	default:
		return false
	}
}

// LogBlocking enqueues, waiting up to the timeout for queue space.
func (s *ScanLogger) LogBlocking(ctx context.Context, rec database.ScanRecord, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.queue <- rec:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run is the flusher loop. It drains the queue and performs a final flush on
// context cancellation before returning.
func (s *ScanLogger) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	pending := make([]database.ScanRecord, 0, s.batchSize)
	for {
		select {
		case rec := <-s.queue:
			pending = append(pending, rec)
			if len(pending) >= s.batchSize {
				pending = s.flush(ctx, pending)
			}
		case <-ticker.C:
			pending = s.flush(ctx, pending)
		case <-ctx.Done():
			// Final drain; use a fresh context since ctx is already gone.
			for {
				select {
				case rec := <-s.queue:
					pending = append(pending, rec)
					continue
				default:
				}
				break
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			pending = s.flush(drainCtx, pending)
			cancel()
			if len(pending) > 0 {
				s.spill(pending)
			}
			if len(s.retained) > 0 {
				s.spill(s.retained)
				s.retained = nil
			}
			return nil
		}
	}
}

// flush writes retained-then-pending records. On failure everything is
// retained for the next attempt; after spillAfterFailures consecutive
// failures the retained records go to the fallback file.
func (s *ScanLogger) flush(ctx context.Context, pending []database.ScanRecord) []database.ScanRecord {
	batch := append(s.retained, pending...)
	s.retained = nil
	if len(batch) == 0 {
		return pending[:0]
	}

	if err := s.store.InsertBatch(ctx, batch); err != nil {
		s.failures++
		s.log.Warn().Err(err).
			Int("records", len(batch)).
			Int("consecutive_failures", s.failures).
			Msg("scan history flush failed, retaining batch")
		if s.failures >= spillAfterFailures {
			s.spill(batch)
			s.failures = 0
		} else {
			s.retained = batch
		}
		return pending[:0]
	}
	s.failures = 0
	return pending[:0]
}

// spill appends records to the local fallback file as JSON lines. Loss here
// is acceptable only for NEAR_MISS/SKIP telemetry; TAKEs were already acted
// on.
func (s *ScanLogger) spill(records []database.ScanRecord) {
	f, err := os.OpenFile(s.spillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Error().Err(err).Int("records", len(records)).
			Msg("scan history spill failed, records lost")
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			s.log.Error().Err(err).Msg("scan history spill encode failed")
			return
		}
	}
	s.log.Warn().Int("records", len(records)).Str("path", s.spillPath).
		Msg("scan history spilled to fallback file")
}

// RecordFromDecision flattens a Decision into its scan_history row.
func RecordFromDecision(d *strategy.Decision) database.ScanRecord {
	rec := database.ScanRecord{
		ScanID:       d.ScanID,
		Timestamp:    d.Timestamp,
		Symbol:       d.Symbol,
		StrategyName: d.Strategy,
		Decision:     string(d.Outcome),
		Reason:       string(d.Reason),
		MarketRegime: string(d.MarketRegime),
		BTCPrice:     d.BTCPrice,
		MLConfidence: d.MLConfidence,
		ProposedSize: d.ProposedSize,
		TradeID:      d.TradeGroupID,
	}
	rec.Features = mustJSON(d.Features)
	rec.SetupData = mustJSON(d.SetupData)
	rec.MLPredictions = mustJSON(d.MLPredictions)
	rec.Thresholds = mustJSON(d.Thresholds)
	return rec
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
