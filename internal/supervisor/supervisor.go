// Package supervisor drives the engine's periodic loops and keeps them alive:
// scan ticks, exit ticks, config watching, and the scan-history flusher. Loop
// liveness is reported through system_heartbeat rows.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"paper-trading-engine/internal/database"
)

// errorAfterFailures marks a loop's heartbeat status error after this many
// consecutive crashes. The loop keeps restarting regardless.
const errorAfterFailures = 5

// HeartbeatStore persists loop liveness.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, hb database.Heartbeat) error
}

// Loop is one supervised periodic task. Interval is re-read every cycle so
// config hot-reloads take effect without a restart.
type Loop struct {
	Name     string
	Interval func() time.Duration
	Tick     func(ctx context.Context)
}

// Runner is a supervised long-running task (flusher, price stream). It
// returns only when its context is cancelled.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns the task group. All loops stop when the root context is
// cancelled; Wait returns after every task has exited.
type Supervisor struct {
	beats HeartbeatStore
	log   zerolog.Logger
	loops []Loop
	runs  []Runner
}

func New(beats HeartbeatStore, log zerolog.Logger) *Supervisor {
	return &Supervisor{beats: beats, log: log}
}

// AddLoop registers a periodic loop.
func (s *Supervisor) AddLoop(l Loop) { s.loops = append(s.loops, l) }

// AddRunner registers a long-running task.
func (s *Supervisor) AddRunner(r Runner) { s.runs = append(s.runs, r) }

// Run starts every registered task and blocks until the context is cancelled
// and all tasks have returned.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.loops {
		loop := l
		g.Go(func() error {
			s.superviseLoop(ctx, loop)
			return nil
		})
	}
	for _, r := range s.runs {
		run := r
		g.Go(func() error {
			s.superviseRunner(ctx, run)
			return nil
		})
	}
	return g.Wait()
}

// superviseLoop ticks the loop on its interval, restarting after panics with
// capped exponential backoff.
func (s *Supervisor) superviseLoop(ctx context.Context, l Loop) {
	failures := 0
	bo := restartBackoff()

	for ctx.Err() == nil {
		crashed := s.safeTick(ctx, l)
		if crashed {
			failures++
			status := "degraded"
			if failures >= errorAfterFailures {
				status = "error"
				s.log.Error().
					Str("loop", l.Name).
					Int("consecutive_failures", failures).
					Msg("loop failing repeatedly, marked error, restarts continue")
			}
			s.heartbeat(ctx, l.Name, status, failures)
			wait := bo.NextBackOff()
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		failures = 0
		bo.Reset()
		s.heartbeat(ctx, l.Name, "healthy", 0)
		if !sleep(ctx, l.Interval()) {
			return
		}
	}
}

// safeTick runs one tick, converting a panic into a crash report.
func (s *Supervisor) safeTick(ctx context.Context, l Loop) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			s.log.Error().
				Interface("panic", r).
				Str("loop", l.Name).
				Msg("loop tick panicked")
		}
	}()
	l.Tick(ctx)
	return false
}

// superviseRunner restarts the runner whenever it returns early with an
// error or panics; a clean return on cancellation ends supervision.
func (s *Supervisor) superviseRunner(ctx context.Context, r Runner) {
	bo := restartBackoff()
	for ctx.Err() == nil {
		err := s.safeRun(ctx, r)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error().Err(err).Str("task", r.Name).Msg("task crashed, restarting")
		}
		if !sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (s *Supervisor) safeRun(ctx context.Context, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.Run(ctx)
}

// heartbeat upserts the loop's liveness row. Heartbeat failures are logged
// and swallowed; liveness reporting must never take a loop down.
func (s *Supervisor) heartbeat(ctx context.Context, name, status string, failures int) {
	if s.beats == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"consecutive_failures": failures,
	})
	hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	hb := database.Heartbeat{
		ServiceName:   name,
		LastHeartbeat: time.Now().UTC(),
		Status:        status,
		Metadata:      meta,
	}
	if err := s.beats.UpsertHeartbeat(hbCtx, hb); err != nil {
		s.log.Warn().Err(err).Str("service", name).Msg("heartbeat upsert failed")
	}
}

func restartBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	return bo
}

// sleep waits for d or until cancellation; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
