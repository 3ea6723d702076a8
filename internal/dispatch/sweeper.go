package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const sweepBatchSize = 50

// Sweeper periodically reconciles attempts stuck in processing by querying
// the engine directly, covering for lost or undeliverable callbacks. Verdicts
// it recovers flow through the same idempotent transition as callbacks, so a
// sweep racing a late callback is harmless.
type Sweeper struct {
	dispatcher *Dispatcher
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewSweeper creates a Sweeper that every interval resolves processing
// attempts whose last update is older than staleAfter.
func NewSweeper(d *Dispatcher, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		dispatcher: d,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// sweep resolves one batch of stale processing attempts.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.dispatcher.store.ListStaleProcessing(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("list stale attempts", "error", err)
		return
	}

	for _, a := range stale {
		verdict, err := s.dispatcher.gateway.FetchStatus(ctx, a.Token)
		if err != nil {
			s.logger.Warn("fetch engine status", "attempt_id", a.ID, "token", a.Token, "error", err)
			continue
		}

		status, ok := TerminalStatusFor(verdict.Status)
		if !ok {
			// Engine is still working on it; leave the attempt alone.
			continue
		}

		result, err := json.Marshal(verdict)
		if err != nil {
			s.logger.Error("marshal verdict", "attempt_id", a.ID, "error", err)
			continue
		}

		applied, err := s.dispatcher.ApplyVerdict(ctx, a.Token, status, result)
		if err != nil {
			s.logger.Error("apply swept verdict", "attempt_id", a.ID, "token", a.Token, "error", err)
			continue
		}
		if applied {
			sweepRecovered.Inc()
			s.logger.Info("stale attempt reconciled", "attempt_id", a.ID, "status", status)
		}
	}
}
