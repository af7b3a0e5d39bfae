package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/acrispino/chat-relay/internal/storage"
)

// Sweeper reconciles traces left in a non-terminal status by a crash
// between a payload write and the header finalize. Anything still
// received/processing past StaleAfter is finalized as an error with
// error_stage "sweeper". Rows are never deleted.
type Sweeper struct {
	store      storage.TraceStore
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
}

// NewSweeper builds a sweeper; zero durations fall back to defaults
// (5 minute interval, 30 minute staleness).
func NewSweeper(store storage.TraceStore, logger *slog.Logger, interval, staleAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, logger: logger, interval: interval, staleAfter: staleAfter}
}

// Run sweeps on a ticker until ctx is cancelled. One sweep runs immediately
// at startup to clean up after a previous crash.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	n, err := s.store.FinalizeStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("trace sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Warn("finalized stale traces", slog.Int("count", n))
	}
}
