package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/domain/operation"
)

const runnerBatchLimit = 16

// Runner drives runnable operations forward in the background, one
// chunk per operation per pass. Failures are recorded on the operation
// itself; the runner just keeps ticking.
type Runner struct {
	engine   *Service
	ops      operation.Repository
	interval time.Duration
	logger   zerolog.Logger
}

// NewRunner creates a background runner with the given tick interval.
func NewRunner(engine *Service, ops operation.Repository, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Runner{
		engine:   engine,
		ops:      ops,
		interval: interval,
		logger:   logger.With().Str("service", "engine_runner").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.interval).Msg("operation runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("operation runner stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	ops, err := r.ops.ListRunnable(ctx, runnerBatchLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list runnable operations")
		return
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.engine.Advance(ctx, op.OperationID); err != nil {
			// Stale progress means another advancer won the chunk; the
			// operation is still healthy.
			if errors.Is(err, operation.ErrStaleProgress) {
				continue
			}
			r.logger.Warn().Err(err).Str("operationId", op.OperationID).Msg("advance failed")
		}
	}
}
