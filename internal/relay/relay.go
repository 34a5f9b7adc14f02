// Package relay drains each category's durable outbox to an external
// stream target, publishing a bounded batch per tick and deleting it only
// after the target acknowledges — giving at-least-once external delivery
// across a crash between publish and delete. A Noop target is offered for
// deployments that run the core without any external streaming.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/storelog"
)

// Target is an external stream sink. Publish must either fully succeed
// for the whole batch or return an error; the relay does not attempt
// partial acknowledgement within a batch.
type Target interface {
	Publish(ctx context.Context, category string, entries []storelog.OutboxEntry) error
}

// NoopTarget discards every batch, immediately "acknowledging" it. It
// exists for deployments that run the core without any external
// streaming, per the spec's Noop relay variant.
type NoopTarget struct{}

// Publish implements Target by doing nothing.
func (NoopTarget) Publish(context.Context, string, []storelog.OutboxEntry) error { return nil }

// Relay is a long-running per-category drain loop.
type Relay struct {
	category  string
	outbox    *storelog.Outbox
	target    Target
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
}

// Options configures a Relay.
type Options struct {
	BatchSize int
	Interval  time.Duration
	Logger    *zap.Logger
}

// New builds a Relay for one category's outbox.
func New(category string, engine *storelog.Engine, target Target, opts Options) *Relay {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Relay{
		category:  category,
		outbox:    engine.Outbox(category),
		target:    target,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
	}
}

// Run drains the outbox on a fixed tick until ctx is cancelled. A publish
// failure is logged and retried on the next tick; entries stay in the
// outbox until a publish for their batch succeeds.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				r.logger.Warn("relay: drain failed, will retry",
					zap.String("category", r.category), zap.Error(err))
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	entries, err := r.outbox.Drain(r.batchSize)
	if err != nil {
		return fmt.Errorf("relay: drain outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := r.target.Publish(ctx, r.category, entries); err != nil {
		return fmt.Errorf("relay: publish batch: %w", err)
	}

	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.GlobalID
	}
	if err := r.outbox.Delete(ids...); err != nil {
		return fmt.Errorf("relay: delete acknowledged batch: %w", err)
	}
	return nil
}
