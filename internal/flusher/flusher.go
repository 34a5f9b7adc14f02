// Package flusher runs the periodic durability tick: writers mark the
// store dirty after every successful append, and on a fixed interval the
// flusher calls the engine's manual Sync if (and only if) something
// changed since the last tick, then clears the flag. The store opens bbolt
// with its default options, so each committed append is already fsynced;
// this tick is an additional periodic Sync on top of that. Adapted from
// the teacher repo's dirty-flag-plus-ticker shape in its state snapshotter.
package flusher

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Syncer is the subset of *storelog.Engine the flusher depends on.
type Syncer interface {
	Sync() error
}

// Flusher owns the dirty flag and the tick loop.
type Flusher struct {
	syncer   Syncer
	interval time.Duration
	logger   *zap.Logger

	dirty int32 // atomic bool
	stop  chan struct{}
	done  chan struct{}
}

// New builds a Flusher. interval defaults to one second if <= 0, matching
// the spec's default flush cadence.
func New(syncer Syncer, interval time.Duration, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		syncer:   syncer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// MarkDirty records that a write has happened since the last successful
// flush. Safe to call from any goroutine; writers call this immediately
// after a successful stream append.
func (f *Flusher) MarkDirty() {
	atomic.StoreInt32(&f.dirty, 1)
}

// Run ticks until Stop is called, flushing whenever the dirty flag is set.
// A sync failure is logged and retried on the next tick rather than
// crashing the loop, matching the supervision model's "flusher fault is
// logged and restarted with the same interval" without needing an actual
// process restart — the loop just keeps ticking.
func (f *Flusher) Run() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&f.dirty, 1, 0) {
				continue
			}
			if err := f.syncer.Sync(); err != nil {
				f.logger.Warn("flusher: sync failed, will retry next tick", zap.Error(err))
				atomic.StoreInt32(&f.dirty, 1)
			}
		}
	}
}

// Stop ends the tick loop and waits for the current tick, if any, to
// finish.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}
