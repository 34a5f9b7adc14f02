// Package runtime wires the log store, sandbox host, command gateway,
// broadcaster, outbox relays, and flusher into one process-wide object,
// the way the teacher repo's Broker wires its snapshotter, replay
// recorder, and networking components behind a single constructor.
// cmd/eventrtd is the only caller; everything here is otherwise reachable
// through the components it composes.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/aggregatehandler"
	"github.com/relaycore/eventrt/internal/broadcast"
	"github.com/relaycore/eventrt/internal/config"
	"github.com/relaycore/eventrt/internal/flusher"
	"github.com/relaycore/eventrt/internal/gateway"
	"github.com/relaycore/eventrt/internal/registry"
	"github.com/relaycore/eventrt/internal/relay"
	"github.com/relaycore/eventrt/internal/sandbox"
	"github.com/relaycore/eventrt/internal/storelog"
)

// Runtime owns every subsystem's process-wide handle and the goroutines
// that drive the flusher and any registered relays. Entity handlers,
// aggregate handlers, and the broadcaster's reorder buffer are all reached
// through Gateway and Broadcast; Runtime itself holds no aggregate state.
type Runtime struct {
	cfg *config.Config

	Engine    *storelog.Engine
	Sandbox   *sandbox.Runtime
	Registry  *registry.Registry
	Gateway   *gateway.Gateway
	Broadcast *broadcast.Broadcaster

	logger  *zap.Logger
	flusher *flusher.Flusher

	relayMu sync.Mutex
	relays  map[string]*relay.Relay
	runCtx  context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// Options bundles the knobs a caller may want beyond what config.Config
// already supplies: per-category module version policies and the sandbox
// capabilities granted to every module instance.
type Options struct {
	Policies     map[string]aggregatehandler.VersionPolicy
	Capabilities sandbox.Capabilities
}

// New opens the store, builds the sandbox runtime, and wires the gateway,
// broadcaster, and flusher together. It does not start any outbox relay;
// call RegisterRelay per category once the caller knows which categories
// need external delivery.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine, err := storelog.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}

	sbRuntime, err := sandbox.NewRuntime(ctx, logger)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("runtime: new sandbox runtime: %w", err)
	}

	reg := registry.New(engine)

	bc := broadcast.New(engine.NextGlobalID(), logger)
	fl := flusher.New(engine, cfg.FlushInterval, logger)

	runCtx, cancel := context.WithCancel(context.Background())

	rt := &Runtime{
		cfg:       cfg,
		Engine:    engine,
		Sandbox:   sbRuntime,
		Registry:  reg,
		Broadcast: bc,
		logger:    logger,
		flusher:   fl,
		relays:    make(map[string]*relay.Relay),
		runCtx:    runCtx,
		stop:      cancel,
	}

	gw, err := gateway.New(engine, sbRuntime, reg, gateway.Options{
		EntityCacheSize: cfg.EntityCacheSize,
		DefaultTimeout:  cfg.CommandTimeout,
		Capabilities:    opts.Capabilities,
		Logger:          logger,
		Policies:        opts.Policies,
		OnAppend:        rt.onAppend,
	})
	if err != nil {
		sbRuntime.Close()
		engine.Close()
		return nil, fmt.Errorf("runtime: new gateway: %w", err)
	}
	rt.Gateway = gw

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fl.Run()
	}()
	go func() {
		<-runCtx.Done()
		fl.Stop()
	}()

	return rt, nil
}

// onAppend is the gateway's hook into the broadcaster and the flusher: it
// runs synchronously on the entity handler's own goroutine right after a
// successful append. Calls from different entity handlers can arrive out
// of commit order; the broadcaster's reorder buffer restores global id
// order before fan-out.
func (r *Runtime) onAppend(events []storelog.Message) {
	r.flusher.MarkDirty()
	for _, e := range events {
		r.Broadcast.Publish(e)
	}
}

// RegisterRelay starts a drain loop for category against target, using the
// runtime's configured batch size. Calling it twice for the same category
// replaces the prior relay's registration but does not stop its goroutine
// racing the new one — callers should register each category once.
func (r *Runtime) RegisterRelay(ctx context.Context, category string, target relay.Target) {
	rl := relay.New(category, r.Engine, target, relay.Options{
		BatchSize: r.cfg.OutboxBatchSize,
		Logger:    r.logger,
	})

	r.relayMu.Lock()
	r.relays[category] = rl
	r.relayMu.Unlock()

	// The relay stops when either ctx or the runtime's Shutdown cancels.
	relayCtx, cancel := context.WithCancel(ctx)
	stopOnShutdown := context.AfterFunc(r.runCtx, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stopOnShutdown()
		defer cancel()
		rl.Run(relayCtx)
	}()
}

// Dispatch routes cmd through the gateway.
func (r *Runtime) Dispatch(ctx context.Context, cmd gateway.Command) gateway.Result {
	return r.Gateway.Dispatch(ctx, cmd)
}

// Subscribe attaches a broadcaster subscription, as the external interface
// promises subscribers.
func (r *Runtime) Subscribe(id, category string, eventTypes []string) *broadcast.Subscription {
	return r.Broadcast.Subscribe(id, category, eventTypes, r.cfg.BroadcastBuffer)
}

// Stats is the operational-visibility aggregate: entity cache occupancy,
// the broadcaster's current position, and each registered category's
// pending outbox depth. It mirrors the teacher repo's BrokerStats in
// shape, substituted with event-sourcing-relevant fields.
type Stats struct {
	EntitiesCached        int
	BroadcastExpected     uint64
	NextGlobalID          uint64
	OutboxDepthByCategory map[string]int
}

// Snapshot computes the current Stats. Outbox depth is counted with a full
// Drain(0) per registered category, so it is O(pending entries); callers
// should not poll it on a tight loop against a deep backlog.
func (r *Runtime) Snapshot() (Stats, error) {
	stats := Stats{
		EntitiesCached:        r.Gateway.Len(),
		BroadcastExpected:     r.Broadcast.ExpectedNext(),
		NextGlobalID:          r.Engine.NextGlobalID(),
		OutboxDepthByCategory: make(map[string]int),
	}

	r.relayMu.Lock()
	categories := make([]string, 0, len(r.relays))
	for category := range r.relays {
		categories = append(categories, category)
	}
	r.relayMu.Unlock()

	for _, category := range categories {
		entries, err := r.Engine.Outbox(category).Drain(0)
		if err != nil {
			return Stats{}, fmt.Errorf("runtime: snapshot outbox depth for %s: %w", category, err)
		}
		stats.OutboxDepthByCategory[category] = len(entries)
	}

	return stats, nil
}

// Shutdown releases resources in the teacher repo's
// listener-then-state-then-storage ordering: close every live entity
// handler, stop the flusher and relays, force one final flush, then close
// the sandbox runtime and the store. Closing a handler does not wait for a
// command already running inside it, and Shutdown does not make the
// gateway refuse later Dispatch calls.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var shutdownErr error
	r.closeOnce.Do(func() {
		r.Gateway.Close()
		r.stop()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		case <-time.After(10 * time.Second):
			shutdownErr = fmt.Errorf("runtime: shutdown timed out waiting for relays/flusher")
		}

		if err := r.Engine.Sync(); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("runtime: final sync: %w", err)
		}
		if err := r.Sandbox.Close(); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("runtime: close sandbox runtime: %w", err)
		}
		if err := r.Engine.Close(); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("runtime: close store: %w", err)
		}
	})
	return shutdownErr
}
