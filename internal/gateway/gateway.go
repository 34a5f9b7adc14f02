// Package gateway is the root router: it accepts commands tagged
// (category, id, name, payload, timeout?), resolves the per-category
// aggregate handler, enforces the bounded LRU over live entity handlers,
// and owns the per-category instantiation lock. The lock is held only
// across entity creation (module resolution, instantiation and stream
// replay), never across command handling or its log-store write.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/aggregatehandler"
	"github.com/relaycore/eventrt/internal/entity"
	"github.com/relaycore/eventrt/internal/registry"
	"github.com/relaycore/eventrt/internal/sandbox"
	"github.com/relaycore/eventrt/internal/storelog"
)

// Command is the gateway's entry point shape: the decoded form of the
// wire-level Execute record.
type Command struct {
	Category      string
	ID            string
	Name          string
	Payload       []byte
	CorrelationID string
	CausationID   string
	Extra         map[string]string
	Timeout       time.Duration
}

// Result is what Dispatch returns. TimedOut means the caller's timeout
// elapsed before a reply arrived; the command may or may not have been
// persisted, and the caller must treat it as indeterminate.
type Result struct {
	Events   []storelog.Message
	Err      error
	TimedOut bool
}

// Options configures a Gateway beyond its required storage/sandbox/
// registry dependencies.
type Options struct {
	EntityCacheSize int
	DefaultTimeout  time.Duration
	Capabilities    sandbox.Capabilities
	Logger          *zap.Logger
	// Policies maps a category to the module version it runs. A category
	// with no entry resolves to a policy whose ModuleName equals the
	// category name and Constraint is empty (latest).
	Policies map[string]aggregatehandler.VersionPolicy
	// OnAppend is invoked after every successful append, from whichever
	// entity handler's own goroutine performed the write. It is the
	// gateway's hook into the broadcaster.
	OnAppend func([]storelog.Message)
}

// Gateway is the process-wide command router.
type Gateway struct {
	engine   *storelog.Engine
	runtime  *sandbox.Runtime
	registry *registry.Registry
	logger   *zap.Logger

	caps           sandbox.Capabilities
	defaultTimeout time.Duration
	policies       map[string]aggregatehandler.VersionPolicy
	onAppend       func([]storelog.Message)

	aggMu      sync.Mutex
	aggregates map[string]*aggregatehandler.Handler

	catLockMu sync.Mutex
	catLocks  map[string]*sync.Mutex

	entities *lru.Cache[string, *entity.Handler]
}

// New builds a Gateway. entityCacheSize defaults to 256 when <= 0, matching
// the spec's default bound on live instantiated entities.
func New(engine *storelog.Engine, rt *sandbox.Runtime, reg *registry.Registry, opts Options) (*Gateway, error) {
	size := opts.EntityCacheSize
	if size <= 0 {
		size = 256
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		engine:         engine,
		runtime:        rt,
		registry:       reg,
		logger:         logger,
		caps:           opts.Capabilities,
		defaultTimeout: timeout,
		policies:       opts.Policies,
		onAppend:       opts.OnAppend,
		aggregates:     make(map[string]*aggregatehandler.Handler),
		catLocks:       make(map[string]*sync.Mutex),
	}

	cache, err := lru.NewWithEvict[string, *entity.Handler](size, func(key string, value *entity.Handler) {
		value.Close()
		logger.Debug("gateway: evicted entity from LRU", zap.String("key", key))
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: build entity cache: %w", err)
	}
	g.entities = cache

	return g, nil
}

// Publish stores a new module version in the registry, as the wire-level
// Publish command does.
func (g *Gateway) Publish(name, version string, blob []byte) error {
	return g.registry.Put(name, version, blob)
}

// Len reports how many entity handlers are currently live in the bounded
// cache, for operational visibility.
func (g *Gateway) Len() int {
	return g.entities.Len()
}

// Close evicts every live entity handler, closing their sandbox instances.
// It does not stop the gateway from accepting further Dispatch calls — the
// caller is responsible for stopping its own command intake first, per the
// runtime's shutdown ordering.
func (g *Gateway) Close() {
	g.entities.Purge()
}

// Dispatch routes cmd to its entity handler, instantiating the aggregate
// handler and/or entity handler on demand, and waits up to cmd.Timeout (or
// the gateway default) for a reply.
func (g *Gateway) Dispatch(ctx context.Context, cmd Command) Result {
	key := cmd.Category + "/" + cmd.ID

	// An evicted handler is treated as a cache miss, so the next command
	// rebuilds the entity from the log.
	handler, ok := g.entities.Get(key)
	if !ok || handler.Evicted() {
		lock := g.categoryLock(cmd.Category)
		lock.Lock()
		handler, ok = g.entities.Get(key)
		if !ok || handler.Evicted() {
			agg := g.aggregateFor(cmd.Category)
			var err error
			handler, err = agg.Instantiate(ctx, cmd.ID, g.caps)
			if err != nil {
				lock.Unlock()
				return Result{Err: err}
			}
			g.entities.Add(key, handler)
		}
		lock.Unlock()
	}

	reply := handler.Submit(entity.Command{
		Name:          cmd.Name,
		Payload:       cmd.Payload,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CausationID,
		Extra:         cmd.Extra,
	})

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return Result{Events: res.Events, Err: res.Err}
	case <-timer.C:
		return Result{TimedOut: true}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (g *Gateway) aggregateFor(category string) *aggregatehandler.Handler {
	g.aggMu.Lock()
	defer g.aggMu.Unlock()

	if agg, ok := g.aggregates[category]; ok {
		return agg
	}

	policy, ok := g.policies[category]
	if !ok {
		policy = aggregatehandler.VersionPolicy{ModuleName: category}
	}

	agg := aggregatehandler.New(category, g.engine, g.runtime, g.registry, policy, g.logger, g.onAppend)
	g.aggregates[category] = agg
	return agg
}

func (g *Gateway) categoryLock(category string) *sync.Mutex {
	g.catLockMu.Lock()
	defer g.catLockMu.Unlock()

	lock, ok := g.catLocks[category]
	if !ok {
		lock = &sync.Mutex{}
		g.catLocks[category] = lock
	}
	return lock
}
