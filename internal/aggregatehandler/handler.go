// Package aggregatehandler implements the per-category actor: it resolves
// which published module version serves a category, keeps that module
// compiled and ready, and instantiates fresh entity handlers on the
// gateway's behalf. It does not itself serialize commands — that is the
// entity handler's job — nor does it own the entity LRU, which is
// process-wide and lives in internal/gateway.
package aggregatehandler

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/entity"
	"github.com/relaycore/eventrt/internal/registry"
	"github.com/relaycore/eventrt/internal/sandbox"
	"github.com/relaycore/eventrt/internal/storelog"
)

// VersionPolicy selects which published version of a category's module to
// run. An empty Constraint means "the latest published version".
type VersionPolicy struct {
	ModuleName string
	Constraint string
}

// Handler is the per-category actor. One exists per category for the
// lifetime of the process; categories are not evicted, only the entities
// within them.
type Handler struct {
	Category string

	engine   *storelog.Engine
	runtime  *sandbox.Runtime
	registry *registry.Registry
	policy   VersionPolicy
	logger   *zap.Logger

	onAppend func([]storelog.Message)
}

// New builds the per-category handler. It does not resolve or compile a
// module version yet; that happens lazily on first Instantiate so that a
// category with no traffic never pays compilation cost.
func New(category string, engine *storelog.Engine, rt *sandbox.Runtime, reg *registry.Registry, policy VersionPolicy, logger *zap.Logger, onAppend func([]storelog.Message)) *Handler {
	return &Handler{
		Category: category,
		engine:   engine,
		runtime:  rt,
		registry: reg,
		policy:   policy,
		logger:   logger,
		onAppend: onAppend,
	}
}

// Instantiate resolves the category's current module version, compiles it
// (or reuses a cached compilation), and builds a fresh entity.Handler for
// id — replaying its stream before returning. A replay failure is fatal:
// no handler is returned.
func (h *Handler) Instantiate(ctx context.Context, id string, caps sandbox.Capabilities) (*entity.Handler, error) {
	cm, err := h.resolveModule()
	if err != nil {
		return nil, err
	}

	return entity.New(ctx, h.Category, id, h.engine, h.runtime, cm, entity.Options{
		Capabilities: caps,
		Logger:       h.logger,
		OnAppend:     h.onAppend,
	})
}

func (h *Handler) resolveModule() (wazero.CompiledModule, error) {
	var entry registry.Entry
	var err error
	if h.policy.Constraint == "" {
		entry, err = h.registry.GetLatest(h.policy.ModuleName)
	} else {
		entry, err = h.registry.GetMatching(h.policy.ModuleName, h.policy.Constraint)
	}
	if err != nil {
		return nil, fmt.Errorf("aggregatehandler: resolve module for category %s: %w", h.Category, err)
	}

	cacheKey := entry.Name + "/" + entry.Version.String()
	return h.runtime.Compile(cacheKey, entry.Blob)
}
