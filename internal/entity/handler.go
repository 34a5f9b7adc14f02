// Package entity implements the actor that owns one live (category, id)
// aggregate: its sandbox instance, its folded in-memory state, and the
// strict one-command-at-a-time serialization the concurrency model
// requires. It is a child of an aggregate handler the way the teacher
// repo's match.Session is owned by its caller — a plain struct with a
// single-goroutine mailbox loop, not a framework actor.
package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/sandbox"
	"github.com/relaycore/eventrt/internal/storelog"
)

// moduleInstance is the subset of *sandbox.Instance the handler depends
// on. Exercised against the real sandbox in production and against a fake
// in tests, so entity logic can be verified without a compiled WASM
// module on hand.
type moduleInstance interface {
	Apply(eventType string, payload []byte, ctx sandbox.Context) error
	Handle(command string, payload []byte, ctx sandbox.Context) ([]sandbox.EventOut, error)
	Close(ctx context.Context) error
}

// Command is a single typed invocation addressed at this entity.
type Command struct {
	Name          string
	Payload       []byte
	CorrelationID string
	CausationID   string
	Extra         map[string]string
}

// Result is what a Command produces: the events it appended (if any) and/or
// a classified error.
type Result struct {
	Events []storelog.Message
	Err    error
}

type request struct {
	cmd   Command
	reply chan Result
}

// Handler owns exactly one (category, id) instance for its lifetime. Once
// evicted it must not be reused; the gateway discards it from its entity
// cache and a fresh Handler replays from the log on the next command.
type Handler struct {
	Category string
	ID       string

	stream   *storelog.Stream
	instance moduleInstance
	logger   *zap.Logger

	version    uint64 // last stream id folded into instance state; meaningful only if hasVersion
	hasVersion bool   // false until the first event has been folded; stream ids are zero-based so 0 is not a usable empty sentinel

	mailbox chan request
	done    chan struct{}
	closeOnce sync.Once

	onAppend func([]storelog.Message)
	onEvict  func()
}

// Options configures a Handler beyond its required identity and storage
// dependencies.
type Options struct {
	Capabilities sandbox.Capabilities
	Logger       *zap.Logger
	// OnAppend is called synchronously from the handler's own goroutine
	// after a successful write, before the command's reply is delivered.
	// It feeds the broadcaster and is expected not to block meaningfully.
	OnAppend func([]storelog.Message)
	// OnEvict is called once, at most, when the handler evicts itself
	// after a fatal sandbox error. It lets an owner drop its cache entry.
	OnEvict func()
}

// New replays the aggregate's stream through a freshly instantiated
// sandbox module and, on success, starts the handler's mailbox loop. A
// replay failure is fatal to instantiation: no Handler is returned and the
// caller's command must fail with the classified error.
func New(ctx context.Context, category, id string, engine *storelog.Engine, rt *sandbox.Runtime, cm wazero.CompiledModule, opts Options) (*Handler, error) {
	instance, err := rt.Instantiate(ctx, cm, opts.Capabilities, id)
	if err != nil {
		return nil, err
	}
	return newWithInstance(ctx, category, id, engine, instance, opts)
}

func newWithInstance(ctx context.Context, category, id string, engine *storelog.Engine, instance moduleInstance, opts Options) (*Handler, error) {
	name, err := storelog.New(category, id)
	if err != nil {
		return nil, err
	}
	stream := engine.Stream(name)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		Category: category,
		ID:       id,
		stream:   stream,
		instance: instance,
		logger:   logger,
		mailbox:  make(chan request),
		done:     make(chan struct{}),
		onAppend: opts.OnAppend,
		onEvict:  opts.OnEvict,
	}

	if err := h.replay(); err != nil {
		instance.Close(ctx)
		return nil, err
	}

	go h.run()
	return h, nil
}

func (h *Handler) replay() error {
	it, err := h.stream.IterAll()
	if err != nil {
		return fmt.Errorf("entity: open replay iterator: %w", err)
	}
	defer it.Close()

	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		if item.Err != nil {
			return &sandbox.DeserializeEventError{Msg: item.Err.Error()}
		}
		msg := item.Message
		applyCtx := sandbox.Context{
			AggregateID:   h.ID,
			StreamVersion: msg.StreamID,
			Now:           msg.RecordedAt,
		}
		if err := h.instance.Apply(msg.Type, msg.Payload, applyCtx); err != nil {
			return err
		}
		h.version = msg.StreamID
		h.hasVersion = true
	}
	return nil
}

// Submit enqueues cmd and returns a channel that receives exactly one
// Result. The caller owns any timeout: receiving nothing within a
// deadline means the caller should treat the outcome as indeterminate
// (TimedOut) while the handler itself keeps running the command to
// completion.
func (h *Handler) Submit(cmd Command) <-chan Result {
	reply := make(chan Result, 1)
	select {
	case h.mailbox <- request{cmd: cmd, reply: reply}:
	case <-h.done:
		reply <- Result{Err: errEvicted}
	}
	return reply
}

// Version returns the last stream id folded into this handler's state.
func (h *Handler) Version() uint64 { return h.version }

// Evicted reports whether the handler has stopped serving commands.
func (h *Handler) Evicted() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handler) run() {
	for {
		select {
		case req := <-h.mailbox:
			h.process(req)
			if h.Evicted() {
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *Handler) process(req request) {
	msgCtx := sandbox.Context{
		AggregateID:   h.ID,
		CorrelationID: req.cmd.CorrelationID,
		CausationID:   req.cmd.CausationID,
		Extra:         req.cmd.Extra,
		StreamVersion: h.version,
		Now:           time.Now(),
	}

	events, err := h.instance.Handle(req.cmd.Name, req.cmd.Payload, msgCtx)
	if err != nil {
		h.dispatchError(req, err)
		return
	}
	if len(events) == 0 {
		req.reply <- Result{}
		return
	}

	toWrite := make([]storelog.Message, len(events))
	for i, e := range events {
		toWrite[i] = storelog.NewEvent(e.Type, e.Payload, storelog.Metadata{
			CorrelationID: req.cmd.CorrelationID,
			CausationID:   req.cmd.CausationID,
			Extra:         req.cmd.Extra,
		})
	}

	expected := storelog.NoStream()
	if h.hasVersion {
		expected = storelog.At(h.version)
	}
	written, err := h.stream.Write(expected, toWrite)
	if err != nil {
		// A concurrency error here means something wrote to this stream
		// outside this handler's serialization, which should not happen
		// under the gateway's per-(category,id) exclusivity. Surface it
		// verbatim without eviction: no sandbox boundary was crossed.
		req.reply <- Result{Err: err}
		return
	}

	for _, m := range written {
		applyCtx := sandbox.Context{
			AggregateID:   h.ID,
			StreamVersion: m.StreamID,
			Now:           m.RecordedAt,
		}
		if err := h.instance.Apply(m.Type, m.Payload, applyCtx); err != nil {
			// The events are durable even though folding them back into
			// this process's copy of the state failed; report success to
			// the caller but evict so the next command rebuilds cleanly.
			h.version = m.StreamID
			h.hasVersion = true
			h.logger.Warn("entity: apply failed after commit, evicting",
				zap.String("category", h.Category), zap.String("id", h.ID), zap.Error(err))
			h.evict()
			if h.onAppend != nil {
				h.onAppend(written)
			}
			req.reply <- Result{Events: written}
			return
		}
		h.version = m.StreamID
		h.hasVersion = true
	}

	if h.onAppend != nil {
		h.onAppend(written)
	}
	req.reply <- Result{Events: written}
}

func (h *Handler) dispatchError(req request, err error) {
	switch sandbox.Classify(err) {
	case sandbox.DispositionIgnore:
		req.reply <- Result{}
	case sandbox.DispositionReplyFailure:
		req.reply <- Result{Err: err}
	default: // DispositionEvict
		h.evict()
		req.reply <- Result{Err: err}
	}
}

func (h *Handler) evict() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.instance.Close(context.Background())
		if h.onEvict != nil {
			h.onEvict()
		}
	})
}

// Close stops the handler without flagging it as a fault-driven eviction.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.instance.Close(context.Background())
	})
}
