// Package broadcast fans freshly committed events out to in-process
// subscribers in strict ascending global_id order, even when the entity
// handlers that produced them commit out of order relative to each
// other. The reorder-buffer-then-drain algorithm and the non-blocking,
// drop-to-slow-subscribers fan-out are adapted from the teacher repo's
// internal/events.Stream, generalized from its fixed gameplay Envelope
// kinds to arbitrary stored messages filtered by category and event type.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/storelog"
)

// DefaultGapAlertThreshold is how many buffered-but-undeliverable arrivals
// accumulate before a stalled broadcaster logs an operational alert
// instead of staying silent.
const DefaultGapAlertThreshold = 1000

// Broadcaster owns the reorder buffer and the subscriber set. All mutation
// goes through its single mutex, matching the "owned by a single actor"
// requirement without requiring a literal actor/mailbox: every call here
// is a short, non-blocking critical section.
type Broadcaster struct {
	mu           sync.Mutex
	expectedNext uint64
	pending      map[uint64]storelog.Message
	subscribers  map[string]*subscriberState
	logger       *zap.Logger
	gapThreshold int
	gapAlerted   bool
}

type subscriberState struct {
	category   string
	eventTypes map[string]struct{} // empty set means "all event types"
	ch         chan storelog.Message
}

// New builds a Broadcaster whose expected next global id is startGlobalID
// — the value recovered from the global index's maximum key at startup,
// or 0 if the store is empty.
func New(startGlobalID uint64, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		expectedNext: startGlobalID,
		pending:      make(map[uint64]storelog.Message),
		subscribers:  make(map[string]*subscriberState),
		logger:       logger,
		gapThreshold: DefaultGapAlertThreshold,
	}
}

// Subscription is a live fan-out target. Callers must drain Events or risk
// losing messages once the channel's buffer fills, per the channel's own
// backpressure policy — the broadcaster never blocks waiting for a slow
// reader.
type Subscription struct {
	id string
	b  *Broadcaster
	ch <-chan storelog.Message
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan storelog.Message { return s.ch }

// Close detaches the subscription; no further events are delivered to it.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subscribers, s.id)
	s.b.mu.Unlock()
}

// Subscribe attaches a new subscriber filtered by category and, optionally,
// a set of event types (nil or empty means every event type in that
// category). bufferSize bounds how far the subscriber may lag before the
// broadcaster starts dropping its messages.
func (b *Broadcaster) Subscribe(id, category string, eventTypes []string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	ch := make(chan storelog.Message, bufferSize)
	state := &subscriberState{category: category, eventTypes: types, ch: ch}

	b.mu.Lock()
	b.subscribers[id] = state
	b.mu.Unlock()

	return &Subscription{id: id, b: b, ch: ch}
}

// Publish buffers msg by its global id, then drains every contiguous
// message starting at the expected next id, fanning each one out as it
// drains. A gap in global ids simply stalls emission; Publish never
// blocks or errors because of one.
func (b *Broadcaster) Publish(msg storelog.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[msg.GlobalID] = msg

	for {
		next, ok := b.pending[b.expectedNext]
		if !ok {
			break
		}
		delete(b.pending, b.expectedNext)
		b.fanOutLocked(next)
		b.expectedNext++
	}

	b.checkGapLocked()
}

func (b *Broadcaster) fanOutLocked(msg storelog.Message) {
	category, err := storelog.StreamName(msg.StreamName).Category()
	if err != nil {
		category = msg.StreamName
	}

	for _, sub := range b.subscribers {
		if sub.category != "" && sub.category != category {
			continue
		}
		if len(sub.eventTypes) > 0 {
			if _, ok := sub.eventTypes[msg.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("broadcast: dropping message for slow subscriber",
				zap.Uint64("global_id", msg.GlobalID), zap.String("category", category))
		}
	}
}

func (b *Broadcaster) checkGapLocked() {
	if len(b.pending) < b.gapThreshold {
		b.gapAlerted = false
		return
	}
	if b.gapAlerted {
		return
	}
	b.gapAlerted = true
	b.logger.Error("broadcast: stalled behind a persistent gap in global ids",
		zap.Uint64("expected_next", b.expectedNext), zap.Int("buffered", len(b.pending)))
}

// ExpectedNext returns the next global id the broadcaster is waiting to
// emit, for diagnostics and tests.
func (b *Broadcaster) ExpectedNext() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expectedNext
}
