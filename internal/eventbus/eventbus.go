// Package eventbus is the in-process publish/subscribe fabric for the
// Coordinator's session and event notifications (spec.md §4.2): fans
// session/run state out to long-lived HTTP stream subscribers with a
// bounded-buffer, never-block-the-publisher back-pressure policy.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
)

// Kind enumerates the four message kinds the bus carries.
type Kind string

const (
	SessionCreated Kind = "session_created"
	SessionUpdated Kind = "session_updated"
	SessionDeleted Kind = "session_deleted"
	EventAppended  Kind = "event_appended"

	// Lagged is offered to a subscriber that is being dropped because its
	// buffer was full. The offer does not block, so the marker arrives only
	// if the subscriber freed a slot in the meantime; otherwise the channel
	// is closed without it. It is never published by a caller.
	Lagged Kind = "lagged"
)

// Message is one item delivered to a subscriber.
type Message struct {
	Kind      Kind
	SessionID string
	Session   *domain.Session
	Event     *domain.Event
}

// DefaultBufferSize is the per-subscriber channel capacity. A subscriber
// that falls this far behind the publisher is dropped rather than risking
// an unbounded publisher stall.
const DefaultBufferSize = 64

// Bus is the publish/subscribe fabric. The zero value is not usable; use New.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*subscriber
	nextID     uint64
	bufferSize int
	log        *logger.Logger
}

type subscriber struct {
	id     uint64
	ch     chan Message
	closed bool
}

// New creates a Bus whose subscribers are buffered to bufferSize messages.
func New(log *logger.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[uint64]*subscriber),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Subscription is a live handle returned by Subscribe. Read from C until it
// is closed (the subscriber was dropped for lagging or Close was called).
type Subscription struct {
	bus *Bus
	id  uint64
	ch  <-chan Message
}

// C returns the channel of delivered messages, closed when the
// subscription ends.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
}

// Subscribe registers a new subscriber and, atomically with that
// registration, invokes snapshot to capture an initial view of current
// state. Because both happen under the bus's publish lock, any Publish
// call is strictly ordered before or after the subscription exists — the
// snapshot can never miss a message that the caller would not also see
// delivered on the subscription afterward.
func Subscribe(b *Bus, snapshot func() []Message) (*Subscription, []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Message, b.bufferSize)}
	b.subs[sub.id] = sub

	var initial []Message
	if snapshot != nil {
		initial = snapshot()
	}

	return &Subscription{bus: b, id: sub.id, ch: sub.ch}, initial
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		delete(b.subs, id)
	}
}

// Publish fans msg out to every current subscriber without blocking. A
// subscriber whose buffer is full is dropped: it receives a best-effort
// Lagged marker and its channel is closed, rather than stalling the
// publisher. Callers must only publish after the corresponding Store
// write has committed (spec.md §4.2).
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("event bus subscriber lagging, dropping",
				zap.Uint64("subscriber_id", id), zap.String("kind", string(msg.Kind)))
			select {
			case sub.ch <- Message{Kind: Lagged}:
			default:
			}
			close(sub.ch)
			sub.closed = true
			delete(b.subs, id)
		}
	}
}

// SubscriberCount reports the number of currently live subscriptions,
// useful for health/metrics endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
