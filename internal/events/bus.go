// Package events is the publish/subscribe fabric for named event streams.
// Delivery to a subscription is strictly FIFO; a subscription that cannot
// keep up is closed rather than silently dropping events.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
	"github.com/stratonas/middled/internal/common/filterx"
	"github.com/stratonas/middled/pkg/metrics"
)

// Event is one value published onto a stream.
type Event struct {
	Stream string         `json:"collection"`
	Kind   string         `json:"msg"` // added, changed, removed
	ID     any            `json:"id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Seq    uint64         `json:"-"`
}

// DeliverFunc hands an event to a subscriber. It must not block; the
// subscription's drain goroutine is the only caller.
type DeliverFunc func(sub *Subscription, ev *Event)

// ClosedFunc notifies the subscription owner that the bus closed it.
type ClosedFunc func(sub *Subscription, cause *errorx.CallError)

// Subscription is one connection's binding to a stream.
type Subscription struct {
	ID     string
	Stream string
	ConnID string
	Filter filterx.Filter

	queue    chan *Event
	deliver  DeliverFunc
	onClosed ClosedFunc
	closed   atomic.Bool
	cause    *errorx.CallError
}

// drain delivers queued events in order, then reports the close cause. It
// is the only goroutine calling deliver, which gives FIFO per subscription.
func (s *Subscription) drain() {
	for ev := range s.queue {
		s.deliver(s, ev)
	}
	if s.onClosed != nil {
		s.onClosed(s, s.cause)
	}
}

// close stops the drain loop after the queue empties. Idempotent and
// non-blocking; pending events are still delivered before onClosed fires.
func (s *Subscription) close(cause *errorx.CallError) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cause = cause
	close(s.queue)
}

type stream struct {
	name string
	seq  uint64
	subs map[string]*Subscription
}

// Bus routes published events to subscriptions.
type Bus struct {
	logger    *zap.Logger
	queueSize int
	metrics   *metrics.Metrics
	relay     Relay

	mu      sync.RWMutex
	streams map[string]*stream
	byID    map[string]*Subscription
}

// New creates a Bus. queueSize bounds each subscription's outbound queue;
// relay may be nil.
func New(logger *zap.Logger, queueSize int, m *metrics.Metrics, relay Relay) *Bus {
	return &Bus{
		logger:    logger.Named("events"),
		queueSize: queueSize,
		metrics:   m,
		relay:     relay,
		streams:   make(map[string]*stream),
		byID:      make(map[string]*Subscription),
	}
}

// Declare registers a stream name. Publishing or subscribing to an
// undeclared stream is an error; declaration happens at startup only.
func (b *Bus) Declare(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[name]; !ok {
		b.streams[name] = &stream{name: name, subs: make(map[string]*Subscription)}
	}
}

// Subscribe binds a connection to a stream. The filter, when non-empty, is
// matched against event fields before delivery.
func (b *Bus) Subscribe(id, connID, streamName string, filter filterx.Filter, deliver DeliverFunc, onClosed ClosedFunc) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[streamName]
	if !ok {
		return nil, errorx.NotFound("unknown event stream %q", streamName)
	}
	if _, dup := b.byID[id]; dup {
		return nil, errorx.Conflict("subscription id %q already in use", id)
	}

	sub := &Subscription{
		ID:       id,
		Stream:   streamName,
		ConnID:   connID,
		Filter:   filter,
		queue:    make(chan *Event, b.queueSize),
		deliver:  deliver,
		onClosed: onClosed,
	}
	st.subs[id] = sub
	b.byID[id] = sub
	go sub.drain()

	b.logger.Debug("subscribed",
		zap.String("stream", streamName),
		zap.String("sub", id),
		zap.String("conn", connID))
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op, so a repeated
// unsubscribe never errors.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		if st := b.streams[sub.Stream]; st != nil {
			delete(st.subs, id)
		}
	}
	b.mu.Unlock()

	if ok {
		sub.close(nil)
	}
}

// DropConnection removes every subscription owned by a connection.
func (b *Bus) DropConnection(connID string) {
	b.mu.Lock()
	var doomed []*Subscription
	for id, sub := range b.byID {
		if sub.ConnID == connID {
			delete(b.byID, id)
			if st := b.streams[sub.Stream]; st != nil {
				delete(st.subs, id)
			}
			doomed = append(doomed, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range doomed {
		sub.close(nil)
	}
}

// Publish emits an event to every matching subscription of the stream, in
// emission order. A subscription whose queue is full is closed with
// Overflow; other subscriptions are unaffected.
func (b *Bus) Publish(streamName, kind string, id any, fields map[string]any) {
	b.mu.Lock()
	st, ok := b.streams[streamName]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("publish to undeclared stream", zap.String("stream", streamName))
		return
	}
	st.seq++
	ev := &Event{
		Stream: streamName,
		Kind:   kind,
		ID:     id,
		Fields: fields,
		Seq:    st.seq,
	}

	var overflowed []*Subscription
	for _, sub := range st.subs {
		if len(sub.Filter) > 0 && !sub.Filter.Match(fields) {
			continue
		}
		select {
		case sub.queue <- ev:
			b.metrics.EventDelivered()
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(st.subs, sub.ID)
		delete(b.byID, sub.ID)
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		b.metrics.SubscriptionOverflow()
		b.logger.Warn("subscription queue overflow",
			zap.String("stream", streamName),
			zap.String("sub", sub.ID))
		sub.close(errorx.New(errorx.TypeOverflow, "subscription %q overran its event queue", sub.ID))
	}

	if b.relay != nil {
		b.relay.Publish(ev)
	}
}

// Close tears down all subscriptions and the relay.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.byID))
	for _, sub := range b.byID {
		subs = append(subs, sub)
	}
	b.byID = make(map[string]*Subscription)
	for _, st := range b.streams {
		st.subs = make(map[string]*Subscription)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(nil)
	}
	if b.relay != nil {
		_ = b.relay.Close()
	}
}
