// Package events fans case and batch progress out to in-process subscribers
// and external sinks.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/model"
)

// Sink receives every published event. Implementations must not block.
type Sink interface {
	Send(ctx context.Context, ev model.Event) error
}

type subscriber struct {
	batchID string
	ch      chan model.Event
}

// Broker delivers events at most once to each subscriber. A subscriber whose
// buffer is full misses the event; publishers never wait.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	sinks   []Sink
	dropped atomic.Int64
	onDrop  func()
}

// NewBroker creates a broker forwarding to sinks.
func NewBroker(sinks ...Sink) *Broker {
	return &Broker{subs: make(map[int]*subscriber), sinks: sinks}
}

// Subscribe registers a listener for one batch, or for every batch when
// batchID is empty. The returned cancel func closes the channel.
func (b *Broker) Subscribe(batchID string, buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{batchID: batchID, ch: make(chan model.Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers ev to matching subscribers and to every sink.
func (b *Broker) Publish(ctx context.Context, ev model.Event) {
	b.mu.RLock()
	for _, s := range b.subs {
		if s.batchID != "" && s.batchID != ev.BatchID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	b.mu.RUnlock()

	for _, sink := range b.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			zap.L().Warn("event sink failed",
				zap.String("type", string(ev.Type)),
				zap.String("batch_id", ev.BatchID),
				zap.Error(err),
			)
		}
	}
}

// OnDrop registers fn to run on every skipped delivery. It must be called
// before the first Publish.
func (b *Broker) OnDrop(fn func()) {
	b.onDrop = fn
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
