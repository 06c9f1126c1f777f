// Package hooks implements a small synchronous fan-out event bus used to
// mirror audit events to optional secondary sinks (e.g. audit.MongoIndexer)
// without coupling the audit log itself to any particular sink.
package hooks

import (
	"context"
	"errors"
	"sync"
)

// Event is one audit entry forwarded to subscribers. It mirrors the fields
// of audit.Entry without importing package audit, since audit imports hooks
// and the reverse import would form a cycle (audit publishes to the bus;
// hooks never reads audit's internals).
type Event struct {
	RunID     string
	Step      int
	Name      string
	TS        int64
	ChainHash string
	Payload   map[string]any
}

// Subscriber reacts to published events. Returning an error stops the bus
// from delivering the event to any remaining subscriber and propagates the
// error to the publisher — this lets a critical subscriber (e.g. durable
// Mongo mirroring) halt a run on failure. Publish calls each subscriber
// synchronously and returns only after the last one has returned.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// Subscription represents one active registration; Close is idempotent.
type Subscription interface {
	Close() error
}

// Bus fans out published events to every registered Subscriber in
// registration order, stopping at the first error.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]Subscriber
	order       []*subscription
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*subscription]Subscriber)}
}

type subscription struct {
	bus  *Bus
	once sync.Once
}

// Register adds sub to the bus.
func (b *Bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// Close unregisters the subscription. Safe to call multiple times.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// Publish delivers event to every currently registered subscriber, in
// registration order, stopping at the first error.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	order := make([]*subscription, len(b.order))
	copy(order, b.order)
	subs := make(map[*subscription]Subscriber, len(b.subscribers))
	for k, v := range b.subscribers {
		subs[k] = v
	}
	b.mu.RUnlock()

	for _, s := range order {
		sub, ok := subs[s]
		if !ok {
			continue
		}
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
