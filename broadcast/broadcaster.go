// Package broadcast propagates calendar-token changes between
// concurrently running processes of the same installation. The
// persisted store write is itself the cross-process signal: peers
// observe it through the store's change notifications. Because a store
// never observes its own writes, Publish also emits a synthetic local
// notification so in-process subscribers update immediately.
package broadcast

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/taskmanage/go-session-manager/store"
)

// Handler receives the raw persisted value for the watched key.
// A nil value means the key was cleared.
type Handler func(value []byte)

type Broadcaster struct {
	store  store.Store
	key    string
	logger zerolog.Logger

	// deliverMu serializes each persisted write with its notification:
	// no observer can see the notifications of two publishes in the
	// opposite order of their writes.
	deliverMu sync.Mutex

	mu       sync.Mutex
	handlers map[int]Handler
	next     int
}

type Option func(*Broadcaster)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

func New(st store.Store, key string, options ...Option) *Broadcaster {
	b := &Broadcaster{
		store:    st,
		key:      key,
		logger:   zerolog.Nop(),
		handlers: make(map[int]Handler),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for both remote and local (synthetic)
// notifications. The returned function cancels the subscription.
func (b *Broadcaster) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish persists the value (nil deletes the key) and notifies local
// subscribers in one critical section, so no observer can see a
// notification without the corresponding persisted value, and
// concurrent publishers cannot interleave a write with another
// publisher's notification.
func (b *Broadcaster) Publish(value []byte) error {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	var err error
	if value == nil {
		err = b.store.Delete(b.key)
	} else {
		err = b.store.Set(b.key, value)
	}
	if err != nil {
		return errors.Wrap(err, "[Broadcaster.Publish] persist")
	}

	b.notify(value)
	return nil
}

// Run consumes the store's change notifications until ctx is cancelled,
// forwarding changes to the watched key into the local handlers.
func (b *Broadcaster) Run(ctx context.Context) {
	events := b.store.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Key != b.key {
				continue
			}
			b.logger.Debug().Str("key", ev.Key).Bool("cleared", ev.Value == nil).Msg("peer token change")
			b.deliver(ev.Value)
		}
	}
}

// deliver routes peer events through the same critical section as
// Publish, keeping remote and local notifications serialized.
func (b *Broadcaster) deliver(value []byte) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.notify(value)
}

func (b *Broadcaster) notify(value []byte) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(value)
	}
}
