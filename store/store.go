// Package store provides the persisted key-value substrate for session
// continuity: a durable file-backed store, a volatile in-memory
// fallback, and the negotiation between the two. The durable store's
// change notifications are the cross-process signalling channel used by
// the token broadcaster.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var NotFoundErr = errors.New("key not found")

// Mode identifies how session state is persisted across restarts.
type Mode int

const (
	// ModeUnresolved means neither backend could be probed successfully.
	// Operation continues best-effort against the volatile store.
	ModeUnresolved Mode = iota
	ModeDurable
	ModeVolatile
)

func (m Mode) String() string {
	switch m {
	case ModeDurable:
		return "durable"
	case ModeVolatile:
		return "volatile"
	}
	return "unresolved"
}

// Event describes an observed change to a key. A nil Value means the
// key was deleted.
type Event struct {
	Key   string
	Value []byte
}

// Store is a small persisted key-value store. Watch reports changes
// made by other processes sharing the same backing; a store never
// observes its own writes through Watch.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Watch(ctx context.Context) <-chan Event
}
