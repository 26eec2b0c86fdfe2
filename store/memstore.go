package store

import (
	"context"
	"sync"
)

// MemStore is the volatile fallback used when the durable backend is
// unavailable. It has no cross-process channel, so Watch yields nothing:
// running volatile means running without cross-tab convergence.
type MemStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

var _ Store = (*MemStore)(nil)

func (ms *MemStore) Get(key string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	value, ok := ms.values[key]
	if !ok {
		return nil, NotFoundErr
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (ms *MemStore) Set(key string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	ms.values[key] = cp
	return nil
}

func (ms *MemStore) Delete(key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.values, key)
	return nil
}

func (ms *MemStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
