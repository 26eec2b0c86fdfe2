package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/taskmanage/go-session-manager/store"
)

func TestEstablishPrefersDurable(t *testing.T) {
	durable := store.NewMemStore()
	volatile := store.NewMemStore()
	n := store.NewNegotiator(durable, volatile)

	result := n.Establish()

	require.Equal(t, store.ModeDurable, result.Mode)
	require.Same(t, store.Store(durable), result.Store)
}

func TestEstablishFallsBackToVolatile(t *testing.T) {
	volatile := store.NewMemStore()
	n := store.NewNegotiator(&brokenStore{}, volatile)

	result := n.Establish()

	require.Equal(t, store.ModeVolatile, result.Mode)
	require.Same(t, store.Store(volatile), result.Store)
}

func TestEstablishWithoutDurableBackend(t *testing.T) {
	volatile := store.NewMemStore()
	n := store.NewNegotiator(nil, volatile)

	result := n.Establish()

	require.Equal(t, store.ModeVolatile, result.Mode)
	require.Same(t, store.Store(volatile), result.Store)
}

func TestEstablishUnresolvedStillYieldsAStore(t *testing.T) {
	n := store.NewNegotiator(&brokenStore{}, &brokenStore{})

	result := n.Establish()

	require.Equal(t, store.ModeUnresolved, result.Mode)
	require.NotNil(t, result.Store)
}

func TestEstablishWithNoBackendsAtAll(t *testing.T) {
	n := store.NewNegotiator(nil, nil)

	result := n.Establish()

	require.Equal(t, store.ModeUnresolved, result.Mode)
	require.NotNil(t, result.Store)
	require.NoError(t, result.Store.Set("key", []byte("value")))
}

func TestEstablishLeavesNoProbeResidue(t *testing.T) {
	dir := t.TempDir()
	durable, err := store.NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(durable.Close)

	n := store.NewNegotiator(durable, store.NewMemStore())
	result := n.Establish()
	require.Equal(t, store.ModeDurable, result.Mode)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// brokenStore fails every operation, the shape of a denied or full
// storage backend.
type brokenStore struct{}

var _ store.Store = (*brokenStore)(nil)

func (b *brokenStore) Get(string) ([]byte, error)   { return nil, errors.New("storage denied") }
func (b *brokenStore) Set(string, []byte) error     { return errors.New("storage denied") }
func (b *brokenStore) Delete(string) error          { return errors.New("storage denied") }
func (b *brokenStore) Watch(context.Context) <-chan store.Event {
	return nil
}
