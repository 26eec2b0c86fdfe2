package broadcast_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/taskmanage/go-session-manager/broadcast"
	"github.com/taskmanage/go-session-manager/store"
)

const watchedKey = "calendar_token"

// recorder collects handler notifications under a lock so background
// delivery can be asserted against safely.
type recorder struct {
	lock   sync.Mutex
	values [][]byte
}

func (r *recorder) handle(value []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.values = append(r.values, value)
}

func (r *recorder) snapshot() [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]byte{}, r.values...)
}

func TestPublishPersistsAndNotifiesLocally(t *testing.T) {
	st := store.NewMemStore()
	b := broadcast.New(st, watchedKey)

	rec := &recorder{}
	b.Subscribe(rec.handle)

	require.NoError(t, b.Publish([]byte("value-1")))

	persisted, err := st.Get(watchedKey)
	require.NoError(t, err)
	require.Equal(t, []byte("value-1"), persisted)
	require.Equal(t, [][]byte{[]byte("value-1")}, rec.snapshot())
}

func TestPublishNilDeletesAndNotifiesClearing(t *testing.T) {
	st := store.NewMemStore()
	require.NoError(t, st.Set(watchedKey, []byte("stale")))
	b := broadcast.New(st, watchedKey)

	rec := &recorder{}
	b.Subscribe(rec.handle)

	require.NoError(t, b.Publish(nil))

	_, err := st.Get(watchedKey)
	require.ErrorIs(t, err, store.NotFoundErr)
	require.Equal(t, [][]byte{nil}, rec.snapshot())
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	b := broadcast.New(store.NewMemStore(), watchedKey)

	rec := &recorder{}
	cancel := b.Subscribe(rec.handle)
	cancel()

	require.NoError(t, b.Publish([]byte("value-1")))
	require.Empty(t, rec.snapshot())
}

func TestPublishFailureSkipsNotification(t *testing.T) {
	st := &failingStore{Store: store.NewMemStore(), setErr: errors.New("disk full")}
	b := broadcast.New(st, watchedKey)

	rec := &recorder{}
	b.Subscribe(rec.handle)

	require.Error(t, b.Publish([]byte("value-1")))
	require.Empty(t, rec.snapshot())
}

func TestConcurrentPublishersStaySerialized(t *testing.T) {
	st := store.NewMemStore()
	b := broadcast.New(st, watchedKey)

	var lock sync.Mutex
	var last []byte
	notified := false
	b.Subscribe(func(value []byte) {
		lock.Lock()
		defer lock.Unlock()
		last = value
		notified = true
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = b.Publish([]byte("value-1"))
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(nil)
		}()
	}
	wg.Wait()

	// Whatever won the race, the last notification must describe the
	// state that was actually persisted.
	persisted, err := st.Get(watchedKey)
	lock.Lock()
	defer lock.Unlock()
	require.True(t, notified)
	if errors.Is(err, store.NotFoundErr) {
		require.Nil(t, last)
	} else {
		require.NoError(t, err)
		require.Equal(t, persisted, last)
	}
}

func TestRunForwardsMatchingPeerEvents(t *testing.T) {
	st := &watchableStore{Store: store.NewMemStore(), events: make(chan store.Event)}
	b := broadcast.New(st, watchedKey)

	rec := &recorder{}
	b.Subscribe(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	st.events <- store.Event{Key: "unrelated_key", Value: []byte("noise")}
	st.events <- store.Event{Key: watchedKey, Value: []byte("peer-value")}
	st.events <- store.Event{Key: watchedKey, Value: nil}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, [][]byte{[]byte("peer-value"), nil}, rec.snapshot())
}

type failingStore struct {
	store.Store
	setErr error
}

func (fs *failingStore) Set(string, []byte) error {
	return fs.setErr
}

type watchableStore struct {
	store.Store
	events chan store.Event
}

func (ws *watchableStore) Watch(context.Context) <-chan store.Event {
	return ws.events
}
