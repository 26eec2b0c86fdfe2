package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taskmanage/go-session-manager/store"
)

const testPollInterval = 10 * time.Millisecond

func newTestFileStore(t *testing.T, dir string, options ...store.FileStoreOption) *store.FileStore {
	t.Helper()

	opts := append([]store.FileStoreOption{store.WithPollInterval(testPollInterval)}, options...)
	fs, err := store.NewFileStore(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(fs.Close)
	return fs
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := newTestFileStore(t, t.TempDir())

	require.NoError(t, fs.Set("calendar_token", []byte("value-1")))

	value, err := fs.Get("calendar_token")
	require.NoError(t, err)
	require.Equal(t, []byte("value-1"), value)

	require.NoError(t, fs.Delete("calendar_token"))
	_, err = fs.Get("calendar_token")
	require.ErrorIs(t, err, store.NotFoundErr)
}

func TestFileStoreDeleteIsIdempotent(t *testing.T) {
	fs := newTestFileStore(t, t.TempDir())

	require.NoError(t, fs.Delete("never_written"))
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	fs := newTestFileStore(t, t.TempDir())

	for _, key := range []string{"", "../escape", "a/b", `a\b`, "a.b"} {
		require.Error(t, fs.Set(key, []byte("value")), "key %q", key)
	}
}

func TestFileStoreEncryptsAtRest(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	fs := newTestFileStore(t, dir, store.WithEncryptionKey(key))
	require.NoError(t, fs.Set("calendar_token", []byte("secret-access-token")))

	raw, err := os.ReadFile(filepath.Join(dir, "calendar_token.blob"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-access-token")

	// A second instance holding the same key reads it back.
	peer := newTestFileStore(t, dir, store.WithEncryptionKey(key))
	value, err := peer.Get("calendar_token")
	require.NoError(t, err)
	require.Equal(t, []byte("secret-access-token"), value)
}

func TestFileStoreRejectsShortEncryptionKey(t *testing.T) {
	_, err := store.NewFileStore(t.TempDir(), store.WithEncryptionKey([]byte("short")))
	require.Error(t, err)
}

func TestFileStoreWatchSeesPeerChanges(t *testing.T) {
	dir := t.TempDir()
	a := newTestFileStore(t, dir)
	b := newTestFileStore(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := a.Watch(ctx)

	require.NoError(t, b.Set("calendar_token", []byte("peer-value")))
	ev := waitForEvent(t, events)
	require.Equal(t, "calendar_token", ev.Key)
	require.Equal(t, []byte("peer-value"), ev.Value)

	require.NoError(t, b.Delete("calendar_token"))
	ev = waitForEvent(t, events)
	require.Equal(t, "calendar_token", ev.Key)
	require.Nil(t, ev.Value)
}

func TestFileStoreWatchSuppressesOwnWrites(t *testing.T) {
	fs := newTestFileStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := fs.Watch(ctx)

	require.NoError(t, fs.Set("calendar_token", []byte("own-value")))
	requireNoEvent(t, events)
}

func TestFileStoreWatchSuppressesOwnWritesUnderLoad(t *testing.T) {
	fs := newTestFileStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := fs.Watch(ctx)

	// Writes interleaved with poll cycles: none may be echoed back.
	for i := 0; i < 100; i++ {
		require.NoError(t, fs.Set("calendar_token", []byte(fmt.Sprintf("own-value-%03d", i))))
		time.Sleep(time.Millisecond)
	}
	requireNoEvent(t, events)
}

func TestFileStoreWatchSuppressesPreexistingState(t *testing.T) {
	dir := t.TempDir()
	a := newTestFileStore(t, dir)
	require.NoError(t, a.Set("calendar_token", []byte("old-value")))

	// A store opened over existing state must not replay it as changes.
	b := newTestFileStore(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := b.Watch(ctx)

	requireNoEvent(t, events)

	value, err := b.Get("calendar_token")
	require.NoError(t, err)
	require.Equal(t, []byte("old-value"), value)
}

func TestFileStoreWatchClosesOnCancel(t *testing.T) {
	fs := newTestFileStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	events := fs.Watch(ctx)
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel did not close after cancel")
	}
}

func waitForEvent(t *testing.T, events <-chan store.Event) store.Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for store event")
		return store.Event{}
	}
}

func requireNoEvent(t *testing.T, events <-chan store.Event) {
	t.Helper()

	select {
	case ev := <-events:
		t.Fatalf("unexpected store event for key %q", ev.Key)
	case <-time.After(10 * testPollInterval):
	}
}
