package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileExtension   = ".blob"
	defaultPollRate = time.Second
)

// FileStore is the durable backend: one file per key under a data
// folder. Several processes may share the folder; Watch polls it and
// reports changes made by the other processes. Writes made through this
// instance are fingerprinted so the poller never reports them back.
//
// When constructed with an encryption key, values are sealed with
// chacha20poly1305 before they reach disk.
type FileStore struct {
	dir          string
	pollInterval time.Duration
	logger       zerolog.Logger

	mu           sync.Mutex
	fingerprints map[string]string
	subscribers  map[int]chan Event
	nextSub      int
	pollOnce     sync.Once
	done         chan struct{}

	sealKey []byte
}

type FileStoreOption func(*FileStore)

func WithEncryptionKey(key []byte) FileStoreOption {
	return func(fs *FileStore) {
		fs.sealKey = key
	}
}

func WithPollInterval(d time.Duration) FileStoreOption {
	return func(fs *FileStore) {
		fs.pollInterval = d
	}
}

func WithFileStoreLogger(logger zerolog.Logger) FileStoreOption {
	return func(fs *FileStore) {
		fs.logger = logger
	}
}

func NewFileStore(dir string, options ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] MkdirAll")
	}

	fs := &FileStore{
		dir:          dir,
		pollInterval: defaultPollRate,
		logger:       zerolog.Nop(),
		fingerprints: make(map[string]string),
		subscribers:  make(map[int]chan Event),
		done:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(fs)
	}

	if fs.sealKey != nil && len(fs.sealKey) != chacha20poly1305.KeySize {
		return nil, errors.New("[NewFileStore] encryption key must be 32 bytes")
	}

	// Baseline the folder so pre-existing state is not replayed as
	// change events; startup restoration reads it through Get instead.
	if err := fs.baseline(); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] baseline scan")
	}

	return fs, nil
}

var _ Store = (*FileStore)(nil)

func (fs *FileStore) Get(key string) ([]byte, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, NotFoundErr
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.Get] ReadFile")
	}
	return fs.unseal(data)
}

func (fs *FileStore) Set(key string, value []byte) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}

	sealed, err := fs.seal(value)
	if err != nil {
		return errors.Wrap(err, "[FileStore.Set] seal")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Write-then-rename so a concurrent reader never sees a torn value.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return errors.Wrap(err, "[FileStore.Set] WriteFile")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "[FileStore.Set] Rename")
	}
	fs.fingerprints[key] = fingerprint(sealed)
	return nil
}

func (fs *FileStore) Delete(key string) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileStore.Delete] Remove")
	}
	delete(fs.fingerprints, key)
	return nil
}

// Watch returns a channel of changes made by other processes sharing
// the data folder. The channel closes when ctx is cancelled or the
// store is closed.
func (fs *FileStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	fs.mu.Lock()
	id := fs.nextSub
	fs.nextSub++
	fs.subscribers[id] = ch
	fs.mu.Unlock()

	fs.pollOnce.Do(func() { go fs.poll() })

	go func() {
		select {
		case <-ctx.Done():
		case <-fs.done:
		}
		fs.mu.Lock()
		delete(fs.subscribers, id)
		fs.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Close stops the change poller. Get/Set/Delete remain usable.
func (fs *FileStore) Close() {
	select {
	case <-fs.done:
	default:
		close(fs.done)
	}
}

func (fs *FileStore) poll() {
	ticker := time.NewTicker(fs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.done:
			return
		case <-ticker.C:
			for _, ev := range fs.scan() {
				fs.publish(ev)
			}
		}
	}
}

// scan diffs the folder against the fingerprint map and returns the
// externally-made changes, updating the map as it goes. The lock spans
// the directory read as well as the diff: a Set landing in between
// would otherwise echo this process's own stale value back to it.
func (fs *FileStore) scan() []Event {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, err := fs.readAll()
	if err != nil {
		fs.logger.Warn().Err(err).Msg("store poll failed")
		return nil
	}

	var events []Event
	for key, sealed := range current {
		fp := fingerprint(sealed)
		if fs.fingerprints[key] == fp {
			continue
		}
		fs.fingerprints[key] = fp
		value, err := fs.unseal(sealed)
		if err != nil {
			// Undecryptable external write: surface as a present-but-
			// unparseable value so consumers can clear their state.
			fs.logger.Warn().Err(err).Str("key", key).Msg("unreadable store value")
			value = sealed
		}
		events = append(events, Event{Key: key, Value: value})
	}
	for key := range fs.fingerprints {
		if _, ok := current[key]; !ok {
			delete(fs.fingerprints, key)
			events = append(events, Event{Key: key, Value: nil})
		}
	}
	return events
}

func (fs *FileStore) publish(ev Event) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, ch := range fs.subscribers {
		select {
		case ch <- ev:
		default:
			fs.logger.Warn().Str("key", ev.Key).Msg("dropping store event, slow subscriber")
		}
	}
}

func (fs *FileStore) baseline() error {
	current, err := fs.readAll()
	if err != nil {
		return err
	}
	for key, sealed := range current {
		fs.fingerprints[key] = fingerprint(sealed)
	}
	return nil
}

func (fs *FileStore) readAll() (map[string][]byte, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, errors.Wrap(err, "ReadDir")
	}

	current := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			continue // deleted between ReadDir and ReadFile
		}
		current[strings.TrimSuffix(name, fileExtension)] = data
	}
	return current, nil
}

func (fs *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", errors.Errorf("[FileStore] invalid key %q", key)
	}
	return filepath.Join(fs.dir, key+fileExtension), nil
}

func (fs *FileStore) seal(value []byte) ([]byte, error) {
	if fs.sealKey == nil {
		return value, nil
	}
	aead, err := chacha20poly1305.New(fs.sealKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, value, nil), nil
}

func (fs *FileStore) unseal(data []byte) ([]byte, error) {
	if fs.sealKey == nil {
		return data, nil
	}
	aead, err := chacha20poly1305.New(fs.sealKey)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	value, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open sealed value")
	}
	return value, nil
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
