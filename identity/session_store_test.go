package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/taskmanage/go-session-manager/identity"
	"github.com/taskmanage/go-session-manager/identity/providerfakes"
	"github.com/taskmanage/go-session-manager/store"
)

var testUser = &identity.Identity{
	ID:          "user-1",
	Email:       "jane.doe@example.com",
	DisplayName: "Jane Doe",
	Provider:    "google",
}

// sessionFixture captures debounce callbacks instead of scheduling
// them, so null-notification handling can be driven deterministically.
type sessionFixture struct {
	provider *providerfakes.FakeProvider
	sessions *identity.SessionStore

	lock    sync.Mutex
	now     time.Time
	pending []func()
}

func setupSessionFixture(t *testing.T, options ...identity.SessionStoreOption) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		provider: providerfakes.NewFakeProvider(),
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	opts := append([]identity.SessionStoreOption{
		identity.WithNowTime(f.nowTime),
		identity.WithAfterFunc(f.afterFunc),
	}, options...)

	sessions, err := identity.NewSessionStore(f.provider, opts...)
	require.NoError(t, err)
	f.sessions = sessions
	t.Cleanup(sessions.Close)
	return f
}

func (f *sessionFixture) nowTime() time.Time {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.now
}

func (f *sessionFixture) afterFunc(_ time.Duration, fn func()) func() {
	f.lock.Lock()
	defer f.lock.Unlock()

	id := len(f.pending)
	f.pending = append(f.pending, fn)
	return func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		f.pending[id] = nil
	}
}

// flushDebounce fires every pending, uncancelled debounce callback.
func (f *sessionFixture) flushDebounce() {
	f.lock.Lock()
	callbacks := f.pending
	f.pending = nil
	f.lock.Unlock()

	for _, fn := range callbacks {
		if fn != nil {
			fn()
		}
	}
}

func (f *sessionFixture) pendingDebounces() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	n := 0
	for _, fn := range f.pending {
		if fn != nil {
			n++
		}
	}
	return n
}

func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sessions.Start(store.Result{Mode: store.ModeVolatile, Store: store.NewMemStore()}))
}

func TestStartRequiresPersistenceResult(t *testing.T) {
	f := setupSessionFixture(t)

	err := f.sessions.Start(store.Result{})
	require.ErrorIs(t, err, identity.PersistenceGateErr)
	require.Equal(t, identity.StateUninitialized, f.sessions.State())
}

func TestStartResolvesInitialNotification(t *testing.T) {
	f := setupSessionFixture(t)

	f.start(t)

	require.Equal(t, identity.StateUnauthenticated, f.sessions.State())
	require.Nil(t, f.sessions.Identity())
	require.False(t, f.sessions.Loading())
}

func TestStartAdoptsExistingSession(t *testing.T) {
	f := setupSessionFixture(t)
	f.provider.SetCurrent(testUser)

	f.start(t)

	require.Equal(t, identity.StateAuthenticated, f.sessions.State())
	require.Equal(t, testUser, f.sessions.Identity())
	require.False(t, f.sessions.Loading())
}

func TestStartTwiceFails(t *testing.T) {
	f := setupSessionFixture(t)
	f.start(t)

	err := f.sessions.Start(store.Result{Mode: store.ModeVolatile, Store: store.NewMemStore()})
	require.Error(t, err)
}

func TestRefreshBlipDoesNotSignOut(t *testing.T) {
	f := setupSessionFixture(t)
	f.start(t)
	f.provider.PushIdentity(testUser)

	var observed []*identity.Identity
	f.sessions.OnChange(func(id *identity.Identity) {
		observed = append(observed, id)
	})

	// Token refresh shape: a null notification while the provider's
	// synchronous accessor still returns the user.
	f.provider.PushNull()
	require.Equal(t, testUser, f.sessions.Identity())
	require.Equal(t, 1, f.pendingDebounces())

	f.flushDebounce()

	require.Equal(t, testUser, f.sessions.Identity())
	require.Equal(t, identity.StateAuthenticated, f.sessions.State())
	require.Empty(t, observed)
}

func TestRealSignOutClearsAfterDebounce(t *testing.T) {
	f := setupSessionFixture(t)
	f.start(t)
	f.provider.PushIdentity(testUser)

	var observed []*identity.Identity
	f.sessions.OnChange(func(id *identity.Identity) {
		observed = append(observed, id)
	})

	f.provider.SetCurrent(nil)
	f.provider.PushNull()
	f.flushDebounce()

	require.Nil(t, f.sessions.Identity())
	require.Equal(t, identity.StateUnauthenticated, f.sessions.State())
	require.Equal(t, []*identity.Identity{nil}, observed)
}

func TestNewNotificationCancelsPendingDebounce(t *testing.T) {
	f := setupSessionFixture(t)
	f.start(t)
	f.provider.PushIdentity(testUser)

	f.provider.PushNull()
	require.Equal(t, 1, f.pendingDebounces())

	other := &identity.Identity{ID: "user-2", Email: "john.roe@example.com", Provider: "google"}
	f.provider.PushIdentity(other)
	require.Zero(t, f.pendingDebounces())

	f.flushDebounce()
	require.Equal(t, other, f.sessions.Identity())
}

func TestListenerErrorPreservesIdentity(t *testing.T) {
	f := setupSessionFixture(t)
	f.start(t)
	f.provider.PushIdentity(testUser)

	f.provider.PushError(errors.New("listener connection dropped"))

	require.Equal(t, testUser, f.sessions.Identity())
	require.Equal(t, identity.StateAuthenticated, f.sessions.State())
	require.False(t, f.sessions.Loading())
}

func TestSignInRequiresListening(t *testing.T) {
	f := setupSessionFixture(t)

	_, err := f.sessions.SignIn(context.Background())
	require.ErrorIs(t, err, identity.NotListeningErr)
	require.Zero(t, f.provider.SignInCalls)
}

func TestSignInPropagatesThroughNotification(t *testing.T) {
	f := setupSessionFixture(t)
	f.start(t)
	f.provider.SignInResult = testUser

	id, err := f.sessions.SignIn(context.Background())

	require.NoError(t, err)
	require.Equal(t, testUser, id)
	require.Equal(t, testUser, f.sessions.Identity())
	require.Equal(t, 1, f.provider.SignInCalls)
}

func TestSignOutClearsSessionAfterDebounce(t *testing.T) {
	f := setupSessionFixture(t)
	f.provider.SetCurrent(testUser)
	f.start(t)

	require.NoError(t, f.sessions.SignOut(context.Background()))
	f.flushDebounce()

	require.Nil(t, f.sessions.Identity())
	require.Equal(t, 1, f.provider.SignOutCalls)
}

func TestMaintenanceRefreshesExpiringCredential(t *testing.T) {
	ticks := make(chan time.Time, 1)
	f := setupSessionFixture(t,
		identity.WithTicker(func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }),
		identity.WithMaintenance(10*time.Minute, 15*time.Minute),
	)
	f.provider.SetCurrent(testUser)
	f.start(t)
	f.provider.SetCredential(signedCredential(t, f.nowTime().Add(5*time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.sessions.RunMaintenance(ctx)

	ticks <- time.Time{}
	require.Eventually(t, func() bool {
		total, forced := f.provider.RefreshCount()
		return total == 1 && forced == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMaintenanceSkipsFreshCredential(t *testing.T) {
	ticks := make(chan time.Time)
	f := setupSessionFixture(t,
		identity.WithTicker(func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }),
		identity.WithMaintenance(10*time.Minute, 15*time.Minute),
	)
	f.provider.SetCurrent(testUser)
	f.start(t)
	f.provider.SetCredential(signedCredential(t, f.nowTime().Add(2*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.sessions.RunMaintenance(ctx)

	// Unbuffered sends: the second is only accepted once the first pass
	// finished, and a fresh credential makes every pass a no-op.
	ticks <- time.Time{}
	ticks <- time.Time{}

	total, _ := f.provider.RefreshCount()
	require.Zero(t, total)
}

func TestMaintenanceIgnoresSignedOutSessions(t *testing.T) {
	ticks := make(chan time.Time)
	f := setupSessionFixture(t,
		identity.WithTicker(func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }),
	)
	f.start(t)
	f.provider.SetCredential(signedCredential(t, f.nowTime().Add(time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.sessions.RunMaintenance(ctx)

	ticks <- time.Time{}
	ticks <- time.Time{}

	total, _ := f.provider.RefreshCount()
	require.Zero(t, total)
}

// signedCredential builds a JWT carrying exp; the session store only
// inspects the claim, it never verifies the signature.
func signedCredential(t *testing.T, expiry time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": float64(expiry.Unix()),
	})
	raw, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return raw
}
