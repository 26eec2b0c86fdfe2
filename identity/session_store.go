package identity

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/taskmanage/go-session-manager/store"
)

// State is the session store lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateWaitingOnPersistence
	StateListening
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateWaitingOnPersistence:
		return "waiting-on-persistence"
	case StateListening:
		return "listening"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	}
	return "uninitialized"
}

const (
	defaultNullDebounce        = 100 * time.Millisecond
	defaultMaintenanceInterval = 10 * time.Minute
	defaultRenewalWindow       = 15 * time.Minute
)

// AfterFunc schedules f after d and returns a cancel function.
// Injectable so tests can flush the null-notification debounce
// deterministically.
type AfterFunc func(d time.Duration, f func()) (cancel func())

// TickerFunc returns a tick channel for the maintenance loop and a stop
// function. Injectable for the same reason.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

// SessionStore holds the current Identity and its loading flag, kept in
// sync with the identity provider's push notifications. It never polls
// the provider for session state.
//
// A "no identity" notification while an identity is held is not trusted
// immediately: provider-side token refreshes emit a transient null. The
// store re-checks the provider's synchronous accessor after a short
// debounce and only then clears the identity.
type SessionStore struct {
	provider Provider

	nowTime             func() time.Time
	afterFunc           AfterFunc
	ticker              TickerFunc
	nullDebounce        time.Duration
	maintenanceInterval time.Duration
	renewalWindow       time.Duration
	logger              zerolog.Logger

	mu             sync.Mutex
	state          State
	identity       *Identity
	loading        bool
	observers      map[int]func(*Identity)
	nextObserver   int
	unsubscribe    func()
	debounceCancel func()
}

type SessionStoreOption func(*SessionStore)

func WithNowTime(nowFunc func() time.Time) SessionStoreOption {
	return func(s *SessionStore) {
		s.nowTime = nowFunc
	}
}

func WithAfterFunc(afterFunc AfterFunc) SessionStoreOption {
	return func(s *SessionStore) {
		s.afterFunc = afterFunc
	}
}

func WithTicker(ticker TickerFunc) SessionStoreOption {
	return func(s *SessionStore) {
		s.ticker = ticker
	}
}

func WithNullDebounce(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		s.nullDebounce = d
	}
}

func WithMaintenance(interval, renewalWindow time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		s.maintenanceInterval = interval
		s.renewalWindow = renewalWindow
	}
}

func WithSessionLogger(logger zerolog.Logger) SessionStoreOption {
	return func(s *SessionStore) {
		s.logger = logger
	}
}

func NewSessionStore(provider Provider, options ...SessionStoreOption) (*SessionStore, error) {
	if provider == nil {
		return nil, errors.New("[NewSessionStore] provider is required")
	}

	s := &SessionStore{
		provider:            provider,
		nowTime:             time.Now,
		nullDebounce:        defaultNullDebounce,
		maintenanceInterval: defaultMaintenanceInterval,
		renewalWindow:       defaultRenewalWindow,
		logger:              zerolog.Nop(),
		state:               StateUninitialized,
		loading:             true,
		observers:           make(map[int]func(*Identity)),
	}
	s.afterFunc = func(d time.Duration, f func()) func() {
		t := time.AfterFunc(d, f)
		return func() { t.Stop() }
	}
	s.ticker = func(d time.Duration) (<-chan time.Time, func()) {
		t := time.NewTicker(d)
		return t.C, t.Stop
	}

	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Start attaches the provider listener. It requires the persistence
// negotiation Result so listening can never race an unresolved
// persistence mode; an unresolved Result still attaches best-effort.
func (s *SessionStore) Start(result store.Result) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return errors.New("[SessionStore.Start] already started")
	}
	if result.Store == nil {
		s.mu.Unlock()
		return errors.Wrap(PersistenceGateErr, "[SessionStore.Start]")
	}
	s.state = StateWaitingOnPersistence
	s.mu.Unlock()

	if result.Mode == store.ModeUnresolved {
		s.logger.Warn().Msg("attaching session listener with unresolved persistence mode")
	}

	unsubscribe, err := s.provider.Subscribe(s.handleNotification, s.handleListenerError)
	if err != nil {
		s.mu.Lock()
		s.state = StateUninitialized
		s.mu.Unlock()
		return errors.Wrap(err, "[SessionStore.Start] Subscribe")
	}

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	// Providers deliver the initial notification synchronously inside
	// Subscribe; if it already resolved the state, keep it.
	if s.state == StateWaitingOnPersistence {
		s.state = StateListening
	}
	s.mu.Unlock()
	return nil
}

// Close detaches the listener and cancels any pending debounce.
func (s *SessionStore) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	if s.debounceCancel != nil {
		s.debounceCancel()
		s.debounceCancel = nil
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Identity returns the current identity, nil when signed out.
func (s *SessionStore) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Loading reports whether the first session notification is still
// outstanding.
func (s *SessionStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *SessionStore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnChange registers an observer invoked on every identity transition.
// The returned function removes it.
func (s *SessionStore) OnChange(fn func(*Identity)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// SignIn runs the provider's interactive flow. State is not updated
// here; the resulting session-change notification propagates it.
func (s *SessionStore) SignIn(ctx context.Context) (*Identity, error) {
	s.mu.Lock()
	started := s.state != StateUninitialized
	s.mu.Unlock()
	if !started {
		return nil, errors.Wrap(NotListeningErr, "[SessionStore.SignIn]")
	}

	id, err := s.provider.SignIn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[SessionStore.SignIn] provider sign-in")
	}
	return id, nil
}

// SignOut invalidates the provider session. Clearing the calendar
// token is the caller's best-effort secondary action; it must never
// block the provider sign-out.
func (s *SessionStore) SignOut(ctx context.Context) error {
	if err := s.provider.SignOut(ctx); err != nil {
		return errors.Wrap(err, "[SessionStore.SignOut] provider sign-out")
	}
	return nil
}

// RunMaintenance renews the provider credential in the background while
// an identity is present. Failures are logged, never surfaced; the user
// is not interrupted unless subsequent calls actually fail.
func (s *SessionStore) RunMaintenance(ctx context.Context) {
	ticks, stop := s.ticker(s.maintenanceInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.maintainCredential(ctx)
		}
	}
}

func (s *SessionStore) maintainCredential(ctx context.Context) {
	if s.Identity() == nil {
		return
	}

	raw, err := s.provider.Credential()
	if err != nil {
		s.logger.Debug().Err(err).Msg("no credential to maintain")
		return
	}

	expiry, err := credentialExpiry(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not read credential expiry")
		return
	}

	if expiry.Sub(s.nowTime()) >= s.renewalWindow {
		return
	}
	if err := s.provider.RefreshCredential(ctx, true); err != nil {
		s.logger.Warn().Err(err).Msg("credential refresh failed")
	}
}

// credentialExpiry extracts the exp claim without verifying the
// signature; the credential came from the provider and is only being
// inspected for freshness.
func credentialExpiry(raw string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse credential")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, errors.New("error extracting claims")
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, errors.New("credential missing exp claim")
	}
	return time.Unix(int64(exp), 0), nil
}

func (s *SessionStore) handleNotification(id *Identity) {
	s.mu.Lock()

	if s.debounceCancel != nil {
		s.debounceCancel()
		s.debounceCancel = nil
	}

	if id != nil {
		s.identity = id
		s.state = StateAuthenticated
		s.loading = false
		s.mu.Unlock()
		s.notifyObservers(id)
		return
	}

	if s.identity == nil {
		s.state = StateUnauthenticated
		s.loading = false
		s.mu.Unlock()
		s.notifyObservers(nil)
		return
	}

	// Held identity plus a null notification: hold off and re-check.
	// Provider token refreshes emit exactly this pattern.
	s.debounceCancel = s.afterFunc(s.nullDebounce, s.recheckNullNotification)
	s.mu.Unlock()
}

func (s *SessionStore) recheckNullNotification() {
	current := s.provider.CurrentIdentity()

	s.mu.Lock()
	s.debounceCancel = nil
	if current != nil {
		s.logger.Debug().Msg("null session notification was a refresh blip, keeping identity")
		s.identity = current
		s.state = StateAuthenticated
		s.mu.Unlock()
		return
	}

	s.identity = nil
	s.state = StateUnauthenticated
	s.loading = false
	s.mu.Unlock()
	s.notifyObservers(nil)
}

// handleListenerError preserves the last-known identity: listener
// failures never force a sign-out.
func (s *SessionStore) handleListenerError(err error) {
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("session listener error")
}

func (s *SessionStore) notifyObservers(id *Identity) {
	s.mu.Lock()
	observers := make([]func(*Identity), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(id)
	}
}
