package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/taskmanage/go-session-manager/broadcast"
	"github.com/taskmanage/go-session-manager/store"
)

// Persisted store keys. TokenKey holds the token blob and doubles as
// the cross-process broadcast channel; ConnectedKey records that the
// user granted calendar access at least once, which gates silent
// renewal attempts (without a prior grant they are doomed and skipped).
const (
	TokenKey     = "calendar_token"
	ConnectedKey = "calendar_connected"
)

const (
	defaultRenewalLead      = 10 * time.Minute
	defaultWatchdogInterval = 5 * time.Minute
	defaultTokenLifetime    = time.Hour
	defaultInitTimeout      = 5 * time.Second
	defaultCalendarID       = "primary"
	defaultPageSize         = 50
)

// TickerFunc returns a tick channel for the watchdog and a stop
// function. Injectable for deterministic tests.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

// Controller owns the calendar token lifecycle: initialisation of the
// provider clients, silent restoration from the persisted store,
// interactive authorization, the expiry watchdog, and revocation.
//
// Every token mutation funnels through the broadcaster so the persisted
// value and the change notification stay consistent, and so peer
// processes converge on the same state.
type Controller struct {
	issuer TokenIssuer
	api    APIClient
	store  store.Store
	bcast  *broadcast.Broadcaster

	nowTime          func() time.Time
	ticker           TickerFunc
	renewalLead      time.Duration
	watchdogInterval time.Duration
	defaultLifetime  time.Duration
	initTimeout      time.Duration
	calendarID       string
	pageSize         int64
	logger           zerolog.Logger

	mu          sync.Mutex
	initialized bool
	available   bool
	authorized  bool
	renewing    bool
	token       *Token
	unsubscribe func()
}

type ControllerOption func(*Controller)

func WithNowTime(nowFunc func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.nowTime = nowFunc
	}
}

func WithTicker(ticker TickerFunc) ControllerOption {
	return func(c *Controller) {
		c.ticker = ticker
	}
}

func WithRenewalLead(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.renewalLead = d
	}
}

func WithWatchdogInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.watchdogInterval = d
	}
}

func WithDefaultTokenLifetime(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.defaultLifetime = d
	}
}

func WithInitTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.initTimeout = d
	}
}

func WithCalendarID(id string) ControllerOption {
	return func(c *Controller) {
		c.calendarID = id
	}
}

func WithPageSize(n int64) ControllerOption {
	return func(c *Controller) {
		c.pageSize = n
	}
}

func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

func NewController(issuer TokenIssuer, api APIClient, st store.Store, bcast *broadcast.Broadcaster, options ...ControllerOption) (*Controller, error) {
	if issuer == nil {
		return nil, errors.New("[NewController] issuer is required")
	}
	if api == nil {
		return nil, errors.New("[NewController] api client is required")
	}
	if st == nil {
		return nil, errors.New("[NewController] store is required")
	}
	if bcast == nil {
		return nil, errors.New("[NewController] broadcaster is required")
	}

	c := &Controller{
		issuer:           issuer,
		api:              api,
		store:            st,
		bcast:            bcast,
		nowTime:          time.Now,
		renewalLead:      defaultRenewalLead,
		watchdogInterval: defaultWatchdogInterval,
		defaultLifetime:  defaultTokenLifetime,
		initTimeout:      defaultInitTimeout,
		calendarID:       defaultCalendarID,
		pageSize:         defaultPageSize,
		logger:           zerolog.Nop(),
	}
	c.ticker = func(d time.Duration) (<-chan time.Time, func()) {
		t := time.NewTicker(d)
		return t.C, t.Stop
	}

	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Init runs the ordered initialisation sequence: issuer client, API
// client, broadcast wiring, silent restoration. Every step is
// best-effort; a provider that fails to load leaves calendar features
// unavailable but never crashes the application. Init is idempotent:
// calling it again only re-runs restoration.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	alreadyInitialized := c.initialized
	c.mu.Unlock()

	if alreadyInitialized {
		c.restore(ctx)
		return nil
	}

	// External loads are unverifiable; bound them so a wedged provider
	// degrades instead of hanging the caller.
	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	if err := c.issuer.Init(initCtx); err != nil {
		c.logger.Warn().Err(err).Msg("token issuer failed to initialise, calendar features unavailable")
		c.mu.Lock()
		c.initialized = true
		c.mu.Unlock()
		return nil
	}
	if err := c.api.Init(initCtx); err != nil {
		c.logger.Warn().Err(err).Msg("api client failed to initialise, calendar features unavailable")
		c.mu.Lock()
		c.initialized = true
		c.mu.Unlock()
		return nil
	}

	unsubscribe := c.bcast.Subscribe(c.applyBroadcast)

	c.mu.Lock()
	c.initialized = true
	c.available = true
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.restore(ctx)
	return nil
}

// Close detaches the controller from the broadcaster.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Authorized reports whether a usable calendar token is held.
func (c *Controller) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// CurrentToken returns the in-memory token snapshot, nil when absent.
func (c *Controller) CurrentToken() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// RequestInteractiveAuthorization triggers the provider's consent flow.
// The provider shows UI only if no existing grant can be silently
// reused. A user dismissal leaves prior authorization state untouched.
func (c *Controller) RequestInteractiveAuthorization(ctx context.Context) error {
	// Before Init has run the client may still be loading: retryable.
	// After a failed Init it never will be: unavailable until restart.
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return errors.Wrap(NotReadyErr, "[Controller.RequestInteractiveAuthorization]")
	}
	if !c.available {
		c.mu.Unlock()
		return errors.Wrap(UnavailableErr, "[Controller.RequestInteractiveAuthorization]")
	}
	c.mu.Unlock()

	issued, err := c.issuer.RequestAccessToken(ctx, PromptDefault)
	if err != nil {
		if errors.Is(err, DismissedErr) {
			return errors.Wrap(err, "[Controller.RequestInteractiveAuthorization]")
		}
		c.mu.Lock()
		c.authorized = false
		c.mu.Unlock()
		return errors.Wrap(err, "[Controller.RequestInteractiveAuthorization] token request")
	}

	c.setToken(issued)
	return nil
}

// ListEvents lists events from windowStart onward, single-occurrence
// expanded, ordered by start time, capped at the configured page size.
func (c *Controller) ListEvents(ctx context.Context, windowStart time.Time) ([]Event, error) {
	if err := c.ensureAuthorized(ctx); err != nil {
		return nil, err
	}

	query := ListQuery{
		CalendarID: c.calendarID,
		From:       windowStart,
		MaxResults: c.pageSize,
	}
	events, err := c.api.ListEvents(ctx, query)
	if errors.Is(err, TokenExpiredErr) {
		if recoverErr := c.recoverExpiredCredential(ctx); recoverErr != nil {
			return nil, errors.Wrap(recoverErr, "[Controller.ListEvents] token rejected upstream")
		}
		events, err = c.api.ListEvents(ctx, query)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Controller.ListEvents]")
	}
	return events, nil
}

// CreateEvent inserts an event and notifies its attendees.
func (c *Controller) CreateEvent(ctx context.Context, draft EventDraft) (*Event, error) {
	if err := c.ensureAuthorized(ctx); err != nil {
		return nil, err
	}

	event, err := c.api.InsertEvent(ctx, c.calendarID, draft)
	if errors.Is(err, TokenExpiredErr) {
		if recoverErr := c.recoverExpiredCredential(ctx); recoverErr != nil {
			return nil, errors.Wrap(recoverErr, "[Controller.CreateEvent] token rejected upstream")
		}
		event, err = c.api.InsertEvent(ctx, c.calendarID, draft)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Controller.CreateEvent]")
	}
	return event, nil
}

// recoverExpiredCredential handles a token the provider rejected as
// expired mid-call: silent renewal when a prior grant exists, full
// clearing otherwise.
func (c *Controller) recoverExpiredCredential(ctx context.Context) error {
	if c.wasConnected() {
		if err := c.silentRenew(ctx); err == nil && c.Authorized() {
			return nil
		}
		return NotAuthorizedErr
	}
	c.clearToken()
	return NotAuthorizedErr
}

// Revoke revokes the current access token with the provider (best
// effort), clears persisted and in-memory state including the consent
// flag, and broadcasts the clearing. Revocation failure never blocks
// the clearing.
func (c *Controller) Revoke(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != nil {
		if err := c.issuer.Revoke(ctx, token.AccessToken); err != nil {
			c.logger.Warn().Err(err).Msg("token revocation failed, clearing state anyway")
		}
	}

	if err := c.store.Delete(ConnectedKey); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear connected flag")
	}
	c.clearToken()
	return nil
}

// RunWatchdog re-evaluates the persisted token on a fixed interval
// until ctx is cancelled.
func (c *Controller) RunWatchdog(ctx context.Context) {
	ticks, stop := c.ticker(c.watchdogInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			c.watchdogTick(ctx)
		}
	}
}

// watchdogTick applies the expiry policy against the persisted token,
// the same absolute-instant comparison restoration uses. Steady-state
// absence is not logged; only transitions are.
func (c *Controller) watchdogTick(ctx context.Context) {
	now := c.nowTime()

	data, err := c.store.Get(TokenKey)
	if errors.Is(err, store.NotFoundErr) {
		c.clearLocal()
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("watchdog could not read persisted token")
		return
	}

	token, err := ParseToken(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("discarding malformed persisted token")
		_ = c.store.Delete(TokenKey)
		c.clearLocal()
		return
	}

	switch {
	case !token.Valid(now):
		c.logger.Info().Time("expired_at", token.ExpiryTime()).Msg("calendar token expired")
		c.clearToken()
	case token.ExpiringSoon(now, c.renewalLead):
		c.mu.Lock()
		inflight := c.renewing
		c.mu.Unlock()
		if inflight {
			// An outstanding renewal is authoritative; do not race it.
			return
		}
		if err := c.silentRenew(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("proactive renewal failed")
		}
	default:
		c.adoptLocal(token)
	}
}

// ensureAuthorized guarantees a usable token before an API call,
// attempting silent renewal when the held token has lapsed and a prior
// grant exists.
func (c *Controller) ensureAuthorized(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return errors.Wrap(NotReadyErr, "[Controller.ensureAuthorized]")
	}
	if !c.available {
		c.mu.Unlock()
		return errors.Wrap(UnavailableErr, "[Controller.ensureAuthorized]")
	}
	token := c.token
	c.mu.Unlock()

	if token != nil && token.Valid(c.nowTime()) {
		return nil
	}

	if c.wasConnected() {
		if err := c.silentRenew(ctx); err == nil && c.Authorized() {
			return nil
		}
	}
	return errors.Wrap(NotAuthorizedErr, "[Controller.ensureAuthorized]")
}

// silentRenew requests a token without user interaction. Concurrent
// callers collapse onto a single in-flight request; an irrecoverable
// failure clears the persisted token.
func (c *Controller) silentRenew(ctx context.Context) error {
	c.mu.Lock()
	if c.renewing {
		c.mu.Unlock()
		return nil
	}
	c.renewing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.renewing = false
		c.mu.Unlock()
	}()

	issued, err := c.issuer.RequestAccessToken(ctx, PromptNone)
	if err != nil {
		c.clearToken()
		return errors.Wrap(err, "[Controller.silentRenew] token request")
	}

	c.setToken(issued)
	return nil
}

// restore attempts silent adoption of the persisted token at startup.
// An expired token is renewed silently only when the consent flag shows
// a prior grant; without it the silent call would be doomed and is not
// attempted.
func (c *Controller) restore(ctx context.Context) {
	data, err := c.store.Get(TokenKey)
	if errors.Is(err, store.NotFoundErr) {
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not read persisted token")
		return
	}

	token, err := ParseToken(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("discarding malformed persisted token")
		_ = c.store.Delete(TokenKey)
		c.clearLocal()
		return
	}

	if token.Valid(c.nowTime()) {
		c.adoptLocal(token)
		if !c.wasConnected() {
			c.setConnected()
		}
		return
	}

	if c.wasConnected() {
		if err := c.silentRenew(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("silent restoration failed")
		}
	}
}

// setToken persists a freshly issued token and broadcasts it. The
// broadcaster's synthetic local notification routes the value back
// through applyBroadcast, so local, persisted, and peer state all come
// from the same write.
func (c *Controller) setToken(issued *IssuedToken) {
	token := NewToken(issued.AccessToken, issued.ExpiresIn, c.nowTime(), c.defaultLifetime)
	data, err := token.Marshal()
	if err != nil {
		c.logger.Error().Err(err).Msg("could not encode token")
		return
	}

	c.setConnected()
	if err := c.bcast.Publish(data); err != nil {
		c.logger.Warn().Err(err).Msg("token persist failed, adopting in memory only")
		c.applyBroadcast(data)
	}
}

// clearToken deletes the persisted token and broadcasts the clearing.
// The consent flag survives so later silent renewals stay permitted.
func (c *Controller) clearToken() {
	if err := c.bcast.Publish(nil); err != nil {
		c.logger.Warn().Err(err).Msg("token clear failed to persist")
		c.applyBroadcast(nil)
	}
}

// applyBroadcast is the single entry point for token state arriving
// from any direction: this process's own writes (synthetic local
// notification) and peer processes (store watch). Malformed or expired
// payloads clear state; they never escape as panics or errors.
func (c *Controller) applyBroadcast(value []byte) {
	if value == nil {
		c.clearLocal()
		return
	}

	token, err := ParseToken(value)
	if err != nil {
		c.logger.Warn().Err(err).Msg("ignoring malformed token broadcast")
		c.clearLocal()
		return
	}
	if !token.Valid(c.nowTime()) {
		c.clearLocal()
		return
	}
	c.adoptLocal(token)
}

func (c *Controller) adoptLocal(token *Token) {
	c.mu.Lock()
	was := c.authorized
	c.token = token
	c.authorized = true
	c.mu.Unlock()

	c.api.SetToken(token.AccessToken)
	if !was {
		c.logger.Info().Time("expires_at", token.ExpiryTime()).Msg("calendar authorized")
	}
}

func (c *Controller) clearLocal() {
	c.mu.Lock()
	was := c.authorized
	c.token = nil
	c.authorized = false
	c.mu.Unlock()

	if was {
		c.api.ClearToken()
		c.logger.Info().Msg("calendar authorization cleared")
	}
}

func (c *Controller) wasConnected() bool {
	_, err := c.store.Get(ConnectedKey)
	return err == nil
}

func (c *Controller) setConnected() {
	if err := c.store.Set(ConnectedKey, []byte("true")); err != nil {
		c.logger.Warn().Err(err).Msg("could not persist connected flag")
	}
}
