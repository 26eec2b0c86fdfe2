// Package session is the consumer-facing surface: reactive accessors
// for identity and calendar authorization plus the imperative actions
// UI components call.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/taskmanage/go-session-manager/broadcast"
	"github.com/taskmanage/go-session-manager/calendar"
	"github.com/taskmanage/go-session-manager/identity"
	"github.com/taskmanage/go-session-manager/store"
)

// Manager wires the identity session store, the calendar authorization
// controller, and the token broadcaster together behind one surface.
type Manager struct {
	sessions    *identity.SessionStore
	controller  *calendar.Controller
	bcast       *broadcast.Broadcaster
	persistence store.Result
	logger      zerolog.Logger
}

type ManagerOption func(*Manager)

func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager assembles the facade. The persistence Result must come
// from a completed negotiation; construction is what guarantees the
// listener never attaches before the mode is resolved.
func NewManager(sessions *identity.SessionStore, controller *calendar.Controller, bcast *broadcast.Broadcaster, persistence store.Result, options ...ManagerOption) (*Manager, error) {
	if sessions == nil {
		return nil, errors.New("[NewManager] session store is required")
	}
	if controller == nil {
		return nil, errors.New("[NewManager] calendar controller is required")
	}
	if bcast == nil {
		return nil, errors.New("[NewManager] broadcaster is required")
	}

	m := &Manager{
		sessions:    sessions,
		controller:  controller,
		bcast:       bcast,
		persistence: persistence,
		logger:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Start attaches the session listener and initialises the calendar
// controller, in that order. Background loops (maintenance, watchdog,
// broadcast consumption) run until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info().Stringer("mode", m.persistence.Mode).Msg("persistence mode")

	if err := m.sessions.Start(m.persistence); err != nil {
		return errors.Wrap(err, "[Manager.Start] session store")
	}
	if err := m.controller.Init(ctx); err != nil {
		return errors.Wrap(err, "[Manager.Start] calendar controller")
	}

	go m.bcast.Run(ctx)
	go m.sessions.RunMaintenance(ctx)
	go m.controller.RunWatchdog(ctx)
	return nil
}

// Identity returns the signed-in user, nil when signed out.
func (m *Manager) Identity() *identity.Identity {
	return m.sessions.Identity()
}

// IdentityLoading reports whether the first session notification is
// still outstanding.
func (m *Manager) IdentityLoading() bool {
	return m.sessions.Loading()
}

// CalendarAuthorized reports whether a usable calendar token is held.
func (m *Manager) CalendarAuthorized() bool {
	return m.controller.Authorized()
}

// OnIdentityChange registers an observer for identity transitions.
func (m *Manager) OnIdentityChange(fn func(*identity.Identity)) func() {
	return m.sessions.OnChange(fn)
}

// SignIn runs the interactive identity sign-in flow.
func (m *Manager) SignIn(ctx context.Context) (*identity.Identity, error) {
	return m.sessions.SignIn(ctx)
}

// SignInCalendarOnly requests calendar authorization without touching
// the identity session.
func (m *Manager) SignInCalendarOnly(ctx context.Context) error {
	return m.controller.RequestInteractiveAuthorization(ctx)
}

// SignOut invalidates the identity session and clears calendar
// authorization. Calendar clearing is best-effort: its failure is
// logged and never blocks the sign-out.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.sessions.SignOut(ctx); err != nil {
		return errors.Wrap(err, "[Manager.SignOut]")
	}
	if err := m.controller.Revoke(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("calendar revoke failed during sign-out")
	}
	return nil
}

// ListEvents lists upcoming calendar events from windowStart onward.
func (m *Manager) ListEvents(ctx context.Context, windowStart time.Time) ([]calendar.Event, error) {
	return m.controller.ListEvents(ctx, windowStart)
}

// CreateEvent inserts a calendar event and notifies attendees.
func (m *Manager) CreateEvent(ctx context.Context, draft calendar.EventDraft) (*calendar.Event, error) {
	return m.controller.CreateEvent(ctx, draft)
}
