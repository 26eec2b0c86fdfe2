package calendar

import (
	"context"
	"time"
)

// Event is a calendar event as exposed to consumers. Provider payloads
// are narrowed into this shape at the boundary; untyped blobs never
// reach internal state.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
	Link        string
}

// EventDraft is the input for event creation.
type EventDraft struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// ListQuery selects events from From onward, single-occurrence
// expanded, ordered by start time, capped at MaxResults.
type ListQuery struct {
	CalendarID string
	From       time.Time
	MaxResults int64
}

// APIClient is the API half of the calendar provider. The controller
// pushes the access token into it and clears it on invalidation.
type APIClient interface {
	Init(ctx context.Context) error
	SetToken(accessToken string)
	Token() string
	ClearToken()
	ListEvents(ctx context.Context, q ListQuery) ([]Event, error)
	InsertEvent(ctx context.Context, calendarID string, draft EventDraft) (*Event, error)
}
