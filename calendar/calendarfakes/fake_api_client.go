package calendarfakes

import (
	"context"
	"sync"

	"github.com/taskmanage/go-session-manager/calendar"
)

var _ calendar.APIClient = (*FakeAPIClient)(nil)

// FakeAPIClient records the credential pushed into it and serves canned
// events.
type FakeAPIClient struct {
	lock sync.Mutex

	InitErr error
	ListErr error
	// ListErrOnce is returned by the next ListEvents call only, the
	// shape of a transient upstream rejection.
	ListErrOnce error
	InsertErr   error
	Events      []calendar.Event

	accessToken string
	InitCalls   int
	ListCalls   int
	InsertCalls int
	LastQuery   calendar.ListQuery
	LastDraft   calendar.EventDraft
	ClearCalls  int
}

func NewFakeAPIClient() *FakeAPIClient {
	return &FakeAPIClient{}
}

func (fc *FakeAPIClient) Init(ctx context.Context) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.InitCalls++
	return fc.InitErr
}

func (fc *FakeAPIClient) SetToken(accessToken string) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.accessToken = accessToken
}

func (fc *FakeAPIClient) Token() string {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.accessToken
}

func (fc *FakeAPIClient) ClearToken() {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.accessToken = ""
	fc.ClearCalls++
}

func (fc *FakeAPIClient) ListEvents(ctx context.Context, q calendar.ListQuery) ([]calendar.Event, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.ListCalls++
	fc.LastQuery = q
	if fc.ListErrOnce != nil {
		err := fc.ListErrOnce
		fc.ListErrOnce = nil
		return nil, err
	}
	if fc.ListErr != nil {
		return nil, fc.ListErr
	}
	return fc.Events, nil
}

func (fc *FakeAPIClient) InsertEvent(ctx context.Context, calendarID string, draft calendar.EventDraft) (*calendar.Event, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.InsertCalls++
	fc.LastDraft = draft
	if fc.InsertErr != nil {
		return nil, fc.InsertErr
	}
	event := calendar.Event{
		ID:          "created-1",
		Summary:     draft.Summary,
		Description: draft.Description,
		Start:       draft.Start,
		End:         draft.End,
		Attendees:   draft.Attendees,
	}
	return &event, nil
}
