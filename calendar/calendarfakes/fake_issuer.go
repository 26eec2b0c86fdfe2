package calendarfakes

import (
	"context"
	"sync"

	"github.com/taskmanage/go-session-manager/calendar"
)

var _ calendar.TokenIssuer = (*FakeIssuer)(nil)

// FakeIssuer is a scripted token issuer for tests.
type FakeIssuer struct {
	lock sync.Mutex

	InitErr    error
	Result     *calendar.IssuedToken
	RequestErr error
	RevokeErr  error

	InitCalls    int
	RequestCalls map[calendar.PromptMode]int
	RevokedToken string
	RevokeCalls  int
}

func NewFakeIssuer() *FakeIssuer {
	return &FakeIssuer{RequestCalls: make(map[calendar.PromptMode]int)}
}

func (fi *FakeIssuer) Init(ctx context.Context) error {
	fi.lock.Lock()
	defer fi.lock.Unlock()

	fi.InitCalls++
	return fi.InitErr
}

func (fi *FakeIssuer) RequestAccessToken(ctx context.Context, prompt calendar.PromptMode) (*calendar.IssuedToken, error) {
	fi.lock.Lock()
	defer fi.lock.Unlock()

	fi.RequestCalls[prompt]++
	if fi.RequestErr != nil {
		return nil, fi.RequestErr
	}
	return fi.Result, nil
}

func (fi *FakeIssuer) Revoke(ctx context.Context, accessToken string) error {
	fi.lock.Lock()
	defer fi.lock.Unlock()

	fi.RevokeCalls++
	fi.RevokedToken = accessToken
	return fi.RevokeErr
}

// Requests returns the number of token requests made with prompt.
func (fi *FakeIssuer) Requests(prompt calendar.PromptMode) int {
	fi.lock.Lock()
	defer fi.lock.Unlock()
	return fi.RequestCalls[prompt]
}

// TotalRequests returns the number of token requests across all prompt
// modes.
func (fi *FakeIssuer) TotalRequests() int {
	fi.lock.Lock()
	defer fi.lock.Unlock()

	total := 0
	for _, n := range fi.RequestCalls {
		total += n
	}
	return total
}
