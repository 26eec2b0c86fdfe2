package providerfakes

import (
	"context"
	"sync"

	"github.com/taskmanage/go-session-manager/identity"
)

var _ identity.Provider = (*FakeProvider)(nil)

// FakeProvider is a scripted identity provider for tests. Push a
// session change with PushIdentity, a listener error with PushError.
type FakeProvider struct {
	lock sync.Mutex

	current    *identity.Identity
	credential string

	SignInResult *identity.Identity
	SignInErr    error
	SignOutErr   error
	RefreshErr   error

	SignInCalls  int
	SignOutCalls int
	RefreshCalls int
	ForcedCalls  int

	handlers    []func(*identity.Identity)
	errHandlers []func(error)
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

func (fp *FakeProvider) SignIn(ctx context.Context) (*identity.Identity, error) {
	fp.lock.Lock()
	fp.SignInCalls++
	result, err := fp.SignInResult, fp.SignInErr
	fp.lock.Unlock()

	if err != nil {
		return nil, err
	}
	fp.PushIdentity(result)
	return result, nil
}

func (fp *FakeProvider) SignOut(ctx context.Context) error {
	fp.lock.Lock()
	fp.SignOutCalls++
	err := fp.SignOutErr
	fp.lock.Unlock()

	if err != nil {
		return err
	}
	fp.PushIdentity(nil)
	return nil
}

func (fp *FakeProvider) Subscribe(handler func(*identity.Identity), errHandler func(error)) (func(), error) {
	fp.lock.Lock()
	fp.handlers = append(fp.handlers, handler)
	if errHandler != nil {
		fp.errHandlers = append(fp.errHandlers, errHandler)
	}
	current := fp.current
	fp.lock.Unlock()

	handler(current)
	return func() {}, nil
}

func (fp *FakeProvider) CurrentIdentity() *identity.Identity {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.current
}

func (fp *FakeProvider) Credential() (string, error) {
	fp.lock.Lock()
	defer fp.lock.Unlock()

	if fp.credential == "" {
		return "", identity.NoCredentialErr
	}
	return fp.credential, nil
}

func (fp *FakeProvider) RefreshCredential(ctx context.Context, force bool) error {
	fp.lock.Lock()
	defer fp.lock.Unlock()

	fp.RefreshCalls++
	if force {
		fp.ForcedCalls++
	}
	return fp.RefreshErr
}

// RefreshCount reports refresh attempts and how many were forced, read
// under the lock so background loops can be asserted against safely.
func (fp *FakeProvider) RefreshCount() (total, forced int) {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.RefreshCalls, fp.ForcedCalls
}

// SetCredential sets the raw credential returned by Credential.
func (fp *FakeProvider) SetCredential(raw string) {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	fp.credential = raw
}

// SetCurrent sets the synchronous accessor's identity without emitting
// a notification. Used to simulate refresh blips.
func (fp *FakeProvider) SetCurrent(id *identity.Identity) {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	fp.current = id
}

// PushIdentity updates the current identity and notifies listeners.
func (fp *FakeProvider) PushIdentity(id *identity.Identity) {
	fp.lock.Lock()
	fp.current = id
	handlers := append([]func(*identity.Identity){}, fp.handlers...)
	fp.lock.Unlock()

	for _, h := range handlers {
		h(id)
	}
}

// PushNull notifies listeners with a null session while leaving the
// synchronous accessor untouched, the shape of a token-refresh blip.
func (fp *FakeProvider) PushNull() {
	fp.lock.Lock()
	handlers := append([]func(*identity.Identity){}, fp.handlers...)
	fp.lock.Unlock()

	for _, h := range handlers {
		h(nil)
	}
}

// PushError notifies error listeners.
func (fp *FakeProvider) PushError(err error) {
	fp.lock.Lock()
	handlers := append([]func(error){}, fp.errHandlers...)
	fp.lock.Unlock()

	for _, h := range handlers {
		h(err)
	}
}
