package identity

import "context"

// Provider is the external identity collaborator. Implementations wrap
// a real provider SDK; tests substitute the fake in providerfakes.
type Provider interface {
	// SignIn runs the interactive sign-in flow. The resulting session
	// change is delivered through Subscribe; the return value is for the
	// caller's immediate use only.
	SignIn(ctx context.Context) (*Identity, error)

	// SignOut invalidates the provider session.
	SignOut(ctx context.Context) error

	// Subscribe attaches a push listener for session changes. A nil
	// identity notification means "no session". Listener failures are
	// reported through errHandler. The returned function detaches the
	// listener.
	Subscribe(handler func(*Identity), errHandler func(error)) (func(), error)

	// CurrentIdentity is the provider's synchronous accessor for the
	// session it currently holds, independent of notification delivery.
	CurrentIdentity() *Identity

	// Credential returns the raw provider-issued credential (a JWT) for
	// expiry inspection.
	Credential() (string, error)

	// RefreshCredential renews the provider credential. With force set,
	// the provider must mint a fresh credential even if the cached one
	// has not expired.
	RefreshCredential(ctx context.Context, force bool) error
}
