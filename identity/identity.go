// Package identity exposes the current authenticated user and keeps it
// in sync with the identity provider's push notifications.
package identity

// Identity is the signed-in end user as issued by the identity
// provider. The application never constructs one directly; instances
// arrive through the provider's session-change notifications. A nil
// Identity means signed out.
type Identity struct {
	ID            string
	Email         string
	DisplayName   string
	EmailVerified bool
	Provider      string
	RefreshToken  string // opaque refresh credential
}
