package calendar

import "context"

// PromptMode narrows the provider's prompt parameter to the three
// values the token client actually uses.
type PromptMode int

const (
	// PromptDefault lets the provider decide: UI is shown only when no
	// existing grant can be silently reused.
	PromptDefault PromptMode = iota
	// PromptNone forbids UI; fails unless a reusable grant exists.
	PromptNone
	// PromptConsent always shows the consent screen.
	PromptConsent
)

func (p PromptMode) String() string {
	switch p {
	case PromptNone:
		return "none"
	case PromptConsent:
		return "consent"
	}
	return ""
}

// IssuedToken is the validated shape of a token-issuer response.
// ExpiresIn is nil when the provider omitted an explicit lifetime.
type IssuedToken struct {
	AccessToken string
	ExpiresIn   *int64
}

// TokenIssuer is the token-issuing half of the calendar provider.
// Implementations return DismissedErr (wrapped) when the user dismissed
// the prompt, so the controller can leave prior state untouched.
type TokenIssuer interface {
	// Init prepares the issuer client. Failure marks calendar features
	// unavailable; it is never fatal to the application.
	Init(ctx context.Context) error

	// RequestAccessToken obtains an access token under the given prompt
	// mode.
	RequestAccessToken(ctx context.Context, prompt PromptMode) (*IssuedToken, error)

	// Revoke invalidates an access token with the provider.
	Revoke(ctx context.Context, accessToken string) error
}
