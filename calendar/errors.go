package calendar

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// UnavailableErr: the provider client could not be loaded or
	// initialised. All calendar operations short-circuit with it until
	// a restart.
	UnavailableErr = errors.New("calendar provider unavailable")

	// NotReadyErr: an operation needed the token client before
	// initialisation finished. Retryable.
	NotReadyErr = errors.New("token client not ready")

	// NotAuthorizedErr: no valid token and silent renewal did not
	// succeed. The caller should offer re-authorization.
	NotAuthorizedErr = errors.New("calendar not authorized")

	// DismissedErr: the user closed or blocked the consent prompt.
	// Prior authorization state is left untouched.
	DismissedErr = errors.New("authorization prompt dismissed")

	// TokenExpiredErr: the provider rejected the access token as
	// expired. Always handled by attempting silent renewal before
	// degrading to NotAuthorizedErr.
	TokenExpiredErr = errors.New("calendar token expired")
)

// APIError carries a provider-reported failure for a well-formed,
// authorized request. Safe to retry.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("calendar api error (status %d)", e.Code)
	}
	return fmt.Sprintf("calendar api error (status %d): %s", e.Code, e.Message)
}
