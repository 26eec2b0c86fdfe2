// Package calendar manages the OAuth access token for the calendar API:
// acquisition, persistence, proactive renewal, and revocation. The
// token is deliberately independent of the identity session; a user can
// be signed in without calendar authorization and vice versa.
package calendar

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/taskmanage/go-session-manager/internal/utils"
)

// Token is the calendar access credential as persisted. Expiry is
// stored as an absolute instant (Unix milliseconds), never a relative
// duration alone, so a reload cannot misjudge freshness.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	ExpiresIn   int64  `json:"expires_in"`
	CreatedAt   int64  `json:"created_at"`
}

// NewToken builds a token issued at now. A nil expiresIn (provider
// omitted an explicit lifetime) falls back to defaultLifetime.
func NewToken(accessToken string, expiresIn *int64, now time.Time, defaultLifetime time.Duration) *Token {
	lifetime := int64(defaultLifetime.Seconds())
	if expiresIn != nil {
		lifetime = utils.Value(expiresIn)
	}
	return &Token{
		AccessToken: accessToken,
		ExpiresAt:   now.Add(time.Duration(lifetime) * time.Second).UnixMilli(),
		ExpiresIn:   lifetime,
		CreatedAt:   now.UnixMilli(),
	}
}

// ParseToken decodes and structurally validates a persisted token blob.
func ParseToken(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "[ParseToken] unmarshal")
	}
	if t.AccessToken == "" || t.ExpiresAt == 0 {
		return nil, errors.New("[ParseToken] missing access_token or expires_at")
	}
	return &t, nil
}

func (t *Token) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "[Token.Marshal]")
	}
	return data, nil
}

func (t *Token) ExpiryTime() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

func (t *Token) TimeUntilExpiry(now time.Time) time.Duration {
	return t.ExpiryTime().Sub(now)
}

// Valid reports whether the token may be used to call the API at now.
func (t *Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && t.TimeUntilExpiry(now) > 0
}

// ExpiringSoon reports whether less than lead remains, the cue for
// proactive silent renewal rather than reactive failure.
func (t *Token) ExpiringSoon(now time.Time, lead time.Duration) bool {
	return t.TimeUntilExpiry(now) < lead
}
