package config

import (
	"strconv"
	"strings"
	"time"
)

type OAuthConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetRedirectURL() string
	GetCalendarScopes() []string
	GetCalendarID() string
	GetEventPageSize() int64
	GetDefaultTokenLifetime() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetIssuerURL() string {
	return GetEnv("ISSUER_URL", "https://accounts.google.com")
}

func (OAuth) GetClientID() string {
	return GetEnv("OAUTH_CLIENT_ID", "")
}

func (OAuth) GetClientSecret() string {
	return GetEnv("OAUTH_CLIENT_SECRET", "")
}

func (OAuth) GetRedirectURL() string {
	return GetEnv("OAUTH_REDIRECT_URL", "http://localhost:8910/callback")
}

func (OAuth) GetCalendarScopes() []string {
	scopes := GetEnv("CALENDAR_SCOPES", "https://www.googleapis.com/auth/calendar.events")
	return strings.Fields(scopes)
}

func (OAuth) GetCalendarID() string {
	return GetEnv("CALENDAR_ID", "primary")
}

func (OAuth) GetEventPageSize() int64 {
	value := GetEnv("CALENDAR_PAGE_SIZE", "50")
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

// GetDefaultTokenLifetime is the lifetime assumed for a calendar token
// when the provider omits an explicit expires_in.
func (OAuth) GetDefaultTokenLifetime() time.Duration {
	return GetEnvDuration("CALENDAR_TOKEN_LIFETIME", time.Hour)
}
