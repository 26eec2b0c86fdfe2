package identity

import (
	"context"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// AuthorizeFunc hands the authorization URL to an external user agent
// (browser window, device prompt) and returns the authorization code.
// Returning ctx.Err() maps to the popup-closed error.
type AuthorizeFunc func(ctx context.Context, authURL string) (code string, err error)

// OIDCConfig carries the provider coordinates for OIDCProvider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type subscription struct {
	handler    func(*Identity)
	errHandler func(error)
}

// OIDCProvider implements Provider over an OpenID Connect issuer using
// the authorization-code flow. The ID token doubles as the inspectable
// provider credential.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	authorize   AuthorizeFunc
	logger      zerolog.Logger

	mu          sync.Mutex
	current     *Identity
	rawIDToken  string
	token       *oauth2.Token
	subscribers map[int]subscription
	next        int
}

type OIDCOption func(*OIDCProvider)

func WithOIDCLogger(logger zerolog.Logger) OIDCOption {
	return func(p *OIDCProvider) {
		p.logger = logger
	}
}

func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, authorize AuthorizeFunc, options ...OIDCOption) (*OIDCProvider, error) {
	if authorize == nil {
		return nil, errors.New("[NewOIDCProvider] authorize func is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "[NewOIDCProvider] failed to create OIDC provider")
	}

	p := &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess},
		},
		verifier:    provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		authorize:   authorize,
		logger:      zerolog.Nop(),
		subscribers: make(map[int]subscription),
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

var _ Provider = (*OIDCProvider)(nil)

func (p *OIDCProvider) SignIn(ctx context.Context) (*Identity, error) {
	state := uuid.New().String()
	authURL := p.oauthConfig.AuthCodeURL(state)

	code, err := p.authorize(ctx, authURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(PopupClosedErr, "[OIDCProvider.SignIn]")
		}
		// The user agent could not be presented at all.
		return nil, errors.Wrapf(PopupBlockedErr, "[OIDCProvider.SignIn] authorize: %v", err)
	}

	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCProvider.SignIn] code exchange")
	}

	id, rawIDToken, err := p.identityFromToken(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCProvider.SignIn]")
	}

	p.mu.Lock()
	p.current = id
	p.token = token
	p.rawIDToken = rawIDToken
	p.mu.Unlock()

	p.notify(id)
	return id, nil
}

func (p *OIDCProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.token = nil
	p.rawIDToken = ""
	p.mu.Unlock()

	p.notify(nil)
	return nil
}

func (p *OIDCProvider) Subscribe(handler func(*Identity), errHandler func(error)) (func(), error) {
	if handler == nil {
		return nil, errors.New("[OIDCProvider.Subscribe] handler is required")
	}

	p.mu.Lock()
	id := p.next
	p.next++
	p.subscribers[id] = subscription{handler: handler, errHandler: errHandler}
	current := p.current
	p.mu.Unlock()

	// Deliver the session the provider currently holds, the way SDK
	// session listeners fire on attach.
	handler(current)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}, nil
}

func (p *OIDCProvider) CurrentIdentity() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *OIDCProvider) Credential() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rawIDToken == "" {
		return "", NoCredentialErr
	}
	return p.rawIDToken, nil
}

func (p *OIDCProvider) RefreshCredential(ctx context.Context, force bool) error {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	if token == nil {
		return NoCredentialErr
	}

	if force {
		// Drop the cached access token so the token source must hit the
		// issuer instead of serving the cached credential.
		stale := *token
		stale.AccessToken = ""
		token = &stale
	}

	fresh, err := p.oauthConfig.TokenSource(ctx, token).Token()
	if err != nil {
		p.logger.Warn().Err(err).Msg("credential refresh failed")
		p.notifyError(err)
		return errors.Wrap(err, "[OIDCProvider.RefreshCredential] token source")
	}

	id, rawIDToken, err := p.identityFromToken(ctx, fresh)
	if err != nil {
		// A refresh without a new ID token keeps the previous identity.
		p.mu.Lock()
		p.token = fresh
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	p.current = id
	p.token = fresh
	p.rawIDToken = rawIDToken
	p.mu.Unlock()
	return nil
}

func (p *OIDCProvider) identityFromToken(ctx context.Context, token *oauth2.Token) (*Identity, string, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, "", errors.New("token response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, "", errors.Wrap(err, "ID token verification")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", errors.Wrap(err, "ID token claims")
	}

	return &Identity{
		ID:            idToken.Subject,
		Email:         claims.Email,
		DisplayName:   claims.Name,
		EmailVerified: claims.EmailVerified,
		Provider:      idToken.Issuer,
		RefreshToken:  token.RefreshToken,
	}, rawIDToken, nil
}

func (p *OIDCProvider) notify(id *Identity) {
	p.mu.Lock()
	subs := make([]subscription, 0, len(p.subscribers))
	for _, sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.handler(id)
	}
}

func (p *OIDCProvider) notifyError(err error) {
	p.mu.Lock()
	subs := make([]subscription, 0, len(p.subscribers))
	for _, sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if sub.errHandler != nil {
			sub.errHandler(err)
		}
	}
}
