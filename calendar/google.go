package calendar

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/taskmanage/go-session-manager/internal/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

// GoogleAuthorizeFunc hands the consent URL to an external user agent
// and returns the authorization code. Returning with ctx cancelled maps
// to DismissedErr.
type GoogleAuthorizeFunc func(ctx context.Context, authURL string) (code string, err error)

// GoogleIssuer implements TokenIssuer against Google's OAuth endpoints.
// Silent requests (PromptNone) are served from the refresh grant
// captured during the last interactive consent.
type GoogleIssuer struct {
	config    *oauth2.Config
	authorize GoogleAuthorizeFunc
	client    *http.Client

	mu           sync.Mutex
	refreshToken string
}

type GoogleIssuerOption func(*GoogleIssuer)

// WithRefreshGrant seeds the issuer with a refresh token from a prior
// consent, enabling silent issuance across restarts.
func WithRefreshGrant(refreshToken string) GoogleIssuerOption {
	return func(g *GoogleIssuer) {
		g.refreshToken = refreshToken
	}
}

func WithHTTPClient(client *http.Client) GoogleIssuerOption {
	return func(g *GoogleIssuer) {
		g.client = client
	}
}

func NewGoogleIssuer(clientID, clientSecret, redirectURL string, scopes []string, authorize GoogleAuthorizeFunc, options ...GoogleIssuerOption) (*GoogleIssuer, error) {
	if authorize == nil {
		return nil, errors.New("[NewGoogleIssuer] authorize func is required")
	}

	g := &GoogleIssuer{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		},
		authorize: authorize,
		client:    http.DefaultClient,
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

var _ TokenIssuer = (*GoogleIssuer)(nil)

func (g *GoogleIssuer) Init(ctx context.Context) error {
	if g.config.ClientID == "" {
		return errors.New("[GoogleIssuer.Init] client ID not configured")
	}
	return nil
}

func (g *GoogleIssuer) RequestAccessToken(ctx context.Context, prompt PromptMode) (*IssuedToken, error) {
	if prompt == PromptNone {
		return g.silentToken(ctx)
	}
	return g.interactiveToken(ctx, prompt)
}

func (g *GoogleIssuer) silentToken(ctx context.Context) (*IssuedToken, error) {
	g.mu.Lock()
	refreshToken := g.refreshToken
	g.mu.Unlock()

	if refreshToken == "" {
		return nil, errors.New("[GoogleIssuer.silentToken] no reusable grant")
	}

	token, err := g.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, errors.Wrap(err, "[GoogleIssuer.silentToken] token source")
	}
	return issuedFromOAuth(token), nil
}

func (g *GoogleIssuer) interactiveToken(ctx context.Context, prompt PromptMode) (*IssuedToken, error) {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if prompt == PromptConsent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}

	state := uuid.New().String()
	authURL := g.config.AuthCodeURL(state, opts...)

	code, err := g.authorize(ctx, authURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(DismissedErr, "[GoogleIssuer.interactiveToken]")
		}
		return nil, errors.Wrap(err, "[GoogleIssuer.interactiveToken] authorize")
	}

	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "[GoogleIssuer.interactiveToken] code exchange")
	}

	if token.RefreshToken != "" {
		g.mu.Lock()
		g.refreshToken = token.RefreshToken
		g.mu.Unlock()
	}
	return issuedFromOAuth(token), nil
}

func (g *GoogleIssuer) Revoke(ctx context.Context, accessToken string) error {
	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleRevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "[GoogleIssuer.Revoke] build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "[GoogleIssuer.Revoke] request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("[GoogleIssuer.Revoke] revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

func issuedFromOAuth(token *oauth2.Token) *IssuedToken {
	issued := &IssuedToken{AccessToken: token.AccessToken}
	if !token.Expiry.IsZero() {
		issued.ExpiresIn = utils.Ptr(int64(time.Until(token.Expiry).Seconds()))
	}
	return issued
}

// GoogleAPIClient implements APIClient over the Google Calendar v3
// service. The service is rebuilt whenever the access token changes.
type GoogleAPIClient struct {
	mu          sync.Mutex
	accessToken string
	service     *gcal.Service
	opts        []option.ClientOption
}

type GoogleAPIOption func(*GoogleAPIClient)

// WithServiceOptions appends extra client options, used by tests to
// point the service at a stub server.
func WithServiceOptions(opts ...option.ClientOption) GoogleAPIOption {
	return func(c *GoogleAPIClient) {
		c.opts = append(c.opts, opts...)
	}
}

func NewGoogleAPIClient(options ...GoogleAPIOption) *GoogleAPIClient {
	c := &GoogleAPIClient{}
	for _, opt := range options {
		opt(c)
	}
	return c
}

var _ APIClient = (*GoogleAPIClient)(nil)

func (c *GoogleAPIClient) Init(ctx context.Context) error {
	return nil
}

func (c *GoogleAPIClient) SetToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if accessToken == c.accessToken {
		return
	}
	c.accessToken = accessToken
	c.service = nil
}

func (c *GoogleAPIClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *GoogleAPIClient) ClearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accessToken = ""
	c.service = nil
}

func (c *GoogleAPIClient) ListEvents(ctx context.Context, q ListQuery) ([]Event, error) {
	svc, err := c.calendarService(ctx)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(q.CalendarID).
		TimeMin(q.From.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(q.MaxResults).
		Context(ctx)

	result, err := call.Do()
	if err != nil {
		return nil, wrapGoogleErr(err, "[GoogleAPIClient.ListEvents]")
	}

	events := make([]Event, 0, len(result.Items))
	for _, item := range result.Items {
		events = append(events, eventFromGoogle(item))
	}
	return events, nil
}

func (c *GoogleAPIClient) InsertEvent(ctx context.Context, calendarID string, draft EventDraft) (*Event, error) {
	svc, err := c.calendarService(ctx)
	if err != nil {
		return nil, err
	}

	attendees := make([]*gcal.EventAttendee, 0, len(draft.Attendees))
	for _, email := range draft.Attendees {
		attendees = append(attendees, &gcal.EventAttendee{Email: email})
	}

	inserted, err := svc.Events.Insert(calendarID, &gcal.Event{
		Summary:     draft.Summary,
		Description: draft.Description,
		Start:       &gcal.EventDateTime{DateTime: draft.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: draft.End.Format(time.RFC3339)},
		Attendees:   attendees,
	}).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return nil, wrapGoogleErr(err, "[GoogleAPIClient.InsertEvent]")
	}

	event := eventFromGoogle(inserted)
	return &event, nil
}

func (c *GoogleAPIClient) calendarService(ctx context.Context) (*gcal.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken == "" {
		return nil, errors.Wrap(NotAuthorizedErr, "[GoogleAPIClient] no access token set")
	}
	if c.service != nil {
		return c.service, nil
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.accessToken})
	opts := append([]option.ClientOption{option.WithTokenSource(source)}, c.opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "[GoogleAPIClient] failed to create calendar service")
	}
	c.service = svc
	return svc, nil
}

// eventFromGoogle narrows the provider payload to the internal Event
// shape. All-day events carry a date instead of a datetime.
func eventFromGoogle(item *gcal.Event) Event {
	attendees := make([]string, 0, len(item.Attendees))
	for _, a := range item.Attendees {
		attendees = append(attendees, a.Email)
	}
	return Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Start:       parseEventTime(item.Start),
		End:         parseEventTime(item.End),
		Attendees:   attendees,
		Link:        item.HtmlLink,
	}
}

func parseEventTime(edt *gcal.EventDateTime) time.Time {
	if edt == nil {
		return time.Time{}
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t
		}
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

func wrapGoogleErr(err error, context string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return errors.Wrap(TokenExpiredErr, context)
		}
		return errors.Wrap(&APIError{Code: apiErr.Code, Message: apiErr.Message}, context)
	}
	return errors.Wrap(err, context)
}
