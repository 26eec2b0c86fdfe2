package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/taskmanage/go-session-manager/broadcast"
	"github.com/taskmanage/go-session-manager/calendar"
	"github.com/taskmanage/go-session-manager/identity"
	"github.com/taskmanage/go-session-manager/internal/config"
	"github.com/taskmanage/go-session-manager/session"
	"github.com/taskmanage/go-session-manager/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running sessiond: %s\n", err)
	}
	log.Printf("sessiond stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if c.GetEnv() == "DEV" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, cleanup, err := buildManager(ctx, c, logger)
	if err != nil {
		return fmt.Errorf("buildManager: %w", err)
	}
	defer cleanup()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("manager.Start: %w", err)
	}
	logger.Info().Bool("calendar_authorized", manager.CalendarAuthorized()).Msg("session manager running")

	<-ctx.Done()
	return nil
}

func buildManager(ctx context.Context, c config.Config, logger zerolog.Logger) (*session.Manager, func(), error) {
	fileStoreOpts := []store.FileStoreOption{
		store.WithPollInterval(c.GetStorePollInterval()),
		store.WithFileStoreLogger(logger),
	}
	if key := c.GetStoreEncryptionKey(); key != nil {
		fileStoreOpts = append(fileStoreOpts, store.WithEncryptionKey(key))
	}

	durable, err := store.NewFileStore(c.GetDataFolder(), fileStoreOpts...)
	if err != nil {
		// Durable backend unavailable: the negotiator falls back.
		logger.Warn().Err(err).Msg("durable store unavailable")
	}

	var durableStore store.Store
	if durable != nil {
		durableStore = durable
	}
	negotiator := store.NewNegotiator(durableStore, store.NewMemStore(), store.WithNegotiatorLogger(logger))
	result := negotiator.Establish()

	provider, err := identity.NewOIDCProvider(ctx, identity.OIDCConfig{
		IssuerURL:    c.GetIssuerURL(),
		ClientID:     c.GetClientID(),
		ClientSecret: c.GetClientSecret(),
		RedirectURL:  c.GetRedirectURL(),
	}, promptForCode, identity.WithOIDCLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("identity provider: %w", err)
	}

	sessions, err := identity.NewSessionStore(provider,
		identity.WithNullDebounce(c.GetNullDebounce()),
		identity.WithMaintenance(c.GetSessionMaintenanceInterval(), c.GetCredentialRenewalWindow()),
		identity.WithSessionLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("session store: %w", err)
	}

	issuer, err := calendar.NewGoogleIssuer(
		c.GetClientID(),
		c.GetClientSecret(),
		c.GetRedirectURL(),
		c.GetCalendarScopes(),
		promptForCode,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("google issuer: %w", err)
	}

	bcast := broadcast.New(result.Store, calendar.TokenKey, broadcast.WithLogger(logger))

	controller, err := calendar.NewController(issuer, calendar.NewGoogleAPIClient(), result.Store, bcast,
		calendar.WithRenewalLead(c.GetRenewalLead()),
		calendar.WithWatchdogInterval(c.GetWatchdogInterval()),
		calendar.WithDefaultTokenLifetime(c.GetDefaultTokenLifetime()),
		calendar.WithInitTimeout(c.GetInitTimeout()),
		calendar.WithCalendarID(c.GetCalendarID()),
		calendar.WithPageSize(c.GetEventPageSize()),
		calendar.WithControllerLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("calendar controller: %w", err)
	}

	manager, err := session.NewManager(sessions, controller, bcast, result, session.WithManagerLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("manager: %w", err)
	}

	cleanup := func() {
		controller.Close()
		sessions.Close()
		if durable != nil {
			durable.Close()
		}
	}
	return manager, cleanup, nil
}

// promptForCode hands the consent URL to the user and reads the
// authorization code back from stdin. The daemon's stand-in for the
// browser popup.
func promptForCode(ctx context.Context, authURL string) (string, error) {
	fmt.Printf("\nOpen the following URL to authorize:\n\n  %s\n\nEnter code: ", authURL)

	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{code: trimmed(line)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.code, r.err
	case <-time.After(5 * time.Minute):
		return "", errors.New("timed out waiting for authorization code")
	}
}

func trimmed(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
