package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gridware/go-sheet-sync/credentials"
	"github.com/gridware/go-sheet-sync/internal/config"
	"github.com/gridware/go-sheet-sync/ledger"
	"github.com/gridware/go-sheet-sync/schema"
	"github.com/gridware/go-sheet-sync/session"
	"github.com/gridware/go-sheet-sync/sheets"
	"github.com/gridware/go-sheet-sync/transport"
)

const commitInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running sheetsync: %s\n", err)
	}
	log.Printf("sheetsync stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	displayAppname(cfg.AppName)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	manager, err := session.New(session.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		StateMarker:  "google_auth",
	}, store, session.WithLogger(logger.With().Str("component", "session").Logger()))
	if err != nil {
		return err
	}

	unsubscribe := manager.Subscribe(func(s session.Session) {
		logger.Info().
			Bool("authenticated", s.Authenticated).
			Bool("loading", s.Loading).
			Str("email", s.Email).
			Str("error", s.Err).
			Msg("session state")
	})
	defer unsubscribe()

	tp := transport.New(transport.WithLogger(logger.With().Str("component", "transport").Logger()))

	client, err := sheets.New(cfg.SheetsBaseURL, cfg.SpreadsheetID, manager, tp,
		sheets.WithAPIKey(cfg.APIKey),
		sheets.WithLogger(logger.With().Str("component", "sheets").Logger()))
	if err != nil {
		return err
	}

	callback := startCallbackServer(cfg, manager, logger)
	defer func() {
		if err := shutdown(callback); err != nil && returnError == nil {
			returnError = err
		}
	}()

	if _, ok := manager.ValidToken(context.Background()); !ok {
		fmt.Printf("\nOpen the following URL to authorize access:\n\n  %s\n\n", manager.Authenticate())
		if err := waitForAuthentication(manager); err != nil {
			return err
		}
	}

	led, err := syncLoopSetup(cfg, manager, client, logger)
	if err != nil {
		return err
	}

	runCommitLoop(led, logger)

	if led.HasUnsavedWork() {
		result := led.CommitAll(context.Background())
		if result.Failed > 0 {
			logger.Warn().Int("failed", result.Failed).Strs("record_ids", result.FailedIDs).Msg("unsaved edits could not be committed before exit")
		}
	}
	return nil
}

// waitForAuthentication blocks until the OAuth callback establishes a session
// or the process is interrupted.
func waitForAuthentication(manager *session.Manager) error {
	authed := make(chan struct{})
	var once sync.Once
	unsubscribe := manager.Subscribe(func(s session.Session) {
		if s.Authenticated {
			once.Do(func() { close(authed) })
		}
	})
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-authed:
		return nil
	case <-stop:
		return errors.New("interrupted before authorization completed")
	}
}

// syncLoopSetup reads the sheet once, resolves the live schema, and seeds the
// ledger with the committed snapshot.
func syncLoopSetup(cfg *config.Config, manager *session.Manager, client *sheets.Client, logger zerolog.Logger) (*ledger.Ledger, error) {
	values, err := client.ReadRange(context.Background(), cfg.SheetName)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("sheet has no header row")
	}

	resolver := schema.NewResolver(logger.With().Str("component", "schema").Logger())
	mapping := resolver.ResolveColumns(values[0], schema.TaskFields())

	writer, err := sheets.NewRecordWriter(client, cfg.SheetName, mapping)
	if err != nil {
		return nil, err
	}

	led, err := ledger.New(writer, ledger.WithLogger(logger.With().Str("component", "ledger").Logger()))
	if err != nil {
		return nil, err
	}

	led.LoadSnapshot(sheets.DecodeRecords(values, mapping))
	logger.Info().Int("records", len(values)-1).Msg("snapshot loaded")
	return led, nil
}

// runCommitLoop flushes pending edits periodically until a stop signal.
func runCommitLoop(led *ledger.Ledger, logger zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !led.HasUnsavedWork() {
				continue
			}
			result := led.CommitAll(context.Background())
			logger.Info().Int("committed", result.Committed).Int("failed", result.Failed).Msg("batch commit")
		}
	}
}

func startCallbackServer(cfg *config.Config, manager *session.Manager, logger zerolog.Logger) *http.Server {
	path := "/oauth/callback"
	if u, err := url.Parse(cfg.RedirectURI); err == nil && u.Path != "" {
		path = u.Path
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if providerErr := r.URL.Query().Get("error"); providerErr != "" {
			manager.AuthorizationDenied(providerErr)
			http.Error(w, "authorization denied: "+providerErr, http.StatusForbidden)
			return
		}

		ok, err := manager.HandleCallback(r.Context(), r.URL.Query().Get("code"), r.URL.Query().Get("state"))
		if err != nil || !ok {
			logger.Error().Err(err).Msg("callback exchange failed")
			http.Error(w, "authorization failed, you can retry from the application", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>Authorized. You can close this window.</body></html>"))
	})

	server := &http.Server{Addr: cfg.CallbackAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("callback server stopped")
		}
	}()
	return server
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func buildStore(cfg *config.Config) (credentials.Store, error) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return credentials.NewRedisStore(client, "sheetsync:"), nil
	}
	return credentials.NewFileStore(cfg.CredentialFile)
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
