package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/gridware/go-sheet-sync/credentials"
	"github.com/gridware/go-sheet-sync/internal/apperrors"
)

// refreshMargin is the safety margin below which a token is treated as
// expired and renewed before use.
const refreshMargin = 5 * time.Minute

// Config holds the provider and client settings for the Manager.
//
// ClientSecret travels with the client during the exchange. That mirrors the
// provider contract this client targets, but a public client should prefer
// PKCE with a server-side exchange where the provider supports it.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURI  string
	Scopes       []string

	// StateMarker is the fixed opaque marker identifying which feature
	// initiated the flow. Callback state must carry it.
	StateMarker string
}

// Manager owns the OAuth2 authorization-code and refresh exchanges, expiry
// bookkeeping and session-state broadcast. One Manager exists per application
// lifetime; it is constructed once and passed by reference.
type Manager struct {
	cfg        Config
	store      credentials.Store
	httpClient *http.Client
	nowTime    func() time.Time // injectable for testing
	log        zerolog.Logger

	lock       sync.Mutex
	session    Session
	exchanging bool // in-flight guard for the callback exchange
	listeners  map[int]Listener
	nextID     int

	refresh singleflight.Group
}

// Option defines a function type to modify the Manager instance.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithHTTPClient sets the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// New initializes a Manager and loads any persisted credentials so a session
// resumes across restarts without user interaction.
func New(cfg Config, store credentials.Store, options ...Option) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("[session.New] ClientID is required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New("[session.New] TokenURL is required")
	}
	if store == nil {
		return nil, errors.New("[session.New] credential store is required")
	}
	if cfg.StateMarker == "" {
		cfg.StateMarker = "google_auth"
	}

	m := &Manager{
		cfg:        cfg,
		store:      store,
		httpClient: http.DefaultClient,
		nowTime:    time.Now,
		log:        zerolog.Nop(),
		listeners:  map[int]Listener{},
	}
	for _, opt := range options {
		opt(m)
	}

	record, err := store.Load(context.Background())
	switch {
	case err == nil:
		m.session.AccessToken = record.AccessToken
		m.session.RefreshToken = record.RefreshToken
		m.session.ExpiresAt = record.ExpiresAt()
		m.session.Authenticated = m.fresh(record.AccessToken, record.ExpiresAt())
	case apperrors.Is(err, apperrors.ErrNoCredentials):
		// first run, nothing persisted
	default:
		m.log.Warn().Err(err).Msg("credential store unreadable, starting unauthenticated")
	}

	return m, nil
}

// Current returns a copy of the session state. Authenticated is re-derived at
// read time so a token that aged past its expiry while idle never reports as
// authenticated.
func (m *Manager) Current() Session {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.derived()
}

// derived returns a session copy with Authenticated recomputed from the token
// and clock. Callers must hold m.lock.
func (m *Manager) derived() Session {
	s := m.session
	s.Authenticated = s.Authenticated && m.fresh(s.AccessToken, s.ExpiresAt)
	return s
}

// Subscribe registers a listener, invokes it once immediately with the current
// state, and returns an unsubscribe function. This is the sole mechanism by
// which consumers learn about authentication changes.
func (m *Manager) Subscribe(l Listener) func() {
	m.lock.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	current := m.derived()
	m.lock.Unlock()

	l(current)

	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.listeners, id)
	}
}

// Authenticate builds the provider authorization URL, marks the session as
// loading, and returns the URL. The caller performs the redirect or browser
// open; control resumes in HandleCallback after the provider redirects back.
func (m *Manager) Authenticate() string {
	oc := m.oauthConfig()
	state := m.cfg.StateMarker + ":" + uuid.NewString()

	authURL := oc.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	m.lock.Lock()
	m.session.Loading = true
	m.session.Err = ""
	m.lock.Unlock()
	m.notify()

	return authURL
}

// ValidateState checks a callback state value against the configured marker.
func (m *Manager) ValidateState(state string) bool {
	return state == m.cfg.StateMarker || strings.HasPrefix(state, m.cfg.StateMarker+":")
}

// AuthorizationDenied records a provider-side authorization failure (consent
// denied, state mismatch). These are surfaced to the user and never retried.
func (m *Manager) AuthorizationDenied(reason string) {
	m.lock.Lock()
	m.session.Loading = false
	m.session.Err = reason
	m.lock.Unlock()
	m.notify()
}

// HandleCallback exchanges an authorization code for tokens and persists them.
// Safe against double invocation: a second call while an exchange is in flight
// reports the current state instead of racing a second exchange. Returns true
// on a successfully established session.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (bool, error) {
	if !m.ValidateState(state) {
		m.AuthorizationDenied("authorization state mismatch")
		return false, errors.Wrapf(apperrors.ErrStateMismatch, "[Manager.HandleCallback] state %q", state)
	}

	m.lock.Lock()
	if m.exchanging {
		authenticated := m.session.Authenticated
		m.lock.Unlock()
		return authenticated, nil
	}
	m.exchanging = true
	m.session.Loading = true
	m.lock.Unlock()
	defer func() {
		m.lock.Lock()
		m.exchanging = false
		m.lock.Unlock()
	}()

	form := url.Values{
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {m.cfg.RedirectURI},
	}

	tr, err := m.postTokenForm(ctx, form)
	if err != nil {
		m.failSession(errors.Wrap(err, "[Manager.HandleCallback] token exchange").Error())
		return false, errors.Wrap(apperrors.ErrExchangeFailed, err.Error())
	}

	m.applyTokenResponse(ctx, tr, tr.RefreshToken)
	m.log.Info().Time("expires_at", m.Current().ExpiresAt).Msg("session established")
	return true, nil
}

// ValidToken returns a credential usable for at least one more request, or
// ("", false) with the session unauthenticated. A token inside the refresh
// margin triggers one silent refresh before returning.
func (m *Manager) ValidToken(ctx context.Context) (string, bool) {
	m.lock.Lock()
	token, expiresAt := m.session.AccessToken, m.session.ExpiresAt
	m.lock.Unlock()

	if token == "" {
		return "", false
	}
	if !m.fresh(token, expiresAt) {
		if err := m.RefreshIfNeeded(ctx); err != nil {
			return "", false
		}
		m.lock.Lock()
		token = m.session.AccessToken
		m.lock.Unlock()
		if token == "" {
			return "", false
		}
	}
	return token, true
}

// RefreshIfNeeded renews the access token when it is inside the refresh
// margin. Concurrent callers collapse into a single exchange. A failed
// renewal tears the whole session down; it is never silently retried with
// stale credentials.
func (m *Manager) RefreshIfNeeded(ctx context.Context) error {
	m.lock.Lock()
	token, expiresAt, refreshToken := m.session.AccessToken, m.session.ExpiresAt, m.session.RefreshToken
	m.lock.Unlock()

	if m.fresh(token, expiresAt) {
		return nil
	}
	if refreshToken == "" {
		m.Logout(ctx)
		return errors.Wrap(apperrors.ErrRefreshFailed, "[Manager.RefreshIfNeeded] no refresh token")
	}

	_, err, _ := m.refresh.Do("refresh", func() (interface{}, error) {
		// Another caller may have completed the renewal while we waited
		m.lock.Lock()
		token, expiresAt := m.session.AccessToken, m.session.ExpiresAt
		m.lock.Unlock()
		if m.fresh(token, expiresAt) {
			return nil, nil
		}

		form := url.Values{
			"client_id":     {m.cfg.ClientID},
			"client_secret": {m.cfg.ClientSecret},
			"refresh_token": {refreshToken},
			"grant_type":    {"refresh_token"},
		}

		tr, err := m.postTokenForm(ctx, form)
		if err != nil {
			m.log.Error().Err(err).Msg("token refresh failed, tearing session down")
			m.Logout(ctx)
			return nil, errors.Wrap(apperrors.ErrRefreshFailed, err.Error())
		}

		// Refresh responses omit a new refresh token; keep the existing one
		m.applyTokenResponse(ctx, tr, refreshToken)
		m.log.Debug().Time("expires_at", m.Current().ExpiresAt).Msg("access token refreshed")
		return nil, nil
	})
	return err
}

// Logout clears in-memory and persisted credential state and notifies
// subscribers.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.log.Warn().Err(err).Msg("clearing credential store failed")
	}

	m.lock.Lock()
	m.session = Session{}
	m.lock.Unlock()
	m.notify()
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		RedirectURL:  m.cfg.RedirectURI,
		Scopes:       m.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.cfg.AuthURL,
			TokenURL: m.cfg.TokenURL,
		},
	}
}

// fresh reports whether the token can still be used without renewal,
// honoring the refresh margin.
func (m *Manager) fresh(token string, expiresAt time.Time) bool {
	return token != "" && m.nowTime().Before(expiresAt.Add(-refreshMargin))
}

func (m *Manager) postTokenForm(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "NewRequest")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "token endpoint POST")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read token response")
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errors.Wrapf(err, "decode token response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		return nil, errors.Errorf("token endpoint status %d: %s %s", resp.StatusCode, tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	return &tr, nil
}

// applyTokenResponse persists and publishes a successful exchange.
// refreshToken is passed separately because refresh grants reuse the old one.
func (m *Manager) applyTokenResponse(ctx context.Context, tr *tokenResponse, refreshToken string) {
	record := &credentials.TokenRecord{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		IssuedAt:     m.nowTime(),
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}
	if err := m.store.Save(ctx, record); err != nil {
		m.log.Warn().Err(err).Msg("persisting credentials failed, session is memory-only")
	}

	m.lock.Lock()
	m.session.AccessToken = tr.AccessToken
	m.session.RefreshToken = refreshToken
	m.session.ExpiresAt = record.ExpiresAt()
	m.session.Authenticated = true
	m.session.Loading = false
	m.session.Err = ""
	if email := emailFromIDToken(tr.IDToken); email != "" {
		m.session.Email = email
	}
	m.lock.Unlock()
	m.notify()
}

func (m *Manager) failSession(msg string) {
	m.lock.Lock()
	m.session.Authenticated = false
	m.session.Loading = false
	m.session.Err = msg
	m.lock.Unlock()
	m.notify()
}

// notify calls every listener with a state copy, outside the state lock.
func (m *Manager) notify() {
	m.lock.Lock()
	current := m.derived()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.lock.Unlock()

	for _, l := range listeners {
		l(current)
	}
}

// emailFromIDToken pulls the email claim out of an ID token without
// verification. Display use only; nothing authorization-relevant hangs off it.
func emailFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}
