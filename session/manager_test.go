package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridware/go-sheet-sync/credentials"
	"github.com/gridware/go-sheet-sync/credentials/storefakes"
	"github.com/gridware/go-sheet-sync/internal/apperrors"
	"github.com/gridware/go-sheet-sync/session"
)

const (
	testClientID     = "test-client-1"
	testClientSecret = "test-secret-1"
	testRedirectURI  = "http://localhost:8089/oauth/callback"
	testStateMarker  = "google_auth"
	testAuthCode     = "abc123"
	testAccessToken  = "access-token-1"
	testRefreshed    = "access-token-2"
	testRefreshToken = "refresh-token-1"
	testLifetime     = int64(3600) // 60 minutes declared lifetime
)

// testFixture holds all test dependencies
type testFixture struct {
	store    *storefakes.FakeStore
	provider *httptest.Server
	manager  *session.Manager

	lock          sync.Mutex
	now           time.Time
	codeGrants    int
	refreshGrants int
	refreshFails  bool
	exchangeGate  chan struct{} // when set, the code exchange blocks until closed
}

func (f *testFixture) Now() time.Time {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.now
}

func (f *testFixture) Advance(d time.Duration) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.now = f.now.Add(d)
}

func (f *testFixture) grants() (int, int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.codeGrants, f.refreshGrants
}

// setupTestFixture creates a manager wired to a fake provider token endpoint.
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		store: storefakes.NewFakeStore(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	f.provider = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, testClientID, r.FormValue("client_id"))
		require.Equal(t, testClientSecret, r.FormValue("client_secret"))

		switch r.FormValue("grant_type") {
		case "authorization_code":
			f.lock.Lock()
			f.codeGrants++
			gate := f.exchangeGate
			f.lock.Unlock()
			if gate != nil {
				<-gate
			}

			if r.FormValue("code") != testAuthCode {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  testAccessToken,
				"refresh_token": testRefreshToken,
				"expires_in":    testLifetime,
				"token_type":    "Bearer",
			})

		case "refresh_token":
			f.lock.Lock()
			f.refreshGrants++
			fails := f.refreshFails
			f.lock.Unlock()

			if fails || r.FormValue("refresh_token") != testRefreshToken {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			// A new refresh token is deliberately omitted, the old one is reused
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": testRefreshed,
				"expires_in":   testLifetime,
				"token_type":   "Bearer",
			})

		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(f.provider.Close)

	manager, err := session.New(session.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		AuthURL:      f.provider.URL + "/auth",
		TokenURL:     f.provider.URL + "/token",
		RedirectURI:  testRedirectURI,
		Scopes:       []string{"spreadsheets"},
		StateMarker:  testStateMarker,
	}, f.store, session.WithNowTime(f.Now))
	require.NoError(t, err)

	f.manager = manager
	return f
}

func TestAuthenticateBuildsOfflineConsentURL(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := url.Parse(f.manager.Authenticate())
	require.NoError(t, err)

	q := authURL.Query()
	require.Equal(t, testClientID, q.Get("client_id"))
	require.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.True(t, f.manager.ValidateState(q.Get("state")))
	require.True(t, f.manager.Current().Loading)
}

func TestCallbackEstablishesSession(t *testing.T) {
	f := setupTestFixture(t)

	ok, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)
	require.True(t, ok)

	current := f.manager.Current()
	require.True(t, current.Authenticated)
	require.NotEmpty(t, current.AccessToken)
	require.Equal(t, testRefreshToken, current.RefreshToken)
	require.False(t, current.Loading)
	require.Empty(t, current.Err)

	// Tokens are persisted together with their lifetime
	stored := f.store.Stored()
	require.NotNil(t, stored)
	require.Equal(t, testAccessToken, stored.AccessToken)
	require.Equal(t, time.Duration(testLifetime)*time.Second, stored.ExpiresIn)
}

func TestCallbackStateMismatch(t *testing.T) {
	f := setupTestFixture(t)

	ok, err := f.manager.HandleCallback(context.Background(), testAuthCode, "some_other_feature")
	require.ErrorIs(t, err, apperrors.ErrStateMismatch)
	require.False(t, ok)

	current := f.manager.Current()
	require.False(t, current.Authenticated)
	require.NotEmpty(t, current.Err)

	codeGrants, _ := f.grants()
	require.Zero(t, codeGrants, "code must not be exchanged on state mismatch")
}

func TestCallbackExchangeFailure(t *testing.T) {
	f := setupTestFixture(t)

	ok, err := f.manager.HandleCallback(context.Background(), "wrong-code", testStateMarker)
	require.ErrorIs(t, err, apperrors.ErrExchangeFailed)
	require.False(t, ok)

	current := f.manager.Current()
	require.False(t, current.Authenticated)
	require.Empty(t, current.AccessToken)
	require.NotEmpty(t, current.Err)
}

func TestDoubleCallbackCollapsesToOneExchange(t *testing.T) {
	f := setupTestFixture(t)

	gate := make(chan struct{})
	f.lock.Lock()
	f.exchangeGate = gate
	f.lock.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	}()

	// Wait for the first exchange to be in flight
	require.Eventually(t, func() bool {
		codeGrants, _ := f.grants()
		return codeGrants == 1
	}, time.Second, 5*time.Millisecond)

	// Second observer of the same callback collapses into a no-op
	ok, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)
	require.False(t, ok)

	close(gate)
	<-done

	codeGrants, _ := f.grants()
	require.Equal(t, 1, codeGrants)
	require.True(t, f.manager.Current().Authenticated)
}

func TestValidTokenWithoutSession(t *testing.T) {
	f := setupTestFixture(t)

	token, ok := f.manager.ValidToken(context.Background())
	require.False(t, ok)
	require.Empty(t, token)
}

func TestValidTokenFreshNoNetworkCall(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)

	token, ok := f.manager.ValidToken(context.Background())
	require.True(t, ok)
	require.Equal(t, testAccessToken, token)

	_, refreshGrants := f.grants()
	require.Zero(t, refreshGrants)
}

// A 60-minute token queried 50 minutes later is inside the 5-minute margin
// and must trigger exactly one silent refresh before returning.
func TestValidTokenSilentRefreshNearExpiry(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)

	f.Advance(50 * time.Minute)

	token, ok := f.manager.ValidToken(context.Background())
	require.True(t, ok)
	require.Equal(t, testRefreshed, token)

	_, refreshGrants := f.grants()
	require.Equal(t, 1, refreshGrants)

	current := f.manager.Current()
	require.True(t, current.Authenticated)
	require.Equal(t, testRefreshToken, current.RefreshToken, "refresh token is reused")
}

func TestRefreshIdempotence(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)

	f.Advance(56 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.manager.RefreshIfNeeded(context.Background()))
		}()
	}
	wg.Wait()

	// Rapid successive calls observe the in-flight guard or the fresh token
	require.NoError(t, f.manager.RefreshIfNeeded(context.Background()))

	_, refreshGrants := f.grants()
	require.Equal(t, 1, refreshGrants)
}

func TestRefreshFailureTearsDownSession(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)

	f.lock.Lock()
	f.refreshFails = true
	f.lock.Unlock()
	f.Advance(56 * time.Minute)

	err = f.manager.RefreshIfNeeded(context.Background())
	require.ErrorIs(t, err, apperrors.ErrRefreshFailed)

	// Never a half-valid session: everything is torn down
	current := f.manager.Current()
	require.False(t, current.Authenticated)
	require.Empty(t, current.AccessToken)
	require.Empty(t, current.RefreshToken)
	require.Nil(t, f.store.Stored())
}

// For all reachable states: Authenticated implies a present token that has
// not aged past its expiry, even when no operation ran in between.
func TestAuthenticatedInvariantAfterIdleExpiry(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)
	require.True(t, f.manager.Current().Authenticated)

	f.Advance(2 * time.Hour)

	current := f.manager.Current()
	require.False(t, current.Authenticated)
	require.NotEmpty(t, current.AccessToken, "token material is kept for the refresh path")
}

func TestLogoutClearsEverything(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)

	f.manager.Logout(context.Background())

	current := f.manager.Current()
	require.False(t, current.Authenticated)
	require.Empty(t, current.AccessToken)
	require.Nil(t, f.store.Stored())
	require.Equal(t, 1, f.store.ClearCalls)
}

func TestSubscribeImmediateAndOnTransitions(t *testing.T) {
	f := setupTestFixture(t)

	var lock sync.Mutex
	var states []session.Session
	unsubscribe := f.manager.Subscribe(func(s session.Session) {
		lock.Lock()
		defer lock.Unlock()
		states = append(states, s)
	})

	lock.Lock()
	require.Len(t, states, 1, "listener fires once immediately")
	require.False(t, states[0].Authenticated)
	lock.Unlock()

	_, err := f.manager.HandleCallback(context.Background(), testAuthCode, testStateMarker)
	require.NoError(t, err)

	lock.Lock()
	require.True(t, states[len(states)-1].Authenticated)
	seen := len(states)
	lock.Unlock()

	unsubscribe()
	f.manager.Logout(context.Background())

	lock.Lock()
	require.Len(t, states, seen, "no notifications after unsubscribe")
	lock.Unlock()
}

func TestSessionResumesFromStore(t *testing.T) {
	f := setupTestFixture(t)

	record := &credentials.TokenRecord{
		AccessToken:  testAccessToken,
		RefreshToken: testRefreshToken,
		IssuedAt:     f.Now(),
		ExpiresIn:    time.Duration(testLifetime) * time.Second,
	}
	require.NoError(t, f.store.Save(context.Background(), record))

	manager, err := session.New(session.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		TokenURL:     f.provider.URL + "/token",
		StateMarker:  testStateMarker,
	}, f.store, session.WithNowTime(f.Now))
	require.NoError(t, err)

	current := manager.Current()
	require.True(t, current.Authenticated)
	require.Equal(t, testAccessToken, current.AccessToken)
}
