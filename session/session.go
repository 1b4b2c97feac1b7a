package session

import "time"

// Session is the UI-facing authentication state. It is owned exclusively by
// the Manager; consumers receive copies through Subscribe and must never
// mutate shared state directly.
//
// Lifecycle: Unauthenticated -> (Authenticate) -> PendingRedirect ->
// (callback success) -> Authenticated -> (token nears expiry) -> Refreshing ->
// Authenticated | Unauthenticated (refresh failure) -> (Logout) ->
// Unauthenticated.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // instant after which AccessToken must not be used without renewal
	Email        string    // display identity from the provider's ID token, when present

	// Authenticated is derived: true iff AccessToken is present and the
	// remaining lifetime exceeds the refresh margin. It is never true while
	// AccessToken is absent.
	Authenticated bool

	// Transient UI-facing status
	Loading bool
	Err     string
}

// Listener receives a copy of the session on every state transition. It is
// invoked once immediately on Subscribe with the current state.
type Listener func(Session)

// tokenResponse is the provider's token endpoint payload, shared by the
// authorization-code and refresh-token grants. The refresh grant omits a new
// refresh token; the existing one is reused.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}
