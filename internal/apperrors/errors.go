package apperrors

import (
	"errors"
	"fmt"
)

// Common error types for the sheet-sync client
var (
	// Authorization errors
	ErrStateMismatch  = errors.New("oauth state mismatch")
	ErrConsentDenied  = errors.New("user denied consent")
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// Credential errors
	ErrNoCredentials = errors.New("no stored credentials")
	ErrTokenExpired  = errors.New("access token expired")
	ErrRefreshFailed = errors.New("refresh token exchange failed")

	// Transport errors
	ErrRateLimited      = errors.New("rate limited by remote store")
	ErrRetriesExhausted = errors.New("retries exhausted")

	// Ledger errors
	ErrCommitInFlight = errors.New("commit in flight for record")
	ErrNoPendingEdits = errors.New("no pending edits")

	// General errors
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}
