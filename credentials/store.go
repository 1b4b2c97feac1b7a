package credentials

import (
	"context"
	"time"
)

// TokenRecord is the persisted credential material. The four fields mirror the
// four key/value pairs written to the backing medium: access token, refresh
// token, issuance instant and declared lifetime. They are always saved and
// invalidated together.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresIn    time.Duration
}

// ExpiresAt returns the absolute instant after which the access token must not
// be used without renewal.
func (t *TokenRecord) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// Store defines the interface for credential persistence. Credentials must
// survive process restarts; the store is read once at startup and written on
// every token change.
type Store interface {
	// Save persists the full credential record, replacing any previous one
	Save(ctx context.Context, record *TokenRecord) error

	// Load retrieves the persisted record. Returns apperrors.ErrNoCredentials
	// when nothing has been saved or the record was cleared
	Load(ctx context.Context) (*TokenRecord, error)

	// Clear removes all persisted credential material
	Clear(ctx context.Context) error
}
