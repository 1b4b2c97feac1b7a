package credentials

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gridware/go-sheet-sync/internal/apperrors"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyIssuedAt     = "issued_at"
	keyExpiresIn    = "expires_in"
)

var _ Store = (*FileStore)(nil)

// FileStore persists credentials as a small JSON key/value file. It is the
// default backend for single-process deployments.
type FileStore struct {
	path string
	lock sync.Mutex
}

// NewFileStore creates a file-backed credential store at the given path. The
// parent directory is created if missing.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] MkdirAll")
	}
	return &FileStore{path: path}, nil
}

func (fs *FileStore) Save(_ context.Context, record *TokenRecord) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	kv := map[string]string{
		keyAccessToken:  record.AccessToken,
		keyRefreshToken: record.RefreshToken,
		keyIssuedAt:     strconv.FormatInt(record.IssuedAt.Unix(), 10),
		keyExpiresIn:    strconv.FormatInt(int64(record.ExpiresIn/time.Second), 10),
	}

	data, err := json.MarshalIndent(kv, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[FileStore.Save] Marshal")
	}

	// Write-then-rename so a crash mid-write never leaves a torn record
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "[FileStore.Save] WriteFile")
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return errors.Wrap(err, "[FileStore.Save] Rename")
	}
	return nil
}

func (fs *FileStore) Load(_ context.Context) (*TokenRecord, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil, apperrors.ErrNoCredentials
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.Load] ReadFile")
	}

	var kv map[string]string
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, errors.Wrap(err, "[FileStore.Load] Unmarshal")
	}

	if kv[keyAccessToken] == "" {
		return nil, apperrors.ErrNoCredentials
	}

	issued, err := strconv.ParseInt(kv[keyIssuedAt], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.Load] parse issued_at")
	}
	lifetime, err := strconv.ParseInt(kv[keyExpiresIn], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "[FileStore.Load] parse expires_in")
	}

	return &TokenRecord{
		AccessToken:  kv[keyAccessToken],
		RefreshToken: kv[keyRefreshToken],
		IssuedAt:     time.Unix(issued, 0),
		ExpiresIn:    time.Duration(lifetime) * time.Second,
	}, nil
}

func (fs *FileStore) Clear(_ context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileStore.Clear] Remove")
	}
	return nil
}
