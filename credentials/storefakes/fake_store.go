package storefakes

import (
	"context"
	"sync"

	"github.com/gridware/go-sheet-sync/credentials"
	"github.com/gridware/go-sheet-sync/internal/apperrors"
)

var _ credentials.Store = (*FakeStore)(nil)

// FakeStore is an in-memory credential store for tests.
type FakeStore struct {
	record     *credentials.TokenRecord
	lock       sync.Mutex
	SaveCalls  int
	ClearCalls int
	SaveErr    error
	LoadErr    error
}

func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

func (fs *FakeStore) Save(_ context.Context, record *credentials.TokenRecord) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.SaveCalls++
	if fs.SaveErr != nil {
		return fs.SaveErr
	}
	copied := *record
	fs.record = &copied
	return nil
}

func (fs *FakeStore) Load(_ context.Context) (*credentials.TokenRecord, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.LoadErr != nil {
		return nil, fs.LoadErr
	}
	if fs.record == nil {
		return nil, apperrors.ErrNoCredentials
	}
	copied := *fs.record
	return &copied, nil
}

func (fs *FakeStore) Clear(_ context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.ClearCalls++
	fs.record = nil
	return nil
}

// Stored returns the current record without the Store error plumbing.
func (fs *FakeStore) Stored() *credentials.TokenRecord {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.record
}
