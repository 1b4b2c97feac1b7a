package sheets_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridware/go-sheet-sync/internal/apperrors"
	"github.com/gridware/go-sheet-sync/ledger"
	"github.com/gridware/go-sheet-sync/schema"
	"github.com/gridware/go-sheet-sync/sheets"
	"github.com/gridware/go-sheet-sync/transport"
)

const (
	testSpreadsheetID = "sheet-123"
	testAPIKey        = "api-key-1"
	testBearer        = "bearer-token-1"
)

// staticTokens is a TokenSource returning a fixed credential, or none.
type staticTokens struct {
	token string
}

func (s staticTokens) ValidToken(context.Context) (string, bool) {
	return s.token, s.token != ""
}

// recordedRequest captures what the store received.
type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   sheetsPayload
}

type sheetsPayload struct {
	Values [][]string `json:"values"`
}

type fakeStore struct {
	lock        sync.Mutex
	requests    []recordedRequest
	readBody    [][]string
	placedRange string // updatedRange reported for appends
}

func (fs *fakeStore) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}

		fs.lock.Lock()
		fs.requests = append(fs.requests, rec)
		readBody := fs.readBody
		placedRange := fs.placedRange
		fs.lock.Unlock()

		if strings.HasSuffix(r.URL.Path, ":append") {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"updates": map[string]string{"updatedRange": placedRange},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(sheetsPayload{Values: readBody})
	}
}

func (fs *fakeStore) last(t *testing.T) recordedRequest {
	t.Helper()
	fs.lock.Lock()
	defer fs.lock.Unlock()
	require.NotEmpty(t, fs.requests)
	return fs.requests[len(fs.requests)-1]
}

func newClient(t *testing.T, store *fakeStore, tokens sheets.TokenSource, options ...sheets.Option) *sheets.Client {
	t.Helper()

	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)

	client, err := sheets.New(server.URL, testSpreadsheetID, tokens, transport.New(), options...)
	require.NoError(t, err)
	return client
}

func TestReadRangeWithBearer(t *testing.T) {
	store := &fakeStore{readBody: [][]string{{"ID", "Title"}, {"a", "task a"}}}
	client := newClient(t, store, staticTokens{token: testBearer})

	values, err := client.ReadRange(context.Background(), "Tasks")
	require.NoError(t, err)
	require.Equal(t, [][]string{{"ID", "Title"}, {"a", "task a"}}, values)

	last := store.last(t)
	require.Equal(t, http.MethodGet, last.method)
	require.Equal(t, "/"+testSpreadsheetID+"/values/Tasks", last.path)
	require.Equal(t, "Bearer "+testBearer, last.auth)
}

func TestReadRangeDegradedAPIKeyMode(t *testing.T) {
	store := &fakeStore{readBody: [][]string{{"ID"}}}
	client := newClient(t, store, staticTokens{}, sheets.WithAPIKey(testAPIKey))

	_, err := client.ReadRange(context.Background(), "Tasks")
	require.NoError(t, err)

	last := store.last(t)
	require.Empty(t, last.auth)
	require.Contains(t, last.query, "key="+testAPIKey)
}

func TestReadRangeNoSessionNoKey(t *testing.T) {
	client := newClient(t, &fakeStore{}, staticTokens{})

	_, err := client.ReadRange(context.Background(), "Tasks")
	require.ErrorIs(t, err, apperrors.ErrNoCredentials)
}

func TestWriteRequiresSession(t *testing.T) {
	client := newClient(t, &fakeStore{}, staticTokens{}, sheets.WithAPIKey(testAPIKey))

	err := client.UpdateRange(context.Background(), "Tasks!A2:C2", [][]string{{"a", "b", "c"}})
	require.ErrorIs(t, err, apperrors.ErrNoCredentials, "the API key never authorizes writes")
}

func taskMapping() schema.Mapping {
	return schema.NewResolver(zerolog.Nop()).ResolveColumns(
		[]string{"ID", "Title", "Priority", "Assignee", "Status", "Due", "Notes"},
		schema.TaskFields(),
	)
}

func TestRecordWriterUpdatesFullRow(t *testing.T) {
	store := &fakeStore{}
	client := newClient(t, store, staticTokens{token: testBearer})

	writer, err := sheets.NewRecordWriter(client, "Tasks", taskMapping())
	require.NoError(t, err)

	placedRow, err := writer.WriteRow(context.Background(), ledger.Record{
		ID:  "a",
		Row: 5,
		Fields: map[string]string{
			"id":       "a",
			"title":    "task a",
			"priority": "high",
			"status":   "open",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 5, placedRow)

	last := store.last(t)
	require.Equal(t, http.MethodPut, last.method)
	require.Equal(t, "/"+testSpreadsheetID+"/values/Tasks!A5:G5", last.path)
	require.Equal(t, "Bearer "+testBearer, last.auth)
	require.Equal(t, [][]string{{"a", "task a", "high", "", "open", "", ""}}, last.body.Values)
}

// An append reports where the store placed the row so the caller can update
// it in place on the next commit.
func TestRecordWriterAppendReportsPlacedRow(t *testing.T) {
	store := &fakeStore{placedRange: "Tasks!A9:G9"}
	client := newClient(t, store, staticTokens{token: testBearer})

	writer, err := sheets.NewRecordWriter(client, "Tasks", taskMapping())
	require.NoError(t, err)

	placedRow, err := writer.WriteRow(context.Background(), ledger.Record{
		ID:     "new-1",
		Fields: map[string]string{"id": "new-1", "title": "fresh"},
	})
	require.NoError(t, err)
	require.Equal(t, 9, placedRow)

	last := store.last(t)
	require.Equal(t, http.MethodPost, last.method)
	require.Contains(t, last.path, "Tasks!A:G:append")
}

// A store that omits the updated range still succeeds, just without placement.
func TestRecordWriterAppendWithoutPlacedRange(t *testing.T) {
	store := &fakeStore{}
	client := newClient(t, store, staticTokens{token: testBearer})

	writer, err := sheets.NewRecordWriter(client, "Tasks", taskMapping())
	require.NoError(t, err)

	placedRow, err := writer.WriteRow(context.Background(), ledger.Record{
		ID:     "new-1",
		Fields: map[string]string{"id": "new-1", "title": "fresh"},
	})
	require.NoError(t, err)
	require.Zero(t, placedRow)
}

// With the priority header missing, resolution falls back to the positional
// default and a subsequent write lands in that column.
func TestRecordWriterFallbackColumnWrite(t *testing.T) {
	store := &fakeStore{}
	client := newClient(t, store, staticTokens{token: testBearer})

	mapping := schema.NewResolver(zerolog.Nop()).ResolveColumns(
		[]string{"ID", "Title", "Assignee", "Status", "Due", "Notes"},
		schema.TaskFields(),
	)
	require.Equal(t, 2, mapping["priority"])

	writer, err := sheets.NewRecordWriter(client, "Tasks", mapping)
	require.NoError(t, err)

	_, err = writer.WriteRow(context.Background(), ledger.Record{
		ID:     "a",
		Row:    3,
		Fields: map[string]string{"id": "a", "priority": "high"},
	})
	require.NoError(t, err)

	last := store.last(t)
	require.Equal(t, "high", last.body.Values[0][2], "priority lands in the fallback column")
}

func TestDecodeRecords(t *testing.T) {
	mapping := taskMapping()

	records := sheets.DecodeRecords([][]string{
		{"ID", "Title", "Priority"},
		{"a", "task a", "high"},
		{"", "untitled", "low"},
	}, mapping)

	require.Len(t, records, 2)

	require.Equal(t, "a", records[0].ID)
	require.Equal(t, 2, records[0].Row)
	require.Equal(t, "task a", records[0].Fields["title"])

	require.Equal(t, "row-3", records[1].ID, "rows without an id stay addressable")
	require.Equal(t, 3, records[1].Row)
}
