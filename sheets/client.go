// Package sheets is the thin wire client for the remote tabular store: a
// named-range read/write API with no transactions and aggressive rate limits.
// All calls go through the retrying transport.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/gridware/go-sheet-sync/internal/apperrors"
	"github.com/gridware/go-sheet-sync/transport"
)

// TokenSource supplies a bearer credential valid for at least one more
// request. The session Manager satisfies it.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, bool)
}

// valueRange is the wire shape shared by reads and writes.
type valueRange struct {
	Range  string     `json:"range,omitempty"`
	Values [][]string `json:"values"`
}

// Client reads and writes ranges of one spreadsheet.
type Client struct {
	baseURL       string
	spreadsheetID string
	apiKey        string // static key for degraded read-only access
	tokens        TokenSource
	tp            *transport.Client
	log           zerolog.Logger
}

// Option defines a function type to modify the Client instance.
type Option func(*Client)

// WithAPIKey enables degraded read-only access when no user session exists.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a store client for one spreadsheet.
func New(baseURL, spreadsheetID string, tokens TokenSource, tp *transport.Client, options ...Option) (*Client, error) {
	if baseURL == "" || spreadsheetID == "" {
		return nil, errors.New("[sheets.New] baseURL and spreadsheetID are required")
	}
	if tp == nil {
		return nil, errors.New("[sheets.New] transport client is required")
	}

	c := &Client{
		baseURL:       baseURL,
		spreadsheetID: spreadsheetID,
		tokens:        tokens,
		tp:            tp,
		log:           zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// ReadRange fetches a named range. values[0] is the header row. Reads fall
// back to the static API key when no session exists.
func (c *Client) ReadRange(ctx context.Context, a1Range string) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/%s/values/%s", c.baseURL, c.spreadsheetID, url.PathEscape(a1Range))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.ReadRange] NewRequest")
	}

	if token, ok := c.tokens.ValidToken(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
		c.log.Debug().Str("range", a1Range).Msg("reading with static API key, degraded mode")
	} else {
		return nil, errors.Wrap(apperrors.ErrNoCredentials, "[Client.ReadRange] no session and no API key")
	}

	resp, err := c.tp.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.ReadRange] transport")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("[Client.ReadRange] status %d", resp.StatusCode)
	}

	var vr valueRange
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, errors.Wrap(err, "[Client.ReadRange] decode")
	}
	return vr.Values, nil
}

// appendResponse is the append endpoint's payload; updatedRange reports where
// the rows actually landed.
type appendResponse struct {
	Updates struct {
		UpdatedRange string `json:"updatedRange"`
	} `json:"updates"`
}

// Append appends one or more full rows after the given range and returns the
// A1 range the store placed them in, empty when the store omits it.
func (c *Client) Append(ctx context.Context, a1Range string, rows [][]string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/values/%s:append?valueInputOption=USER_ENTERED", c.baseURL, c.spreadsheetID, url.PathEscape(a1Range))

	body, err := c.write(ctx, http.MethodPost, endpoint, rows)
	if err != nil {
		return "", err
	}

	var ar appendResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", errors.Wrap(err, "[Client.Append] decode")
	}
	return ar.Updates.UpdatedRange, nil
}

// UpdateRange fully replaces an explicit range (e.g. "Tasks!A5:J5").
func (c *Client) UpdateRange(ctx context.Context, a1Range string, rows [][]string) error {
	endpoint := fmt.Sprintf("%s/%s/values/%s?valueInputOption=USER_ENTERED", c.baseURL, c.spreadsheetID, url.PathEscape(a1Range))
	_, err := c.write(ctx, http.MethodPut, endpoint, rows)
	return err
}

func (c *Client) write(ctx context.Context, method, endpoint string, rows [][]string) ([]byte, error) {
	token, ok := c.tokens.ValidToken(ctx)
	if !ok {
		return nil, errors.Wrap(apperrors.ErrNoCredentials, "[Client.write] writes require a session")
	}

	payload, err := json.Marshal(valueRange{Values: rows})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.write] Marshal")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "[Client.write] NewRequest")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.tp.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.write] transport")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "[Client.write] read response")
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, errors.Errorf("[Client.write] status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
