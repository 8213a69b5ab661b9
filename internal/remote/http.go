package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/record"
)

// HTTPClient is a Store implementation over the record service's JSON API.
//
// Transport failures map to CodeUnavailable; application failures carry the
// server's code and, for rate limiting, its retry delay.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the record service root, e.g. "https://sync.example.com/v1".
	BaseURL string
	// Token is the bearer token for the signed-in account.
	Token string
	// Timeout bounds each request (default: 30s).
	Timeout time.Duration
}

// NewHTTPClient creates a client for the record service.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// wireError is the JSON body of a failed response or failed batch item.
type wireError struct {
	Code         string          `json:"code"`
	Message      string          `json:"message,omitempty"`
	RetryAfterMS int64           `json:"retry_after_ms,omitempty"`
	ServerRecord *record.Record  `json:"server_record,omitempty"`
}

func (w *wireError) toError() *Error {
	return &Error{
		Code:         Code(w.Code),
		RetryAfter:   time.Duration(w.RetryAfterMS) * time.Millisecond,
		ServerRecord: w.ServerRecord,
		Message:      w.Message,
	}
}

// do performs one request and decodes a 2xx body into out (when non-nil).
// Non-2xx responses decode into a typed remote error.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Code: CodeBadResponse, Message: fmt.Sprintf("decoding %s %s: %v", method, path, err)}
		}
	}
	return nil
}

// decodeError maps an error response to a typed remote error.
func (c *HTTPClient) decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var w wireError
	if err := json.Unmarshal(data, &w); err == nil && w.Code != "" {
		e := w.toError()
		if e.Code == CodeRateLimited && e.RetryAfter == 0 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := time.ParseDuration(ra + "s"); err == nil {
					e.RetryAfter = secs
				}
			}
		}
		return e
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Code: CodeAuthExpired, Message: resp.Status}
	case http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimited, RetryAfter: 30 * time.Second, Message: resp.Status}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &Error{Code: CodeUnavailable, Message: resp.Status}
	case http.StatusNotFound:
		return &Error{Code: CodeZoneNotFound, Message: resp.Status}
	}
	return &Error{Code: CodeBadResponse, Message: fmt.Sprintf("%s: %s", resp.Status, string(data))}
}

// CurrentUser implements Store.
func (c *HTTPClient) CurrentUser(ctx context.Context) (Identity, error) {
	var out struct {
		Identity string `json:"identity"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &out); err != nil {
		return "", err
	}
	if out.Identity == "" {
		return "", &Error{Code: CodeBadResponse, Message: "empty user identity"}
	}
	return Identity(out.Identity), nil
}

// ZoneExists implements Store.
func (c *HTTPClient) ZoneExists(ctx context.Context, zone string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/zones/"+url.PathEscape(zone), nil, nil)
	if err == nil {
		return true, nil
	}
	if HasCode(err, CodeZoneNotFound) {
		return false, nil
	}
	return false, err
}

// CreateZone implements Store.
func (c *HTTPClient) CreateZone(ctx context.Context, zone string) error {
	return c.do(ctx, http.MethodPut, "/zones/"+url.PathEscape(zone), nil, nil)
}

// SubscriptionExists implements Store.
func (c *HTTPClient) SubscriptionExists(ctx context.Context, zone, subscriptionID string) (bool, error) {
	path := "/zones/" + url.PathEscape(zone) + "/subscriptions/" + url.PathEscape(subscriptionID)
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	if HasCode(err, CodeZoneNotFound) {
		return false, nil
	}
	return false, err
}

// CreateSubscription implements Store.
func (c *HTTPClient) CreateSubscription(ctx context.Context, zone, subscriptionID string) error {
	path := "/zones/" + url.PathEscape(zone) + "/subscriptions/" + url.PathEscape(subscriptionID)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// wireSaveRequest is the JSON form of a SaveRequest.
type wireSaveRequest struct {
	Saves   []*record.Record `json:"saves,omitempty"`
	Deletes []string         `json:"deletes,omitempty"`
	Atomic  bool             `json:"atomic,omitempty"`
}

// wireSaveResult is the JSON form of a SaveResult.
type wireSaveResult struct {
	Saved   []*record.Record     `json:"saved,omitempty"`
	Deleted []string             `json:"deleted,omitempty"`
	Failed  map[string]wireError `json:"failed,omitempty"`
}

// Save implements Store.
func (c *HTTPClient) Save(ctx context.Context, zone string, req SaveRequest) (*SaveResult, error) {
	wire := wireSaveRequest{Saves: req.Saves, Atomic: req.Atomic}
	for _, id := range req.Deletes {
		wire.Deletes = append(wire.Deletes, id.String())
	}

	var out wireSaveResult
	if err := c.do(ctx, http.MethodPost, "/zones/"+url.PathEscape(zone)+"/save", wire, &out); err != nil {
		return nil, err
	}

	result := &SaveResult{Saved: out.Saved, Failed: make(map[record.ID]error)}
	for _, s := range out.Deleted {
		id, err := record.ParseID(s)
		if err != nil {
			return nil, &Error{Code: CodeBadResponse, Message: err.Error()}
		}
		result.Deleted = append(result.Deleted, id)
	}
	for s, w := range out.Failed {
		id, err := record.ParseID(s)
		if err != nil {
			return nil, &Error{Code: CodeBadResponse, Message: err.Error()}
		}
		w := w
		result.Failed[id] = w.toError()
	}
	return result, nil
}

// Fetch implements Store.
func (c *HTTPClient) Fetch(ctx context.Context, zone string, ids []record.ID) ([]*record.Record, error) {
	req := struct {
		IDs []string `json:"ids"`
	}{}
	for _, id := range ids {
		req.IDs = append(req.IDs, id.String())
	}

	var out struct {
		Records []*record.Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodPost, "/zones/"+url.PathEscape(zone)+"/fetch", req, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// wireChangesPage is one page of the incremental changes feed.
type wireChangesPage struct {
	Changed []*record.Record `json:"changed,omitempty"`
	Deleted []string         `json:"deleted,omitempty"`
	Token   string           `json:"token"`
	More    bool             `json:"more,omitempty"`
}

// FetchChanges implements Store, requesting pages until the feed reports no
// more and invoking fn for each page.
func (c *HTTPClient) FetchChanges(ctx context.Context, zone string, since ChangeToken, fn ChangeFunc) (ChangeToken, error) {
	token := since
	for {
		req := struct {
			Since string `json:"since,omitempty"`
		}{Since: string(token)}

		var page wireChangesPage
		if err := c.do(ctx, http.MethodPost, "/zones/"+url.PathEscape(zone)+"/changes", req, &page); err != nil {
			return token, err
		}

		batch := ChangeBatch{
			Changed: page.Changed,
			Token:   ChangeToken(page.Token),
			Final:   !page.More,
		}
		for _, s := range page.Deleted {
			id, err := record.ParseID(s)
			if err != nil {
				return token, &Error{Code: CodeBadResponse, Message: err.Error()}
			}
			batch.Deleted = append(batch.Deleted, id)
		}
		if len(batch.Changed) > 0 || len(batch.Deleted) > 0 || batch.Final {
			if err := fn(batch); err != nil {
				return token, err
			}
		}
		token = batch.Token
		if batch.Final {
			return token, nil
		}
	}
}
