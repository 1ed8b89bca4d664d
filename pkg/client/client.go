package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the server has no record for a fingerprint.
	ErrNotFound = errors.New("anchor record not found")

	// ErrNotResubmittable is returned by Resubmit when the record is not Failed.
	ErrNotResubmittable = errors.New("record is not in a resubmittable state")
)

// Record statuses reported by the server.
const (
	StatusPending    = "pending"
	StatusSubmitting = "submitting"
	StatusSubmitted  = "submitted"
	StatusConfirmed  = "confirmed"
	StatusFailed     = "failed"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Record mirrors the server's anchor record.
type Record struct {
	ID             string     `json:"id"`
	Fingerprint    string     `json:"fingerprint"`
	Metadata       string     `json:"metadata"`
	Status         string     `json:"status"`
	SubmissionRef  string     `json:"submission_ref,omitempty"`
	Nonce          *uint64    `json:"nonce,omitempty"`
	BatchID        string     `json:"batch_id,omitempty"`
	ChainTimestamp *uint64    `json:"chain_timestamp,omitempty"`
	RetryCount     int        `json:"retry_count"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the record has reached Confirmed or Failed.
func (r *Record) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Record    *Record `json:"record"`
	Duplicate bool    `json:"duplicate"`
}

// BatchItem is one entry of a SubmitBatch response, in request order.
type BatchItem struct {
	Index     int     `json:"index"`
	Record    *Record `json:"record,omitempty"`
	Duplicate bool    `json:"duplicate,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Verification is the ledger's answer for one fingerprint.
type Verification struct {
	Fingerprint     string `json:"fingerprint"`
	IsAnchored      bool   `json:"is_anchored"`
	ChainTimestamp  uint64 `json:"chain_timestamp"`
	MatchesExpected bool   `json:"matches_expected"`
	Status          string `json:"status,omitempty"`
	SubmissionRef   string `json:"submission_ref,omitempty"`
	Disclaimer      string `json:"disclaimer,omitempty"`
}

// VerifyRequest is one entry of a VerifyBatch call.
type VerifyRequest struct {
	Fingerprint       string `json:"fingerprint"`
	ExpectedTimestamp uint64 `json:"expected_timestamp,omitempty"`
}

// VerifyBatchItem is one entry of a VerifyBatch response, in request order.
type VerifyBatchItem struct {
	Index  int           `json:"index"`
	Result *Verification `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Client talks to an anchord HTTP API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	cache        *verifyCache
	adminSecret  string
	pollInterval time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches verification results of anchored fingerprints for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		c.cache = newVerifyCache(ttl)
		return nil
	}
}

// WithAdminSecret sends secret as X-Admin-Secret on operator calls.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// WithPollInterval sets how often WaitConfirmed polls. Default 5s.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
		c.pollInterval = d
		return nil
	}
}

// New creates a Client for the API at baseURL.
//
//	c, err := client.New("http://localhost:8080", client.WithCacheTTL(time.Minute))
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: 5 * time.Second,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Submit registers fingerprint for anchoring. It returns as soon as the
// server has accepted the request; use WaitConfirmed to follow it.
func (c *Client) Submit(ctx context.Context, fingerprint, metadata string) (*SubmitResult, error) {
	var res SubmitResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/anchors",
		map[string]string{"fingerprint": fingerprint, "metadata": metadata}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitBatch registers up to 100 fingerprints written together. metadata may
// be nil.
func (c *Client) SubmitBatch(ctx context.Context, fingerprints, metadata []string) ([]BatchItem, error) {
	var resp struct {
		Results []BatchItem `json:"results"`
	}
	body := map[string][]string{"fingerprints": fingerprints}
	if metadata != nil {
		body["metadata"] = metadata
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/anchors/batch", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Get fetches the record for fingerprint.
func (c *Client) Get(ctx context.Context, fingerprint string) (*Record, error) {
	var rec Record
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/anchors/"+url.PathEscape(fingerprint), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns records, optionally filtered by status.
func (c *Client) List(ctx context.Context, status string, limit int) ([]Record, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/anchors"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Records []Record `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// WaitConfirmed polls until the record for fingerprint is Confirmed or Failed
// and returns it. A Failed record is returned with a nil error; the caller
// inspects Status and FailureReason.
func (c *Client) WaitConfirmed(ctx context.Context, fingerprint string) (*Record, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		rec, err := c.Get(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resubmit asks the server to move a Failed record back to Pending.
func (c *Client) Resubmit(ctx context.Context, fingerprint string) (*Record, error) {
	var rec Record
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/anchors/"+url.PathEscape(fingerprint)+"/resubmit", nil, &rec)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrNotResubmittable, apiErr.Message)
		}
		return nil, err
	}
	return &rec, nil
}

// Verify asks whether fingerprint is anchored, and when expected is non-zero,
// whether it is anchored at exactly that time.
func (c *Client) Verify(ctx context.Context, fingerprint string, expected uint64) (*Verification, error) {
	key := fingerprint + "@" + strconv.FormatUint(expected, 10)
	if c.cache != nil {
		if v, ok := c.cache.get(key); ok {
			return v, nil
		}
	}

	path := "/api/v1/verify/" + url.PathEscape(fingerprint)
	if expected != 0 {
		path += "?expected_timestamp=" + strconv.FormatUint(expected, 10)
	}
	var v Verification
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &v); err != nil {
		return nil, err
	}

	// Absent fingerprints may be anchored later, so only positive answers are kept.
	if c.cache != nil && v.IsAnchored {
		c.cache.set(key, &v)
	}
	return &v, nil
}

// VerifyBatch verifies up to 100 fingerprints. Items fail independently.
func (c *Client) VerifyBatch(ctx context.Context, items []VerifyRequest) ([]VerifyBatchItem, error) {
	var resp struct {
		Results []VerifyBatchItem `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/verify/batch", map[string]any{"items": items}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// doJSON sends body (if any) as JSON and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.adminSecret)
	}

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// --- verification cache ---

type cacheEntry struct {
	result    *Verification
	expiresAt time.Time
}

type verifyCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newVerifyCache(ttl time.Duration) *verifyCache {
	return &verifyCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (vc *verifyCache) get(key string) (*Verification, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	e, ok := vc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	v := *e.result
	return &v, true
}

func (vc *verifyCache) set(key string, v *Verification) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	cp := *v
	vc.entries[key] = &cacheEntry{result: &cp, expiresAt: time.Now().Add(vc.ttl)}
}
