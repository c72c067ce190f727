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
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRejected    = errors.New("rejected by ledger")
	ErrUnavailable = errors.New("ledger unavailable")
	ErrInvalid     = errors.New("invalid request")
)

// APIError is a non-2xx response from anchord.
type APIError struct {
	StatusCode int
	Message    string

	// Transaction is set when anchoring failed after a transaction was created.
	Transaction *Transaction
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anchord returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes to the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrRejected:
		return e.StatusCode == http.StatusUnprocessableEntity
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case ErrInvalid:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// Client is the idanchor SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
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

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithBearerToken attaches a token to every request, for deployments that
// front anchord with an authenticating proxy.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the anchord instance at base.
//
//	c, err := client.New("http://localhost:8080", client.WithTimeout(5*time.Second))
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Identities ───────────────────────────────────────────────────────────

// HashIdentity returns the canonical hash of rec without anchoring it.
func (c *Client) HashIdentity(ctx context.Context, rec IdentityRecord) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/identities/hash", rec, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// AnchorIdentity hashes rec and dispatches the ledger write. When the ledger
// rejects the write the returned *APIError carries the failed transaction.
func (c *Client) AnchorIdentity(ctx context.Context, rec IdentityRecord) (*AnchorResult, error) {
	var out AnchorResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/identities/anchor", rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Anchors ──────────────────────────────────────────────────────────────

// GetAnchor returns a transaction by id.
func (c *Client) GetAnchor(ctx context.Context, id string) (*Transaction, error) {
	var out struct {
		Transaction *Transaction `json:"transaction"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/anchors/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Transaction, nil
}

// CancelAnchor cancels an in-flight transaction.
func (c *Client) CancelAnchor(ctx context.Context, id string) (*CancelResult, error) {
	var out CancelResult
	if err := c.call(ctx, http.MethodDelete, "/api/v1/anchors/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForConfirmation polls the transaction every interval until it is
// terminal or ctx is done. A terminal state other than confirmed is returned
// without error; callers inspect State.
func (c *Client) WaitForConfirmation(ctx context.Context, id string, interval time.Duration) (*Transaction, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := c.GetAnchor(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.Terminal() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ── Audit ────────────────────────────────────────────────────────────────

// RecordAction appends an audit entry for an action taken against hash.
func (c *Client) RecordAction(ctx context.Context, action, ownerID, hash string) (*AuditEntry, error) {
	req := map[string]string{"action": action, "owner_id": ownerID, "hash": hash}
	var out AuditEntry
	if err := c.call(ctx, http.MethodPost, "/api/v1/audit/entries", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyEntry reconciles an audit entry against the ledger now.
func (c *Client) VerifyEntry(ctx context.Context, entryID string) (*Outcome, error) {
	var out Outcome
	path := "/api/v1/audit/entries/" + url.PathEscape(entryID) + "/verify"
	if err := c.call(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Owners ───────────────────────────────────────────────────────────────

// VerificationStatus returns the status of the owner's latest audit entry.
func (c *Client) VerificationStatus(ctx context.Context, ownerID string) (*VerificationStatus, error) {
	var out VerificationStatus
	if err := c.call(ctx, http.MethodGet, ownerPath(ownerID, "verification"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnchoringState returns the owner's current transaction state.
func (c *Client) AnchoringState(ctx context.Context, ownerID string) (*AnchoringState, error) {
	var out AnchoringState
	if err := c.call(ctx, http.MethodGet, ownerPath(ownerID, "anchoring"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnchorHistory returns every transaction of the owner, oldest first.
func (c *Client) AnchorHistory(ctx context.Context, ownerID string) ([]*Transaction, error) {
	var out struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.call(ctx, http.MethodGet, ownerPath(ownerID, "anchors"), nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// AuditHistory returns up to limit audit entries of the owner, newest first.
func (c *Client) AuditHistory(ctx context.Context, ownerID string, limit int) ([]*AuditEntry, error) {
	path := ownerPath(ownerID, "audit")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Entries []*AuditEntry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Discrepancies returns the owner's recorded discrepancies.
func (c *Client) Discrepancies(ctx context.Context, ownerID string) ([]*Discrepancy, error) {
	var out struct {
		Discrepancies []*Discrepancy `json:"discrepancies"`
	}
	if err := c.call(ctx, http.MethodGet, ownerPath(ownerID, "discrepancies"), nil, &out); err != nil {
		return nil, err
	}
	return out.Discrepancies, nil
}

// Health returns the daemon health. A degraded daemon answers 503 with a
// body, which is returned together with the error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	err := c.call(ctx, http.MethodGet, "/healthz", nil, &out)
	if err != nil && out.Status == "" {
		return nil, err
	}
	return &out, err
}

func ownerPath(ownerID, leaf string) string {
	return "/api/v1/owners/" + url.PathEscape(ownerID) + "/" + leaf
}

// call sends reqBody as JSON and decodes a 2xx response into respBody.
// Non-2xx bodies are decoded into respBody too, then returned as *APIError.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var payload struct {
			Error       string       `json:"error"`
			Transaction *Transaction `json:"transaction"`
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		if json.Unmarshal(body, &payload) == nil {
			if payload.Error != "" {
				apiErr.Message = payload.Error
			}
			apiErr.Transaction = payload.Transaction
		}
		if respBody != nil {
			json.Unmarshal(body, respBody) //nolint:errcheck
		}
		return apiErr
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
