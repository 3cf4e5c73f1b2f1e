// Package cnclient is a Go SDK for talking to one content node over HTTP.
//
// Like the teacher's internal/client package, this wraps raw HTTP/JSON
// calls behind a clean Go API, and converts non-2xx responses into typed
// Go errors instead of leaving callers to inspect status codes.
//
// This client talks to exactly one node. It does not pick which node to
// talk to (see internal/selector) and does not implement retry/backoff
// beyond what its *http.Client is configured with — policy belongs in the
// caller (internal/syncworker).
package cnclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one content node's export, health and /ipfs blob routes.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting baseURL (e.g. "https://cn1.audius.co").
// timeout protects callers from a hung upstream node; zero falls back to a
// sane default rather than blocking forever.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ExportClockInfo mirrors internal/export.ClockInfo for SDK consumers that
// should not import an internal package.
type ExportClockInfo struct {
	RequestedClockRangeMin int64 `json:"requestedClockRangeMin"`
	RequestedClockRangeMax int64 `json:"requestedClockRangeMax"`
	LocalClockMax          int64 `json:"localClockMax"`
}

// ExportCNodeUser mirrors internal/export.CNodeUser. Field types are kept
// as raw JSON for the content tables so this package has no dependency on
// internal/models; internal/syncworker re-decodes them into models itself.
type ExportCNodeUser struct {
	User         json.RawMessage `json:"user"`
	ClockRecords json.RawMessage `json:"clockRecords"`
	UserMetas    json.RawMessage `json:"userMetas"`
	Tracks       json.RawMessage `json:"tracks"`
	Files        json.RawMessage `json:"files"`
	ClockInfo    ExportClockInfo `json:"clockInfo"`
}

// ExportResponse mirrors internal/export.Response.
type ExportResponse struct {
	CNodeUsers map[string]ExportCNodeUser `json:"cnodeUsers"`
	PeerInfo   struct {
		Addresses []string `json:"addresses,omitempty"`
	} `json:"peerInfo"`
}

// Export pulls the replication window [clockRangeMin, clockRangeMax] for
// wallets from this node. clockRangeMax of 0 omits the parameter, letting
// the server apply its own MaxRange.
func (c *Client) Export(ctx context.Context, wallets []string, clockRangeMin, clockRangeMax int64) (*ExportResponse, error) {
	q := url.Values{}
	for _, w := range wallets {
		q.Add("wallet_public_key", w)
	}
	q.Set("clock_range_min", strconv.FormatInt(clockRangeMin, 10))
	if clockRangeMax > 0 {
		q.Set("clock_range_max", strconv.FormatInt(clockRangeMax, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/export?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result ExportResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// HealthResponse mirrors the /health payload consumed by internal/selector.
type HealthResponse struct {
	Version string `json:"version"`
}

// Health fetches this node's self-reported version.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result HealthResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// FetchBlob streams the raw bytes stored under cid from this node's
// content-addressed read path (spec §4.8). The caller owns the returned
// ReadCloser and must Close it.
func (c *Client) FetchBlob(ctx context.Context, cid string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ipfs/"+url.PathEscape(cid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob fetch failed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// APIError carries the HTTP status and the server's error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ErrNotFound is returned when the upstream node reports 404.
var ErrNotFound = fmt.Errorf("not found")

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		message = apiErr.Error
	}
	return &APIError{Status: resp.StatusCode, Message: message}
}
