// Package backend is the HTTP client for the authoritative active-vehicle API.
//
// Every failure is classified. Definitive rejections (400, 409, 422) are
// returned as *RejectionError matching vehicles.ErrSyncConflict. Any other
// failure wraps vehicles.ErrTransientSync and is retried with backoff.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 4 << 20

	// ReasonInvalidEvent is reported when the backend refuses a malformed event.
	ReasonInvalidEvent = "invalid_event"
)

var (
	errMissingBaseURL = errors.New("backend url is required")
	// ErrInvalidClientConfig indicates the client cannot be constructed.
	ErrInvalidClientConfig = errors.New("backend: invalid client config")
)

// Snapshot is the authoritative state of a lot at AsOf.
type Snapshot struct {
	LotID    string            `json:"lotId"`
	AsOf     time.Time         `json:"asOf"`
	Vehicles []vehicles.Record `json:"vehicles"`
}

// SubmitResult is the canonical outcome of an accepted event.
type SubmitResult struct {
	Record    vehicles.Record `json:"record"`
	Duplicate bool            `json:"duplicate"`
	NoOp      bool            `json:"noop"`
}

// Rejection is the structured 409 body.
type Rejection struct {
	Reason            string           `json:"reason"`
	ConflictingRecord *vehicles.Record `json:"conflictingRecord,omitempty"`
}

// RejectionError reports a definitive refusal of an event.
type RejectionError struct {
	StatusCode        int
	Reason            string
	ConflictingRecord *vehicles.Record
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("backend rejected event (%d): %s", e.StatusCode, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return vehicles.ErrSyncConflict
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the backend active-vehicle API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, baseURL.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Snapshot fetches the authoritative snapshot of a lot.
func (c *Client) Snapshot(ctx context.Context, lotID vehicles.LotID) (Snapshot, error) {
	endpoint := c.endpoint("lots", lotID.String(), "active-vehicles")
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	if status != http.StatusOK {
		return Snapshot{}, c.classify(status, body)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", vehicles.ErrTransientSync, err)
	}
	if snapshot.LotID == "" {
		snapshot.LotID = lotID.String()
	}
	return snapshot, nil
}

// Submit posts one idempotent event. Resending the same OpID is safe.
func (c *Client) Submit(ctx context.Context, event vehicles.Event) (SubmitResult, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode event: %w", err)
	}
	endpoint := c.endpoint("lots", event.LotID, "vehicle-events")
	body, status, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return SubmitResult{}, c.classify(status, body)
	}
	var result SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: decode submit result: %v", vehicles.ErrTransientSync, err)
	}
	return result, nil
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	body, status, err := c.do(ctx, http.MethodGet, c.endpoint("healthz"), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.classify(status, body)
	}
	return nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(requestCtx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Error(err))
		return nil, 0, fmt.Errorf("%w: %s %s: %v", vehicles.ErrTransientSync, method, endpoint, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, response.StatusCode, fmt.Errorf("%w: read response: %v", vehicles.ErrTransientSync, err)
	}
	return body, response.StatusCode, nil
}

func (c *Client) classify(status int, body []byte) error {
	if isTransientStatus(status) {
		return fmt.Errorf("%w: backend status %d", vehicles.ErrTransientSync, status)
	}
	if !isRejectionStatus(status) {
		// Auth or routing failures say nothing about the event itself: retry
		// them until the op runs out of attempts and needs attention.
		c.logger.Warn("unexpected backend status", zap.Int("status", status))
		return fmt.Errorf("%w: unexpected backend status %d", vehicles.ErrTransientSync, status)
	}
	var rejection Rejection
	if err := json.Unmarshal(body, &rejection); err != nil || rejection.Reason == "" {
		rejection.Reason = http.StatusText(status)
		if status == http.StatusBadRequest {
			rejection.Reason = ReasonInvalidEvent
		}
	}
	return &RejectionError{
		StatusCode:        status,
		Reason:            rejection.Reason,
		ConflictingRecord: rejection.ConflictingRecord,
	}
}

func isRejectionStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= http.StatusInternalServerError
}
