// Package pagelink connects a page context to a running profileblockd.
package pagelink

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

	"github.com/agentworkforce/profileguard/internal/profileblock"
	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the daemon's error codes back onto the profileblock error
// kinds so callers can use errors.Is across the wire.
func (e *HTTPError) Unwrap() error {
	switch e.Code {
	case "store_unavailable":
		return profileblock.ErrStoreUnavailable
	case "invalid_import":
		return profileblock.ErrInvalidImportFormat
	case "bad_request":
		return profileblock.ErrInvalidInput
	case "delivery_failed":
		return profileblock.ErrDeliveryFailure
	case "not_implemented":
		return profileblock.ErrNotImplemented
	}
	return nil
}

type BlockedUser struct {
	Username    string `json:"username"`
	AddedDate   int64  `json:"addedDate"`
	AddedFrom   string `json:"addedFrom,omitempty"`
	CustomDelay *int   `json:"customDelay"`
}

type TabInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Matching bool   `json:"matching"`
}

// HTTPClient talks to the daemon's /v1 API. Requests are never retried; a
// failed call is reported to the caller as is.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ profileblock.Messenger = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Token() string {
	return c.token
}

func (c *HTTPClient) Send(ctx context.Context, req profileblock.Request) (profileblock.Response, error) {
	var resp profileblock.Response
	err := c.doJSON(ctx, http.MethodPost, "/v1/messages", req, &resp)
	return resp, err
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) Settings(ctx context.Context) (profileblock.Settings, error) {
	var settings profileblock.Settings
	err := c.doJSON(ctx, http.MethodGet, "/v1/settings", nil, &settings)
	return settings, err
}

func (c *HTTPClient) UpdateSettings(ctx context.Context, patch profileblock.SettingsPatch) (profileblock.Settings, error) {
	var settings profileblock.Settings
	err := c.doJSON(ctx, http.MethodPatch, "/v1/settings", patch, &settings)
	return settings, err
}

// ListBlocked returns the block list, most recently blocked first.
func (c *HTTPClient) ListBlocked(ctx context.Context) ([]BlockedUser, error) {
	var out struct {
		Users []BlockedUser `json:"users"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/blocked", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// SetDelay sets a per-user redirect delay; nil restores the global delay.
func (c *HTTPClient) SetDelay(ctx context.Context, username string, delay *int) error {
	body := struct {
		Delay *int `json:"delay"`
	}{Delay: delay}
	return c.doJSON(ctx, http.MethodPut, "/v1/blocked/"+url.PathEscape(username)+"/delay", body, nil)
}

func (c *HTTPClient) ClearAll(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/blocked", nil, nil)
}

// Export returns the serialized export bundle exactly as the daemon sent it.
func (c *HTTPClient) Export(ctx context.Context) ([]byte, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/export", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPClient) Import(ctx context.Context, bundle []byte) error {
	if !json.Valid(bundle) {
		return fmt.Errorf("%w: not valid json", profileblock.ErrInvalidImportFormat)
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/import", json.RawMessage(bundle), nil)
}

func (c *HTTPClient) Tabs(ctx context.Context) ([]TabInfo, error) {
	var out struct {
		Tabs []TabInfo `json:"tabs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tabs", nil, &out); err != nil {
		return nil, err
	}
	return out.Tabs, nil
}

func (c *HTTPClient) HistoryStateUpdated(ctx context.Context, tabID, pageURL string) error {
	body := map[string]string{"url": pageURL}
	return c.doJSON(ctx, http.MethodPost, "/v1/tabs/"+url.PathEscape(tabID)+"/history", body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return "agent_" + uuid.NewString()
}
