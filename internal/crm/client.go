// Package crm is a small HubSpot REST client covering deals, pipelines,
// owners, account info and record resolution.
package crm

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
)

const defaultBaseURL = "https://api.hubapi.com"

var ErrObjectNotFound = errors.New("object not found: check the defaultObjectTypeMap")

// APIError is a non-2xx HubSpot response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hubspot API error (status %d): %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a HubSpot 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client calls the HubSpot API with a private app token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// WithClock replaces the time source used for idle cutoffs.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) url(path string, query url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// AccountStatus is the raw outcome of the account info call.
type AccountStatus struct {
	Status   int    `json:"status"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) accountInfoURL(endpoint string) string {
	if endpoint != "" {
		return endpoint
	}
	return "/account-info/v3/details"
}

// Status calls the account info endpoint and reports status and body as is.
// Transport failures are reported as status 500.
func (c *Client) Status(ctx context.Context, endpoint string) AccountStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.accountInfoURL(endpoint), nil), nil)
	if err != nil {
		return AccountStatus{Status: http.StatusInternalServerError, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AccountStatus{Status: http.StatusInternalServerError, Error: err.Error()}
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return AccountStatus{Status: http.StatusInternalServerError, Error: fmt.Sprintf("decode account info: %v", err)}
	}
	return AccountStatus{Status: resp.StatusCode, Response: body}
}

// PortalID returns the HubSpot portal (hub) id of the token's account.
func (c *Client) PortalID(ctx context.Context, endpoint string) (string, error) {
	var info struct {
		PortalID json.Number `json:"portalId"`
	}
	if err := c.do(ctx, http.MethodGet, c.accountInfoURL(endpoint), nil, nil, &info); err != nil {
		return "", fmt.Errorf("account info: %w", err)
	}
	return info.PortalID.String(), nil
}
