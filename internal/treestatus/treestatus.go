// Package treestatus reads and writes the shared tree open/closed flag.
package treestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the tree-status contract: a single open/closed bit plus a
// way to publish status (used by the LKGR publisher).
type Client interface {
	IsOpen(ctx context.Context) (bool, error)
	Post(ctx context.Context, values url.Values) error
	// LastKnownGood returns the currently published good revision, or
	// "" when none was ever published.
	LastKnownGood(ctx context.Context) (string, error)
}

// HTTPClient talks to a chromium-status style app.
type HTTPClient struct {
	baseURL  string
	password string

	httpClient *http.Client
}

// NewHTTPClient builds a tree-status client. password may be empty for
// read-only use.
func NewHTTPClient(baseURL, password string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		password:   password,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// IsOpen fetches the current tree state. The endpoint historically
// returned either bare "1"/"0" or a JSON object, so both are accepted.
func (c *HTTPClient) IsOpen(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/current?format=json", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch tree status: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fetch tree status: %s", resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	switch trimmed {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	var payload struct {
		GeneralState string `json:"general_state"`
		CanCommit    bool   `json:"can_commit_freely"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("parse tree status %q: %w", trimmed, err)
	}
	return payload.CanCommit || payload.GeneralState == "open", nil
}

// LastKnownGood fetches the published good revision from the status
// app. The endpoint returns the bare revision as text.
func (c *HTTPClient) LastKnownGood(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lkgr", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch lkgr: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch lkgr: %s", resp.Status)
	}
	return strings.TrimSpace(string(body)), nil
}

// Post publishes values to the status app, adding the password when
// configured.
func (c *HTTPClient) Post(ctx context.Context, values url.Values) error {
	if c.password != "" {
		values.Set("password", c.password)
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/revisions", strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("post status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
