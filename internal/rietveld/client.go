package rietveld

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

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	email      string
	httpClient *http.Client
}

// NewHTTPClient creates a review client for the server at baseURL,
// authenticated (for flag/comment posts) as email.
func NewHTTPClient(baseURL, email string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) Email() string { return c.email }
func (c *HTTPClient) URL() string   { return c.baseURL }

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// GetPendingIssues returns open issues whose latest patchset carries
// the commit flag.
func (c *HTTPClient) GetPendingIssues(ctx context.Context) ([]int64, error) {
	body, err := c.get(ctx, "/search?format=json&commit=2&closed=3&keys_only=True&limit=1000&order=__key__")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Results []int64 `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse pending issues: %w", err)
	}
	return payload.Results, nil
}

func (c *HTTPClient) GetIssueProperties(ctx context.Context, issue int64, withMessages bool) (*Issue, error) {
	path := fmt.Sprintf("/api/%d", issue)
	if withMessages {
		path += "?messages=true"
	}
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	out := &Issue{}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("parse issue %d: %w", issue, err)
	}
	return out, nil
}

func (c *HTTPClient) GetPatch(ctx context.Context, issue, patchset int64) (*PatchSet, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/download/issue%d_%d.diff", issue, patchset))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("issue %d patchset %d: empty diff", issue, patchset)
	}
	return ParsePatchSet(raw)
}

func (c *HTTPClient) AddComment(ctx context.Context, issue int64, text string) error {
	form := url.Values{
		"message":        {text},
		"message_only":   {"True"},
		"add_as_reviewer": {"False"},
		"send_mail":      {"True"},
		"no_redirect":    {"True"},
	}
	return c.post(ctx, fmt.Sprintf("/%d/publish", issue), form)
}

func (c *HTTPClient) SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error {
	form := url.Values{
		"last_patchset": {fmt.Sprintf("%d", patchset)},
		"flags":         {fmt.Sprintf("%s=%s", flag, value)},
	}
	return c.post(ctx, fmt.Sprintf("/%d/edit_flags", issue), form)
}

func (c *HTTPClient) CloseIssue(ctx context.Context, issue int64) error {
	return c.post(ctx, fmt.Sprintf("/%d/close", issue), url.Values{})
}

func (c *HTTPClient) UpdateDescription(ctx context.Context, issue int64, description string) error {
	form := url.Values{"description": {description}}
	return c.post(ctx, fmt.Sprintf("/%d/description", issue), form)
}
