// Package buildfarm reads build results from the continuous build
// masters and triggers try jobs on the try server. Both speak the
// buildbot JSON interface.
package buildfarm

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

// Step is one build step as reported by a master.
type Step struct {
	Name       string `json:"name"`
	IsFinished bool   `json:"isFinished"`
	// Results is [result, [strings...]]; the result is sometimes
	// itself wrapped in a list.
	Results []any `json:"results"`
}

// Result unwraps the step result code. ok is false when the step has
// not reported a result yet.
func (s *Step) Result() (int, bool) {
	if len(s.Results) == 0 {
		return 0, false
	}
	v := s.Results[0]
	if list, isList := v.([]any); isList {
		if len(list) == 0 {
			return 0, false
		}
		v = list[0]
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case nil:
		// Buildbot reports null for a plain success.
		return 0, true
	}
	return 0, false
}

// Build is one finished or in-progress build.
type Build struct {
	Number      int64  `json:"number"`
	Reason      string `json:"reason"`
	SourceStamp struct {
		Revision string `json:"revision"`
	} `json:"sourceStamp"`
	Steps []Step   `json:"steps"`
	Text  []string `json:"text"`
}

// LostSlave reports whether the build died because the slave
// disconnected. Such builds carry no usable signal.
func (b *Build) LostSlave() bool {
	joined := strings.Join(b.Text, " ")
	return strings.Contains(joined, "exception") && strings.Contains(joined, "slave") &&
		strings.Contains(joined, "lost")
}

// StepByName returns the named step, or nil.
func (b *Build) StepByName(name string) *Step {
	for i := range b.Steps {
		if b.Steps[i].Name == name {
			return &b.Steps[i]
		}
	}
	return nil
}

// TryJob is a request to run one builder against a pending patch.
type TryJob struct {
	Builder  string
	Revision string
	// Name identifies the requesting change (issue-patchset); completed
	// builds are matched back by it.
	Name     string
	Issue    int64
	Patchset int64
}

// Client is the build-farm contract used by the try-job verifier and
// the LKGR finder.
type Client interface {
	// FetchBuilds returns the build history for one builder on one
	// collaborator master, keyed by build number.
	FetchBuilds(ctx context.Context, collaborator, builder string) (map[string]*Build, error)
	// Trigger schedules a try job on the try server.
	Trigger(ctx context.Context, job TryJob) error
}

// HTTPClient talks to buildbot masters over their JSON status API.
type HTTPClient struct {
	// BaseURLs maps a collaborator master name to its web root.
	BaseURLs map[string]string
	// TryURL is the try server web root used by Trigger.
	TryURL string

	httpClient *http.Client
}

// NewHTTPClient builds a farm client for the given master URLs.
func NewHTTPClient(baseURLs map[string]string, tryURL string) *HTTPClient {
	return &HTTPClient{
		BaseURLs:   baseURLs,
		TryURL:     strings.TrimRight(tryURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *HTTPClient) FetchBuilds(ctx context.Context, collaborator, builder string) (map[string]*Build, error) {
	base, ok := c.BaseURLs[collaborator]
	if !ok {
		return nil, fmt.Errorf("unknown collaborator master %q", collaborator)
	}
	u := fmt.Sprintf("%s/json/builders/%s/builds/_all",
		strings.TrimRight(base, "/"), url.PathEscape(builder))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch builds %s/%s: %w", collaborator, builder, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch builds %s/%s: %s", collaborator, builder, resp.Status)
	}
	builds := make(map[string]*Build)
	if err := json.NewDecoder(resp.Body).Decode(&builds); err != nil {
		return nil, fmt.Errorf("parse builds %s/%s: %w", collaborator, builder, err)
	}
	return builds, nil
}

func (c *HTTPClient) Trigger(ctx context.Context, job TryJob) error {
	form := url.Values{
		"builder":  {job.Builder},
		"revision": {job.Revision},
		"reason":   {job.Name},
		"issue":    {fmt.Sprintf("%d", job.Issue)},
		"patchset": {fmt.Sprintf("%d", job.Patchset)},
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.TryURL+"/trigger", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", job.Builder, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("trigger %s: %s: %s", job.Builder, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
