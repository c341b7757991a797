// Package rietveld talks to the code-review backend. The commit queue
// only ever uses the Client interface; the HTTP implementation speaks
// the review server's JSON API.
package rietveld

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/commitq-dev/commitq/internal/pending"
)

// Issue is the review metadata the queue cares about.
type Issue struct {
	Issue       int64    `json:"issue"`
	Owner       string   `json:"owner_email"`
	Reviewers   []string `json:"reviewers"`
	Patchsets   []int64  `json:"patchsets"`
	BaseURL     string   `json:"base_url"`
	Description string   `json:"description"`
	Commit      bool     `json:"commit"`
	Closed      bool     `json:"closed"`

	Messages []IssueMessage `json:"messages,omitempty"`
}

// IssueMessage is one review-thread comment as reported by the backend.
type IssueMessage struct {
	Sender   string `json:"sender"`
	Approval bool   `json:"approval"`
	Text     string `json:"text,omitempty"`
}

// LatestPatchset returns the newest patchset id, or 0 when the issue
// has none.
func (i *Issue) LatestPatchset() int64 {
	if len(i.Patchsets) == 0 {
		return 0
	}
	return i.Patchsets[len(i.Patchsets)-1]
}

// TrimmedMessages converts backend messages to the queue's trimmed
// form, dropping the free-text bodies.
func (i *Issue) TrimmedMessages() []pending.Message {
	out := make([]pending.Message, 0, len(i.Messages))
	for _, m := range i.Messages {
		out = append(out, pending.Message{Sender: m.Sender, Approval: m.Approval})
	}
	return out
}

// PatchSet is one review diff snapshot: the raw unified diff plus the
// file names parsed out of it.
type PatchSet struct {
	Raw   []byte
	Files []string
}

// ParsePatchSet extracts the touched file list from a unified diff.
func ParsePatchSet(raw []byte) (*PatchSet, error) {
	fileDiffs, err := diff.ParseMultiFileDiff(raw)
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	ps := &PatchSet{Raw: raw}
	for _, fd := range fileDiffs {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		name = strings.TrimPrefix(name, "a/")
		name = strings.TrimPrefix(name, "b/")
		if name != "" && name != "/dev/null" {
			ps.Files = append(ps.Files, name)
		}
	}
	return ps, nil
}

// Client is the review backend contract consumed by the queue.
type Client interface {
	// GetPendingIssues lists issues whose latest patchset has the
	// commit bit set.
	GetPendingIssues(ctx context.Context) ([]int64, error)
	GetIssueProperties(ctx context.Context, issue int64, withMessages bool) (*Issue, error)
	GetPatch(ctx context.Context, issue, patchset int64) (*PatchSet, error)
	AddComment(ctx context.Context, issue int64, text string) error
	SetFlag(ctx context.Context, issue, patchset int64, flag, value string) error
	CloseIssue(ctx context.Context, issue int64) error
	UpdateDescription(ctx context.Context, issue int64, description string) error

	// Email is the account the queue commits as. It is excluded from
	// reviewer-set comparisons.
	Email() string
	// URL is the review server base URL, used in posted comments.
	URL() string
}
