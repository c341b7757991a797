// Package pending holds the data model for changes moving through the
// commit queue: one Commit per in-flight review issue, each carrying the
// per-verifier results accumulated so far.
package pending

import (
	"fmt"
	"strings"
	"time"
)

// State is the outcome of a single verifier for a single commit.
// The numeric order matters: aggregation takes the maximum, so
// Ignored > Failed > Processing > Succeeded.
type State int

const (
	Succeeded State = iota
	Processing
	Failed
	Ignored
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Processing:
		return "processing"
	case Failed:
		return "failed"
	case Ignored:
		return "ignored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// JobResult tracks one remote try build owned by a verifier. Kept on the
// Result so a restarted daemon resumes polling instead of re-triggering.
type JobResult struct {
	Builder     string    `json:"builder"`
	BuildNumber int64     `json:"build_number"`
	Started     time.Time `json:"started"`
	Finished    bool      `json:"finished"`
	Passed      bool      `json:"passed"`
	FailedStep  string    `json:"failed_step,omitempty"`
	// MinBuild is set after a lost-slave re-trigger; builds numbered
	// below it belong to the dead run and are never matched again.
	MinBuild int64 `json:"min_build,omitempty"`
}

// Result is one verifier's outcome for one commit. Processing is the
// only non-terminal state; ErrorMessage is required whenever the state
// is Failed.
type Result struct {
	State        State                 `json:"state"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Postpone     bool                  `json:"postpone,omitempty"`
	Jobs         map[string]*JobResult `json:"jobs,omitempty"`
}

// Terminal reports whether the result will never change again.
func (r *Result) Terminal() bool {
	return r.State != Processing
}

// Message is a trimmed review-thread comment. The free-text body is
// dropped at construction; verifiers only ever need the sender and the
// approval bit.
type Message struct {
	Sender   string `json:"sender"`
	Approval bool   `json:"approval"`
}

// Commit is one in-flight review issue being walked through
// verification. Issue, Patchset and Description decide whether in-flight
// verification is still valid; the rest is cached review metadata.
type Commit struct {
	Issue       int64    `json:"issue"`
	Patchset    int64    `json:"patchset"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Owner       string   `json:"owner"`
	Reviewers   []string `json:"reviewers"`
	BaseURL     string   `json:"base_url"`

	Messages []Message `json:"messages,omitempty"`

	// Revision is empty until the manager prepares a checkout, and holds
	// the landed revision after a successful commit. Verifiers never set
	// it.
	Revision string `json:"revision,omitempty"`

	Verifications map[string]*Result `json:"verifications"`
}

// NewCommit builds a Commit with an empty verification map.
func NewCommit(issue, patchset int64, owner, baseURL, description string, reviewers []string, messages []Message) *Commit {
	return &Commit{
		Issue:         issue,
		Patchset:      patchset,
		Description:   strings.ReplaceAll(description, "\r", ""),
		Owner:         owner,
		Reviewers:     reviewers,
		BaseURL:       baseURL,
		Messages:      messages,
		Verifications: make(map[string]*Result),
	}
}

// Name is the stable identifier used for try jobs and log lines. It
// makes it possible to rebuild remote job bookkeeping if ever needed.
func (c *Commit) Name() string {
	return fmt.Sprintf("%d-%d", c.Issue, c.Patchset)
}

// State returns the combined state of all verifiers for this commit.
// Missing verifications mean the commit is still processing; any error
// message forces Failed.
func (c *Commit) State() State {
	if c.ErrorMessage() != "" {
		return Failed
	}
	if len(c.Verifications) == 0 {
		return Processing
	}
	state := Succeeded
	for _, r := range c.Verifications {
		if r.State > state {
			state = r.State
		}
	}
	return state
}

// Postpone reports whether any verifier wants the commit delayed, not
// failed. Only meaningful once State() returns Succeeded.
func (c *Commit) Postpone() bool {
	for _, r := range c.Verifications {
		if r.Postpone {
			return true
		}
	}
	return false
}

// ErrorMessage concatenates every verifier failure message.
func (c *Commit) ErrorMessage() string {
	var out []string
	for _, r := range c.Verifications {
		if r != nil && r.ErrorMessage != "" {
			out = append(out, r.ErrorMessage)
		}
	}
	return strings.Join(out, "\n\n")
}

// SetIgnored records an Ignored result for name and deletes every other
// verification. The commit itself stays tracked so the same issue is
// not re-fetched each cycle, but carries no further verification cost.
func (c *Commit) SetIgnored(name string) {
	c.Verifications = map[string]*Result{
		name: {State: Ignored},
	}
}

// HasApproval reports whether sender left an approving message.
func (c *Commit) HasApproval(sender string) bool {
	for _, m := range c.Messages {
		if m.Approval && m.Sender == sender {
			return true
		}
	}
	return false
}
