package verifier

import (
	"context"
	"regexp"

	"github.com/commitq-dev/commitq/internal/pending"
)

// Canned failure messages shown on the review thread.
const (
	msgNoReviewer = "No reviewers yet."
	msgNoComment  = "No comments yet."
	msgNoLgtm     = "No LGTM from a valid reviewer yet.\n" +
		"Only approvals from full committers count; an LGTM from a\n" +
		"non-committer does not qualify the change for the commit queue."
)

var tbrRe = regexp.MustCompile(`(?m)^TBR=.*$`)

// Lgtm requires an approving message from at least one reviewer that
// matches the committer whitelist, does not match the blacklist, and is
// not the change owner. A TBR= line in the description lets a committer
// owner bypass review entirely.
type Lgtm struct {
	whitelist []*regexp.Regexp
	blacklist []*regexp.Regexp
}

// NewLgtm compiles the committer whitelist and blacklist patterns.
func NewLgtm(whitelist, blacklist []string) (*Lgtm, error) {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		var out []*regexp.Regexp
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, err
			}
			out = append(out, re)
		}
		return out, nil
	}
	white, err := compile(whitelist)
	if err != nil {
		return nil, err
	}
	black, err := compile(blacklist)
	if err != nil {
		return nil, err
	}
	return &Lgtm{whitelist: white, blacklist: black}, nil
}

func (v *Lgtm) Name() string { return "reviewer_lgtm" }

func matchAny(value string, list []*regexp.Regexp) bool {
	for _, re := range list {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// isCommitter reports whether sender passes the whitelist and not the
// blacklist.
func (v *Lgtm) isCommitter(sender string) bool {
	return matchAny(sender, v.whitelist) && !matchAny(sender, v.blacklist)
}

func (v *Lgtm) Verify(_ context.Context, c *pending.Commit) error {
	c.Verifications[v.Name()] = v.check(c)
	return nil
}

func (v *Lgtm) check(c *pending.Commit) *pending.Result {
	if tbrRe.MatchString(c.Description) && v.isCommitter(c.Owner) {
		// TBR changes from a committer skip review.
		return &pending.Result{State: pending.Succeeded}
	}
	if len(c.Reviewers) == 0 {
		return &pending.Result{State: pending.Failed, ErrorMessage: msgNoReviewer}
	}
	if len(c.Messages) == 0 {
		return &pending.Result{State: pending.Failed, ErrorMessage: msgNoComment}
	}
	for _, m := range c.Messages {
		// The owner cannot approve their own change.
		if m.Approval && m.Sender != c.Owner && v.isCommitter(m.Sender) {
			return &pending.Result{State: pending.Succeeded}
		}
	}
	return &pending.Result{State: pending.Failed, ErrorMessage: msgNoLgtm}
}

func (v *Lgtm) UpdateStatus(context.Context, []*pending.Commit) error { return nil }
