// Package verifier defines the pluggable checks a pending commit must
// pass before it lands, and the Discard signal used to abandon one.
package verifier

import (
	"context"
	"fmt"

	"github.com/commitq-dev/commitq/internal/pending"
)

// Verifier is one unit of verification work. Verify runs (or kicks off)
// the check for a single commit and must leave an entry in
// commit.Verifications under Name. UpdateStatus is called once per
// cycle with the whole queue so asynchronous verifiers can batch their
// remote polling; it must never regress a terminal result back to
// Processing.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, c *pending.Commit) error
	UpdateStatus(ctx context.Context, queue []*pending.Commit) error
}

// NeedsCheckout marks verifiers that require the patch to be applied to
// a real working tree before Verify runs.
type NeedsCheckout interface {
	NeedsCheckout() bool
}

// Discard is the single give-up primitive. A verifier (or the manager
// itself) returns it when a commit must be removed from the queue right
// away, bypassing normal state aggregation. It unwinds only to the
// per-commit boundary in the manager; other commits are unaffected.
type Discard struct {
	Commit *pending.Commit
	// Reason is posted back to the review. Empty means discard
	// silently (commit bit cleared, no comment).
	Reason string
}

func (d *Discard) Error() string {
	return fmt.Sprintf("discard issue %d: %s", d.Commit.Issue, d.Reason)
}

// Discardf builds a Discard with a formatted reason.
func Discardf(c *pending.Commit, format string, args ...any) *Discard {
	return &Discard{Commit: c, Reason: fmt.Sprintf(format, args...)}
}
