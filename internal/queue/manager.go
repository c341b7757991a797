// Package queue orchestrates pending commits through the verifier
// pipeline: poll the review backend for new candidates, verify them,
// and land or discard each one. The whole loop is single threaded; one
// broken commit or verifier never stops the others.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/commitq-dev/commitq/internal/checkout"
	"github.com/commitq-dev/commitq/internal/pending"
	"github.com/commitq-dev/commitq/internal/rietveld"
	"github.com/commitq-dev/commitq/internal/statuspush"
	"github.com/commitq-dev/commitq/internal/verifier"
)

// User-visible messages posted to the review thread.
const (
	msgFailedNoMessage = "Commit queue patch verification failed without an error message.\n" +
		"This should not happen; it usually means a verifier crashed.\n" +
		"Please report this with the change url attached."
	msgInternalError = "Commit queue had an internal error.\n" +
		"Please report this with the change url attached."
	msgDescriptionUpdated = "Commit queue rejected this change because the description was changed\n" +
		"between the time the change entered the commit queue and the time it\n" +
		"was ready to commit. You can safely check the commit box again."
	msgNewPatchset  = "Commit queue failed due to new patchset."
	msgTryingPatch  = "The commit queue is trying your patch. Follow status at\n"
	msgCheckoutFail = "Internal error: failed to checkout. Please try again."
	msgNoDiff       = "No diff was found for this patchset."
	msgNoFiles      = "No file was found in this patchset."
)

// Default burst throttle: at most maxCommitBurst commits per rolling
// burstDelay window.
const (
	defaultMaxCommitBurst   = 4
	defaultCommitBurstDelay = 10 * time.Minute
)

// Recorder persists landed and discarded commits for the history
// surface. All methods are best effort; a failing recorder never blocks
// the queue.
type Recorder interface {
	RecordLanded(ctx context.Context, issue, patchset int64, owner, revision string) error
	RecordDiscard(ctx context.Context, issue, patchset int64, owner, reason string) error
}

// Manager walks every tracked commit through the verifier pipeline and
// decides commit, discard or retry.
type Manager struct {
	Review   rietveld.Client
	Checkout checkout.Checkout
	Status   statuspush.Sink
	// StatusURL is the public dashboard root linked from the
	// trying-your-patch comment.
	StatusURL string
	// ViewVCURL, when set, turns a landed revision into a browsable
	// link in the closing comment and description.
	ViewVCURL string
	Recorder  Recorder

	// PrePatch verifiers run before any checkout work; PostPatch ones
	// only after the patch has been applied to a real tree.
	PrePatch  []verifier.Verifier
	PostPatch []verifier.Verifier

	MaxCommitBurst   int
	CommitBurstDelay time.Duration

	Queue *pending.Queue

	// recentCommits remembers the last few landing times for burst
	// throttling.
	recentCommits []time.Time

	// now is a test seam for the throttle.
	now func() time.Time
}

// NewManager wires the orchestrator. Verifier names must be unique and
// pre-patch verifiers must not require a checkout.
func NewManager(review rietveld.Client, co checkout.Checkout, status statuspush.Sink, prePatch, postPatch []verifier.Verifier) (*Manager, error) {
	if len(prePatch)+len(postPatch) == 0 {
		return nil, errors.New("queue: no verifiers configured")
	}
	seen := make(map[string]bool)
	for _, v := range append(append([]verifier.Verifier{}, prePatch...), postPatch...) {
		if seen[v.Name()] {
			return nil, fmt.Errorf("queue: duplicate verifier name %q", v.Name())
		}
		seen[v.Name()] = true
	}
	for _, v := range prePatch {
		if nc, ok := v.(verifier.NeedsCheckout); ok && nc.NeedsCheckout() {
			return nil, fmt.Errorf("queue: verifier %q needs a checkout and cannot run pre-patch", v.Name())
		}
	}
	if status == nil {
		status = statuspush.Null{}
	}
	return &Manager{
		Review:           review,
		Checkout:         co,
		Status:           status,
		PrePatch:         prePatch,
		PostPatch:        postPatch,
		MaxCommitBurst:   defaultMaxCommitBurst,
		CommitBurstDelay: defaultCommitBurstDelay,
		Queue:            &pending.Queue{},
		now:              time.Now,
	}, nil
}

func (m *Manager) allVerifiers() []verifier.Verifier {
	return append(append([]verifier.Verifier{}, m.PrePatch...), m.PostPatch...)
}

// RunCycle executes one full orchestration cycle. Phases always run in
// the same order; every phase swallows its own errors so the caller can
// simply schedule the next cycle.
func (m *Manager) RunCycle(ctx context.Context) {
	m.LookForNewPendingCommits(ctx)
	m.ProcessNewPendingCommits(ctx)
	m.UpdateStatus(ctx)
	m.ScanResults(ctx)
}

// Load restores the persisted queue state.
func (m *Manager) Load(path string) error {
	q, err := pending.Load(path)
	if err != nil {
		return err
	}
	m.Queue = q
	return nil
}

// Save persists the queue state.
func (m *Manager) Save(path string) error {
	return m.Queue.Save(path)
}

// LookForNewPendingCommits asks the review backend for issues with the
// commit bit set, drops tracked commits whose bit was unchecked, and
// starts tracking new ones.
func (m *Manager) LookForNewPendingCommits(ctx context.Context) {
	issues, err := m.Review.GetPendingIssues(ctx)
	if err != nil {
		log.Printf("queue: fetch pending issues: %v", err)
		return
	}
	wanted := make(map[int64]bool, len(issues))
	for _, id := range issues {
		wanted[id] = true
	}

	// A commit bit unchecked by a human needs no explanation; drop the
	// bookkeeping silently.
	for _, c := range append([]*pending.Commit{}, m.Queue.Commits...) {
		if !wanted[c.Issue] {
			log.Printf("queue: flushing issue %d, commit bit unchecked", c.Issue)
			m.Status.Send("abort", c.Issue, c.Patchset, map[string]any{
				"output": "Commit bit was unchecked on the change. Ignoring.",
			})
			m.discard(ctx, c, "", true)
		}
	}

	for _, id := range issues {
		if m.Queue.Find(id) != nil {
			continue
		}
		props, err := m.Review.GetIssueProperties(ctx, id, true)
		if err != nil {
			log.Printf("queue: fetch issue %d: %v", id, err)
			continue
		}
		if len(props.Patchsets) == 0 || !props.Commit {
			continue
		}
		log.Printf("queue: found new issue %d", id)
		m.Queue.Commits = append(m.Queue.Commits, pending.NewCommit(
			props.Issue,
			props.LatestPatchset(),
			props.Owner,
			props.BaseURL,
			props.Description,
			props.Reviewers,
			props.TrimmedMessages(),
		))
	}
}

// ProcessNewPendingCommits starts verification on commits with missing
// verifier entries. The re-run set is exactly the verifiers not yet
// represented in the map, so a crash mid-verification resumes where it
// stopped.
func (m *Manager) ProcessNewPendingCommits(ctx context.Context) {
	expected := make(map[string]bool)
	for _, v := range m.allVerifiers() {
		expected[v.Name()] = true
	}
	for _, c := range append([]*pending.Commit{}, m.Queue.Commits...) {
		missing := 0
		for name := range expected {
			if _, ok := c.Verifications[name]; !ok {
				missing++
			}
		}
		if missing == 0 || c.State() != pending.Processing {
			continue
		}
		log.Printf("queue: processing issue %d (%d verifiers missing)", c.Issue, missing)
		if err := m.verifyPending(ctx, c); err != nil {
			var d *verifier.Discard
			if errors.As(err, &d) {
				m.discard(ctx, d.Commit, d.Reason, false)
			} else {
				// Transient; leave the commit Processing and retry
				// next cycle.
				log.Printf("queue: verify issue %d: %v", c.Issue, err)
			}
		}
	}
}

// UpdateStatus lets every verifier refresh its Processing entries
// across the whole queue in one batch.
func (m *Manager) UpdateStatus(ctx context.Context) {
	for _, v := range m.allVerifiers() {
		if err := v.UpdateStatus(ctx, m.Queue.Commits); err != nil {
			var d *verifier.Discard
			if errors.As(err, &d) {
				m.discard(ctx, d.Commit, d.Reason, false)
			} else {
				log.Printf("queue: update status %s: %v", v.Name(), err)
			}
		}
	}
}

// ScanResults lands or discards every commit whose aggregate state
// turned terminal this cycle.
func (m *Manager) ScanResults(ctx context.Context) {
	for _, c := range append([]*pending.Commit{}, m.Queue.Commits...) {
		switch c.State() {
		case pending.Failed:
			msg := c.ErrorMessage()
			if msg == "" {
				// A failed aggregate without a reason is a verifier
				// bug; tell the user something anyway.
				msg = msgFailedNoMessage
			}
			m.discard(ctx, c, msg, false)
		case pending.Succeeded:
			if m.throttle(c) {
				continue
			}
			m.Queue.Remove(c)
			if err := m.landPending(ctx, c); err != nil {
				var d *verifier.Discard
				if errors.As(err, &d) {
					m.discard(ctx, d.Commit, d.Reason, false)
				} else {
					log.Printf("queue: commit issue %d: %v", c.Issue, err)
					m.discard(ctx, c, msgInternalError, false)
				}
			}
		default:
			// Processing keeps waiting; Ignored stays tracked so the
			// issue is not re-fetched, but costs nothing further.
		}
	}
}

func (m *Manager) landPending(ctx context.Context, c *pending.Commit) error {
	if err := m.lastMinuteChecks(ctx, c); err != nil {
		return err
	}
	return m.commitPatch(ctx, c)
}

// verifyPending runs the pre-patch verifiers, then prepares the
// checkout, announces the attempt on the review, applies the patch and
// runs the post-patch verifiers.
func (m *Manager) verifyPending(ctx context.Context, c *pending.Commit) error {
	ok, err := m.runVerifiers(ctx, c, m.PrePatch)
	if err != nil || !ok {
		return err
	}

	if len(m.PostPatch) > 0 {
		if err := m.prepareCheckout(ctx, c); err != nil {
			return err
		}
	}

	// The change is real business now; tell the owner their patch is
	// being tried. After syncing, before applying.
	m.Status.Send("initial", c.Issue, c.Patchset, map[string]any{"revision": c.Revision})
	comment := msgTryingPatch + fmt.Sprintf("%s/%s/%d/%d\n",
		strings.TrimRight(m.StatusURL, "/"), c.Owner, c.Issue, c.Patchset)
	if err := m.Review.AddComment(ctx, c.Issue, comment); err != nil {
		log.Printf("queue: add comment on %d: %v", c.Issue, err)
	}

	if len(m.PostPatch) > 0 {
		if err := m.applyPatch(ctx, c); err != nil {
			return err
		}
		if _, err := m.runVerifiers(ctx, c, m.PostPatch); err != nil {
			return err
		}
	}
	return nil
}

// runVerifiers invokes each verifier that has no entry yet. Returns
// false when the commit turned Ignored; a Failed state is converted to
// a Discard so the error message is not lost.
func (m *Manager) runVerifiers(ctx context.Context, c *pending.Commit, verifiers []verifier.Verifier) (bool, error) {
	for _, v := range verifiers {
		if _, ok := c.Verifications[v.Name()]; ok {
			continue
		}
		if err := v.Verify(ctx, c); err != nil {
			return false, err
		}
		switch c.State() {
		case pending.Ignored:
			return false, nil
		case pending.Failed:
			msg := c.ErrorMessage()
			if msg == "" {
				msg = msgFailedNoMessage
			}
			return false, verifier.Discardf(c, "%s", msg)
		}
	}
	return true, nil
}

func (m *Manager) prepareCheckout(ctx context.Context, c *pending.Commit) error {
	rev, err := m.Checkout.Prepare(ctx, c.Revision)
	if err != nil || rev == "" {
		log.Printf("queue: prepare checkout for %s: %v", c.Name(), err)
		return verifier.Discardf(c, "%s", msgCheckoutFail)
	}
	c.Revision = rev
	return nil
}

// applyPatch fetches the current patchset and applies it to the
// prepared tree, filling in the commit's file list.
func (m *Manager) applyPatch(ctx context.Context, c *pending.Commit) error {
	ps, err := m.Review.GetPatch(ctx, c.Issue, c.Patchset)
	if err != nil {
		return verifier.Discardf(c, "Failed to fetch the patch for this patchset.\n\n%v", err)
	}
	if ps == nil || len(ps.Raw) == 0 {
		return verifier.Discardf(c, "%s", msgNoDiff)
	}
	c.Files = ps.Files
	if len(c.Files) == 0 {
		return verifier.Discardf(c, "%s", msgNoFiles)
	}
	if err := m.Checkout.ApplyPatch(ctx, ps); err != nil {
		return verifier.Discardf(c, "Failed to apply the patch.\n%v", err)
	}
	return nil
}

// lastMinuteChecks re-validates the issue directly against the review
// backend just before committing. Anything that drifted since
// verification started aborts the landing.
func (m *Manager) lastMinuteChecks(ctx context.Context, c *pending.Commit) error {
	props, err := m.Review.GetIssueProperties(ctx, c.Issue, true)
	if err != nil {
		return fmt.Errorf("refetch issue %d: %w", c.Issue, err)
	}
	if !props.Commit {
		return &verifier.Discard{Commit: c}
	}
	if props.Closed {
		return &verifier.Discard{Commit: c}
	}
	if c.Description != strings.ReplaceAll(props.Description, "\r", "") {
		return verifier.Discardf(c, "%s", msgDescriptionUpdated)
	}

	// Reviewers added since verification who never approved invalidate
	// the review check already performed.
	expected := reviewerSet(c.Reviewers, m.Review.Email())
	actual := reviewerSet(props.Reviewers, m.Review.Email())
	approved := make(map[string]bool)
	for _, msg := range props.Messages {
		if msg.Approval {
			approved[msg.Sender] = true
		}
	}
	var driveBys []string
	for r := range actual {
		if !expected[r] && !approved[r] {
			driveBys = append(driveBys, r)
		}
	}
	if len(driveBys) > 0 {
		return verifier.Discardf(c,
			"List of reviewers changed. %s did a drive-by without LGTM'ing!",
			strings.Join(driveBys, ","))
	}

	if c.Patchset != props.LatestPatchset() {
		return verifier.Discardf(c, "%s", msgNewPatchset)
	}
	return nil
}

func reviewerSet(reviewers []string, exclude string) map[string]bool {
	out := make(map[string]bool, len(reviewers))
	for _, r := range reviewers {
		if r != exclude {
			out[r] = true
		}
	}
	return out
}

// commitPatch syncs to head, re-applies the patch and lands it, then
// closes the issue.
func (m *Manager) commitPatch(ctx context.Context, c *pending.Commit) error {
	// Always land on top of head, not the revision verified against.
	c.Revision = ""
	if err := m.prepareCheckout(ctx, c); err != nil {
		return err
	}
	if err := m.applyPatch(ctx, c); err != nil {
		return err
	}

	message := fmt.Sprintf("%s\n\nReview URL: %s/%d", c.Description, m.Review.URL(), c.Issue)
	revision, err := m.Checkout.Commit(ctx, message, c.Owner)
	if err != nil {
		return verifier.Discardf(c, "Failed to commit the patch.\n%v", err)
	}
	if revision == "" {
		return verifier.Discardf(c, "Failed to commit patch.")
	}
	c.Revision = revision

	m.recentCommits = append(m.recentCommits, m.now())
	if extra := len(m.recentCommits) - (m.MaxCommitBurst + 1); extra > 0 {
		m.recentCommits = m.recentCommits[extra:]
	}

	m.closeIssue(ctx, c)
	if m.Recorder != nil {
		if err := m.Recorder.RecordLanded(ctx, c.Issue, c.Patchset, c.Owner, c.Revision); err != nil {
			log.Printf("queue: record landed %s: %v", c.Name(), err)
		}
	}
	return nil
}

// closeIssue marks the review landed: closing comment, permanent link
// in the description, issue closed.
func (m *Manager) closeIssue(ctx context.Context, c *pending.Commit) {
	link := ""
	message := "Committed: " + c.Revision
	description := c.Description
	if m.ViewVCURL != "" {
		link = strings.TrimRight(m.ViewVCURL, "/") + "/" + c.Revision
		message = "Committed: " + link
		description += "\n\n" + message
	}
	m.Status.Send("commit", c.Issue, c.Patchset, map[string]any{
		"revision": c.Revision,
		"output":   message,
		"url":      link,
	})
	if err := m.Review.CloseIssue(ctx, c.Issue); err != nil {
		log.Printf("queue: close issue %d: %v", c.Issue, err)
	}
	if description != c.Description {
		if err := m.Review.UpdateDescription(ctx, c.Issue, description); err != nil {
			log.Printf("queue: update description on %d: %v", c.Issue, err)
		}
	}
	if err := m.Review.AddComment(ctx, c.Issue, "Change committed as "+c.Revision); err != nil {
		log.Printf("queue: add landed comment on %d: %v", c.Issue, err)
	}
}

// discard removes a commit from the queue, clearing the commit bit and
// posting the reason unless the removal is silent.
func (m *Manager) discard(ctx context.Context, c *pending.Commit, message string, silent bool) {
	if !silent && c.State() != pending.Ignored {
		if err := m.Review.SetFlag(ctx, c.Issue, c.Patchset, "commit", "False"); err != nil {
			log.Printf("queue: clear commit bit on %s: %v", c.Name(), err)
		}
	}
	if message != "" {
		if err := m.Review.AddComment(ctx, c.Issue, message); err != nil {
			log.Printf("queue: add discard comment on %s: %v", c.Name(), err)
		}
		m.Status.Send("abort", c.Issue, c.Patchset, map[string]any{"output": message})
	}
	if m.Recorder != nil {
		if err := m.Recorder.RecordDiscard(ctx, c.Issue, c.Patchset, c.Owner, message); err != nil {
			log.Printf("queue: record discard %s: %v", c.Name(), err)
		}
	}
	m.Queue.Remove(c)
}

// throttle reports whether landing c should wait: either a verifier
// asked to postpone, or the burst budget for the current window is
// spent. Postponed commits are never discarded, only delayed.
func (m *Manager) throttle(c *pending.Commit) bool {
	if c.Postpone() {
		return true
	}
	if len(m.recentCommits) == 0 {
		return false
	}
	cutoff := m.now().Add(-m.CommitBurstDelay)
	burst := 0
	for _, t := range m.recentCommits {
		if t.After(cutoff) {
			burst++
		}
	}
	return burst >= m.MaxCommitBurst
}
