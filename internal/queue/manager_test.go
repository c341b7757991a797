package queue

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/commitq-dev/commitq/internal/pending"
	"github.com/commitq-dev/commitq/internal/rietveld"
	"github.com/commitq-dev/commitq/internal/verifier"
)

// fakeReview is an in-memory review backend.
type fakeReview struct {
	email  string
	issues map[int64]*rietveld.Issue

	comments     map[int64][]string
	flagsCleared []int64
	closed       []int64
	descriptions map[int64]string
}

func newFakeReview() *fakeReview {
	return &fakeReview{
		email:        "commit-bot@example.com",
		issues:       map[int64]*rietveld.Issue{},
		comments:     map[int64][]string{},
		descriptions: map[int64]string{},
	}
}

func (f *fakeReview) addIssue(issue *rietveld.Issue) {
	f.issues[issue.Issue] = issue
}

func (f *fakeReview) GetPendingIssues(context.Context) ([]int64, error) {
	var out []int64
	for id, issue := range f.issues {
		if issue.Commit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeReview) GetIssueProperties(_ context.Context, issue int64, _ bool) (*rietveld.Issue, error) {
	i, ok := f.issues[issue]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", issue)
	}
	cp := *i
	return &cp, nil
}

func (f *fakeReview) GetPatch(_ context.Context, issue, patchset int64) (*rietveld.PatchSet, error) {
	return &rietveld.PatchSet{
		Raw:   []byte("diff --git a/file.cc b/file.cc\n"),
		Files: []string{"file.cc"},
	}, nil
}

func (f *fakeReview) AddComment(_ context.Context, issue int64, text string) error {
	f.comments[issue] = append(f.comments[issue], text)
	return nil
}

func (f *fakeReview) SetFlag(_ context.Context, issue, _ int64, flag, value string) error {
	if flag == "commit" && value == "False" {
		f.flagsCleared = append(f.flagsCleared, issue)
		if i, ok := f.issues[issue]; ok {
			i.Commit = false
		}
	}
	return nil
}

func (f *fakeReview) CloseIssue(_ context.Context, issue int64) error {
	f.closed = append(f.closed, issue)
	return nil
}

func (f *fakeReview) UpdateDescription(_ context.Context, issue int64, description string) error {
	f.descriptions[issue] = description
	return nil
}

func (f *fakeReview) Email() string { return f.email }
func (f *fakeReview) URL() string   { return "http://review.example.com" }

// fakeCheckout is an in-memory source-control backend.
type fakeCheckout struct {
	prepared []string
	applied  int
	commits  int

	prepareRev string
	commitRev  string
	commitErr  error
	applyErr   error
}

func (f *fakeCheckout) Prepare(_ context.Context, revision string) (string, error) {
	f.prepared = append(f.prepared, revision)
	return f.prepareRev, nil
}

func (f *fakeCheckout) ApplyPatch(context.Context, *rietveld.PatchSet) error {
	f.applied++
	return f.applyErr
}

func (f *fakeCheckout) Commit(context.Context, string, string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.commits++
	return f.commitRev, nil
}

func (f *fakeCheckout) Dir() string { return "/tmp/wc" }

// scriptedVerifier records a fixed result and counts invocations.
type scriptedVerifier struct {
	name    string
	result  pending.Result
	ignore  bool
	calls   int
	updates int
}

func (v *scriptedVerifier) Name() string { return v.name }

func (v *scriptedVerifier) Verify(_ context.Context, c *pending.Commit) error {
	v.calls++
	if v.ignore {
		c.SetIgnored(v.name)
		return nil
	}
	r := v.result
	c.Verifications[v.name] = &r
	return nil
}

func (v *scriptedVerifier) UpdateStatus(_ context.Context, _ []*pending.Commit) error {
	v.updates++
	return nil
}

func approvedIssue(id int64) *rietveld.Issue {
	return &rietveld.Issue{
		Issue:       id,
		Owner:       "owner@example.com",
		Reviewers:   []string{"rev@example.com"},
		Patchsets:   []int64{1, 2},
		BaseURL:     "http://src.example.com/src",
		Description: "fix the thing",
		Commit:      true,
		Messages: []rietveld.IssueMessage{
			{Sender: "rev@example.com", Approval: true},
		},
	}
}

type managerHarness struct {
	review   *fakeReview
	checkout *fakeCheckout
	pre      *scriptedVerifier
	manager  *Manager
	now      time.Time
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	h := &managerHarness{
		review:   newFakeReview(),
		checkout: &fakeCheckout{prepareRev: "base0000", commitRev: "rev1111"},
		pre:      &scriptedVerifier{name: "check", result: pending.Result{State: pending.Succeeded}},
		now:      time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}
	m, err := NewManager(h.review, h.checkout, nil, []verifier.Verifier{h.pre}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.StatusURL = "http://cq-status.example.com"
	m.now = func() time.Time { return h.now }
	h.manager = m
	return h
}

func TestCycleLandsApprovedChange(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.RunCycle(ctx)

	if h.checkout.commits != 1 {
		t.Fatalf("commits = %d, want 1", h.checkout.commits)
	}
	if len(h.review.closed) != 1 || h.review.closed[0] != 42 {
		t.Errorf("closed issues = %v, want [42]", h.review.closed)
	}
	var landedComment bool
	for _, c := range h.review.comments[42] {
		if c == "Change committed as rev1111" {
			landedComment = true
		}
	}
	if !landedComment {
		t.Errorf("comments = %q, want the landed confirmation", h.review.comments[42])
	}
	if len(h.manager.Queue.Commits) != 0 {
		t.Errorf("queue still has %d commits after landing", len(h.manager.Queue.Commits))
	}
}

func TestTryingPatchCommentPosted(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)

	if len(h.review.comments[42]) == 0 {
		t.Fatal("no comment posted when verification started")
	}
	first := h.review.comments[42][0]
	if !strings.Contains(first, "trying your patch") {
		t.Errorf("first comment = %q, want the trying-your-patch notice", first)
	}
	if !strings.Contains(first, "owner@example.com/42/2") {
		t.Errorf("first comment = %q, want the status link with owner/issue/patchset", first)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)

	if h.pre.calls != 1 {
		t.Errorf("verify called %d times, want exactly once", h.pre.calls)
	}
	c := h.manager.Queue.Commits[0]
	r := c.Verifications["check"]
	h.manager.ProcessNewPendingCommits(ctx)
	if c.Verifications["check"] != r {
		t.Error("re-running replaced a terminal verification entry")
	}
}

func TestUncheckedCommitBitFlushesSilently(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	if len(h.manager.Queue.Commits) != 1 {
		t.Fatalf("queue = %d commits, want 1", len(h.manager.Queue.Commits))
	}

	h.review.issues[42].Commit = false
	h.manager.LookForNewPendingCommits(ctx)

	if len(h.manager.Queue.Commits) != 0 {
		t.Errorf("queue = %d commits, want flushed", len(h.manager.Queue.Commits))
	}
	// A human unchecked the box; no flag write and no comment.
	if len(h.review.flagsCleared) != 0 {
		t.Errorf("flags cleared = %v, want none", h.review.flagsCleared)
	}
	if len(h.review.comments[42]) != 0 {
		t.Errorf("comments = %v, want none", h.review.comments[42])
	}
}

func TestFailedVerifierDiscardsWithReason(t *testing.T) {
	h := newManagerHarness(t)
	h.pre.result = pending.Result{State: pending.Failed, ErrorMessage: "No LGTM from a valid reviewer yet."}
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.RunCycle(ctx)

	if len(h.manager.Queue.Commits) != 0 {
		t.Errorf("queue = %d commits, want discarded", len(h.manager.Queue.Commits))
	}
	if len(h.review.flagsCleared) != 1 {
		t.Errorf("flags cleared = %v, want the commit bit cleared once", h.review.flagsCleared)
	}
	var found bool
	for _, c := range h.review.comments[42] {
		if strings.Contains(c, "No LGTM") {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %q, want the failure reason posted", h.review.comments[42])
	}
	if h.checkout.commits != 0 {
		t.Error("a failed change must never be committed")
	}
}

func TestFailedWithoutMessageGetsFallback(t *testing.T) {
	h := newManagerHarness(t)
	h.pre.result = pending.Result{State: pending.Failed}
	h.review.addIssue(approvedIssue(42))

	h.manager.RunCycle(context.Background())

	var found bool
	for _, c := range h.review.comments[42] {
		if c == msgFailedNoMessage {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %q, want the generic fallback", h.review.comments[42])
	}
}

func TestIgnoredStaysTracked(t *testing.T) {
	h := newManagerHarness(t)
	h.pre.ignore = true
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.RunCycle(ctx)

	if len(h.manager.Queue.Commits) != 1 {
		t.Fatalf("queue = %d commits, want the ignored commit kept", len(h.manager.Queue.Commits))
	}
	if got := h.manager.Queue.Commits[0].State(); got != pending.Ignored {
		t.Errorf("state = %v, want Ignored", got)
	}
	// Another project's commit bit is not ours to clear.
	if len(h.review.flagsCleared) != 0 {
		t.Errorf("flags cleared = %v, want none", h.review.flagsCleared)
	}
	if len(h.review.comments[42]) != 0 {
		t.Errorf("comments = %v, want none", h.review.comments[42])
	}

	// Next cycle must not re-verify it.
	calls := h.pre.calls
	h.manager.RunCycle(ctx)
	if h.pre.calls != calls {
		t.Error("ignored commit was re-verified")
	}
}

func TestDescriptionDriftAborts(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	h.review.issues[42].Description = "fix the thing, now with extra scope"
	h.manager.ScanResults(ctx)

	if h.checkout.commits != 0 {
		t.Error("commit went through despite a changed description")
	}
	var found bool
	for _, c := range h.review.comments[42] {
		if strings.Contains(c, "description was changed") {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %q, want the description-changed notice", h.review.comments[42])
	}
	if len(h.manager.Queue.Commits) != 0 {
		t.Error("commit still queued after a last-minute abort")
	}
}

func TestDriveByReviewerBlocks(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	h.review.issues[42].Reviewers = append(h.review.issues[42].Reviewers, "driveby@example.com")
	h.manager.ScanResults(ctx)

	if h.checkout.commits != 0 {
		t.Error("commit went through despite an unapproving drive-by reviewer")
	}
	var found bool
	for _, c := range h.review.comments[42] {
		if strings.Contains(c, "drive-by") && strings.Contains(c, "driveby@example.com") {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %q, want the drive-by reason", h.review.comments[42])
	}
}

func TestApprovingDriveByAllowed(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	issue := h.review.issues[42]
	issue.Reviewers = append(issue.Reviewers, "helpful@example.com")
	issue.Messages = append(issue.Messages, rietveld.IssueMessage{
		Sender: "helpful@example.com", Approval: true,
	})
	h.manager.ScanResults(ctx)

	if h.checkout.commits != 1 {
		t.Errorf("commits = %d, an approving drive-by must not block", h.checkout.commits)
	}
}

func TestNewPatchsetAborts(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	h.review.issues[42].Patchsets = []int64{1, 2, 3}
	h.manager.ScanResults(ctx)

	if h.checkout.commits != 0 {
		t.Error("commit went through despite a newer patchset")
	}
	var found bool
	for _, c := range h.review.comments[42] {
		if strings.Contains(c, "new patchset") {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %q, want the new-patchset reason", h.review.comments[42])
	}
}

func TestCommitBitUncheckedAtLastMinuteDiscardsQuietly(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	h.review.issues[42].Commit = false
	h.manager.ScanResults(ctx)

	if h.checkout.commits != 0 {
		t.Error("commit went through with the bit unchecked")
	}
	// Bit already clear; the only write is the (idempotent) flag clear,
	// with no comment since there is nothing to explain.
	for _, c := range h.review.comments[42] {
		if c != "" && !strings.Contains(c, "trying your patch") {
			t.Errorf("unexpected comment %q", c)
		}
	}
}

func TestBurstThrottleHoldsFifthCommit(t *testing.T) {
	h := newManagerHarness(t)
	for i := int64(1); i <= 5; i++ {
		h.review.addIssue(approvedIssue(i))
	}
	ctx := context.Background()

	h.manager.LookForNewPendingCommits(ctx)
	h.manager.ProcessNewPendingCommits(ctx)
	h.manager.ScanResults(ctx)

	if h.checkout.commits != 4 {
		t.Fatalf("commits = %d, want the burst capped at 4", h.checkout.commits)
	}
	if len(h.manager.Queue.Commits) != 1 {
		t.Fatalf("queue = %d commits, want the fifth still held", len(h.manager.Queue.Commits))
	}

	// Still inside the window: the fifth stays held.
	h.now = h.now.Add(time.Minute)
	h.manager.ScanResults(ctx)
	if h.checkout.commits != 4 {
		t.Errorf("commits = %d, fifth landed inside the burst window", h.checkout.commits)
	}

	// Once the window ages out it lands.
	h.now = h.now.Add(10 * time.Minute)
	h.manager.ScanResults(ctx)
	if h.checkout.commits != 5 {
		t.Errorf("commits = %d, want the fifth landed after the window", h.checkout.commits)
	}
	if len(h.manager.Queue.Commits) != 0 {
		t.Errorf("queue = %d commits, want empty", len(h.manager.Queue.Commits))
	}
}

func TestPostponedCommitIsDelayedNotDiscarded(t *testing.T) {
	h := newManagerHarness(t)
	h.pre.result = pending.Result{State: pending.Succeeded, Postpone: true}
	h.review.addIssue(approvedIssue(42))
	ctx := context.Background()

	h.manager.RunCycle(ctx)
	if h.checkout.commits != 0 {
		t.Error("postponed commit landed")
	}
	if len(h.manager.Queue.Commits) != 1 {
		t.Fatal("postponed commit was discarded")
	}

	// Once the verifier stops postponing, the next scan lands it.
	h.manager.Queue.Commits[0].Verifications["check"].Postpone = false
	h.manager.ScanResults(ctx)
	if h.checkout.commits != 1 {
		t.Error("commit did not land after the postpone lifted")
	}
}

func TestCommitFailureDiscardsWithOutput(t *testing.T) {
	h := newManagerHarness(t)
	h.checkout.commitErr = fmt.Errorf("git push: remote rejected")
	h.review.addIssue(approvedIssue(42))

	h.manager.RunCycle(context.Background())

	if len(h.manager.Queue.Commits) != 0 {
		t.Error("commit still queued after a failed landing")
	}
	var found bool
	for _, c := range h.review.comments[42] {
		if strings.Contains(c, "remote rejected") {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %q, want the subprocess output included", h.review.comments[42])
	}
}

func TestLandingRefreshesToHead(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))

	h.manager.RunCycle(context.Background())

	// The landing prepare must target head, not a pinned revision.
	last := h.checkout.prepared[len(h.checkout.prepared)-1]
	if last != "" {
		t.Errorf("landing prepared revision %q, want head", last)
	}
}

func TestUpdateStatusRunsForAllVerifiers(t *testing.T) {
	h := newManagerHarness(t)
	h.review.addIssue(approvedIssue(42))

	h.manager.RunCycle(context.Background())
	if h.pre.updates != 1 {
		t.Errorf("UpdateStatus ran %d times in one cycle, want 1", h.pre.updates)
	}
}

func TestDuplicateVerifierNamesRejected(t *testing.T) {
	a := &scriptedVerifier{name: "dup"}
	b := &scriptedVerifier{name: "dup"}
	_, err := NewManager(newFakeReview(), &fakeCheckout{}, nil,
		[]verifier.Verifier{a}, []verifier.Verifier{b})
	if err == nil {
		t.Error("NewManager accepted duplicate verifier names")
	}
}
