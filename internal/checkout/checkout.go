// Package checkout owns the single working tree the queue lands
// patches in. At most one prepare/apply/commit sequence is in flight at
// a time; the manager guarantees that.
package checkout

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/commitq-dev/commitq/internal/rietveld"
)

// Checkout is the source-control backend contract.
type Checkout interface {
	// Prepare syncs the working tree to revision, or to the remote head
	// when revision is empty, and returns the revision actually checked
	// out.
	Prepare(ctx context.Context, revision string) (string, error)
	// ApplyPatch applies a review patchset to the prepared tree. The
	// returned error carries the subprocess output on conflict or
	// format problems.
	ApplyPatch(ctx context.Context, ps *rietveld.PatchSet) error
	// Commit lands the applied patch with the given message and author,
	// returning the new revision.
	Commit(ctx context.Context, message, author string) (string, error)
	// Dir is the working tree root; post-patch verifiers run inside it.
	Dir() string
}

// Git is the git implementation of Checkout.
type Git struct {
	RepoDir string
	Remote  string
	Branch  string

	// runFn is a test seam; nil means run the real git binary. stdin is
	// non-nil only for commands fed on standard input.
	runFn func(ctx context.Context, dir string, stdin []byte, args ...string) (string, error)
}

// NewGit returns a Checkout rooted at repoDir tracking remote/branch.
func NewGit(repoDir, remote, branch string) *Git {
	return &Git{RepoDir: repoDir, Remote: remote, Branch: branch}
}

func (g *Git) Dir() string { return g.RepoDir }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	return g.runStdin(ctx, nil, args...)
}

func (g *Git) runStdin(ctx context.Context, stdin []byte, args ...string) (string, error) {
	if g.runFn != nil {
		return g.runFn(ctx, g.RepoDir, stdin, args...)
	}
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.RepoDir}, args...)...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (g *Git) Prepare(ctx context.Context, revision string) (string, error) {
	if _, err := g.run(ctx, "fetch", g.Remote, "--quiet"); err != nil {
		return "", err
	}
	target := revision
	if target == "" {
		target = g.Remote + "/" + g.Branch
	}
	if _, err := g.run(ctx, "checkout", "--force", "--quiet", target); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "clean", "-dfq"); err != nil {
		return "", err
	}
	head, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head), nil
}

func (g *Git) ApplyPatch(ctx context.Context, ps *rietveld.PatchSet) error {
	_, err := g.runStdin(ctx, ps.Raw, "apply", "--index", "-p1")
	return err
}

func (g *Git) Commit(ctx context.Context, message, author string) (string, error) {
	// git insists on "Name <email>"; the review backend hands us a bare
	// address.
	if !strings.Contains(author, "<") {
		author = fmt.Sprintf("%s <%s>", author, author)
	}
	if _, err := g.run(ctx, "commit", "--all", "--author", author, "--message", message); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "push", g.Remote, "HEAD:"+g.Branch, "--quiet"); err != nil {
		return "", err
	}
	head, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head), nil
}
