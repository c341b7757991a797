package verifier

import (
	"context"
	"testing"

	"github.com/commitq-dev/commitq/internal/pending"
)

func TestProjectBaseMatch(t *testing.T) {
	v, err := NewProjectBase([]string{`^svn://svn\.example\.com/chrome/trunk/src$`})
	if err != nil {
		t.Fatalf("NewProjectBase: %v", err)
	}
	c := pending.NewCommit(1, 1, "o@e.com", "svn://svn.example.com/chrome/trunk/src", "d", nil, nil)
	if err := v.Verify(context.Background(), c); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := c.Verifications[v.Name()].State; got != pending.Succeeded {
		t.Errorf("state = %v, want Succeeded", got)
	}
}

func TestProjectBaseMismatchIgnores(t *testing.T) {
	v, err := NewProjectBase([]string{`^svn://svn\.example\.com/chrome/trunk/src$`})
	if err != nil {
		t.Fatalf("NewProjectBase: %v", err)
	}
	c := pending.NewCommit(1, 1, "o@e.com", "http://other-project.example.com/", "d", nil, nil)
	c.Verifications["reviewer_lgtm"] = &pending.Result{State: pending.Succeeded}
	v.Verify(context.Background(), c)

	// Wrong project wipes sibling entries and parks the commit.
	if got := c.State(); got != pending.Ignored {
		t.Errorf("aggregate state = %v, want Ignored", got)
	}
	if len(c.Verifications) != 1 {
		t.Errorf("got %d verification entries, want only the ignore marker", len(c.Verifications))
	}
}

func TestProjectBaseBadPattern(t *testing.T) {
	if _, err := NewProjectBase([]string{`[`}); err == nil {
		t.Error("NewProjectBase accepted an invalid regexp")
	}
}
