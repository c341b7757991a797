package verifier

import (
	"context"
	"regexp"

	"github.com/commitq-dev/commitq/internal/pending"
)

// ProjectBase rejects patches targeting the wrong repository root. On a
// shared review instance many projects live side by side; an issue
// whose base URL matches none of the configured patterns is marked
// Ignored so the queue silently stops looking at it.
type ProjectBase struct {
	bases []*regexp.Regexp
}

// NewProjectBase compiles the base URL patterns. Invalid patterns are a
// configuration error.
func NewProjectBase(patterns []string) (*ProjectBase, error) {
	v := &ProjectBase{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		v.bases = append(v.bases, re)
	}
	return v, nil
}

func (v *ProjectBase) Name() string { return "project_base" }

func (v *ProjectBase) Verify(_ context.Context, c *pending.Commit) error {
	for _, re := range v.bases {
		if re.MatchString(c.BaseURL) {
			c.Verifications[v.Name()] = &pending.Result{State: pending.Succeeded}
			return nil
		}
	}
	c.SetIgnored(v.Name())
	return nil
}

func (v *ProjectBase) UpdateStatus(context.Context, []*pending.Commit) error { return nil }
