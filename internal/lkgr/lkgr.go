// Package lkgr finds the last known good revision: the newest revision
// covered by two consecutive successful builds on every watched
// builder, with no failure in between.
//
// The walk goes newest to oldest. Once a revision is green on every
// builder it becomes the candidate; builders green on the candidate
// itself get double credit, so only the remaining builders need a
// second, older green build to confirm it. Any red build seen before
// confirmation completes throws the candidate away.
package lkgr

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/commitq-dev/commitq/internal/buildfarm"
)

// BuilderKey identifies one watched builder on one collaborator master.
type BuilderKey struct {
	Collaborator string
	Builder      string
}

func (k BuilderKey) String() string {
	return k.Collaborator + "/" + k.Builder
}

// Steps names the required step set per watched builder. A build passes
// for its revision only if every required step finished with a success
// or warning result.
type Steps map[string]map[string][]string

// NumBuilders is the flattened (collaborator, builder) pair count; a
// candidate needs confirmation from all of them.
func (s Steps) NumBuilders() int {
	n := 0
	for _, builders := range s {
		n += len(builders)
	}
	return n
}

// RevisionStatus is one row of the collated matrix: the per-builder
// verdict for a single revision.
type RevisionStatus struct {
	Revision  string
	ByBuilder map[BuilderKey]bool
}

// BuildHistory is the collated matrix, ordered newest revision first.
type BuildHistory []RevisionStatus

// Comparator orders two revisions; it returns a positive value when a
// is newer than b. Injected so git-hash schemes can plug in their own
// ordering.
type Comparator func(a, b string) int

// IntComparator orders numeric revisions. Non-numeric revisions sort
// as zero.
func IntComparator(a, b string) int {
	ai, _ := strconv.Atoi(a)
	bi, _ := strconv.Atoi(b)
	switch {
	case ai > bi:
		return 1
	case ai < bi:
		return -1
	}
	return 0
}

// Collate folds raw per-builder build histories into a revision-ordered
// matrix. builds is keyed by collaborator then builder, the shape the
// concurrent fetch produces.
func Collate(builds map[string]map[string]map[string]*buildfarm.Build, steps Steps, cmp Comparator) BuildHistory {
	if cmp == nil {
		cmp = IntComparator
	}
	byRevision := make(map[string]map[BuilderKey]bool)
	for collaborator, builders := range builds {
		for builder, history := range builders {
			required := steps[collaborator][builder]
			for _, build := range history {
				revision := build.SourceStamp.Revision
				if revision == "" {
					continue
				}
				good, reasons := evaluate(build, required)
				row, ok := byRevision[revision]
				if !ok {
					row = make(map[BuilderKey]bool)
					byRevision[revision] = row
				}
				key := BuilderKey{Collaborator: collaborator, Builder: builder}
				row[key] = good
				if !good {
					log.Printf("lkgr: build %d (rev %s) is bad or incomplete on %s: %s",
						build.Number, revision, key, strings.Join(reasons, "; "))
				}
			}
		}
	}
	history := make(BuildHistory, 0, len(byRevision))
	for revision, row := range byRevision {
		history = append(history, RevisionStatus{Revision: revision, ByBuilder: row})
	}
	sort.Slice(history, func(i, j int) bool {
		return cmp(history[i].Revision, history[j].Revision) > 0
	})
	return history
}

// evaluate decides whether one build is good for LKGR purposes, with
// the failing reasons kept for the log.
func evaluate(build *buildfarm.Build, required []string) (bool, []string) {
	byName := make(map[string]*buildfarm.Step, len(build.Steps))
	for i := range build.Steps {
		byName[build.Steps[i].Name] = &build.Steps[i]
	}
	var reasons []string
	for _, name := range required {
		step, ok := byName[name]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("step %s has not completed", name))
			continue
		}
		if !step.IsFinished {
			reasons = append(reasons, fmt.Sprintf("step %s has not finished", name))
			continue
		}
		if code, ok := step.Result(); ok && code != 0 && code != 1 {
			reasons = append(reasons, fmt.Sprintf("step %s failed", name))
		}
	}
	return len(reasons) == 0, reasons
}

// FindCandidate runs the candidate scan over a collated history.
// Returns "" when no revision reaches full two-green coverage.
func FindCandidate(history BuildHistory, numBuilders int) string {
	candidate := ""
	green1 := make(map[BuilderKey]string)
	green2 := make(map[BuilderKey]string)

	for _, entry := range history {
		if len(green2) == numBuilders {
			break
		}
		if candidate == "" {
			seedCandidate(entry, green1, green2, numBuilders, &candidate)
			continue
		}
		// Confirmation phase: one red build anywhere restarts the
		// whole scan from scratch.
		for key, good := range entry.ByBuilder {
			if !good {
				candidate = ""
				clear(green1)
				clear(green2)
				break
			}
			green2[key] = entry.Revision
		}
	}

	if candidate != "" && len(green2) == numBuilders {
		return candidate
	}
	return ""
}

// seedCandidate handles the search phase for one revision: accumulate
// green builds into green1, and on full coverage promote the revision
// to candidate. Builders green on the candidate revision itself count
// as their own confirmation, so they are credited to green2 at the
// same time.
func seedCandidate(entry RevisionStatus, green1, green2 map[BuilderKey]string, numBuilders int, candidate *string) {
	for key, good := range entry.ByBuilder {
		if !good {
			*candidate = ""
			clear(green1)
			return
		}
		green1[key] = entry.Revision
	}
	if len(green1) == numBuilders {
		*candidate = entry.Revision
		for key := range entry.ByBuilder {
			green2[key] = entry.Revision
		}
	}
}
