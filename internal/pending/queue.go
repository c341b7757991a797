package pending

import (
	"encoding/json"
	"fmt"
	"os"
)

// Queue is the ordered list of commits the manager is tracking. It is
// mutated only by the manager's four cycle phases; nothing else touches
// it concurrently.
type Queue struct {
	Commits []*Commit `json:"pending_commits"`
}

// Find returns the tracked commit for issue, or nil.
func (q *Queue) Find(issue int64) *Commit {
	for _, c := range q.Commits {
		if c.Issue == issue {
			return c
		}
	}
	return nil
}

// Remove drops c from the queue. Removing a commit that is not tracked
// is a no-op.
func (q *Queue) Remove(c *Commit) {
	for i, other := range q.Commits {
		if other == c {
			q.Commits = append(q.Commits[:i], q.Commits[i+1:]...)
			return
		}
	}
}

// Load restores a queue from the JSON state file. A missing file is not
// an error: the daemon starts with an empty queue on first run.
func Load(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Queue{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue state: %w", err)
	}
	q := &Queue{}
	if err := json.Unmarshal(data, q); err != nil {
		return nil, fmt.Errorf("parse queue state %s: %w", path, err)
	}
	for _, c := range q.Commits {
		if c.Verifications == nil {
			c.Verifications = make(map[string]*Result)
		}
	}
	return q, nil
}

// Save writes the queue state as JSON. The previous file is renamed
// aside before the new one is written, so a crash mid-write never
// corrupts the last good state.
func (q *Queue) Save(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".old"); err != nil {
			return fmt.Errorf("rename old queue state: %w", err)
		}
	}
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	return nil
}
