package verifier

import (
	"context"
	"log"

	"github.com/commitq-dev/commitq/internal/pending"
	"github.com/commitq-dev/commitq/internal/treestatus"
)

// TreeStatus gates committing on the shared tree being open. A closed
// tree postpones the commit rather than failing it; the change stays
// verified and lands once the tree reopens.
type TreeStatus struct {
	Tree treestatus.Client
}

func NewTreeStatus(tree treestatus.Client) *TreeStatus {
	return &TreeStatus{Tree: tree}
}

func (v *TreeStatus) Name() string { return "tree_status" }

func (v *TreeStatus) Verify(ctx context.Context, c *pending.Commit) error {
	result := &pending.Result{State: pending.Succeeded}
	result.Postpone = !v.isOpen(ctx)
	c.Verifications[v.Name()] = result
	return nil
}

// UpdateStatus refreshes the postpone flag for the whole queue with one
// status fetch.
func (v *TreeStatus) UpdateStatus(ctx context.Context, queue []*pending.Commit) error {
	any := false
	for _, c := range queue {
		if _, ok := c.Verifications[v.Name()]; ok {
			any = true
			break
		}
	}
	if !any {
		return nil
	}
	postpone := !v.isOpen(ctx)
	for _, c := range queue {
		if r, ok := c.Verifications[v.Name()]; ok {
			r.Postpone = postpone
		}
	}
	return nil
}

func (v *TreeStatus) isOpen(ctx context.Context) bool {
	open, err := v.Tree.IsOpen(ctx)
	if err != nil {
		// Unknown status holds the queue rather than landing into a
		// possibly closed tree.
		log.Printf("treestatus: fetch status: %v", err)
		return false
	}
	return open
}
