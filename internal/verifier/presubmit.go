package verifier

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/commitq-dev/commitq/internal/pending"
	"github.com/commitq-dev/commitq/internal/statuspush"
)

// Presubmit runs the project presubmit command inside the applied
// checkout. The run is synchronous; a slow presubmit stalls the cycle,
// so the timeout is enforced here rather than left to the scheduler.
type Presubmit struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Status  statuspush.Sink

	// runFn is a test seam; nil means run the real command.
	runFn func(ctx context.Context, dir string, args []string, env []string) ([]byte, error)
}

// NewPresubmit builds the verifier. command is the argv to run; dir is
// the checkout root.
func NewPresubmit(command []string, dir string, timeout time.Duration, status statuspush.Sink) *Presubmit {
	if timeout <= 0 {
		timeout = 6 * time.Minute
	}
	if status == nil {
		status = statuspush.Null{}
	}
	return &Presubmit{Command: command, Dir: dir, Timeout: timeout, Status: status}
}

func (v *Presubmit) Name() string { return "presubmit" }

func (v *Presubmit) NeedsCheckout() bool { return true }

func (v *Presubmit) Verify(ctx context.Context, c *pending.Commit) error {
	args := append([]string{}, v.Command...)
	args = append(args,
		"--commit",
		"--author", c.Owner,
		"--issue", fmt.Sprintf("%d", c.Issue),
		"--patchset", fmt.Sprintf("%d", c.Patchset),
		"--name", c.Name(),
		"--description", c.Description,
	)
	args = append(args, c.Files...)

	runCtx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	start := time.Now()
	v.Status.Send(v.Name(), c.Issue, c.Patchset, nil)
	out, err := v.run(runCtx, args)
	duration := time.Since(start)

	if err == nil {
		c.Verifications[v.Name()] = &pending.Result{State: pending.Succeeded}
		v.Status.Send(v.Name(), c.Issue, c.Patchset, map[string]any{
			"duration": duration.Seconds(),
			"output":   string(out),
		})
		return nil
	}

	msg := fmt.Sprintf("Presubmit check for %s failed.\n", c.Name())
	timedOut := runCtx.Err() == context.DeadlineExceeded
	if timedOut {
		msg += fmt.Sprintf(
			"The presubmit check hung. It ran for %.1f seconds and the time limit is %.1f seconds.\n",
			duration.Seconds(), v.Timeout.Seconds())
	}
	msg += "\n" + string(out)
	c.Verifications[v.Name()] = &pending.Result{State: pending.Failed, ErrorMessage: msg}
	v.Status.Send(v.Name(), c.Issue, c.Patchset, map[string]any{
		"duration":  duration.Seconds(),
		"output":    string(out),
		"timed_out": timedOut,
	})
	return nil
}

func (v *Presubmit) run(ctx context.Context, args []string) ([]byte, error) {
	if v.runFn != nil {
		return v.runFn(ctx, v.Dir, args, nil)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = v.Dir
	return cmd.CombinedOutput()
}

func (v *Presubmit) UpdateStatus(context.Context, []*pending.Commit) error { return nil }
