package verifier

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/commitq-dev/commitq/internal/buildfarm"
	"github.com/commitq-dev/commitq/internal/pending"
	"github.com/commitq-dev/commitq/internal/statuspush"
)

// TryJob runs the patch through a set of try builders and waits for all
// of them to pass. Verify only triggers the jobs; UpdateStatus does the
// polling, batched so one build-history fetch per builder covers every
// commit in the queue.
type TryJob struct {
	Farm buildfarm.Client
	// TryMaster is the collaborator name the try builders live on.
	TryMaster string
	Builders  []string
	// Deadline bounds how long one job may stay unfinished before it is
	// declared wedged and failed.
	Deadline time.Duration
	Status   statuspush.Sink

	// now is a test seam for wedged-job detection.
	now func() time.Time
}

// NewTryJob builds the verifier for the given builder set.
func NewTryJob(farm buildfarm.Client, tryMaster string, builders []string, deadline time.Duration, status statuspush.Sink) *TryJob {
	if deadline <= 0 {
		deadline = 4 * time.Hour
	}
	if status == nil {
		status = statuspush.Null{}
	}
	return &TryJob{
		Farm:      farm,
		TryMaster: tryMaster,
		Builders:  builders,
		Deadline:  deadline,
		Status:    status,
		now:       time.Now,
	}
}

func (v *TryJob) Name() string { return "try_job" }

func (v *TryJob) NeedsCheckout() bool { return true }

// Verify triggers one job per configured builder. The Processing result
// carries per-builder bookkeeping so a restarted process resumes
// polling instead of re-triggering.
func (v *TryJob) Verify(ctx context.Context, c *pending.Commit) error {
	jobs := make(map[string]*pending.JobResult, len(v.Builders))
	for _, builder := range v.Builders {
		job := buildfarm.TryJob{
			Builder:  builder,
			Revision: c.Revision,
			Name:     c.Name(),
			Issue:    c.Issue,
			Patchset: c.Patchset,
		}
		if err := v.Farm.Trigger(ctx, job); err != nil {
			return fmt.Errorf("trigger try job on %s for %s: %w", builder, c.Name(), err)
		}
		jobs[builder] = &pending.JobResult{Builder: builder, Started: v.now()}
	}
	c.Verifications[v.Name()] = &pending.Result{State: pending.Processing, Jobs: jobs}
	v.Status.Send(v.Name(), c.Issue, c.Patchset, map[string]any{"builders": v.Builders})
	return nil
}

// UpdateStatus polls every unfinished job across the whole queue with a
// single build-history fetch per builder.
func (v *TryJob) UpdateStatus(ctx context.Context, queue []*pending.Commit) error {
	waiting := v.waitingCommits(queue)
	if len(waiting) == 0 {
		return nil
	}
	histories := make(map[string]map[string]*buildfarm.Build, len(v.Builders))
	for _, builder := range v.Builders {
		builds, err := v.Farm.FetchBuilds(ctx, v.TryMaster, builder)
		if err != nil {
			// Transient fetch errors leave the jobs Processing; the
			// next cycle retries.
			log.Printf("tryjob: fetch builds for %s: %v", builder, err)
			continue
		}
		histories[builder] = builds
	}
	for _, c := range waiting {
		v.refresh(ctx, c, histories)
	}
	return nil
}

func (v *TryJob) waitingCommits(queue []*pending.Commit) []*pending.Commit {
	var out []*pending.Commit
	for _, c := range queue {
		if r, ok := c.Verifications[v.Name()]; ok && !r.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

func (v *TryJob) refresh(ctx context.Context, c *pending.Commit, histories map[string]map[string]*buildfarm.Build) {
	result := c.Verifications[v.Name()]
	for _, job := range result.Jobs {
		if job.Finished {
			continue
		}
		build := findBuild(histories[job.Builder], c.Name(), job.MinBuild)
		if build == nil {
			if v.now().Sub(job.Started) > v.Deadline {
				job.Finished = true
				job.FailedStep = "never started"
			}
			continue
		}
		if build.LostSlave() {
			// The slave died under the build; the run carries no
			// signal, so schedule a fresh one.
			log.Printf("tryjob: %s lost its slave on %s, re-triggering", c.Name(), job.Builder)
			retry := buildfarm.TryJob{
				Builder:  job.Builder,
				Revision: c.Revision,
				Name:     c.Name(),
				Issue:    c.Issue,
				Patchset: c.Patchset,
			}
			if err := v.Farm.Trigger(ctx, retry); err != nil {
				log.Printf("tryjob: re-trigger %s for %s: %v", job.Builder, c.Name(), err)
			} else {
				job.Started = v.now()
				job.MinBuild = build.Number + 1
			}
			continue
		}
		job.BuildNumber = build.Number
		if step, failed := failedStep(build); failed {
			// A failed step decides the build even while later steps
			// are still running.
			job.Finished = true
			job.FailedStep = step
		} else if buildFinished(build) {
			job.Finished = true
			job.Passed = true
		} else if v.now().Sub(job.Started) > v.Deadline {
			job.Finished = true
			job.FailedStep = "wedged"
		}
	}
	v.settle(c, result)
}

// settle folds the per-builder bookkeeping into a terminal state once
// every job has finished.
func (v *TryJob) settle(c *pending.Commit, result *pending.Result) {
	allDone := true
	var failures []string
	for _, job := range result.Jobs {
		if !job.Finished {
			allDone = false
			continue
		}
		if !job.Passed {
			failures = append(failures,
				fmt.Sprintf("Try job %s failed (%s).", job.Builder, job.FailedStep))
		}
	}
	if len(failures) > 0 {
		result.State = pending.Failed
		result.ErrorMessage = strings.Join(failures, "\n")
		v.Status.Send(v.Name(), c.Issue, c.Patchset, map[string]any{"failures": failures})
		return
	}
	if allDone {
		result.State = pending.Succeeded
		v.Status.Send(v.Name(), c.Issue, c.Patchset, map[string]any{"passed": true})
	}
}

// findBuild locates the newest build requested for name, ignoring
// builds numbered below minBuild. Each required builder is matched at
// most once per commit.
func findBuild(builds map[string]*buildfarm.Build, name string, minBuild int64) *buildfarm.Build {
	var best *buildfarm.Build
	for _, b := range builds {
		if b.Reason != name || b.Number < minBuild {
			continue
		}
		if best == nil || b.Number > best.Number {
			best = b
		}
	}
	return best
}

func buildFinished(b *buildfarm.Build) bool {
	if len(b.Steps) == 0 {
		return false
	}
	for i := range b.Steps {
		if !b.Steps[i].IsFinished {
			return false
		}
	}
	return true
}

// failedStep returns the first finished step whose result is neither
// success nor warning.
func failedStep(b *buildfarm.Build) (string, bool) {
	for i := range b.Steps {
		step := &b.Steps[i]
		if !step.IsFinished {
			continue
		}
		if code, ok := step.Result(); ok && code != 0 && code != 1 {
			return step.Name, true
		}
	}
	return "", false
}
