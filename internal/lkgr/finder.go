package lkgr

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/commitq-dev/commitq/internal/buildfarm"
	"github.com/commitq-dev/commitq/internal/treestatus"
)

// Finder runs one full LKGR pass: fetch every watched builder's build
// history, collate, scan for a candidate, and optionally publish it.
type Finder struct {
	Farm   buildfarm.Client
	Status treestatus.Client
	Steps  Steps
	// Compare orders revisions; nil means numeric ordering.
	Compare Comparator

	// DryRun logs what would be posted without posting. Post enables
	// publishing to the status app at all.
	DryRun bool
	Post   bool
	// Notify is a list of host:port addresses told about a new good
	// revision.
	Notify []string
}

// Run fetches, collates and scans. It returns the candidate revision,
// "" when none was found. The currently published revision must be
// readable; without it there is nothing to compare a candidate against.
func (f *Finder) Run(ctx context.Context) (string, error) {
	current, err := f.Status.LastKnownGood(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch current good revision: %w", err)
	}

	builds, err := f.fetchAll(ctx)
	if err != nil {
		return "", err
	}
	history := Collate(builds, f.Steps, f.Compare)
	candidate := FindCandidate(history, f.Steps.NumBuilders())

	cmp := f.Compare
	if cmp == nil {
		cmp = IntComparator
	}
	log.Printf("lkgr: current good revision is %q", current)
	if candidate == "" || (current != "" && cmp(candidate, current) <= 0) {
		log.Printf("lkgr: no revision newer than %q found", current)
		return "", nil
	}
	log.Printf("lkgr: revision %s is the new good revision", candidate)
	if err := f.Publish(ctx, candidate); err != nil {
		return candidate, err
	}
	return candidate, nil
}

// fetchAll pulls every watched builder's history concurrently. Each
// goroutine writes to its own slot; the merge below is single threaded.
// A failing builder is logged and left absent, which can only withhold
// a candidate, never produce a wrong one.
func (f *Finder) fetchAll(ctx context.Context) (map[string]map[string]map[string]*buildfarm.Build, error) {
	type fetched struct {
		collaborator string
		builder      string
		builds       map[string]*buildfarm.Build
	}
	var mu sync.Mutex
	out := make(map[string]map[string]map[string]*buildfarm.Build, len(f.Steps))
	for collaborator := range f.Steps {
		out[collaborator] = make(map[string]map[string]*buildfarm.Build)
	}

	g, gctx := errgroup.WithContext(ctx)
	for collaborator, builders := range f.Steps {
		for builder := range builders {
			r := fetched{collaborator: collaborator, builder: builder}
			g.Go(func() error {
				builds, err := f.Farm.FetchBuilds(gctx, r.collaborator, r.builder)
				if err != nil {
					log.Printf("lkgr: fetch %s/%s: %v", r.collaborator, r.builder, err)
					return nil
				}
				mu.Lock()
				out[r.collaborator][r.builder] = builds
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Publish posts the revision to the status app and notifies the
// configured masters.
func (f *Finder) Publish(ctx context.Context, revision string) error {
	if f.Post {
		if f.DryRun {
			log.Printf("lkgr: dry run, would post revision %s", revision)
		} else {
			values := url.Values{
				"revision": {revision},
				"success":  {"1"},
			}
			if err := f.Status.Post(ctx, values); err != nil {
				return fmt.Errorf("post revision %s: %w", revision, err)
			}
			log.Printf("lkgr: posted revision %s", revision)
		}
	}
	for _, addr := range f.Notify {
		f.notify(addr, revision)
	}
	return nil
}

// ForcePublish publishes the revision regardless of the Post setting;
// a manual override is an explicit instruction to upload. DryRun still
// suppresses the write.
func (f *Finder) ForcePublish(ctx context.Context, revision string) error {
	post := f.Post
	f.Post = true
	defer func() { f.Post = post }()
	return f.Publish(ctx, revision)
}

// notify tells one master about the new revision over a short-lived TCP
// connection. Failures only lose the notification, never the run.
func (f *Finder) notify(addr, revision string) {
	if f.DryRun {
		log.Printf("lkgr: dry run, would notify %s of revision %s", addr, revision)
		return
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.Printf("lkgr: notify %s: %v", addr, err)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "lkgr %s\n", revision); err != nil {
		log.Printf("lkgr: notify %s: %v", addr, err)
	}
}
