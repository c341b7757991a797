package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/commitq-dev/commitq/internal/buildfarm"
	"github.com/commitq-dev/commitq/internal/checkout"
	"github.com/commitq-dev/commitq/internal/config"
	"github.com/commitq-dev/commitq/internal/queue"
	"github.com/commitq-dev/commitq/internal/rietveld"
	"github.com/commitq-dev/commitq/internal/statuspush"
	"github.com/commitq-dev/commitq/internal/storage"
	"github.com/commitq-dev/commitq/internal/treestatus"
	"github.com/commitq-dev/commitq/internal/verifier"
)

// BuildManager assembles the orchestrator and its collaborators from
// configuration. The returned cleanup closes the status pusher and the
// postgres mirror when present.
func BuildManager(ctx context.Context, cfg *config.Config, db *storage.DB) (*queue.Manager, func(), error) {
	review := rietveld.NewHTTPClient(cfg.Rietveld.URL, cfg.Rietveld.Email)

	tryURL := cfg.Masters[cfg.Verifiers.TryMaster]
	farm := buildfarm.NewHTTPClient(cfg.Masters, tryURL)

	co := checkout.NewGit(cfg.Checkout.RepoDir, cfg.Checkout.Remote, cfg.Checkout.Branch)

	var status statuspush.Sink = statuspush.Null{}
	var pusher *statuspush.Pusher
	if cfg.StatusPushURL != "" {
		pusher = statuspush.NewPusher(cfg.StatusPushURL, cfg.StatusPushPassword)
		status = pusher
	}

	prePatch, postPatch, err := buildVerifiers(cfg, farm, co, status)
	if err != nil {
		return nil, nil, err
	}

	manager, err := queue.NewManager(review, co, status, prePatch, postPatch)
	if err != nil {
		return nil, nil, err
	}
	manager.StatusURL = cfg.StatusDashboardURL
	manager.ViewVCURL = cfg.Checkout.ViewVCURL
	if cfg.MaxCommitBurst > 0 {
		manager.MaxCommitBurst = cfg.MaxCommitBurst
	}
	if cfg.CommitBurstDelaySeconds > 0 {
		manager.CommitBurstDelay = cfg.CommitBurstDelay()
	}

	var mirror *storage.PgMirror
	if db != nil {
		recorder := &storage.TeeRecorder{Primary: db}
		if cfg.Storage.PostgresDSN != "" {
			mirror, err = storage.ConnectPgMirror(ctx, cfg.Storage.PostgresDSN)
			if err != nil {
				// The sqlite store keeps working without the mirror.
				log.Printf("Warning: postgres mirror unavailable: %v", err)
			} else {
				recorder.Mirror = mirror
			}
		}
		manager.Recorder = recorder
	}

	cleanup := func() {
		if pusher != nil {
			pusher.Close()
		}
		if mirror != nil {
			mirror.Close()
		}
	}
	return manager, cleanup, nil
}

func buildVerifiers(cfg *config.Config, farm buildfarm.Client, co checkout.Checkout, status statuspush.Sink) (pre, post []verifier.Verifier, err error) {
	if len(cfg.Verifiers.ProjectBases) > 0 {
		pb, err := verifier.NewProjectBase(cfg.Verifiers.ProjectBases)
		if err != nil {
			return nil, nil, fmt.Errorf("project base patterns: %w", err)
		}
		pre = append(pre, pb)
	}
	if len(cfg.Verifiers.CommitterWhitelist) > 0 {
		lgtm, err := verifier.NewLgtm(cfg.Verifiers.CommitterWhitelist, cfg.Verifiers.CommitterBlacklist)
		if err != nil {
			return nil, nil, fmt.Errorf("committer patterns: %w", err)
		}
		pre = append(pre, lgtm)
	}
	if len(cfg.Verifiers.PresubmitCommand) > 0 {
		post = append(post, verifier.NewPresubmit(
			cfg.Verifiers.PresubmitCommand,
			co.Dir(),
			time.Duration(cfg.Verifiers.PresubmitTimeoutSecs)*time.Second,
			status,
		))
	}
	if len(cfg.Verifiers.TryBuilders) > 0 {
		post = append(post, verifier.NewTryJob(
			farm,
			cfg.Verifiers.TryMaster,
			cfg.Verifiers.TryBuilders,
			time.Duration(cfg.Verifiers.TryJobDeadlineMinutes)*time.Minute,
			status,
		))
	}
	if cfg.TreeStatus.URL != "" {
		password, err := config.ReadPasswordFile(cfg.TreeStatus.PasswordFile)
		if err != nil {
			return nil, nil, err
		}
		post = append(post, verifier.NewTreeStatus(treestatus.NewHTTPClient(cfg.TreeStatus.URL, password)))
	}
	if len(pre)+len(post) == 0 {
		return nil, nil, fmt.Errorf("no verifiers configured; set [verifiers] in %s", config.GlobalConfigPath())
	}
	return pre, post, nil
}
