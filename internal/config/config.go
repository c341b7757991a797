package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration
type Config struct {
	// PollIntervalSeconds is the pause between orchestration cycles.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// ServerAddr is the HTTP status API listen address.
	ServerAddr string `toml:"server_addr"`

	// MaxCommitBurst and CommitBurstDelaySeconds bound the landing
	// pace: at most MaxCommitBurst commits per rolling window.
	MaxCommitBurst          int `toml:"max_commit_burst"`
	CommitBurstDelaySeconds int `toml:"commit_burst_delay_seconds"`

	// Masters maps a build-farm collaborator master name to its web
	// root; both the try-job verifier and the LKGR finder look
	// builders up here.
	Masters map[string]string `toml:"masters"`

	Rietveld   Rietveld   `toml:"rietveld"`
	Checkout   Checkout   `toml:"checkout"`
	Verifiers  Verifiers  `toml:"verifiers"`
	TreeStatus TreeStatus `toml:"tree_status"`
	LKGR       LKGR       `toml:"lkgr"`
	Storage    Storage    `toml:"storage"`

	// StatusPushURL receives structured queue events; empty disables
	// the push.
	StatusPushURL      string `toml:"status_push_url"`
	StatusPushPassword string `toml:"status_push_password" sensitive:"true"`
	// StatusDashboardURL is linked from the trying-your-patch comment.
	StatusDashboardURL string `toml:"status_dashboard_url"`
}

// Rietveld configures the review backend client.
type Rietveld struct {
	URL          string `toml:"url"`
	Email        string `toml:"email"`
	PasswordFile string `toml:"password_file"`
}

// Checkout configures the working tree patches land in.
type Checkout struct {
	RepoDir string `toml:"repo_dir"`
	Remote  string `toml:"remote"`
	Branch  string `toml:"branch"`
	// ViewVCURL turns a landed revision into a browsable link.
	ViewVCURL string `toml:"viewvc_url"`
}

// Verifiers configures the verification pipeline.
type Verifiers struct {
	// ProjectBases are regexps the issue base URL must match; issues
	// matching none are ignored.
	ProjectBases []string `toml:"project_bases"`
	// CommitterWhitelist and CommitterBlacklist are regexps on reviewer
	// addresses for the LGTM check.
	CommitterWhitelist []string `toml:"committer_whitelist"`
	CommitterBlacklist []string `toml:"committer_blacklist"`
	// PresubmitCommand is the argv run inside the applied checkout;
	// empty disables the presubmit verifier.
	PresubmitCommand     []string `toml:"presubmit_command"`
	PresubmitTimeoutSecs int      `toml:"presubmit_timeout_seconds"`
	// TryMaster and TryBuilders select the try-server jobs; empty
	// TryBuilders disables the try-job verifier.
	TryMaster             string   `toml:"try_master"`
	TryBuilders           []string `toml:"try_builders"`
	TryJobDeadlineMinutes int      `toml:"try_job_deadline_minutes"`
}

// TreeStatus configures the shared tree open/closed endpoint.
type TreeStatus struct {
	URL          string `toml:"url"`
	PasswordFile string `toml:"password_file"`
}

// LKGR configures the last-known-good-revision finder.
type LKGR struct {
	// Steps is collaborator -> builder -> required step names.
	Steps map[string]map[string][]string `toml:"steps"`
	// Notify lists host:port addresses told about a new good revision.
	Notify []string `toml:"notify"`
}

// Storage selects where landed/discarded history is recorded.
type Storage struct {
	// SQLitePath defaults to history.db under the data dir.
	SQLitePath string `toml:"sqlite_path"`
	// PostgresDSN, when set, mirrors history rows to a shared server.
	PostgresDSN string `toml:"postgres_dsn"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		PollIntervalSeconds:     30,
		ServerAddr:              "127.0.0.1:7474",
		MaxCommitBurst:          4,
		CommitBurstDelaySeconds: 600,
		Checkout: Checkout{
			Remote: "origin",
			Branch: "main",
		},
		Verifiers: Verifiers{
			PresubmitTimeoutSecs:  6 * 60,
			TryJobDeadlineMinutes: 4 * 60,
		},
	}
}

// PollInterval returns the cycle pause as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CommitBurstDelay returns the throttle window as a duration.
func (c *Config) CommitBurstDelay() time.Duration {
	return time.Duration(c.CommitBurstDelaySeconds) * time.Second
}

// DataDir returns the commitq data directory.
// Uses COMMITQ_DATA_DIR env var if set, otherwise ~/.commitq
func DataDir() string {
	if dir := os.Getenv("COMMITQ_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".commitq")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// QueueStatePath returns the path of the persisted pending queue.
func QueueStatePath() string {
	return filepath.Join(DataDir(), "queue.json")
}

// HistoryDBPath resolves the sqlite history database path.
func (c *Config) HistoryDBPath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(DataDir(), "history.db")
}

// LoadGlobal loads the global configuration from the default path
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the global configuration from a specific path
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReadPasswordFile reads a one-line secret file, trimming whitespace.
// An empty path means no secret is configured.
func ReadPasswordFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read password file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveGlobal saves the global configuration
func SaveGlobal(cfg *Config) error {
	path := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
