package daemon

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/commitq-dev/commitq/internal/config"
)

// ConfigGetter provides access to the current config
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig wraps a config for use without hot-reloading (e.g., in tests)
type StaticConfig struct {
	cfg *config.Config
}

// NewStaticConfig creates a ConfigGetter that always returns the same config
func NewStaticConfig(cfg *config.Config) *StaticConfig {
	return &StaticConfig{cfg: cfg}
}

// Config returns the static config
func (sc *StaticConfig) Config() *config.Config {
	return sc.cfg
}

// ConfigWatcher watches config.toml for changes and reloads configuration.
//
// Hot-reloadable settings take effect on the next cycle: poll interval,
// burst throttle parameters. Settings requiring restart: server_addr,
// the verifier pipeline, and storage selection; those are read at
// startup and the running values are preserved even if the file
// changes.
//
// Note: ConfigWatcher is not restart-safe. Once Stop() is called, Start() will
// return an error. Create a new ConfigWatcher instance if restart is needed.
type ConfigWatcher struct {
	configPath     string
	cfg            *config.Config
	cfgMu          sync.RWMutex
	watcher        *fsnotify.Watcher
	stopCh         chan struct{}
	stopOnce       sync.Once
	stopped        bool
	lastReloadedAt time.Time
}

// NewConfigWatcher creates a new config watcher
func NewConfigWatcher(configPath string, cfg *config.Config) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
}

// Start begins watching the config file for changes.
// Returns an error if the watcher has already been stopped.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.cfgMu.RLock()
	stopped := cw.stopped
	cw.cfgMu.RUnlock()
	if stopped {
		return fmt.Errorf("config watcher already stopped; create a new instance to restart")
	}

	// Skip watching if no config path provided (e.g., in tests)
	if cw.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cw.watcher = watcher

	// Watch the directory containing the config file, not the file itself.
	// This handles editors that do atomic writes (delete + create).
	configDir := filepath.Dir(cw.configPath)
	configFile := filepath.Base(cw.configPath)

	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		cw.watcher = nil
		return err
	}

	go cw.watchLoop(ctx, configFile)
	return nil
}

// Stop stops the config watcher. Safe to call multiple times.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.cfgMu.Lock()
		cw.stopped = true
		cw.cfgMu.Unlock()
		close(cw.stopCh)
		if cw.watcher != nil {
			cw.watcher.Close()
		}
	})
}

// Config returns the current config with read lock
func (cw *ConfigWatcher) Config() *config.Config {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.cfg
}

// LastReloadedAt returns the time of the last successful config reload
func (cw *ConfigWatcher) LastReloadedAt() time.Time {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.lastReloadedAt
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context, configFile string) {
	// Debounce timer to handle rapid file changes
	var debounceTimer *time.Timer
	debounceDelay := 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Only react to changes to our config file
			if filepath.Base(event.Name) != configFile {
				continue
			}

			// Rename is needed for editors that do atomic saves via rename
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				cw.reloadConfig()
			})

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	newCfg, err := config.LoadGlobalFrom(cw.configPath)
	if err != nil {
		log.Printf("Failed to reload config: %v", err)
		return
	}

	cw.cfgMu.Lock()
	oldCfg := cw.cfg
	// Restart-required settings keep their running values.
	newCfg.ServerAddr = oldCfg.ServerAddr
	newCfg.Storage = oldCfg.Storage
	cw.cfg = newCfg
	cw.lastReloadedAt = time.Now()
	cw.cfgMu.Unlock()

	if newCfg.PollIntervalSeconds != oldCfg.PollIntervalSeconds {
		log.Printf("Config reloaded: poll interval now %ds", newCfg.PollIntervalSeconds)
	} else {
		log.Printf("Config reloaded from %s", cw.configPath)
	}
}
