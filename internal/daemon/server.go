// Package daemon runs the commit queue as a long-lived process: a
// ticker drives orchestration cycles, and a small HTTP API exposes the
// queue and its history for dashboards and the CLI.
package daemon

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/commitq-dev/commitq/internal/config"
	"github.com/commitq-dev/commitq/internal/queue"
	"github.com/commitq-dev/commitq/internal/storage"
	"github.com/commitq-dev/commitq/internal/version"
)

// Server owns the cycle loop and the status API.
type Server struct {
	manager       *queue.Manager
	db            *storage.DB
	configWatcher *ConfigWatcher
	statePath     string

	httpServer *http.Server
	startTime  time.Time

	cycleMu   sync.Mutex
	lastCycle time.Time
	cycles    uint64
	queueSnap []queueEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewServer wires the daemon. statePath is where the pending queue is
// persisted between cycles.
func NewServer(manager *queue.Manager, db *storage.DB, cfg *config.Config, configPath, statePath string) *Server {
	s := &Server{
		manager:       manager,
		db:            db,
		configWatcher: NewConfigWatcher(configPath, cfg),
		statePath:     statePath,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: mux,
	}

	s.snapshotQueue()
	return s
}

// Start restores persisted state, begins the cycle loop and serves the
// status API until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.Load(s.statePath); err != nil {
		log.Printf("Warning: failed to load queue state: %v", err)
	}
	s.snapshotQueue()

	if err := s.configWatcher.Start(ctx); err != nil {
		log.Printf("Warning: failed to start config watcher: %v", err)
		// Continue without hot-reloading - not a fatal error
	}

	go s.cycleLoop(ctx)

	log.Printf("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		s.configWatcher.Stop()
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.configWatcher.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Wait for an in-flight cycle to finish so the saved state is
	// consistent.
	select {
	case <-s.done:
	case <-ctx.Done():
		log.Printf("Timed out waiting for cycle loop to stop")
	}
	return nil
}

func (s *Server) cycleLoop(ctx context.Context) {
	defer close(s.done)
	interval := s.configWatcher.Config().PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
			// Pick up a hot-reloaded poll interval.
			if next := s.configWatcher.Config().PollInterval(); next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Server) runCycle(ctx context.Context) {
	s.manager.RunCycle(ctx)
	if err := s.manager.Save(s.statePath); err != nil {
		log.Printf("Failed to save queue state: %v", err)
	}
	s.snapshotQueue()
	s.cycleMu.Lock()
	s.lastCycle = time.Now()
	s.cycles++
	s.cycleMu.Unlock()
}

// snapshotQueue republishes the queue for the HTTP handlers. The cycle
// goroutine is the only one that touches the live queue; handlers read
// the last published copy, so a request landing mid-cycle never races
// with verifier updates.
func (s *Server) snapshotQueue() {
	snap := []queueEntry{}
	for _, c := range s.manager.Queue.Commits {
		entry := queueEntry{
			Issue:         c.Issue,
			Patchset:      c.Patchset,
			Owner:         c.Owner,
			State:         c.State().String(),
			Verifications: make(map[string]string, len(c.Verifications)),
		}
		for name, result := range c.Verifications {
			entry.Verifications[name] = result.State.String()
		}
		snap = append(snap, entry)
	}
	s.cycleMu.Lock()
	s.queueSnap = snap
	s.cycleMu.Unlock()
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

type queueEntry struct {
	Issue         int64             `json:"issue"`
	Patchset      int64             `json:"patchset"`
	Owner         string            `json:"owner"`
	State         string            `json:"state"`
	Verifications map[string]string `json:"verifications"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.cycleMu.Lock()
	out := s.queueSnap
	s.cycleMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"pending_commits": out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "history storage not configured")
		return
	}
	landed, err := s.db.RecentLanded(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	discards, err := s.db.RecentDiscards(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"landed":   landed,
		"discards": discards,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.cycleMu.Lock()
	lastCycle := s.lastCycle
	cycles := s.cycles
	counts := map[string]int{}
	for _, e := range s.queueSnap {
		counts[e.State]++
	}
	s.cycleMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"uptime":     time.Since(s.startTime).String(),
		"cycles":     cycles,
		"last_cycle": lastCycle,
		"queue":      counts,
	})
}
