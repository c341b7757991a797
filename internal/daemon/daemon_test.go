package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/commitq-dev/commitq/internal/config"
	"github.com/commitq-dev/commitq/internal/pending"
	"github.com/commitq-dev/commitq/internal/queue"
	"github.com/commitq-dev/commitq/internal/storage"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manager := &queue.Manager{Queue: &pending.Queue{}}
	return NewServer(manager, db, config.DefaultConfig(), "", filepath.Join(t.TempDir(), "queue.json"))
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleQueue(t *testing.T) {
	s := testServer(t)
	c := pending.NewCommit(42, 7, "owner@example.com", "http://src.example.com/src",
		"fix the thing", []string{"rev@example.com"}, nil)
	c.Verifications["reviewer_lgtm"] = &pending.Result{State: pending.Succeeded}
	c.Verifications["try_job"] = &pending.Result{State: pending.Processing}
	s.manager.Queue.Commits = append(s.manager.Queue.Commits, c)
	s.snapshotQueue()

	rec := httptest.NewRecorder()
	s.handleQueue(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		PendingCommits []queueEntry `json:"pending_commits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.PendingCommits) != 1 {
		t.Fatalf("entries = %d, want 1", len(body.PendingCommits))
	}
	entry := body.PendingCommits[0]
	if entry.Issue != 42 || entry.Patchset != 7 || entry.State != "processing" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Verifications["reviewer_lgtm"] != "succeeded" || entry.Verifications["try_job"] != "processing" {
		t.Errorf("verifications = %v", entry.Verifications)
	}
}

func decodeQueue(t *testing.T, s *Server) []queueEntry {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handleQueue(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	var body struct {
		PendingCommits []queueEntry `json:"pending_commits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.PendingCommits
}

func TestHandleQueueServesLastSnapshot(t *testing.T) {
	s := testServer(t)
	c := pending.NewCommit(42, 7, "owner@example.com", "", "d", nil, nil)
	s.manager.Queue.Commits = append(s.manager.Queue.Commits, c)

	// The queue changed after the last snapshot; handlers keep serving
	// the published copy until the cycle republishes.
	if got := decodeQueue(t, s); len(got) != 0 {
		t.Fatalf("entries = %d, want 0 before republish", len(got))
	}
	s.snapshotQueue()
	if got := decodeQueue(t, s); len(got) != 1 || got[0].Issue != 42 {
		t.Errorf("entries = %+v, want issue 42 after republish", got)
	}
}

func TestHandleQueueDuringQueueMutation(t *testing.T) {
	s := testServer(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			rec := httptest.NewRecorder()
			s.handleQueue(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
			rec = httptest.NewRecorder()
			s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		}
	}()
	// Mutate the live queue the way a running cycle does, republishing
	// after each change.
	for i := 0; i < 200; i++ {
		c := pending.NewCommit(int64(i), 1, "o@example.com", "", "d", nil, nil)
		c.Verifications["check"] = &pending.Result{State: pending.Processing}
		s.manager.Queue.Commits = append(s.manager.Queue.Commits, c)
		c.Verifications["check"].State = pending.Succeeded
		s.snapshotQueue()
	}
	<-done
}

func TestHandleQueueRejectsPost(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.handleQueue(rec, httptest.NewRequest(http.MethodPost, "/api/queue", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	if err := s.db.RecordLanded(ctx, 42, 7, "owner@example.com", "abc123"); err != nil {
		t.Fatal(err)
	}
	if err := s.db.RecordDiscard(ctx, 43, 1, "other@example.com", "Try job failed"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Landed   []storage.Landed  `json:"landed"`
		Discards []storage.Discard `json:"discards"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Landed) != 1 || body.Landed[0].Revision != "abc123" {
		t.Errorf("landed = %+v", body.Landed)
	}
	if len(body.Discards) != 1 || body.Discards[0].Reason != "Try job failed" {
		t.Errorf("discards = %+v", body.Discards)
	}
}

func TestHandleStatusCountsQueue(t *testing.T) {
	s := testServer(t)
	a := pending.NewCommit(1, 1, "a@example.com", "", "d", nil, nil)
	b := pending.NewCommit(2, 1, "b@example.com", "", "d", nil, nil)
	b.Verifications["check"] = &pending.Result{State: pending.Succeeded}
	s.manager.Queue.Commits = append(s.manager.Queue.Commits, a, b)
	s.snapshotQueue()

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var body struct {
		Queue map[string]int `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Queue["processing"] != 1 || body.Queue["succeeded"] != 1 {
		t.Errorf("queue counts = %v", body.Queue)
	}
}

func TestStaticConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	var getter ConfigGetter = NewStaticConfig(cfg)
	if getter.Config() != cfg {
		t.Error("StaticConfig did not return the wrapped config")
	}
}

func TestConfigWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("poll_interval_seconds = 30\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadGlobalFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ServerAddr = "127.0.0.1:9999"
	cw := NewConfigWatcher(path, cfg)
	if err := cw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cw.Stop()

	if err := os.WriteFile(path, []byte("poll_interval_seconds = 5\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cw.Config().PollIntervalSeconds == 5 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	got := cw.Config()
	if got.PollIntervalSeconds != 5 {
		t.Fatalf("PollIntervalSeconds = %d, want reloaded 5", got.PollIntervalSeconds)
	}
	// Restart-required settings keep their running values.
	if got.ServerAddr != "127.0.0.1:9999" {
		t.Errorf("ServerAddr = %s, want preserved", got.ServerAddr)
	}
}

func TestConfigWatcherNoPathIsNoop(t *testing.T) {
	cw := NewConfigWatcher("", config.DefaultConfig())
	if err := cw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cw.Stop()
}

func TestConfigWatcherNotRestartable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	cw := NewConfigWatcher(path, config.DefaultConfig())
	if err := cw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cw.Stop()
	if err := cw.Start(context.Background()); err == nil {
		t.Error("Start succeeded after Stop")
	}
}
