// Package statuspush emits structured events at every meaningful queue
// transition for external observability. Sends never block and never
// fail the orchestration loop: when the sender falls behind, events are
// dropped.
package statuspush

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one structured transition record.
type Event struct {
	ID           string         `json:"id"`
	Issue        int64          `json:"issue,omitempty"`
	Patchset     int64          `json:"patchset,omitempty"`
	Verification string         `json:"verification"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Sink receives events. Implementations must not block in Send.
type Sink interface {
	Send(verification string, issue, patchset int64, payload map[string]any)
	Close()
}

// Null discards every event.
type Null struct{}

func (Null) Send(string, int64, int64, map[string]any) {}
func (Null) Close()                                    {}

// Pusher posts events as JSON to a status endpoint from a background
// goroutine.
type Pusher struct {
	url        string
	password   string
	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
	httpClient *http.Client
}

// NewPusher starts a background sender for the given endpoint.
func NewPusher(url, password string) *Pusher {
	p := &Pusher{
		url:        url,
		password:   password,
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	go p.run()
	return p
}

// Send queues an event. Full buffer drops the event rather than stall
// the queue.
func (p *Pusher) Send(verification string, issue, patchset int64, payload map[string]any) {
	ev := Event{
		ID:           uuid.NewString(),
		Issue:        issue,
		Patchset:     patchset,
		Verification: verification,
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("statuspush: buffer full, dropping %s event for issue %d", verification, issue)
	}
}

// Close flushes queued events and stops the sender.
func (p *Pusher) Close() {
	p.closeOnce.Do(func() {
		close(p.events)
		<-p.done
	})
}

func (p *Pusher) run() {
	defer close(p.done)
	for ev := range p.events {
		p.push(ev)
	}
}

func (p *Pusher) push(ev Event) {
	body, err := json.Marshal(struct {
		Event
		Password string `json:"password,omitempty"`
	}{ev, p.password})
	if err != nil {
		log.Printf("statuspush: marshal event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("statuspush: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Printf("statuspush: send event %s: %v", ev.Verification, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("statuspush: send event %s: %s", ev.Verification, resp.Status)
	}
}
