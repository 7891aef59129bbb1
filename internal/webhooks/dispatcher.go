// Package webhooks pushes approval-sync events to configured HTTP endpoints
// so downstream systems (attendance dashboards, notification bots) learn
// about finalizations without polling.
package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/leavesync/backend/internal/events"
)

const maxAttempts = 3

type delivery struct {
	url     string
	event   events.Event
	attempt int
}

// Dispatcher subscribes to the event bus and delivers selected events to
// every configured URL on a background worker pool.
type Dispatcher struct {
	urls       []string
	httpClient *http.Client
	queue      chan delivery
	logger     *log.Logger
	bus        *events.Bus
	subID      string
}

// NewDispatcher wires a dispatcher to the bus. With no URLs configured it is
// inert and Start is a no-op.
func NewDispatcher(bus *events.Bus, urls []string, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		urls:       urls,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan delivery, 256),
		logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		bus:        bus,
	}
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Start begins forwarding approval lifecycle events to the configured URLs.
func (d *Dispatcher) Start() {
	if len(d.urls) == 0 {
		return
	}
	id, ch := d.bus.Subscribe()
	d.subID = id
	go func() {
		for evt := range ch {
			switch evt.Type {
			case events.TypeApprovalCreated, events.TypeApprovalFinalized, events.TypeSyncCompleted:
			default:
				continue
			}
			for _, url := range d.urls {
				select {
				case d.queue <- delivery{url: url, event: evt, attempt: 1}:
				default:
					d.logger.Printf("⚠️ webhook queue full, dropping %s for %s", evt.ID, url)
				}
			}
		}
	}()
	d.logger.Printf("🔔 delivering events to %d endpoint(s)", len(d.urls))
}

// Stop detaches from the bus. Queued deliveries still drain.
func (d *Dispatcher) Stop() {
	if d.subID != "" {
		d.bus.Unsubscribe(d.subID)
	}
}

func (d *Dispatcher) worker() {
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("❌ marshal event %s: %v", job.event.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.url, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ build request for %s: %v", job.url, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Leavesync-Event-Type", job.event.Type)
	req.Header.Set("X-Leavesync-Event-ID", job.event.ID)
	req.Header.Set("X-Leavesync-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	resp, err := d.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
		err = fmt.Errorf("endpoint returned %s", resp.Status)
	}

	d.logger.Printf("❌ delivery to %s failed (attempt %d/%d): %v", job.url, job.attempt, maxAttempts, err)
	if job.attempt < maxAttempts {
		time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
		job.attempt++
		select {
		case d.queue <- job:
		default:
		}
	}
}
