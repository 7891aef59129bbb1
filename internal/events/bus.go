// Package events is the in-process pub/sub bus for approval-sync events.
// Subscribers (the websocket stream, the webhook dispatcher) receive events
// in real time; slow subscribers drop events rather than block a writer.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the sync engine.
const (
	TypeSyncCompleted     = "sync.completed"
	TypeApprovalCreated   = "approval.created"
	TypeApprovalFinalized = "approval.finalized"
	TypeCallbackReceived  = "callback.received"
)

// Event is one bus message.
type Event struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data"`
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	logger *log.Logger
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]chan Event),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Publish sends an event to every subscriber. A subscriber with a full
// buffer misses the event; the bus never blocks the publisher.
func (b *Bus) Publish(eventType string, data map[string]interface{}) {
	evt := Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: time.Now(),
		Data: data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Printf("⚠️ subscriber %s buffer full, dropping %s", id, evt.Type)
		}
	}
}

// Subscribe registers a new subscriber and returns its ID and channel.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
