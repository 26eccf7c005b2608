// Package events fans session changes out to WebSocket clients.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/routeshot/internal/session"
)

const subscriberBufSize = 256

// Event is one session change as sent to clients.
type Event struct {
	Kind          session.ChangeKind `json:"kind"`
	SessionID     string             `json:"sessionId"`
	Scope         string             `json:"scope"`
	State         session.State      `json:"state"`
	Version       int64              `json:"version"`
	Outstanding   int                `json:"outstanding"`
	AnnotationIDs []string           `json:"annotationIds,omitempty"`
	At            time.Time          `json:"at"`
}

// Broker fans out events to all subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

// NewBroker creates a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a client. The channel is buffered; slow consumers
// have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends evt to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			slog.Debug("event dropped for slow subscriber", "subscriber", id, "kind", evt.Kind)
		}
	}
}

// SessionChanged makes the broker a session.Observer.
func (b *Broker) SessionChanged(c session.Change) {
	b.Publish(Event{
		Kind:          c.Kind,
		SessionID:     c.Session.ID,
		Scope:         c.Session.Scope,
		State:         c.Session.State,
		Version:       c.Session.Version,
		Outstanding:   c.Session.Outstanding(),
		AnnotationIDs: c.AnnotationIDs,
		At:            c.At,
	})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func encode(evt Event) ([]byte, error) { return json.Marshal(evt) }
