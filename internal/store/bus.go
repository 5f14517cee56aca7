package store

import (
	"sync"
	"time"

	"github.com/jeffjacobsen/crystal/pkg/models"
)

// Event types are defined in pkg/models alongside the other wire types.
type (
	EventType = models.EventType
	Event     = models.Event
)

const (
	EventSessionCreated  = models.EventSessionCreated
	EventSessionUpdated  = models.EventSessionUpdated
	EventSessionDeleted  = models.EventSessionDeleted
	EventOutputAppended  = models.EventOutputAppended
	EventOutputAvailable = models.EventOutputAvailable
	EventZombieProcesses = models.EventZombieProcesses
	EventConfigReloaded  = models.EventConfigReloaded
)

// Bus fans store events out to subscribers. Sends are non-blocking so a
// slow consumer drops events instead of stalling the daemon.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe creates a new subscription channel. The caller must drain it
// or events will be dropped.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 100)
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers ev to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
