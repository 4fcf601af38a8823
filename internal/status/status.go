// Package status carries synchronization progress to any number of
// observers, decoupled from the sync engine's internal state.
//
// Messages are transient and carry no delivery guarantee beyond "last
// write wins": an observer that misses an intermediate message still ends
// up displaying the correct state once the next message arrives. A late
// "syncing" after a "synced" is possible when a new local write lands
// immediately, so observers must always reflect only the most recently
// received message.
package status

import (
	"log"
	"sync"
)

// State discriminates a status message.
type State string

const (
	// StateOffline means the remote authority is unreachable.
	StateOffline State = "offline"
	// StatePending means entries remain queued with no drain in progress.
	StatePending State = "pending"
	// StateSyncing means a drain cycle is running.
	StateSyncing State = "syncing"
	// StateSynced means the queue is empty and the replica is reconciled.
	StateSynced State = "synced"
	// StateError means the last drain cycle left failed entries queued.
	StateError State = "error"
)

// Message is one transient status broadcast.
type Message struct {
	Status State `json:"status"`
	// Processed and Total accompany StateSyncing.
	Processed int `json:"processed,omitempty"`
	Total     int `json:"total,omitempty"`
	// Count accompanies StatePending.
	Count int `json:"count,omitempty"`
	// Remaining accompanies StateError.
	Remaining int `json:"remaining,omitempty"`
}

// Publisher is the engine-facing side of the status channel. Injected so
// tests can assert on emitted messages without a real broadcast medium.
type Publisher interface {
	Publish(Message)
}

// NopPublisher discards every message.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Message) {}

// Broadcaster fans messages out to any number of subscribers. Sends never
// block: a subscriber whose buffer is full misses the message, which is
// acceptable because observers only display the latest state.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Message]struct{}
	last   Message
	hasAny bool
	logger *log.Logger
}

// NewBroadcaster creates a Broadcaster. If logger is nil, dropped-message
// warnings are suppressed.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan Message]struct{}),
		logger: logger,
	}
}

// Publish implements Publisher. The message is delivered to every
// subscriber whose buffer has room and recorded as the latest state.
//
// The lock is held across the sends so a concurrent cancel cannot close
// a channel mid-delivery. Sends never block, so the critical section
// stays short.
func (b *Broadcaster) Publish(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = m
	b.hasAny = true
	for ch := range b.subs {
		select {
		case ch <- m:
		default:
			if b.logger != nil {
				b.logger.Printf("Warning: status subscriber full, dropping %s", m.Status)
			}
		}
	}
}

// Last returns the most recently published message, if any.
func (b *Broadcaster) Last() (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasAny
}

// Subscribe registers an observer. The returned channel receives future
// messages (buffered to the given size, minimum 1); the cancel function
// unregisters and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
