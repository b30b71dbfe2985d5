// Package events delivers debounced file-change batches to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/sandfile/sandfile/internal/metrics"
)

// Event kinds, in classification priority order.
const (
	KindCreated  = "created"
	KindModified = "modified"
	KindDeleted  = "deleted"
	KindRenamed  = "renamed"
)

// Event represents one file system change inside a project.
type Event struct {
	Project   string    `json:"project"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"` // root-relative slash path
	Timestamp time.Time `json:"timestamp"`
}

// Batch is one debounced delivery: deduplicated by path, sorted by time.
type Batch struct {
	Project string  `json:"project"`
	Events  []Event `json:"events"`
}

// Broadcaster manages per-project subscribers and publishes batches.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Batch]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[chan Batch]struct{}),
	}
}

// Subscribe registers a subscriber for one project's batches.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(project string) chan Batch {
	ch := make(chan Batch, 16)
	b.mu.Lock()
	subs, ok := b.subscribers[project]
	if !ok {
		subs = make(map[chan Batch]struct{})
		b.subscribers[project] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(project string, ch chan Batch) {
	b.mu.Lock()
	if subs, ok := b.subscribers[project]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, project)
		}
	}
	b.mu.Unlock()
}

// Publish sends a batch to the project's subscribers. Non-blocking: drops
// the batch for slow consumers.
func (b *Broadcaster) Publish(batch Batch) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[batch.Project] {
		select {
		case ch <- batch:
		default:
			metrics.RecordEventDropped()
		}
	}
}

// Count returns the current number of subscribers for a project.
func (b *Broadcaster) Count(project string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[project])
}
