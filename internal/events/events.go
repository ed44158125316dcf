// Package events fans out status changes to live subscribers.
package events

import "sync"

// Event announces a persisted submission for a repository.
type Event struct {
	RepoKey   string `json:"repo"`
	CommitID  string `json:"commit_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

const subscriberBuffer = 16

// Hub tracks subscribers per repo key.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers interest in repoKey. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (h *Hub) Subscribe(repoKey string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[repoKey] == nil {
		h.subscribers[repoKey] = make(map[chan Event]struct{})
	}
	h.subscribers[repoKey][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[repoKey]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subscribers, repoKey)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber of e.RepoKey. Slow subscribers
// whose buffer is full miss the event rather than block the writer.
func (h *Hub) Publish(e Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for ch := range h.subscribers[e.RepoKey] {
		select {
		case ch <- e:
			delivered++
		default:
		}
	}
	return delivered
}

// Count returns the number of subscribers for repoKey.
func (h *Hub) Count(repoKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[repoKey])
}
