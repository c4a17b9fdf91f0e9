package broadcast

import (
	"sync"

	"github.com/devproxy/devproxy/internal/models"
)

// DefaultHistorySize is the number of events kept when no size is configured
const DefaultHistorySize = 500

// History is a bounded ring of the most recent events
type History struct {
	mu     sync.RWMutex
	events []models.ProxyEvent
	next   int
	full   bool
}

// NewHistory creates a history holding at most size events
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{events: make([]models.ProxyEvent, size)}
}

// Add stores an event, evicting the oldest when full
func (h *History) Add(event models.ProxyEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events[h.next] = event
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

// List returns up to limit of the most recent events, oldest first.
// A limit <= 0 returns everything kept.
func (h *History) List(limit int) []models.ProxyEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ordered []models.ProxyEvent
	if h.full {
		ordered = append(ordered, h.events[h.next:]...)
	}
	ordered = append(ordered, h.events[:h.next]...)

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]models.ProxyEvent, len(ordered))
	copy(out, ordered)
	return out
}

// Clear drops every stored event
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = make([]models.ProxyEvent, len(h.events))
	h.next = 0
	h.full = false
}
