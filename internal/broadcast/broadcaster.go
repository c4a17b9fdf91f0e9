// Package broadcast fans proxy events out to live observers.
//
// Delivery is best effort: an observer whose buffer is full misses the
// event, and observers that connect later get no replay. Recent events are
// kept separately in a History.
package broadcast

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/devproxy/devproxy/internal/metrics"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// DefaultBufferSize is the per-observer queue length
const DefaultBufferSize = 64

// ErrClosed is returned by Subscribe after Close
var ErrClosed = errors.New("broadcaster closed")

// Observer is one live subscriber. Send is closed when the observer is
// removed or the broadcaster shuts down.
type Observer struct {
	ID   string
	send chan []byte
}

// Events returns the channel of serialized events
func (o *Observer) Events() <-chan []byte {
	return o.send
}

// Broadcaster owns the observer registry
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	closed    bool

	bufferSize int
	history    *History
	metrics    *metrics.Metrics
	logger     *util.Logger
}

// Options configures a Broadcaster
type Options struct {
	BufferSize int
	History    *History
	Metrics    *metrics.Metrics
	Logger     *util.Logger
}

// New creates a broadcaster
func New(opts Options) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = util.NewDiscardLogger()
	}
	return &Broadcaster{
		observers:  make(map[string]*Observer),
		bufferSize: opts.BufferSize,
		history:    opts.History,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithScope("events"),
	}
}

// Subscribe registers a new observer
func (b *Broadcaster) Subscribe() (*Observer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	o := &Observer{
		ID:   uuid.NewString(),
		send: make(chan []byte, b.bufferSize),
	}
	b.observers[o.ID] = o
	b.metrics.ObserverConnected()
	b.logger.Debugf("Observer %s connected (%d total)", o.ID, len(b.observers))
	return o, nil
}

// Unsubscribe removes an observer. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(o *Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.observers[o.ID]; !ok {
		return
	}
	delete(b.observers, o.ID)
	close(o.send)
	b.metrics.ObserverDisconnected()
	b.logger.Debugf("Observer %s disconnected (%d total)", o.ID, len(b.observers))
}

// Count returns the number of connected observers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Broadcast serializes the event once and offers it to every observer
// without blocking. It also appends the event to the history, if any.
func (b *Broadcaster) Broadcast(event models.ProxyEvent) {
	if b.history != nil {
		b.history.Add(event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Errorf("Cannot encode event %s: %v", event.ID, err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, o := range b.observers {
		select {
		case o.send <- data:
		default:
			b.metrics.EventDropped()
		}
	}
}

// Close disconnects every observer and refuses new ones
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, o := range b.observers {
		close(o.send)
		delete(b.observers, id)
		b.metrics.ObserverDisconnected()
	}
}
