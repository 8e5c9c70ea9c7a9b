// Package events fans named events out to connected dashboard clients.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// Event names pushed to subscribers.
const (
	EventConnected        = "connected"
	EventKeepAlive        = "keep-alive"
	EventSessionCreated   = "session-created"
	EventStreamMessage    = "stream-message"
	EventSessionCompleted = "session-completed"
	EventJobStatusChanged = "job-status-changed"
	EventPRRecordUpdated  = "pr-record-updated"
)

const (
	DefaultKeepAlive = 30 * time.Second
	DefaultBuffer    = 256
)

// Event is one named, already-serialized payload.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Sink is the transport side of one subscriber. WriteEvent is only ever called
// from that subscriber's delivery goroutine.
type Sink interface {
	WriteEvent(ev Event) error
}

// Publisher is the write side of the hub as seen by registries.
type Publisher interface {
	Publish(name string, payload any)
}

// Client is one registered subscriber.
type Client struct {
	ID string

	sink  Sink
	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Done is closed once the client's delivery goroutine has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Hub is the publish/subscribe registry. Delivery is best-effort: a slow
// client whose queue is full misses events rather than stalling publishers.
type Hub struct {
	mu        sync.Mutex
	clients   []*Client
	keepAlive time.Duration
	buffer    int
	log       pslog.Logger
	dropped   atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithKeepAlive sets the per-client keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// WithBuffer sets the per-client queue depth.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates an empty hub.
func NewHub(logger pslog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	h := &Hub{
		keepAlive: DefaultKeepAlive,
		buffer:    DefaultBuffer,
		log:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers sink and queues the connected acknowledgement carrying
// the assigned client id ahead of anything published later.
func (h *Hub) Subscribe(sink Sink) *Client {
	c := &Client{
		ID:    uuid.NewString(),
		sink:  sink,
		queue: make(chan Event, h.buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.queue <- h.event(EventConnected, map[string]string{"client_id": c.ID})

	h.mu.Lock()
	h.clients = append(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	go h.deliver(c)
	h.log.Info("event client connected", "client", c.ID, "clients", count)
	return c
}

// Unsubscribe stops the client's keep-alive and removes it. It waits for the
// delivery goroutine so the sink is not written after it returns.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	var c *Client
	for i, candidate := range h.clients {
		if candidate.ID == id {
			c = candidate
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	if c == nil {
		return false
	}
	c.once.Do(func() { close(c.stop) })
	<-c.done
	h.log.Info("event client disconnected", "client", id, "clients", count)
	return true
}

// Publish serializes payload once and queues it for every client in
// registration order. It never fails because of a single subscriber.
func (h *Hub) Publish(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("event payload not serializable", "event", name, "err", err)
		return
	}
	ev := Event{Name: name, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.queue <- ev:
		default:
			total := h.dropped.Add(1)
			h.log.Warn("event dropped for slow client", "client", c.ID, "event", name, "dropped_total", total)
		}
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped because a client queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close unsubscribes every client.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for _, c := range h.clients {
		ids = append(ids, c.ID)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Unsubscribe(id)
	}
}

func (h *Hub) deliver(c *Client) {
	defer close(c.done)
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.queue:
			h.write(c, ev)
		case <-ticker.C:
			h.write(c, h.event(EventKeepAlive, map[string]any{"timestamp": time.Now().UTC()}))
		}
	}
}

func (h *Hub) write(c *Client, ev Event) {
	if err := c.sink.WriteEvent(ev); err != nil {
		// Removal is left to the transport's disconnect path.
		h.log.Debug("event write failed", "client", c.ID, "event", ev.Name, "err", err)
	}
}

func (h *Hub) event(name string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, Data: data}
}
