package events

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

type chanSink struct {
	events chan Event
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan Event, 64)}
}

func (s *chanSink) WriteEvent(ev Event) error {
	s.events <- ev
	return nil
}

func (s *chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func (s *chanSink) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *failingSink) WriteEvent(Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("broken pipe")
}

func (s *failingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.ErrorLevel,
	})
}

func TestSubscribe_SendsConnectedWithClientID(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	sink := newChanSink()

	c := hub.Subscribe(sink)
	t.Cleanup(func() { hub.Unsubscribe(c.ID) })

	ev := sink.next(t)
	assert.Equal(t, EventConnected, ev.Name)
	var body map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, c.ID, body["client_id"])
	assert.Equal(t, 1, hub.Count())
}

func TestPublish_FanOutWithoutReplay(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	a, b := newChanSink(), newChanSink()
	ca := hub.Subscribe(a)
	cb := hub.Subscribe(b)
	a.next(t)
	b.next(t)

	hub.Publish(EventJobStatusChanged, map[string]any{"repository": "acme/api", "number": 42, "status": "running"})

	gotA := a.next(t)
	gotB := b.next(t)
	assert.Equal(t, EventJobStatusChanged, gotA.Name)
	assert.Equal(t, gotA, gotB)
	assert.JSONEq(t, `{"repository":"acme/api","number":42,"status":"running"}`, string(gotA.Data))

	late := newChanSink()
	cl := hub.Subscribe(late)
	assert.Equal(t, EventConnected, late.next(t).Name)
	late.none(t)

	for _, id := range []string{ca.ID, cb.ID, cl.ID} {
		assert.True(t, hub.Unsubscribe(id))
	}
	assert.Zero(t, hub.Count())
}

func TestPublish_OrderPreservedPerClient(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	sink := newChanSink()
	c := hub.Subscribe(sink)
	t.Cleanup(func() { hub.Unsubscribe(c.ID) })
	sink.next(t)

	for i := range 20 {
		hub.Publish(EventStreamMessage, map[string]int{"seq": i})
	}
	for i := range 20 {
		var body map[string]int
		require.NoError(t, json.Unmarshal(sink.next(t).Data, &body))
		assert.Equal(t, i, body["seq"])
	}
}

func TestPublish_FailingSinkDoesNotAffectOthers(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	bad := &failingSink{}
	good := newChanSink()
	cbad := hub.Subscribe(bad)
	cgood := hub.Subscribe(good)
	good.next(t)

	hub.Publish(EventSessionCreated, map[string]string{"session_id": "s1"})

	assert.Equal(t, EventSessionCreated, good.next(t).Name)
	assert.Eventually(t, func() bool { return bad.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, hub.Count(), "failing sink stays registered until disconnect")

	assert.True(t, hub.Unsubscribe(cbad.ID))
	hub.Publish(EventSessionCreated, map[string]string{"session_id": "s2"})
	assert.Equal(t, EventSessionCreated, good.next(t).Name)
	assert.True(t, hub.Unsubscribe(cgood.ID))
}

func TestPublish_AfterUnsubscribe(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	sink := newChanSink()
	c := hub.Subscribe(sink)
	sink.next(t)

	require.True(t, hub.Unsubscribe(c.ID))
	assert.False(t, hub.Unsubscribe(c.ID))

	hub.Publish(EventSessionCompleted, map[string]string{"session_id": "s1"})
	sink.none(t)

	select {
	case <-c.Done():
	default:
		t.Fatal("delivery goroutine still running")
	}
}

func TestPublish_UnserializablePayloadIsDropped(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	sink := newChanSink()
	c := hub.Subscribe(sink)
	t.Cleanup(func() { hub.Unsubscribe(c.ID) })
	sink.next(t)

	hub.Publish(EventStreamMessage, map[string]any{"bad": make(chan int)})
	sink.none(t)
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) WriteEvent(Event) error {
	<-s.release
	return nil
}

func TestPublish_FullQueueDrops(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour), WithBuffer(2))
	sink := &blockingSink{release: make(chan struct{})}
	c := hub.Subscribe(sink)

	for i := range 10 {
		hub.Publish(EventStreamMessage, map[string]int{"seq": i})
	}
	assert.Positive(t, hub.Dropped())

	close(sink.release)
	assert.True(t, hub.Unsubscribe(c.ID))
}

func TestKeepAlive(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(20*time.Millisecond))
	sink := newChanSink()
	c := hub.Subscribe(sink)
	t.Cleanup(func() { hub.Unsubscribe(c.ID) })

	assert.Equal(t, EventConnected, sink.next(t).Name)
	assert.Equal(t, EventKeepAlive, sink.next(t).Name)
}

func TestClose(t *testing.T) {
	hub := NewHub(testLogger(), WithKeepAlive(time.Hour))
	hub.Subscribe(newChanSink())
	hub.Subscribe(newChanSink())
	require.Equal(t, 2, hub.Count())

	hub.Close()
	assert.Zero(t, hub.Count())
}
