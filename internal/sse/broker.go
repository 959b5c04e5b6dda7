// Package sse streams mutation events to HTTP clients as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/voicenotes/internal/tools"
)

// EventInboxUpdated is broadcast at most once per throttle interval after
// any change that can move notes in or out of the inbox.
const EventInboxUpdated = "inbox.updated"

// EventStoreChanged is published when the backing store was written by
// another process.
const EventStoreChanged = "store.changed"

// Broker fans tool mutation events out to SSE subscribers. It implements
// tools.Notifier.
//
// A single internal event loop owns the client set and the inbox throttle
// timestamp. Public methods talk to the loop through channels.
type Broker struct {
	inboxMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan tools.Event
	countReqCh    chan chan int

	dropped atomic.Int64

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

var _ tools.Notifier = (*Broker)(nil)

// NewBroker creates a broker whose inbox.updated events are throttled to one
// per inboxThrottle.
func NewBroker(inboxThrottle time.Duration) *Broker {
	if inboxThrottle <= 0 {
		inboxThrottle = 2 * time.Second
	}

	b := &Broker{
		inboxMin:      inboxThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan tools.Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func touchesInbox(ev tools.Event) bool {
	return strings.HasPrefix(ev.Type, "note.") || ev.Type == EventStoreChanged
}

func frame(typ string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", typ, payload))
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var lastInbox time.Time

	broadcast := func(raw []byte) {
		if raw == nil {
			return
		}
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client; skip rather than stall the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			broadcast(frame(ev.Type, ev))

			if touchesInbox(ev) {
				now := time.Now()
				if now.Sub(lastInbox) >= b.inboxMin {
					lastInbox = now
					broadcast(frame(EventInboxUpdated, map[string]string{}))
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the event loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues ev for broadcast. It never blocks the caller: when the
// queue is full the event is dropped and counted.
func (b *Broker) Publish(ev tools.Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// ServeHTTP is the SSE endpoint handler (GET /events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
