// Package sse streams session and content events to the owning user's clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/session"
)

// Event is one SSE message. User and Session restrict delivery; empty means
// any.
type Event struct {
	Type    string `json:"type"`
	Data    any    `json:"data"`
	User    string `json:"-"`
	Session string `json:"-"`
}

// Subscriber is a connected client.
type Subscriber struct {
	C       chan []byte
	user    string
	session string
}

type chunkEventReq struct {
	user      string
	projectID string
}

// Broker manages SSE client connections and routes events to them.
//
// A single internal loop owns the client set and the per-project throttle
// timestamps; public methods talk to it over channels.
type Broker struct {
	chunkMin time.Duration

	subscribeCh   chan *Subscriber
	unsubscribeCh chan *Subscriber
	publishCh     chan Event
	chunkEventCh  chan chunkEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits at most one chunks.updated per
// project per chunkThrottle.
func NewBroker(chunkThrottle time.Duration) *Broker {
	if chunkThrottle <= 0 {
		chunkThrottle = 2 * time.Second
	}

	b := &Broker{
		chunkMin:      chunkThrottle,
		subscribeCh:   make(chan *Subscriber),
		unsubscribeCh: make(chan *Subscriber),
		publishCh:     make(chan Event, 256),
		chunkEventCh:  make(chan chunkEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[*Subscriber]struct{})
	lastChunk := make(map[string]time.Time)

	deliver := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for c := range clients {
			if event.User != "" && event.User != c.user {
				continue
			}
			if event.Session != "" && event.Session != c.session {
				continue
			}
			select {
			case c.C <- raw:
			default:
				// Client buffer full; skip to avoid blocking the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for c := range clients {
				close(c.C)
			}
			return

		case c := <-b.subscribeCh:
			clients[c] = struct{}{}

		case c := <-b.unsubscribeCh:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.C)
			}

		case event := <-b.publishCh:
			deliver(event)

		case req := <-b.chunkEventCh:
			now := time.Now()
			if now.Sub(lastChunk[req.projectID]) < b.chunkMin {
				continue
			}
			lastChunk[req.projectID] = now
			deliver(Event{
				Type: "chunks.updated",
				Data: map[string]string{"project_id": req.projectID},
				User: req.user,
			})

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client for userID's events in sessionID.
func (b *Broker) Subscribe(userID, sessionID string) *Subscriber {
	s := &Subscriber{C: make(chan []byte, 64), user: userID, session: sessionID}
	if b.closed.Load() {
		close(s.C)
		return s
	}

	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		close(s.C)
	}
	return s
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(s *Subscriber) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- s:
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

// Publish queues an event for delivery.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// SessionObserver returns a session.Observer that forwards state changes to
// the clients of the affected session.
func (b *Broker) SessionObserver() session.Observer {
	return func(key session.Key, state session.State, reason string) {
		var typ string
		switch state {
		case session.Unlocked:
			typ = "session.unlocked"
		case session.Locked:
			typ = "session.locked"
		case session.Error:
			typ = "session.error"
		default:
			return
		}
		data := map[string]string{"project_id": key.ProjectID}
		if reason != "" {
			data["reason"] = reason
		}
		b.publishAsync(Event{Type: typ, Data: data, Session: key.SessionID})
	}
}

// publishAsync never blocks the caller; observers run under session locks.
func (b *Broker) publishAsync(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	default:
	}
}

// PublishChunks signals new content in a project, throttled per project.
func (b *Broker) PublishChunks(userID, projectID string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.chunkEventCh <- chunkEventReq{user: userID, projectID: projectID}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). It requires an
// authenticated principal in the request context.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
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

	sub := b.Subscribe(p.UserID, p.SessionID)
	defer b.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
