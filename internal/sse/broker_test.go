package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/sigil/internal/auth"
	"github.com/starford/sigil/internal/session"
)

func drain(ch chan []byte) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	sub := b.Subscribe("u1", "s1")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(sub)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublish_RoutesBySession(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	mine := b.Subscribe("u1", "s1")
	other := b.Subscribe("u2", "s2")
	defer b.Unsubscribe(mine)
	defer b.Unsubscribe(other)

	b.SessionObserver()(session.Key{ProjectID: "p1", SessionID: "s1"}, session.Unlocked, "")

	select {
	case msg := <-mine.C:
		s := string(msg)
		if !strings.Contains(s, "event: session.unlocked") || !strings.Contains(s, `"project_id":"p1"`) {
			t.Errorf("unexpected message %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	time.Sleep(50 * time.Millisecond)
	if got := drain(other.C); len(got) != 0 {
		t.Errorf("other session received %v", got)
	}
}

func TestSessionObserver_SkipsUnlocking(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	sub := b.Subscribe("u1", "s1")
	defer b.Unsubscribe(sub)

	obs := b.SessionObserver()
	obs(session.Key{ProjectID: "p1", SessionID: "s1"}, session.Unlocking, "")
	obs(session.Key{ProjectID: "p1", SessionID: "s1"}, session.Locked, session.ReasonSignOut)

	select {
	case msg := <-sub.C:
		s := string(msg)
		if !strings.Contains(s, "event: session.locked") || !strings.Contains(s, `"reason":"sign_out"`) {
			t.Errorf("unexpected message %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishChunks_ThrottledPerProject(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	sub := b.Subscribe("u1", "s1")
	defer b.Unsubscribe(sub)

	b.PublishChunks("u1", "p1")
	b.PublishChunks("u1", "p1")
	b.PublishChunks("u1", "p2")
	b.PublishChunks("u2", "p3")

	time.Sleep(50 * time.Millisecond)
	got := drain(sub.C)
	if len(got) != 2 {
		t.Fatalf("events = %d (%v), want 2", len(got), got)
	}
	for _, s := range got {
		if !strings.Contains(s, "event: chunks.updated") {
			t.Errorf("unexpected %q", s)
		}
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = auth.WithPrincipal(ctx, &auth.Principal{UserID: "u1", SessionID: "s1"})

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "session.locked", Data: map[string]string{"project_id": "p1"}, Session: "s1"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	if body := w.Body.String(); !strings.Contains(body, "event: session.locked") {
		t.Errorf("handler output missing event: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestSSEHandler_RequiresPrincipal(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	w := httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	sub := b.Subscribe("u", "s")
	defer b.Unsubscribe(sub)

	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	sub := b.Subscribe("u", "s")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}
	b.Publish(Event{Type: "session.locked"})
	b.PublishChunks("u", "p")
	b.SessionObserver()(session.Key{ProjectID: "p", SessionID: "s"}, session.Locked, "")
}
