package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilHubDiscards(t *testing.T) {
	var h *Hub
	h.Publish(Event{Type: TypeIndexed})
	if h.Clients() != 0 || h.Recent() != nil {
		t.Fatal("nil hub should hold nothing")
	}
}

func TestBacklogIsBounded(t *testing.T) {
	h := NewHub(WithBacklog(2))
	for _, id := range []string{"a", "b", "c"} {
		h.Publish(Event{Type: TypeIndexed, DocID: id})
	}
	recent := h.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 backlog entries, got %d", len(recent))
	}
	e := recent[0]
	if e.DocID != "b" {
		t.Errorf("oldest event should be dropped, first is %q", e.DocID)
	}
	if e.Timestamp.IsZero() {
		t.Error("publish should stamp the event")
	}
}

func TestSlowClientDoesNotBlock(t *testing.T) {
	h := NewHub(WithBacklog(0))
	c, _ := h.subscribe()
	for i := 0; i < clientBuffer+5; i++ {
		h.Publish(Event{Type: TypeSkipped})
	}
	if c.dropped != 5 {
		t.Errorf("expected 5 dropped events, got %d", c.dropped)
	}
	h.unsubscribe(c)
	if h.Clients() != 0 {
		t.Error("client should be removed")
	}
}

func readEvent(t *testing.T, sc *bufio.Scanner) Event {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return e
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return Event{}
}

func TestServeHTTP_ReplayAndLive(t *testing.T) {
	h := NewHub(WithKeepAlive(0))
	h.Publish(Event{Type: TypeReindexStarted})

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if e := readEvent(t, sc); e.Type != TypeReindexStarted {
		t.Fatalf("expected replayed reindex.started, got %s", e.Type)
	}

	// The replay is flushed after subscribing, so the client is registered.
	h.Publish(Event{Type: TypeIndexed, DocID: "policy", Chunks: 4})
	e := readEvent(t, sc)
	if e.Type != TypeIndexed || e.DocID != "policy" || e.Chunks != 4 {
		t.Fatalf("unexpected live event %+v", e)
	}
}
