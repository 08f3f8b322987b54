package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingSink struct{ events []Event }

func (r *recordingSink) Notify(ev Event) { r.events = append(r.events, ev) }

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(2)
	for i := 0; i < 5; i++ {
		c.Notify(Event{Kind: KindNoteOn, Value: i})
	}
	if got := c.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if ev := <-c.Events(); ev.Value != 0 {
		t.Fatalf("first event value = %d, want 0", ev.Value)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, Nop{}, b}.Notify(Event{Kind: KindXrun})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan out failed: %d %d", len(a.events), len(b.events))
	}
}

func TestKindMarshalsAsName(t *testing.T) {
	data, err := json.Marshal(Event{Kind: KindEndOfSong})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"end_of_song"`) {
		t.Fatalf("unexpected json %s", data)
	}
	if Kind(99).String() != "kind(99)" {
		t.Fatalf("unknown kind string = %q", Kind(99).String())
	}
}

func TestHubBroadcastsToClient(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub.Router(func() any { return map[string]int{"tick": 7} }))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "hello" || hello.ClientID == "" {
		t.Fatalf("unexpected hello %+v", hello)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Notify(Event{Kind: KindColumnChanged, Value: 3})
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != "event" || msg.Event == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Event.Kind != KindColumnChanged || msg.Event.Value != 3 {
		t.Fatalf("event value = %d, want 3", msg.Event.Value)
	}
}
