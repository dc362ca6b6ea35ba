package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "progress",
			raw:  `{"type":"progress","data":{"value":3,"max":20,"prompt_id":"p1","node":"7"}}`,
			want: Event{Type: TypeProgress, PromptID: "p1", Node: "7", Value: 3, Max: 20},
		},
		{
			name: "executing null node",
			raw:  `{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
			want: Event{Type: TypeExecuting, PromptID: "p1"},
		},
		{
			name: "numeric node",
			raw:  `{"type":"executing","data":{"node":12,"prompt_id":"p1"}}`,
			want: Event{Type: TypeExecuting, PromptID: "p1", Node: "12"},
		},
		{
			name: "execution error",
			raw:  `{"type":"execution_error","data":{"prompt_id":"p1","exception_message":"boom"}}`,
			want: Event{Type: TypeExecutionError, PromptID: "p1", Message: "boom"},
		},
		{
			name: "no data",
			raw:  `{"type":"status"}`,
			want: Event{Type: TypeStatus},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			got.Data = nil
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestEncodeParse(t *testing.T) {
	raw, err := Encode(Event{Type: TypeProgress, PromptID: "p1", Node: "3", Value: 5, Max: 10})
	require.NoError(t, err)

	event, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 5, event.Value)
	assert.Equal(t, 10, event.Max)
	assert.Equal(t, "3", event.Node)
}

func TestProgressApply(t *testing.T) {
	p := Queued("p1")
	assert.Equal(t, ProgressQueued, p.Status)
	assert.Equal(t, -1.0, p.Percent())

	p = p.Apply(Event{Type: TypeExecutionStart, PromptID: "p1"})
	assert.Equal(t, ProgressRunning, p.Status)

	p = p.Apply(Event{Type: TypeProgress, PromptID: "p1", Value: 5, Max: 20, Node: "3"})
	assert.Equal(t, 25.0, p.Percent())
	assert.Equal(t, "3", p.Node)

	// Other prompts do not disturb tracked progress.
	p = p.Apply(Event{Type: TypeProgress, PromptID: "other", Value: 19, Max: 20})
	assert.Equal(t, 25.0, p.Percent())

	p = p.Apply(Event{Type: TypeExecuting, PromptID: "p1"})
	assert.Equal(t, ProgressDone, p.Status)

	failed := Queued("p2").Apply(Event{Type: TypeExecutionError, PromptID: "p2", Message: "oom"})
	assert.Equal(t, ProgressError, failed.Status)
	assert.Equal(t, "oom", failed.Message)

	failed = failed.Apply(Event{Type: TypeExecuting, PromptID: "p2"})
	assert.Equal(t, ProgressError, failed.Status)
}

func TestProgressPercentClamps(t *testing.T) {
	assert.Equal(t, 100.0, Progress{Value: 30, Max: 20}.Percent())
	assert.Equal(t, 0.0, Progress{Value: -1, Max: 20}.Percent())
}

func TestNewSubscriberValidation(t *testing.T) {
	_, err := NewSubscriber(SubscriberConfig{}, func(Event) {})
	assert.Error(t, err)

	_, err = NewSubscriber(SubscriberConfig{URL: "ws://x"}, nil)
	assert.Error(t, err)

	s, err := NewSubscriber(SubscriberConfig{URL: "ws://x"}, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.config.ReconnectDelay)
	assert.Equal(t, 2.0, s.config.ReconnectBackoffFactor)
}

func TestSubscriberReceivesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotClientID string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotClientID = r.URL.Query().Get("clientId")
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		raw, _ := Encode(Event{Type: TypeExecutionStart, PromptID: "p1"})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		raw, _ = Encode(Event{Type: TypeProgress, PromptID: "p1", Value: 1, Max: 2})
		_ = conn.WriteMessage(websocket.TextMessage, raw)

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	received := make(chan Event, 8)
	config := DefaultSubscriberConfig()
	config.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	config.ClientID = "client-1"
	config.ReconnectDelay = 10 * time.Millisecond

	sub, err := NewSubscriber(config, func(e Event) { received <- e })
	require.NoError(t, err)

	sub.Start(context.Background())
	defer sub.Stop()

	first := waitEvent(t, received)
	second := waitEvent(t, received)
	assert.Equal(t, TypeExecutionStart, first.Type)
	assert.Equal(t, TypeProgress, second.Type)
	assert.True(t, sub.Connected())

	mu.Lock()
	assert.Equal(t, "client-1", gotClientID)
	mu.Unlock()
}

func TestSubscriberReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	connections := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		mu.Unlock()

		raw, _ := Encode(Event{Type: TypeStatus})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		// Drop the connection immediately.
		_ = conn.Close()
	}))
	defer server.Close()

	received := make(chan Event, 16)
	config := DefaultSubscriberConfig()
	config.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	config.ReconnectDelay = 5 * time.Millisecond
	config.MaxReconnectDelay = 10 * time.Millisecond

	sub, err := NewSubscriber(config, func(e Event) { received <- e })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	waitEvent(t, received)
	waitEvent(t, received)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, connections, 2)
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
