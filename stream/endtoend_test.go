package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runwatch/broker"
	"github.com/c360/runwatch/ingress"
	"github.com/c360/runwatch/timeline"
	"github.com/c360/runwatch/transport"
)

// Wires the full server path (ingress -> registry -> websocket transport)
// against a live multiplexer.
func TestEndToEnd_BroadcastReachesHandlers(t *testing.T) {
	registry := broker.NewMemory(nil, nil)

	server := transport.NewServer(transport.Config{}, registry, nil, nil, nil)
	ingressHandler, err := ingress.NewHandler(ingress.Config{APIKey: "e2e-key"}, registry, nil, nil, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	mux.Handle("/broadcast", ingressHandler)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	defer server.Stop(2 * time.Second)

	m := NewMultiplexer(
		&WebSocketDialer{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"},
		WithReconnectWait(50*time.Millisecond),
	)
	defer m.Close()

	typed := &collector{}
	wild := &collector{}
	m.On("run_started", typed.handler)
	m.On(Wildcard, wild.handler)

	require.NoError(t, m.Open(context.Background(), FeedGlobal, ""))
	waitStatus(t, m, StatusOpen)

	// Wait for the server-side subscription to land, then broadcast once
	var resp *http.Response
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/broadcast",
			bytes.NewReader([]byte(`{"channel":"admin","event":"admin_event","data":{"type":"run_started","thread_id":"t1"}}`)))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer e2e-key")
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var body ingress.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode == http.StatusOK && body.Sent == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Exactly one typed dispatch carrying the thread id
	require.Eventually(t, func() bool { return typed.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	typed.mu.Lock()
	assert.Equal(t, "t1", typed.events[0]["thread_id"])
	typed.mu.Unlock()

	// Exactly one wildcard dispatch for the broadcast (acks aside)
	wild.mu.Lock()
	matches := 0
	for _, e := range wild.events {
		if e["type"] == "run_started" {
			matches++
			assert.Equal(t, "t1", e["thread_id"])
		}
	}
	wild.mu.Unlock()
	assert.Equal(t, 1, matches)
}

// Feeds dispatched workflow updates through the normalizer into the graph
// builder, the way a timeline observer consumes the stream.
func TestEndToEnd_TimelineGraphFromStream(t *testing.T) {
	registry := broker.NewMemory(nil, nil)
	server := transport.NewServer(transport.Config{}, registry, nil, nil, nil)

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	defer server.Stop(2 * time.Second)

	m := NewMultiplexer(
		&WebSocketDialer{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"},
		WithReconnectWait(50*time.Millisecond),
	)
	defer m.Close()

	var mu sync.Mutex
	builder := timeline.NewBuilder()
	m.On("workflow-update", func(event map[string]any) {
		kind, _ := event["type"].(string)
		normalized, ok := timeline.Normalize(kind, event)
		if !ok {
			return
		}
		mu.Lock()
		builder.Add(normalized)
		mu.Unlock()
	})

	require.NoError(t, m.Open(context.Background(), FeedGlobal, ""))
	waitStatus(t, m, StatusOpen)

	// Republishing until the subscription lands is safe: event-id dedup keeps
	// the dispatch single and the builder fold is idempotent anyway.
	first := json.RawMessage(`{"type":"workflow-update","phase":"run_started","event_id":"e1","thread_id":"t1"}`)
	require.Eventually(t, func() bool {
		return registry.Publish(context.Background(), "admin", "workflow-update", first, "").Sent == 1
	}, 3*time.Second, 20*time.Millisecond)

	second := json.RawMessage(`{"type":"workflow-update","phase":"step_started","event_id":"e2","parent_event_id":"e1","thread_id":"t1"}`)
	assert.Equal(t, 1, registry.Publish(context.Background(), "admin", "workflow-update", second, "").Sent)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(builder.Graph().Nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	graph := builder.Graph()
	mu.Unlock()

	assert.Equal(t, "e1", graph.Nodes[0].Event.EventID)
	assert.Equal(t, "e2", graph.Nodes[1].Event.EventID)
	require.Len(t, graph.Edges, 1)
	assert.Equal(t, timeline.Edge{From: "e1", To: "e2", Type: timeline.EdgeExecution},
		graph.Edges[0])
}

// Same scenario over the SSE transport.
func TestEndToEnd_SSETransport(t *testing.T) {
	registry := broker.NewMemory(nil, nil)

	server := transport.NewServer(transport.Config{
		HeartbeatInterval: 50 * time.Millisecond,
	}, registry, nil, nil, nil)

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	defer server.Stop(2 * time.Second)

	m := NewMultiplexer(
		&SSEDialer{URL: ts.URL + "/events"},
		WithReconnectWait(50*time.Millisecond),
	)
	defer m.Close()

	typed := &collector{}
	m.On("run_started", typed.handler)

	require.NoError(t, m.Open(context.Background(), FeedGlobal, ""))
	waitStatus(t, m, StatusOpen)

	require.Eventually(t, func() bool {
		return registry.Publish(context.Background(), "admin", "admin_event",
			[]byte(`{"type":"run_started","thread_id":"t9"}`), "").Sent == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return typed.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	typed.mu.Lock()
	assert.Equal(t, "t9", typed.events[0]["thread_id"])
	typed.mu.Unlock()
}
