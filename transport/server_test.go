package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runwatch/backlog"
	"github.com/c360/runwatch/broker"
	"github.com/c360/runwatch/errors"
)

func newTestServer(t *testing.T, store backlog.Store) (*Server, *broker.Memory, *httptest.Server) {
	t.Helper()

	registry := broker.NewMemory(nil, nil)
	server := NewServer(Config{
		PingInterval:      50 * time.Millisecond,
		PongWait:          2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}, registry, store, nil, nil)

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		server.Stop(2 * time.Second)
	})
	return server, registry, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func waitForConnections(t *testing.T, registry *broker.Memory, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return registry.ConnectionCount() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientAction{Action: "subscribe", Channel: "admin"}))

	var ack broker.Ack
	readJSON(t, conn, &ack)
	assert.Equal(t, broker.AckSubscribed, ack.Type)
	assert.Equal(t, "admin", ack.Channel)

	result := registry.Publish(context.Background(), "admin", "admin_event",
		json.RawMessage(`{"type":"run_started","thread_id":"t1"}`), "")
	assert.Equal(t, broker.Result{Sent: 1}, result)

	var frame broker.Frame
	readJSON(t, conn, &frame)
	assert.Equal(t, "admin", frame.Channel)
	assert.Equal(t, "admin_event", frame.Event)
	assert.JSONEq(t, `{"type":"run_started","thread_id":"t1"}`, string(frame.Data))
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientAction{Action: "subscribe", Channel: "admin"}))
	var ack broker.Ack
	readJSON(t, conn, &ack)

	require.NoError(t, conn.WriteJSON(clientAction{Action: "unsubscribe", Channel: "admin"}))
	readJSON(t, conn, &ack)
	assert.Equal(t, broker.AckUnsubscribed, ack.Type)

	// After unsubscribing, nothing is delivered
	result := registry.Publish(context.Background(), "admin", "evt", json.RawMessage(`{}`), "")
	assert.Equal(t, broker.Result{}, result)
}

func TestWebSocket_DisconnectRemovesRegistryEntry(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	waitForConnections(t, registry, 1)

	conn.Close()
	waitForConnections(t, registry, 0)
}

func TestWebSocket_MalformedMessagesIgnored(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForConnections(t, registry, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(clientAction{Action: "dance", Channel: "admin"}))

	// Connection survives junk input
	require.NoError(t, conn.WriteJSON(clientAction{Action: "subscribe", Channel: "admin"}))
	var ack broker.Ack
	readJSON(t, conn, &ack)
	assert.Equal(t, broker.AckSubscribed, ack.Type)
}

func TestWebSocket_DialAfterStopRejected(t *testing.T) {
	server, _, ts := newTestServer(t, nil)
	require.NoError(t, server.Stop(time.Second))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocket_DialsRacingStop(t *testing.T) {
	server, _, ts := newTestServer(t, nil)

	var dialers sync.WaitGroup
	for i := 0; i < 8; i++ {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
			if err == nil {
				conn.Close()
			}
		}()
	}

	// Stop's wait must never overlap a handler still attaching goroutines
	require.NoError(t, server.Stop(2*time.Second))
	dialers.Wait()
}

func TestSSE_StreamReceivesFrames(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/events?channels=thread-t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForConnections(t, registry, 1)

	// Wait for the subscription to land before publishing
	require.Eventually(t, func() bool {
		return registry.Publish(context.Background(), "thread-t1", "workflow-update",
			json.RawMessage(`{}`), "").Sent == 1
	}, 2*time.Second, 10*time.Millisecond)

	scanner := bufio.NewScanner(resp.Body)
	var frames []broker.Frame
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame broker.Frame
		require.NoError(t, json.Unmarshal([]byte(data), &frame))
		if frame.Event == "" {
			// Subscription ack, keep reading
			continue
		}
		frames = append(frames, frame)
		if len(frames) >= 1 {
			break
		}
	}

	require.NotEmpty(t, frames)
	assert.Equal(t, "thread-t1", frames[0].Channel)
	assert.Equal(t, "workflow-update", frames[0].Event)
}

func TestSSE_SenderRejectsWritesAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	sender := &sseSender{w: rec, flusher: rec}

	require.NoError(t, sender.Send([]byte(`{"seq":1}`)))
	sender.close()

	err := sender.Send([]byte(`{"seq":2}`))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	require.Error(t, sender.heartbeat())

	// Nothing written after close reaches the stream
	assert.Contains(t, rec.Body.String(), `{"seq":1}`)
	assert.NotContains(t, rec.Body.String(), `{"seq":2}`)
}

func TestSSE_PublishAfterStreamCloses(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/events?channels=thread-t1")
	require.NoError(t, err)
	waitForConnections(t, registry, 1)
	resp.Body.Close()

	// Publishing while the handler winds down must not touch the dead response
	// writer; the failed send prunes the connection instead.
	require.Eventually(t, func() bool {
		result := registry.Publish(context.Background(), "thread-t1", "workflow-update",
			json.RawMessage(`{}`), "")
		return result.Sent == 0
	}, 2*time.Second, 5*time.Millisecond)
	waitForConnections(t, registry, 0)
}

func TestSSE_RequiresChannels(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBacklog_Replay(t *testing.T) {
	store := backlog.NewMemory(10, nil)
	for i := 0; i < 4; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, store.Record("thread-t1", "workflow-update", payload, time.Now()))
	}
	_, _, ts := newTestServer(t, store)

	resp, err := http.Get(ts.URL + "/backlog?channel=thread-t1&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body backlogResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "thread-t1", body.Channel)
	require.Len(t, body.Events, 2)
	assert.JSONEq(t, `{"seq":2}`, string(body.Events[0].Data))
	assert.JSONEq(t, `{"seq":3}`, string(body.Events[1].Data))
}

func TestBacklog_MissingChannel(t *testing.T) {
	_, _, ts := newTestServer(t, backlog.NewMemory(10, nil))

	resp, err := http.Get(ts.URL + "/backlog")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "channel")
}

func TestBacklog_NoStoreReturnsEmpty(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/backlog?channel=thread-t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body backlogResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Events)
}
