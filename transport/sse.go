package transport

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/runwatch/errors"
)

// sseSender adapts one SSE response stream to the registry's Sender.
// Frames and acks both go out as data events; keepalives as comments.
// The registry may hold a snapshot of this sender past the handler's
// lifetime, and the ResponseWriter dies with the handler, so every write
// checks the closed flag under the same mutex that close sets it.
type sseSender struct {
	w       http.ResponseWriter
	flusher http.Flusher
	writeMu sync.Mutex
	closed  bool
}

func (s *sseSender) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errors.WrapTransient(errors.ErrConnectionLost, "sseSender", "Send", "stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSender) heartbeat() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errors.WrapTransient(errors.ErrConnectionLost, "sseSender", "heartbeat", "stream closed")
	}
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// close bars all further writes. Must run before the handler returns so an
// in-flight Publish fails the send instead of touching the dead writer.
func (s *sseSender) close() {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()
}

// handleSSE serves GET /events?channels=a,b as a server-sent event stream.
// Unlike the WebSocket endpoint there is no client-to-server control path, so
// the subscription set is fixed by the query string for the stream's lifetime.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stopping() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var channels []string
	for _, raw := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if channel := strings.TrimSpace(raw); channel != "" {
			channels = append(channels, channel)
		}
	}
	if len(channels) == 0 {
		http.Error(w, "channels query parameter is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connectionID := uuid.NewString()
	sender := &sseSender{w: w, flusher: flusher}
	s.registry.Connect(connectionID, sender)
	defer s.registry.Disconnect(connectionID)
	defer sender.close()

	for _, channel := range channels {
		if err := s.registry.Subscribe(connectionID, channel); err != nil {
			s.logger.Warn("sse subscribe failed",
				"connection_id", connectionID, "channel", channel, "error", err)
			return
		}
	}

	s.logger.Debug("sse stream opened",
		"connection_id", connectionID, "channels", channels)

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	// The registry pushes frames through the sender; this loop only keeps the
	// stream alive and notices the peer going away.
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse stream closed", "connection_id", connectionID)
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := sender.heartbeat(); err != nil {
				return
			}
		}
	}
}
