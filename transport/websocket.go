package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientAction is the observer-to-server control message.
type clientAction struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// wsSender adapts one WebSocket connection to the registry's Sender.
// gorilla/websocket panics on concurrent writes, so every write — frames,
// acks and pings — goes through the mutex.
type wsSender struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (s *wsSender) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket upgrades the request and attaches the connection to the
// registry until the peer goes away or the server stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		if s.core != nil {
			s.core.RecordError("transport", "ws_upgrade")
		}
		return
	}

	// Recheck under the lock Stop takes: wg.Add must not race wg.Wait.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(2)
	s.mu.Unlock()

	connectionID := uuid.NewString()
	sender := &wsSender{conn: conn, writeTimeout: s.config.WriteTimeout}
	s.registry.Connect(connectionID, sender)

	s.logger.Debug("websocket connected",
		"connection_id", connectionID, "remote", r.RemoteAddr)

	go s.pingLoop(connectionID, sender, conn)
	go s.readLoop(connectionID, conn)
}

// readLoop consumes subscribe/unsubscribe actions until the connection dies.
func (s *Server) readLoop(connectionID string, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.registry.Disconnect(connectionID)
		_ = conn.Close()
		s.logger.Debug("websocket disconnected", "connection_id", connectionID)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		if s.stopping() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var action clientAction
		if err := json.Unmarshal(data, &action); err != nil {
			s.logger.Debug("ignoring malformed client message",
				"connection_id", connectionID, "error", err)
			continue
		}

		switch action.Action {
		case "subscribe":
			if action.Channel == "" {
				continue
			}
			if err := s.registry.Subscribe(connectionID, action.Channel); err != nil {
				s.logger.Warn("subscribe failed",
					"connection_id", connectionID, "channel", action.Channel, "error", err)
			}
		case "unsubscribe":
			if action.Channel == "" {
				continue
			}
			if err := s.registry.Unsubscribe(connectionID, action.Channel); err != nil {
				s.logger.Warn("unsubscribe failed",
					"connection_id", connectionID, "channel", action.Channel, "error", err)
			}
		default:
			// Unknown actions are ignored so protocol additions stay compatible
		}
	}
}

// pingLoop keeps the connection's liveness check running. A failed ping closes
// the connection, which unblocks the read loop's cleanup path.
func (s *Server) pingLoop(connectionID string, sender *wsSender, conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := sender.ping(); err != nil {
				s.logger.Debug("ping failed, closing connection",
					"connection_id", connectionID, "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}
