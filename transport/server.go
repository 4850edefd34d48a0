// Package transport exposes observer-facing endpoints: a WebSocket stream, an
// SSE stream, and backlog replay reads. Both stream flavors attach connections
// to the broker registry; the registry owns them from then on.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/runwatch/backlog"
	"github.com/c360/runwatch/broker"
	"github.com/c360/runwatch/metric"
)

// Server timing defaults.
const (
	DefaultPingInterval      = 30 * time.Second
	DefaultPongWait          = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

// Config holds transport settings.
type Config struct {
	// PingInterval sets how often WebSocket pings go out.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`

	// PongWait bounds how long a WebSocket read waits for traffic or a pong.
	PongWait time.Duration `json:"pong_wait" yaml:"pong_wait"`

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// HeartbeatInterval sets how often SSE keepalive comments go out.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Server attaches observer connections to the registry and serves replay reads.
type Server struct {
	config   Config
	registry broker.Registry
	store    backlog.Store
	upgrader websocket.Upgrader
	logger   *slog.Logger
	core     *metric.CoreMetrics

	// Shutdown coordination for connection goroutines
	mu       sync.Mutex
	shutdown chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a transport server. The backlog store, logger and core
// metrics are optional; a nil store disables the replay endpoint's data.
func NewServer(config Config, registry broker.Registry, store backlog.Store, logger *slog.Logger, core *metric.CoreMetrics) *Server {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   config,
		registry: registry,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Browser origin policy is enforced upstream by the proxy
				return true
			},
		},
		logger:   logger,
		core:     core,
		shutdown: make(chan struct{}),
	}
}

// RegisterHandlers mounts the observer endpoints on the mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/events", s.handleSSE)
	mux.HandleFunc("/backlog", s.handleBacklog)
}

// Stop signals all connection goroutines and waits for them to finish.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.shutdown)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("transport goroutines did not exit within timeout")
	}
	return nil
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}
