// Package stream maintains a client's auto-recovering subscription to the
// broker and dispatches decoded events to locally registered handlers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/runwatch/errors"
)

// DefaultReconnectWait is the fixed delay between reconnect attempts.
// There is no backoff and no attempt limit; only Close stops the loop.
const DefaultReconnectWait = 3 * time.Second

// Default channel naming.
const (
	DefaultGlobalChannel = "admin"
	DefaultScopePrefix   = "thread-"
)

// Wildcard registers a handler for every decoded event regardless of type.
const Wildcard = "*"

// Status is the multiplexer's connection state.
type Status int32

// Connection states.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FeedKind selects which logical feed Open establishes.
type FeedKind string

// Feed kinds.
const (
	// FeedGlobal subscribes the client to the global channel.
	FeedGlobal FeedKind = "global"
	// FeedScoped subscribes to one filter-keyed channel; opening a scoped
	// feed for a new key tears the previous one down first.
	FeedScoped FeedKind = "scoped"
)

// Handler receives one decoded event.
type Handler func(event map[string]any)

type registration struct {
	id   uint64
	fn   Handler
	once bool
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithReconnectWait overrides the fixed reconnect delay.
func WithReconnectWait(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.reconnectWait = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithGlobalChannel overrides the global feed's channel name.
func WithGlobalChannel(channel string) Option {
	return func(m *Multiplexer) {
		if channel != "" {
			m.globalChannel = channel
		}
	}
}

// WithScopePrefix overrides the scoped feed's channel name prefix.
func WithScopePrefix(prefix string) Option {
	return func(m *Multiplexer) {
		m.scopePrefix = prefix
	}
}

// Multiplexer owns one transport session, recovers it after every failure,
// and fans decoded events out to registered handlers. All dispatch is
// synchronous on the read loop's goroutine.
type Multiplexer struct {
	dialer        Dialer
	reconnectWait time.Duration
	globalChannel string
	scopePrefix   string
	logger        *slog.Logger

	status atomic.Int32

	mu            sync.Mutex
	conn          Conn
	channels      map[string]struct{} // desired set, re-applied on every dial
	scopedChannel string              // at most one scoped channel at a time
	handlers      map[string][]registration
	handlerSeq    uint64
	seen          map[string]struct{} // event_id dedup, first occurrence wins
	started       bool
	cancel        context.CancelFunc
	runDone       chan struct{}

	closeOnce sync.Once
}

// NewMultiplexer creates a multiplexer over the given dialer.
func NewMultiplexer(dialer Dialer, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		dialer:        dialer,
		reconnectWait: DefaultReconnectWait,
		globalChannel: DefaultGlobalChannel,
		scopePrefix:   DefaultScopePrefix,
		logger:        slog.Default(),
		channels:      make(map[string]struct{}),
		handlers:      make(map[string][]registration),
		seen:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current connection state.
func (m *Multiplexer) Status() Status {
	return Status(m.status.Load())
}

func (m *Multiplexer) setStatus(s Status) {
	m.status.Store(int32(s))
}

// Open establishes a feed. The first call starts the connect loop; later
// calls adjust the subscription set on the live session. A scoped feed
// replaces any previously scoped one.
func (m *Multiplexer) Open(ctx context.Context, kind FeedKind, filterKey string) error {
	if m.Status() == StatusClosed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Multiplexer", "Open", string(kind))
	}

	m.mu.Lock()
	var toAdd, toRemove []string
	switch kind {
	case FeedGlobal:
		if _, ok := m.channels[m.globalChannel]; !ok {
			m.channels[m.globalChannel] = struct{}{}
			toAdd = append(toAdd, m.globalChannel)
		}
	case FeedScoped:
		if filterKey == "" {
			m.mu.Unlock()
			return errors.WrapInvalid(errors.ErrMissingChannel, "Multiplexer", "Open",
				"scoped feed requires a filter key")
		}
		channel := m.scopePrefix + filterKey
		if m.scopedChannel == channel {
			m.mu.Unlock()
			return nil
		}
		if m.scopedChannel != "" {
			delete(m.channels, m.scopedChannel)
			toRemove = append(toRemove, m.scopedChannel)
		}
		m.scopedChannel = channel
		m.channels[channel] = struct{}{}
		toAdd = append(toAdd, channel)
	default:
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Multiplexer", "Open",
			"unknown feed kind "+string(kind))
	}

	if !m.started {
		m.started = true
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.runDone = make(chan struct{})
		m.mu.Unlock()
		go m.run(runCtx)
		return nil
	}

	conn := m.conn
	m.mu.Unlock()

	// Apply the delta to the live session. A transport that cannot change its
	// set in place reports ErrNotSubscribed; dropping the session makes the
	// connect loop redial with the updated desired set.
	if conn != nil {
		for _, channel := range toRemove {
			if err := conn.Unsubscribe(channel); err != nil {
				m.logger.Debug("in-place unsubscribe unsupported, redialing", "channel", channel)
				_ = conn.Close()
				return nil
			}
		}
		for _, channel := range toAdd {
			if err := conn.Subscribe(channel); err != nil {
				m.logger.Debug("in-place subscribe unsupported, redialing", "channel", channel)
				_ = conn.Close()
				return nil
			}
		}
	}
	return nil
}

// On registers a handler for an event type, or for every event when the type
// is Wildcard. The returned function unregisters it.
func (m *Multiplexer) On(eventType string, fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(eventType, fn, false)
}

// Once registers a handler that unregisters itself after its first
// invocation. The returned function cancels it early.
func (m *Multiplexer) Once(eventType string, fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(eventType, fn, true)
}

// register must be called with mu held.
func (m *Multiplexer) register(eventType string, fn Handler, once bool) func() {
	m.handlerSeq++
	id := m.handlerSeq
	m.handlers[eventType] = append(m.handlers[eventType], registration{id: id, fn: fn, once: once})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeHandler(eventType, id)
	}
}

// removeHandler must be called with mu held.
func (m *Multiplexer) removeHandler(eventType string, id uint64) {
	regs := m.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			m.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Close tears the session down permanently.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.setStatus(StatusClosed)
		m.mu.Lock()
		cancel := m.cancel
		conn := m.conn
		done := m.runDone
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if done != nil {
			<-done
		}
	})
	return nil
}

// run is the connect loop: dial, read until failure, wait, repeat. Only
// cancellation ends it, and cancellation is terminal.
func (m *Multiplexer) run(ctx context.Context) {
	defer close(m.runDone)
	defer m.setStatus(StatusClosed)

	for {
		if ctx.Err() != nil {
			return
		}
		m.setStatus(StatusConnecting)

		m.mu.Lock()
		channels := make([]string, 0, len(m.channels))
		for channel := range m.channels {
			channels = append(channels, channel)
		}
		m.mu.Unlock()

		conn, err := m.dialer.Dial(ctx, channels)
		if err != nil {
			m.logger.Debug("dial failed, retrying", "error", err)
			if !m.waitReconnect(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setStatus(StatusOpen)
		m.logger.Debug("stream open", "channels", channels)

		m.readUntilFailure(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.setStatus(StatusDisconnected)
		if !m.waitReconnect(ctx) {
			return
		}
	}
}

func (m *Multiplexer) waitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.reconnectWait):
		return true
	}
}

// readUntilFailure pumps messages into dispatch until the session dies.
func (m *Multiplexer) readUntilFailure(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debug("stream read failed", "error", err)
			return
		}
		m.dispatch(data)
	}
}

// Backfill runs replayed events through the same decode and dispatch path as
// live traffic. Replay and live traffic share the event_id dedup set, so
// events seen in both are delivered once.
func (m *Multiplexer) Backfill(events []json.RawMessage) {
	for _, raw := range events {
		m.dispatch(raw)
	}
}

// dispatch decodes one server message and invokes matching handlers.
// A single undecodable message is skipped; nothing here ends the session.
func (m *Multiplexer) dispatch(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Debug("skipping undecodable message", "error", err)
		return
	}

	event := unwrap(msg)
	eventType := resolveType(event)

	// event_id dedup across backfill and live delivery
	if id, ok := event["event_id"].(string); ok && id != "" {
		m.mu.Lock()
		if _, dup := m.seen[id]; dup {
			m.mu.Unlock()
			return
		}
		m.seen[id] = struct{}{}
		m.mu.Unlock()
	}

	// Snapshot handlers so registration changes during dispatch are safe.
	// Typed handlers fire before wildcard handlers.
	m.mu.Lock()
	targets := make([]registration, 0, len(m.handlers[eventType])+len(m.handlers[Wildcard]))
	targets = append(targets, m.handlers[eventType]...)
	if eventType != Wildcard {
		targets = append(targets, m.handlers[Wildcard]...)
	}
	for _, reg := range targets {
		if reg.once {
			key := eventType
			if !m.contains(eventType, reg.id) {
				key = Wildcard
			}
			m.removeHandler(key, reg.id)
		}
	}
	m.mu.Unlock()

	for _, reg := range targets {
		reg.fn(event)
	}
}

// contains must be called with mu held.
func (m *Multiplexer) contains(eventType string, id uint64) bool {
	for _, reg := range m.handlers[eventType] {
		if reg.id == id {
			return true
		}
	}
	return false
}

// unwrap peels the fan-out frame and at most one bridge envelope off a server
// message, returning the event object handlers should see.
func unwrap(msg map[string]any) map[string]any {
	event := msg

	// Fan-out frame {channel, event, data}: the event object is the data.
	if _, hasChannel := msg["channel"]; hasChannel {
		if _, hasEvent := msg["event"]; hasEvent {
			if data, ok := msg["data"].(map[string]any); ok {
				event = data
			}
		}
	}

	// Bridge envelope {type:"data", payload:{...}}: unwrap one level only.
	if t, _ := event["type"].(string); t == "data" {
		if payload, ok := event["payload"].(map[string]any); ok {
			event = payload
		}
	}

	return event
}

// resolveType extracts the event's type: the "type" field, the legacy
// "event_type" field, or "unknown".
func resolveType(event map[string]any) string {
	if t, ok := event["type"].(string); ok && t != "" {
		return t
	}
	if t, ok := event["event_type"].(string); ok && t != "" {
		return t
	}
	return "unknown"
}
