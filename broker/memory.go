package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/runwatch/errors"
	"github.com/c360/runwatch/metric"
)

// connection holds one observer's registry state. Owned by the Memory
// registry; nothing outside this package references it.
type connection struct {
	sender   Sender
	channels map[string]struct{}
}

// Memory is the in-process Registry implementation for single-instance
// deployments. All state lives in one map guarded by a mutex; it is adequate
// only when every connection is guaranteed to land on this instance.
type Memory struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	logger *slog.Logger
	core   *metric.CoreMetrics
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an empty in-memory registry. Logger and core metrics are
// optional; nil disables the respective reporting.
func NewMemory(logger *slog.Logger, core *metric.CoreMetrics) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		conns:  make(map[string]*connection),
		logger: logger,
		core:   core,
	}
}

// Connect registers a connection with an empty subscription set
func (m *Memory) Connect(connectionID string, sender Sender) {
	m.mu.Lock()
	m.conns[connectionID] = &connection{
		sender:   sender,
		channels: make(map[string]struct{}),
	}
	count := len(m.conns)
	m.mu.Unlock()

	if m.core != nil {
		m.core.ConnectionsTotal.Inc()
		m.core.ConnectionsActive.Set(float64(count))
	}
	m.logger.Debug("connection registered", "connection_id", connectionID)
}

// Disconnect removes the connection and all its subscriptions. Idempotent.
func (m *Memory) Disconnect(connectionID string) {
	m.mu.Lock()
	conn, existed := m.conns[connectionID]
	if existed {
		delete(m.conns, connectionID)
	}
	count := len(m.conns)
	m.mu.Unlock()

	if !existed {
		return
	}

	if m.core != nil {
		m.core.ConnectionsActive.Set(float64(count))
		for channel := range conn.channels {
			m.core.Subscriptions.WithLabelValues(channel).Dec()
		}
	}
	m.logger.Debug("connection removed", "connection_id", connectionID)
}

// Subscribe adds the channel to the connection's set and acknowledges
func (m *Memory) Subscribe(connectionID, channel string) error {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrUnknownConnection, "Memory", "Subscribe", channel)
	}
	_, already := conn.channels[channel]
	conn.channels[channel] = struct{}{}
	sender := conn.sender
	m.mu.Unlock()

	if m.core != nil && !already {
		m.core.Subscriptions.WithLabelValues(channel).Inc()
	}

	return m.sendAck(connectionID, sender, Ack{Type: AckSubscribed, Channel: channel})
}

// Unsubscribe removes the channel from the connection's set and acknowledges
func (m *Memory) Unsubscribe(connectionID, channel string) error {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrUnknownConnection, "Memory", "Unsubscribe", channel)
	}
	_, had := conn.channels[channel]
	delete(conn.channels, channel)
	sender := conn.sender
	m.mu.Unlock()

	if m.core != nil && had {
		m.core.Subscriptions.WithLabelValues(channel).Dec()
	}

	return m.sendAck(connectionID, sender, Ack{Type: AckUnsubscribed, Channel: channel})
}

// sendAck delivers an acknowledgment to one connection; a failed send prunes it
func (m *Memory) sendAck(connectionID string, sender Sender, ack Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return errors.Wrap(err, "Memory", "sendAck", "marshal acknowledgment")
	}
	if err := sender.Send(data); err != nil {
		m.pruneStale(connectionID, err)
		return errors.WrapTransient(errors.ErrStaleConnection, "Memory", "sendAck", ack.Channel)
	}
	return nil
}

// Publish fans the event out to every subscriber of channel
func (m *Memory) Publish(
	_ context.Context, channel, event string, payload json.RawMessage, excludeID string,
) Result {
	start := time.Now()

	frame := Frame{Channel: channel, Event: event, Data: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		// Payload is caller-supplied RawMessage; a marshal failure means it
		// was not valid JSON. Nothing can be delivered.
		m.logger.Error("frame marshal failed", "channel", channel, "event", event, "error", err)
		if m.core != nil {
			m.core.RecordError("broker", "frame_marshal")
		}
		return Result{}
	}

	// Snapshot the target set so sends happen outside the lock
	type target struct {
		id     string
		sender Sender
	}
	m.mu.RLock()
	targets := make([]target, 0, len(m.conns))
	for id, conn := range m.conns {
		if id == excludeID {
			continue
		}
		if _, subscribed := conn.channels[channel]; subscribed {
			targets = append(targets, target{id: id, sender: conn.sender})
		}
	}
	m.mu.RUnlock()

	var result Result
	for _, tgt := range targets {
		if err := tgt.sender.Send(data); err != nil {
			result.Failed++
			m.pruneStale(tgt.id, err)
			if m.core != nil {
				m.core.RecordDeliveryFailure(channel)
			}
			continue
		}
		result.Sent++
		if m.core != nil {
			m.core.RecordDelivery(channel)
		}
	}

	if m.core != nil {
		m.core.EventsPublished.WithLabelValues(channel).Inc()
		m.core.BroadcastDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}

	return result
}

// pruneStale removes a connection whose transport is gone. The failure is
// recovered locally and never surfaced to the publisher.
func (m *Memory) pruneStale(connectionID string, sendErr error) {
	m.logger.Warn("pruning stale connection",
		"connection_id", connectionID, "error", sendErr)
	m.Disconnect(connectionID)
}

// ConnectionCount returns the number of registered connections
func (m *Memory) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Subscribed reports whether the connection currently has the channel
// in its subscription set.
func (m *Memory) Subscribed(connectionID, channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	_, subscribed := conn.channels[channel]
	return subscribed
}
