// Package broker maintains the connection registry and performs channel-scoped
// fan-out of execution events to subscribed observer connections.
package broker

import (
	"context"
	"encoding/json"
)

// Sender delivers one framed message to a connection's transport.
// Implementations are provided by the transport layer at connect time;
// a Send that returns an error marks the connection stale and the registry
// prunes it.
type Sender interface {
	Send(data []byte) error
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(data []byte) error

// Send implements Sender
func (f SenderFunc) Send(data []byte) error {
	return f(data)
}

// Result reports the outcome of one fan-out operation
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Frame is the server-to-client wire unit
type Frame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Ack is the acknowledgment message sent back on subscribe/unsubscribe
type Ack struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Acknowledgment types
const (
	AckSubscribed   = "subscription_succeeded"
	AckUnsubscribed = "unsubscribe_succeeded"
)

// Registry maintains the mapping from connection to subscribed channels and
// performs fan-out send. Connections are exclusively owned by the registry:
// all access goes through these operations, never through shared structures.
type Registry interface {
	// Connect registers a connection with an empty subscription set.
	Connect(connectionID string, sender Sender)

	// Disconnect removes the connection and all its subscriptions. Idempotent.
	Disconnect(connectionID string)

	// Subscribe adds a channel to the connection's set and sends a
	// subscription acknowledgment back to that connection only.
	Subscribe(connectionID, channel string) error

	// Unsubscribe removes a channel from the connection's set and sends an
	// acknowledgment back.
	Unsubscribe(connectionID, channel string) error

	// Publish fans the event out to every connection subscribed to channel,
	// except excludeID when non-empty. A failed point-to-point send prunes
	// the stale connection and is counted; it never aborts delivery to the
	// remaining connections. Publish itself cannot fail: worst case Sent=0.
	Publish(ctx context.Context, channel, event string, payload json.RawMessage, excludeID string) Result

	// ConnectionCount returns the number of locally registered connections.
	ConnectionCount() int
}
