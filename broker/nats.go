package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/runwatch/errors"
)

// SubjectPrefix is the NATS subject space carrying cross-instance broadcasts.
// One subject per channel keeps server-side filtering cheap.
const SubjectPrefix = "runwatch.broadcast."

// relaySubject maps a channel name onto a single subject token.
// NATS reserves '.', '*', '>' and whitespace inside tokens; the envelope
// carries the exact channel, so the subject only needs to be valid.
func relaySubject(channel string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		default:
			return r
		}
	}, channel)
	return SubjectPrefix + sanitized
}

// backbone is the subset of natsclient.Client the NATS registry uses.
// Narrowed to an interface so tests can substitute testutil.MockNATSClient.
type backbone interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// relayEnvelope carries a broadcast between broker instances. Origin filters
// the publishing instance's own echo: local delivery already happened there.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

// NATS is the Registry implementation for multi-instance deployments.
// Connection state stays process-local (sockets are), so the sharable part of
// the registry is the publish path: every Publish is relayed over a NATS
// subject and each instance delivers to its locally attached connections.
type NATS struct {
	local      *Memory
	nc         backbone
	instanceID string
	logger     *slog.Logger
}

var _ Registry = (*NATS)(nil)

// NewNATS wraps a local in-memory registry with the shared NATS backbone.
func NewNATS(local *Memory, nc backbone, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		local:      local,
		nc:         nc,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// Start subscribes to the broadcast subject space. Must be called once before
// the registry serves traffic; the subscription lives until ctx is cancelled.
func (n *NATS) Start(ctx context.Context) error {
	err := n.nc.Subscribe(ctx, SubjectPrefix+">", n.handleRelay)
	if err != nil {
		return errors.WrapTransient(err, "NATS", "Start", "subscribe to broadcast subjects")
	}
	return nil
}

// handleRelay delivers a relayed broadcast to locally attached connections
func (n *NATS) handleRelay(ctx context.Context, data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.logger.Warn("dropping malformed relay envelope", "error", err)
		return
	}
	if env.Origin == n.instanceID {
		// Our own publish; local delivery already happened synchronously.
		return
	}
	n.local.Publish(ctx, env.Channel, env.Event, env.Data, env.Exclude)
}

// Connect registers a connection on this instance
func (n *NATS) Connect(connectionID string, sender Sender) {
	n.local.Connect(connectionID, sender)
}

// Disconnect removes a connection from this instance
func (n *NATS) Disconnect(connectionID string) {
	n.local.Disconnect(connectionID)
}

// Subscribe adds a channel subscription on this instance
func (n *NATS) Subscribe(connectionID, channel string) error {
	return n.local.Subscribe(connectionID, channel)
}

// Unsubscribe removes a channel subscription on this instance
func (n *NATS) Unsubscribe(connectionID, channel string) error {
	return n.local.Unsubscribe(connectionID, channel)
}

// ConnectionCount returns the number of connections attached to this instance
func (n *NATS) ConnectionCount() int {
	return n.local.ConnectionCount()
}

// Publish delivers to local subscribers synchronously and relays the event to
// the other instances. The returned counts cover this instance's deliveries;
// remote instances count their own.
func (n *NATS) Publish(
	ctx context.Context, channel, event string, payload json.RawMessage, excludeID string,
) Result {
	result := n.local.Publish(ctx, channel, event, payload, excludeID)

	env := relayEnvelope{
		Origin:  n.instanceID,
		Channel: channel,
		Event:   event,
		Data:    payload,
		Exclude: excludeID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("relay envelope marshal failed", "channel", channel, "error", err)
		return result
	}

	if err := n.nc.Publish(ctx, relaySubject(channel), data); err != nil {
		// Local delivery already succeeded; the relay failure is logged and
		// the backbone's own reconnect handling covers recovery.
		n.logger.Warn("relay publish failed", "channel", channel, "error", err)
	}

	return result
}
