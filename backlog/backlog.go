// Package backlog retains recently broadcast events per channel so that
// observers joining mid-run can reconstruct what they missed.
package backlog

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultPerScope is the per-channel retention depth when none is configured.
const DefaultPerScope = 100

// Entry is one retained broadcast.
type Entry struct {
	Channel    string          `json:"channel"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Store retains broadcasts and serves replay reads. Record keeps at most the
// configured number of entries per channel, discarding the oldest first.
type Store interface {
	// Record retains one broadcast. Best-effort: the caller proceeds with
	// live delivery whether or not retention succeeded.
	Record(channel, event string, payload json.RawMessage, receivedAt time.Time) error

	// Recent returns up to limit retained entries for the channel, oldest
	// first. A channel with no retained entries yields an empty slice.
	Recent(ctx context.Context, channel string, limit int) ([]Entry, error)
}
