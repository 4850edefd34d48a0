package backlog

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/runwatch/errors"
)

// JetStream store defaults.
const (
	DefaultStreamName    = "RUNWATCH_BACKLOG"
	backlogSubjectPrefix = "runwatch.backlog."
	fetchBatchSize       = 64
)

// JetStreamConfig holds settings for the durable backlog store.
type JetStreamConfig struct {
	// StreamName names the backing stream. Empty selects the default.
	StreamName string `json:"stream_name" yaml:"stream_name"`

	// PerScope caps retained entries per channel. Zero selects the default.
	PerScope int `json:"per_scope" yaml:"per_scope"`

	// MaxAge expires retained entries. Zero keeps them until displaced.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// JetStreamStore is the durable Store. Retention survives restarts and is
// shared across broker instances; the stream's per-subject limit enforces the
// per-channel cap server-side.
type JetStreamStore struct {
	js       jetstream.JetStream
	stream   jetstream.Stream
	perScope int
}

var _ Store = (*JetStreamStore)(nil)

// NewJetStreamStore creates or updates the backing stream and returns the store.
func NewJetStreamStore(ctx context.Context, js jetstream.JetStream, config JetStreamConfig) (*JetStreamStore, error) {
	if js == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "JetStreamStore", "NewJetStreamStore",
			"JetStream context is required")
	}
	if config.StreamName == "" {
		config.StreamName = DefaultStreamName
	}
	if config.PerScope <= 0 {
		config.PerScope = DefaultPerScope
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              config.StreamName,
		Description:       "Recent broadcast retention for observer replay",
		Subjects:          []string{backlogSubjectPrefix + ">"},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: int64(config.PerScope),
		MaxAge:            config.MaxAge,
		Storage:           jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamStore", "NewJetStreamStore",
			"create backlog stream")
	}

	return &JetStreamStore{
		js:       js,
		stream:   stream,
		perScope: config.PerScope,
	}, nil
}

// scopeSubject maps a channel name onto a single subject token.
// NATS reserves '.', '*', '>' and whitespace inside tokens.
func scopeSubject(channel string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		default:
			return r
		}
	}, channel)
	return backlogSubjectPrefix + sanitized
}

// Record publishes the entry to the channel's backlog subject.
func (s *JetStreamStore) Record(channel, event string, payload json.RawMessage, receivedAt time.Time) error {
	entry := Entry{
		Channel:    channel,
		Event:      event,
		Data:       payload,
		ReceivedAt: receivedAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "JetStreamStore", "Record", "marshal entry")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.js.Publish(ctx, scopeSubject(channel), data); err != nil {
		return errors.WrapTransient(err, "JetStreamStore", "Record", channel)
	}
	return nil
}

// Recent reads the channel's retained entries through an ephemeral ordered
// consumer and returns the newest limit of them, oldest first.
func (s *JetStreamStore) Recent(ctx context.Context, channel string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.perScope {
		limit = s.perScope
	}

	consumer, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{scopeSubject(channel)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamStore", "Recent", channel)
	}

	// The per-subject limit bounds what DeliverAll can yield, so draining
	// with FetchNoWait terminates quickly.
	var entries []Entry
	for {
		batch, err := consumer.FetchNoWait(fetchBatchSize)
		if err != nil {
			return nil, errors.WrapTransient(err, "JetStreamStore", "Recent", channel)
		}
		received := 0
		for msg := range batch.Messages() {
			received++
			var entry Entry
			if err := json.Unmarshal(msg.Data(), &entry); err != nil {
				// Skip entries written by an incompatible version
				continue
			}
			entries = append(entries, entry)
		}
		if batch.Error() != nil {
			return nil, errors.WrapTransient(batch.Error(), "JetStreamStore", "Recent", channel)
		}
		if received < fetchBatchSize {
			break
		}
	}

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
