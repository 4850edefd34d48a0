package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/runwatch/errors"
)

// Conn is one live transport session. Subscribe and Unsubscribe adjust the
// channel set in place when the transport supports it; a transport that
// cannot (SSE fixes its set at dial time) returns ErrNotSubscribed and the
// multiplexer redials with the updated set. Nothing outside the Dialer
// implementations knows which transport is in use.
type Conn interface {
	// ReadMessage blocks for the next server message.
	ReadMessage() ([]byte, error)

	// Subscribe adds a channel to the session.
	Subscribe(channel string) error

	// Unsubscribe removes a channel from the session.
	Unsubscribe(channel string) error

	Close() error
}

// Dialer establishes transport sessions already subscribed to channels.
type Dialer interface {
	Dial(ctx context.Context, channels []string) (Conn, error)
}

// ----- WebSocket transport -----

// WebSocketDialer connects to the broker's /ws endpoint.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header carries extra handshake headers, if any.
	Header http.Header

	// HandshakeTimeout bounds the dial. Zero selects gorilla's default.
	HandshakeTimeout time.Duration
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects and writes a subscribe action per requested channel.
func (d *WebSocketDialer) Dial(ctx context.Context, channels []string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "WebSocketDialer", "Dial", d.URL)
	}

	c := &wsConn{conn: conn}
	for _, channel := range channels {
		if err := c.Subscribe(channel); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.WrapTransient(err, "wsConn", "ReadMessage", "read frame")
	}
	return data, nil
}

func (c *wsConn) writeAction(action, channel string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(map[string]string{"action": action, "channel": channel})
	if err != nil {
		return errors.Wrap(err, "wsConn", "writeAction", action)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "wsConn", "writeAction", action)
	}
	return nil
}

func (c *wsConn) Subscribe(channel string) error {
	return c.writeAction("subscribe", channel)
}

func (c *wsConn) Unsubscribe(channel string) error {
	return c.writeAction("unsubscribe", channel)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ----- SSE transport -----

// SSEDialer streams from the broker's /events endpoint. The channel set is
// part of the request, so in-place subscription changes are unsupported and
// surface as ErrNotSubscribed.
type SSEDialer struct {
	// URL is the http:// or https:// endpoint.
	URL string

	// Client is the HTTP client to stream with. Nil selects a default with
	// no overall timeout (the stream is long-lived).
	Client *http.Client
}

type sseConn struct {
	body     interface{ Close() error }
	scanner  *bufio.Scanner
	channels map[string]struct{}
}

// Dial opens the event stream with the channel set encoded in the query.
func (d *SSEDialer) Dial(ctx context.Context, channels []string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SSEDialer", "Dial", d.URL)
	}
	q := u.Query()
	q.Set("channels", strings.Join(channels, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SSEDialer", "Dial", "build request")
	}
	req.Header.Set("Accept", "text/event-stream")

	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "SSEDialer", "Dial", u.String())
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.WrapTransient(errors.ErrNoConnection, "SSEDialer", "Dial",
			resp.Status)
	}

	subscribed := make(map[string]struct{}, len(channels))
	for _, channel := range channels {
		subscribed[channel] = struct{}{}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &sseConn{
		body:     resp.Body,
		scanner:  scanner,
		channels: subscribed,
	}, nil
}

// ReadMessage returns the next data event's payload, skipping keepalive
// comments and blank separators.
func (c *sseConn) ReadMessage() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return []byte(data), nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sseConn", "ReadMessage", "read stream")
	}
	return nil, errors.WrapTransient(errors.ErrStreamClosed, "sseConn", "ReadMessage", "stream ended")
}

func (c *sseConn) Subscribe(channel string) error {
	if _, ok := c.channels[channel]; ok {
		return nil
	}
	return errors.WrapTransient(errors.ErrNotSubscribed, "sseConn", "Subscribe", channel)
}

func (c *sseConn) Unsubscribe(channel string) error {
	if _, ok := c.channels[channel]; !ok {
		return nil
	}
	return errors.WrapTransient(errors.ErrNotSubscribed, "sseConn", "Unsubscribe", channel)
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
