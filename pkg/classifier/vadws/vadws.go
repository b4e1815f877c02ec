// Package vadws provides a websocket-backed VAD gateway. It implements the
// classifier.VADGateway interface.
//
// The wire protocol is JSON text messages in both directions. Each packet
// goes out as a single message carrying the base64-encoded PCM payload and
// its correlation identifier; the detector answers with one verdict message
// per packet, echoing the identifier. The connection is long-lived and
// reconnected with exponential backoff; packets queued while the link is
// down are delivered after reconnection, and their verdicts simply arrive
// late or not at all.
package vadws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/virelia/sonoflux/pkg/classifier"
)

const (
	defaultQueueSize   = 256
	defaultDialTimeout = 10 * time.Second
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultMaxRetries  = 10
)

// ErrClosed is returned by SubmitPacket after Close has been called.
var ErrClosed = errors.New("vadws: client is closed")

// ErrQueueFull is returned by SubmitPacket when the outbound queue is full.
// The packet is dropped; its verdict will never arrive and the caller's
// pending-verdict timeout covers the loss.
var ErrQueueFull = errors.New("vadws: packet queue is full")

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithToken sets the bearer token sent during the websocket handshake.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithQueueSize sets the capacity of the outbound packet queue and the
// inbound verdict channel. Defaults to 256.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithDialTimeout bounds each (re)connection attempt. Defaults to 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithBackoff sets the initial and maximum reconnection backoff. The delay
// doubles after each failed attempt up to max. Defaults to 1s and 30s.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRetries caps consecutive failed reconnection attempts before the
// client gives up and closes its Verdicts channel. Zero or negative means
// the default of 10.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithLogger sets the logger for connection lifecycle and dropped replies.
// Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client is a live connection to a remote voice-activity detector. It
// implements classifier.VADGateway.
type Client struct {
	endpoint    string
	token       string
	queueSize   int
	dialTimeout time.Duration
	backoff     time.Duration
	maxBackoff  time.Duration
	maxRetries  int
	log         *slog.Logger

	queue    chan classifier.PacketRequest
	verdicts chan classifier.Verdict

	mu   sync.Mutex
	conn *websocket.Conn

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Dial connects to the detector at endpoint (a ws:// or wss:// URL) and
// starts the delivery loops. The initial connection failing is fatal;
// later drops are retried with backoff.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("vadws: endpoint must not be empty")
	}

	c := &Client{
		endpoint:    endpoint,
		queueSize:   defaultQueueSize,
		dialTimeout: defaultDialTimeout,
		backoff:     defaultBackoff,
		maxBackoff:  defaultMaxBackoff,
		maxRetries:  defaultMaxRetries,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.queue = make(chan classifier.PacketRequest, c.queueSize)
	c.verdicts = make(chan classifier.Verdict, c.queueSize)
	c.done = make(chan struct{})

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("vadws: dial %s: %w", endpoint, err)
	}
	c.setConn(conn)

	c.wg.Add(1)
	go c.run(conn)

	return c, nil
}

// SubmitPacket queues one packet for classification. It never blocks: a full
// queue returns ErrQueueFull immediately and the packet is dropped. The
// context is unused; submission either succeeds or fails at once.
func (c *Client) SubmitPacket(_ context.Context, req classifier.PacketRequest) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- req:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Verdicts returns the channel of detector verdicts. Closed after Close, or
// after reconnection gives up.
func (c *Client) Verdicts() <-chan classifier.Verdict {
	return c.verdicts
}

// Close terminates the connection and waits for the delivery loops to exit.
// Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		c.wg.Wait()
	})
	return nil
}

// Ensure Client implements classifier.VADGateway at compile time.
var _ classifier.VADGateway = (*Client)(nil)

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return conn, err
}

// setConn publishes the active connection so Close can terminate it. It
// refuses (and closes) the connection when the client shut down while the
// dial was in flight.
func (c *Client) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return false
	default:
	}
	c.conn = conn
	return true
}

// run serves one connection at a time, reconnecting with exponential backoff
// when a connection fails. It owns the verdicts channel.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.verdicts)

	for {
		err := c.serve(conn)
		conn.Close(websocket.StatusNormalClosure, "connection replaced")

		select {
		case <-c.done:
			return
		default:
		}

		c.log.Warn("vad connection lost, reconnecting",
			"endpoint", c.endpoint,
			"error", err,
		)

		next, ok := c.reconnect()
		if !ok {
			return
		}
		if !c.setConn(next) {
			return
		}
		conn = next
	}
}

// reconnect attempts to re-establish the connection with exponential
// backoff. Returns false when retries are exhausted or the client closed.
func (c *Client) reconnect() (*websocket.Conn, bool) {
	backoff := c.backoff
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(backoff):
		}

		dctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
		conn, err := c.dial(dctx)
		cancel()
		if err == nil {
			c.log.Info("vad connection re-established",
				"endpoint", c.endpoint,
				"attempt", attempt,
			)
			return conn, true
		}

		c.log.Warn("vad reconnection attempt failed",
			"endpoint", c.endpoint,
			"attempt", attempt,
			"error", err,
		)

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	c.log.Error("vad reconnection failed after max retries",
		"endpoint", c.endpoint,
		"max_retries", c.maxRetries,
	)
	return nil, false
}

// serve pumps one connection until it fails or the client closes.
func (c *Client) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	werr := make(chan error, 1)
	go func() {
		werr <- c.writePump(conn, stop)
	}()

	rerr := c.readPump(conn)
	select {
	case err := <-werr:
		if err != nil {
			return err
		}
	default:
	}
	return rerr
}

// writePump drains the packet queue onto the connection.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) error {
	for {
		select {
		case req := <-c.queue:
			msg, err := encodePacket(req)
			if err != nil {
				c.log.Warn("vad packet encode failed, dropping",
					"stream_id", req.StreamID,
					"correlation_id", req.CorrelationID,
					"error", err,
				)
				continue
			}
			if err := conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
				return err
			}
		case <-stop:
			return nil
		case <-c.done:
			return nil
		}
	}
}

// readPump receives verdict messages until the connection fails.
func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(context.Background())
		if err != nil {
			return err
		}

		verdict, ok := parseVerdict(msg)
		if !ok {
			c.log.Debug("vad reply dropped: unparseable or unknown type")
			continue
		}

		select {
		case c.verdicts <- verdict:
		case <-c.done:
			return nil
		}
	}
}

// ---- wire format ----

// packetMessage is the outbound JSON frame for one audio packet.
type packetMessage struct {
	Type          string `json:"type"`
	StreamID      string `json:"stream_id"`
	CorrelationID uint64 `json:"correlation_id"`
	SampleRate    int    `json:"sample_rate"`
	Audio         string `json:"audio"`
}

// verdictMessage is the inbound JSON frame for one classification verdict.
type verdictMessage struct {
	Type          string  `json:"type"`
	StreamID      string  `json:"stream_id"`
	CorrelationID uint64  `json:"correlation_id"`
	Speech        bool    `json:"speech"`
	Confidence    float64 `json:"confidence"`
}

func encodePacket(req classifier.PacketRequest) ([]byte, error) {
	return sonic.Marshal(packetMessage{
		Type:          "packet",
		StreamID:      req.StreamID,
		CorrelationID: req.CorrelationID,
		SampleRate:    req.SampleRate,
		Audio:         base64.StdEncoding.EncodeToString(req.Audio),
	})
}

// parseVerdict parses a raw websocket message into a Verdict. Returns
// (zero, false) if the message should be ignored.
func parseVerdict(data []byte) (classifier.Verdict, bool) {
	var msg verdictMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return classifier.Verdict{}, false
	}
	if msg.Type != "verdict" {
		return classifier.Verdict{}, false
	}
	return classifier.Verdict{
		StreamID:      msg.StreamID,
		CorrelationID: msg.CorrelationID,
		Speech:        msg.Speech,
		Confidence:    msg.Confidence,
	}, true
}
