// ABOUTME: Websocket transport client with token-driven lifecycle, backoff and heartbeat
// ABOUTME: One run goroutine per desired episode owns dial, read loop, heartbeat and retry timers

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/swapchat/internal/metrics"
	"github.com/2389/swapchat/internal/wire"
)

// State is the connection state owned by the Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Close codes reported in Disconnected events for client-side closes.
const (
	CodeNormal           = int(websocket.StatusNormalClosure)
	CodeAbnormal         = int(websocket.StatusAbnormalClosure)
	CodeHeartbeatTimeout = 4000
)

// Default timings.
const (
	DefaultSettleDelay  = 100 * time.Millisecond
	DefaultPingInterval = 25 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// ConnectionState is a snapshot of the client's lifecycle.
type ConnectionState struct {
	State         State
	RetryDelay    time.Duration
	RetryAttempts int
}

// Options configures a Client. Zero durations take the defaults above.
type Options struct {
	// URL is the websocket endpoint; the token is appended as ?token=.
	URL string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int

	SettleDelay  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	DialTimeout  time.Duration

	Logger *slog.Logger
}

// Client maintains a single logical connection to the message server.
type Client struct {
	opts   Options
	logger *slog.Logger
	events *broadcaster

	// lifecycle serializes SetToken, Connect and Disconnect so that two
	// token changes can never produce overlapping run loops.
	lifecycle sync.Mutex

	mu      sync.Mutex
	token   string
	desired bool
	state   State
	backoff *Backoff
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Client. It does not connect until a token is set.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("transport url: %w", err)
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	return &Client{
		opts:    opts,
		logger:  logger,
		events:  newBroadcaster(logger),
		backoff: NewBackoff(opts.BaseDelay, opts.MaxDelay, opts.Factor, opts.MaxAttempts),
	}, nil
}

// Subscribe returns a channel of transport events in the order they
// happened. The channel is closed when ctx is cancelled or the client is
// closed. Subscribers must keep reading or cancel ctx.
func (c *Client) Subscribe(ctx context.Context) <-chan Event {
	return c.events.subscribe(ctx)
}

// Status returns the current connection state and retry counters.
func (c *Client) Status() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		State:         c.state,
		RetryDelay:    c.backoff.Delay(),
		RetryAttempts: c.backoff.Attempts(),
	}
}

// Token returns the currently held token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken swaps the bearer token. An identical token is a no-op. Any
// other value tears down the current connection first; a non-empty token
// then connects after the settle delay, an empty one leaves the client
// disconnected with reconnection suppressed.
func (c *Client) SetToken(token string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.stop()

	c.mu.Lock()
	c.token = token
	c.backoff.Reset()
	c.mu.Unlock()

	if token == "" {
		c.logger.Info("token cleared, staying disconnected")
		return
	}
	c.start(c.opts.SettleDelay)
}

// Connect starts connecting if a token is held and no connection or
// reconnect cycle is already in progress.
func (c *Client) Connect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	running := c.done != nil
	hasToken := c.token != ""
	c.mu.Unlock()

	if running || !hasToken {
		return
	}
	c.start(0)
}

// Disconnect closes the connection and cancels any pending reconnect or
// heartbeat timer. Safe to call repeatedly and from any state.
func (c *Client) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
}

// Close disconnects and ends all subscriptions.
func (c *Client) Close() {
	c.Disconnect()
	c.events.close()
}

// Send writes a frame if connected. It never queues: false means the
// frame was not written.
func (c *Client) Send(ctx context.Context, frameType string, payload any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return false
	}

	data, err := wire.Encode(frameType, payload)
	if err != nil {
		c.logger.Error("failed to encode frame", "type", frameType, "error", err)
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.logger.Warn("frame write failed", "type", frameType, "error", err)
		return false
	}
	metrics.FramesOut.WithLabelValues(frameType).Inc()
	return true
}

// start launches a run loop. Must be called with lifecycle held and no
// loop running.
func (c *Client) start(settle time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.desired = true
	c.cancel = cancel
	c.done = done
	token := c.token
	c.mu.Unlock()

	go c.run(ctx, token, settle, done)
}

// stop cancels the run loop, if any, and waits for it to exit. Must be
// called with lifecycle held.
func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.desired = false
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run is the connection state machine:
// Disconnected -> Connecting -> Connected -> (Disconnected | Connecting).
func (c *Client) run(ctx context.Context, token string, settle time.Duration, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	if settle > 0 && !sleep(ctx, settle) {
		return
	}

	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.DialFailures.Inc()
			c.logger.Warn("connect failed", "error", err)
			c.events.publish(ErrorEvent{Detail: err.Error()})
			c.setState(StateDisconnected)
		} else {
			c.onConnected(conn)
			code, reason := c.serve(ctx, conn)
			c.onClosed(code, reason)
			if ctx.Err() != nil {
				return
			}
		}

		delay := c.nextDelay()
		metrics.Reconnects.Inc()
		c.logger.Info("reconnect scheduled", "retry_delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing: %w", err)
	}
	return conn, nil
}

func (c *Client) onConnected(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.backoff.Reset()
	c.mu.Unlock()

	metrics.TransportState.Set(float64(StateConnected))
	c.logger.Info("connected", "url", c.opts.URL)
	c.events.publish(Connected{})
}

func (c *Client) onClosed(code int, reason string) {
	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	metrics.TransportState.Set(float64(StateDisconnected))
	c.logger.Info("disconnected", "code", code, "reason", reason)
	c.events.publish(Disconnected{Code: code, Reason: reason})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.TransportState.Set(float64(s))
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Next()
}

// serve runs the read loop and heartbeat for one connection and returns
// the close code and reason once either fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (int, string) {
	// Detached from ctx so a cancelled Read does not tear the connection
	// down before the close handshake below.
	connCtx, cancel := context.WithCancel(context.Background())
	pongs := make(chan int64, 1)
	errc := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- c.readLoop(connCtx, conn, pongs)
	}()
	go func() {
		defer wg.Done()
		errc <- c.heartbeat(connCtx, conn, pongs)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errc:
	}

	var code int
	var reason string
	switch {
	case ctx.Err() != nil:
		code, reason = CodeNormal, "client disconnect"
		conn.Close(websocket.StatusNormalClosure, reason)
	case errors.Is(err, errHeartbeatTimeout):
		metrics.HeartbeatTimeouts.Inc()
		code, reason = CodeHeartbeatTimeout, errHeartbeatTimeout.Error()
		c.events.publish(ErrorEvent{Detail: reason})
		conn.CloseNow()
	default:
		code, reason = closeDetails(err)
		if code != CodeNormal {
			c.events.publish(ErrorEvent{Detail: err.Error()})
		}
		conn.CloseNow()
	}

	cancel()
	wg.Wait()
	return code, reason
}

// readLoop decodes frames until the connection fails. Malformed frames
// are dropped without ending the loop.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, pongs chan<- int64) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		frame, err := wire.Decode(data)
		if err != nil {
			metrics.MalformedFrames.Inc()
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			c.events.publish(ErrorEvent{Detail: err.Error()})
			continue
		}
		metrics.FramesIn.WithLabelValues(frame.Type).Inc()

		switch frame.Type {
		case wire.TypePong:
			select {
			case pongs <- frame.HeartbeatTS():
			default:
			}
		case wire.TypePing:
			if err := conn.Write(ctx, websocket.MessageText, wire.Pong(frame.HeartbeatTS())); err != nil {
				return err
			}
		default:
			c.events.publish(MessageEvent{Type: frame.Type, Payload: frame.Payload})
		}
	}
}

// heartbeat pings on a fixed interval and fails if the matching pong does
// not arrive within the pong timeout.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, pongs <-chan int64) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Discard pongs for earlier pings.
		select {
		case <-pongs:
		default:
		}

		sent := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, wire.Ping(sent))
		cancel()
		if err != nil {
			return fmt.Errorf("sending ping: %w", err)
		}

		if err := c.awaitPong(ctx, pongs, sent.UnixMilli()); err != nil {
			return err
		}
	}
}

func (c *Client) awaitPong(ctx context.Context, pongs <-chan int64, ts int64) error {
	timer := time.NewTimer(c.opts.PongTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case got := <-pongs:
			if got == 0 || got == ts {
				return nil
			}
			c.logger.Debug("ignoring stale pong", "ts", got, "want", ts)
		case <-timer.C:
			c.logger.Warn("no pong received", "timeout", c.opts.PongTimeout)
			return errHeartbeatTimeout
		}
	}
}

// closeDetails maps a read error to a close code and reason.
func closeDetails(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	if err == nil {
		return CodeAbnormal, "connection lost"
	}
	return CodeAbnormal, err.Error()
}

// sleep waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
