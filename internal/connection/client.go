package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/dashlink/internal/dispatch"
	"github.com/rickgao/dashlink/internal/envelope"
	"github.com/rickgao/dashlink/internal/metrics"
)

// Dialer opens the underlying WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDialer replaces the per-attempt gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// withAfterFunc replaces the reconnect timer source.
func withAfterFunc(f afterFunc) Option {
	return func(c *Client) {
		c.afterFunc = f
	}
}

// Client owns the single shared duplex connection. Create one per process
// and pass it to whoever needs to send or subscribe.
type Client struct {
	registry  *dispatch.Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics
	dialer    Dialer
	afterFunc afterFunc

	// Lifetime of the client; every attempt context derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	errors chan error

	// Write serialization
	writeMu sync.Mutex

	// State
	mu      sync.RWMutex
	state   State
	cfg     *settings // Retained config of the latest Connect
	current *attempt  // Socket slot; nil when there is no socket
	pending *Future   // At most one unsettled connect
	retry   reconnector
	closed  bool
}

// attempt is one physical socket from dial to close.
type attempt struct {
	id     string
	cfg    settings
	future *Future
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn // Set on open, guarded by Client.mu
	lastPong atomic.Int64    // Unix nanos of the last ping/pong seen
	stale    atomic.Bool     // Set when the heartbeat gave up on the socket
}

// NewClient creates a disconnected client dispatching inbound messages to
// registry. A nil registry gets a private one.
func NewClient(registry *dispatch.Registry, opts ...Option) *Client {
	c := &Client{
		logger:    slog.Default(),
		afterFunc: realAfterFunc,
		errors:    make(chan error, 16),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if registry == nil {
		registry = dispatch.NewRegistry(c.logger, c.metrics)
	}
	c.registry = registry
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.metrics.SetState(StateDisconnected.String())
	return c
}

// Connect starts connecting with cfg and returns immediately. The returned
// future resolves when the socket opens and rejects if it fails first.
//
// While a connection is already connecting or connected, no new socket is
// created: a connecting attempt hands back its own future, a connected one
// an already resolved future.
func (c *Client) Connect(cfg Config) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return settledFuture(ErrClosed)
	}

	if f, ok := c.coalesceLocked(); ok {
		return f
	}

	s, err := cfg.resolve()
	if err != nil {
		c.logger.Error("rejecting connect", "error", err)
		return settledFuture(err)
	}

	return c.startLocked(s)
}

// coalesceLocked returns the future a Connect should share while a socket is
// already connecting or connected.
func (c *Client) coalesceLocked() (*Future, bool) {
	if c.current == nil {
		return nil, false
	}
	switch c.state {
	case StateConnecting:
		if c.pending != nil {
			return c.pending, true
		}
		return settledFuture(nil), true
	case StateConnected:
		return settledFuture(nil), true
	}
	return nil, false
}

// startLocked opens a new attempt with s. Must be called with mu held.
func (c *Client) startLocked(s settings) *Future {
	c.retry.cancel()
	if prev := c.current; prev != nil {
		prev.cancel()
	}

	retained := s
	c.cfg = &retained

	a := &attempt{
		id:     uuid.NewString(),
		cfg:    s,
		future: newFuture(),
	}
	a.ctx, a.cancel = context.WithCancel(c.ctx)
	a.logger = c.logger.With("attempt_id", a.id, "url", s.url)

	c.current = a
	c.pending = a.future
	c.setStateLocked(StateConnecting)

	go c.dial(a)

	return a.future
}

// Disconnect closes the connection with a normal closure and suppresses
// automatic reconnection, including a reconnect timer that is already armed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	timerCancelled := c.retry.cancel()
	if c.cfg != nil {
		c.cfg.reconnect = false
	}
	a := c.current
	var (
		conn    *websocket.Conn
		pending *Future
	)
	if a != nil {
		// Detached here; the attempt's own close event is then stale.
		conn = a.conn
		c.current = nil
		if c.pending == a.future {
			pending = c.pending
			c.pending = nil
		}
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if a == nil {
		if timerCancelled {
			c.logger.Info("pending reconnect cancelled")
			return
		}
		c.logger.Warn("disconnect called with no active connection")
		return
	}

	if conn != nil {
		err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err != nil {
			a.logger.Debug("failed to send close frame", "error", err)
		}
	}

	// Cancelling the attempt closes the socket and stops its loops.
	a.cancel()
	a.logger.Info("disconnecting")

	if pending != nil {
		pending.settle(fmt.Errorf("%w: disconnected before open", ErrConnectFailed))
	}
}

// Close disconnects and releases the client. A closed client rejects
// further Connect calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.cancel()
	return nil
}

// Send wraps payload in an envelope and writes it to the socket.
//
// It fails with ErrNotConnected unless the connection is open. Encode and
// write failures are logged, not returned: sends are fire-and-forget.
func (c *Client) Send(msgType string, payload any) error {
	c.mu.RLock()
	if c.state != StateConnected || c.current == nil || c.current.conn == nil {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	a := c.current
	conn := a.conn
	c.mu.RUnlock()

	data, err := envelope.Encode(msgType, payload, time.Now())
	if err != nil {
		c.metrics.SendFailed("encode")
		a.logger.Error("failed to encode message", "type", msgType, "error", err)
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(a.cfg.writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.metrics.SendFailed("write")
		a.logger.Warn("failed to write message", "type", msgType, "error", err)
		return nil
	}

	c.metrics.FrameSent()
	return nil
}

// Subscribe registers h for msgType. See dispatch.Registry.Subscribe.
func (c *Client) Subscribe(msgType string, h dispatch.Handler) func() {
	return c.registry.Subscribe(msgType, h)
}

// Unsubscribe removes h from msgType.
func (c *Client) Unsubscribe(msgType string, h dispatch.Handler) {
	c.registry.Unsubscribe(msgType, h)
}

// Registry returns the subscriber registry inbound messages are routed to.
func (c *Client) Registry() *dispatch.Registry {
	return c.registry
}

// Status returns the current connection state.
func (c *Client) Status() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Errors returns a channel of transport errors and reconnect exhaustion.
// Errors are dropped when nobody is reading.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// setStateLocked must be called with mu held.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("connection state", "from", c.state.String(), "to", s.String())
	c.state = s
	c.metrics.SetState(s.String())
}

func (c *Client) publishError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// dial opens the socket for a and reports open, or error followed by close.
func (c *Client) dial(a *attempt) {
	header := a.cfg.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if len(a.cfg.protocols) > 0 {
		header.Set("Sec-WebSocket-Protocol", strings.Join(a.cfg.protocols, ", "))
	}

	dialer := c.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: a.cfg.handshakeTimeout,
		}
	}

	conn, resp, err := dialer.DialContext(a.ctx, a.cfg.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err == nil && a.ctx.Err() != nil {
		conn.Close()
		err = a.ctx.Err()
	}
	if err != nil {
		c.handleError(a, fmt.Errorf("dial: %w", err))
		c.handleClose(a, websocket.CloseAbnormalClosure)
		return
	}

	c.handleOpen(a, conn)
}

// handleOpen is the socket open event.
func (c *Client) handleOpen(a *attempt, conn *websocket.Conn) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	a.lastPong.Store(time.Now().UnixNano())
	c.retry.reset()
	c.setStateLocked(StateConnected)
	pending := c.pending
	if pending == a.future {
		c.pending = nil
	}
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		a.lastPong.Store(time.Now().UnixNano())
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		a.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	// Closing the socket when the attempt is cancelled unblocks the reader.
	go func() {
		<-a.ctx.Done()
		conn.Close()
	}()
	go c.readLoop(a, conn)
	if a.cfg.pingInterval > 0 {
		go c.heartbeatLoop(a, conn)
	}

	a.logger.Info("websocket connected", "subprotocol", conn.Subprotocol())

	if pending == a.future {
		a.future.settle(nil)
	}
}

// handleError is the socket error event. It never reconnects by itself;
// the close event that follows does.
func (c *Client) handleError(a *attempt, err error) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateError)
	pending := c.pending
	if pending == a.future {
		c.pending = nil
	}
	c.mu.Unlock()

	if a.ctx.Err() != nil {
		a.logger.Debug("connect cancelled", "error", err)
	} else {
		a.logger.Warn("connection error", "error", err)
		c.publishError(err)
	}

	if pending == a.future {
		a.future.settle(fmt.Errorf("%w: %w", ErrConnectFailed, err))
	}
}

// handleClose is the socket close event. It discards the socket and hands
// off to the reconnection strategy when reconnect is enabled.
func (c *Client) handleClose(a *attempt, code int) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		a.cancel()
		return
	}
	c.current = nil
	c.setStateLocked(StateDisconnected)

	pending := c.pending
	if pending == a.future {
		c.pending = nil
	}

	var (
		reconnect = c.cfg != nil && c.cfg.reconnect && !c.closed
		delay     time.Duration
		attemptN  int
		exhausted bool
	)
	if reconnect {
		var ok bool
		delay, ok = c.retry.next(*c.cfg)
		if ok {
			attemptN = c.retry.attempts
			c.retry.arm(c.afterFunc, delay, c.fireReconnect)
		} else {
			exhausted = true
		}
	}
	maxAttempts := 0
	if c.cfg != nil {
		maxAttempts = c.cfg.maxReconnectAttempts
	}
	c.mu.Unlock()

	a.cancel()

	// Closed before it ever opened, without an error event.
	if pending == a.future {
		a.future.settle(fmt.Errorf("%w: closed before open (code %d)", ErrConnectFailed, code))
	}

	a.logger.Info("websocket closed", "code", code)

	switch {
	case exhausted:
		c.metrics.ReconnectExhausted()
		a.logger.Error("giving up reconnecting", "max_attempts", maxAttempts)
		c.publishError(ErrReconnectExhausted)
	case reconnect:
		c.metrics.ReconnectScheduled()
		a.logger.Info("scheduling reconnect",
			"attempt", attemptN,
			"max_attempts", maxAttempts,
			"delay", delay,
		)
	}
}

// fireReconnect runs when a reconnect timer expires.
func (c *Client) fireReconnect(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.retry.claim(token) {
		return
	}
	if c.closed || c.cfg == nil || !c.cfg.reconnect {
		return
	}
	if _, ok := c.coalesceLocked(); ok {
		return
	}

	c.logger.Info("attempting reconnection", "attempt", c.retry.attempts)
	c.startLocked(*c.cfg)
}

// readLoop reads frames until the socket fails, then reports the close.
func (c *Client) readLoop(a *attempt, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}

			switch {
			case a.ctx.Err() != nil:
				// Local close from Disconnect or Close
				if code == websocket.CloseAbnormalClosure {
					code = websocket.CloseNormalClosure
				}
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			case a.stale.Load():
				// The heartbeat already reported ErrStaleConnection.
			default:
				c.handleError(a, fmt.Errorf("read: %w", err))
			}

			c.handleClose(a, code)
			return
		}

		c.metrics.FrameReceived()
		c.handleMessage(a, data)
	}
}

// handleMessage decodes one frame and fans it out. Invalid frames are dropped.
func (c *Client) handleMessage(a *attempt, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		reason := string(envelope.ReasonMalformed)
		var decErr *envelope.DecodeError
		if errors.As(err, &decErr) {
			reason = string(decErr.Reason)
		}
		c.metrics.FrameDropped(reason)
		a.logger.Warn("dropping invalid frame",
			"reason", reason,
			"size", len(data),
			"error", err,
		)
		return
	}

	c.registry.Dispatch(env)
}

// heartbeatLoop pings the server and closes the socket when no ping or pong
// has been seen within the pong timeout.
func (c *Client) heartbeatLoop(a *attempt, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(a.cfg.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				a.logger.Debug("failed to send ping", "error", err)
			}

			last := time.Unix(0, a.lastPong.Load())
			if time.Since(last) > a.cfg.pongTimeout {
				a.logger.Warn("no pong received, connection stale",
					"last_pong", last,
					"timeout", a.cfg.pongTimeout,
				)
				a.stale.Store(true)
				c.handleError(a, ErrStaleConnection)
				// Abnormal close; the read loop reports it and reconnects.
				conn.Close()
				return
			}
		}
	}
}
