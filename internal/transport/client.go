// Package transport owns the solver telemetry stream: one WebSocket
// connection, its reconnect schedule and typed dispatch of validated frames.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/metrics"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/protocol"
)

const writeWait = 5 * time.Second

func init() {
	for _, t := range protocol.Types {
		metrics.FramesReceived.WithLabelValues(string(t))
	}
}

// State is the connection lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Handlers receive validated messages, one callback per tag. Message
// callbacks run on the reader goroutine in arrival order. Nil callbacks are
// skipped.
type Handlers struct {
	OnIteration           func(protocol.Iteration)
	OnTopologySwitch      func(protocol.TopologySwitch)
	OnConstraintViolation func(protocol.ConstraintViolation)
	OnConvergence         func(protocol.Convergence)
	OnHeartbeat           func(protocol.Heartbeat)
	// OnStateChange fires once per actual transition. It must not call
	// back into the client.
	OnStateChange func(State)
}

// Config configures a Client.
type Config struct {
	URL      string
	Header   http.Header
	Backoff  Backoff
	Dialer   *websocket.Dialer
	Handlers Handlers
	Logger   *slog.Logger
}

// Client is a self-healing stream connection. After Connect it reconnects
// on every unexpected close until Close is called.
type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	started bool

	notifyMu sync.Mutex
	writeMu  sync.Mutex
}

// New creates an idle client. Nothing is dialed until Connect.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   16384,
			WriteBufferSize:  16384,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		log:    log.With("component", "transport"),
		dialer: dialer,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Connect starts the connection loop. Calling it again while a reconnect is
// pending retries immediately; otherwise it is a no-op. It does nothing
// once the client is closed.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == Closed:
		return
	case c.state == Reconnecting:
		select {
		case c.kick <- struct{}{}:
		default:
		}
		return
	case c.started:
		return
	}
	c.started = true
	go c.run()
}

// Send writes payload as a msgpack binary frame. It is a no-op returning
// false unless the connection is open.
func (c *Client) Send(payload any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != Open || conn == nil {
		return false
	}

	var data []byte
	var err error
	if m, ok := payload.(protocol.Message); ok {
		data, err = protocol.Marshal(m)
	} else {
		data, err = msgpack.Marshal(payload)
	}
	if err != nil {
		c.log.Warn("encode outbound frame", "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err = conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.log.Debug("write outbound frame", "error", err)
		return false
	}
	return true
}

// Close tears down the socket and disables reconnection permanently.
func (c *Client) Close() {
	c.cancel()
	c.setState(Closed)

	c.mu.Lock()
	conn := c.conn
	neverStarted := !c.started
	c.started = true
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if neverStarted {
		close(c.done)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the client is closed and its loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run() {
	defer close(c.done)

	failures := 0
	for c.ctx.Err() == nil {
		c.setState(Connecting)
		// Kicks only land while Reconnecting; any left over are stale.
		select {
		case <-c.kick:
		default:
		}
		conn, _, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			c.log.Debug("stream dial failed", "url", c.cfg.URL, "error", err)
		} else if c.attach(conn) {
			failures = 0
			c.setState(Open)
			c.log.Info("stream open", "url", c.cfg.URL)
			c.readLoop(conn)
			c.detach(conn)
		}

		if c.ctx.Err() != nil {
			return
		}
		c.setState(Reconnecting)
		metrics.StreamReconnects.Inc()

		delay := c.cfg.Backoff.Delay(failures)
		failures++
		c.log.Debug("stream reconnect scheduled", "delay", delay, "failures", failures)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-c.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		_ = conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("stream closed", "error", err)
			}
			return
		}
		c.dispatch(kind, data)
	}
}

func (c *Client) dispatch(kind int, data []byte) {
	var msg protocol.Message
	var err error
	switch kind {
	case websocket.BinaryMessage:
		msg, err = protocol.Decode(data)
	case websocket.TextMessage:
		msg, err = protocol.DecodeJSON(data)
	default:
		return
	}
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		c.log.Debug("stream frame dropped", "reason", reason, "error", err)
		return
	}
	metrics.FramesReceived.WithLabelValues(string(msg.Type())).Inc()

	h := c.cfg.Handlers
	switch m := msg.(type) {
	case protocol.Iteration:
		if h.OnIteration != nil {
			h.OnIteration(m)
		}
	case protocol.TopologySwitch:
		if h.OnTopologySwitch != nil {
			h.OnTopologySwitch(m)
		}
	case protocol.ConstraintViolation:
		if h.OnConstraintViolation != nil {
			h.OnConstraintViolation(m)
		}
	case protocol.Convergence:
		if h.OnConvergence != nil {
			h.OnConvergence(m)
		}
	case protocol.Heartbeat:
		if h.OnHeartbeat != nil {
			h.OnHeartbeat(m)
		}
	}
}

// setState applies a transition and notifies exactly once. Closed is
// terminal: later transitions are ignored.
func (c *Client) setState(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == s || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	metrics.StreamState.Set(float64(s))
	if h := c.cfg.Handlers.OnStateChange; h != nil {
		h(s)
	}
}
