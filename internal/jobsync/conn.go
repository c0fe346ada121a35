package jobsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// ConnState is the lifecycle state of one job stream connection
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnEventKind tags the variants of the connection event stream
type ConnEventKind int

const (
	ConnOpened ConnEventKind = iota
	ConnEventReceived
	ConnDecodeFailed
	ConnClosed
)

// ConnEvent is one entry on a connection's event stream. All connection
// callbacks are folded into this single tagged type so one dispatcher
// consumes them in arrival order.
type ConnEvent struct {
	Kind  ConnEventKind
	Event *ProgressEvent // set for ConnEventReceived
	Err   error          // set for ConnDecodeFailed
	Code  int            // close code, set for ConnClosed
	State ConnState      // connection state after this event
}

// Conn is a managed stream connection for one job id. It dials, reads,
// decodes and redials according to its RetryPolicy, emitting ConnEvents on
// a single channel until it reaches a final state. Each Conn owns its
// context; a Close cancels it, which also invalidates any reconnect timer
// still pending for this handle.
type Conn struct {
	jobID  string
	url    string
	policy RetryPolicy
	dialer *websocket.Dialer
	logger arbor.ILogger

	events chan ConnEvent
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  ConnState
	ws     *websocket.Conn
	closed bool
}

func newConn(jobID, url string, policy RetryPolicy, dialer *websocket.Dialer, logger arbor.ILogger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		jobID:  jobID,
		url:    url,
		policy: policy,
		dialer: dialer,
		logger: logger,
		events: make(chan ConnEvent, 32),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// Events returns the connection's event stream. The channel is closed after
// the final ConnClosed event once the connection reaches Closed or Failed.
func (c *Conn) Events() <-chan ConnEvent {
	return c.events
}

// State returns the current connection state
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the connection down with a normal close code and cancels any
// scheduled reconnect. Safe to call multiple times and on a connection that
// already finished.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribed")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run is the connection's single owner goroutine: it dials, pumps messages
// and sleeps out backoff delays until the policy gives up or the caller
// closes. It is the only sender on the events channel, which it closes on
// exit.
func (c *Conn) run() {
	defer close(c.events)

	attempt := 0
	for {
		c.setState(StateConnecting)

		code, opened := c.dialAndPump()

		if c.isClosed() {
			// Caller-initiated teardown always reads as a normal closure
			c.setState(StateClosed)
			c.emit(ConnEvent{Kind: ConnClosed, Code: websocket.CloseNormalClosure, State: StateClosed})
			return
		}

		if opened {
			// Attempt counter was reset when the dial succeeded
			attempt = 0
		}
		attempt++

		if !c.policy.ShouldRetry(code, attempt) {
			final := StateClosed
			if code != websocket.CloseNormalClosure {
				final = StateFailed
			}
			c.setState(final)
			c.emit(ConnEvent{Kind: ConnClosed, Code: code, State: final})
			c.logger.Debug().
				Str("job_id", c.jobID).
				Int("close_code", code).
				Str("state", final.String()).
				Msg("Stream connection finished")
			return
		}

		delay := c.policy.NextDelay(attempt)
		c.setState(StateConnecting)
		c.emit(ConnEvent{Kind: ConnClosed, Code: code, State: StateConnecting})
		c.logger.Debug().
			Str("job_id", c.jobID).
			Int("attempt", attempt).
			Str("delay", delay.String()).
			Msg("Stream reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			// Cancelled while waiting: the timer belongs to this handle
			// only, so discarding it here cannot race a new subscription
			timer.Stop()
			c.setState(StateClosed)
			c.emit(ConnEvent{Kind: ConnClosed, Code: websocket.CloseNormalClosure, State: StateClosed})
			return
		}
	}
}

// dialAndPump performs one dial and, if it succeeds, reads frames until the
// connection drops. It returns the observed close code and whether the dial
// reached Open.
func (c *Conn) dialAndPump() (code int, opened bool) {
	ws, resp, err := c.dialer.DialContext(c.ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if !c.isClosed() {
			c.logger.Debug().Err(err).Str("job_id", c.jobID).Msg("Stream dial failed")
		}
		return websocket.CloseAbnormalClosure, false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return websocket.CloseNormalClosure, false
	}
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()

	c.emit(ConnEvent{Kind: ConnOpened, State: StateOpen})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.ws = nil
			c.mu.Unlock()
			ws.Close()

			if closeErr, ok := err.(*websocket.CloseError); ok {
				return closeErr.Code, true
			}
			return websocket.CloseAbnormalClosure, true
		}

		event, decodeErr := DecodeEvent(data)
		if decodeErr != nil {
			// Bad frame: surface it and keep reading, connection state and
			// retry counters are untouched
			c.emit(ConnEvent{Kind: ConnDecodeFailed, Err: decodeErr, State: StateOpen})
			continue
		}
		c.emit(ConnEvent{Kind: ConnEventReceived, Event: event, State: StateOpen})
	}
}

func (c *Conn) emit(event ConnEvent) {
	c.events <- event
}

// ConnManager owns at most one live stream connection per job id
type ConnManager struct {
	baseURL string // ws:// or wss:// root of the backend
	policy  RetryPolicy
	dialer  *websocket.Dialer
	logger  arbor.ILogger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewConnManager creates a connection manager rooted at baseURL
func NewConnManager(baseURL string, policy RetryPolicy, logger arbor.ILogger) *ConnManager {
	return &ConnManager{
		baseURL: baseURL,
		policy:  policy,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Open returns the live connection for a job, starting one if needed.
// Opening an already-open job id is a no-op returning the existing handle.
func (m *ConnManager) Open(jobID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[jobID]; ok && !conn.isClosed() {
		return conn
	}

	url := fmt.Sprintf("%s/ws/generation/%s", m.baseURL, jobID)
	conn := newConn(jobID, url, m.policy, m.dialer, m.logger)
	m.conns[jobID] = conn
	go conn.run()
	return conn
}

// Detach removes the connection for a job id from the manager without
// closing it. A later Open for the same id gets a fresh connection.
func (m *ConnManager) Detach(jobID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[jobID]
	delete(m.conns, jobID)
	return conn
}

// Close tears down the connection for a job id, if any
func (m *ConnManager) Close(jobID string) {
	m.mu.Lock()
	conn, ok := m.conns[jobID]
	if ok {
		delete(m.conns, jobID)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// CloseAll tears down every live connection
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
