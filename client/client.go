// Package client implements the scanner-side connection manager: an explicit
// reconnect state machine over the wire protocol, with session resume after
// drops, periodic heartbeats, fixed-delay bounded retries, and a monotonic
// result log with processed/found/not-found/error counters.
//
// State transitions:
//
//	DISCONNECTED -> CONNECTING   Connect() or a retry attempt
//	CONNECTING   -> CONNECTED    transport dial succeeded
//	CONNECTING   -> DISCONNECTED dial failed, retries remain
//	CONNECTED    -> DISCONNECTED transport dropped or Disconnect()
//	any          -> ERROR        retry budget exhausted (terminal until Connect)
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tagstream/protocol"
	"tagstream/scan"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ErrNotConnected is returned by Scan when there is no live connection or no
// active session to scan into.
var ErrNotConnected = errors.New("client: not connected")

const (
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxRetries        = 5
	DefaultHeartbeatInterval = 30 * time.Second

	// resultLogCap bounds the in-memory result log; the oldest entries are
	// dropped first. Order within the log is always arrival order.
	resultLogCap = 10000
)

// Conn is the transport a Client speaks over. The production implementation
// is a WebSocket; tests substitute an in-memory pipe.
//
// ReadMessage surfaces the peer's close reason through its error: a
// *websocket.CloseError with CloseNormalClosure means the server ended the
// conversation deliberately, and the client will not retry.
type Conn interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(msg protocol.Message) error
	// Close tears the transport down. normal selects a clean close handshake
	// (manual disconnect) over an abortive one.
	Close(normal bool) error
}

// Dialer opens a transport connection. Each retry attempt calls Dial again.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Ticker abstracts the heartbeat timer so tests can fire it on demand.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (t realTicker) Chan() <-chan time.Time { return t.t.C }
func (t realTicker) Stop()                  { t.t.Stop() }

// Result is one entry of the client's scan log, appended in the order the
// server delivered them.
type Result struct {
	SessionID string
	Tag       string
	Found     bool
	Record    *scan.Record
	At        time.Time
}

// Stats are the client-side counters. Processed counts every TAG_RESULT
// received; Errors counts protocol ERROR messages.
type Stats struct {
	Processed uint64
	Found     uint64
	NotFound  uint64
	Errors    uint64
}

// Options configures a Client. Dialer is required; everything else defaults.
type Options struct {
	Dialer            Dialer
	ReconnectDelay    time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration

	// OnResult is invoked for every TAG_RESULT, after the log and counters
	// are updated. Called from the reader goroutine; keep it fast.
	OnResult func(Result)
	// OnStateChange is invoked on every state transition.
	OnStateChange func(State)

	// Now overrides the clock, for tests.
	Now func() time.Time
	// NewTicker overrides the heartbeat ticker factory, for tests.
	NewTicker func(d time.Duration) Ticker
}

// Client is the reconnecting protocol client. All methods are safe for
// concurrent use.
type Client struct {
	opts Options

	mu          sync.Mutex
	state       State
	lastErr     error
	conn        Conn
	stop        chan struct{}
	sessionID   string
	pendingID   string
	wantSession bool
	results     []Result
	stats       Stats
}

// New creates a client. Connect must be called to start it.
func New(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) Ticker {
			return realTicker{t: time.NewTicker(d)}
		}
	}
	return &Client{opts: opts, state: StateDisconnected}, nil
}

// Connect starts the connection loop in the background. Calling Connect on a
// client in the terminal ERROR state clears the error and starts over with a
// fresh retry budget.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return errors.New("client: already running")
	}
	stop := make(chan struct{})
	c.stop = stop
	c.lastErr = nil
	c.mu.Unlock()

	go c.run(stop)
	return nil
}

// Disconnect stops the loop and closes the transport with a normal closure.
// No reconnect is attempted, and pending session state is cleared: a manual
// disconnect means the operator is done with this session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	stop := c.stop
	conn := c.conn
	c.stop = nil
	c.sessionID = ""
	c.pendingID = ""
	c.wantSession = false
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close(true)
	}
}

// StartSession requests a session. When connected the request goes out
// immediately; otherwise the id is held as the pending session, a connection
// attempt is triggered if none is running, and the request is sent as soon as
// a connection is established.
func (c *Client) StartSession(requestedID string) error {
	c.mu.Lock()
	c.wantSession = true
	c.pendingID = requestedID
	conn := c.conn
	connected := c.state == StateConnected
	running := c.stop != nil
	c.mu.Unlock()

	if connected && conn != nil {
		return conn.WriteMessage(protocol.StartSession(requestedID, c.opts.Now()))
	}
	if !running {
		return c.Connect()
	}
	return nil
}

// EndSession closes the active session, if any.
func (c *Client) EndSession() error {
	c.mu.Lock()
	conn := c.conn
	sid := c.sessionID
	c.wantSession = false
	c.pendingID = ""
	c.mu.Unlock()

	if conn == nil || sid == "" {
		return nil
	}
	return conn.WriteMessage(protocol.EndSession(sid, c.opts.Now()))
}

// Scan submits one raw tag into the active session.
func (c *Client) Scan(tag string) error {
	c.mu.Lock()
	conn := c.conn
	sid := c.sessionID
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil || sid == "" {
		return ErrNotConnected
	}
	return conn.WriteMessage(protocol.ScanTag(sid, tag, c.opts.Now()))
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error after the retry budget is exhausted, nil
// otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionID returns the active session id, empty when none is established.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Results returns a copy of the result log, oldest first.
func (c *Client) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Clear wipes the result log and counters. Connection and session state are
// untouched.
func (c *Client) Clear() {
	c.mu.Lock()
	c.results = nil
	c.stats = Stats{}
	c.mu.Unlock()
}

// run is the connect/read/retry loop. It owns all state transitions.
func (c *Client) run(stop chan struct{}) {
	retries := 0
	for {
		if stopped(stop) {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateConnecting)

		conn, err := c.opts.Dialer.Dial(context.Background())
		if err != nil {
			retries++
			// The first MaxRetries failures each schedule another attempt;
			// only the failure after the budget is spent is terminal.
			if retries > c.opts.MaxRetries {
				c.fail(fmt.Errorf("client: giving up after %d attempts: %w", retries, err))
				return
			}
			c.setState(StateDisconnected)
			if !c.sleep(stop, c.opts.ReconnectDelay) {
				return
			}
			continue
		}
		if stopped(stop) {
			_ = conn.Close(true)
			c.setState(StateDisconnected)
			return
		}
		retries = 0

		c.attach(conn)
		readErr := c.readLoop(conn)
		c.detach(conn)

		if stopped(stop) {
			c.setState(StateDisconnected)
			return
		}
		if isGracefulClose(readErr) {
			// The server ended the conversation deliberately; do not retry.
			c.clearStop(stop)
			c.setState(StateDisconnected)
			return
		}
		// Abnormal remote drop: back off and resume.
		c.setState(StateDisconnected)
		if !c.sleep(stop, c.opts.ReconnectDelay) {
			return
		}
	}
}

// isGracefulClose reports whether the read error carries a normal-closure
// close code from the peer.
func isGracefulClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

// clearStop releases the run-loop slot so a later Connect starts fresh.
func (c *Client) clearStop(stop chan struct{}) {
	c.mu.Lock()
	if c.stop == stop {
		c.stop = nil
	}
	c.mu.Unlock()
}

// attach installs the new connection and, when a session is wanted, sends the
// START_SESSION carrying the previous session id so the server can resume it.
func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	resume := c.sessionID
	if resume == "" {
		resume = c.pendingID
	}
	want := c.wantSession
	c.mu.Unlock()

	c.setState(StateConnected)

	if want {
		if err := conn.WriteMessage(protocol.StartSession(resume, c.opts.Now())); err != nil {
			log.Printf("Client: session start request failed: %v", err)
		}
	}
	go c.heartbeat(conn)
}

func (c *Client) detach(conn Conn) {
	_ = conn.Close(false)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// readLoop consumes the connection until it dies and returns the error that
// ended it, so run can distinguish a graceful peer close from a drop.
func (c *Client) readLoop(conn Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(msg)
	}
}

// heartbeat keeps the connection warm. It exits when its connection dies,
// detected by the write failing.
func (c *Client) heartbeat(conn Conn) {
	ticker := c.opts.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.Chan() {
		if err := conn.WriteMessage(protocol.Ping(c.opts.Now())); err != nil {
			return
		}
	}
}

func (c *Client) handle(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindSessionStarted:
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.pendingID = ""
		c.mu.Unlock()

	case protocol.KindSessionEnded:
		c.mu.Lock()
		if msg.SessionID == "" || msg.SessionID == c.sessionID {
			c.sessionID = ""
		}
		c.mu.Unlock()

	case protocol.KindTagResult:
		res := Result{
			SessionID: msg.SessionID,
			Tag:       msg.Tag,
			Found:     msg.Record != nil,
			Record:    msg.Record,
			At:        c.opts.Now(),
		}
		c.mu.Lock()
		c.results = append(c.results, res)
		if len(c.results) > resultLogCap {
			c.results = c.results[len(c.results)-resultLogCap:]
		}
		c.stats.Processed++
		if res.Found {
			c.stats.Found++
		} else {
			c.stats.NotFound++
		}
		cb := c.opts.OnResult
		c.mu.Unlock()
		if cb != nil {
			cb(res)
		}

	case protocol.KindError:
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		log.Printf("Client: server error: %s", msg.Text)

	case protocol.KindPong:
		// heartbeat answered, nothing to do
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.opts.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.stop = nil
	c.mu.Unlock()
	log.Printf("Client: %v", err)
	c.setState(StateError)
}

// sleep waits out the fixed retry delay, abandoning the wait on Disconnect.
func (c *Client) sleep(stop chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		c.setState(StateDisconnected)
		return false
	}
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// WebSocketDialer is the production Dialer: it connects to the server's /ws
// endpoint with a bearer token.
type WebSocketDialer struct {
	URL   string
	Token string
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	var header http.Header
	if d.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + d.Token}}
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", d.URL, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() (protocol.Message, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// A malformed server frame is dropped, not fatal.
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) WriteMessage(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(normal bool) error {
	if normal {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
	}
	return c.ws.Close()
}
