// Package server implements the WebSocket front end of the ingestion
// pipeline: it authenticates scanner connections, turns wire messages into
// Session Registry operations, and writes the responses back.
//
// Architecture:
//   - One goroutine per connected scanner (readLoop)
//   - The reader goroutine is also the only writer for its connection, so
//     responses for one session keep the order their scans were accepted in
//   - Protocol errors (unknown kind, malformed payload, unknown session) are
//     answered with an ERROR message and never close the connection
//   - Closing the transport cascades: every session owned by the connection
//     is ended and handed to the persistence sink
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tagstream/internal/ratelimit"
	"tagstream/protocol"
	"tagstream/session"
	"tagstream/stats"
)

const writeTimeout = 10 * time.Second

// Authenticator resolves an upgrade request to a scanner identity. Session
// ownership is bound to this identity; a failed authentication rejects the
// upgrade before any session state exists.
type Authenticator interface {
	Authenticate(r *http.Request) (identity string, err error)
}

// TokenAuthenticator maps static bearer tokens to identities.
type TokenAuthenticator struct {
	tokens map[string]string
}

// NewTokenAuthenticator builds an authenticator from a token -> identity map.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &TokenAuthenticator{tokens: copied}
}

// Authenticate implements Authenticator using the Authorization header.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing bearer token")
	}
	identity, ok := a.tokens[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return identity, nil
}

// SessionSink receives ended sessions (explicit or cascaded) for persistence.
// Implementations must not block for long; they are called from connection
// goroutines.
type SessionSink interface {
	RecordSession(ended session.Ended)
}

// ScanPublisher receives accepted-scan events for telemetry fan-out.
type ScanPublisher interface {
	PublishScan(sessionID, identity, tag string, found bool)
}

// Config contains the listener settings.
type Config struct {
	BindAddress    string
	Port           int
	MaxConnections int
}

// Options wires the optional collaborators. Any field may be nil.
type Options struct {
	Auth      Authenticator
	Sink      SessionSink
	Publisher ScanPublisher
	Tracker   *stats.Tracker
}

// Server is the multi-scanner WebSocket server.
type Server struct {
	cfg       Config
	registry  *session.Registry
	auth      Authenticator
	sink      SessionSink
	publisher ScanPublisher
	tracker   *stats.Tracker

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu    sync.Mutex
	conns map[string]*conn

	ctx          context.Context
	cancel       context.CancelFunc
	malformedLog ratelimit.Counter
	now          func() time.Time
}

type conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	writeMu  sync.Mutex
}

// New creates a server bound to the given registry. When no Authenticator is
// configured the server runs in development mode and every connection gets
// the "anonymous" identity.
func New(cfg Config, registry *session.Registry, opts Options) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		registry:  registry,
		auth:      opts.Auth,
		sink:      opts.Sink,
		publisher: opts.Publisher,
		tracker:   opts.Tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:        make(map[string]*conn),
		ctx:          ctx,
		cancel:       cancel,
		malformedLog: ratelimit.NewCounter(15 * time.Second),
		now:          time.Now,
	}
}

// Start begins listening. It returns once the listener is bound; serving
// continues in the background until Stop.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, fmt.Sprintf("%d", s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server: serve: %v", err)
		}
	}()
	log.Printf("Server: listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address (useful when Port is 0).
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection. Connection teardown
// runs the usual cascade path, so owned sessions are ended and persisted.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	return err
}

// ConnectionCount returns the number of open scanner connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity := "anonymous"
	if s.auth != nil {
		id, err := s.auth.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Server: upgrade failed: %v", err)
		return
	}

	c := &conn{id: uuid.NewString(), identity: identity, ws: ws}
	// Re-check at insert time: concurrent handshakes may have passed the
	// pre-upgrade check together, and the limit holds on the map, not the
	// handshake.
	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		log.Printf("Server: %s rejected, connection limit %d reached", ws.RemoteAddr(), s.cfg.MaxConnections)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	log.Printf("Server: %s connected as %q (conn %s)", ws.RemoteAddr(), identity, c.id)
	go s.readLoop(c)
}

// readLoop is the per-connection dispatcher. It is the connection's only
// writer, which is what preserves per-session result ordering.
func (s *Server) readLoop(c *conn) {
	defer func() {
		ended := s.registry.DropConnection(c.id)
		for _, e := range ended {
			if s.tracker != nil {
				s.tracker.SessionClosed()
			}
			if s.sink != nil {
				s.sink.RecordSession(e)
			}
		}
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		_ = c.ws.Close()
		if len(ended) > 0 {
			log.Printf("Server: conn %s closed, cascaded %d session(s)", c.id, len(ended))
		}
	}()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Server: conn %s read error: %v", c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if total, ok := s.malformedLog.Inc(); ok {
				log.Printf("Server: conn %s sent malformed payload (%d total)", c.id, total)
			}
			s.send(c, protocol.Error("invalid message format", s.now()))
			continue
		}
		if s.tracker != nil {
			s.tracker.IncrementMessage(string(msg.Kind))
			s.tracker.IncrementIdentity(c.identity)
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *conn, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindStartSession:
		sess, err := s.registry.StartSession(c.id, c.identity, msg.SessionID)
		if err != nil {
			s.send(c, protocol.Error("unable to start session", s.now()))
			return
		}
		if s.tracker != nil {
			s.tracker.SessionOpened()
		}
		s.send(c, protocol.SessionStarted(sess.ID, s.now()))

	case protocol.KindEndSession:
		if ended, ok := s.registry.EndSession(msg.SessionID); ok {
			if s.tracker != nil {
				s.tracker.SessionClosed()
			}
			if s.sink != nil {
				s.sink.RecordSession(ended)
			}
		}
		// Duplicate end requests are tolerated; the ack is sent either way.
		s.send(c, protocol.SessionEnded(msg.SessionID, s.now()))

	case protocol.KindScanTag:
		res, err := s.registry.ScanTag(s.ctx, msg.SessionID, msg.Tag)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				s.send(c, protocol.Error("unknown session", s.now()))
			} else {
				s.send(c, protocol.Error("scan failed", s.now()))
			}
			return
		}
		if res == nil {
			// Within-session duplicate or invalid tag: nothing is emitted.
			return
		}
		if s.tracker != nil {
			if res.Record != nil {
				s.tracker.TagFound()
			} else {
				s.tracker.TagNotFound()
			}
		}
		if s.publisher != nil {
			s.publisher.PublishScan(res.SessionID, c.identity, res.Tag, res.Record != nil)
		}
		s.send(c, protocol.TagResult(res.SessionID, res.Tag, res.Record, s.now()))

	case protocol.KindPing:
		s.send(c, protocol.Pong(s.now()))

	default:
		s.send(c, protocol.Error("unknown message kind", s.now()))
	}
}

func (s *Server) send(c *conn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Server: encode %s: %v", msg.Kind, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("Server: conn %s write failed: %v", c.id, err)
	}
}
