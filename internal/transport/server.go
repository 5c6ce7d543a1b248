// Package transport accepts a single live editor connection over
// WebSocket, carried through a gin HTTP router.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

// MessageHandler is invoked once per received, type-sniffed frame.
type MessageHandler func(t codec.Type, raw []byte)

// ConnectHandler is invoked once a peer completes the upgrade, before any
// frame is read.
type ConnectHandler func()

// DisconnectHandler is invoked once the active peer's read loop ends, for
// any reason (close, error, superseded).
type DisconnectHandler func()

// Server accepts at most one active editor peer at a time: a new
// connection supersedes and closes whatever peer is currently attached.
// Safe for concurrent Send calls from multiple goroutines; the handler
// callbacks are invoked from the connection's own read goroutine.
type Server struct {
	addr                     string
	requestSnapshotOnConnect bool
	logger                   *logging.Logger

	onConnect    ConnectHandler
	onMessage    MessageHandler
	onDisconnect DisconnectHandler

	httpServer *http.Server

	mu      sync.Mutex
	current *peer
}

type peer struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closedCh chan struct{}
	closeOne sync.Once
}

func (p *peer) close() {
	p.closeOne.Do(func() {
		p.conn.Close()
		close(p.closedCh)
	})
}

// Options configures a Server.
type Options struct {
	Addr                     string
	RequestSnapshotOnConnect bool
}

// New returns a Server bound to opts.Addr, not yet listening.
func New(opts Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default("transport")
	}
	return &Server{
		addr:                     opts.Addr,
		requestSnapshotOnConnect: opts.RequestSnapshotOnConnect,
		logger:                   logger,
	}
}

// OnConnect registers the accept callback.
func (s *Server) OnConnect(cb ConnectHandler) { s.onConnect = cb }

// OnMessage registers the per-frame callback.
func (s *Server) OnMessage(cb MessageHandler) { s.onMessage = cb }

// OnDisconnect registers the peer-loss callback.
func (s *Server) OnDisconnect(cb DisconnectHandler) { s.onDisconnect = cb }

// ListenAndServe binds the HTTP server and blocks until ctx is canceled
// or an unrecoverable bind error occurs. A bind failure is returned
// wrapped in a TransportError - the one error class fatal enough to
// abort startup.
func (s *Server) ListenAndServe(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", s.handleUpgrade)

	s.httpServer = &http.Server{Addr: s.addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- &TransportError{Op: "listen", Err: err}
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("transport: upgrade failed", "error", err)
		return
	}

	p := &peer{conn: conn, closedCh: make(chan struct{})}

	s.mu.Lock()
	prev := s.current
	s.current = p
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("transport: superseding previous peer")
		prev.close()
	}

	s.logger.Info("transport: editor connected")
	if s.onConnect != nil {
		s.onConnect()
	}
	if s.requestSnapshotOnConnect {
		s.send(p, codec.TypeRequestSnapshot, codec.RequestSnapshot{ScriptsAndDescendantsOnly: true})
	}

	s.readLoop(p)
}

func (s *Server) readLoop(p *peer) {
	defer func() {
		p.close()
		s.mu.Lock()
		if s.current == p {
			s.current = nil
		}
		s.mu.Unlock()
		s.logger.Info("transport: editor disconnected")
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	}()

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("transport: peer protocol error", "error", err)
			}
			return
		}

		t, err := codec.Decode(raw)
		if err != nil {
			s.logger.Warn("transport: malformed frame, closing connection", "error", err)
			return
		}
		if !codec.IsKnownType(t) {
			s.logger.Warn("transport: unknown message type, skipping", "type", t)
			continue
		}
		if s.onMessage != nil {
			s.onMessage(t, raw)
		}
	}
}

// Send encodes and writes msg to the current peer, if any. Returns nil
// when there is no active peer: sends are dropped, not queued, while
// disconnected.
func (s *Server) Send(t codec.Type, payload any) error {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return s.send(p, t, payload)
}

func (s *Server) send(p *peer, t codec.Type, payload any) error {
	body, err := codec.Encode(t, payload)
	if err != nil {
		return &TransportError{Op: "encode", Err: err}
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// HasPeer reports whether a peer is currently attached.
func (s *Server) HasPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Close tears down the current peer connection, if any.
func (s *Server) Close() {
	s.mu.Lock()
	p := s.current
	s.current = nil
	s.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// TransportError marks a bind failure or peer-level protocol violation.
// Reported; the affected connection is closed; the daemon continues.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }
