package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/bus"
	"github.com/safierinx-a/led-grid-server/internal/logging"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

// BinarySubprotocol is offered by controllers that accept raw binary batch
// messages instead of base64-in-JSON.
const BinarySubprotocol = "led-grid-binary"

const (
	defaultHeartbeatTimeout = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultMailboxBuffer    = 16
	defaultSpaceAvailable   = 60
	defaultMaxMessageSize   = 1 << 20
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen  = errors.New("listen")
	ErrServe   = errors.New("serve")
	ErrContext = errors.New("context_cancelled")
)

// Server owns the HTTP listener, upgrades controller connections, and tracks
// live sessions by controller id.
type Server struct {
	mu   sync.RWMutex
	addr string

	bus *bus.Bus
	buf *buffer.Buffer

	heartbeatTimeout time.Duration
	writeTimeout     time.Duration
	mailboxBuffer    int
	defaultSpace     int
	maxControllers   int
	maxMessageSize   int64
	statusFunc       func() any

	readyOnce  sync.Once
	readyCh    chan struct{}
	lastErrMu  sync.Mutex
	lastErr    error
	errCh      chan error
	listener   net.Listener
	httpSrv    *http.Server
	sessionsMu sync.Mutex
	sessions   map[string]*Session
	wg         sync.WaitGroup
	logger     *slog.Logger

	nextConnID    uint64
	totalUpgrades atomic.Uint64
	totalJoined   atomic.Uint64
	totalClosed   atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		heartbeatTimeout: defaultHeartbeatTimeout,
		writeTimeout:     defaultWriteTimeout,
		mailboxBuffer:    defaultMailboxBuffer,
		defaultSpace:     defaultSpaceAvailable,
		maxMessageSize:   defaultMaxMessageSize,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		sessions:         make(map[string]*Session),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithBus(b *bus.Bus) ServerOption { return func(s *Server) { s.bus = b } }
func WithBuffer(b *buffer.Buffer) ServerOption { return func(s *Server) { s.buf = b } }
func WithStatusFunc(fn func() any) ServerOption { return func(s *Server) { s.statusFunc = fn } }

func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeatTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithMailboxBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.mailboxBuffer = n
		}
	}
}

// WithDefaultSpace sets space_available used for synthetic priming requests.
func WithDefaultSpace(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.defaultSpace = n
		}
	}
}

func WithMaxControllers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxControllers = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Count returns the number of live sessions.
func (s *Server) Count() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// Serve binds the listener and accepts controller connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(metrics.ErrListen)
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/controller/ws", s.handleUpgrade)
	mux.HandleFunc("/status", s.handleStatus)
	s.httpSrv = &http.Server{Handler: mux}

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("ws_listen", "addr", s.Addr())
	s.logger.Info("ready")

	go func() {
		<-ctx.Done()
		_ = s.httpSrv.Close()
	}()
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() != nil {
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrServe, err)
		s.setError(wrap)
		return wrap
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{BinarySubprotocol},
	// Controllers connect directly from the LED network; no browser origin
	// to validate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.maxControllers > 0 && s.Count() >= s.maxControllers {
		s.logger.Warn("controller_reject_max", "max_controllers", s.maxControllers)
		http.Error(w, "too many controllers", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.totalUpgrades.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	sess := &Session{
		srv:     s,
		conn:    conn,
		binary:  conn.Subprotocol() == BinarySubprotocol,
		legacy:  r.URL.Query().Get("legacy") == "1",
		mailbox: make(chan buffer.Delivery, s.mailboxBuffer),
		out:     make(chan []byte, outQueueSize),
		done:    make(chan struct{}),
	}
	sess.logger.Store(s.logger.With("conn_id", connID, "remote", r.RemoteAddr))
	sess.log().Info("controller_connected", "binary", sess.binary)
	s.wg.Add(1)
	go sess.writer()
	go func() {
		defer s.wg.Done()
		sess.run()
		s.totalClosed.Add(1)
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var v any
	if s.statusFunc != nil {
		v = s.statusFunc()
	} else {
		v = s.buf.Status()
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("status_encode_error", "error", err)
	}
}

// replaceSession records sess under its id, superseding any live session with
// the same id (fresh join wins; sequence state resets in the buffer).
func (s *Server) replaceSession(sess *Session) {
	s.sessionsMu.Lock()
	old := s.sessions[sess.id]
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
	s.totalJoined.Add(1)
	if old != nil && old != sess {
		old.log().Info("session_superseded")
		old.close("superseded")
	}
}

func (s *Server) dropSession(sess *Session) {
	s.sessionsMu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.sessionsMu.Unlock()
}

// Shutdown gracefully closes the listener and all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	httpSrv := s.httpSrv
	s.mu.Unlock()
	if httpSrv != nil {
		_ = httpSrv.Close()
	} else if ln != nil {
		_ = ln.Close()
	}
	s.sessionsMu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range open {
		sess.close("shutdown")
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "upgrades", s.totalUpgrades.Load(), "joined", s.totalJoined.Load(), "closed", s.totalClosed.Load())
		return nil
	}
}
