package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/future"
	"github.com/delmic/odemis-sub009/internal/observer"
)

// Logger defines the logging interface used by the package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ServerConfig holds the settings of the container side of connections.
type ServerConfig struct {
	// MaxMessageSize limits incoming frames (bytes).
	MaxMessageSize int64

	// PingInterval is the period of keepalive pings; a client silent for
	// PingInterval+PongTimeout is disconnected.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// SendBuffer is the number of outbound messages queued per connection.
	SendBuffer int

	// SendTimeout is how long a notification may wait for room in a full
	// send buffer before the connection is dropped as unresponsive.
	SendTimeout time.Duration
}

// DefaultServerConfig returns the settings used when none are configured.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxMessageSize: 16 << 20,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		SendBuffer:     256,
		SendTimeout:    2 * time.Second,
	}
}

// Hub serves the components of one container to remote clients, one
// websocket session per client connection.
type Hub struct {
	ct       *component.Container
	cfg      ServerConfig
	logger   Logger
	upgrader websocket.Upgrader
	control  func(r *http.Request) bool

	mu       sync.RWMutex
	sessions map[*session]struct{}
	closed   bool
}

// NewHub creates the hub of ct.
func NewHub(ct *component.Container, cfg ServerConfig) *Hub {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 1
	}
	return &Hub{
		ct:     ct,
		cfg:    cfg,
		logger: noopLogger{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				// Clients are other Odemis processes, not browsers.
				return true
			},
		},
		sessions: make(map[*session]struct{}),
	}
}

// SetLogger sets the logger of the hub.
func (h *Hub) SetLogger(logger Logger) {
	h.logger = logger
}

// SetControl installs fn, deciding per connection request whether the
// client may change state: write VAs, call methods, fire events and cancel
// futures. Without it every client may.
func (h *Hub) SetControl(fn func(r *http.Request) bool) {
	h.control = fn
}

// Container returns the served container.
func (h *Hub) Container() *component.Container {
	return h.ct
}

// ServeHTTP upgrades the request to a websocket session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "container terminated", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		vaSubs:  make(map[string]*vaSub),
		dfSubs:  make(map[string]*dfSub),
		futures: make(map[string]*future.Future),
		control: h.control == nil || h.control(r),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		cancel()
		return
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", "container", h.ct.Name(), "session", s.id, "remote", r.RemoteAddr)

	go s.writePump()
	go s.readPump()
}

// Sessions returns the number of connected clients.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// session is the container side of one client connection.
type session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// send is never closed; done signals the end of the session.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// ctx is handed to the methods called by this client.
	ctx    context.Context
	cancel context.CancelFunc

	control bool

	mu      sync.Mutex
	vaSubs  map[string]*vaSub
	dfSubs  map[string]*dfSub
	futures map[string]*future.Future
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.Close()
		s.hub.remove(s)
		s.release()
		s.hub.logger.Debug("client disconnected", "container", s.hub.ct.Name(), "session", s.id)
	})
}

// release drops every subscription of the session.
func (s *session) release() {
	s.mu.Lock()
	vaSubs, dfSubs := s.vaSubs, s.dfSubs
	s.vaSubs = make(map[string]*vaSub)
	s.dfSubs = make(map[string]*dfSub)
	s.futures = make(map[string]*future.Future)
	s.mu.Unlock()

	for _, sub := range vaSubs {
		sub.attr.Unsubscribe(sub)
	}
	for _, sub := range dfSubs {
		sub.df.Unsubscribe(sub)
	}
}

// readPump reads calls from the connection, each handled on its own
// goroutine so a slow method never delays unrelated calls.
func (s *session) readPump() {
	defer s.close()

	cfg := s.hub.cfg
	if cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("websocket read error", "session", s.id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.logger.Warn("invalid message", "session", s.id, "error", err)
			continue
		}
		if msg.Type != TypeCall {
			s.hub.logger.Warn("unexpected message type", "session", s.id, "type", msg.Type)
			continue
		}
		go s.handleCall(msg)
	}
}

// writePump writes queued messages and keepalive pings, in order.
func (s *session) writePump() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			//nolint:errcheck // Best-effort close message
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "container terminated"))
			return
		}
	}
}

// enqueue queues msg for sending. When the buffer stays full for
// SendTimeout the client is considered unresponsive: the session is closed
// and the returned error wraps observer.ErrGone, so that the subscription
// delivering msg is pruned.
func (s *session) enqueue(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("%w: %w", observer.ErrGone, ErrConnectionClosed)
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(s.hub.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %w", observer.ErrGone, ErrConnectionClosed)
	case <-timer.C:
		s.hub.logger.Warn("client not reading, closing connection", "session", s.id, "send_timeout", s.hub.cfg.SendTimeout)
		s.close()
		return fmt.Errorf("%w: send timeout", observer.ErrGone)
	}
}

// exportedFuture is a future sent in a reply, watched once the reply is queued.
type exportedFuture struct {
	f  *future.Future
	pf *future.ProgressiveFuture
}

// encoder returns an encoder registering the futures it meets in the
// session and collecting them in exported.
func (s *session) encoder(exported *[]exportedFuture) *encoder {
	return &encoder{export: func(f *future.Future, pf *future.ProgressiveFuture) futureHandle {
		s.mu.Lock()
		s.futures[f.ID()] = f
		s.mu.Unlock()
		*exported = append(*exported, exportedFuture{f: f, pf: pf})

		h := futureHandle{ID: f.ID(), Progressive: pf != nil, State: string(f.State())}
		if pf != nil {
			start, end := pf.Progress()
			h.Start, h.End = unixSeconds(start), unixSeconds(end)
		}
		return h
	}}
}

// watch forwards the progress and the outcome of exported futures.
func (s *session) watch(exported []exportedFuture) {
	for _, ef := range exported {
		id := ef.f.ID()
		if ef.pf != nil {
			ef.pf.AddUpdateCallback(func(start, end time.Time) {
				//nolint:errcheck // A closed session drops progress updates
				s.enqueue(Message{
					Type:   TypeNotify,
					Op:     NotifyFutureProgress,
					Future: id,
					Start:  unixSeconds(start),
					End:    unixSeconds(end),
				})
			})
		}
		ef.f.AddDoneCallback(func(f *future.Future) {
			s.mu.Lock()
			delete(s.futures, id)
			s.mu.Unlock()

			msg := Message{Type: TypeNotify, Op: NotifyFutureDone, Future: id}
			var nested []exportedFuture
			v, err := f.Result(context.Background())
			if err == nil {
				var val Value
				val, err = s.encoder(&nested).encode(v)
				msg.Value = &val
			}
			if err != nil {
				msg.Value = nil
				msg.Error = toWire(err)
			}
			if err := s.enqueue(msg); err != nil {
				s.hub.logger.Debug("future outcome not sent", "session", s.id, "future", id, "error", err)
			}
			s.watch(nested)
		})
	}
}

func (s *session) future(id string) (*future.Future, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.futures[id]
	return f, ok
}

// unixSeconds encodes t for the wire; the zero time is 0.
func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(s*1e9))
}
