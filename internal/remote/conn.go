package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/delmic/odemis-sub009/internal/future"
)

// ClientConfig holds the settings of the client side of connections.
type ClientConfig struct {
	// CallTimeout bounds calls whose context has no deadline. Zero waits
	// forever.
	CallTimeout time.Duration

	// WriteTimeout bounds the writing of one message.
	WriteTimeout time.Duration

	MaxMessageSize int64

	// Token is sent as a bearer token when the container requires one.
	Token string

	// TokenSource, when set, issues the token of each new connection in
	// place of Token.
	TokenSource func() (string, error)
}

// DefaultClientConfig returns the settings used when none are configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 << 20,
	}
}

// Conn is the client side of a connection to a container.
//
// Replies are matched to calls by id on the read goroutine. Notifications
// are queued without bound and handled in arrival order by a single
// dispatch goroutine, so a listener may itself make calls on the Conn.
type Conn struct {
	url    string
	cfg    ClientConfig
	ws     *websocket.Conn
	logger Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan result
	closed   bool
	closeErr error
	handlers map[string]func(Message)
	futures  map[string]*mirror
	finals   map[string]Message // future.done received, not dispatched yet
	onClose  []func()

	qmu   sync.Mutex
	queue []Message
	wake  chan struct{}

	done chan struct{}
}

// Dial connects to the container endpoint at url.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Conn, error) {
	token := cfg.Token
	if cfg.TokenSource != nil {
		t, err := cfg.TokenSource()
		if err != nil {
			return nil, fmt.Errorf("issuing token for %s: %w", url, err)
		}
		token = t
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnectionClosed, url, err)
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Conn{
		url:      url,
		cfg:      cfg,
		ws:       ws,
		logger:   noopLogger{},
		pending:  make(map[uint64]chan result),
		handlers: make(map[string]func(Message)),
		futures:  make(map[string]*mirror),
		finals:   make(map[string]Message),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// SetLogger sets the logger of the connection.
func (c *Conn) SetLogger(logger Logger) {
	c.logger = logger
}

// URL returns the endpoint of the connection.
func (c *Conn) URL() string {
	return c.url
}

// Done returns a channel closed when the connection is lost or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Pending and later calls fail with
// ErrConnectionClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// OnClose registers fn, run once when the connection ends. If it already
// has, fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	mirrors := c.futures
	c.futures = make(map[string]*mirror)
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()
	for _, ch := range pending {
		close(ch)
	}
	for _, m := range mirrors {
		m.f.Complete(nil, cause)
	}
	for _, fn := range hooks {
		fn()
	}
	c.logger.Debug("connection closed", "url", c.url, "cause", cause)
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnectionClosed
}

// result is a reply whose value was decoded on the read goroutine, so the
// futures it holds are known before their first notification is handled.
type result struct {
	msg   Message
	value any
	err   error
}

// Call sends msg and waits for its reply, returning the reply and its
// decoded value. A reply carrying an error is returned as a *RemoteError.
func (c *Conn) Call(ctx context.Context, msg Message) (Message, any, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, nil, c.err()
	}
	c.nextID++
	msg.ID = c.nextID
	msg.Type = TypeCall
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.forget(msg.ID)
		return Message{}, nil, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return Message{}, nil, c.err()
		}
		return r.msg, r.value, r.err
	case <-ctx.Done():
		c.forget(msg.ID)
		return Message{}, nil, fmt.Errorf("%w: %s %s.%s: %w", future.ErrTimeout, msg.Op, msg.Component, msg.Member, ctx.Err())
	}
}

// Send sends msg as a oneway call, without waiting for its execution.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.err()
	}
	c.mu.Unlock()

	msg.Type = TypeCall
	msg.Oneway = true
	return c.write(msg)
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		//nolint:errcheck // Best-effort deadline; write error caught below
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		return c.err()
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid message", "url", c.url, "error", err)
			continue
		}

		switch msg.Type {
		case TypeReply:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- c.decodeReply(msg)
			}
		case TypeNotify:
			if msg.Op == NotifyFutureDone {
				c.mu.Lock()
				if m := c.futures[msg.Future]; m != nil {
					m.arrive(msg)
				} else {
					c.finals[msg.Future] = msg
				}
				c.mu.Unlock()
			}
			c.qmu.Lock()
			c.queue = append(c.queue, msg)
			c.qmu.Unlock()
			select {
			case c.wake <- struct{}{}:
			default:
			}
		default:
			c.logger.Warn("unexpected message type", "url", c.url, "type", msg.Type)
		}
	}
}

func (c *Conn) decodeReply(msg Message) result {
	r := result{msg: msg}
	switch {
	case msg.Error != nil:
		r.err = fromWire(msg.Error)
	case msg.Value != nil:
		r.value, r.err = c.decoder().decode(*msg.Value)
	}
	return r
}

func (c *Conn) dispatchLoop() {
	for {
		c.qmu.Lock()
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()

		for _, msg := range batch {
			c.dispatch(msg)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) dispatch(msg Message) {
	switch msg.Op {
	case NotifyVA, NotifyData:
		c.mu.Lock()
		h := c.handlers[msg.Sub]
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	case NotifyFutureProgress, NotifyFutureDone:
		c.mu.Lock()
		m := c.futures[msg.Future]
		if msg.Op == NotifyFutureDone {
			delete(c.futures, msg.Future)
			delete(c.finals, msg.Future)
		}
		c.mu.Unlock()
		if m != nil {
			m.handle(c, msg)
		}
	default:
		c.logger.Warn("unknown notification", "url", c.url, "op", msg.Op)
	}
}

// handle routes the notifications of subscription sub to fn.
func (c *Conn) handle(sub string, fn func(Message)) {
	c.mu.Lock()
	c.handlers[sub] = fn
	c.mu.Unlock()
}

func (c *Conn) unhandle(sub string) {
	c.mu.Lock()
	delete(c.handlers, sub)
	c.mu.Unlock()
}
