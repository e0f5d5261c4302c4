package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/delmic/odemis-sub009/internal/component"
)

// URLResolver returns the endpoint of a container.
type URLResolver func(ctx context.Context, container string) (string, error)

// Client reaches the components of other processes. It keeps one Conn per
// container and one proxy per component, so looking a component up twice
// returns the same proxy. Both are forgotten when their connection ends.
type Client struct {
	urls     URLResolver
	cfg      ClientConfig
	logger   Logger
	resolver component.Resolver

	mu      sync.Mutex
	conns   map[string]*Conn
	proxies map[component.Ref]*ComponentProxy
	closed  bool
}

// NewClient creates a client finding containers through urls.
func NewClient(urls URLResolver, cfg ClientConfig) *Client {
	c := &Client{
		urls:    urls,
		cfg:     cfg,
		logger:  noopLogger{},
		conns:   make(map[string]*Conn),
		proxies: make(map[component.Ref]*ComponentProxy),
	}
	c.resolver = c
	return c
}

// SetLogger sets the logger of the client and of its connections.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetResolver sets how the proxies built by the client resolve the
// components they refer to. By default they use the client itself.
func (c *Client) SetResolver(r component.Resolver) {
	c.resolver = r
}

// Lookup returns the proxy of ref, connecting to its container if needed.
func (c *Client) Lookup(ctx context.Context, ref component.Ref) (component.Proxy, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: empty reference", component.ErrLookup)
	}

	c.mu.Lock()
	if p, ok := c.proxies[ref]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	conn, err := c.Conn(ctx, ref.Container)
	if err != nil {
		return nil, err
	}
	p, err := NewComponentProxy(ctx, conn, ref.Name, c.resolver)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.proxies[ref]; ok {
		return existing, nil
	}
	if c.conns[ref.Container] == conn {
		c.proxies[ref] = p
	}
	return p, nil
}

// Conn returns the connection to container, dialing it if needed.
func (c *Client) Conn(ctx context.Context, container string) (*Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if conn, ok := c.conns[container]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	url, err := c.urls(ctx, container)
	if err != nil {
		return nil, err
	}
	conn, err := Dial(ctx, url, c.cfg)
	if err != nil {
		return nil, err
	}
	conn.SetLogger(c.logger)

	c.mu.Lock()
	if existing, ok := c.conns[container]; ok || c.closed {
		c.mu.Unlock()
		conn.Close()
		if !ok {
			return nil, ErrConnectionClosed
		}
		return existing, nil
	}
	c.conns[container] = conn
	c.mu.Unlock()

	conn.OnClose(func() { c.forget(container, conn) })
	c.logger.Debug("connected to container", "container", container, "url", url)
	return conn, nil
}

func (c *Client) forget(container string, conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[container] != conn {
		return
	}
	delete(c.conns, container)
	for ref, p := range c.proxies {
		if p.conn == conn {
			delete(c.proxies, ref)
		}
	}
}

// Close closes every connection. Proxies built by the client fail with
// ErrConnectionClosed afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
