// Package registry holds the containers of an Odemis process and finds the
// components of every other process.
//
// A process creates one Registry at startup and closes it at exit. Each
// container created through it is served on its own endpoint and bound in
// the shared directory, where the other processes look it up.
package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/delmic/odemis-sub009/internal/api"
	"github.com/delmic/odemis-sub009/internal/auth"
	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/directory"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
	"github.com/delmic/odemis-sub009/internal/infrastructure/logging"
	"github.com/delmic/odemis-sub009/internal/remote"
)

// unbindTimeout bounds the removal of a container from the directory when
// it terminates.
const unbindTimeout = 5 * time.Second

// Deps holds the dependencies of a Registry.
type Deps struct {
	Directory *directory.Directory
	Transport config.TransportConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Version   string
}

// Registry is the process-wide registry of containers.
//
// Lookups of a local container return component.LocalProxy adapters; other
// containers are resolved through the directory and reached with a
// remote.Client. Every proxy is cached, so a component looked up twice, or
// reached through a relation, is the same proxy.
//
// All public methods are thread-safe.
type Registry struct {
	ns        *component.Namespace
	dir       *directory.Directory
	client    *remote.Client
	transport config.TransportConfig
	security  config.SecurityConfig
	logger    *logging.Logger
	version   string
	pid       int

	mu      sync.Mutex
	servers map[string]*api.Server
	locals  map[component.Ref]*component.LocalProxy
	closed  bool
}

// New creates a registry.
func New(deps Deps) (*Registry, error) {
	if deps.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	r := &Registry{
		ns:        component.NewNamespace(),
		dir:       deps.Directory,
		transport: deps.Transport,
		security:  deps.Security,
		logger:    deps.Logger,
		version:   deps.Version,
		pid:       os.Getpid(),
		servers:   make(map[string]*api.Server),
		locals:    make(map[component.Ref]*component.LocalProxy),
	}

	r.client = remote.NewClient(r.resolveURL, ClientConfig(deps.Transport, deps.Security))
	r.client.SetLogger(deps.Logger)
	r.client.SetResolver(r)
	return r, nil
}

// ClientConfig converts the transport and security settings into the
// settings of outgoing connections. With a JWT secret, each connection
// carries a fresh operator token.
func ClientConfig(tc config.TransportConfig, sc config.SecurityConfig) remote.ClientConfig {
	cfg := remote.DefaultClientConfig()
	if d := tc.GetCallTimeout(); d > 0 {
		cfg.CallTimeout = d
	}
	if tc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = int64(tc.MaxMessageSize)
	}
	if secret := sc.JWT.Secret; secret != "" {
		subject := fmt.Sprintf("odemis/%d", os.Getpid())
		cfg.TokenSource = func() (string, error) {
			return auth.GenerateAccessToken(subject, auth.RoleOperator, secret, sc.JWT.GetAccessTokenTTL())
		}
	}
	return cfg
}

func (r *Registry) resolveURL(ctx context.Context, container string) (string, error) {
	e, err := r.dir.Resolve(ctx, container)
	if err != nil {
		return "", err
	}
	return e.URL, nil
}

// CreateContainer creates a container, serves it and binds its name in the
// directory. It fails with component.ErrNameInUse if the name is bound in
// this process or by another live process.
//
// Terminating the container closes its endpoint and releases the name.
func (r *Registry) CreateContainer(ctx context.Context, name string) (*component.Container, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: registry closed", component.ErrTerminated)
	}

	ct, err := r.ns.Create(name)
	if err != nil {
		return nil, err
	}
	ct.SetLogger(r.logger)

	srv, err := api.New(api.Deps{
		Transport: r.transport,
		Security:  r.security,
		Logger:    r.logger,
		Container: ct,
		Version:   r.version,
	})
	if err != nil {
		ct.Terminate()
		return nil, fmt.Errorf("creating endpoint of %s: %w", name, err)
	}
	if err := srv.Start(ctx); err != nil {
		ct.Terminate()
		return nil, fmt.Errorf("starting endpoint of %s: %w", name, err)
	}

	entry := directory.Entry{Name: name, URL: srv.URL(), PID: r.pid}
	if err := r.dir.Bind(ctx, entry); err != nil {
		srv.Close() //nolint:errcheck // Best-effort cleanup, the bind error is returned
		ct.Terminate()
		return nil, err
	}

	r.mu.Lock()
	r.servers[name] = srv
	r.mu.Unlock()
	ct.OnTerminate(func() { r.release(ct, srv, entry) })

	r.logger.Info("container created", "container", name, "url", entry.URL)
	return ct, nil
}

// release runs when a container terminates.
func (r *Registry) release(ct *component.Container, srv *api.Server, entry directory.Entry) {
	if err := srv.Close(); err != nil {
		r.logger.Warn("closing container endpoint", "container", entry.Name, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), unbindTimeout)
	defer cancel()
	if err := r.dir.Unbind(ctx, entry); err != nil {
		r.logger.Warn("unbinding container", "container", entry.Name, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.servers[entry.Name] == srv {
		delete(r.servers, entry.Name)
	}
	for ref := range r.locals {
		if ref.Container == ct.Name() {
			delete(r.locals, ref)
		}
	}
}

// Container returns a container of this process.
func (r *Registry) Container(name string) (*component.Container, error) {
	return r.ns.Container(name)
}

// Containers returns the names of the containers of this process.
func (r *Registry) Containers() []string {
	return r.ns.Names()
}

// Server returns the endpoint of a container of this process.
func (r *Registry) Server(name string) (*api.Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[name]
	return srv, ok
}

// Directory returns the directory shared with the other processes.
func (r *Registry) Directory() *directory.Directory {
	return r.dir
}

// LookupName returns the proxy of component name in container. It fails
// with component.ErrLookup if either is unknown.
func (r *Registry) LookupName(ctx context.Context, container, name string) (component.Proxy, error) {
	return r.Lookup(ctx, component.Ref{Container: container, Name: name})
}

// Lookup returns the proxy of ref, local or remote.
func (r *Registry) Lookup(ctx context.Context, ref component.Ref) (component.Proxy, error) {
	ct, err := r.ns.Container(ref.Container)
	if err != nil {
		return r.client.Lookup(ctx, ref)
	}
	c, err := ct.Resolve(ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.locals[ref]; ok && p.Component() == c {
		return p, nil
	}
	p := component.NewLocalProxy(c, r)
	r.locals[ref] = p
	return p, nil
}

// Close terminates the containers of this process and closes every
// connection to the others.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.ns.Terminate()
	r.client.Close()
	r.logger.Info("registry closed")
}
