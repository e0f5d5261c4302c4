package component

import (
	"fmt"
	"sort"
	"sync"
)

// Container hosts the components of one backend process under a unique
// name. Components are kept in a table keyed by name; relations between
// them are Refs resolved through the container.
type Container struct {
	name   string
	logger Logger

	mu         sync.RWMutex
	components map[string]*Component
	order      []string
	hooks      []func()
	terminated bool
}

// NewContainer creates an empty container. Use Namespace.Create, or
// remote.Registry.CreateContainer, to make it reachable by name.
func NewContainer(name string) *Container {
	return &Container{
		name:       name,
		logger:     noopLogger{},
		components: make(map[string]*Component),
	}
}

// SetLogger sets the logger of the container.
func (ct *Container) SetLogger(logger Logger) {
	ct.logger = logger
}

// Name returns the container name.
func (ct *Container) Name() string {
	return ct.name
}

// Register adds c to the container.
//
// It fails with ErrDuplicateName if a component with the same name exists,
// with ErrAlreadyOwned if c belongs to another container, and with
// ErrTerminated after Terminate.
func (ct *Container) Register(c *Component) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.terminated {
		return fmt.Errorf("%w: container %s", ErrTerminated, ct.name)
	}
	if _, exists := ct.components[c.Name()]; exists {
		return fmt.Errorf("%w: %s in container %s", ErrDuplicateName, c.Name(), ct.name)
	}

	c.mu.Lock()
	if c.container != nil && c.container != ct {
		owner := c.container.Name()
		c.mu.Unlock()
		return fmt.Errorf("%w: %s belongs to %s", ErrAlreadyOwned, c.Name(), owner)
	}
	c.container = ct
	c.mu.Unlock()

	ct.components[c.Name()] = c
	ct.order = append(ct.order, c.Name())
	ct.logger.Debug("component registered", "container", ct.name, "component", c.Name(), "role", c.Role())
	return nil
}

// Unregister removes the named component without terminating it.
func (ct *Container) Unregister(name string) (*Component, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	c, ok := ct.components[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in container %s", ErrLookup, name, ct.name)
	}
	delete(ct.components, name)
	for i, n := range ct.order {
		if n == name {
			ct.order = append(ct.order[:i:i], ct.order[i+1:]...)
			break
		}
	}

	c.mu.Lock()
	c.container = nil
	c.mu.Unlock()
	return c, nil
}

// Component returns the named component.
func (ct *Container) Component(name string) (*Component, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if c, ok := ct.components[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s in container %s", ErrLookup, name, ct.name)
}

// Components returns the components sorted by name.
func (ct *Container) Components() []*Component {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]*Component, 0, len(ct.components))
	for _, c := range ct.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Resolve returns the component designated by ref, which must belong to
// this container.
func (ct *Container) Resolve(ref Ref) (*Component, error) {
	if ref.Container != ct.name {
		return nil, fmt.Errorf("%w: %s is not in container %s", ErrLookup, ref, ct.name)
	}
	return ct.Component(ref.Name)
}

// OnTerminate registers fn, run by Terminate after the components are
// terminated. The transport server uses it to stop serving.
func (ct *Container) OnTerminate(fn func()) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.hooks = append(ct.hooks, fn)
}

// Terminate terminates every component, in reverse order of registration,
// unregisters them and runs the termination hooks. Later calls do nothing.
func (ct *Container) Terminate() {
	ct.mu.Lock()
	if ct.terminated {
		ct.mu.Unlock()
		return
	}
	ct.terminated = true
	order := ct.order
	components := ct.components
	hooks := ct.hooks
	ct.order = nil
	ct.components = make(map[string]*Component)
	ct.hooks = nil
	ct.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		c := components[order[i]]
		c.Terminate()
		c.mu.Lock()
		c.container = nil
		c.mu.Unlock()
	}
	for _, fn := range hooks {
		fn()
	}
	ct.logger.Info("container terminated", "container", ct.name, "components", len(order))
}

// Terminated reports whether Terminate was called.
func (ct *Container) Terminated() bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.terminated
}
