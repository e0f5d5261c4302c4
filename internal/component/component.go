package component

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/va"
)

// ChildrenVA is the name of the VA listing the children of a component.
const ChildrenVA = "children"

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

// Descriptor is the static description of a component, sent to remote
// clients when they build a proxy. It only contains handles, never other
// components.
type Descriptor struct {
	Ref       Ref                         `json:"ref"`
	Role      string                      `json:"role"`
	Parent    *Ref                        `json:"parent,omitempty"`
	Affects   []Ref                       `json:"affects,omitempty"`
	VAs       map[string]va.Descriptor    `json:"vas"`
	DataFlows []string                    `json:"dataflows,omitempty"`
	Events    map[string]string           `json:"events,omitempty"`
	Methods   map[string]MethodDescriptor `json:"methods,omitempty"`
	ROAttrs   map[string]any              `json:"roattributes,omitempty"`
}

// Component is a named object, usually backed by hardware, exposing VAs,
// DataFlows, Events, methods and read-only attributes.
//
// Members are declared while building the component, before it is
// registered; declaring the same member name twice panics.
type Component struct {
	name   string
	role   string
	logger Logger

	childMu  sync.Mutex
	children *va.List[Ref]

	mu        sync.RWMutex
	container *Container
	vas       map[string]va.Attribute
	dataflows map[string]*dataflow.DataFlow
	events    map[string]dataflow.Trigger
	methods   map[string]*Method
	roattrs   map[string]any
	parent    Ref
	affects   []Ref

	termMu     sync.Mutex
	terminated bool
	hooks      []func()
}

// New creates a component with the given name and role.
func New(name, role string) *Component {
	c := &Component{
		name:      name,
		role:      role,
		logger:    noopLogger{},
		children:  va.NewList[Ref](nil, va.ReadOnly()),
		vas:       make(map[string]va.Attribute),
		dataflows: make(map[string]*dataflow.DataFlow),
		events:    make(map[string]dataflow.Trigger),
		methods:   make(map[string]*Method),
		roattrs:   make(map[string]any),
	}
	c.vas[ChildrenVA] = c.children
	return c
}

// SetLogger sets the logger of the component.
func (c *Component) SetLogger(logger Logger) {
	c.logger = logger
}

// Logger returns the logger of the component.
func (c *Component) Logger() Logger {
	return c.logger
}

// Name returns the name, unique within the container.
func (c *Component) Name() string {
	return c.name
}

// Role returns the function of the component in the microscope ("stage",
// "ccd", "light"...).
func (c *Component) Role() string {
	return c.role
}

// Ref returns the handle of the component. The container part is empty
// until the component is registered.
func (c *Component) Ref() Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref := Ref{Name: c.name}
	if c.container != nil {
		ref.Container = c.container.Name()
	}
	return ref
}

// Container returns the owning container, or nil.
func (c *Component) Container() *Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.container
}

func (c *Component) declare(name string) {
	_, isVA := c.vas[name]
	_, isDF := c.dataflows[name]
	_, isEvent := c.events[name]
	_, isMethod := c.methods[name]
	_, isAttr := c.roattrs[name]
	if isVA || isDF || isEvent || isMethod || isAttr {
		panic(fmt.Sprintf("component %s: member %q declared twice", c.name, name))
	}
}

// AddVA declares a VA.
func (c *Component) AddVA(name string, a va.Attribute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declare(name)
	c.vas[name] = a
}

// AddDataFlow declares a DataFlow.
func (c *Component) AddDataFlow(name string, df *dataflow.DataFlow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declare(name)
	c.dataflows[name] = df
}

// AddEvent declares an Event or a HwTrigger.
func (c *Component) AddEvent(name string, t dataflow.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declare(name)
	c.events[name] = t
}

// Expose declares fn as a method callable by name. It panics if fn has an
// unsupported signature.
func (c *Component) Expose(name string, fn any, opts ...MethodOption) {
	m, err := newMethod(name, fn, opts)
	if err != nil {
		panic(fmt.Sprintf("component %s: %v", c.name, err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declare(name)
	c.methods[name] = m
}

// SetROAttr declares a read-only attribute. Its value is sent once, with the
// descriptor, and never changes.
func (c *Component) SetROAttr(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declare(name)
	c.roattrs[name] = value
}

// VA returns the named VA.
func (c *Component) VA(name string) (va.Attribute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.vas[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s has no VA %q", ErrNoAttribute, c.name, name)
}

// VAs returns the VAs by name.
func (c *Component) VAs() map[string]va.Attribute {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.vas)
}

// DataFlow returns the named DataFlow.
func (c *Component) DataFlow(name string) (*dataflow.DataFlow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if df, ok := c.dataflows[name]; ok {
		return df, nil
	}
	return nil, fmt.Errorf("%w: %s has no DataFlow %q", ErrNoAttribute, c.name, name)
}

// DataFlows returns the DataFlows by name.
func (c *Component) DataFlows() map[string]*dataflow.DataFlow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.dataflows)
}

// Event returns the named Event or HwTrigger.
func (c *Component) Event(name string) (dataflow.Trigger, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.events[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s has no Event %q", ErrNoAttribute, c.name, name)
}

// Method returns the named exposed method.
func (c *Component) Method(name string) (*Method, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.methods[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s has no method %q", ErrNoAttribute, c.name, name)
}

// Invoke calls the named method.
func (c *Component) Invoke(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	m, err := c.Method(name)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args, kwargs)
}

// GetAttr returns a read-only attribute, or the value of a VA.
func (c *Component) GetAttr(name string) (any, error) {
	c.mu.RLock()
	v, isAttr := c.roattrs[name]
	a, isVA := c.vas[name]
	c.mu.RUnlock()

	switch {
	case isAttr:
		return v, nil
	case isVA:
		return a.Get(), nil
	}
	return nil, fmt.Errorf("%w: %s has no attribute %q", ErrNoAttribute, c.name, name)
}

// SetAttr writes the value of a VA. Read-only attributes cannot be written.
func (c *Component) SetAttr(name string, value any) error {
	c.mu.RLock()
	_, isAttr := c.roattrs[name]
	a, isVA := c.vas[name]
	c.mu.RUnlock()

	switch {
	case isAttr:
		return fmt.Errorf("%w: attribute %q of %s", va.ErrReadOnly, name, c.name)
	case isVA:
		return a.Set(value)
	}
	return fmt.Errorf("%w: %s has no attribute %q", ErrNoAttribute, c.name, name)
}

// SetParent records the parent handle.
func (c *Component) SetParent(parent Ref) {
	c.mu.Lock()
	c.parent = parent
	c.mu.Unlock()
}

// Parent returns the parent handle, or the zero Ref.
func (c *Component) Parent() Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

// AddChild appends child to the children VA, notifying its subscribers.
// Adding a child twice is a no-op.
func (c *Component) AddChild(child Ref) error {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	if slices.Contains(c.children.Value(), child) {
		return nil
	}
	return c.children.Update(append(c.children.Value(), child))
}

// RemoveChild removes child from the children VA.
func (c *Component) RemoveChild(child Ref) error {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	cur := c.children.Value()
	i := slices.Index(cur, child)
	if i < 0 {
		return nil
	}
	return c.children.Update(slices.Delete(cur, i, i+1))
}

// Children returns the handles of the children.
func (c *Component) Children() []Ref {
	return c.children.Value()
}

// ChildrenVA returns the read-only VA holding the children handles.
func (c *Component) ChildrenVA() *va.List[Ref] {
	return c.children
}

// SetAffects records the components whose behaviour depends on this one
// (a lamp affects the camera, for instance).
func (c *Component) SetAffects(refs ...Ref) {
	c.mu.Lock()
	c.affects = slices.Clone(refs)
	c.mu.Unlock()
}

// Affects returns the handles recorded by SetAffects.
func (c *Component) Affects() []Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.affects)
}

// OnTerminate registers fn, run by Terminate. Hooks run in reverse order of
// registration.
func (c *Component) OnTerminate(fn func()) {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Terminate stops the component: hooks run, DataFlows are closed and VA
// subscribers are dropped. Later calls do nothing.
func (c *Component) Terminate() {
	c.termMu.Lock()
	if c.terminated {
		c.termMu.Unlock()
		return
	}
	c.terminated = true
	hooks := c.hooks
	c.hooks = nil
	c.termMu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		c.runHook(hooks[i])
	}

	c.mu.RLock()
	dataflows := maps.Clone(c.dataflows)
	vas := maps.Clone(c.vas)
	c.mu.RUnlock()

	for _, df := range dataflows {
		df.Close()
	}
	for _, a := range vas {
		if closer, ok := a.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	c.logger.Debug("component terminated", "component", c.name)
}

// Terminated reports whether Terminate was called.
func (c *Component) Terminated() bool {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	return c.terminated
}

func (c *Component) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("component termination hook panicked", "component", c.name, "panic", r)
		}
	}()
	fn()
}

// Describe returns the descriptor of the component.
func (c *Component) Describe() Descriptor {
	ref := c.Ref()

	c.mu.RLock()
	defer c.mu.RUnlock()

	d := Descriptor{
		Ref:     ref,
		Role:    c.role,
		Affects: slices.Clone(c.affects),
		VAs:     make(map[string]va.Descriptor, len(c.vas)),
		Events:  make(map[string]string, len(c.events)),
		Methods: make(map[string]MethodDescriptor, len(c.methods)),
		ROAttrs: maps.Clone(c.roattrs),
	}
	if !c.parent.IsZero() {
		parent := c.parent
		d.Parent = &parent
	}
	for name, a := range c.vas {
		d.VAs[name] = a.Descriptor()
	}
	for name := range c.dataflows {
		d.DataFlows = append(d.DataFlows, name)
	}
	sort.Strings(d.DataFlows)
	for name, t := range c.events {
		d.Events[name] = t.Type()
	}
	for name, m := range c.methods {
		d.Methods[name] = m.Descriptor()
	}
	return d
}
