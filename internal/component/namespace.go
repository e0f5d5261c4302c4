package component

import (
	"fmt"
	"sort"
	"sync"
)

// Namespace holds the containers of the current process by name.
type Namespace struct {
	mu         sync.RWMutex
	containers map[string]*Container
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{containers: make(map[string]*Container)}
}

// Create creates a container and binds it. The name is released when the
// container terminates. It fails with ErrNameInUse if the name is bound.
func (ns *Namespace) Create(name string) (*Container, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty container name", ErrLookup)
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.containers[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	ct := NewContainer(name)
	ns.containers[name] = ct
	ct.OnTerminate(func() { ns.remove(ct) })
	return ct, nil
}

func (ns *Namespace) remove(ct *Container) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.containers[ct.Name()] == ct {
		delete(ns.containers, ct.Name())
	}
}

// Container returns the named container.
func (ns *Namespace) Container(name string) (*Container, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if ct, ok := ns.containers[name]; ok {
		return ct, nil
	}
	return nil, fmt.Errorf("%w: container %s", ErrLookup, name)
}

// Names returns the bound container names, sorted.
func (ns *Namespace) Names() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	names := make([]string, 0, len(ns.containers))
	for name := range ns.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the component designated by ref.
func (ns *Namespace) Resolve(ref Ref) (*Component, error) {
	ct, err := ns.Container(ref.Container)
	if err != nil {
		return nil, err
	}
	return ct.Resolve(ref)
}

// Terminate terminates every container.
func (ns *Namespace) Terminate() {
	ns.mu.RLock()
	containers := make([]*Container, 0, len(ns.containers))
	for _, ct := range ns.containers {
		containers = append(containers, ct)
	}
	ns.mu.RUnlock()

	for _, ct := range containers {
		ct.Terminate()
	}
}
