// Package mirror publishes the state of a container outside the component
// transport: VA values to MQTT (retained, writable through command topics)
// and their history to InfluxDB.
package mirror

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/va"
)

// Container status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// queueSize bounds the changes waiting for the sinks. Changes arriving
// while the queue is full are dropped.
const queueSize = 256

// Logger defines the logging interface used by the Mirror.
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

// Sink receives the state of a container.
type Sink interface {
	VAChanged(ref component.Ref, name string, value any)
	ContainerStatus(container, status string)
}

// DataFlowSink is implemented by sinks interested in DataFlow throughput.
type DataFlowSink interface {
	DataFlowStats(ref component.Ref, name string, arrays int64, shape []int)
}

type eventKind int

const (
	eventVA eventKind = iota
	eventStatus
	eventDataFlow
)

type event struct {
	kind   eventKind
	ref    component.Ref
	name   string
	value  any
	status string
	arrays int64
	shape  []int
}

// Mirror follows every VA of a container and forwards the changes to its
// sinks from a single goroutine, in order, so a slow sink never delays the
// components.
type Mirror struct {
	ct     *component.Container
	sinks  []Sink
	logger Logger

	events  chan event
	dropped atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	vas     []vaWatch
	flows   []*flowCounter
	quit    chan struct{}
	wg      sync.WaitGroup
}

type vaWatch struct {
	ref  component.Ref
	name string
	attr va.Attribute
	l    va.Listener
}

// New creates a mirror of ct.
func New(ct *component.Container, sinks ...Sink) *Mirror {
	return &Mirror{
		ct:     ct,
		sinks:  sinks,
		logger: noopLogger{},
		events: make(chan event, queueSize),
		quit:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the mirror.
func (m *Mirror) SetLogger(logger Logger) {
	m.logger = logger
}

// Start announces the container online and subscribes to every VA of its
// components. Each sink first receives the current values.
func (m *Mirror) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("mirror of %s already started", m.ct.Name())
	}
	m.started = true

	m.wg.Add(1)
	go m.run()

	m.queue(event{kind: eventStatus, status: StatusOnline})
	for _, c := range m.ct.Components() {
		ref := c.Ref()
		vas := c.VAs()
		names := make([]string, 0, len(vas))
		for name := range vas {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			attr := vas[name]
			l := va.Func(func(v any) {
				m.queue(event{kind: eventVA, ref: ref, name: name, value: v})
			})
			attr.Subscribe(l, true)
			m.vas = append(m.vas, vaWatch{ref: ref, name: name, attr: attr, l: l})
		}
	}
	m.logger.Info("mirror started", "container", m.ct.Name(), "vas", len(m.vas))
	return nil
}

// CountDataFlows subscribes to every DataFlow of the container and reports
// the number of arrays received to the DataFlowSinks every period.
// Subscribing starts the acquisition of the producers.
func (m *Mirror) CountDataFlows(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("invalid dataflow count period %v", period)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return fmt.Errorf("mirror of %s not running", m.ct.Name())
	}

	for _, c := range m.ct.Components() {
		flows := c.DataFlows()
		for name, df := range flows {
			fc := &flowCounter{ref: c.Ref(), name: name, df: df}
			if err := df.Subscribe(fc); err != nil {
				m.logger.Warn("cannot count dataflow", "component", c.Name(), "dataflow", name, "error", err)
				continue
			}
			m.flows = append(m.flows, fc)
		}
	}

	flows := append([]*flowCounter(nil), m.flows...)
	m.wg.Add(1)
	go m.report(flows, period)
	return nil
}

// Resync sends the sinks the online status and the current value of every
// VA again, as after a broker restart lost the retained messages. It does
// nothing unless the mirror is running.
func (m *Mirror) Resync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return
	}
	m.queue(event{kind: eventStatus, status: StatusOnline})
	for _, w := range m.vas {
		m.queue(event{kind: eventVA, ref: w.ref, name: w.name, value: w.attr.Get()})
	}
	m.logger.Debug("mirror resynchronised", "container", m.ct.Name(), "vas", len(m.vas))
}

// Set writes value to a VA of the container.
func (m *Mirror) Set(comp, name string, value any) error {
	c, err := m.ct.Component(comp)
	if err != nil {
		return err
	}
	a, err := c.VA(name)
	if err != nil {
		return err
	}
	return a.Set(value)
}

// SetJSON writes the JSON encoded value to a VA of the container.
func (m *Mirror) SetJSON(comp, name string, payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", va.ErrType, comp, name, err)
	}
	return m.Set(comp, name, v)
}

// Container returns the mirrored container.
func (m *Mirror) Container() *component.Container {
	return m.ct
}

// Dropped returns the number of changes dropped because the sinks lagged.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Stop unsubscribes, announces the container offline and waits for the
// sinks to receive the pending changes.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	vas, flows := m.vas, m.flows
	m.vas, m.flows = nil, nil
	m.mu.Unlock()

	for _, w := range vas {
		w.attr.Unsubscribe(w.l)
	}
	for _, fc := range flows {
		fc.df.Unsubscribe(fc)
	}

	close(m.quit)
	m.wg.Wait()

	// The sinks goroutine has returned: deliver the final status directly.
	m.deliver(event{kind: eventStatus, status: StatusOffline})
	m.logger.Info("mirror stopped", "container", m.ct.Name(), "dropped", m.dropped.Load())
}

func (m *Mirror) queue(e event) {
	select {
	case m.events <- e:
	default:
		if m.dropped.Add(1) == 1 {
			m.logger.Warn("mirror queue full, dropping changes", "container", m.ct.Name())
		}
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case e := <-m.events:
			m.deliver(e)
		case <-m.quit:
			for {
				select {
				case e := <-m.events:
					m.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) deliver(e event) {
	for _, s := range m.sinks {
		m.safeCall(s, e)
	}
}

func (m *Mirror) safeCall(s Sink, e event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("mirror sink panic recovered", "container", m.ct.Name(), "panic", r)
		}
	}()
	switch e.kind {
	case eventVA:
		s.VAChanged(e.ref, e.name, e.value)
	case eventStatus:
		s.ContainerStatus(m.ct.Name(), e.status)
	case eventDataFlow:
		if ds, ok := s.(DataFlowSink); ok {
			ds.DataFlowStats(e.ref, e.name, e.arrays, e.shape)
		}
	}
}

func (m *Mirror) report(flows []*flowCounter, period time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, fc := range flows {
				n, shape := fc.take()
				m.queue(event{kind: eventDataFlow, ref: fc.ref, name: fc.name, arrays: n, shape: shape})
			}
		case <-m.quit:
			return
		}
	}
}

// flowCounter counts the arrays of a DataFlow.
type flowCounter struct {
	ref  component.Ref
	name string
	df   *dataflow.DataFlow

	mu    sync.Mutex
	count int64
	shape []int
}

func (f *flowCounter) OnData(data *dataflow.DataArray) error {
	f.mu.Lock()
	f.count++
	f.shape = data.Shape
	f.mu.Unlock()
	return nil
}

func (f *flowCounter) take() (int64, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.count
	f.count = 0
	return n, f.shape
}
