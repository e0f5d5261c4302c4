package dataflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/delmic/odemis-sub009/internal/observer"
)

// countingProducer records lifecycle transitions.
type countingProducer struct {
	starts atomic.Int32
	stops  atomic.Int32
	resets atomic.Int32
}

func (p *countingProducer) StartGenerate() { p.starts.Add(1) }
func (p *countingProducer) StopGenerate()  { p.stops.Add(1) }
func (p *countingProducer) Reset()         { p.resets.Add(1) }

// collector is a listener gathering received data.
type collector struct {
	mu   sync.Mutex
	data []*DataArray
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) OnData(d *DataArray) error {
	c.mu.Lock()
	c.data = append(c.data, d)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// waitN waits until n data were received or the timeout elapses.
func (c *collector) waitN(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for c.count() < n {
		select {
		case <-c.got:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("received %d data, want %d", c.count(), n)
		}
	}
}

func TestDataFlow_StartStopExactlyOnceConcurrent(t *testing.T) {
	p := &countingProducer{}
	df := New(p)

	const n = 32
	listeners := make([]Listener, n)
	for i := range listeners {
		listeners[i] = Func(func(*DataArray) {})
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := df.Subscribe(l); err != nil {
				t.Errorf("Subscribe() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := p.starts.Load(); got != 1 {
		t.Errorf("StartGenerate called %d times, want 1", got)
	}
	if !df.Generating() {
		t.Error("Generating() = false after subscriptions")
	}

	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			df.Unsubscribe(l)
		}()
	}
	wg.Wait()

	if got := p.stops.Load(); got != 1 {
		t.Errorf("StopGenerate called %d times, want 1", got)
	}
	if df.Generating() {
		t.Error("Generating() = true after last unsubscribe")
	}
}

func TestDataFlow_UnsubscribeUnknownIsNoop(t *testing.T) {
	p := &countingProducer{}
	df := New(p)
	l := Func(func(*DataArray) {})

	df.Unsubscribe(l)
	if err := df.Subscribe(l); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	df.Unsubscribe(Func(func(*DataArray) {}))

	if p.stops.Load() != 0 {
		t.Error("unsubscribing an unknown listener stopped generation")
	}
}

func TestDataFlow_NotifyIsolatesFaultyListener(t *testing.T) {
	df := New(nil)
	good := newCollector()
	_ = df.Subscribe(Func(func(*DataArray) { panic("broken display") }))
	_ = df.Subscribe(failing(errors.New("disk full")))
	_ = df.Subscribe(good)

	df.Notify(Zeros(4, 4))

	if good.count() != 1 {
		t.Errorf("good listener got %d data, want 1", good.count())
	}
}

// warnCounter is a Logger counting warnings.
type warnCounter struct{ warns atomic.Int32 }

func (w *warnCounter) Debug(string, ...any) {}
func (w *warnCounter) Info(string, ...any)  {}
func (w *warnCounter) Warn(string, ...any)  { w.warns.Add(1) }
func (w *warnCounter) Error(string, ...any) {}

func TestDataFlow_SetLoggerWhileNotifying(t *testing.T) {
	df := New(&countingProducer{})
	_ = df.Subscribe(failing(errors.New("disk full")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			df.Notify(Zeros(1))
		}
	}()
	for range 200 {
		df.SetLogger(&warnCounter{})
	}
	wg.Wait()

	last := &warnCounter{}
	df.SetLogger(last)
	df.Notify(Zeros(1))
	if got := last.warns.Load(); got != 1 {
		t.Errorf("last logger got %d warnings, want 1", got)
	}
}

type errListener struct{ err error }

func (e *errListener) OnData(*DataArray) error { return e.err }

func failing(err error) Listener { return &errListener{err: err} }

func TestDataFlow_GoneListenerStopsGeneration(t *testing.T) {
	p := &countingProducer{}
	df := New(p)
	_ = df.Subscribe(failing(observer.ErrGone))

	df.Notify(Zeros(1))

	deadline := time.Now().Add(time.Second)
	for p.stops.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if df.Listeners() != 0 {
		t.Errorf("Listeners() = %d, want 0", df.Listeners())
	}
	if p.stops.Load() != 1 {
		t.Errorf("StopGenerate called %d times, want 1", p.stops.Load())
	}
}

func TestDataFlow_TenArraysThenNothing(t *testing.T) {
	df, _ := NewGenerated(time.Millisecond, func(context.Context) (*DataArray, error) {
		return Zeros(4, 4), nil
	})
	defer df.Close()

	c := newCollector()
	var mu sync.Mutex
	delivered := 0
	var l Listener
	l = Func(func(d *DataArray) {
		mu.Lock()
		defer mu.Unlock()
		if delivered == 10 {
			return
		}
		delivered++
		_ = c.OnData(d)
		if delivered == 10 {
			go df.Unsubscribe(l)
		}
	})
	if err := df.Subscribe(l); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	c.waitN(t, 10, 2*time.Second)

	deadline := time.Now().Add(time.Second)
	for df.Generating() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := c.count(); got != 10 {
		t.Errorf("received %d arrays, want 10", got)
	}
	for i, d := range c.data {
		if len(d.Shape) != 2 || d.Shape[0] != 4 || d.Shape[1] != 4 {
			t.Errorf("array %d shape = %v, want [4 4]", i, d.Shape)
		}
	}
}

func TestDataFlow_Get(t *testing.T) {
	t.Run("through producer", func(t *testing.T) {
		df, gen := NewGenerated(time.Hour, func(context.Context) (*DataArray, error) {
			return Zeros(2, 2), nil
		})
		data, err := df.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if data.Len() != 4 {
			t.Errorf("Get() returned %d values, want 4", data.Len())
		}
		if gen.Runs() != 0 {
			t.Error("Get() started generation")
		}
	})

	t.Run("through temporary subscription", func(t *testing.T) {
		p := &countingProducer{}
		df := New(p)
		go func() {
			for df.Listeners() == 0 {
				time.Sleep(time.Millisecond)
			}
			df.Notify(Zeros(3))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		data, err := df.Get(ctx)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if data.Len() != 3 {
			t.Errorf("Get() returned %d values, want 3", data.Len())
		}
		if p.starts.Load() != 1 || p.stops.Load() != 1 {
			t.Errorf("starts/stops = %d/%d, want 1/1", p.starts.Load(), p.stops.Load())
		}
	})
}

func TestDataFlow_SynchronizedOnEvent(t *testing.T) {
	df, _ := NewGenerated(0, func(context.Context) (*DataArray, error) {
		return Zeros(4, 4), nil
	})
	defer df.Close()

	trigger := NewEvent()
	if err := df.SynchronizedOn(trigger); err != nil {
		t.Fatalf("SynchronizedOn() error = %v", err)
	}
	c := newCollector()
	if err := df.Subscribe(c); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := c.count(); got != 0 {
		t.Fatalf("received %d data without trigger, want 0", got)
	}

	for i := 1; i <= 3; i++ {
		if err := trigger.Notify(); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
		c.waitN(t, i, time.Second)
		time.Sleep(20 * time.Millisecond)
		if got := c.count(); got != i {
			t.Fatalf("after %d triggers received %d data", i, got)
		}
	}

	// Removing the gate resumes free-running generation.
	if err := df.SynchronizedOn(nil); err != nil {
		t.Fatalf("SynchronizedOn(nil) error = %v", err)
	}
	c.waitN(t, 10, time.Second)
	if trigger.Listeners() != 0 {
		t.Errorf("event still has %d listeners after unsynchronizing", trigger.Listeners())
	}
}

func TestDataFlow_EventTypes(t *testing.T) {
	df := New(nil)
	hw := NewHwTrigger()
	sw := NewEvent()

	if err := hw.Notify(); !errors.Is(err, ErrHardwareTrigger) {
		t.Errorf("HwTrigger.Notify() error = %v, want ErrHardwareTrigger", err)
	}

	tests := []struct {
		name    string
		trigger Trigger
		want    string
	}{
		{"hardware", hw, TypeHardware},
		{"software", sw, TypeSoftware},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := df.SynchronizedOn(tt.trigger); err != nil {
				t.Fatalf("SynchronizedOn() error = %v", err)
			}
			if got := df.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDataFlow_HwTriggerDoesNotBlock(t *testing.T) {
	df := New(&countingProducer{})
	_ = df.SynchronizedOn(NewHwTrigger())
	_ = df.Subscribe(Func(func(*DataArray) {}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := df.WaitTrigger(ctx); err != nil {
		t.Errorf("WaitTrigger() with hardware trigger error = %v", err)
	}
}

func TestDataFlow_WaitTriggerCancelled(t *testing.T) {
	df := New(&countingProducer{})
	_ = df.SynchronizedOn(NewEvent())
	_ = df.Subscribe(Func(func(*DataArray) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := df.WaitTrigger(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitTrigger() error = %v, want DeadlineExceeded", err)
	}
}

func TestDataFlow_Exclusive(t *testing.T) {
	df := New(&countingProducer{})

	release, err := df.BeginExclusive()
	if err != nil {
		t.Fatalf("BeginExclusive() error = %v", err)
	}
	if err := df.Subscribe(Func(func(*DataArray) {})); !errors.Is(err, ErrBusy) {
		t.Errorf("Subscribe() during exclusive error = %v, want ErrBusy", err)
	}
	if _, err := df.BeginExclusive(); !errors.Is(err, ErrBusy) {
		t.Errorf("second BeginExclusive() error = %v, want ErrBusy", err)
	}
	release()
	release()

	l := Func(func(*DataArray) {})
	if err := df.Subscribe(l); err != nil {
		t.Fatalf("Subscribe() after release error = %v", err)
	}
	if _, err := df.BeginExclusive(); !errors.Is(err, ErrBusy) {
		t.Errorf("BeginExclusive() while generating error = %v, want ErrBusy", err)
	}
}

func TestDataFlow_ResetAndClose(t *testing.T) {
	p := &countingProducer{}
	df := New(p)
	df.Reset()
	if p.resets.Load() != 1 {
		t.Errorf("Reset() forwarded %d times, want 1", p.resets.Load())
	}

	_ = df.Subscribe(Func(func(*DataArray) {}))
	df.Close()
	df.Close()

	if p.stops.Load() != 1 {
		t.Errorf("StopGenerate called %d times on Close, want 1", p.stops.Load())
	}
	if err := df.Subscribe(Func(func(*DataArray) {})); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}

func TestGenerator_SequenceAndReset(t *testing.T) {
	df, gen := NewGenerated(0, func(context.Context) (*DataArray, error) {
		return Zeros(1), nil
	})
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		d, err := df.Get(ctx)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got := d.Metadata[MDSequence]; got != want {
			t.Errorf("sequence = %v, want %d", got, want)
		}
	}
	gen.Reset()
	d, _ := df.Get(ctx)
	if got := d.Metadata[MDSequence]; got != 1 {
		t.Errorf("sequence after Reset = %v, want 1", got)
	}
}

func TestNewDataArray(t *testing.T) {
	if _, err := NewDataArray([]int{2, 3}, make([]float64, 5), nil); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("NewDataArray() error = %v, want ErrInvalidShape", err)
	}
	a, err := NewDataArray([]int{2, 3}, []float64{0, 1, 2, 3, 4, 5}, nil)
	if err != nil {
		t.Fatalf("NewDataArray() error = %v", err)
	}
	if got := a.At(1, 2); got != 5 {
		t.Errorf("At(1, 2) = %v, want 5", got)
	}
	b := a.Clone()
	b.Set(-1, 0, 0)
	if a.At(0, 0) != 0 {
		t.Error("Clone() shares values")
	}
}
