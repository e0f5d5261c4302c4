package va

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/delmic/odemis-sub009/internal/observer"
)

// recorder is a listener collecting every value it is notified of.
type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) OnChange(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
	return nil
}

func (r *recorder) got() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func TestVA_IdempotentWrite(t *testing.T) {
	v := NewFloat(1.0)
	r := &recorder{}
	v.Subscribe(r, false)

	if err := v.SetValue(2.0); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if err := v.SetValue(2.0); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	if got := r.got(); len(got) != 1 || got[0] != 2.0 {
		t.Errorf("notifications = %v, want [2]", got)
	}
}

func TestVA_SubscribeInit(t *testing.T) {
	v := NewString("idle")
	r := &recorder{}
	v.Subscribe(r, true)

	if got := r.got(); len(got) != 1 || got[0] != "idle" {
		t.Fatalf("init notifications = %v, want [idle]", got)
	}

	v.Unsubscribe(r)
	if err := v.SetValue("busy"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if got := r.got(); len(got) != 1 {
		t.Errorf("notified after Unsubscribe: %v", got)
	}
	if v.Unsubscribe(r) {
		t.Error("second Unsubscribe() = true, want false")
	}
}

func TestVA_ContinuousSpeed(t *testing.T) {
	speed := NewFloatContinuous(2.0, -1, 3.4, Unit("m/s"))
	r := &recorder{}
	speed.Subscribe(r, false)

	if err := speed.SetValue(3.0); err != nil {
		t.Fatalf("SetValue(3.0) error = %v", err)
	}
	err := speed.SetValue(4.0)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("SetValue(4.0) error = %v, want ErrOutOfRange", err)
	}
	if got := speed.Value(); got != 3.0 {
		t.Errorf("Value() = %v, want 3.0", got)
	}
	if got := r.got(); len(got) != 1 || got[0] != 3.0 {
		t.Errorf("notifications = %v, want [3]", got)
	}
}

func TestContinuous_Bounds(t *testing.T) {
	const eps = 1e-9
	tests := []struct {
		name    string
		value   float64
		wantErr error
	}{
		{"low bound", -1, nil},
		{"high bound", 3.4, nil},
		{"below low", -1 - eps, ErrOutOfRange},
		{"above high", 3.4 + eps, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewFloatContinuous(2.0, -1, 3.4)
			err := v.SetValue(tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SetValue(%v) error = %v, want %v", tt.value, err, tt.wantErr)
			}
			if tt.wantErr != nil && v.Value() != 2.0 {
				t.Errorf("value changed to %v after rejected write", v.Value())
			}
		})
	}
}

func TestContinuous_Clamp(t *testing.T) {
	zoom := NewFloatContinuous(1, 0.5, 4, Clamp())
	if err := zoom.SetValue(10); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if got := zoom.Value(); got != 4 {
		t.Errorf("Value() = %v, want 4 (clamped)", got)
	}
	if d := zoom.Descriptor(); !d.Clamp || d.Kind != "continuous" {
		t.Errorf("Descriptor() = %+v, want clamp continuous", d)
	}
}

func TestContinuous_SetRange(t *testing.T) {
	v := NewIntContinuous(5, 0, 10)

	if err := v.SetRange(6, 20); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetRange() excluding value error = %v, want ErrOutOfRange", err)
	}
	if err := v.SetRange(10, 0); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("SetRange() inverted error = %v, want ErrInvalidValue", err)
	}
	if err := v.SetRange(0, 5); err != nil {
		t.Fatalf("SetRange() error = %v", err)
	}
	if err := v.SetValue(6); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetValue(6) error = %v, want ErrOutOfRange", err)
	}
	lo, hi := v.Range()
	if lo != 0 || hi != 5 {
		t.Errorf("Range() = (%d, %d), want (0, 5)", lo, hi)
	}
}

func TestVA_TypeErrors(t *testing.T) {
	tests := []struct {
		name    string
		attr    Attribute
		value   any
		wantErr error
	}{
		{"float to int", NewInt(1), 2.5, ErrType},
		{"string to float", NewFloat(1), "fast", ErrType},
		{"int to float", NewFloat(1), 3, nil},
		{"int64 to int", NewInt(1), int64(7), nil},
		{"bool to bool", NewBool(false), true, nil},
		{"int to bool", NewBool(false), 1, ErrType},
		{"list of any", NewList([]int{1}), []any{1, 2}, nil},
		{"list with float", NewList([]int{1}), []any{1, 2.5}, ErrType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.attr.Set(tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Set(%v) error = %v, want %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestVA_ReadOnly(t *testing.T) {
	pos := NewFloat(0, ReadOnly())
	r := &recorder{}
	pos.Subscribe(r, false)

	if err := pos.Set(1.0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set() error = %v, want ErrReadOnly", err)
	}
	if err := pos.Update(1.0); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := r.got(); len(got) != 1 || got[0] != 1.0 {
		t.Errorf("notifications = %v, want [1]", got)
	}
}

func TestEnumerated(t *testing.T) {
	binning := NewEnumerated(1, []int{1, 2, 4})

	if err := binning.SetValue(3); !errors.Is(err, ErrNotInChoices) {
		t.Errorf("SetValue(3) error = %v, want ErrNotInChoices", err)
	}
	if err := binning.SetValue(4); err != nil {
		t.Errorf("SetValue(4) error = %v", err)
	}
	if err := binning.SetChoices([]int{1, 2}); !errors.Is(err, ErrNotInChoices) {
		t.Errorf("SetChoices() dropping current error = %v, want ErrNotInChoices", err)
	}
	d := binning.Descriptor()
	if len(d.Choices) != 3 || d.Kind != "enumerated" || d.Type != "int" {
		t.Errorf("Descriptor() = %+v", d)
	}
}

func TestList_ElementWiseNotifies(t *testing.T) {
	power := NewList([]float64{0, 0})
	r := &recorder{}
	power.Subscribe(r, false)

	if err := power.SetItem(1, 0.5); err != nil {
		t.Fatalf("SetItem() error = %v", err)
	}
	if err := power.Append(0.1); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := power.RemoveItem(0); err != nil {
		t.Fatalf("RemoveItem() error = %v", err)
	}
	if err := power.SetItem(5, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetItem(5) error = %v, want ErrOutOfRange", err)
	}

	got := r.got()
	if len(got) != 3 {
		t.Fatalf("notifications = %v, want 3", got)
	}
	if last := fmt.Sprint(got[2]); last != "[0.5 0.1]" {
		t.Errorf("last notification = %s, want [0.5 0.1]", last)
	}

	// The stored slice is not shared with readers.
	v := power.Value()
	v[0] = 99
	if power.Value()[0] == 99 {
		t.Error("Value() exposes internal storage")
	}
}

func TestList_ConcurrentModifications(t *testing.T) {
	const writers, each = 8, 50

	tests := []struct {
		name string
		op   func(l *List[int], w, i int) error
		want int
	}{
		{"append", func(l *List[int], w, i int) error { return l.Append(w*each + i) }, writers * each},
		{"remove", func(l *List[int], _, _ int) error { return l.RemoveItem(0) }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var initial []int
			if tt.want == 0 {
				initial = make([]int, writers*each)
			}
			l := NewList(initial)

			var wg sync.WaitGroup
			for w := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range each {
						if err := tt.op(l, w, i); err != nil {
							t.Errorf("%s error = %v", tt.name, err)
							return
						}
					}
				}()
			}
			wg.Wait()

			if n := l.Len(); n != tt.want {
				t.Errorf("Len() = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestTupleContinuous_ConcurrentSetItem(t *testing.T) {
	pos := NewTupleContinuous([]float64{0, 0}, []float64{0, 0}, []float64{100, 100})

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for x := 1; x <= 100; x++ {
				if err := pos.SetItem(i, float64(x)); err != nil {
					t.Errorf("SetItem(%d) error = %v", i, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := pos.Value(); got[0] != 100 || got[1] != 100 {
		t.Errorf("Value() = %v, want [100 100]", got)
	}
}

func TestTupleContinuous(t *testing.T) {
	res := NewTupleContinuous([]float64{512, 512}, []float64{1, 1}, []float64{1024, 1024})

	if err := res.SetValue([]float64{2048, 10}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetValue() error = %v, want ErrOutOfRange", err)
	}
	if err := res.SetValue([]float64{1}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("SetValue() short tuple error = %v, want ErrInvalidValue", err)
	}
	if err := res.SetItem(0, 256); err != nil {
		t.Fatalf("SetItem() error = %v", err)
	}
	if got := res.Value(); got[0] != 256 || got[1] != 512 {
		t.Errorf("Value() = %v, want [256 512]", got)
	}
}

func TestVA_Setter(t *testing.T) {
	exposure := NewFloatContinuous(0.1, 0, 10, WithSetter(func(v float64) (float64, error) {
		if v == 5 {
			return 0, errors.New("hardware refused")
		}
		return float64(int(v*1000)) / 1000, nil // ms resolution
	}))

	if err := exposure.SetValue(1.23456); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if got := exposure.Value(); got != 1.234 {
		t.Errorf("Value() = %v, want 1.234", got)
	}
	if err := exposure.SetValue(5); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("SetValue(5) error = %v, want ErrInvalidValue", err)
	}
}

func TestVA_SetterTypeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched setter")
		}
	}()
	NewInt(1, WithSetter(func(v float64) (float64, error) { return v, nil }))
}

func TestVA_FaultyListenerDoesNotBreakOthers(t *testing.T) {
	v := NewInt(0)
	good := &recorder{}
	v.Subscribe(Func(func(any) { panic("faulty") }), false)
	v.Subscribe(good, false)

	if err := v.SetValue(1); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if got := good.got(); len(got) != 1 {
		t.Errorf("good listener notifications = %v, want 1", got)
	}
}

type goneListener struct{ calls atomic.Int32 }

func (g *goneListener) OnChange(any) error {
	g.calls.Add(1)
	return observer.ErrGone
}

func TestVA_PrunesGoneSubscriber(t *testing.T) {
	v := NewInt(0)
	g := &goneListener{}
	v.Subscribe(g, false)

	_ = v.SetValue(1)
	_ = v.SetValue(2)

	if n := g.calls.Load(); n != 1 {
		t.Errorf("gone listener called %d times, want 1", n)
	}
	if n := v.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestVA_ListenerMayWriteSameVA(t *testing.T) {
	v := NewInt(0)
	r := &recorder{}
	v.Subscribe(Func(func(x any) {
		// Follow-up correction from inside the callback.
		if x.(int) == 1 {
			_ = v.SetValue(2)
		}
	}), false)
	v.Subscribe(r, false)

	if err := v.SetValue(1); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if v.Value() != 2 {
		t.Errorf("Value() = %d, want 2", v.Value())
	}
	got := r.got()
	if len(got) == 0 || got[len(got)-1] != 2 {
		t.Errorf("recorder saw %v, want last value 2", got)
	}
}

func TestVA_ConcurrentWritesOrderedPerListener(t *testing.T) {
	// The setter runs under the write lock, so stored values increase with
	// every write while notifications are published concurrently.
	var next atomic.Int64
	v := NewInt(0, WithSetter(func(int) (int, error) {
		return int(next.Add(1)), nil
	}))

	var mu sync.Mutex
	last := 0
	ordered := true
	v.Subscribe(Func(func(x any) {
		mu.Lock()
		defer mu.Unlock()
		n := x.(int)
		if n <= last {
			ordered = false
		}
		last = n
	}), false)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = v.SetValue(-1)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !ordered {
		t.Error("listener observed an older value after a newer one")
	}
	if last != 400 {
		t.Errorf("last delivered = %d, want 400", last)
	}
}

func TestFanout_DeliverSkipsSeen(t *testing.T) {
	var f Fanout
	r := &recorder{}
	f.Add(r)

	f.Publish("b", 2)
	f.Deliver(r, "a", 1)
	f.Publish("c", 3)

	if got := fmt.Sprint(r.got()); got != "[b c]" {
		t.Errorf("deliveries = %s, want [b c]", got)
	}
}
