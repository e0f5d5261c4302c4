package component

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/va"
)

func newStage() *Component {
	c := New("stage", "stage")
	c.AddVA("speed", va.NewFloatContinuous(2.0, -1, 3.4, va.Unit("m/s")))
	c.SetROAttr("axes", []string{"x", "y"})
	c.Expose("moveRel", func(shift map[string]float64) (float64, error) {
		return shift["x"] + shift["y"], nil
	}, Params("shift"))
	c.Expose("scale", func(ctx context.Context, x float64, factor int) float64 {
		return x * float64(factor)
	}, Params("x", "factor"))
	c.Expose("fail", func() error { return errors.New("hardware fault") })
	c.Expose("stop", func() {}, Oneway())
	c.Expose("crash", func() int { panic("driver bug") })
	return c
}

func TestMethod_Call(t *testing.T) {
	c := newStage()
	ctx := context.Background()

	tests := []struct {
		name    string
		method  string
		args    []any
		kwargs  map[string]any
		want    any
		wantErr error
		errText string
	}{
		{name: "positional", method: "scale", args: []any{1.5, 2}, want: 3.0},
		{name: "int converted to float", method: "scale", args: []any{2, 3}, want: 6.0},
		{name: "keyword", method: "scale", args: []any{1.0}, kwargs: map[string]any{"factor": 4}, want: 4.0},
		{name: "map argument", method: "moveRel", args: []any{map[string]any{"x": 1, "y": 0.5}}, want: 1.5},
		{
			name: "too many arguments", method: "moveRel", args: []any{1, 2},
			wantErr: ErrArgument, errText: "wrong number of arguments for moveRel; expected 1, provided 2",
		},
		{
			name: "missing argument", method: "scale", args: []any{1.0},
			wantErr: ErrArgument, errText: "expected 2, provided 1",
		},
		{name: "float for int", method: "scale", args: []any{1.0, 2.5}, wantErr: ErrArgument},
		{name: "unknown keyword", method: "scale", args: []any{1.0}, kwargs: map[string]any{"speed": 1}, wantErr: ErrArgument},
		{name: "duplicate keyword", method: "scale", args: []any{1.0, 2}, kwargs: map[string]any{"x": 1.0}, wantErr: ErrArgument},
		{name: "unknown method", method: "jump", wantErr: ErrNoAttribute},
		{name: "method error", method: "fail", errText: "hardware fault"},
		{name: "no result", method: "stop", want: nil},
		{name: "panic", method: "crash", errText: "panicked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Invoke(ctx, tt.method, tt.args, tt.kwargs)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Invoke() error = %v, want %v", err, tt.wantErr)
			}
			if tt.errText != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errText) {
					t.Fatalf("Invoke() error = %v, want containing %q", err, tt.errText)
				}
				return
			}
			if tt.wantErr != nil {
				return
			}
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Invoke() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComponent_ExposeInvalid(t *testing.T) {
	tests := []struct {
		name string
		fn   any
		opts []MethodOption
	}{
		{"not a function", 42, nil},
		{"variadic", func(...int) {}, nil},
		{"bad second result", func() (int, int) { return 0, 0 }, nil},
		{"param names mismatch", func(int) {}, []MethodOption{Params("a", "b")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expose() did not panic")
				}
			}()
			New("c", "r").Expose("m", tt.fn, tt.opts...)
		})
	}
}

func TestComponent_DuplicateMemberPanics(t *testing.T) {
	c := New("c", "r")
	c.AddVA("power", va.NewFloat(0))
	defer func() {
		if recover() == nil {
			t.Error("declaring a member twice did not panic")
		}
	}()
	c.AddDataFlow("power", dataflow.New(nil))
}

func TestComponent_Attributes(t *testing.T) {
	c := newStage()

	axes, err := c.GetAttr("axes")
	if err != nil {
		t.Fatalf("GetAttr(axes) error = %v", err)
	}
	if got := axes.([]string); len(got) != 2 {
		t.Errorf("GetAttr(axes) = %v", got)
	}

	if err := c.SetAttr("speed", 3.0); err != nil {
		t.Fatalf("SetAttr(speed) error = %v", err)
	}
	if err := c.SetAttr("speed", 4.0); !errors.Is(err, va.ErrOutOfRange) {
		t.Errorf("SetAttr(speed, 4) error = %v, want ErrOutOfRange", err)
	}
	if v, _ := c.GetAttr("speed"); v != 3.0 {
		t.Errorf("GetAttr(speed) = %v, want 3", v)
	}
	if err := c.SetAttr("axes", []string{"z"}); !errors.Is(err, va.ErrReadOnly) {
		t.Errorf("SetAttr(axes) error = %v, want ErrReadOnly", err)
	}
	if _, err := c.GetAttr("focus"); !errors.Is(err, ErrNoAttribute) {
		t.Errorf("GetAttr(focus) error = %v, want ErrNoAttribute", err)
	}
	if err := c.SetAttr(ChildrenVA, []Ref{}); !errors.Is(err, va.ErrReadOnly) {
		t.Errorf("SetAttr(children) error = %v, want ErrReadOnly", err)
	}
}

func TestComponent_Relations(t *testing.T) {
	ct := NewContainer("back1")
	root := New("microscope", "sem")
	stage := New("stage", "stage")
	lamp := New("lamp", "light")
	for _, c := range []*Component{root, stage, lamp} {
		if err := ct.Register(c); err != nil {
			t.Fatalf("Register(%s) error = %v", c.Name(), err)
		}
	}

	var notified []any
	root.ChildrenVA().Subscribe(va.Func(func(v any) { notified = append(notified, v) }), false)

	for _, child := range []*Component{stage, lamp} {
		if err := root.AddChild(child.Ref()); err != nil {
			t.Fatalf("AddChild() error = %v", err)
		}
		child.SetParent(root.Ref())
	}
	_ = root.AddChild(stage.Ref())
	lamp.SetAffects(stage.Ref())

	if len(notified) != 2 {
		t.Errorf("children VA notified %d times, want 2", len(notified))
	}

	p := NewLocalProxy(stage, nil)
	parent, err := p.Parent(context.Background())
	if err != nil {
		t.Fatalf("Parent() error = %v", err)
	}
	if parent.Name() != "microscope" {
		t.Errorf("Parent().Name() = %s, want microscope", parent.Name())
	}
	children, err := parent.Children(context.Background())
	if err != nil {
		t.Fatalf("Children() error = %v", err)
	}
	if len(children) != 2 || children[0].Name() != "stage" || children[1].Name() != "lamp" {
		t.Errorf("Children() = %v", children)
	}

	rootParent, err := parent.Parent(context.Background())
	if err != nil || rootParent != nil {
		t.Errorf("root Parent() = %v, %v; want nil, nil", rootParent, err)
	}

	d := lamp.Describe()
	if d.Parent == nil || *d.Parent != root.Ref() {
		t.Errorf("Describe().Parent = %v, want %v", d.Parent, root.Ref())
	}
	if len(d.Affects) != 1 || d.Affects[0] != stage.Ref() {
		t.Errorf("Describe().Affects = %v", d.Affects)
	}
}

func TestComponent_Describe(t *testing.T) {
	c := newStage()
	c.AddDataFlow("data", dataflow.New(nil))
	c.AddEvent("trigger", dataflow.NewHwTrigger())

	d := c.Describe()
	if d.Role != "stage" {
		t.Errorf("Role = %s, want stage", d.Role)
	}
	speed, ok := d.VAs["speed"]
	if !ok || speed.Kind != "continuous" || speed.Unit != "m/s" {
		t.Errorf("VAs[speed] = %+v", speed)
	}
	if _, ok := d.VAs[ChildrenVA]; !ok {
		t.Error("children VA missing from descriptor")
	}
	if len(d.DataFlows) != 1 || d.DataFlows[0] != "data" {
		t.Errorf("DataFlows = %v", d.DataFlows)
	}
	if d.Events["trigger"] != dataflow.TypeHardware {
		t.Errorf("Events = %v", d.Events)
	}
	if m := d.Methods["moveRel"]; m.Arity != 1 || m.Params[0] != "shift" {
		t.Errorf("Methods[moveRel] = %+v", m)
	}
	if !d.Methods["stop"].Oneway {
		t.Error("stop is not oneway")
	}
}

func TestContainer_Register(t *testing.T) {
	back1 := NewContainer("back1")
	back2 := NewContainer("back2")
	sensor := New("sensor", "ccd")

	if err := back1.Register(sensor); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := sensor.Ref(); got != (Ref{Container: "back1", Name: "sensor"}) {
		t.Errorf("Ref() = %v", got)
	}
	if err := back1.Register(New("sensor", "ccd")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Register() duplicate error = %v, want ErrDuplicateName", err)
	}
	if err := back2.Register(sensor); !errors.Is(err, ErrAlreadyOwned) {
		t.Errorf("Register() in other container error = %v, want ErrAlreadyOwned", err)
	}
	if _, err := back1.Component("stage"); !errors.Is(err, ErrLookup) {
		t.Errorf("Component(stage) error = %v, want ErrLookup", err)
	}
	if _, err := back1.Resolve(Ref{Container: "back2", Name: "sensor"}); !errors.Is(err, ErrLookup) {
		t.Errorf("Resolve() of foreign ref error = %v, want ErrLookup", err)
	}

	if _, err := back1.Unregister("sensor"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if err := back2.Register(sensor); err != nil {
		t.Errorf("Register() after Unregister error = %v", err)
	}
}

func TestContainer_Terminate(t *testing.T) {
	ns := NewNamespace()
	ct, err := ns.Create("back1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := ns.Create("back1"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("Create() twice error = %v, want ErrNameInUse", err)
	}

	var order []string
	for _, name := range []string{"a", "b"} {
		c := New(name, "test")
		c.OnTerminate(func() { order = append(order, name) })
		c.OnTerminate(func() { panic("hook failure") })
		if err := ct.Register(c); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	stopped := false
	ct.OnTerminate(func() { stopped = true })

	ct.Terminate()
	ct.Terminate()

	if strings.Join(order, ",") != "b,a" {
		t.Errorf("termination order = %v, want [b a]", order)
	}
	if !stopped {
		t.Error("container hook not run")
	}
	if len(ct.Components()) != 0 {
		t.Error("components still registered after Terminate")
	}
	if err := ct.Register(New("c", "test")); !errors.Is(err, ErrTerminated) {
		t.Errorf("Register() after Terminate error = %v, want ErrTerminated", err)
	}
	if _, err := ns.Create("back1"); err != nil {
		t.Errorf("Create() after Terminate error = %v", err)
	}
}

func TestLocalProxy_DataFlowSync(t *testing.T) {
	ct := NewContainer("back1")
	c := New("sensor", "ccd")
	c.AddDataFlow("data", dataflow.New(nil))
	c.AddEvent("softwareTrigger", dataflow.NewEvent())
	if err := ct.Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p := NewLocalProxy(c, nil)
	ctx := context.Background()
	df, err := p.DataFlow("data")
	if err != nil {
		t.Fatalf("DataFlow() error = %v", err)
	}
	ev, err := p.Event("softwareTrigger")
	if err != nil {
		t.Fatalf("Event() error = %v", err)
	}

	if err := df.SynchronizedOn(ctx, ev); err != nil {
		t.Fatalf("SynchronizedOn() error = %v", err)
	}
	if typ, _ := df.EventType(ctx); typ != dataflow.TypeSoftware {
		t.Errorf("EventType() = %q, want sw", typ)
	}
	if err := df.SynchronizedOn(ctx, nil); err != nil {
		t.Fatalf("SynchronizedOn(nil) error = %v", err)
	}
	if typ, _ := df.EventType(ctx); typ != "" {
		t.Errorf("EventType() = %q, want empty", typ)
	}
	if _, err := p.Event("missing"); !errors.Is(err, ErrNoAttribute) {
		t.Errorf("Event(missing) error = %v, want ErrNoAttribute", err)
	}
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("back1/sensor")
	if err != nil || ref != (Ref{Container: "back1", Name: "sensor"}) {
		t.Errorf("ParseRef() = %v, %v", ref, err)
	}
	for _, s := range []string{"", "back1", "/sensor", "back1/"} {
		if _, err := ParseRef(s); !errors.Is(err, ErrLookup) {
			t.Errorf("ParseRef(%q) error = %v, want ErrLookup", s, err)
		}
	}
}
