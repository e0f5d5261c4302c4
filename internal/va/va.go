package va

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Attribute is the type-erased view of a VA, used by components and by the
// remote layer which only deal with values decoded from the wire.
type Attribute interface {
	// Get returns the current value.
	Get() any

	// Set converts, validates and stores v, notifying subscribers if it changed.
	Set(v any) error

	// Subscribe registers l. With init, l is called with the current value
	// before Subscribe returns.
	Subscribe(l Listener, init bool)

	// Unsubscribe removes l. It returns false if l was not subscribed.
	Unsubscribe(l Listener) bool

	// Descriptor describes the VA to remote clients.
	Descriptor() Descriptor
}

// Descriptor is the static description of a VA sent to remote clients.
type Descriptor struct {
	Kind     string `json:"kind"` // va, continuous, enumerated, list, tuple
	Type     string `json:"type"` // bool, int, float, string, list, map, any...
	ReadOnly bool   `json:"readonly,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Range    []any  `json:"range,omitempty"`
	Choices  []any  `json:"choices,omitempty"`
	Clamp    bool   `json:"clamp,omitempty"`
}

type settings struct {
	readonly bool
	unit     string
	clamp    bool
	setter   any
}

// Option configures a VA at construction.
type Option func(*settings)

// ReadOnly makes the VA refuse writes from Set and SetValue. The owner
// changes its value with Update.
func ReadOnly() Option {
	return func(s *settings) { s.readonly = true }
}

// Unit sets the physical unit of the value ("m", "s", "W"...).
func Unit(unit string) Option {
	return func(s *settings) { s.unit = unit }
}

// Clamp makes a continuous VA clip out-of-range writes to the nearest bound
// instead of rejecting them. Reserved for VAs whose hardware documents it.
func Clamp() Option {
	return func(s *settings) { s.clamp = true }
}

// WithSetter installs fn as the setter of a VA of type T. The setter runs
// after validation and its return value is what gets stored; an error
// rejects the write. The VA type must match T exactly.
func WithSetter[T any](fn func(T) (T, error)) Option {
	return func(s *settings) { s.setter = fn }
}

// VA is a Vigilant Attribute: a value of type T with optional constraints,
// which notifies its subscribers of every accepted change.
//
// Writes are serialized. Listeners are called outside the VA lock, so they
// may read the VA or write to it. Each accepted write that changes the value
// (deep equality) produces exactly one notification per subscriber; a listener
// never sees an older value after a newer one.
type VA[T any] struct {
	mu    sync.RWMutex
	value T
	seq   uint64

	setMu sync.Mutex // serializes writers, held while validating and storing

	readonly bool
	unit     string
	kind     string
	setter   func(T) (T, error)

	// check validates a candidate value under a read lock of mu; it may
	// return a corrected (clamped) value.
	check func(T) (T, error)

	// describe completes the descriptor with the constraint, under mu.
	describe func(*Descriptor)

	// clone copies mutable values (slices) in and out of the VA.
	clone func(T) T

	fan Fanout
}

// NewVA creates a VA holding initial, without constraint.
func NewVA[T any](initial T, opts ...Option) *VA[T] {
	v := &VA[T]{kind: "va"}
	v.setup(initial, opts)
	return v
}

// NewBool creates a boolean VA.
func NewBool(initial bool, opts ...Option) *VA[bool] {
	return NewVA(initial, opts...)
}

// NewString creates a string VA.
func NewString(initial string, opts ...Option) *VA[string] {
	return NewVA(initial, opts...)
}

// NewInt creates an integer VA. Float writes are refused with ErrType.
func NewInt(initial int, opts ...Option) *VA[int] {
	return NewVA(initial, opts...)
}

// NewFloat creates a float VA. Integer writes are converted.
func NewFloat(initial float64, opts ...Option) *VA[float64] {
	return NewVA(initial, opts...)
}

func (v *VA[T]) setup(initial T, opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	v.readonly = s.readonly
	v.unit = s.unit
	if s.setter != nil {
		fn, ok := s.setter.(func(T) (T, error))
		if !ok {
			panic(fmt.Sprintf("va: setter %T does not match value type %T", s.setter, initial))
		}
		v.setter = fn
	}
	v.value = initial
	v.seq = 1
	return s
}

// validateInitial panics if the constructor was given a value its own
// constraint refuses; that is a programming error of the component.
func (v *VA[T]) validateInitial() {
	if v.check == nil {
		return
	}
	val, err := v.check(v.value)
	if err != nil {
		panic(fmt.Sprintf("va: invalid initial value %v: %v", v.value, err))
	}
	v.value = val
}

// SetLogger sets the logger receiving failures of listeners.
func (v *VA[T]) SetLogger(logger Logger) {
	v.fan.SetLogger(logger)
}

// Value returns the current value.
func (v *VA[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.out(v.value)
}

// Get returns the current value as any.
func (v *VA[T]) Get() any {
	return v.Value()
}

// SetValue validates and stores val.
// It returns ErrReadOnly on a read-only VA.
func (v *VA[T]) SetValue(val T) error {
	if v.readonly {
		return ErrReadOnly
	}
	return v.write(val)
}

// Set converts x to T, then behaves like SetValue.
// It returns an error wrapping ErrType if x cannot be converted.
func (v *VA[T]) Set(x any) error {
	if v.readonly {
		return ErrReadOnly
	}
	val, err := coerce[T](x)
	if err != nil {
		return err
	}
	return v.write(val)
}

// Update stores val even if the VA is read-only. It is meant for the owner
// of the VA, typically reporting a value read back from hardware.
func (v *VA[T]) Update(val T) error {
	return v.write(val)
}

func (v *VA[T]) write(val T) error {
	v.setMu.Lock()
	return v.writeLocked(val)
}

// apply stores the result of fn on the current value. No other write can
// happen between the read and the store.
func (v *VA[T]) apply(fn func(T) (T, error)) error {
	v.setMu.Lock()
	next, err := fn(v.Value())
	if err != nil {
		v.setMu.Unlock()
		return err
	}
	return v.writeLocked(next)
}

// writeLocked is called with setMu held and releases it.
func (v *VA[T]) writeLocked(val T) error {
	if v.check != nil {
		v.mu.RLock()
		checked, err := v.check(val)
		v.mu.RUnlock()
		if err != nil {
			v.setMu.Unlock()
			return err
		}
		val = checked
	}

	if v.setter != nil {
		set, err := v.setter(val)
		if err != nil {
			v.setMu.Unlock()
			if isVAError(err) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		val = set
	}
	if v.clone != nil {
		val = v.clone(val)
	}

	v.mu.Lock()
	changed := !reflect.DeepEqual(v.value, val)
	var seq uint64
	if changed {
		v.value = val
		v.seq++
		seq = v.seq
	}
	v.mu.Unlock()
	v.setMu.Unlock()

	if changed {
		v.fan.Publish(v.out(val), seq)
	}
	return nil
}

// Subscribe registers l; see Attribute.
func (v *VA[T]) Subscribe(l Listener, init bool) {
	if !v.fan.Add(l) || !init {
		return
	}
	v.mu.RLock()
	val, seq := v.out(v.value), v.seq
	v.mu.RUnlock()
	v.fan.Deliver(l, val, seq)
}

// Unsubscribe removes l; see Attribute.
func (v *VA[T]) Unsubscribe(l Listener) bool {
	return v.fan.Remove(l)
}

// Subscribers returns the number of subscribed listeners.
func (v *VA[T]) Subscribers() int {
	return v.fan.Len()
}

// Close unsubscribes every listener.
func (v *VA[T]) Close() {
	v.fan.Clear()
}

// ReadOnly reports whether the VA refuses external writes.
func (v *VA[T]) ReadOnly() bool {
	return v.readonly
}

// Unit returns the unit of the value, or "".
func (v *VA[T]) Unit() string {
	return v.unit
}

// Descriptor describes the VA; see Attribute.
func (v *VA[T]) Descriptor() Descriptor {
	d := Descriptor{
		Kind:     v.kind,
		Type:     typeName(reflect.TypeOf((*T)(nil)).Elem()),
		ReadOnly: v.readonly,
		Unit:     v.unit,
	}
	if v.describe != nil {
		v.mu.RLock()
		v.describe(&d)
		v.mu.RUnlock()
	}
	return d
}

func (v *VA[T]) out(val T) T {
	if v.clone != nil {
		return v.clone(val)
	}
	return val
}

func isVAError(err error) bool {
	for _, target := range []error{ErrType, ErrOutOfRange, ErrNotInChoices, ErrInvalidValue, ErrReadOnly} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
