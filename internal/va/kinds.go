package va

import (
	"fmt"
	"slices"
)

// Number is the set of value types a continuous VA can hold.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Continuous is a numeric VA restricted to the closed interval [min, max].
//
// Out-of-range writes are rejected with ErrOutOfRange, unless the VA was
// created with Clamp, in which case they are clipped to the nearest bound.
type Continuous[T Number] struct {
	*VA[T]
	min, max T
	clamp    bool
}

// NewContinuous creates a continuous VA. It panics if min > max or if
// initial is out of range.
func NewContinuous[T Number](initial, min, max T, opts ...Option) *Continuous[T] {
	if min > max {
		panic(fmt.Sprintf("va: invalid range [%v, %v]", min, max))
	}
	c := &Continuous[T]{VA: &VA[T]{kind: "continuous"}, min: min, max: max}
	s := c.setup(initial, opts)
	c.clamp = s.clamp
	c.check = c.checkRange
	c.describe = func(d *Descriptor) {
		d.Range = []any{c.min, c.max}
		d.Clamp = c.clamp
	}
	if !c.clamp {
		c.validateInitial()
	}
	c.value, _ = c.checkRange(c.value) //nolint:errcheck // validated above, or clamped
	return c
}

// NewFloatContinuous creates a float VA restricted to [min, max].
func NewFloatContinuous(initial, min, max float64, opts ...Option) *Continuous[float64] {
	return NewContinuous(initial, min, max, opts...)
}

// NewIntContinuous creates an integer VA restricted to [min, max].
func NewIntContinuous(initial, min, max int, opts ...Option) *Continuous[int] {
	return NewContinuous(initial, min, max, opts...)
}

func (c *Continuous[T]) checkRange(v T) (T, error) {
	if v >= c.min && v <= c.max {
		return v, nil
	}
	if c.clamp {
		return min(max(v, c.min), c.max), nil
	}
	return v, fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, v, c.min, c.max)
}

// Range returns the current bounds.
func (c *Continuous[T]) Range() (T, T) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.min, c.max
}

// SetRange changes the bounds. It fails with ErrInvalidValue if min > max,
// or with ErrOutOfRange if the current value would fall outside.
func (c *Continuous[T]) SetRange(min, max T) error {
	if min > max {
		return fmt.Errorf("%w: range [%v, %v]", ErrInvalidValue, min, max)
	}
	c.setMu.Lock()
	defer c.setMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value < min || c.value > max {
		return fmt.Errorf("%w: current value %v not in [%v, %v]", ErrOutOfRange, c.value, min, max)
	}
	c.min, c.max = min, max
	return nil
}

// Enumerated is a VA whose value must be one of a set of choices.
type Enumerated[T comparable] struct {
	*VA[T]
	choices []T
}

// NewEnumerated creates an enumerated VA. It panics if initial is not
// among choices.
func NewEnumerated[T comparable](initial T, choices []T, opts ...Option) *Enumerated[T] {
	e := &Enumerated[T]{VA: &VA[T]{kind: "enumerated"}, choices: slices.Clone(choices)}
	e.setup(initial, opts)
	e.check = e.checkChoice
	e.describe = func(d *Descriptor) {
		d.Choices = make([]any, len(e.choices))
		for i, c := range e.choices {
			d.Choices[i] = c
		}
	}
	e.validateInitial()
	return e
}

func (e *Enumerated[T]) checkChoice(v T) (T, error) {
	if slices.Contains(e.choices, v) {
		return v, nil
	}
	return v, fmt.Errorf("%w: %v not in %v", ErrNotInChoices, v, e.choices)
}

// Choices returns a copy of the allowed values.
func (e *Enumerated[T]) Choices() []T {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.choices)
}

// SetChoices replaces the allowed values. The current value must remain
// allowed, otherwise ErrNotInChoices is returned.
func (e *Enumerated[T]) SetChoices(choices []T) error {
	e.setMu.Lock()
	defer e.setMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !slices.Contains(choices, e.value) {
		return fmt.Errorf("%w: current value %v not in %v", ErrNotInChoices, e.value, choices)
	}
	e.choices = slices.Clone(choices)
	return nil
}

// List is a VA holding a slice. The slice is copied on every read and write,
// and the element-wise helpers notify like a plain write.
type List[E any] struct {
	*VA[[]E]
}

// NewList creates a list VA.
func NewList[E any](initial []E, opts ...Option) *List[E] {
	l := &List[E]{VA: &VA[[]E]{kind: "list"}}
	l.clone = slices.Clone[[]E]
	l.setup(slices.Clone(initial), opts)
	return l
}

// Len returns the number of elements.
func (l *List[E]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.value)
}

// Append adds e at the end of the list.
func (l *List[E]) Append(e E) error {
	return l.modify(func(s []E) ([]E, error) {
		return append(s, e), nil
	})
}

// SetItem replaces the element at index i.
func (l *List[E]) SetItem(i int, e E) error {
	return l.modify(func(s []E) ([]E, error) {
		if i < 0 || i >= len(s) {
			return nil, fmt.Errorf("%w: index %d out of %d elements", ErrOutOfRange, i, len(s))
		}
		s[i] = e
		return s, nil
	})
}

// RemoveItem deletes the element at index i.
func (l *List[E]) RemoveItem(i int) error {
	return l.modify(func(s []E) ([]E, error) {
		if i < 0 || i >= len(s) {
			return nil, fmt.Errorf("%w: index %d out of %d elements", ErrOutOfRange, i, len(s))
		}
		return slices.Delete(s, i, i+1), nil
	})
}

func (l *List[E]) modify(fn func([]E) ([]E, error)) error {
	if l.readonly {
		return ErrReadOnly
	}
	return l.apply(fn)
}

// TupleContinuous is a fixed-length float tuple with one range per element,
// such as a 2D position or a resolution.
type TupleContinuous struct {
	*VA[[]float64]
	min, max []float64
	clamp    bool
}

// NewTupleContinuous creates a tuple VA. The length of initial, min and max
// must agree, and initial must be in range; it panics otherwise.
func NewTupleContinuous(initial, min, max []float64, opts ...Option) *TupleContinuous {
	if len(min) != len(initial) || len(max) != len(initial) {
		panic(fmt.Sprintf("va: tuple of %d elements with ranges of %d and %d", len(initial), len(min), len(max)))
	}
	t := &TupleContinuous{
		VA:  &VA[[]float64]{kind: "tuple"},
		min: slices.Clone(min),
		max: slices.Clone(max),
	}
	t.clone = slices.Clone[[]float64]
	s := t.setup(slices.Clone(initial), opts)
	t.clamp = s.clamp
	t.check = t.checkRange
	t.describe = func(d *Descriptor) {
		d.Range = []any{slices.Clone(t.min), slices.Clone(t.max)}
		d.Clamp = t.clamp
	}
	t.validateInitial()
	return t
}

func (t *TupleContinuous) checkRange(v []float64) ([]float64, error) {
	if len(v) != len(t.min) {
		return v, fmt.Errorf("%w: expected %d elements, got %d", ErrInvalidValue, len(t.min), len(v))
	}
	out := slices.Clone(v)
	for i, x := range out {
		if x >= t.min[i] && x <= t.max[i] {
			continue
		}
		if !t.clamp {
			return v, fmt.Errorf("%w: element %d: %v not in [%v, %v]", ErrOutOfRange, i, x, t.min[i], t.max[i])
		}
		out[i] = min(max(x, t.min[i]), t.max[i])
	}
	return out, nil
}

// SetItem replaces element i, validated against its own range.
func (t *TupleContinuous) SetItem(i int, x float64) error {
	if t.readonly {
		return ErrReadOnly
	}
	return t.apply(func(cur []float64) ([]float64, error) {
		if i < 0 || i >= len(cur) {
			return nil, fmt.Errorf("%w: index %d out of %d elements", ErrOutOfRange, i, len(cur))
		}
		cur[i] = x
		return cur, nil
	})
}
