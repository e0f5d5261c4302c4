// Package va implements Vigilant Attributes: typed, validated properties
// that notify subscribers of every accepted change.
//
// Shapes:
//   - NewVA, NewBool, NewString, NewInt, NewFloat: plain values
//   - NewContinuous, NewFloatContinuous, NewIntContinuous: numeric range
//   - NewEnumerated: one of a set of choices
//   - NewList: slice with element-wise helpers
//   - NewTupleContinuous: fixed-length float tuple with per-element ranges
//
// Out-of-range writes are rejected by default. A VA created with Clamp()
// clips them instead; that is only used where the hardware behaves so.
//
// Usage:
//
//	speed := va.NewFloatContinuous(2.0, -1, 3.4, va.Unit("m/s"))
//	speed.Subscribe(va.Func(func(v any) { log.Println("speed", v) }), false)
//	if err := speed.SetValue(4.0); errors.Is(err, va.ErrOutOfRange) {
//	    // speed is still 2.0
//	}
package va
