package va

import (
	"fmt"
	"math"
	"reflect"
)

// Convert converts v to type t, the way a value received from another
// process is adapted to the Go type of a VA or of a method parameter.
//
// Integers convert between integer kinds (when they fit) and to floats;
// floats never convert to integers. Slices and maps convert element-wise.
// Any other mismatch returns an error wrapping ErrType.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: cannot use nil as %s", ErrType, t)
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			out := reflect.New(t).Elem()
			out.Set(rv)
			return out, nil
		}
		return rv, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if reflect.Zero(t).OverflowInt(rv.Int()) {
				return reflect.Value{}, fmt.Errorf("%w: %d overflows %s", ErrType, rv.Int(), t)
			}
			return rv.Convert(t), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if rv.Uint() > math.MaxInt64 || reflect.Zero(t).OverflowInt(int64(rv.Uint())) {
				return reflect.Value{}, fmt.Errorf("%w: %d overflows %s", ErrType, rv.Uint(), t)
			}
			return rv.Convert(t), nil
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if rv.Int() < 0 || reflect.Zero(t).OverflowUint(uint64(rv.Int())) {
				return reflect.Value{}, fmt.Errorf("%w: %d overflows %s", ErrType, rv.Int(), t)
			}
			return rv.Convert(t), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if reflect.Zero(t).OverflowUint(rv.Uint()) {
				return reflect.Value{}, fmt.Errorf("%w: %d overflows %s", ErrType, rv.Uint(), t)
			}
			return rv.Convert(t), nil
		}

	case reflect.Float32, reflect.Float64:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return rv.Convert(t), nil
		}

	case reflect.Bool, reflect.String:
		if rv.Kind() == t.Kind() {
			return rv.Convert(t), nil
		}

	case reflect.Slice:
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := reflect.MakeSlice(t, rv.Len(), rv.Len())
			for i := range rv.Len() {
				ev, err := Convert(rv.Index(i).Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}

	case reflect.Array:
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == t.Len() {
			out := reflect.New(t).Elem()
			for i := range rv.Len() {
				ev, err := Convert(rv.Index(i).Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}

	case reflect.Map:
		if rv.Kind() == reflect.Map {
			out := reflect.MakeMapWithSize(t, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				kv, err := Convert(iter.Key().Interface(), t.Key())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
				}
				ev, err := Convert(iter.Value().Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
				}
				out.SetMapIndex(kv, ev)
			}
			return out, nil
		}
	}

	return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrType, v, t)
}

// coerce converts v to T with Convert.
func coerce[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var zero T
	rv, err := Convert(v, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

// typeName names the value type of a VA in its descriptor.
func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Map:
		return "map"
	case reflect.Struct:
		return t.Name()
	default:
		return "any"
	}
}
