package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/future"
)

// Value tags.
const (
	tagNull   = "null"
	tagBool   = "bool"
	tagInt    = "int"
	tagFloat  = "float"
	tagString = "string"
	tagList   = "list"
	tagMap    = "map"
	tagArray  = "array"
	tagRef    = "ref"
	tagEvent  = "event"
	tagFuture = "future"
	tagJSON   = "json"
)

// Value is a tagged value on the wire. The tag keeps the distinction
// between integers and floats, and marks the values passed by reference:
// components, events and futures.
type Value struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// EventHandle designates an Event of a component. It is what a remote
// event proxy becomes when passed as an argument.
type EventHandle struct {
	Ref  component.Ref `json:"ref"`
	Name string        `json:"name"`
}

// futureHandle describes a Future kept in the process which created it.
type futureHandle struct {
	ID          string  `json:"id"`
	Progressive bool    `json:"progressive,omitempty"`
	State       string  `json:"state"`
	Start       float64 `json:"start,omitempty"`
	End         float64 `json:"end,omitempty"`
}

// encoder converts Go values to Values. Futures are handed to export, which
// registers them and returns their handle.
type encoder struct {
	export func(f *future.Future, pf *future.ProgressiveFuture) futureHandle
}

func (e *encoder) encode(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{T: tagNull}, nil
	case Value:
		return x, nil
	case component.Ref:
		return raw(tagRef, x)
	case *component.Component:
		return raw(tagRef, x.Ref())
	case component.Proxy:
		return raw(tagRef, x.Ref())
	case component.EventProxy:
		return raw(tagEvent, EventHandle{Ref: x.Owner(), Name: x.Name()})
	case EventHandle:
		return raw(tagEvent, x)
	case *dataflow.DataArray:
		if x == nil {
			return Value{T: tagNull}, nil
		}
		return raw(tagArray, x)
	case *future.ProgressiveFuture:
		if e.export == nil {
			return Value{}, fmt.Errorf("%w: futures cannot be sent here", ErrProtocol)
		}
		return raw(tagFuture, e.export(x.Future, x))
	case *future.Future:
		if e.export == nil {
			return Value{}, fmt.Errorf("%w: futures cannot be sent here", ErrProtocol)
		}
		return raw(tagFuture, e.export(x, nil))
	}
	return e.encodeReflect(reflect.ValueOf(v))
}

func (e *encoder) encodeReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return raw(tagBool, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return raw(tagInt, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return raw(tagInt, rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no literal for these: sent as "NaN", "+Inf" or "-Inf".
			return raw(tagFloat, strconv.FormatFloat(f, 'g', -1, 64))
		}
		return raw(tagFloat, f)
	case reflect.String:
		return raw(tagString, rv.String())

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return raw(tagList, []Value{})
		}
		items := make([]Value, rv.Len())
		for i := range rv.Len() {
			item, err := e.encode(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = item
		}
		return raw(tagList, items)

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map keys of type %s", ErrProtocol, rv.Type().Key())
		}
		items := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			item, err := e.encode(iter.Value().Interface())
			if err != nil {
				return Value{}, fmt.Errorf("key %s: %w", iter.Key(), err)
			}
			items[iter.Key().String()] = item
		}
		return raw(tagMap, items)

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Value{T: tagNull}, nil
		}
		return e.encode(rv.Elem().Interface())

	case reflect.Struct:
		return raw(tagJSON, rv.Interface())
	}
	return Value{}, fmt.Errorf("%w: cannot send value of type %s", ErrProtocol, rv.Type())
}

func raw(tag string, v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: encoding %s: %v", ErrProtocol, tag, err)
	}
	return Value{T: tag, V: b}, nil
}

// decoder converts Values back to Go values: int, float64, bool, string,
// []any, map[string]any, *dataflow.DataArray, component.Ref, EventHandle,
// and whatever the future hook returns for futures.
type decoder struct {
	future func(h futureHandle) any
}

func (d *decoder) decode(v Value) (any, error) {
	switch v.T {
	case tagNull, "":
		return nil, nil
	case tagBool:
		var b bool
		if err := unmarshal(v, &b); err != nil {
			return nil, err
		}
		return b, nil
	case tagInt:
		var i int
		if err := unmarshal(v, &i); err != nil {
			return nil, err
		}
		return i, nil
	case tagFloat:
		return decodeFloat(v)
	case tagString:
		var s string
		if err := unmarshal(v, &s); err != nil {
			return nil, err
		}
		return s, nil

	case tagList:
		var items []Value
		if err := unmarshal(v, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			x, err := d.decode(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = x
		}
		return out, nil

	case tagMap:
		var items map[string]Value
		if err := unmarshal(v, &items); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(items))
		for k, item := range items {
			x, err := d.decode(item)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}
			out[k] = x
		}
		return out, nil

	case tagArray:
		var a dataflow.DataArray
		if err := unmarshal(v, &a); err != nil {
			return nil, err
		}
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		return &a, nil

	case tagRef:
		var ref component.Ref
		if err := unmarshal(v, &ref); err != nil {
			return nil, err
		}
		return ref, nil

	case tagEvent:
		var h EventHandle
		if err := unmarshal(v, &h); err != nil {
			return nil, err
		}
		return h, nil

	case tagFuture:
		var h futureHandle
		if err := unmarshal(v, &h); err != nil {
			return nil, err
		}
		if d.future == nil {
			return nil, fmt.Errorf("%w: unexpected future", ErrProtocol)
		}
		return d.future(h), nil

	case tagJSON:
		var x any
		if err := unmarshal(v, &x); err != nil {
			return nil, err
		}
		return x, nil
	}
	return nil, fmt.Errorf("%w: unknown value tag %q", ErrProtocol, v.T)
}

func decodeFloat(v Value) (float64, error) {
	var f float64
	if len(v.V) == 0 || v.V[0] != '"' {
		err := unmarshal(v, &f)
		return f, err
	}
	var s string
	if err := unmarshal(v, &s); err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !(math.IsNaN(f) || math.IsInf(f, 0)) {
		return 0, fmt.Errorf("%w: decoding float: %q is not NaN or infinite", ErrProtocol, s)
	}
	return f, nil
}

func unmarshal(v Value, dst any) error {
	if err := json.Unmarshal(v.V, dst); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrProtocol, v.T, err)
	}
	return nil
}

func (e *encoder) encodeAll(args []any) ([]Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]Value, len(args))
	for i, a := range args {
		v, err := e.encode(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func (e *encoder) encodeMap(kwargs map[string]any) (map[string]Value, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	out := make(map[string]Value, len(kwargs))
	for k, a := range kwargs {
		v, err := e.encode(a)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (d *decoder) decodeAll(values []Value) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		x, err := d.decode(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = x
	}
	return out, nil
}

func (d *decoder) decodeMap(values map[string]Value) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		x, err := d.decode(v)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", k, err)
		}
		out[k] = x
	}
	return out, nil
}
