package mirror

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/delmic/odemis-sub009/internal/component"
)

// PointWriter is the part of the InfluxDB client used by InfluxSink.
type PointWriter interface {
	WriteVA(container, component, name string, value float64)
	WriteDataFlow(container, component, name string, arrays int64, shape string)
	Flush()
}

// InfluxSink records the numeric and boolean VA values. Other values are
// ignored.
type InfluxSink struct {
	w PointWriter
}

var (
	_ Sink         = (*InfluxSink)(nil)
	_ DataFlowSink = (*InfluxSink)(nil)
)

// NewInfluxSink creates a sink writing through w.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// VAChanged writes value if it is a number or a boolean.
func (s *InfluxSink) VAChanged(ref component.Ref, name string, value any) {
	if f, ok := numeric(value); ok {
		s.w.WriteVA(ref.Container, ref.Name, name, f)
	}
}

// ContainerStatus flushes the buffered points when the container goes
// offline. The status itself is not a time series.
func (s *InfluxSink) ContainerStatus(_, status string) {
	if status == StatusOffline {
		s.w.Flush()
	}
}

// DataFlowStats writes the array count, with the shape as "4x4".
func (s *InfluxSink) DataFlowStats(ref component.Ref, name string, arrays int64, shape []int) {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	s.w.WriteDataFlow(ref.Container, ref.Name, name, arrays, strings.Join(dims, "x"))
}

func numeric(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		if rv.Bool() {
			return 1, true
		}
		return 0, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
