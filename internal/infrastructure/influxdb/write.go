package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the client.
const (
	MeasurementVA       = "va_values"
	MeasurementDataFlow = "dataflow_arrays"
)

// WriteVA records the value of a numeric or boolean VA. Booleans are
// stored as 0 or 1.
//
//	client.WriteVA("back1", "stage", "speed", 2.0)
func (c *Client) WriteVA(container, component, name string, value float64) {
	c.WritePoint(MeasurementVA,
		map[string]string{
			"container": container,
			"component": component,
			"va":        name,
		},
		map[string]interface{}{
			"value": value,
		})
}

// WriteDataFlow records the number of arrays a DataFlow produced since the
// previous write, with the shape of the last one.
func (c *Client) WriteDataFlow(container, component, name string, arrays int64, shape string) {
	fields := map[string]interface{}{
		"arrays": arrays,
	}
	if shape != "" {
		fields["shape"] = shape
	}
	c.WritePoint(MeasurementDataFlow,
		map[string]string{
			"container": container,
			"component": component,
			"dataflow":  name,
		},
		fields)
}

// WritePoint writes a point stamped now. Tags are indexed and should have
// a low cardinality.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
