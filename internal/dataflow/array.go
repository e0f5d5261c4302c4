package dataflow

import (
	"fmt"
	"maps"
	"slices"
)

// Metadata keys set by producers.
const (
	MDAcquisitionDate = "acquisition_date" // float seconds since epoch
	MDExposureTime    = "exposure_time"    // s
	MDSequence        = "sequence"         // producer counter, reset by Reset
	MDPixelSize       = "pixel_size"       // m
)

// DataArray is the datum carried by a DataFlow: a dense n-dimensional array
// of float64 in row-major order, with free-form metadata.
type DataArray struct {
	Shape    []int          `json:"shape"`
	Values   []float64      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewDataArray creates an array of the given shape. It returns
// ErrInvalidShape if len(values) is not the product of the dimensions.
func NewDataArray(shape []int, values []float64, md map[string]any) (*DataArray, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
		n *= d
	}
	if n != len(values) {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrInvalidShape, shape, n, len(values))
	}
	if md == nil {
		md = make(map[string]any)
	}
	return &DataArray{Shape: slices.Clone(shape), Values: values, Metadata: md}, nil
}

// Zeros creates a zero-filled array of the given shape.
func Zeros(shape ...int) *DataArray {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &DataArray{Shape: slices.Clone(shape), Values: make([]float64, n), Metadata: make(map[string]any)}
}

// Len returns the number of values.
func (a *DataArray) Len() int {
	return len(a.Values)
}

// At returns the value at the given indices (one per dimension).
func (a *DataArray) At(idx ...int) float64 {
	return a.Values[a.offset(idx)]
}

// Set stores x at the given indices.
func (a *DataArray) Set(x float64, idx ...int) {
	a.Values[a.offset(idx)] = x
}

func (a *DataArray) offset(idx []int) int {
	if len(idx) != len(a.Shape) {
		panic(fmt.Sprintf("dataflow: %d indices for %d dimensions", len(idx), len(a.Shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= a.Shape[i] {
			panic(fmt.Sprintf("dataflow: index %d out of range for dimension %d of size %d", x, i, a.Shape[i]))
		}
		off = off*a.Shape[i] + x
	}
	return off
}

// Clone returns a deep copy (metadata values are copied shallowly).
func (a *DataArray) Clone() *DataArray {
	return &DataArray{
		Shape:    slices.Clone(a.Shape),
		Values:   slices.Clone(a.Values),
		Metadata: maps.Clone(a.Metadata),
	}
}
