package simulated

import (
	"context"
	"fmt"
	"time"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/future"
	"github.com/delmic/odemis-sub009/internal/va"
)

// SensorShape is the shape of the arrays produced by a Sensor.
var SensorShape = []int{4, 4}

// DefaultPeriod is the acquisition period used when none is configured.
const DefaultPeriod = 100 * time.Millisecond

// Sensor is a detector producing SensorShape arrays on its "data" DataFlow.
//
// The data can be synchronized on the "softwareTrigger" Event, or marked as
// synchronized on the "hardwareTrigger", which the simulated hardware
// never fires.
type Sensor struct {
	*component.Component

	ExposureTime    *va.Continuous[float64]
	Binning         *va.Enumerated[int]
	Data            *dataflow.DataFlow
	SoftwareTrigger *dataflow.Event
	HardwareTrigger *dataflow.HwTrigger

	gen  *dataflow.Generator
	exec *future.Executor
}

// NewSensor creates a sensor acquiring every period.
func NewSensor(name, role string, period time.Duration) *Sensor {
	if period <= 0 {
		period = DefaultPeriod
	}
	s := &Sensor{
		Component:       component.New(name, role),
		ExposureTime:    va.NewFloatContinuous(0.01, 1e-6, 10, va.Unit("s")),
		Binning:         va.NewEnumerated(1, []int{1, 2, 4}),
		SoftwareTrigger: dataflow.NewEvent(),
		HardwareTrigger: dataflow.NewHwTrigger(),
		exec:            future.NewExecutor(1),
	}
	s.Data, s.gen = dataflow.NewGenerated(period, s.acquire)

	s.AddVA("exposureTime", s.ExposureTime)
	s.AddVA("binning", s.Binning)
	s.AddDataFlow("data", s.Data)
	s.AddEvent("softwareTrigger", s.SoftwareTrigger)
	s.AddEvent("hardwareTrigger", s.HardwareTrigger)
	s.SetROAttr("shape", SensorShape)

	s.Expose("measure", s.Measure)
	s.Expose("reset", s.Data.Reset)
	s.Expose("setPeriod", func(seconds float64) error {
		if seconds < 0 {
			return fmt.Errorf("%w: negative period %v", va.ErrOutOfRange, seconds)
		}
		s.gen.SetPeriod(time.Duration(seconds * float64(time.Second)))
		return nil
	})
	s.OnTerminate(func() { s.exec.Shutdown(true) })
	return s
}

// SetLogger sets the logger of the sensor and of its acquisition loop.
func (s *Sensor) SetLogger(logger component.Logger) {
	s.Component.SetLogger(logger)
	s.gen.SetLogger(logger)
	s.exec.SetLogger(logger)
}

// Generator returns the producer of the data.
func (s *Sensor) Generator() *dataflow.Generator {
	return s.gen
}

// acquire simulates an exposure: each pixel holds the signal accumulated
// over the binned area.
func (s *Sensor) acquire(ctx context.Context) (*dataflow.DataArray, error) {
	exp := s.ExposureTime.Value()
	bin := s.Binning.Value()

	data := dataflow.Zeros(SensorShape...)
	for i := range data.Values {
		data.Values[i] = exp * 1000 * float64(bin*bin) * float64(i+1)
	}
	data.Metadata[dataflow.MDExposureTime] = exp
	data.Metadata[dataflow.MDAcquisitionDate] = float64(time.Now().UnixNano()) / 1e9

	// Exposures under a millisecond are not worth sleeping for.
	if d := time.Duration(exp * float64(time.Second)); d >= time.Millisecond {
		t := time.NewTimer(min(d, time.Second))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return data, nil
}

// Measure runs one acquisition outside of the DataFlow. It fails with
// dataflow.ErrBusy while the data is generating or another measurement
// runs.
func (s *Sensor) Measure() (*future.ProgressiveFuture, error) {
	release, err := s.Data.BeginExclusive()
	if err != nil {
		return nil, err
	}
	estimate := time.Duration(s.ExposureTime.Value() * float64(time.Second))
	pf, err := s.exec.SubmitProgressive(estimate, func(ctx context.Context, pf *future.ProgressiveFuture) (any, error) {
		start := time.Now()
		pf.SetProgress(start, start.Add(estimate))
		return s.gen.Acquire(ctx)
	})
	if err != nil {
		release()
		return nil, err
	}
	// A measurement cancelled before it started never runs its task.
	pf.AddDoneCallback(func(*future.Future) { release() })
	return pf, nil
}
