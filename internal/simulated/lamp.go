package simulated

import (
	"slices"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/va"
)

// LampSources are the peak wavelengths of the sources of a Lamp, in m.
var LampSources = []float64{405e-9, 488e-9, 565e-9}

// LampMaxPower is the maximum power of each source, in W.
const LampMaxPower = 0.1

// Lamp is a light source with one power per source. Out of range powers
// are clamped, as a lamp driver would. The readonly emissions are the
// relative intensities of the sources.
type Lamp struct {
	*component.Component

	Power     *va.TupleContinuous
	Emissions *va.List[float64]

	listener va.Listener
}

// NewLamp creates a lamp with every source off.
func NewLamp(name, role string) *Lamp {
	n := len(LampSources)
	maxPower := make([]float64, n)
	for i := range maxPower {
		maxPower[i] = LampMaxPower
	}
	l := &Lamp{
		Component: component.New(name, role),
		Power:     va.NewTupleContinuous(make([]float64, n), make([]float64, n), maxPower, va.Clamp(), va.Unit("W")),
		Emissions: va.NewList(make([]float64, n), va.ReadOnly()),
	}

	l.AddVA("power", l.Power)
	l.AddVA("emissions", l.Emissions)
	l.SetROAttr("spectra", slices.Clone(LampSources))

	l.listener = va.Func(func(v any) {
		power := v.([]float64)
		em := make([]float64, len(power))
		for i, p := range power {
			em[i] = p / LampMaxPower
		}
		if err := l.Emissions.Update(em); err != nil {
			l.Logger().Warn("updating emissions", "component", l.Name(), "error", err)
		}
	})
	l.Power.Subscribe(l.listener, false)
	l.OnTerminate(func() { l.Power.Unsubscribe(l.listener) })
	return l
}

// Off turns every source off.
func (l *Lamp) Off() error {
	return l.Power.SetValue(make([]float64, len(LampSources)))
}
