package simulated

import "github.com/delmic/odemis-sub009/internal/component"

// Microscope is the root component. Its "children" VA lists the hardware
// components of the microscope.
type Microscope struct {
	*component.Component
}

// NewMicroscope creates the root component. role defaults to "sem".
func NewMicroscope(name, role string) *Microscope {
	if role == "" {
		role = "sem"
	}
	m := &Microscope{Component: component.New(name, role)}
	m.SetROAttr("model", "simulated")
	return m
}
