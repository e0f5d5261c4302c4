package simulated

import (
	"errors"
	"fmt"
	"time"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
)

// Component kinds of the backend configuration.
const (
	KindSensor     = "sensor"
	KindStage      = "stage"
	KindLamp       = "lamp"
	KindMicroscope = "microscope"
)

// ErrUnknownKind is returned for a component kind Build cannot create.
var ErrUnknownKind = errors.New("simulated: unknown component kind")

// Build creates the components declared in cfg, registers them in ct in
// declaration order and records their relations: each child gets its
// parent, and affects are resolved within ct.
func Build(ct *component.Container, cfg config.BackendConfig, logger component.Logger) ([]*component.Component, error) {
	comps := make([]*component.Component, 0, len(cfg.Components))
	byName := make(map[string]*component.Component, len(cfg.Components))

	for _, cc := range cfg.Components {
		c, err := newComponent(cc, logger)
		if err != nil {
			return nil, err
		}
		if err := ct.Register(c); err != nil {
			c.Terminate()
			return nil, err
		}
		comps = append(comps, c)
		byName[cc.Name] = c
	}

	for _, cc := range cfg.Components {
		c := byName[cc.Name]
		for _, name := range cc.Children {
			child, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: child %s of %s", component.ErrLookup, name, cc.Name)
			}
			child.SetParent(c.Ref())
			if err := c.AddChild(child.Ref()); err != nil {
				return nil, fmt.Errorf("adding child %s to %s: %w", name, cc.Name, err)
			}
		}

		affects := make([]component.Ref, 0, len(cc.Affects))
		for _, name := range cc.Affects {
			other, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s affected by %s", component.ErrLookup, name, cc.Name)
			}
			affects = append(affects, other.Ref())
		}
		if len(affects) > 0 {
			c.SetAffects(affects...)
		}
	}

	logger.Info("components built", "container", ct.Name(), "count", len(comps))
	return comps, nil
}

func newComponent(cc config.ComponentConfig, logger component.Logger) (*component.Component, error) {
	role := cc.Role
	if role == "" {
		role = cc.Kind
	}

	switch cc.Kind {
	case KindSensor:
		s := NewSensor(cc.Name, role, time.Duration(cc.PeriodMS)*time.Millisecond)
		s.SetLogger(logger)
		return s.Component, nil
	case KindStage:
		s := NewStage(cc.Name, role)
		s.SetLogger(logger)
		return s.Component, nil
	case KindLamp:
		l := NewLamp(cc.Name, role)
		l.SetLogger(logger)
		return l.Component, nil
	case KindMicroscope:
		m := NewMicroscope(cc.Name, cc.Role)
		m.SetLogger(logger)
		return m.Component, nil
	default:
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownKind, cc.Kind, cc.Name)
	}
}
