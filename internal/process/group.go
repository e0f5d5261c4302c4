package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
)

// ContainerCheck reports an error while the named container cannot be
// reached.
type ContainerCheck func(ctx context.Context, container string) error

// Group supervises the processes declared in the configuration.
type Group struct {
	managers []*Manager
	logger   Logger
}

// NewGroup creates one Manager per declared process. Processes declaring
// the container they host are health-checked with check, which may be nil
// to disable the checks.
func NewGroup(procs []config.ProcessConfig, check ContainerCheck) *Group {
	g := &Group{logger: noopLogger{}}
	for _, p := range procs {
		cfg := DefaultConfig(p.Name, p.Binary, p.Args)
		if p.MaxRestart > 0 {
			cfg.MaxRestartAttempts = p.MaxRestart
		}
		if p.Container != "" && check != nil {
			name := p.Container
			cfg.HealthCheck = func(ctx context.Context) error {
				return check(ctx, name)
			}
		}
		g.managers = append(g.managers, NewManager(cfg))
	}
	return g
}

// SetLogger sets the logger of every manager.
func (g *Group) SetLogger(logger Logger) {
	g.logger = logger
	for _, m := range g.managers {
		m.SetLogger(logger)
	}
}

// Managers returns the managers, in declaration order.
func (g *Group) Managers() []*Manager {
	return g.managers
}

// Start starts every process. If one fails to start, those already started
// are stopped.
func (g *Group) Start(ctx context.Context) error {
	for i, m := range g.managers {
		if err := m.Start(ctx); err != nil {
			g.stop(g.managers[:i])
			return fmt.Errorf("supervising %s: %w", m.Name(), err)
		}
	}
	if len(g.managers) > 0 {
		g.logger.Info("supervised processes started", "count", len(g.managers))
	}
	return nil
}

// Stop stops every process, in reverse order.
func (g *Group) Stop() error {
	return g.stop(g.managers)
}

func (g *Group) stop(managers []*Manager) error {
	var errs []error
	for i := len(managers) - 1; i >= 0; i-- {
		if err := managers[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every process.
func (g *Group) Stats() []Stats {
	stats := make([]Stats, 0, len(g.managers))
	for _, m := range g.managers {
		stats = append(stats, m.Stats())
	}
	return stats
}
