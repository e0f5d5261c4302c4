package simulated

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/future"
	"github.com/delmic/odemis-sub009/internal/va"
)

// StageAxes are the axes of a Stage.
var StageAxes = []string{"x", "y"}

// StageRange is the travel of each axis, in m.
var StageRange = [2]float64{-0.1, 0.1}

// stageStep is the interval between two position updates during a move.
const stageStep = 10 * time.Millisecond

// Stage is an actuator moving along StageAxes. Moves run one at a time, in
// order of submission, and report their expected end.
type Stage struct {
	*component.Component

	Speed    *va.Continuous[float64]
	Position *va.VA[map[string]float64]

	exec *future.Executor

	mu    sync.Mutex
	moves []*future.ProgressiveFuture // in submission order
}

// NewStage creates a stage at the origin.
func NewStage(name, role string) *Stage {
	origin := make(map[string]float64, len(StageAxes))
	for _, a := range StageAxes {
		origin[a] = 0
	}
	s := &Stage{
		Component: component.New(name, role),
		Speed:     va.NewFloatContinuous(2.0, -1, 3.4, va.Unit("m/s")),
		Position:  va.NewVA(origin, va.ReadOnly(), va.Unit("m")),
		exec:      future.NewExecutor(1),
	}

	s.AddVA("speed", s.Speed)
	s.AddVA("position", s.Position)
	s.SetROAttr("axes", slices.Clone(StageAxes))
	s.SetROAttr("range", map[string][]float64{"x": StageRange[:], "y": StageRange[:]})

	s.Expose("moveRel", s.MoveRel, component.Params("shift"))
	s.Expose("moveAbs", s.MoveAbs, component.Params("pos"))
	s.Expose("stop", s.Stop, component.Oneway())
	s.OnTerminate(func() { s.exec.Shutdown(true) })
	return s
}

// SetLogger sets the logger of the stage and of its executor.
func (s *Stage) SetLogger(logger component.Logger) {
	s.Component.SetLogger(logger)
	s.exec.SetLogger(logger)
}

// MoveRel moves the axes of shift by the given distances, relative to the
// position reached by the previous moves.
func (s *Stage) MoveRel(shift map[string]float64) (*future.ProgressiveFuture, error) {
	if err := checkAxes(shift); err != nil {
		return nil, err
	}
	return s.submit(shift, func(cur map[string]float64) map[string]float64 {
		target := maps.Clone(cur)
		for a, d := range shift {
			target[a] += d
		}
		return target
	})
}

// MoveAbs moves the axes of pos to the given positions.
func (s *Stage) MoveAbs(pos map[string]float64) (*future.ProgressiveFuture, error) {
	if err := checkAxes(pos); err != nil {
		return nil, err
	}
	for a, p := range pos {
		if p < StageRange[0] || p > StageRange[1] {
			return nil, fmt.Errorf("%w: %s=%v not in %v", va.ErrOutOfRange, a, p, StageRange)
		}
	}
	return s.submit(pos, func(cur map[string]float64) map[string]float64 {
		target := maps.Clone(cur)
		maps.Copy(target, pos)
		return target
	})
}

// Stop cancels every move, running or queued. The newest moves are cancelled
// first, so that none of the queued ones starts when the running one ends.
func (s *Stage) Stop() {
	s.mu.Lock()
	moves := slices.Clone(s.moves)
	s.mu.Unlock()

	for _, pf := range slices.Backward(moves) {
		pf.Cancel()
	}
	s.Logger().Debug("stage stopped", "component", s.Name(), "moves", len(moves))
}

func checkAxes(m map[string]float64) error {
	for a := range m {
		if !slices.Contains(StageAxes, a) {
			return fmt.Errorf("%w: unknown axis %q", component.ErrArgument, a)
		}
	}
	return nil
}

// submit queues a move. target computes the destination from the position
// when the move starts.
func (s *Stage) submit(req map[string]float64, target func(map[string]float64) map[string]float64) (*future.ProgressiveFuture, error) {
	speed := math.Abs(s.Speed.Value())
	if speed == 0 {
		return nil, fmt.Errorf("%w: speed is 0", va.ErrInvalidValue)
	}

	pf, err := s.exec.SubmitProgressive(estimateMove(req, speed), func(ctx context.Context, pf *future.ProgressiveFuture) (any, error) {
		return nil, s.move(ctx, pf, target(s.Position.Value()))
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.moves = append(s.moves, pf)
	s.mu.Unlock()
	pf.AddDoneCallback(func(*future.Future) {
		s.mu.Lock()
		s.moves = slices.DeleteFunc(s.moves, func(m *future.ProgressiveFuture) bool { return m == pf })
		s.mu.Unlock()
	})
	return pf, nil
}

func estimateMove(req map[string]float64, speed float64) time.Duration {
	var longest float64
	for _, d := range req {
		longest = max(longest, math.Abs(d))
	}
	return time.Duration(longest / speed * float64(time.Second))
}

// move drives the position to target, in steps of stageStep. A cancelled
// move stops where it is.
func (s *Stage) move(ctx context.Context, pf *future.ProgressiveFuture, target map[string]float64) error {
	for a, p := range target {
		if p < StageRange[0] || p > StageRange[1] {
			return fmt.Errorf("%w: %s=%v not in %v", va.ErrOutOfRange, a, p, StageRange)
		}
	}

	from := s.Position.Value()
	var dist float64
	for a := range target {
		dist = max(dist, math.Abs(target[a]-from[a]))
	}
	speed := math.Abs(s.Speed.Value())
	if speed == 0 {
		return fmt.Errorf("%w: speed is 0", va.ErrInvalidValue)
	}
	duration := time.Duration(dist / speed * float64(time.Second))
	start := time.Now()
	pf.SetProgress(start, start.Add(duration))

	ticker := time.NewTicker(stageStep)
	defer ticker.Stop()
	for {
		frac := 1.0
		if duration > 0 {
			frac = min(float64(time.Since(start))/float64(duration), 1)
		}
		pos := make(map[string]float64, len(from))
		for a, p := range from {
			pos[a] = p + (target[a]-p)*frac
		}
		if err := s.Position.Update(pos); err != nil {
			return err
		}
		if frac >= 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
