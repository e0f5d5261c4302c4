package dataflow

import (
	"context"
	"sync"
	"time"
)

// AcquireFunc produces one datum. It should honour ctx for long acquisitions.
type AcquireFunc func(ctx context.Context) (*DataArray, error)

// Generator is a Producer running an acquisition loop in its own goroutine
// while its DataFlow is generating. Before each acquisition it waits for the
// DataFlow's trigger; after it, it waits for the period.
//
// Each datum gets the generator's sequence number in MDSequence; Reset sets
// the counter back to zero.
type Generator struct {
	df      *DataFlow
	acquire AcquireFunc
	logger  Logger

	mu     sync.Mutex
	period time.Duration
	cancel context.CancelFunc
	seq    int
	runs   int
}

// NewGenerated creates a DataFlow fed by a Generator calling acquire.
func NewGenerated(period time.Duration, acquire AcquireFunc) (*DataFlow, *Generator) {
	g := &Generator{acquire: acquire, period: period, logger: noopLogger{}}
	g.df = New(g)
	return g.df, g
}

// SetLogger sets the logger for acquisition errors, on the generator and its DataFlow.
func (g *Generator) SetLogger(logger Logger) {
	g.logger = logger
	g.df.SetLogger(logger)
}

// SetPeriod changes the delay between two acquisitions.
func (g *Generator) SetPeriod(period time.Duration) {
	g.mu.Lock()
	g.period = period
	g.mu.Unlock()
}

// StartGenerate starts the acquisition loop.
func (g *Generator) StartGenerate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.runs++
	go g.loop(ctx)
}

// StopGenerate stops the loop. It does not wait for the running acquisition,
// whose result is discarded: StopGenerate may be reached from a listener
// called by the loop itself.
func (g *Generator) StopGenerate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// Runs returns how many times generation was started.
func (g *Generator) Runs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs
}

// Reset sets the sequence counter back to zero.
func (g *Generator) Reset() {
	g.mu.Lock()
	g.seq = 0
	g.mu.Unlock()
}

// Acquire produces a single datum outside of the generation loop.
func (g *Generator) Acquire(ctx context.Context) (*DataArray, error) {
	data, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	g.stamp(data)
	return data, nil
}

func (g *Generator) stamp(data *DataArray) {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()
	if data.Metadata == nil {
		data.Metadata = make(map[string]any)
	}
	data.Metadata[MDSequence] = seq
}

func (g *Generator) loop(ctx context.Context) {
	for {
		if err := g.df.WaitTrigger(ctx); err != nil {
			return
		}

		data, err := g.acquire(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			g.logger.Error("acquisition failed", "error", err)
		} else {
			g.stamp(data)
			g.df.Notify(data)
		}

		g.mu.Lock()
		period := g.period
		g.mu.Unlock()
		if period <= 0 {
			continue
		}
		timer := time.NewTimer(period)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
