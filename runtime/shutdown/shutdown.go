// Package shutdown coordinates process teardown: named phases registered by
// the composition root run in parallel under one aggregate deadline, and
// phases that overrun the deadline are abandoned rather than waited on.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drishti-ai/navigator/telemetry"
)

// ErrTimeout indicates at least one phase was still running at the deadline.
var ErrTimeout = errors.New("shutdown: deadline exceeded with phases still running")

type (
	// Phase is one named unit of teardown work.
	Phase struct {
		Name string
		Run  func(ctx context.Context) error
	}

	// Coordinator collects phases and runs them at shutdown.
	Coordinator struct {
		mu     sync.Mutex
		phases []Phase
		logger telemetry.Logger
	}
)

// NewCoordinator builds an empty coordinator.
func NewCoordinator(logger telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Coordinator{logger: logger}
}

// Register adds a phase. Phases registered later still run in parallel with
// earlier ones; ordering must not be relied on.
func (c *Coordinator) Register(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phases = append(c.phases, Phase{Name: name, Run: run})
}

// Run executes every registered phase in parallel under the aggregate
// timeout. It returns ErrTimeout when the deadline passes with phases still
// running, otherwise the first phase error, otherwise nil.
func (c *Coordinator) Run(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	phases := make([]Phase, len(c.phases))
	copy(phases, c.phases)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c.logger.Info(ctx, "shutdown starting", "phases", len(phases), "timeout", timeout.String())

	errs := make(chan error, len(phases))
	var wg sync.WaitGroup
	for _, p := range phases {
		wg.Add(1)
		go func(p Phase) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- fmt.Errorf("shutdown phase %s panicked: %v", p.Name, r)
				}
			}()
			start := time.Now()
			if err := p.Run(ctx); err != nil {
				c.logger.Warn(ctx, "shutdown phase failed", "phase", p.Name, "err", err)
				errs <- fmt.Errorf("shutdown phase %s: %w", p.Name, err)
				return
			}
			c.logger.Info(ctx, "shutdown phase done", "phase", p.Name, "elapsed", time.Since(start).String())
			errs <- nil
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errs)
		for err := range errs {
			if err != nil {
				return err
			}
		}
		c.logger.Info(ctx, "shutdown complete")
		return nil
	case <-ctx.Done():
		c.logger.Error(ctx, "shutdown deadline exceeded, abandoning remaining phases")
		return ErrTimeout
	}
}
