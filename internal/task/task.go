// Package task runs background work whose outcome must not be lost.
//
// Every task started with Supervisor.Go is logged when it finishes, panics
// are recovered into errors, and the Result is published on a buffered
// channel that the coordinator drains.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Result describes one finished task.
type Result struct {
	Name     string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the task ran.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Supervisor owns the lifetime of background tasks.
type Supervisor struct {
	ctx     context.Context
	logger  *slog.Logger
	results chan Result
	wg      sync.WaitGroup
}

// NewSupervisor returns a supervisor whose tasks run under ctx, so they
// outlive the request that started them but not the process. buffer bounds
// the number of unread results kept.
func NewSupervisor(ctx context.Context, logger *slog.Logger, buffer int) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &Supervisor{
		ctx:     ctx,
		logger:  logger,
		results: make(chan Result, buffer),
	}
}

// Go runs fn on its own goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := Result{Name: name, Started: time.Now()}
		res.Err = s.run(fn)
		res.Finished = time.Now()
		s.report(res)
	}()
}

func (s *Supervisor) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) report(res Result) {
	if res.Err != nil {
		s.logger.Error("background task failed", "task", res.Name, "duration", res.Duration(), "error", res.Err)
	} else {
		s.logger.Info("background task finished", "task", res.Name, "duration", res.Duration())
	}

	select {
	case s.results <- res:
	default:
		s.logger.Warn("result channel full, dropping result", "task", res.Name)
	}
}

// Results returns the channel of finished tasks.
func (s *Supervisor) Results() <-chan Result {
	return s.results
}

// Wait blocks until every started task has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
