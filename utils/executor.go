package utils

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

var (
	// ErrExecutorClosed is returned when work is submitted to a closed Executor
	ErrExecutorClosed = xerrors.New("executor is closed")
	// ErrTaskPanicked is matched by Submit errors of tasks that panicked
	ErrTaskPanicked = xerrors.New("task panicked")
)

// Executor is a named execution context running tasks on goroutines,
// at most width at a time
type Executor struct {
	name   string
	width  int64
	sem    *semaphore.Weighted
	waiter sync.WaitGroup
	closed bool
	mutex  sync.RWMutex
}

// NewExecutor creates a new Executor. width <= 0 uses the number of CPUs.
func NewExecutor(name string, width int) *Executor {
	if width <= 0 {
		width = runtime.NumCPU()
	}

	return &Executor{
		name:  name,
		width: int64(width),
		sem:   semaphore.NewWeighted(int64(width)),
	}
}

// GetName returns name of the executor
func (executor *Executor) GetName() string {
	return executor.name
}

// GetWidth returns the max number of concurrently running tasks
func (executor *Executor) GetWidth() int {
	return int(executor.width)
}

// Go runs fn once a slot is free. It blocks until the task is scheduled,
// ctx is done, or the executor is closed.
func (executor *Executor) Go(ctx context.Context, fn func()) error {
	executor.mutex.RLock()
	if executor.closed {
		executor.mutex.RUnlock()
		return ErrExecutorClosed
	}
	executor.waiter.Add(1)
	executor.mutex.RUnlock()

	err := executor.sem.Acquire(ctx, 1)
	if err != nil {
		executor.waiter.Done()
		return xerrors.Errorf("failed to schedule task on %s: %w", executor.name, err)
	}

	go func() {
		logger := log.WithFields(log.Fields{
			"package":  "utils",
			"struct":   "Executor",
			"function": "Go",
			"executor": executor.name,
		})

		defer executor.waiter.Done()
		defer executor.sem.Release(1)
		defer StackTraceFromPanic(logger)

		fn()
	}()

	return nil
}

// Close rejects new tasks and waits for running ones to finish
func (executor *Executor) Close() {
	executor.mutex.Lock()
	executor.closed = true
	executor.mutex.Unlock()

	executor.waiter.Wait()
}

type taskResult[T any] struct {
	value T
	err   error
}

// Submit runs fn on executor and waits for its result.
// If ctx is done first, ctx's error is returned and the result is discarded.
func Submit[T any](ctx context.Context, executor *Executor, fn func() (T, error)) (T, error) {
	var zero T
	resultChan := make(chan taskResult[T], 1)

	err := executor.Go(ctx, func() {
		logger := log.WithFields(log.Fields{
			"package":  "utils",
			"function": "Submit",
			"executor": executor.name,
		})

		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("stacktrace from panic: %v\n%s", r, string(debug.Stack()))
				resultChan <- taskResult[T]{err: xerrors.Errorf("%w on %s: %v", ErrTaskPanicked, executor.name, r)}
			}
		}()

		value, err := fn()
		resultChan <- taskResult[T]{value: value, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case result := <-resultChan:
		return result.value, result.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
