// Package tasks runs background work for the streaming engine: priority
// pools of worker goroutines, cancellation right before execution, results
// drained by a single owner goroutine, and dependency trackers chaining
// follow-up work.
package tasks

import (
	"context"
	"errors"
)

// ErrPanicked wraps the value recovered from a task that panicked.
var ErrPanicked = errors.New("task panicked")

type Status uint8

const (
	// StatusComplete: the task ran to the end.
	StatusComplete Status = iota
	// StatusDropped: the task was cancelled before running, panicked, or
	// was still queued when its pool closed. Not an error by itself.
	StatusDropped
	// StatusPostponed: the task asked to run again later.
	StatusPostponed
	// StatusTakenOut: the task handed itself to someone else and must not be
	// drained by the pool.
	StatusTakenOut
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusDropped:
		return "dropped"
	case StatusPostponed:
		return "postponed"
	case StatusTakenOut:
		return "taken_out"
	}
	return "unknown"
}

type Result struct {
	Status Status
	// Err is set when a dropped task panicked.
	Err error
}

func (r Result) OK() bool { return r.Status == StatusComplete }

// Task is one unit of background work.
//
// Run executes on a worker goroutine and must not touch structures owned by
// the main goroutine. Apply executes on the goroutine calling Drain.
// Priority and IsCancelled may be called from any worker at any time.
type Task interface {
	Run(ctx *Context)
	Priority() Priority
	IsCancelled() bool
	Apply(r Result)
}

// SerialTask is implemented by tasks of which at most one may run at a time
// within a pool.
type SerialTask interface {
	Task
	IsSerial() bool
}

// Context is handed to Task.Run.
type Context struct {
	context.Context

	Scheduler *Scheduler
	Pool      string
	Worker    int

	status Status
}

// Postpone puts the task back in the queue once Run returns.
func (c *Context) Postpone() { c.status = StatusPostponed }

// TakeOut releases the pool from tracking the task once Run returns. The
// task is expected to have been re-enqueued or owned elsewhere.
func (c *Context) TakeOut() { c.status = StatusTakenOut }
