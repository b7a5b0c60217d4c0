package tasks

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DependencyTracker counts down the completion of N tasks and enqueues a
// batch of follow-up tasks when the last one reports. The tracker owns the
// follow-ups because which task finishes last is only known at run time.
//
// Tasks depending on an aborted tracker skip their work but still call
// PostComplete exactly once.
type DependencyTracker struct {
	remaining atomic.Int32
	aborted   atomic.Bool

	mu      sync.Mutex
	next    []Task
	enqueue func([]Task)
	fired   atomic.Bool
}

// NewDependencyTracker expects n PostComplete calls. When the count reaches
// zero, next is handed to enqueue (if both are set). n must be at least 1.
func NewDependencyTracker(n int, next []Task, enqueue func([]Task)) *DependencyTracker {
	if n <= 0 {
		panic(fmt.Sprintf("tasks: dependency tracker needs a positive count, got %d", n))
	}
	t := &DependencyTracker{next: next, enqueue: enqueue}
	t.remaining.Store(int32(n))
	return t
}

// PostComplete reports one finished dependency. The call that brings the
// count to exactly zero enqueues the follow-ups.
func (t *DependencyTracker) PostComplete() {
	v := t.remaining.Add(-1)
	if v > 0 {
		return
	}
	if v < 0 {
		panic("tasks: PostComplete called more times than the tracker count")
	}
	t.fired.Store(true)
	t.mu.Lock()
	next, enqueue := t.next, t.enqueue
	t.next = nil
	t.mu.Unlock()
	if len(next) > 0 && enqueue != nil {
		enqueue(next)
	}
}

// Abort marks the tracker as aborted. It never un-aborts.
func (t *DependencyTracker) Abort() { t.aborted.Store(true) }

func (t *DependencyTracker) IsAborted() bool { return t.aborted.Load() }

func (t *DependencyTracker) IsComplete() bool { return t.remaining.Load() == 0 }

func (t *DependencyTracker) Remaining() int { return int(t.remaining.Load()) }

// Fired reports whether the follow-up batch has been handed off.
func (t *DependencyTracker) Fired() bool { return t.fired.Load() }
