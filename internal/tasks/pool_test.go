package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type funcTask struct {
	run       func(*Context)
	prio      Priority
	cancelled atomic.Bool
	serial    bool
	result    Result
	applied   atomic.Int32
	prioCalls atomic.Int32
}

func (t *funcTask) Run(c *Context) {
	if t.run != nil {
		t.run(c)
	}
}
func (t *funcTask) Priority() Priority {
	t.prioCalls.Add(1)
	return t.prio
}
func (t *funcTask) IsCancelled() bool  { return t.cancelled.Load() }
func (t *funcTask) IsSerial() bool     { return t.serial }
func (t *funcTask) Apply(r Result) {
	t.result = r
	t.applied.Add(1)
}

func waitDrain(t *testing.T, p *Pool) []*funcTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitIdle(ctx))
	var out []*funcTask
	p.DrainCompleted(func(task Task, r Result) {
		ft := task.(*funcTask)
		ft.Apply(r)
		out = append(out, ft)
	})
	return out
}

func TestPoolRunsHighestPriorityFirst(t *testing.T) {
	// Refresh on every pick so the queue is always sorted.
	p := NewPool(PoolConfig{Name: "test", Workers: 1, PriorityRefresh: time.Nanosecond})
	defer p.Close()

	// Hold the single worker so every task below is queued before any runs.
	gate := make(chan struct{})
	p.Enqueue(&funcTask{run: func(*Context) { <-gate }, prio: MakePriority(BandSave, 0)})
	require.Eventually(t, func() bool { return p.Running() == 1 }, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	for i, d := range []float64{400, 1, 900, 25} {
		i := i
		p.Enqueue(&funcTask{
			prio: MakePriority(BandDefault, d),
			run: func(*Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		})
	}
	close(gate)
	waitDrain(t, p)
	require.Equal(t, []int{1, 3, 0, 2}, order)
}

func TestPoolSortsOnlyOnRefresh(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", Workers: 1, PriorityRefresh: time.Hour})
	defer p.Close()

	// The first pick spends the refresh; nothing is sorted for the next hour.
	gate := make(chan struct{})
	p.Enqueue(&funcTask{run: func(*Context) { <-gate }})
	require.Eventually(t, func() bool { return p.Running() == 1 }, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	var queued []*funcTask
	for i, d := range []float64{400, 1, 900, 25} {
		i := i
		ft := &funcTask{
			prio: MakePriority(BandDefault, d),
			run: func(*Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		}
		queued = append(queued, ft)
		p.Enqueue(ft)
	}
	close(gate)
	waitDrain(t, p)
	require.Equal(t, []int{3, 2, 1, 0}, order)
	for _, ft := range queued {
		require.Zero(t, ft.prioCalls.Load())
	}
}

func TestPoolDropsCancelledTasks(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", Workers: 2})
	defer p.Close()

	var ran atomic.Int32
	ts := make([]Task, 10)
	for i := range ts {
		ft := &funcTask{run: func(*Context) { ran.Add(1) }}
		ft.cancelled.Store(i%2 == 0)
		ts[i] = ft
	}
	p.Enqueue(ts...)
	done := waitDrain(t, p)
	require.Len(t, done, 10)
	require.Equal(t, int32(5), ran.Load())
	for _, ft := range done {
		if ft.cancelled.Load() {
			require.Equal(t, StatusDropped, ft.result.Status)
		} else {
			require.Equal(t, StatusComplete, ft.result.Status)
		}
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", Workers: 1})
	defer p.Close()

	p.Enqueue(&funcTask{run: func(*Context) { panic("boom") }})
	done := waitDrain(t, p)
	require.Len(t, done, 1)
	require.Equal(t, StatusDropped, done[0].result.Status)
	require.ErrorIs(t, done[0].result.Err, ErrPanicked)

	// The worker survived.
	p.Enqueue(&funcTask{})
	done = waitDrain(t, p)
	require.Len(t, done, 1)
	require.True(t, done[0].result.OK())
}

func TestPoolPostponeAndTakeOut(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", Workers: 1})
	defer p.Close()

	var runs atomic.Int32
	postponed := &funcTask{run: func(c *Context) {
		if runs.Add(1) < 3 {
			c.Postpone()
		}
	}}
	taken := &funcTask{run: func(c *Context) { c.TakeOut() }}
	p.Enqueue(postponed, taken)

	done := waitDrain(t, p)
	require.Len(t, done, 1)
	require.Same(t, postponed, done[0])
	require.Equal(t, int32(3), runs.Load())
	require.Zero(t, taken.applied.Load())
}

func TestPoolSerialTasksDoNotOverlap(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", Workers: 4})
	defer p.Close()

	var active, peak atomic.Int32
	ts := make([]Task, 20)
	for i := range ts {
		ts[i] = &funcTask{serial: true, run: func(*Context) {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}}
	}
	p.Enqueue(ts...)
	require.Len(t, waitDrain(t, p), 20)
	require.Equal(t, int32(1), peak.Load())
}

func TestPoolCloseDropsQueued(t *testing.T) {
	p := NewPool(PoolConfig{Name: "test", Workers: 1})

	gate := make(chan struct{})
	p.Enqueue(&funcTask{run: func(*Context) { <-gate }})
	require.Eventually(t, func() bool { return p.Running() == 1 }, time.Second, time.Millisecond)
	p.Enqueue(&funcTask{}, &funcTask{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	p.Close()

	// Enqueue after close is reported as dropped as well.
	p.Enqueue(&funcTask{})

	var statuses []Status
	p.DrainCompleted(func(_ Task, r Result) { statuses = append(statuses, r.Status) })
	require.ElementsMatch(t, []Status{StatusComplete, StatusDropped, StatusDropped, StatusDropped}, statuses)
	require.Zero(t, p.Pending())
}
