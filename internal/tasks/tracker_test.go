package tasks

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countTask struct {
	ran     *atomic.Int32
	applied atomic.Int32
}

func (t *countTask) Run(*Context) { t.ran.Add(1) }
func (t *countTask) Priority() Priority { return 0 }
func (t *countTask) IsCancelled() bool { return false }
func (t *countTask) Apply(r Result) { t.applied.Add(1) }

func TestDependencyTrackerFiresOnceUnderContention(t *testing.T) {
	const n = 2000
	var enqueued atomic.Int32
	var ran atomic.Int32
	follow := []Task{&countTask{ran: &ran}, &countTask{ran: &ran}}
	tr := NewDependencyTracker(n, follow, func(ts []Task) {
		enqueued.Add(int32(len(ts)))
	})

	var g errgroup.Group
	g.SetLimit(16)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			tr.PostComplete()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.True(t, tr.IsComplete())
	require.True(t, tr.Fired())
	require.Equal(t, int32(2), enqueued.Load())
	require.Equal(t, 0, tr.Remaining())
}

func TestDependencyTrackerAbortStillFires(t *testing.T) {
	fired := 0
	tr := NewDependencyTracker(2, []Task{&countTask{ran: new(atomic.Int32)}}, func([]Task) { fired++ })
	tr.Abort()
	tr.PostComplete()
	require.Equal(t, 0, fired)
	tr.PostComplete()
	require.Equal(t, 1, fired)
	require.True(t, tr.IsAborted())
}

func TestDependencyTrackerOverCompletePanics(t *testing.T) {
	tr := NewDependencyTracker(1, nil, nil)
	tr.PostComplete()
	require.Panics(t, tr.PostComplete)
	require.Panics(t, func() { NewDependencyTracker(0, nil, nil) })
}

func TestDependencyTrackerChainsThroughScheduler(t *testing.T) {
	s := New(Config{IOWorkers: 2, ComputeWorkers: 2})
	defer s.Close()

	var ran atomic.Int32
	follow := &countTask{ran: &ran}
	const n = 64
	tr := NewDependencyTracker(n, []Task{follow}, s.EnqueueFunc(Compute))
	deps := make([]Task, n)
	for i := range deps {
		deps[i] = &funcTask{run: func(*Context) { tr.PostComplete() }}
	}
	s.Enqueue(IO, deps...)

	require.NoError(t, s.WaitIdle(t.Context()))
	require.Equal(t, n+1, s.Drain())
	require.Equal(t, int32(1), ran.Load())
	require.Equal(t, int32(1), follow.applied.Load())
}
