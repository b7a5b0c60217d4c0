package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/voxel"
)

// Kind selects the pool a task runs on.
type Kind uint8

const (
	// IO tasks read and write streams. They are few and mostly blocked.
	IO Kind = iota
	// Compute tasks generate, mesh and downscale.
	Compute
)

func (k Kind) String() string {
	if k == IO {
		return "io"
	}
	return "compute"
}

type Config struct {
	IOWorkers       int
	ComputeWorkers  int
	PriorityRefresh time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Streaming
	// Buffers is shared by tasks allocating voxel buffers. Nil disables pooling.
	Buffers *voxel.Pool
}

type Stats struct {
	IOQueued       int
	IORunning      int
	ComputeQueued  int
	ComputeRunning int
}

// Scheduler owns the IO and compute pools. Results of both are applied by
// whoever calls Drain, normally the streaming loop.
type Scheduler struct {
	io      *Pool
	compute *Pool
	buffers *voxel.Pool
	log     zerolog.Logger
}

func New(cfg Config) *Scheduler {
	if cfg.IOWorkers <= 0 {
		cfg.IOWorkers = 1
	}
	if cfg.ComputeWorkers <= 0 {
		cfg.ComputeWorkers = 2
	}
	s := &Scheduler{buffers: cfg.Buffers, log: cfg.Logger.With().Str("component", "tasks").Logger()}
	s.io = NewPool(PoolConfig{
		Name:            IO.String(),
		Workers:         cfg.IOWorkers,
		PriorityRefresh: cfg.PriorityRefresh,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	s.compute = NewPool(PoolConfig{
		Name:            Compute.String(),
		Workers:         cfg.ComputeWorkers,
		PriorityRefresh: cfg.PriorityRefresh,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	s.io.sched = s
	s.compute.sched = s
	return s
}

func (s *Scheduler) pool(k Kind) *Pool {
	if k == IO {
		return s.io
	}
	return s.compute
}

func (s *Scheduler) Enqueue(k Kind, ts ...Task) { s.pool(k).Enqueue(ts...) }

// EnqueueFunc returns an enqueue callback bound to one pool, suitable for a
// DependencyTracker.
func (s *Scheduler) EnqueueFunc(k Kind) func([]Task) {
	p := s.pool(k)
	return func(ts []Task) { p.Enqueue(ts...) }
}

// Drain applies every finished task of both pools and returns the count.
func (s *Scheduler) Drain() int {
	apply := func(t Task, r Result) { t.Apply(r) }
	return s.io.DrainCompleted(apply) + s.compute.DrainCompleted(apply)
}

// WaitIdle waits until both pools have nothing staged, queued or running.
// IO tasks may enqueue compute tasks and the other way round, so it loops
// until both are idle at once.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		if err := s.io.WaitIdle(ctx); err != nil {
			return err
		}
		if err := s.compute.WaitIdle(ctx); err != nil {
			return err
		}
		if s.io.Pending() == 0 && s.compute.Pending() == 0 {
			return nil
		}
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		IOQueued:       s.io.Queued(),
		IORunning:      s.io.Running(),
		ComputeQueued:  s.compute.Queued(),
		ComputeRunning: s.compute.Running(),
	}
}

func (s *Scheduler) Buffers() *voxel.Pool { return s.buffers }

// Close stops both pools. Tasks that never ran are reported as dropped on
// the next Drain.
func (s *Scheduler) Close() {
	s.io.Close()
	s.compute.Close()
	s.log.Debug().Msg("task pools stopped")
}
