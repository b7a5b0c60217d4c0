package tasks

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/metrics"
)

const DefaultPriorityRefresh = 32 * time.Millisecond

type PoolConfig struct {
	Name    string
	Workers int
	// PriorityRefresh is how often queued priorities are recomputed and
	// cancelled tasks swept out.
	PriorityRefresh time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Streaming
}

type queued struct {
	task     Task
	priority Priority
}

type finished struct {
	task   Task
	result Result
}

// Pool is a set of worker goroutines consuming one priority queue. New tasks
// are staged and appended to the queue by workers. Priorities are computed
// and the queue sorted only every PriorityRefresh, so tasks pushed between
// two refreshes run newest first.
type Pool struct {
	name    string
	log     zerolog.Logger
	metrics *metrics.Streaming
	sched   *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	cond          *sync.Cond
	staged        []Task
	queue         []queued // ascending priority as of the last refresh, next task at the end
	refresh       rate.Sometimes
	serialRunning bool
	stopping      bool

	completedMu sync.Mutex
	completed   []finished

	// outstanding counts staged, queued and running tasks.
	outstanding atomic.Int64
	running     atomic.Int64

	wg sync.WaitGroup
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PriorityRefresh <= 0 {
		cfg.PriorityRefresh = DefaultPriorityRefresh
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		log:     cfg.Logger.With().Str("pool", cfg.Name).Logger(),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		refresh: rate.Sometimes{Interval: cfg.PriorityRefresh},
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Enqueue(ts ...Task) {
	if len(ts) == 0 {
		return
	}
	p.mu.Lock()
	p.outstanding.Add(int64(len(ts)))
	if p.stopping {
		p.mu.Unlock()
		for _, t := range ts {
			p.finish(t, Result{Status: StatusDropped})
		}
		return
	}
	p.staged = append(p.staged, ts...)
	p.mu.Unlock()
	if len(ts) == 1 {
		p.cond.Signal()
	} else {
		p.cond.Broadcast()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		if t.IsCancelled() {
			p.done(t, Result{Status: StatusDropped})
			continue
		}
		res := p.run(t, id)
		p.done(t, res)
	}
}

// next blocks until a task is available or the pool stops.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stopping {
			return nil, false
		}
		p.mergeStagedLocked()
		p.refresh.Do(p.refreshLocked)
		if t, ok := p.popLocked(); ok {
			p.running.Add(1)
			p.metrics.SetQueued(p.name, len(p.queue)+len(p.staged))
			return t, true
		}
		p.cond.Wait()
	}
}

// mergeStagedLocked appends staged tasks to the queue as they are. Their
// priority is computed on the next refresh.
func (p *Pool) mergeStagedLocked() {
	if len(p.staged) == 0 {
		return
	}
	for _, t := range p.staged {
		p.queue = append(p.queue, queued{task: t})
	}
	clear(p.staged)
	p.staged = p.staged[:0]
}

// refreshLocked recomputes priorities and sweeps cancelled tasks out of the
// queue so they do not sit there until they reach the front.
func (p *Pool) refreshLocked() {
	kept := p.queue[:0]
	var dropped []Task
	for _, q := range p.queue {
		if q.task.IsCancelled() {
			dropped = append(dropped, q.task)
			continue
		}
		q.priority = q.task.Priority()
		kept = append(kept, q)
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	slices.SortStableFunc(p.queue, func(a, b queued) int { return cmp.Compare(a.priority, b.priority) })
	for _, t := range dropped {
		p.finish(t, Result{Status: StatusDropped})
	}
}

func (p *Pool) popLocked() (Task, bool) {
	for i := len(p.queue) - 1; i >= 0; i-- {
		t := p.queue[i].task
		serial := isSerial(t)
		if serial && p.serialRunning {
			continue
		}
		if serial {
			p.serialRunning = true
		}
		copy(p.queue[i:], p.queue[i+1:])
		p.queue[len(p.queue)-1] = queued{}
		p.queue = p.queue[:len(p.queue)-1]
		return t, true
	}
	return nil, false
}

func isSerial(t Task) bool {
	s, ok := t.(SerialTask)
	return ok && s.IsSerial()
}

func (p *Pool) run(t Task, worker int) (res Result) {
	ctx := &Context{Context: p.ctx, Scheduler: p.sched, Pool: p.name, Worker: worker}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrPanicked, r)
			p.log.Error().Err(err).Int("worker", worker).Msg("task panicked")
			res = Result{Status: StatusDropped, Err: err}
		}
	}()
	t.Run(ctx)
	return Result{Status: ctx.status}
}

func (p *Pool) done(t Task, res Result) {
	p.running.Add(-1)
	if isSerial(t) {
		p.mu.Lock()
		p.serialRunning = false
		p.mu.Unlock()
		p.cond.Broadcast()
	}
	switch res.Status {
	case StatusPostponed:
		p.mu.Lock()
		if !p.stopping {
			p.staged = append(p.staged, t)
			p.mu.Unlock()
			p.cond.Signal()
			return
		}
		p.mu.Unlock()
		p.finish(t, Result{Status: StatusDropped})
	case StatusTakenOut:
		p.metrics.TaskFinished(p.name, res.Status.String())
		p.outstanding.Add(-1)
	default:
		p.finish(t, res)
	}
}

// finish queues a task for draining. Every staged task ends up here exactly
// once unless taken out.
func (p *Pool) finish(t Task, res Result) {
	p.completedMu.Lock()
	p.completed = append(p.completed, finished{task: t, result: res})
	p.completedMu.Unlock()
	p.metrics.TaskFinished(p.name, res.Status.String())
	p.outstanding.Add(-1)
}

// DrainCompleted hands every finished task to fn, on the calling goroutine,
// and returns how many were drained. Only one goroutine should drain a pool.
func (p *Pool) DrainCompleted(fn func(Task, Result)) int {
	p.completedMu.Lock()
	batch := p.completed
	p.completed = nil
	p.completedMu.Unlock()
	for _, f := range batch {
		fn(f.task, f.result)
	}
	return len(batch)
}

// Pending is the number of tasks not yet finished (staged, queued or running).
func (p *Pool) Pending() int { return int(p.outstanding.Load()) }

func (p *Pool) Running() int { return int(p.running.Load()) }

func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + len(p.staged)
}

// WaitIdle blocks until no task is staged, queued or running. Finished tasks
// may still be waiting to be drained.
func (p *Pool) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for p.outstanding.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close stops the workers after their current task. Tasks still queued are
// reported as dropped so their owners can clean up on the next drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.cancel()
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()

	p.mu.Lock()
	left := make([]Task, 0, len(p.queue)+len(p.staged))
	for _, q := range p.queue {
		left = append(left, q.task)
	}
	left = append(left, p.staged...)
	p.queue = nil
	p.staged = nil
	p.mu.Unlock()
	for _, t := range left {
		p.finish(t, Result{Status: StatusDropped})
	}
	p.metrics.SetQueued(p.name, 0)
}
