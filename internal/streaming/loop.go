package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/tasks"
)

var (
	ErrRunning = errors.New("streaming: already running")
	ErrClosed  = errors.New("streaming: controller closed")
)

// Run ticks the controller every interval until ctx is done. While it
// runs, every exported method is executed on its goroutine between ticks.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	c.mu.Lock()
	if c.inbox != nil {
		c.mu.Unlock()
		return ErrRunning
	}
	inbox := make(chan func())
	stopped := make(chan struct{})
	c.inbox, c.stopped = inbox, stopped
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.inbox, c.stopped = nil, nil
		close(stopped)
		// Callers that got their closure in before the stop still get it run.
		for {
			select {
			case fn := <-inbox:
				fn()
			default:
				return
			}
		}
	}()

	c.log.Info().Dur("interval", interval).Msg("streaming loop started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Uint64("tick", c.tick).Msg("streaming loop stopped")
			return ctx.Err()
		case fn := <-inbox:
			fn()
		case <-ticker.C:
			c.step()
		}
	}
}

// call runs fn on the goroutine owning the controller state: through the
// inbox while Run is active, inline otherwise.
func (c *Controller) call(fn func()) {
	for {
		c.mu.Lock()
		inbox, stopped := c.inbox, c.stopped
		if inbox == nil {
			fn()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		done := make(chan struct{})
		select {
		case inbox <- func() { fn(); close(done) }:
			<-done
			return
		case <-stopped:
		}
	}
}

// Subscribe returns a channel receiving the stats of every tick. Slow
// receivers only get the latest stats.
func (c *Controller) Subscribe() (<-chan Stats, func()) {
	ch := make(chan Stats, 1)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(st Stats) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		sendLatest(ch, st)
	}
}

func sendLatest(ch chan Stats, st Stats) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// SaveAll saves every edited resident block and then flushes the stream.
// The saves are chained through a dependency tracker, so the flush runs
// exactly once, after the last of them.
func (c *Controller) SaveAll(ctx context.Context) error {
	var done <-chan error
	c.call(func() { done = c.startSaveAll() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) startSaveAll() <-chan error {
	done := make(chan error, 1)
	if c.closed {
		done <- ErrClosed
		return done
	}
	errs := &errorList{}
	flush := &flushTask{stream: c.stream, errs: errs, done: done}

	var saves []tasks.Task
	for _, s := range c.lods {
		for _, pos := range s.blocks.Positions() {
			b, _ := s.blocks.Get(pos)
			if b == nil || !b.Edited {
				continue
			}
			b.Voxels.RLock()
			buf := b.Voxels.Clone(c.buffers)
			b.Voxels.RUnlock()
			b.Edited = false
			saves = append(saves, c.newSaveTask(s.lod, pos, buf, nil))
		}
	}
	if len(saves) == 0 {
		c.sched.Enqueue(tasks.IO, flush)
		return done
	}
	tracker := tasks.NewDependencyTracker(len(saves), []tasks.Task{flush}, c.sched.EnqueueFunc(tasks.IO))
	for _, t := range saves {
		st := t.(*saveTask)
		st.tracker = tracker
		st.errs = errs
	}
	c.log.Debug().Int("blocks", len(saves)).Msg("saving edited blocks")
	c.sched.Enqueue(tasks.IO, saves...)
	return done
}

// SetStream switches to another stream and returns the previous one, which
// the caller closes once the scheduler is idle. Every resident block is
// reloaded from the new stream; results still in flight for the old one are
// discarded when drained. Unsaved edits are lost, so call SaveAll first.
func (c *Controller) SetStream(s stream.Stream) (stream.Stream, error) {
	var old stream.Stream
	var err error
	c.call(func() { old, err = c.setStream(s) })
	return old, err
}

func (c *Controller) setStream(s stream.Stream) (stream.Stream, error) {
	if s == nil {
		s = stream.Null{Po2: c.po2, LODs: len(c.lods)}
	}
	if po2 := s.BlockSizePo2(); po2 != c.po2 {
		return nil, fmt.Errorf("%w: block size po2 %d, controller uses %d", stream.ErrIncompatibleMeta, po2, c.po2)
	}
	if s.UsedChannels() != 0 && s.LODCount() < len(c.lods) {
		return nil, fmt.Errorf("%w: stream has %d lods, terrain wants %d", stream.ErrIncompatibleMeta, s.LODCount(), len(c.lods))
	}
	old := c.stream
	c.stream = s
	c.generation++

	top := len(c.lods) - 1
	for root, o := range c.octrees {
		o.Clear(func(pos mathx.Vec3i, l int) {
			c.setMeshVisible(l, nodeBlock(root, top, pos, l), false)
		})
	}
	clear(c.octrees)
	for _, st := range c.lods {
		next := make(map[mathx.Vec3i]*loadingBlock, len(st.loading))
		for pos, lb := range st.loading {
			lb.cancelled.Store(true)
			next[pos] = &loadingBlock{viewers: lb.viewers}
		}
		for _, pos := range st.blocks.Positions() {
			b, _ := st.blocks.Remove(pos)
			if b == nil {
				continue
			}
			if b.Viewers() > 0 {
				next[pos] = &loadingBlock{viewers: b.Viewers()}
			}
			if !b.InFlight() {
				b.Voxels.Release()
			}
		}
		st.loading = next
		clear(st.meshes)
		clear(st.dirty)
		clear(st.saving)
	}
	c.triangles = 0
	c.unload = c.unload[:0]
	clear(c.lodUpdates)
	clear(c.changed)
	c.log.Info().Uint64("generation", c.generation).Msg("stream replaced, reloading resident blocks")
	return old, nil
}

// Close saves edits, drains finished tasks and closes the stats journal.
// The scheduler and the stream belong to the caller.
func (c *Controller) Close(ctx context.Context) error {
	err := c.SaveAll(ctx)
	if werr := c.sched.WaitIdle(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	c.call(func() {
		c.sched.Drain()
		c.closed = true
	})
	if c.journal != nil {
		err = errors.Join(err, c.journal.Close())
	}
	return err
}
