package streaming

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/mesh"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/store"
	"voxelstream.ai/internal/tasks"
	"voxelstream.ai/internal/voxel"
)

const maxSaveAttempts = 3

func (c *Controller) priority(l uint8, pos mathx.Vec3i, band uint8) tasks.PriorityDependency {
	shift := c.po2 + uint(l)
	half := float64(int(1)<<shift) / 2
	center := voxel.BlockToVoxel(pos, shift).ToFloat().Add(mgl64.Vec3{half, half, half})
	return tasks.PriorityDependency{
		Viewers:        &c.shared,
		Center:         center,
		DropDistanceSq: c.dropDistanceSq(l, 0),
		Band:           band,
	}
}

// streamHas reports whether blocks of this LOD can come from the stream at
// all. Otherwise they go straight to the generator.
func (c *Controller) streamHas(l uint8) bool {
	return c.stream.UsedChannels() != 0 && int(l) < c.stream.LODCount()
}

type loadRequest struct {
	pos   mathx.Vec3i
	block *loadingBlock
	buf   *voxel.Buffer
	found bool
}

// issueLoads requests every wanted block that has no request in flight,
// in batches of nearby blocks.
func (c *Controller) issueLoads() {
	for _, s := range c.lods {
		var reqs []loadRequest
		for pos, lb := range s.loading {
			if lb.requested || lb.retryAt > c.tick {
				continue
			}
			if _, ok := s.saving[pos]; ok {
				continue
			}
			lb.requested = true
			reqs = append(reqs, loadRequest{pos: pos, block: lb})
		}
		if len(reqs) == 0 {
			continue
		}
		sort.Slice(reqs, func(i, j int) bool { return reqs[i].pos.Less(reqs[j].pos) })
		if !c.streamHas(s.lod) {
			for _, r := range reqs {
				c.sched.Enqueue(tasks.Compute, c.newGenerateTask(s.lod, r))
			}
			continue
		}
		for len(reqs) > 0 {
			n := mathx.MinInt(len(reqs), c.settings.BatchCount)
			prio := c.priority(s.lod, reqs[0].pos, tasks.BandDefault)
			// The batch spreads over up to n blocks from the first one.
			prio.DropDistanceSq = c.dropDistanceSq(s.lod, n)
			c.sched.Enqueue(tasks.IO, &loadTask{
				c:          c,
				stream:     c.stream,
				generation: c.generation,
				lod:        s.lod,
				reqs:       reqs[:n:n],
				prio:       prio,
			})
			reqs = reqs[n:]
		}
	}
}

// retryLater puts a failed request back for another attempt after the
// retry delay. The block is never treated as empty meanwhile.
func (c *Controller) retryLater(lb *loadingBlock) {
	lb.requested = false
	lb.retryAt = c.tick + uint64(c.settings.RetryTicks)
}

// loadTask reads a batch of blocks of one LOD from the stream.
type loadTask struct {
	c          *Controller
	stream     stream.Stream
	generation uint64
	lod        uint8
	reqs       []loadRequest
	prio       tasks.PriorityDependency
	err        error
}

func (t *loadTask) Priority() tasks.Priority { return t.prio.Priority() }

func (t *loadTask) IsCancelled() bool {
	if t.prio.TooFar() {
		return true
	}
	for _, r := range t.reqs {
		if !r.block.cancelled.Load() {
			return false
		}
	}
	return true
}

func (t *loadTask) Run(ctx *tasks.Context) {
	size := t.c.blockSize()
	qs := make([]stream.Query, 0, len(t.reqs))
	idx := make([]int, 0, len(t.reqs))
	for i := range t.reqs {
		if t.reqs[i].block.cancelled.Load() {
			continue
		}
		buf := voxel.NewCube(size, t.c.format, t.c.buffers)
		t.reqs[i].buf = buf
		qs = append(qs, stream.Query{Pos: t.reqs[i].pos, LOD: t.lod, Voxels: buf})
		idx = append(idx, i)
	}
	start := time.Now()
	t.err = stream.LoadBlocks(ctx, t.stream, qs)
	t.c.metrics.ObserveOp("block_load", time.Since(start))
	for k, i := range idx {
		t.reqs[i].found = qs[k].Result == stream.ResultFound
	}
}

func (t *loadTask) Apply(r tasks.Result) {
	c := t.c
	stale := t.generation != c.generation
	if !stale && (t.err != nil || r.Err != nil) {
		err := errors.Join(t.err, r.Err)
		c.loadErrors++
		c.log.Warn().Err(err).Uint8("lod", t.lod).Int("blocks", len(t.reqs)).
			Int("retry_ticks", c.settings.RetryTicks).Msg("block load failed")
	}
	for _, req := range t.reqs {
		s := c.lods[t.lod]
		if stale || s.loading[req.pos] != req.block {
			c.discard(req.buf)
			continue
		}
		switch {
		case !r.OK() || t.err != nil || req.buf == nil:
			c.discard(req.buf)
			c.retryLater(req.block)
		case req.found:
			delete(s.loading, req.pos)
			c.insertBlock(t.lod, req.pos, req.buf, req.block.viewers)
		default:
			// Not stored: the loaded buffer is still blank, generate into it.
			c.sched.Enqueue(tasks.Compute, c.newGenerateTask(t.lod, req))
		}
	}
}

func (c *Controller) discard(buf *voxel.Buffer) {
	c.discarded++
	if buf != nil {
		buf.Release()
	}
}

// generateTask fills one block from the generator.
type generateTask struct {
	c          *Controller
	generation uint64
	lod        uint8
	req        loadRequest
	prio       tasks.PriorityDependency
	err        error
}

func (c *Controller) newGenerateTask(l uint8, req loadRequest) *generateTask {
	return &generateTask{c: c, generation: c.generation, lod: l, req: req, prio: c.priority(l, req.pos, tasks.BandDefault)}
}

func (t *generateTask) Priority() tasks.Priority { return t.prio.Priority() }

func (t *generateTask) IsCancelled() bool {
	return t.req.block.cancelled.Load() || t.prio.TooFar()
}

func (t *generateTask) Run(*tasks.Context) {
	if t.req.buf == nil {
		t.req.buf = voxel.NewCube(t.c.blockSize(), t.c.format, t.c.buffers)
	}
	start := time.Now()
	origin := voxel.BlockToVoxel(t.req.pos, t.c.po2+uint(t.lod))
	t.err = t.c.gen.Generate(t.req.buf, origin, t.lod)
	t.c.metrics.ObserveOp("generate", time.Since(start))
}

func (t *generateTask) Apply(r tasks.Result) {
	c := t.c
	s := c.lods[t.lod]
	if t.generation != c.generation || s.loading[t.req.pos] != t.req.block {
		c.discard(t.req.buf)
		return
	}
	if !r.OK() || t.err != nil {
		if t.err != nil || r.Err != nil {
			c.log.Warn().Err(errors.Join(t.err, r.Err)).Stringer("pos", t.req.pos).Uint8("lod", t.lod).Msg("block generation failed")
		}
		c.discard(t.req.buf)
		c.retryLater(t.req.block)
		return
	}
	delete(s.loading, t.req.pos)
	c.insertBlock(t.lod, t.req.pos, t.req.buf, t.req.block.viewers)
}

// issueMeshes starts a mesh build for every dirty block whose neighbours
// are settled and which is not already being built.
func (c *Controller) issueMeshes() {
	if c.mesher == nil {
		return
	}
	for _, s := range c.lods {
		for pos := range s.dirty {
			mb := s.meshes[pos]
			if mb == nil {
				delete(s.dirty, pos)
				continue
			}
			if mb.meshing || !c.neighborsSettled(s, pos) {
				continue
			}
			delete(s.dirty, pos)
			c.sched.Enqueue(tasks.Compute, c.newMeshTask(s, pos, mb))
		}
	}
}

// meshTask builds the mesh of one block from a padded copy of its Moore
// neighbourhood. The neighbour blocks are pinned until the result is
// applied so that their buffers are neither replaced nor released.
type meshTask struct {
	c          *Controller
	generation uint64
	lod        uint8
	pos        mathx.Vec3i
	mb         *meshBlock
	version    uint32
	pinned     []*store.DataBlock
	srcs       []voxel.Neighbor
	prio       tasks.PriorityDependency
	out        mesh.Output
	err        error
}

func (c *Controller) newMeshTask(s *lodState, pos mathx.Vec3i, mb *meshBlock) *meshTask {
	t := &meshTask{
		c:          c,
		generation: c.generation,
		lod:        s.lod,
		pos:        pos,
		mb:         mb,
		version:    mb.version,
		prio:       c.priority(s.lod, pos, tasks.BandHigh),
	}
	forMoore(pos, func(n mathx.Vec3i) {
		if b, ok := s.blocks.Get(n); ok {
			b.BeginTask()
			t.pinned = append(t.pinned, b)
			t.srcs = append(t.srcs, voxel.Neighbor{Pos: n, Buf: b.Voxels})
		}
	})
	mb.meshing = true
	return t
}

func (t *meshTask) Priority() tasks.Priority { return t.prio.Priority() }

func (t *meshTask) IsCancelled() bool { return t.prio.TooFar() }

func (t *meshTask) Run(*tasks.Context) {
	c := t.c
	pad := c.mesher.Padding()
	size := c.blockSize()
	padded := voxel.NewCube(size+2*pad, c.format, c.buffers)
	defer padded.Release()

	min := voxel.BlockToVoxel(t.pos, c.po2).Sub(mathx.Splat(pad))
	unlock := voxel.LockNeighborhood(t.srcs)
	store.CopyBlocks(min, padded, c.po2, c.format, c.mesher.UsedChannels(), t.srcs)
	unlock()

	start := time.Now()
	t.out, t.err = c.mesher.Build(mesh.Input{
		Voxels: padded,
		Origin: voxel.BlockToVoxel(t.pos, c.po2+uint(t.lod)),
		LOD:    t.lod,
	})
	c.metrics.ObserveOp("mesh", time.Since(start))
}

func (t *meshTask) Apply(r tasks.Result) {
	c := t.c
	for _, b := range t.pinned {
		b.EndTask()
	}
	s := c.lods[t.lod]
	if t.generation != c.generation || s.meshes[t.pos] != t.mb {
		c.discarded++
		return
	}
	t.mb.meshing = false
	if !r.OK() || t.err != nil {
		if t.err != nil || r.Err != nil {
			c.log.Warn().Err(errors.Join(t.err, r.Err)).Stringer("pos", t.pos).Uint8("lod", t.lod).Msg("mesh build failed")
		}
		s.dirty[t.pos] = struct{}{}
		return
	}
	c.triangles += t.out.TriangleCount() - t.mb.mesh.TriangleCount()
	t.mb.mesh = t.out
	if t.mb.version == t.version {
		t.mb.state = meshUpToDate
	}
}

// saveTask writes one block. It owns buf. Tasks of a SaveAll report to a
// tracker whose follow-up flushes the stream.
type saveTask struct {
	c          *Controller
	stream     stream.Stream
	generation uint64
	lod      uint8
	pos      mathx.Vec3i
	buf      *voxel.Buffer
	tracker  *tasks.DependencyTracker
	errs     *errorList
	attempts int
	prio     tasks.PriorityDependency
	err      error
	posted   sync.Once
}

func (c *Controller) newSaveTask(l uint8, pos mathx.Vec3i, buf *voxel.Buffer, tracker *tasks.DependencyTracker) *saveTask {
	return &saveTask{c: c, stream: c.stream, generation: c.generation, lod: l, pos: pos, buf: buf, tracker: tracker, prio: c.priority(l, pos, tasks.BandSave)}
}

func (t *saveTask) Priority() tasks.Priority { return t.prio.Priority() }

func (t *saveTask) IsCancelled() bool { return false }

func (t *saveTask) complete() {
	if t.tracker != nil {
		t.posted.Do(t.tracker.PostComplete)
	}
}

func (t *saveTask) Run(ctx *tasks.Context) {
	defer t.complete()
	if t.tracker != nil && t.tracker.IsAborted() {
		t.err = errAborted
		return
	}
	start := time.Now()
	t.err = t.stream.SaveBlock(ctx, t.pos, t.lod, t.buf)
	t.c.metrics.ObserveOp("block_save", time.Since(start))
	if t.err != nil {
		if t.errs != nil {
			t.errs.add(fmt.Errorf("save %v lod %d: %w", t.pos, t.lod, t.err))
		}
		if t.tracker != nil && errors.Is(t.err, stream.ErrClosed) {
			t.tracker.Abort()
		}
	}
}

var errAborted = errors.New("streaming: save skipped after an earlier failure")

func (t *saveTask) Apply(r tasks.Result) {
	c := t.c
	if !r.OK() && t.err == nil {
		t.err = fmt.Errorf("save %v lod %d: task %s", t.pos, t.lod, r.Status)
		if r.Err != nil {
			t.err = fmt.Errorf("save %v lod %d: %w", t.pos, t.lod, r.Err)
		}
		if t.errs != nil {
			t.errs.add(t.err)
		}
	}
	t.complete()
	switch {
	case t.err == nil:
		c.saveDone(t, false)
	case t.tracker != nil:
		// SaveAll wrote a copy; the resident block is saved again later.
		c.markEdited(t.lod, t.pos)
		t.buf.Release()
	default:
		t.attempts++
		if t.attempts >= maxSaveAttempts || t.stream != c.stream {
			c.log.Error().Err(t.err).Stringer("pos", t.pos).Uint8("lod", t.lod).Int("attempts", t.attempts).Msg("giving up on saving unloaded block")
			c.saveDone(t, true)
			return
		}
		c.log.Warn().Err(t.err).Stringer("pos", t.pos).Uint8("lod", t.lod).Msg("block save failed, retrying")
		t.err = nil
		c.sched.Enqueue(tasks.IO, t)
	}
}

// saveDone ends the save of an unloaded block. If a viewer wants the block
// again, the saved buffer becomes resident instead of being loaded back; a
// buffer whose save failed stays edited.
func (c *Controller) saveDone(t *saveTask, failed bool) {
	s := c.lods[t.lod]
	if t.generation != c.generation || s.saving[t.pos] != t {
		t.buf.Release()
		return
	}
	delete(s.saving, t.pos)
	lb, ok := s.loading[t.pos]
	if !ok {
		t.buf.Release()
		return
	}
	delete(s.loading, t.pos)
	c.insertBlock(t.lod, t.pos, t.buf, lb.viewers)
	if failed {
		c.markEdited(t.lod, t.pos)
	}
}

func (c *Controller) markEdited(l uint8, pos mathx.Vec3i) {
	if b, ok := c.lods[l].blocks.Get(pos); ok {
		b.Edited = true
	}
}

type errorList struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorList) add(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errorList) join() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// flushTask runs after every save of a SaveAll and reports the outcome.
type flushTask struct {
	stream stream.Stream
	errs   *errorList
	done   chan error
	once   sync.Once
}

func (t *flushTask) Priority() tasks.Priority { return tasks.MakePriority(tasks.BandSave, 0) }

func (t *flushTask) IsCancelled() bool { return false }

// IsSerial keeps two flushes from overlapping.
func (t *flushTask) IsSerial() bool { return true }

func (t *flushTask) Run(ctx *tasks.Context) {
	err := t.stream.Flush(ctx)
	t.signal(errors.Join(t.errs.join(), err))
}

func (t *flushTask) Apply(r tasks.Result) {
	if !r.OK() {
		t.signal(fmt.Errorf("streaming: flush %s: %w", r.Status, errors.Join(t.errs.join(), r.Err, errFlushDropped)))
	}
}

var errFlushDropped = errors.New("flush did not run")

func (t *flushTask) signal(err error) {
	t.once.Do(func() { t.done <- err })
}
