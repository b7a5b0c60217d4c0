// Package streaming keeps the blocks around a set of moving viewers resident
// at the right level of detail. All state is owned by one goroutine: either
// the one running Run, or the callers of the exported methods when Run is
// not active. Workers only ever hand results back through the scheduler.
package streaming

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"voxelstream.ai/internal/gen"
	"voxelstream.ai/internal/lod"
	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/mesh"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/journal"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/store"
	"voxelstream.ai/internal/tasks"
	"voxelstream.ai/internal/voxel"
)

const (
	DefaultBlockSizePo2 = 4
	DefaultRetryTicks   = 30
	DefaultBatchCount   = 8
)

// Settings are the terrain parameters of a controller. Distances are in
// LOD-0 voxels.
type Settings struct {
	LODCount     int
	LODDistance  int
	ViewDistance int
	// Bounds limits which blocks may ever be loaded. An empty box means no
	// limit.
	Bounds     mathx.Box3i
	RetryTicks int
	BatchCount int
}

type Options struct {
	Settings  Settings
	Scheduler *tasks.Scheduler
	Generator gen.Generator
	// Stream is where blocks are loaded from and saved to. Nil means pure
	// generation.
	Stream stream.Stream
	// Mesher is optional. Without one the octree only waits for data.
	Mesher  mesh.Mesher
	Logger  zerolog.Logger
	Metrics *metrics.Streaming
	// Journal, when set, receives the stats of every tick.
	Journal *journal.Journal[Stats]
}

type lodState struct {
	lod     uint8
	blocks  *store.Map
	loading map[mathx.Vec3i]*loadingBlock
	meshes  map[mathx.Vec3i]*meshBlock
	// dirty lists mesh blocks waiting to be (re)built.
	dirty map[mathx.Vec3i]struct{}
	// saving holds the saves of unloaded edited blocks still in flight.
	// A position in here is not loaded again until its save is applied.
	saving map[mathx.Vec3i]*saveTask
}

// loadingBlock is a block some viewer wants that is not resident yet. The
// pointer identifies one request: a task result only applies if the entry
// it was issued for is still the current one.
type loadingBlock struct {
	viewers   uint32
	requested bool
	retryAt   uint64
	cancelled atomic.Bool
}

type meshState uint8

const (
	meshPending meshState = iota
	meshUpToDate
)

type meshBlock struct {
	state   meshState
	visible bool
	meshing bool
	// version is bumped whenever the block needs a rebuild, so a result
	// built from older voxels does not mark it up to date.
	version uint32
	mesh    mesh.Output
}

type blockRef struct {
	lod uint8
	pos mathx.Vec3i
}

type Controller struct {
	log      zerolog.Logger
	metrics  *metrics.Streaming
	sched    *tasks.Scheduler
	buffers  *voxel.Pool
	gen      gen.Generator
	mesher   mesh.Mesher
	journal  *journal.Journal[Stats]
	settings Settings
	po2      uint
	format   voxel.Format

	// Everything below is owned by the controller goroutine.
	stream     stream.Stream
	generation uint64
	tick       uint64
	lods       []*lodState
	viewers    map[ViewerID]*viewer
	nextViewer ViewerID
	octrees    map[mathx.Vec3i]*lod.Octree
	unload     []blockRef
	lodUpdates map[mathx.Vec3i]struct{}
	changed    map[mathx.Vec3i]struct{}
	triangles  int
	splits     int
	joins      int
	loadErrors uint64
	discarded  uint64
	last       Stats

	shared tasks.SharedViewers

	mu       sync.Mutex
	inbox    chan func()
	stopped  chan struct{}
	closed   bool
	subMu    sync.Mutex
	subs     map[int]chan Stats
	nextSub  int
	warnOnce sync.Once
}

func New(opts Options) (*Controller, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("streaming: a scheduler is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("streaming: a generator is required")
	}
	set := opts.Settings
	if set.LODCount <= 0 {
		set.LODCount = 1
	}
	if set.LODDistance <= 0 {
		set.LODDistance = 48
	}
	if set.ViewDistance <= 0 {
		set.ViewDistance = 512
	}
	if set.RetryTicks <= 0 {
		set.RetryTicks = DefaultRetryTicks
	}
	if set.BatchCount <= 0 {
		set.BatchCount = DefaultBatchCount
	}
	st := opts.Stream
	if st == nil {
		st = stream.Null{Po2: DefaultBlockSizePo2, LODs: set.LODCount}
	}
	po2 := st.BlockSizePo2()
	if po2 == 0 {
		po2 = DefaultBlockSizePo2
	}
	if st.UsedChannels() != 0 && st.LODCount() < set.LODCount {
		return nil, fmt.Errorf("%w: stream has %d lods, terrain wants %d", stream.ErrIncompatibleMeta, st.LODCount(), set.LODCount)
	}

	c := &Controller{
		log:        opts.Logger.With().Str("component", "streaming").Logger(),
		metrics:    opts.Metrics,
		sched:      opts.Scheduler,
		buffers:    opts.Scheduler.Buffers(),
		gen:        opts.Generator,
		mesher:     opts.Mesher,
		journal:    opts.Journal,
		settings:   set,
		po2:        po2,
		format:     formatFor(st),
		stream:     st,
		viewers:    map[ViewerID]*viewer{},
		octrees:    map[mathx.Vec3i]*lod.Octree{},
		lodUpdates: map[mathx.Vec3i]struct{}{},
		changed:    map[mathx.Vec3i]struct{}{},
		subs:       map[int]chan Stats{},
	}
	c.lods = make([]*lodState, set.LODCount)
	for i := range c.lods {
		c.lods[i] = &lodState{
			lod:     uint8(i),
			blocks:  store.NewMap(uint8(i), po2, c.format, c.buffers),
			loading: map[mathx.Vec3i]*loadingBlock{},
			meshes:  map[mathx.Vec3i]*meshBlock{},
			dirty:   map[mathx.Vec3i]struct{}{},
			saving:  map[mathx.Vec3i]*saveTask{},
		}
	}
	return c, nil
}

func formatFor(s stream.Stream) voxel.Format {
	if dp, ok := s.(stream.DepthProvider); ok {
		return voxel.FormatForDepths(dp.ChannelDepths())
	}
	return voxel.DefaultFormat()
}

func (c *Controller) BlockSizePo2() uint { return c.po2 }

func (c *Controller) LODCount() int { return len(c.lods) }

func (c *Controller) Format() voxel.Format { return c.format }

// Settings returns the effective settings, defaults filled in.
func (c *Controller) Settings() Settings { return c.settings }

func (c *Controller) blockSize() int { return 1 << c.po2 }

// Tick advances the controller by one step and returns its stats. It must
// not be called while Run is active.
func (c *Controller) Tick() Stats {
	var st Stats
	c.call(func() { st = c.step() })
	return st
}

func (c *Controller) step() Stats {
	start := time.Now()
	c.tick++
	c.splits, c.joins = 0, 0

	c.publishViewers()
	for _, v := range c.sortedViewers() {
		c.updateViewer(v)
	}
	c.processUnloads()
	c.sched.Drain()
	c.processLODUpdates()
	c.updateOctrees()
	c.issueLoads()
	c.issueMeshes()
	c.notifySinks()

	st := c.collectStats()
	st.TickMillis = float64(time.Since(start).Microseconds()) / 1000
	c.last = st
	c.metrics.ObserveTick(time.Since(start))
	if c.journal != nil {
		if err := c.journal.Write(st); err != nil {
			c.warnOnce.Do(func() { c.log.Warn().Err(err).Msg("stats journal write failed") })
		}
	}
	c.publish(st)
	return st
}

// insertBlock makes a loaded or generated buffer resident.
func (c *Controller) insertBlock(l uint8, pos mathx.Vec3i, buf *voxel.Buffer, viewers uint32) {
	s := c.lods[l]
	b, err := s.blocks.Insert(pos, buf)
	if err != nil {
		c.log.Error().Err(err).Stringer("pos", pos).Uint8("lod", l).Msg("dropping block result")
		buf.Release()
		return
	}
	b.SetViewers(viewers)
	if c.mesher != nil {
		if _, ok := s.meshes[pos]; !ok {
			s.meshes[pos] = &meshBlock{}
		}
		forMoore(pos, func(n mathx.Vec3i) { c.markMeshDirty(l, n) })
	}
	if l == 0 {
		c.changed[pos] = struct{}{}
	}
}

// processUnloads drops blocks no viewer wants any more. Blocks still
// referenced by a task wait for a later tick. Edited blocks are saved
// first.
func (c *Controller) processUnloads() {
	keep := c.unload[:0]
	for _, r := range c.unload {
		s := c.lods[r.lod]
		b, ok := s.blocks.Get(r.pos)
		if !ok || b.Viewers() > 0 {
			continue
		}
		if b.InFlight() {
			keep = append(keep, r)
			continue
		}
		s.blocks.Remove(r.pos)
		c.dropMesh(r.lod, r.pos)
		if r.lod == 0 {
			delete(c.lodUpdates, r.pos)
			delete(c.changed, r.pos)
		}
		if b.Edited {
			t := c.newSaveTask(r.lod, r.pos, b.Voxels, nil)
			s.saving[r.pos] = t
			c.sched.Enqueue(tasks.IO, t)
			continue
		}
		b.Voxels.Release()
	}
	clear(c.unload[len(keep):])
	c.unload = keep
}

// processLODUpdates re-derives the coarser mirrors of edited LOD-0 blocks.
// Mirrors that are not resident are skipped.
func (c *Controller) processLODUpdates() {
	if len(c.lodUpdates) == 0 {
		return
	}
	positions := make([]mathx.Vec3i, 0, len(c.lodUpdates))
	for p := range c.lodUpdates {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Less(positions[j]) })
	clear(c.lodUpdates)

	half := c.blockSize() / 2
	for _, p := range positions {
		child, ok := c.lods[0].blocks.Get(p)
		if !ok {
			continue
		}
		child.NeedsLodUpdate = false
		for l := 1; l < len(c.lods); l++ {
			pp := p.Shr(1)
			parent, ok := c.lods[l].blocks.Get(pp)
			if !ok {
				break
			}
			child.Voxels.RLock()
			parent.Voxels.Lock()
			child.Voxels.DownscaleInto(parent.Voxels, p.And(1).Mul(half), voxel.AllChannels)
			parent.Voxels.Unlock()
			child.Voxels.RUnlock()
			parent.Edited = true
			c.markMeshDirty(uint8(l), pp)
			child, p = parent, pp
		}
	}
}

func (c *Controller) markMeshDirty(l uint8, pos mathx.Vec3i) {
	s := c.lods[l]
	mb := s.meshes[pos]
	if mb == nil {
		return
	}
	mb.version++
	mb.state = meshPending
	s.dirty[pos] = struct{}{}
}

func (c *Controller) dropMesh(l uint8, pos mathx.Vec3i) {
	s := c.lods[l]
	if mb := s.meshes[pos]; mb != nil {
		c.triangles -= mb.mesh.TriangleCount()
		delete(s.meshes, pos)
	}
	delete(s.dirty, pos)
}

func (c *Controller) setMeshVisible(l int, pos mathx.Vec3i, visible bool) {
	if mb := c.lods[l].meshes[pos]; mb != nil {
		mb.visible = visible
	}
}

// blockReady reports whether a node at this position may be shown: its data
// is resident and, with a mesher, its mesh is built.
func (c *Controller) blockReady(l int, pos mathx.Vec3i) bool {
	s := c.lods[l]
	if !s.blocks.Has(pos) {
		return false
	}
	if c.mesher == nil {
		return true
	}
	mb := s.meshes[pos]
	return mb != nil && mb.state == meshUpToDate
}

// neighborsSettled reports whether none of the 26 neighbours is still
// being loaded. Neighbours nobody wants count as empty.
func (c *Controller) neighborsSettled(s *lodState, pos mathx.Vec3i) bool {
	settled := true
	forMoore(pos, func(n mathx.Vec3i) {
		if n == pos {
			return
		}
		if _, ok := s.loading[n]; ok {
			settled = false
		}
	})
	return settled
}

// forMoore visits pos and its 26 neighbours.
func forMoore(pos mathx.Vec3i, fn func(mathx.Vec3i)) {
	mathx.NewBox(pos.Sub(mathx.Splat(1)), mathx.Splat(3)).ForEachCell(fn)
}

// GetVoxel reads one LOD-0 voxel. ok is false if its block is not resident.
func (c *Controller) GetVoxel(pos mathx.Vec3i, ch voxel.Channel) (v uint64, ok bool) {
	c.call(func() { v, ok = c.lods[0].blocks.GetVoxel(pos, ch) })
	return v, ok
}

// Edit writes one LOD-0 voxel. The block must be resident; it is marked
// edited and its coarser mirrors are re-derived on the next tick.
func (c *Controller) Edit(pos mathx.Vec3i, ch voxel.Channel, v uint64) error {
	var err error
	c.call(func() { err = c.edit(pos, ch, v) })
	return err
}

func (c *Controller) edit(pos mathx.Vec3i, ch voxel.Channel, v uint64) error {
	s := c.lods[0]
	bp := voxel.VoxelToBlock(pos, c.po2)
	if !s.blocks.Has(bp) {
		return fmt.Errorf("%w: %v", store.ErrBlockMissing, bp)
	}
	s.blocks.SetVoxel(pos, ch, v)
	c.lodUpdates[bp] = struct{}{}
	c.changed[bp] = struct{}{}

	// Neighbours only see the change through their padding when it is on
	// the block border.
	local := voxel.VoxelLocal(pos, c.po2)
	last := c.blockSize() - 1
	span := func(v int) (int, int) {
		lo, hi := 0, 0
		if v == 0 {
			lo = -1
		}
		if v == last {
			hi = 1
		}
		return lo, hi
	}
	x0, x1 := span(local.X)
	y0, y1 := span(local.Y)
	z0, z1 := span(local.Z)
	for dz := z0; dz <= z1; dz++ {
		for dx := x0; dx <= x1; dx++ {
			for dy := y0; dy <= y1; dy++ {
				c.markMeshDirty(0, bp.Add(mathx.V3(dx, dy, dz)))
			}
		}
	}
	return nil
}
