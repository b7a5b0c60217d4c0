package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/gen"
	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/mesh"
	"voxelstream.ai/internal/persistence/journal"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/store"
	"voxelstream.ai/internal/tasks"
	"voxelstream.ai/internal/voxel"
)

// With 16-voxel blocks, 3 LODs, lod distance 32 and view distance 48, a
// viewer at the origin keeps 9x8x9 LOD-0 blocks (Y is cut by the bounds),
// 7x4x7 LOD-1 blocks and 5x2x5 LOD-2 blocks.
var wantLoaded = []int{648, 196, 50}

var origin = mgl64.Vec3{8, 8, 8}

func testSettings() Settings {
	return Settings{
		LODCount:     3,
		LODDistance:  32,
		ViewDistance: 48,
		Bounds:       mathx.BoxFromMinMax(mathx.V3(-256, -64, -256), mathx.V3(256, 64, 256)),
		RetryTicks:   2,
		BatchCount:   4,
	}
}

func newTestController(t *testing.T, st stream.Stream, j *journal.Journal[Stats]) (*Controller, *tasks.Scheduler) {
	t.Helper()
	sched := tasks.New(tasks.Config{IOWorkers: 2, ComputeWorkers: 4, Buffers: voxel.NewPool()})
	t.Cleanup(sched.Close)
	c, err := New(Options{
		Settings:  testSettings(),
		Scheduler: sched,
		Generator: gen.Flat{Height: 4, Material: gen.Stone},
		Stream:    st,
		Mesher:    mesh.Cubes{},
		Journal:   j,
	})
	require.NoError(t, err)
	return c, sched
}

// settle ticks until two ticks in a row report nothing left to do.
func settle(t *testing.T, c *Controller, sched *tasks.Scheduler) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	quiet := 0
	for i := 0; i < 1000; i++ {
		st := c.Tick()
		require.NoError(t, sched.WaitIdle(ctx))
		if st.Settled() {
			quiet++
		} else {
			quiet = 0
		}
		if quiet == 2 {
			return st
		}
	}
	t.Fatal("controller did not settle")
	return Stats{}
}

func TestViewerConvergesAndStaysStable(t *testing.T) {
	c, sched := newTestController(t, stream.NewMemory(4, 3), nil)
	seen := map[mathx.Vec3i]int{}
	c.AddViewer(ViewerOptions{
		Position: origin,
		OnBlock:  func(p mathx.Vec3i, _ *voxel.Buffer) { seen[p]++ },
	})

	st := settle(t, c, sched)
	require.Equal(t, wantLoaded, st.Loaded)
	require.Equal(t, 50, st.Octrees)
	require.Greater(t, st.Leaves, st.Octrees)
	require.Equal(t, st.Leaves, st.VisibleMeshes)
	require.Positive(t, st.Triangles)
	require.Len(t, seen, wantLoaded[0])

	for i := 0; i < 5; i++ {
		again := c.Tick()
		require.Zero(t, again.Splits)
		require.Zero(t, again.Joins)
		require.Equal(t, st.OctreeNodes, again.OctreeNodes)
	}

	v, ok := c.GetVoxel(mathx.V3(0, 0, 0), voxel.ChannelType)
	require.True(t, ok)
	require.Equal(t, gen.Stone, v)
	v, ok = c.GetVoxel(mathx.V3(0, 10, 0), voxel.ChannelType)
	require.True(t, ok)
	require.Equal(t, gen.Air, v)
}

func TestEditsAreSavedAndReloaded(t *testing.T) {
	ctx := context.Background()
	mem := stream.NewMemory(4, 3)
	c, sched := newTestController(t, mem, nil)
	id := c.AddViewer(ViewerOptions{Position: origin})
	settle(t, c, sched)

	first := mathx.V3(3, 10, 5)
	second := mathx.V3(20, 10, 5)
	require.NoError(t, c.Edit(first, voxel.ChannelType, gen.Dirt))
	err := c.Edit(mathx.V3(4000, 0, 0), voxel.ChannelType, gen.Dirt)
	require.ErrorIs(t, err, store.ErrBlockMissing)
	c.Tick()

	require.NoError(t, c.SaveAll(ctx))
	for l := uint8(0); l < 3; l++ {
		assert.True(t, mem.Has(mathx.V3(0, 0, 0), l), "lod %d mirror saved", l)
	}
	require.False(t, mem.Has(mathx.V3(1, 0, 0), 0))

	// Not saved explicitly: has to go out when the block is unloaded.
	require.NoError(t, c.Edit(second, voxel.ChannelType, gen.Sand))
	c.Tick()
	require.NoError(t, c.SetViewerPosition(id, mgl64.Vec3{200, 8, 200}))
	settle(t, c, sched)
	_, ok := c.GetVoxel(first, voxel.ChannelType)
	require.False(t, ok)
	require.True(t, mem.Has(mathx.V3(1, 0, 0), 0))

	require.NoError(t, c.SetViewerPosition(id, origin))
	st := settle(t, c, sched)
	require.Equal(t, wantLoaded, st.Loaded)
	v, ok := c.GetVoxel(first, voxel.ChannelType)
	require.True(t, ok)
	require.Equal(t, gen.Dirt, v)
	v, _ = c.GetVoxel(second, voxel.ChannelType)
	require.Equal(t, gen.Sand, v)
}

type flakyStream struct {
	*stream.Memory
	failures atomic.Int32
}

func (f *flakyStream) LoadBlock(ctx context.Context, pos mathx.Vec3i, lod uint8, out *voxel.Buffer) (stream.Result, error) {
	if f.failures.Add(-1) >= 0 {
		return stream.ResultNotFound, errors.New("read error")
	}
	return f.Memory.LoadBlock(ctx, pos, lod, out)
}

func TestLoadErrorsAreRetried(t *testing.T) {
	flaky := &flakyStream{Memory: stream.NewMemory(4, 3)}
	flaky.failures.Store(3)
	c, sched := newTestController(t, flaky, nil)
	c.AddViewer(ViewerOptions{Position: origin})

	st := settle(t, c, sched)
	require.Equal(t, wantLoaded, st.Loaded)
	require.GreaterOrEqual(t, st.LoadErrors, uint64(1))
	require.LessOrEqual(t, st.LoadErrors, uint64(3))
}

// gatedStream holds every save until open is closed.
type gatedStream struct {
	*stream.Memory
	open chan struct{}
}

func (g *gatedStream) SaveBlock(ctx context.Context, pos mathx.Vec3i, lod uint8, buf *voxel.Buffer) error {
	<-g.open
	return g.Memory.SaveBlock(ctx, pos, lod, buf)
}

func TestReloadWaitsForUnloadSave(t *testing.T) {
	gated := &gatedStream{Memory: stream.NewMemory(4, 3), open: make(chan struct{})}
	c, sched := newTestController(t, gated, nil)
	var openOnce sync.Once
	release := func() { openOnce.Do(func() { close(gated.open) }) }
	t.Cleanup(release)

	id := c.AddViewer(ViewerOptions{Position: origin})
	settle(t, c, sched)

	edited := mathx.V3(20, 10, 5)
	require.NoError(t, c.Edit(edited, voxel.ChannelType, gen.Sand))
	c.Tick()

	require.NoError(t, c.SetViewerPosition(id, mgl64.Vec3{200, 8, 200}))
	require.Eventually(t, func() bool {
		st := c.Tick()
		_, resident := c.GetVoxel(edited, voxel.ChannelType)
		return st.Saving > 0 && !resident
	}, 10*time.Second, time.Millisecond)

	// Back before the save went through: the block must not come back from
	// the stream, which does not have the edit yet.
	require.NoError(t, c.SetViewerPosition(id, origin))
	for i := 0; i < 20; i++ {
		st := c.Tick()
		require.Positive(t, st.Saving)
		_, resident := c.GetVoxel(edited, voxel.ChannelType)
		require.False(t, resident)
		time.Sleep(time.Millisecond)
	}

	release()
	st := settle(t, c, sched)
	require.Equal(t, wantLoaded, st.Loaded)
	require.Zero(t, st.Saving)
	v, ok := c.GetVoxel(edited, voxel.ChannelType)
	require.True(t, ok)
	require.Equal(t, gen.Sand, v)
	require.True(t, gated.Has(mathx.V3(1, 0, 0), 0))
}

func TestTasksOutOfReachAreCancelled(t *testing.T) {
	c, sched := newTestController(t, stream.NewMemory(4, 3), nil)
	near, far := mathx.V3(1, 0, 0), mathx.V3(40, 0, 0)
	genTask := func(p mathx.Vec3i) *generateTask {
		return c.newGenerateTask(0, loadRequest{pos: p, block: &loadingBlock{}})
	}
	meshAt := func(p mathx.Vec3i) *meshTask {
		return &meshTask{prio: c.priority(0, p, tasks.BandHigh)}
	}

	// Without viewers nothing is out of reach.
	require.False(t, genTask(far).IsCancelled())

	id := c.AddViewer(ViewerOptions{Position: origin})
	c.Tick()
	require.False(t, genTask(near).IsCancelled())
	require.True(t, genTask(far).IsCancelled())
	require.False(t, meshAt(near).IsCancelled())
	require.True(t, meshAt(far).IsCancelled())

	pending := genTask(near)
	load := &loadTask{
		reqs: []loadRequest{{pos: near, block: &loadingBlock{}}},
		prio: c.priority(0, near, tasks.BandDefault),
	}
	require.False(t, load.IsCancelled())
	require.NoError(t, c.SetViewerPosition(id, mgl64.Vec3{2000, 8, 8}))
	c.Tick()
	require.True(t, pending.IsCancelled())
	require.True(t, load.IsCancelled())
	require.False(t, (&saveTask{prio: c.priority(0, near, tasks.BandSave)}).IsCancelled())

	// Dropped requests come back once a viewer wants them again.
	require.NoError(t, sched.WaitIdle(context.Background()))
	require.NoError(t, c.SetViewerPosition(id, origin))
	st := settle(t, c, sched)
	require.Equal(t, wantLoaded, st.Loaded)
}

func TestRemoveViewerUnloadsEverything(t *testing.T) {
	c, sched := newTestController(t, nil, nil)
	id := c.AddViewer(ViewerOptions{Position: origin})
	settle(t, c, sched)

	require.NoError(t, c.RemoveViewer(id))
	st := settle(t, c, sched)
	require.Equal(t, []int{0, 0, 0}, st.Loaded)
	require.Zero(t, st.Viewers)
	require.Zero(t, st.Octrees)
	require.Zero(t, st.Meshes)
	require.Zero(t, st.Triangles)
	require.ErrorIs(t, c.RemoveViewer(id), ErrUnknownViewer)
}

func TestSetStreamDiscardsStaleResults(t *testing.T) {
	c, sched := newTestController(t, stream.NewMemory(4, 3), nil)
	c.AddViewer(ViewerOptions{Position: origin})
	c.Tick()

	old, err := c.SetStream(stream.NewMemory(4, 3))
	require.NoError(t, err)
	require.NotNil(t, old)
	st := settle(t, c, sched)
	require.Positive(t, st.Discarded)
	require.Equal(t, wantLoaded, st.Loaded)

	_, err = c.SetStream(stream.NewMemory(5, 3))
	require.ErrorIs(t, err, stream.ErrIncompatibleMeta)
	_, err = c.SetStream(stream.NewMemory(4, 2))
	require.ErrorIs(t, err, stream.ErrIncompatibleMeta)
}

func TestRunServesCallsAndJournalsStats(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestController(t, stream.NewMemory(4, 3), journal.New[Stats](dir, "stats"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, 2*time.Millisecond) }()

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()
	id := c.AddViewer(ViewerOptions{ViewDistance: 16})
	require.NoError(t, c.SetViewerPosition(id, origin))
	select {
	case <-updates:
	case <-time.After(10 * time.Second):
		t.Fatal("no stats published")
	}
	require.Eventually(t, func() bool {
		st := c.Stats()
		return len(st.Loaded) > 0 && st.Loaded[0] > 0 && st.Loading == 0
	}, 30*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.Run(ctx, time.Millisecond), ErrRunning)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.NoError(t, c.Close(context.Background()))

	files, err := journal.Files(dir, "stats")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	records := 0
	for _, f := range files {
		require.NoError(t, journal.ReadFile(f, func(Stats) error { records++; return nil }))
	}
	require.Positive(t, records)
}

func TestNewRejectsShallowStream(t *testing.T) {
	sched := tasks.New(tasks.Config{})
	defer sched.Close()
	_, err := New(Options{Settings: testSettings(), Scheduler: sched, Generator: gen.Flat{}, Stream: stream.NewMemory(4, 1)})
	require.ErrorIs(t, err, stream.ErrIncompatibleMeta)
	_, err = New(Options{Settings: testSettings(), Scheduler: sched})
	require.Error(t, err)
}
