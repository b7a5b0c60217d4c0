package voxel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/mathx"
)

func TestVoxelToBlockRoundTrip(t *testing.T) {
	for _, po2 := range []uint{1, 4, 5} {
		size := 1 << po2
		for v := -1000; v <= 1000; v++ {
			p := mathx.V3(v, -v, v*3)
			b := VoxelToBlock(p, po2)
			origin := BlockToVoxel(b, po2)
			for _, axis := range [][2]int{{origin.X, p.X}, {origin.Y, p.Y}, {origin.Z, p.Z}} {
				if !(axis[0] <= axis[1] && axis[1] < axis[0]+size) {
					t.Fatalf("po2=%d v=%v: block origin %v does not contain voxel", po2, p, origin)
				}
			}
			assert.Equal(t, p.Sub(origin), VoxelLocal(p, po2))
		}
	}
	assert.Equal(t, mathx.V3(-1, -1, 0), VoxelToBlock(mathx.V3(-1, -16, 15), 4))
}

func TestBufferUniformUntilWritten(t *testing.T) {
	b := NewCube(16, DefaultFormat(), nil)
	require.True(t, b.IsUniform(ChannelType))
	require.Equal(t, 0, b.MemoryUsage())

	// Writing the current uniform value keeps the channel uniform.
	b.Set(mathx.V3(1, 2, 3), ChannelType, 0)
	require.True(t, b.IsUniform(ChannelType))

	b.Set(mathx.V3(1, 2, 3), ChannelType, 42)
	require.False(t, b.IsUniform(ChannelType))
	require.Equal(t, uint64(42), b.Get(mathx.V3(1, 2, 3), ChannelType))
	require.Equal(t, uint64(0), b.Get(mathx.V3(3, 2, 1), ChannelType))
	require.Equal(t, 16*16*16*2, b.MemoryUsage())

	b.Set(mathx.V3(1, 2, 3), ChannelType, 0)
	require.Equal(t, 1, b.Compress(AllChannels))
	require.True(t, b.IsUniform(ChannelType))
}

func TestBufferDepthsTruncate(t *testing.T) {
	for d := Depth8; d < DepthCount; d++ {
		var depths [ChannelCount]Depth
		depths[ChannelData5] = d
		b := NewCube(4, FormatForDepths(depths), nil)
		p := mathx.V3(3, 0, 1)
		b.Set(p, ChannelData5, 0xffffffffffffffff)
		require.Equal(t, d.MaxValue(), b.Get(p, ChannelData5), "depth %s", d)
		b.Set(p, ChannelData5, 0x1234)
		require.Equal(t, uint64(0x1234)&d.MaxValue(), b.Get(p, ChannelData5), "depth %s", d)
	}
}

func TestBufferSDFQuantization(t *testing.T) {
	for _, d := range []Depth{Depth8, Depth16, Depth32, Depth64} {
		var depths [ChannelCount]Depth
		depths[ChannelSDF] = d
		b := NewCube(2, FormatForDepths(depths), nil)
		b.SetF(mathx.V3(0, 0, 0), ChannelSDF, -2.5)
		assert.InDelta(t, -2.5, b.GetF(mathx.V3(0, 0, 0), ChannelSDF), 0.1, "depth %s", d)
		// Default is far outside the surface.
		assert.Greater(t, b.GetF(mathx.V3(1, 1, 1), ChannelSDF), 1.0, "depth %s", d)
	}
}

func TestBufferCopyFromClipsAndFills(t *testing.T) {
	f := DefaultFormat()
	src := NewCube(8, f, nil)
	src.FillArea(mathx.NewBox(mathx.V3(2, 2, 2), mathx.V3(2, 2, 2)), ChannelType, 7)

	dst := NewCube(4, f, nil)
	dst.Fill(ChannelType, 1)
	dst.CopyFrom(src, mathx.NewBox(mathx.V3(1, 1, 1), mathx.V3(8, 8, 8)), mathx.V3(0, 0, 0), MaskOf(ChannelType))

	require.Equal(t, uint64(0), dst.Get(mathx.V3(0, 0, 0), ChannelType))
	require.Equal(t, uint64(7), dst.Get(mathx.V3(1, 1, 1), ChannelType))
	require.Equal(t, uint64(7), dst.Get(mathx.V3(2, 2, 2), ChannelType))
	require.Equal(t, uint64(0), dst.Get(mathx.V3(3, 3, 3), ChannelType))

	// Uniform source over the whole destination collapses it back.
	dst.CopyFrom(NewCube(4, f, nil), dst.Box(), mathx.Vec3i{}, MaskOf(ChannelType))
	require.True(t, dst.IsUniform(ChannelType))
}

func TestBufferDownscaleInto(t *testing.T) {
	f := DefaultFormat()
	src := NewCube(4, f, nil)
	src.Set(mathx.V3(2, 0, 0), ChannelType, 5)
	src.Set(mathx.V3(3, 0, 0), ChannelType, 9) // not sampled

	dst := NewCube(4, f, nil)
	src.DownscaleInto(dst, mathx.V3(2, 2, 2), MaskOf(ChannelType))
	require.Equal(t, uint64(5), dst.Get(mathx.V3(3, 2, 2), ChannelType))
	require.Equal(t, uint64(0), dst.Get(mathx.V3(2, 2, 2), ChannelType))
}

func TestBufferEqualAndDigestIgnoreRepresentation(t *testing.T) {
	f := DefaultFormat()
	a := NewCube(4, f, nil)
	b := NewCube(4, f, nil)
	a.Fill(ChannelColor, 3)
	b.FillArea(mathx.NewBox(mathx.Vec3i{}, mathx.V3(4, 4, 2)), ChannelColor, 3)
	b.FillArea(mathx.NewBox(mathx.V3(0, 0, 2), mathx.V3(4, 4, 2)), ChannelColor, 3)
	require.False(t, b.IsUniform(ChannelColor))
	require.True(t, a.Equal(b))
	require.Equal(t, a.Digest(), b.Digest())

	b.Set(mathx.V3(0, 0, 0), ChannelColor, 4)
	require.False(t, a.Equal(b))
	require.NotEqual(t, a.Digest(), b.Digest())
}

func TestPoolReusesByLength(t *testing.T) {
	p := NewPool()
	b := NewCube(8, DefaultFormat(), p)
	b.Set(mathx.V3(0, 0, 0), ChannelType, 1)
	b.Release()

	c := NewCube(8, DefaultFormat(), p)
	c.Set(mathx.V3(1, 1, 1), ChannelSDF, 1) // same length as the released TYPE array
	require.Equal(t, uint64(0x7fff), c.Get(mathx.V3(0, 0, 0), ChannelSDF))

	st := p.Stats()
	require.Equal(t, uint64(1), st.Allocs)
	require.Equal(t, uint64(1), st.Reuses)
	require.Equal(t, 0, st.Held)

	var nilPool *Pool
	require.Len(t, nilPool.Allocate(10), 10)
	nilPool.Recycle(make([]byte, 10))
}

func TestLockNeighborhoodOverlapping(t *testing.T) {
	f := DefaultFormat()
	bufs := map[mathx.Vec3i]*Buffer{}
	mathx.NewBox(mathx.Vec3i{}, mathx.Splat(3)).ForEachCell(func(p mathx.Vec3i) {
		bufs[p] = NewCube(2, f, nil)
	})

	// Each goroutine lists the same buffers in a different order and writes
	// its own center; with ordered locking this terminates.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				items := make([]Neighbor, 0, len(bufs))
				for p, b := range bufs {
					items = append(items, Neighbor{Pos: p, Buf: b, Write: (p.X+p.Y+p.Z+g)%4 == 0})
				}
				if g%2 == 1 {
					for l, r := 0, len(items)-1; l < r; l, r = l+1, r-1 {
						items[l], items[r] = items[r], items[l]
					}
				}
				unlock := LockNeighborhood(items)
				unlock()
			}
		}(g)
	}
	wg.Wait()
}
