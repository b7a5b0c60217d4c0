package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

// Map indexes the resident blocks of one LOD by block position. The lock
// only guards the index; buffer contents are protected by the buffers' own
// locks.
type Map struct {
	lod    uint8
	po2    uint
	format voxel.Format
	pool   *voxel.Pool

	mu     sync.RWMutex
	blocks map[mathx.Vec3i]*DataBlock
	last   atomic.Pointer[DataBlock]
}

func NewMap(lod uint8, blockSizePo2 uint, format voxel.Format, pool *voxel.Pool) *Map {
	return &Map{
		lod:    lod,
		po2:    blockSizePo2,
		format: format,
		pool:   pool,
		blocks: map[mathx.Vec3i]*DataBlock{},
	}
}

func (m *Map) LOD() uint8 { return m.lod }

func (m *Map) BlockSizePo2() uint { return m.po2 }

func (m *Map) BlockSize() int { return 1 << m.po2 }

func (m *Map) Format() voxel.Format { return m.format }

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

func (m *Map) Get(pos mathx.Vec3i) (*DataBlock, bool) {
	if b := m.last.Load(); b != nil && b.Position == pos {
		return b, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[pos]
	if ok {
		// Stored under the read lock so Remove cannot interleave and leave
		// a stale entry behind.
		m.last.Store(b)
	}
	return b, ok
}

func (m *Map) Has(pos mathx.Vec3i) bool {
	_, ok := m.Get(pos)
	return ok
}

// GetOrCreateDefault returns the block at pos, creating one filled with the
// format defaults if there is none. No generation or I/O happens here.
func (m *Map) GetOrCreateDefault(pos mathx.Vec3i) *DataBlock {
	if b, ok := m.Get(pos); ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[pos]; ok {
		return b
	}
	b := &DataBlock{
		Voxels:   voxel.NewCube(m.BlockSize(), m.format, m.pool),
		Position: pos,
		LOD:      m.lod,
	}
	m.blocks[pos] = b
	m.last.Store(b)
	return b
}

// Insert places buf at pos. An existing block keeps its counters and flags
// and gets its buffer replaced, unless a task still references it.
func (m *Map) Insert(pos mathx.Vec3i, buf *voxel.Buffer) (*DataBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[pos]; ok {
		if b.InFlight() {
			return b, ErrBlockInFlight
		}
		if b.Voxels != buf {
			b.Voxels.Release()
			b.Voxels = buf
		}
		return b, nil
	}
	b := &DataBlock{Voxels: buf, Position: pos, LOD: m.lod}
	m.blocks[pos] = b
	m.last.Store(b)
	return b, nil
}

// Remove drops the block from the index and returns it. Its buffer is left
// alone so the caller can still save it.
func (m *Map) Remove(pos mathx.Vec3i) (*DataBlock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[pos]
	if ok {
		delete(m.blocks, pos)
		m.last.CompareAndSwap(b, nil)
	}
	return b, ok
}

// Positions returns every resident block position ordered by X, Z, Y.
func (m *Map) Positions() []mathx.Vec3i {
	m.mu.RLock()
	keys := make([]mathx.Vec3i, 0, len(m.blocks))
	for k := range m.blocks {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// ForEach visits blocks in no particular order. fn must not modify the map.
func (m *Map) ForEach(fn func(b *DataBlock)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.blocks {
		fn(b)
	}
}

// CopyRegion copies the voxels of the box starting at min (in voxels of this
// LOD) with dst's size into dst. Areas without a resident block read as the
// format defaults. Source buffers are read-locked in neighbourhood order for
// the duration of the copy.
func (m *Map) CopyRegion(min mathx.Vec3i, dst *voxel.Buffer, mask voxel.ChannelMask) {
	blockBox := mathx.NewBox(min, dst.Size()).Downscaled(m.po2)
	var srcs []voxel.Neighbor
	m.mu.RLock()
	blockBox.ForEachCell(func(bp mathx.Vec3i) {
		if b, ok := m.blocks[bp]; ok {
			srcs = append(srcs, voxel.Neighbor{Pos: bp, Buf: b.Voxels})
		}
	})
	m.mu.RUnlock()

	unlock := voxel.LockNeighborhood(srcs)
	defer unlock()
	CopyBlocks(min, dst, m.po2, m.format, mask, srcs)
}

// CopyBlocks assembles the area starting at min with dst's size out of the
// given blocks. Cells not covered by any of them get the format defaults.
// The caller holds read locks on the sources.
func CopyBlocks(min mathx.Vec3i, dst *voxel.Buffer, blockSizePo2 uint, f voxel.Format, mask voxel.ChannelMask, srcs []voxel.Neighbor) {
	area := mathx.NewBox(min, dst.Size())
	size := mathx.Splat(1 << blockSizePo2)
	bufs := make(map[mathx.Vec3i]*voxel.Buffer, len(srcs))
	for _, s := range srcs {
		bufs[s.Pos] = s.Buf
	}
	area.Downscaled(blockSizePo2).ForEachCell(func(bp mathx.Vec3i) {
		origin := voxel.BlockToVoxel(bp, blockSizePo2)
		sub := mathx.NewBox(origin, size).Clipped(area)
		if sub.IsEmpty() {
			return
		}
		dstBox := mathx.NewBox(sub.Pos.Sub(min), sub.Size)
		src := bufs[bp]
		if src == nil {
			mask.ForEach(func(ch voxel.Channel) {
				dst.FillArea(dstBox, ch, f.Defaults[ch])
			})
			return
		}
		dst.CopyFrom(src, mathx.NewBox(sub.Pos.Sub(origin), sub.Size), dstBox.Pos, mask)
	})
}

// GetVoxel reads one voxel by absolute voxel position at this LOD.
func (m *Map) GetVoxel(pos mathx.Vec3i, ch voxel.Channel) (uint64, bool) {
	b, ok := m.Get(voxel.VoxelToBlock(pos, m.po2))
	if !ok {
		return m.format.Defaults[ch], false
	}
	b.Voxels.RLock()
	defer b.Voxels.RUnlock()
	return b.Voxels.Get(voxel.VoxelLocal(pos, m.po2), ch), true
}

// SetVoxel writes one voxel, creating a default block if needed, and marks
// the block edited.
func (m *Map) SetVoxel(pos mathx.Vec3i, ch voxel.Channel, v uint64) *DataBlock {
	b := m.GetOrCreateDefault(voxel.VoxelToBlock(pos, m.po2))
	b.Voxels.Lock()
	b.Voxels.Set(voxel.VoxelLocal(pos, m.po2), ch, v)
	b.Voxels.Unlock()
	b.Edited = true
	b.NeedsLodUpdate = true
	return b
}
