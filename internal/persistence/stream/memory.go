package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/blockcodec"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/voxel"
)

type blockKey struct {
	pos mathx.Vec3i
	lod uint8
}

// Memory keeps encoded blocks in a map. It is meant for tests and tools, and
// can be exported to or imported from a snapshot file.
type Memory struct {
	po2  uint
	lods int

	mu     sync.RWMutex
	blocks map[blockKey][]byte
	closed bool
}

func NewMemory(blockSizePo2 uint, lodCount int) *Memory {
	return &Memory{po2: blockSizePo2, lods: lodCount, blocks: map[blockKey][]byte{}}
}

func (m *Memory) LoadBlock(_ context.Context, pos mathx.Vec3i, lod uint8, out *voxel.Buffer) (Result, error) {
	m.mu.RLock()
	data, ok := m.blocks[blockKey{pos, lod}]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ResultNotFound, ErrClosed
	}
	if !ok {
		return ResultNotFound, nil
	}
	if err := blockcodec.Decode(data, out); err != nil {
		return ResultNotFound, fmt.Errorf("memory stream: block %v lod %d: %w", pos, lod, err)
	}
	return ResultFound, nil
}

func (m *Memory) SaveBlock(_ context.Context, pos mathx.Vec3i, lod uint8, buf *voxel.Buffer) error {
	data := blockcodec.Encode(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.blocks[blockKey{pos, lod}] = data
	return nil
}

func (m *Memory) UsedChannels() voxel.ChannelMask { return voxel.AllChannels }

func (m *Memory) BlockSizePo2() uint { return m.po2 }

func (m *Memory) LODCount() int { return m.lods }

func (m *Memory) Flush(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

func (m *Memory) Has(pos mathx.Vec3i, lod uint8) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[blockKey{pos, lod}]
	return ok
}

// Snapshot captures every block, ordered by LOD then position.
func (m *Memory) Snapshot(source string) snapshot.SnapshotV1 {
	m.mu.RLock()
	blocks := make([]snapshot.BlockV1, 0, len(m.blocks))
	for k, data := range m.blocks {
		blocks = append(blocks, snapshot.BlockV1{Pos: [3]int{k.pos.X, k.pos.Y, k.pos.Z}, LOD: k.lod, Data: data})
	}
	m.mu.RUnlock()
	sort.Slice(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.LOD != b.LOD {
			return a.LOD < b.LOD
		}
		return mathx.V3(a.Pos[0], a.Pos[1], a.Pos[2]).Less(mathx.V3(b.Pos[0], b.Pos[1], b.Pos[2]))
	})
	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Source:       source,
			BlockSizePo2: int(m.po2),
			LODCount:     m.lods,
		},
		Blocks: blocks,
	}
}

func (m *Memory) WriteSnapshot(path, source string) error {
	return snapshot.WriteSnapshot(path, m.Snapshot(source))
}

// MemoryFromSnapshot rebuilds a memory stream from a snapshot file.
func MemoryFromSnapshot(path string) (*Memory, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	m := NewMemory(uint(snap.Header.BlockSizePo2), snap.Header.LODCount)
	for _, b := range snap.Blocks {
		m.blocks[blockKey{mathx.V3(b.Pos[0], b.Pos[1], b.Pos[2]), b.LOD}] = b.Data
	}
	return m, nil
}
