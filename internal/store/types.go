package store

import (
	"errors"
	"fmt"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

var (
	// ErrBlockInFlight is returned when replacing a block that a running task
	// still references.
	ErrBlockInFlight = errors.New("block is referenced by an in-flight task")
	ErrBlockMissing  = errors.New("block not loaded")
)

// DataBlock is one resident block of voxels. Counters are only touched by
// the owning (main) goroutine.
type DataBlock struct {
	Voxels   *voxel.Buffer
	Position mathx.Vec3i
	LOD      uint8

	// Edited is set when the content diverges from what the generator would
	// produce; such blocks are saved before being dropped.
	Edited bool
	// NeedsLodUpdate marks blocks whose coarser mirrors must be re-derived.
	NeedsLodUpdate bool

	viewers  uint32
	inFlight int32
}

func (b *DataBlock) Viewers() uint32 { return b.viewers }

func (b *DataBlock) AddViewer() { b.viewers++ }

// RemoveViewer decrements the viewer count and reports whether it reached zero.
func (b *DataBlock) RemoveViewer() bool {
	if b.viewers == 0 {
		panic(fmt.Sprintf("store: viewer count underflow at %v lod %d", b.Position, b.LOD))
	}
	b.viewers--
	return b.viewers == 0
}

func (b *DataBlock) SetViewers(n uint32) { b.viewers = n }

// BeginTask records that a task holds a reference to the block's buffer.
func (b *DataBlock) BeginTask() { b.inFlight++ }

func (b *DataBlock) EndTask() {
	if b.inFlight <= 0 {
		panic(fmt.Sprintf("store: task count underflow at %v lod %d", b.Position, b.LOD))
	}
	b.inFlight--
}

func (b *DataBlock) InFlight() bool { return b.inFlight > 0 }

// Evictable reports whether nothing keeps the block resident any more.
func (b *DataBlock) Evictable() bool { return b.viewers == 0 && b.inFlight == 0 }
