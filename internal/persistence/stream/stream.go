// Package stream defines how the streaming engine loads and saves blocks,
// independent of where they live.
package stream

import (
	"context"
	"errors"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

var (
	ErrClosed           = errors.New("stream: closed")
	ErrIncompatibleMeta = errors.New("stream: incompatible metadata")
)

type Result uint8

const (
	ResultNotFound Result = iota
	ResultFound
)

func (r Result) String() string {
	if r == ResultFound {
		return "found"
	}
	return "not_found"
}

// Stream persists blocks by (position, lod). Positions are block coordinates
// at that LOD. Implementations are safe for concurrent use.
type Stream interface {
	// LoadBlock fills out with the stored block. A missing block is not an
	// error: it reports ResultNotFound and leaves out untouched.
	LoadBlock(ctx context.Context, pos mathx.Vec3i, lod uint8, out *voxel.Buffer) (Result, error)
	// SaveBlock stores a copy of buf. The caller holds at least a read lock
	// on buf.
	SaveBlock(ctx context.Context, pos mathx.Vec3i, lod uint8, buf *voxel.Buffer) error
	// UsedChannels lists the channels the stream can hold.
	UsedChannels() voxel.ChannelMask
	BlockSizePo2() uint
	LODCount() int
	Flush(ctx context.Context) error
	Close() error
}

// DepthProvider is implemented by streams that fix channel depths on disk.
// Buffers saved to them must use these depths.
type DepthProvider interface {
	ChannelDepths() [voxel.ChannelCount]voxel.Depth
}

// Query is one block of a batch.
type Query struct {
	Pos    mathx.Vec3i
	LOD    uint8
	Voxels *voxel.Buffer
	Result Result
}

// Batcher is implemented by streams that can serve several blocks cheaper
// than one at a time.
type Batcher interface {
	LoadBlocks(ctx context.Context, qs []Query) error
	SaveBlocks(ctx context.Context, qs []Query) error
}

// LoadBlocks loads every query, in one batch when the stream supports it.
func LoadBlocks(ctx context.Context, s Stream, qs []Query) error {
	if b, ok := s.(Batcher); ok {
		return b.LoadBlocks(ctx, qs)
	}
	for i := range qs {
		q := &qs[i]
		res, err := s.LoadBlock(ctx, q.Pos, q.LOD, q.Voxels)
		if err != nil {
			return err
		}
		q.Result = res
	}
	return nil
}

func SaveBlocks(ctx context.Context, s Stream, qs []Query) error {
	if b, ok := s.(Batcher); ok {
		return b.SaveBlocks(ctx, qs)
	}
	for i := range qs {
		q := &qs[i]
		if err := s.SaveBlock(ctx, q.Pos, q.LOD, q.Voxels); err != nil {
			return err
		}
	}
	return nil
}

// Null stores nothing. Every load reports ResultNotFound, so blocks always
// come from the generator.
type Null struct {
	Po2  uint
	LODs int
}

func (n Null) LoadBlock(context.Context, mathx.Vec3i, uint8, *voxel.Buffer) (Result, error) {
	return ResultNotFound, nil
}

func (n Null) SaveBlock(context.Context, mathx.Vec3i, uint8, *voxel.Buffer) error { return nil }

func (n Null) UsedChannels() voxel.ChannelMask { return 0 }

func (n Null) BlockSizePo2() uint { return n.Po2 }

func (n Null) LODCount() int { return n.LODs }

func (n Null) Flush(context.Context) error { return nil }

func (n Null) Close() error { return nil }

// ConvertDepths returns buf, or a copy of it with the given channel depths
// when they differ.
func ConvertDepths(buf *voxel.Buffer, depths [voxel.ChannelCount]voxel.Depth, pool *voxel.Pool) *voxel.Buffer {
	same := true
	for i, d := range depths {
		if buf.Depth(voxel.Channel(i)) != d {
			same = false
			break
		}
	}
	if same {
		return buf
	}
	c := buf.Clone(pool)
	for i, d := range depths {
		c.SetDepth(voxel.Channel(i), d)
	}
	return c
}
