// Package mesh turns voxel buffers into renderable surfaces.
package mesh

import (
	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

type Input struct {
	// Voxels holds the block plus Padding voxels of neighbours on every
	// side.
	Voxels *voxel.Buffer
	// Origin is the world position of the first non-padding voxel, in
	// LOD-0 voxel units.
	Origin mathx.Vec3i
	LOD    uint8
}

// Surface is one indexed triangle list sharing a material. Triangles wind
// counter-clockwise seen from the side their normal points to.
type Surface struct {
	Material  uint64
	Positions []mgl64.Vec3
	Normals   []mgl64.Vec3
	Indices   []uint32
}

type Output struct {
	Surfaces []Surface
}

func (o Output) IsEmpty() bool { return len(o.Surfaces) == 0 }

func (o Output) TriangleCount() int {
	n := 0
	for _, s := range o.Surfaces {
		n += len(s.Indices) / 3
	}
	return n
}

type Mesher interface {
	Build(in Input) (Output, error)
	Padding() int
	UsedChannels() voxel.ChannelMask
}
