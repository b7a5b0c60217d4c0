package mesh

import (
	"fmt"
	"sort"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

// Air is the TYPE value treated as empty.
const Air = 0

type face struct {
	dir     mathx.Vec3i
	corners [4]mathx.Vec3i
}

// Right-handed, Y up. Corners are listed counter-clockwise when looking at
// the face from outside the cube, for every one of the six faces.
var faces = [6]face{
	{mathx.V3(-1, 0, 0), [4]mathx.Vec3i{{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}}},
	{mathx.V3(1, 0, 0), [4]mathx.Vec3i{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{mathx.V3(0, -1, 0), [4]mathx.Vec3i{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	{mathx.V3(0, 1, 0), [4]mathx.Vec3i{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{mathx.V3(0, 0, -1), [4]mathx.Vec3i{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
	{mathx.V3(0, 0, 1), [4]mathx.Vec3i{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}}},
}

// Cubes emits one quad for every face between a solid voxel and an empty
// one, grouped by material.
type Cubes struct{}

func (Cubes) Padding() int { return 1 }

func (Cubes) UsedChannels() voxel.ChannelMask { return voxel.MaskOf(voxel.ChannelType) }

func (c Cubes) Build(in Input) (Output, error) {
	vb := in.Voxels
	pad := c.Padding()
	size := vb.Size()
	if size.X <= 2*pad || size.Y <= 2*pad || size.Z <= 2*pad {
		return Output{}, fmt.Errorf("mesh: buffer %v too small for padding %d", size, pad)
	}
	if vb.IsUniform(voxel.ChannelType) {
		return Output{}, nil
	}

	scale := float64(int(1) << in.LOD)
	origin := in.Origin.ToFloat()
	bySurface := map[uint64]*Surface{}
	inner := mathx.NewBox(mathx.Splat(pad), size.Sub(mathx.Splat(2*pad)))
	inner.ForEachCell(func(p mathx.Vec3i) {
		m := vb.Get(p, voxel.ChannelType)
		if m == Air {
			return
		}
		for _, f := range faces {
			if vb.Get(p.Add(f.dir), voxel.ChannelType) != Air {
				continue
			}
			s := bySurface[m]
			if s == nil {
				s = &Surface{Material: m}
				bySurface[m] = s
			}
			base := uint32(len(s.Positions))
			local := p.Sub(mathx.Splat(pad))
			normal := f.dir.ToFloat()
			for _, corner := range f.corners {
				s.Positions = append(s.Positions, local.Add(corner).ToFloat().Mul(scale).Add(origin))
				s.Normals = append(s.Normals, normal)
			}
			s.Indices = append(s.Indices, base, base+1, base+2, base, base+2, base+3)
		}
	})

	out := Output{Surfaces: make([]Surface, 0, len(bySurface))}
	for _, s := range bySurface {
		out.Surfaces = append(out.Surfaces, *s)
	}
	sort.Slice(out.Surfaces, func(i, j int) bool { return out.Surfaces[i].Material < out.Surfaces[j].Material })
	return out, nil
}
