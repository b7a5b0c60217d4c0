// Package gen fills voxel buffers procedurally. Generators are pure
// functions of world coordinates and their settings, so they can run on any
// worker concurrently.
package gen

import (
	"fmt"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

// Materials written to the TYPE channel.
const (
	Air uint64 = iota
	Stone
	Dirt
	Grass
	Sand
	Gravel
)

type Generator interface {
	// Generate fills out with the area whose minimum corner is origin, in
	// LOD-0 voxel units. At LOD n each voxel of out spans 2^n voxels.
	Generate(out *voxel.Buffer, origin mathx.Vec3i, lod uint8) error
	UsedChannels() voxel.ChannelMask
}

// New builds a generator by its configured name.
func New(name string, seed int64, height int) (Generator, error) {
	switch name {
	case "", "heightmap":
		h := DefaultHeightmap(seed)
		if height > 0 {
			h.Base = height
		}
		return h, nil
	case "flat":
		return Flat{Height: height, Material: Stone}, nil
	}
	return nil, fmt.Errorf("unknown generator %q", name)
}

// forEachColumn calls fn for every XZ column of out with its world
// coordinates, and the world Y of every cell in the column through ys.
func forEachColumn(out *voxel.Buffer, origin mathx.Vec3i, lod uint8, fn func(lx, lz, wx, wz int, ys func(ly int) int)) {
	size := out.Size()
	ys := func(ly int) int { return origin.Y + ly<<lod }
	for lz := 0; lz < size.Z; lz++ {
		for lx := 0; lx < size.X; lx++ {
			fn(lx, lz, origin.X+lx<<lod, origin.Z+lz<<lod, ys)
		}
	}
}

// fillColumns writes TYPE and SDF for a surface given as one height per
// column: voxels with world Y below the height are solid. SDF is the
// vertical distance to the surface in voxels of the buffer's LOD. Buffers
// entirely above the surface stay uniform.
func fillColumns(out *voxel.Buffer, origin mathx.Vec3i, lod uint8, height func(wx, wz int) int, material func(wx, wy, wz, surface int) uint64) {
	size := out.Size()
	scale := float64(int(1) << lod)
	sdf := func(wy, h int) float64 { return (float64(wy-h) + 0.5) / scale }

	maxH := -1 << 62
	heights := make([]int, size.X*size.Z)
	forEachColumn(out, origin, lod, func(lx, lz, wx, wz int, _ func(int) int) {
		h := height(wx, wz)
		heights[lz*size.X+lx] = h
		maxH = mathx.MaxInt(maxH, h)
	})

	if origin.Y >= maxH {
		out.Fill(voxel.ChannelType, Air)
		out.Fill(voxel.ChannelSDF, voxel.EncodeSDF(out.Depth(voxel.ChannelSDF), sdf(origin.Y, maxH)))
		return
	}
	forEachColumn(out, origin, lod, func(lx, lz, wx, wz int, ys func(int) int) {
		h := heights[lz*size.X+lx]
		for ly := 0; ly < size.Y; ly++ {
			wy := ys(ly)
			p := mathx.V3(lx, ly, lz)
			if wy < h {
				out.Set(p, voxel.ChannelType, material(wx, wy, wz, h))
			} else {
				out.Set(p, voxel.ChannelType, Air)
			}
			out.SetF(p, voxel.ChannelSDF, sdf(wy, h))
		}
	})
	out.Compress(voxel.MaskOf(voxel.ChannelType, voxel.ChannelSDF))
}

// Flat is a horizontal ground plane: voxels below Height hold Material.
type Flat struct {
	Height   int
	Material uint64
}

func (f Flat) UsedChannels() voxel.ChannelMask {
	return voxel.MaskOf(voxel.ChannelType, voxel.ChannelSDF)
}

func (f Flat) Generate(out *voxel.Buffer, origin mathx.Vec3i, lod uint8) error {
	fillColumns(out, origin, lod,
		func(int, int) int { return f.Height },
		func(int, int, int, int) uint64 { return f.Material })
	return nil
}
