package gen

import (
	"math"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

// Heightmap is rolling terrain from a few octaves of hashed value noise.
// Each biome region picks its surface material.
type Heightmap struct {
	Seed int64
	// Base is the mean surface height, Amplitude the height of the first
	// octave and Period its wavelength, all in voxels.
	Base      int
	Amplitude float64
	Period    int
	Octaves   int
	// BiomeRegionSize is the edge of the square areas sharing a biome.
	BiomeRegionSize int
	DirtDepth       int
}

func DefaultHeightmap(seed int64) Heightmap {
	return Heightmap{
		Seed:            seed,
		Base:            0,
		Amplitude:       24,
		Period:          128,
		Octaves:         3,
		BiomeRegionSize: 256,
		DirtDepth:       3,
	}
}

type Biome int

const (
	Plains Biome = iota
	Forest
	Desert
)

func (b Biome) String() string {
	switch b {
	case Forest:
		return "FOREST"
	case Desert:
		return "DESERT"
	}
	return "PLAINS"
}

func BiomeFrom(noise uint64) Biome {
	return Biome(noise % 3)
}

func (h Heightmap) BiomeAt(x, z int) Biome {
	size := h.BiomeRegionSize
	if size <= 0 {
		size = 1
	}
	return BiomeFrom(mathx.Hash2(h.Seed, mathx.FloorDiv(x, size), mathx.FloorDiv(z, size)))
}

// valueNoise interpolates hashed lattice values with a smoothstep, giving
// a continuous field in [0, 1).
func valueNoise(seed int64, x, z, period int) float64 {
	cx, cz := mathx.FloorDiv(x, period), mathx.FloorDiv(z, period)
	fx := float64(x-cx*period) / float64(period)
	fz := float64(z-cz*period) / float64(period)
	fx = fx * fx * (3 - 2*fx)
	fz = fz * fz * (3 - 2*fz)
	v00 := mathx.Unit2(seed, cx, cz)
	v10 := mathx.Unit2(seed, cx+1, cz)
	v01 := mathx.Unit2(seed, cx, cz+1)
	v11 := mathx.Unit2(seed, cx+1, cz+1)
	a := v00 + (v10-v00)*fx
	b := v01 + (v11-v01)*fx
	return a + (b-a)*fz
}

// HeightAt is the surface height of column (x, z): voxels below it are
// solid.
func (h Heightmap) HeightAt(x, z int) int {
	period := mathx.MaxInt(h.Period, 2)
	amp := h.Amplitude
	sum := 0.0
	for o := 0; o < mathx.MaxInt(h.Octaves, 1); o++ {
		sum += (valueNoise(h.Seed+int64(o)*7919, x, z, period)*2 - 1) * amp
		amp /= 2
		period = mathx.MaxInt(period/2, 2)
	}
	if h.BiomeAt(x, z) == Desert {
		sum *= 0.5
	}
	return h.Base + int(math.Floor(sum))
}

func (h Heightmap) materialAt(x, y, z, surface int) uint64 {
	depth := surface - 1 - y
	biome := h.BiomeAt(x, z)
	switch {
	case biome == Desert && depth <= h.DirtDepth:
		return Sand
	case depth == 0 && biome != Desert:
		return Grass
	case depth <= h.DirtDepth:
		if biome == Forest && mathx.Hash3(h.Seed+303, x, y, z)%16 == 0 {
			return Gravel
		}
		return Dirt
	}
	return Stone
}

func (h Heightmap) UsedChannels() voxel.ChannelMask {
	return voxel.MaskOf(voxel.ChannelType, voxel.ChannelSDF)
}

func (h Heightmap) Generate(out *voxel.Buffer, origin mathx.Vec3i, lod uint8) error {
	fillColumns(out, origin, lod, h.HeightAt, h.materialAt)
	return nil
}
