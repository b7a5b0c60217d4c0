package sqlitestream

import (
	"fmt"

	"voxelstream.ai/internal/mathx"
)

// CoordinateFormat is how a block position and LOD are packed into the
// integer primary key of the blocks table. The value is stored in the
// database and never changes for its lifetime.
type CoordinateFormat int

const (
	// 16 bits per axis, LOD in the top 16 bits. Blocks in [-32768, 32767].
	FormatX16Y16Z16L16 CoordinateFormat = 0
	// 19 bits per axis, 7 bits of LOD. Blocks in [-262144, 262143].
	FormatX19Y19Z19L7 CoordinateFormat = 1
)

const DefaultCoordinateFormat = FormatX19Y19Z19L7

func (f CoordinateFormat) String() string {
	switch f {
	case FormatX16Y16Z16L16:
		return "x16y16z16l16"
	case FormatX19Y19Z19L7:
		return "x19y19z19l7"
	}
	return fmt.Sprintf("CoordinateFormat(%d)", int(f))
}

func (f CoordinateFormat) Valid() bool {
	return f == FormatX16Y16Z16L16 || f == FormatX19Y19Z19L7
}

func (f CoordinateFormat) axisBits() uint {
	if f == FormatX16Y16Z16L16 {
		return 16
	}
	return 19
}

// MaxLOD is the number of LOD indices the format can address.
func (f CoordinateFormat) MaxLOD() int {
	if f == FormatX16Y16Z16L16 {
		return 256
	}
	return 128
}

// Range is the inclusive block coordinate range on every axis.
func (f CoordinateFormat) Range() (min, max int) {
	n := f.axisBits()
	return -(1 << (n - 1)), 1<<(n-1) - 1
}

// Encode packs pos and lod. Positions outside Range are rejected.
func (f CoordinateFormat) Encode(pos mathx.Vec3i, lod uint8) (int64, error) {
	lo, hi := f.Range()
	if pos.X < lo || pos.X > hi || pos.Y < lo || pos.Y > hi || pos.Z < lo || pos.Z > hi {
		return 0, fmt.Errorf("block %v outside %s range [%d, %d]", pos, f, lo, hi)
	}
	if int(lod) >= f.MaxLOD() {
		return 0, fmt.Errorf("lod %d outside %s range", lod, f)
	}
	n := f.axisBits()
	mask := uint64(1)<<n - 1
	v := uint64(lod)<<(3*n) |
		(uint64(pos.X)&mask)<<(2*n) |
		(uint64(pos.Y)&mask)<<n |
		uint64(pos.Z)&mask
	return int64(v), nil
}

func (f CoordinateFormat) Decode(key int64) (mathx.Vec3i, uint8) {
	n := f.axisBits()
	mask := uint64(1)<<n - 1
	v := uint64(key)
	ext := func(x uint64) int {
		shift := 64 - n
		return int(int64(x<<shift) >> shift)
	}
	pos := mathx.V3(ext((v>>(2*n))&mask), ext((v>>n)&mask), ext(v&mask))
	lod := uint8((v >> (3 * n)) & 0xff)
	return pos, lod
}
