package mathx

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

type Vec3i struct{ X, Y, Z int }

func V3(x, y, z int) Vec3i { return Vec3i{X: x, Y: y, Z: z} }

func Splat(v int) Vec3i { return Vec3i{X: v, Y: v, Z: v} }

func (a Vec3i) Add(b Vec3i) Vec3i { return Vec3i{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3i) Sub(b Vec3i) Vec3i { return Vec3i{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3i) Mul(s int) Vec3i   { return Vec3i{a.X * s, a.Y * s, a.Z * s} }

// Shl and Shr are the block<->voxel conversions. Shr is an arithmetic shift
// so negative coordinates stay contiguous (-1 >> 4 == -1).
func (a Vec3i) Shl(n uint) Vec3i { return Vec3i{a.X << n, a.Y << n, a.Z << n} }
func (a Vec3i) Shr(n uint) Vec3i { return Vec3i{a.X >> n, a.Y >> n, a.Z >> n} }

// And masks each component, used to get voxel positions local to a block.
func (a Vec3i) And(m int) Vec3i { return Vec3i{a.X & m, a.Y & m, a.Z & m} }

func (a Vec3i) Min(b Vec3i) Vec3i {
	return Vec3i{MinInt(a.X, b.X), MinInt(a.Y, b.Y), MinInt(a.Z, b.Z)}
}

func (a Vec3i) Max(b Vec3i) Vec3i {
	return Vec3i{MaxInt(a.X, b.X), MaxInt(a.Y, b.Y), MaxInt(a.Z, b.Z)}
}

func (a Vec3i) Volume() int { return a.X * a.Y * a.Z }

func (a Vec3i) LengthSq() int { return a.X*a.X + a.Y*a.Y + a.Z*a.Z }

func (a Vec3i) DistanceSq(b Vec3i) int { return a.Sub(b).LengthSq() }

func (a Vec3i) IsZero() bool { return a == Vec3i{} }

// Less orders positions by X, then Z, then Y. Neighbourhood locks are taken
// in this order.
func (a Vec3i) Less(b Vec3i) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	return a.Y < b.Y
}

func (a Vec3i) ToFloat() mgl64.Vec3 { return mgl64.Vec3{float64(a.X), float64(a.Y), float64(a.Z)} }

func (a Vec3i) String() string { return fmt.Sprintf("(%d, %d, %d)", a.X, a.Y, a.Z) }

// ZXYIndex returns the linear index of a position in a box of the given size,
// with Y varying fastest, then X, then Z.
func ZXYIndex(p, size Vec3i) int {
	return p.Y + size.Y*(p.X+size.X*p.Z)
}

// FromZXYIndex is the inverse of ZXYIndex.
func FromZXYIndex(i int, size Vec3i) Vec3i {
	y := i % size.Y
	i /= size.Y
	x := i % size.X
	z := i / size.X
	return Vec3i{X: x, Y: y, Z: z}
}

// Floor converts to integer coordinates rounding toward -infinity.
func Floor(v mgl64.Vec3) Vec3i {
	return Vec3i{floorInt(v[0]), floorInt(v[1]), floorInt(v[2])}
}

func floorInt(f float64) int {
	i := int(f)
	if float64(i) > f {
		i--
	}
	return i
}
