package mathx

import "fmt"

// Box3i is an axis-aligned box of integer cells: [Pos, Pos+Size).
type Box3i struct {
	Pos  Vec3i
	Size Vec3i
}

func NewBox(pos, size Vec3i) Box3i { return Box3i{Pos: pos, Size: size} }

func BoxFromMinMax(min, max Vec3i) Box3i { return Box3i{Pos: min, Size: max.Sub(min)} }

func BoxFromCenterExtents(center, extents Vec3i) Box3i {
	return Box3i{Pos: center.Sub(extents), Size: extents.Mul(2)}
}

func (b Box3i) Max() Vec3i { return b.Pos.Add(b.Size) }

func (b Box3i) IsEmpty() bool { return b.Size.X <= 0 || b.Size.Y <= 0 || b.Size.Z <= 0 }

func (b Box3i) Volume() int {
	if b.IsEmpty() {
		return 0
	}
	return b.Size.Volume()
}

func (b Box3i) Contains(p Vec3i) bool {
	m := b.Max()
	return p.X >= b.Pos.X && p.Y >= b.Pos.Y && p.Z >= b.Pos.Z &&
		p.X < m.X && p.Y < m.Y && p.Z < m.Z
}

func (b Box3i) ContainsBox(o Box3i) bool {
	bm, om := b.Max(), o.Max()
	return o.Pos.X >= b.Pos.X && o.Pos.Y >= b.Pos.Y && o.Pos.Z >= b.Pos.Z &&
		om.X <= bm.X && om.Y <= bm.Y && om.Z <= bm.Z
}

func (b Box3i) Intersects(o Box3i) bool {
	bm, om := b.Max(), o.Max()
	return b.Pos.X < om.X && o.Pos.X < bm.X &&
		b.Pos.Y < om.Y && o.Pos.Y < bm.Y &&
		b.Pos.Z < om.Z && o.Pos.Z < bm.Z
}

// Clipped returns the intersection of b and lim. The result may be empty.
func (b Box3i) Clipped(lim Box3i) Box3i {
	min := b.Pos.Max(lim.Pos)
	max := b.Max().Min(lim.Max())
	max = max.Max(min)
	return BoxFromMinMax(min, max)
}

func (b Box3i) Padded(n int) Box3i {
	return Box3i{Pos: b.Pos.Sub(Splat(n)), Size: b.Size.Add(Splat(2 * n))}
}

// Downscaled returns the smallest box in units of 2^po2 cells that covers b.
func (b Box3i) Downscaled(po2 uint) Box3i {
	min := b.Pos.Shr(po2)
	m := b.Max()
	max := Vec3i{CeilDivPo2(m.X, po2), CeilDivPo2(m.Y, po2), CeilDivPo2(m.Z, po2)}
	return BoxFromMinMax(min, max)
}

func (b Box3i) Upscaled(po2 uint) Box3i {
	return Box3i{Pos: b.Pos.Shl(po2), Size: b.Size.Shl(po2)}
}

// ForEachCell visits every cell, Z outermost and Y innermost.
func (b Box3i) ForEachCell(fn func(p Vec3i)) {
	m := b.Max()
	for z := b.Pos.Z; z < m.Z; z++ {
		for x := b.Pos.X; x < m.X; x++ {
			for y := b.Pos.Y; y < m.Y; y++ {
				fn(Vec3i{X: x, Y: y, Z: z})
			}
		}
	}
}

// ForEachCellNotIn visits the cells of b that are outside o.
func (b Box3i) ForEachCellNotIn(o Box3i, fn func(p Vec3i)) {
	if !b.Intersects(o) {
		b.ForEachCell(fn)
		return
	}
	b.ForEachCell(func(p Vec3i) {
		if !o.Contains(p) {
			fn(p)
		}
	})
}

func (b Box3i) String() string { return fmt.Sprintf("[%v +%v]", b.Pos, b.Size) }
