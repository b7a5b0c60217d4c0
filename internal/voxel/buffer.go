package voxel

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"voxelstream.ai/internal/mathx"
)

type channel struct {
	data   []byte // nil while uniform
	defval uint64
	depth  Depth
}

// Buffer is a dense 3D grid of voxels with independent channels. A channel
// is either uniform (one value, no memory) or expanded (one value per voxel).
//
// The buffer is not safe for concurrent use by itself; readers and writers
// coordinate through RLock/Lock.
type Buffer struct {
	lock

	size     mathx.Vec3i
	channels [ChannelCount]channel
	pool     *Pool
}

func NewBuffer(size mathx.Vec3i, f Format, pool *Pool) *Buffer {
	if size.X <= 0 || size.Y <= 0 || size.Z <= 0 {
		panic(fmt.Sprintf("voxel: invalid buffer size %v", size))
	}
	b := &Buffer{size: size, pool: pool}
	for i := range b.channels {
		b.channels[i].depth = f.Depths[i]
		b.channels[i].defval = f.Defaults[i]
	}
	return b
}

// NewCube is NewBuffer for the usual cubic block shape.
func NewCube(edge int, f Format, pool *Pool) *Buffer {
	return NewBuffer(mathx.Splat(edge), f, pool)
}

func (b *Buffer) Size() mathx.Vec3i { return b.size }

func (b *Buffer) Volume() int { return b.size.Volume() }

func (b *Buffer) Box() mathx.Box3i { return mathx.Box3i{Size: b.size} }

func (b *Buffer) Format() Format {
	var f Format
	for i, c := range b.channels {
		f.Depths[i] = c.depth
		f.Defaults[i] = c.defval
	}
	return f
}

func (b *Buffer) Depth(ch Channel) Depth { return b.ch(ch).depth }

func (b *Buffer) IsUniform(ch Channel) bool { return b.ch(ch).data == nil }

// UniformValue returns the value of a uniform channel. For an expanded
// channel it returns the value the channel had before being expanded.
func (b *Buffer) UniformValue(ch Channel) uint64 { return b.ch(ch).defval }

// Raw exposes the little-endian storage of an expanded channel, nil when
// uniform. Layout is ZXY (Y fastest).
func (b *Buffer) Raw(ch Channel) []byte { return b.ch(ch).data }

func (b *Buffer) ch(ch Channel) *channel {
	if int(ch) >= ChannelCount {
		panic(fmt.Sprintf("voxel: channel index %d out of range", ch))
	}
	return &b.channels[ch]
}

func (b *Buffer) index(p mathx.Vec3i) int {
	return mathx.ZXYIndex(p, b.size)
}

func (b *Buffer) checkPos(p mathx.Vec3i) {
	if !b.Box().Contains(p) {
		panic(fmt.Sprintf("voxel: position %v outside buffer of size %v", p, b.size))
	}
}

func (b *Buffer) Get(p mathx.Vec3i, ch Channel) uint64 {
	c := b.ch(ch)
	b.checkPos(p)
	if c.data == nil {
		return c.defval
	}
	return readValue(c.data, b.index(p), c.depth)
}

func (b *Buffer) Set(p mathx.Vec3i, ch Channel, v uint64) {
	c := b.ch(ch)
	b.checkPos(p)
	v &= c.depth.MaxValue()
	if c.data == nil {
		if v == c.defval {
			return
		}
		b.expand(c)
	}
	writeValue(c.data, b.index(p), c.depth, v)
}

func (b *Buffer) GetF(p mathx.Vec3i, ch Channel) float64 {
	return DecodeSDF(b.ch(ch).depth, b.Get(p, ch))
}

func (b *Buffer) SetF(p mathx.Vec3i, ch Channel, v float64) {
	b.Set(p, ch, EncodeSDF(b.ch(ch).depth, v))
}

// Fill makes the channel uniform with value v, releasing its memory.
func (b *Buffer) Fill(ch Channel, v uint64) {
	c := b.ch(ch)
	b.release(c)
	c.defval = v & c.depth.MaxValue()
}

// FillArea sets every voxel of box (clipped to the buffer) to v.
func (b *Buffer) FillArea(box mathx.Box3i, ch Channel, v uint64) {
	c := b.ch(ch)
	box = box.Clipped(b.Box())
	if box.IsEmpty() {
		return
	}
	v &= c.depth.MaxValue()
	if box == b.Box() {
		b.Fill(ch, v)
		return
	}
	if c.data == nil {
		if c.defval == v {
			return
		}
		b.expand(c)
	}
	box.ForEachCell(func(p mathx.Vec3i) {
		writeValue(c.data, b.index(p), c.depth, v)
	})
}

// Clear releases every channel and resets them to the given format defaults.
func (b *Buffer) Clear(f Format) {
	for i := range b.channels {
		c := &b.channels[i]
		b.release(c)
		c.depth = f.Depths[i]
		c.defval = f.Defaults[i]
	}
}

// SetDepth changes a channel's storage width. Expanded values are truncated
// to the new width.
func (b *Buffer) SetDepth(ch Channel, d Depth) {
	c := b.ch(ch)
	if c.depth == d {
		return
	}
	if !d.Valid() {
		panic(fmt.Sprintf("voxel: invalid depth %d", d))
	}
	if c.data == nil {
		c.depth = d
		c.defval &= d.MaxValue()
		return
	}
	n := b.Volume()
	data := b.pool.Allocate(n * d.Bytes())
	for i := 0; i < n; i++ {
		writeValue(data, i, d, readValue(c.data, i, c.depth)&d.MaxValue())
	}
	b.pool.Recycle(c.data)
	c.data = data
	c.depth = d
	c.defval &= d.MaxValue()
}

// Compress turns channels whose voxels all hold the same value into uniform
// channels. It returns the number of channels released.
func (b *Buffer) Compress(mask ChannelMask) int {
	n := 0
	mask.ForEach(func(ch Channel) {
		c := &b.channels[ch]
		if c.data == nil {
			return
		}
		if v, ok := uniformValue(c.data, c.depth); ok {
			b.pool.Recycle(c.data)
			c.data = nil
			c.defval = v
			n++
		}
	})
	return n
}

// Decompress expands a uniform channel so it can be written voxel by voxel.
func (b *Buffer) Decompress(ch Channel) {
	c := b.ch(ch)
	if c.data == nil {
		b.expand(c)
	}
}

// SetRaw replaces an expanded channel's content with a copy of data, which
// must hold exactly Volume() values at the channel's depth.
func (b *Buffer) SetRaw(ch Channel, data []byte) error {
	c := b.ch(ch)
	want := b.Volume() * c.depth.Bytes()
	if len(data) != want {
		return fmt.Errorf("channel %s: got %d bytes, want %d", ch, len(data), want)
	}
	if c.data == nil {
		c.data = b.pool.Allocate(want)
	}
	copy(c.data, data)
	return nil
}

func (b *Buffer) expand(c *channel) {
	n := b.Volume()
	c.data = b.pool.Allocate(n * c.depth.Bytes())
	if c.defval != 0 {
		for i := 0; i < n; i++ {
			writeValue(c.data, i, c.depth, c.defval)
		}
	}
}

func (b *Buffer) release(c *channel) {
	if c.data != nil {
		b.pool.Recycle(c.data)
		c.data = nil
	}
}

// Release hands every expanded channel back to the pool. The buffer reads as
// uniform afterwards.
func (b *Buffer) Release() {
	for i := range b.channels {
		b.release(&b.channels[i])
	}
}

// CopyFrom copies srcBox of src into b at dstMin for the channels in mask.
// Parts falling outside either buffer are ignored. Values are truncated when
// the destination channel is narrower.
func (b *Buffer) CopyFrom(src *Buffer, srcBox mathx.Box3i, dstMin mathx.Vec3i, mask ChannelMask) {
	srcBox = srcBox.Clipped(src.Box())
	// Clip against the destination, keeping src and dst aligned.
	dstBox := mathx.Box3i{Pos: dstMin, Size: srcBox.Size}.Clipped(b.Box())
	if dstBox.IsEmpty() {
		return
	}
	srcBox = mathx.Box3i{Pos: srcBox.Pos.Add(dstBox.Pos.Sub(dstMin)), Size: dstBox.Size}

	mask.ForEach(func(ch Channel) {
		sc := &src.channels[ch]
		dc := &b.channels[ch]
		if sc.data == nil {
			b.FillArea(dstBox, ch, sc.defval)
			return
		}
		if dc.data == nil {
			b.expand(dc)
		}
		if sc.depth != dc.depth {
			dstBox.ForEachCell(func(p mathx.Vec3i) {
				sp := p.Sub(dstBox.Pos).Add(srcBox.Pos)
				v := readValue(sc.data, src.index(sp), sc.depth)
				writeValue(dc.data, b.index(p), dc.depth, v&dc.depth.MaxValue())
			})
			return
		}
		// Same depth: Y is contiguous in both layouts.
		bs := sc.depth.Bytes()
		rowLen := dstBox.Size.Y * bs
		for z := 0; z < dstBox.Size.Z; z++ {
			for x := 0; x < dstBox.Size.X; x++ {
				sp := srcBox.Pos.Add(mathx.V3(x, 0, z))
				dp := dstBox.Pos.Add(mathx.V3(x, 0, z))
				si := src.index(sp) * bs
				di := b.index(dp) * bs
				copy(dc.data[di:di+rowLen], sc.data[si:si+rowLen])
			}
		}
	})
}

// DownscaleInto writes a half-resolution copy of b into dst at dstOffset,
// taking the first voxel of every 2x2x2 cell.
func (b *Buffer) DownscaleInto(dst *Buffer, dstOffset mathx.Vec3i, mask ChannelMask) {
	half := mathx.Vec3i{X: b.size.X >> 1, Y: b.size.Y >> 1, Z: b.size.Z >> 1}
	area := mathx.Box3i{Pos: dstOffset, Size: half}.Clipped(dst.Box())
	if area.IsEmpty() {
		return
	}
	mask.ForEach(func(ch Channel) {
		sc := &b.channels[ch]
		if sc.data == nil {
			dst.FillArea(area, ch, sc.defval)
			return
		}
		dc := &dst.channels[ch]
		if dc.data == nil {
			dst.expand(dc)
		}
		area.ForEachCell(func(p mathx.Vec3i) {
			sp := p.Sub(dstOffset).Mul(2)
			v := readValue(sc.data, b.index(sp), sc.depth)
			writeValue(dc.data, dst.index(p), dc.depth, v&dc.depth.MaxValue())
		})
	})
}

func (b *Buffer) Clone(pool *Pool) *Buffer {
	o := &Buffer{size: b.size, pool: pool}
	for i, c := range b.channels {
		oc := &o.channels[i]
		oc.depth = c.depth
		oc.defval = c.defval
		if c.data != nil {
			oc.data = pool.Allocate(len(c.data))
			copy(oc.data, c.data)
		}
	}
	return o
}

// Equal compares content, not representation: a uniform channel equals an
// expanded one holding the same value everywhere.
func (b *Buffer) Equal(o *Buffer) bool {
	if b.size != o.size {
		return false
	}
	for i := range b.channels {
		bc, oc := &b.channels[i], &o.channels[i]
		if bc.depth != oc.depth {
			return false
		}
		switch {
		case bc.data == nil && oc.data == nil:
			if bc.defval != oc.defval {
				return false
			}
		case bc.data != nil && oc.data != nil:
			if !bytes.Equal(bc.data, oc.data) {
				return false
			}
		default:
			exp, uni := bc, oc
			if exp.data == nil {
				exp, uni = oc, bc
			}
			v, ok := uniformValue(exp.data, exp.depth)
			if !ok || v != uni.defval {
				return false
			}
		}
	}
	return true
}

// Digest hashes the buffer content. Like Equal it ignores whether a channel
// happens to be stored uniform or expanded.
func (b *Buffer) Digest() [32]byte {
	h := sha256.New()
	var tmp [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	put(uint64(b.size.X))
	put(uint64(b.size.Y))
	put(uint64(b.size.Z))
	for _, c := range b.channels {
		put(uint64(c.depth))
		if c.data == nil {
			put(0)
			put(c.defval)
			continue
		}
		if v, ok := uniformValue(c.data, c.depth); ok {
			put(0)
			put(v)
			continue
		}
		put(1)
		h.Write(c.data)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MemoryUsage returns the number of bytes held by expanded channels.
func (b *Buffer) MemoryUsage() int {
	n := 0
	for _, c := range b.channels {
		n += len(c.data)
	}
	return n
}

func readValue(data []byte, i int, d Depth) uint64 {
	switch d {
	case Depth8:
		return uint64(data[i])
	case Depth16:
		return uint64(binary.LittleEndian.Uint16(data[i*2:]))
	case Depth32:
		return uint64(binary.LittleEndian.Uint32(data[i*4:]))
	default:
		return binary.LittleEndian.Uint64(data[i*8:])
	}
}

func writeValue(data []byte, i int, d Depth, v uint64) {
	switch d {
	case Depth8:
		data[i] = uint8(v)
	case Depth16:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	case Depth32:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(data[i*8:], v)
	}
}

func uniformValue(data []byte, d Depth) (uint64, bool) {
	bs := d.Bytes()
	if len(data) < bs {
		return 0, false
	}
	first := data[:bs]
	for i := bs; i < len(data); i += bs {
		if !bytes.Equal(data[i:i+bs], first) {
			return 0, false
		}
	}
	return readValue(data, 0, d), true
}
