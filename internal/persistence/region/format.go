// Package region implements the sector-based region file: one file holding a
// fixed cubic grid of blocks at one LOD, updated in place.
//
// Layout (v3, little-endian):
//
//	"VXR_" u8 version
//	u8  block size po2
//	u8  region size x, y, z (in blocks)
//	u8  depth per channel (8)
//	u16 sector size
//	u8  palette flag (0x00 none, 0xff followed by 256 RGBA colors)
//	u64 block info per block, ZXY order
//	sectors: u32 payload length + payload, zero-padded to the sector size
//
// A block info holds sector_index<<8 | sector_count in its low 32 bits; zero
// means the block is absent.
package region

import (
	"errors"
	"fmt"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

const (
	Magic         = "VXR_"
	Version       = 3
	versionLegacy = 2

	FileExtension = "vxr"

	MaxBlocksAcross = 255
	MaxSectorIndex  = 0xffffff
	MaxSectorCount  = 0xff

	magicAndVersionSize = 4 + 1
	fixedHeaderSize     = 7 + voxel.ChannelCount
	paletteSize         = 256 * 4
	blockInfoSize       = 8
	legacyBlockInfoSize = 4

	paletteNone    = 0x00
	palettePresent = 0xff
)

var (
	ErrBadMagic           = errors.New("region: bad magic")
	ErrUnsupportedVersion = errors.New("region: unsupported version")
	ErrCorrupted          = errors.New("region: corrupted file")
	ErrFormatMismatch     = errors.New("region: block does not match file format")
	ErrTooLarge           = errors.New("region: block payload too large")
	ErrNotFound           = errors.New("region: block not found")
	ErrOutOfRange         = errors.New("region: block position outside region")
	ErrClosed             = errors.New("region: file closed")
	ErrReadOnly           = errors.New("region: file opened read-only")
)

type Color8 struct{ R, G, B, A uint8 }

type Format struct {
	BlockSizePo2  uint8
	RegionSize    mathx.Vec3i
	ChannelDepths [voxel.ChannelCount]voxel.Depth
	SectorSize    uint16
	// Palette is nil or exactly 256 colors.
	Palette []Color8
}

func DefaultFormat() Format {
	f := Format{
		BlockSizePo2: 4,
		RegionSize:   mathx.Splat(16),
		SectorSize:   512,
	}
	for i := range f.ChannelDepths {
		f.ChannelDepths[i] = voxel.Depth8
	}
	return f
}

func (f Format) BlockSize() int { return 1 << f.BlockSizePo2 }

func (f Format) HasPalette() bool { return f.Palette != nil }

// HeaderSize is the offset of the first sector.
func (f Format) HeaderSize() int64 {
	n := int64(magicAndVersionSize + fixedHeaderSize)
	if f.HasPalette() {
		n += paletteSize
	}
	return n + int64(f.RegionSize.Volume())*blockInfoSize
}

func (f Format) Validate() error {
	rs := f.RegionSize
	if rs.X <= 0 || rs.Y <= 0 || rs.Z <= 0 || rs.X > MaxBlocksAcross || rs.Y > MaxBlocksAcross || rs.Z > MaxBlocksAcross {
		return fmt.Errorf("region size %v out of range [1, %d]", rs, MaxBlocksAcross)
	}
	if f.BlockSizePo2 == 0 || f.BlockSizePo2 > 8 {
		return fmt.Errorf("block size po2 %d out of range [1, 8]", f.BlockSizePo2)
	}
	if f.SectorSize == 0 {
		return errors.New("sector size must be positive")
	}
	if f.Palette != nil && len(f.Palette) != 256 {
		return fmt.Errorf("palette must have 256 colors, got %d", len(f.Palette))
	}
	bytesPerVoxel := 0
	for i, d := range f.ChannelDepths {
		if !d.Valid() {
			return fmt.Errorf("channel %s: invalid depth %d", voxel.Channel(i), d)
		}
		bytesPerVoxel += d.Bytes()
	}
	// Worst case: a block that does not compress at all.
	worst := bytesPerVoxel * (1 << (3 * int(f.BlockSizePo2)))
	sectorsPerBlock := (worst-1)/int(f.SectorSize) + 1
	if sectorsPerBlock > MaxSectorCount {
		return fmt.Errorf("a block may need %d sectors of %d bytes, more than %d", sectorsPerBlock, f.SectorSize, MaxSectorCount)
	}
	if rs.Volume()*sectorsPerBlock > MaxSectorIndex {
		return fmt.Errorf("region may need more than %d sectors", MaxSectorIndex)
	}
	return nil
}

// VerifyBlock checks that b can be stored under this format.
func (f Format) VerifyBlock(b *voxel.Buffer) error {
	if b.Size() != mathx.Splat(f.BlockSize()) {
		return fmt.Errorf("%w: size %v, want %d", ErrFormatMismatch, b.Size(), f.BlockSize())
	}
	for i, d := range f.ChannelDepths {
		if got := b.Depth(voxel.Channel(i)); got != d {
			return fmt.Errorf("%w: channel %s is %s, want %s", ErrFormatMismatch, voxel.Channel(i), got, d)
		}
	}
	return nil
}

func (f Format) SectorsFor(n int) int {
	return (n-1)/int(f.SectorSize) + 1
}

// BlockInfo locates one block's sectors.
type BlockInfo uint64

func MakeBlockInfo(index, count int) BlockInfo {
	return BlockInfo(uint32(index)<<8 | uint32(count&0xff))
}

func (b BlockInfo) Present() bool { return b != 0 }

func (b BlockInfo) SectorIndex() int { return int(uint32(b) >> 8) }

func (b BlockInfo) SectorCount() int { return int(uint32(b) & 0xff) }

func (b BlockInfo) withIndex(i int) BlockInfo { return MakeBlockInfo(i, b.SectorCount()) }

func (b BlockInfo) withCount(c int) BlockInfo { return MakeBlockInfo(b.SectorIndex(), c) }
