package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/blockcodec"
	"voxelstream.ai/internal/voxel"
)

type Options struct {
	// Create makes a new file with Format when none exists at the path.
	Create bool
	// Format is used to create new files, and to read legacy files which do
	// not record their own format.
	Format   Format
	ReadOnly bool
}

// File is an open region file. It is not safe for concurrent use, except
// that LoadRaw and LoadBlock may run concurrently with each other as long as
// no write is in progress.
type File struct {
	path    string
	f       *os.File
	ra      io.ReaderAt // serves every read; f unless a test swaps it
	opts    Options
	version uint8
	format  Format
	blocks  []BlockInfo
	// sectors lists, in file order, the block position owning each sector.
	sectors        []mathx.Vec3i
	blocksBegin    int64
	headerModified bool
}

// Open opens the region file at path. With opts.Create, a missing file is
// created along with its parent directories.
func Open(path string, opts Options) (*File, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if errors.Is(err, os.ErrNotExist) && opts.Create && !opts.ReadOnly {
		return create(path, opts)
	}
	if err != nil {
		return nil, err
	}
	r := &File{path: path, f: f, ra: f, opts: opts}
	if err := r.loadHeader(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := r.buildSectors(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func create(path string, opts Options) (*File, error) {
	if err := opts.Format.Validate(); err != nil {
		return nil, fmt.Errorf("region format: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	r := &File{
		path:    path,
		f:       f,
		ra:      f,
		opts:    opts,
		version: Version,
		format:  opts.Format,
		blocks:  make([]BlockInfo, opts.Format.RegionSize.Volume()),
	}
	if err := r.writeHeader(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return r, nil
}

// readFailure wraps a failed read. Only a short read means the file is
// corrupted; any other error may go away and is returned as is.
func readFailure(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, what, err)
	}
	return fmt.Errorf("region: read %s: %w", what, err)
}

func (r *File) Path() string { return r.path }

func (r *File) Format() Format { return r.format }

// Version is the on-disk version; legacy files report their old version
// until the first write migrates them.
func (r *File) Version() uint8 { return r.version }

func (r *File) IsValidPosition(p mathx.Vec3i) bool {
	rs := r.format.RegionSize
	return p.X >= 0 && p.Y >= 0 && p.Z >= 0 && p.X < rs.X && p.Y < rs.Y && p.Z < rs.Z
}

func (r *File) index(p mathx.Vec3i) (int, error) {
	if !r.IsValidPosition(p) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, p)
	}
	return mathx.ZXYIndex(p, r.format.RegionSize), nil
}

func (r *File) Has(p mathx.Vec3i) bool {
	i, err := r.index(p)
	return err == nil && r.blocks[i].Present()
}

func (r *File) BlockInfo(p mathx.Vec3i) BlockInfo {
	i, err := r.index(p)
	if err != nil {
		return 0
	}
	return r.blocks[i]
}

// BlockCount is the number of blocks present.
func (r *File) BlockCount() int {
	n := 0
	for _, b := range r.blocks {
		if b.Present() {
			n++
		}
	}
	return n
}

// SectorCount is the number of sectors after the header.
func (r *File) SectorCount() int { return len(r.sectors) }

// SectorsInUse sums the sector counts of present blocks. It equals
// SectorCount unless the file leaked sectors.
func (r *File) SectorsInUse() int {
	n := 0
	for _, b := range r.blocks {
		if b.Present() {
			n += b.SectorCount()
		}
	}
	return n
}

// ForEachBlock visits present blocks in header order.
func (r *File) ForEachBlock(fn func(p mathx.Vec3i, info BlockInfo)) {
	for i, b := range r.blocks {
		if b.Present() {
			fn(mathx.FromZXYIndex(i, r.format.RegionSize), b)
		}
	}
}

func (r *File) sectorOffset(i int) int64 {
	return r.blocksBegin + int64(i)*int64(r.format.SectorSize)
}

// LoadRaw returns the stored payload of the block at p, or ErrNotFound.
func (r *File) LoadRaw(p mathx.Vec3i) ([]byte, error) {
	if r.f == nil {
		return nil, ErrClosed
	}
	i, err := r.index(p)
	if err != nil {
		return nil, err
	}
	info := r.blocks[i]
	if !info.Present() {
		return nil, ErrNotFound
	}
	off := r.sectorOffset(info.SectorIndex())
	var lenBuf [4]byte
	if _, err := r.ra.ReadAt(lenBuf[:], off); err != nil {
		return nil, readFailure(fmt.Sprintf("block %v length at %d", p, off), err)
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n+4 > info.SectorCount()*int(r.format.SectorSize) {
		return nil, fmt.Errorf("%w: block %v declares %d bytes in %d sectors", ErrCorrupted, p, n, info.SectorCount())
	}
	data := make([]byte, n)
	if _, err := r.ra.ReadAt(data, off+4); err != nil {
		return nil, readFailure(fmt.Sprintf("block %v payload", p), err)
	}
	return data, nil
}

// LoadBlock decodes the block at p into out. Channel depths of out are set
// from the file.
func (r *File) LoadBlock(p mathx.Vec3i, out *voxel.Buffer) error {
	data, err := r.LoadRaw(p)
	if err != nil {
		return err
	}
	if err := blockcodec.Decode(data, out); err != nil {
		return fmt.Errorf("%w: block %v: %v", ErrCorrupted, p, err)
	}
	return nil
}

func (r *File) SaveBlock(p mathx.Vec3i, b *voxel.Buffer) error {
	if err := r.format.VerifyBlock(b); err != nil {
		return err
	}
	return r.SaveRaw(p, blockcodec.Encode(b))
}

// SaveRaw stores data as the payload of the block at p. A payload needing
// no more sectors than before is rewritten in place, and the sectors it no
// longer needs are compacted away. A larger payload moves to the end of the
// file.
func (r *File) SaveRaw(p mathx.Vec3i, data []byte) error {
	if r.f == nil {
		return ErrClosed
	}
	if r.opts.ReadOnly {
		return ErrReadOnly
	}
	i, err := r.index(p)
	if err != nil {
		return err
	}
	written := 4 + len(data)
	count := r.format.SectorsFor(written)
	if count > MaxSectorCount {
		return fmt.Errorf("%w: %d bytes need %d sectors", ErrTooLarge, written, count)
	}
	if r.version != Version {
		if err := r.migrate(); err != nil {
			return err
		}
	}

	info := r.blocks[i]
	switch {
	case !info.Present():
		if err := r.appendBlock(i, p, data, count); err != nil {
			return err
		}
	case count <= info.SectorCount():
		if count < info.SectorCount() {
			if err := r.removeSectors(i, info.SectorCount()-count); err != nil {
				return err
			}
			info = r.blocks[i]
		}
		if err := r.writePayload(r.sectorOffset(info.SectorIndex()), data, false); err != nil {
			return err
		}
	default:
		if err := r.removeSectors(i, info.SectorCount()); err != nil {
			return err
		}
		if err := r.appendBlock(i, p, data, count); err != nil {
			return err
		}
	}
	return nil
}

func (r *File) appendBlock(i int, p mathx.Vec3i, data []byte, count int) error {
	start := len(r.sectors)
	if start+count > MaxSectorIndex {
		return fmt.Errorf("%w: region is full", ErrTooLarge)
	}
	if err := r.writePayload(r.sectorOffset(start), data, true); err != nil {
		return err
	}
	r.blocks[i] = MakeBlockInfo(start, count)
	for k := 0; k < count; k++ {
		r.sectors = append(r.sectors, p)
	}
	r.headerModified = true
	return nil
}

func (r *File) writePayload(off int64, data []byte, pad bool) error {
	n := 4 + len(data)
	size := n
	if pad {
		size = r.format.SectorsFor(n) * int(r.format.SectorSize)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := r.f.WriteAt(buf, off)
	return err
}

// removeSectors drops the last n sectors of block i and shifts every later
// sector back by n, so the file never has holes. The file is truncated
// accordingly.
func (r *File) removeSectors(i, n int) error {
	info := r.blocks[i]
	if n <= 0 || n > info.SectorCount() {
		panic(fmt.Sprintf("region: removing %d sectors from a block of %d", n, info.SectorCount()))
	}
	sectorSize := int64(r.format.SectorSize)
	oldEnd := r.sectorOffset(len(r.sectors))
	src := r.sectorOffset(info.SectorIndex() + info.SectorCount())
	dst := src - int64(n)*sectorSize

	tmp := make([]byte, sectorSize)
	for ; src < oldEnd; src, dst = src+sectorSize, dst+sectorSize {
		if _, err := r.ra.ReadAt(tmp, src); err != nil {
			return readFailure(fmt.Sprintf("sector at %d", src), err)
		}
		if _, err := r.f.WriteAt(tmp, dst); err != nil {
			return err
		}
	}
	if err := r.f.Truncate(oldEnd - int64(n)*sectorSize); err != nil {
		return err
	}

	end := info.SectorIndex() + info.SectorCount()
	r.sectors = slices.Delete(r.sectors, end-n, end)

	oldIndex := info.SectorIndex()
	if info.SectorCount() > n {
		r.blocks[i] = info.withCount(info.SectorCount() - n)
	} else {
		r.blocks[i] = 0
	}
	for k, b := range r.blocks {
		if b.Present() && b.SectorIndex() > oldIndex {
			r.blocks[k] = b.withIndex(b.SectorIndex() - n)
		}
	}
	r.headerModified = true
	return nil
}

// Flush writes the header if it changed.
func (r *File) Flush() error {
	if r.f == nil {
		return ErrClosed
	}
	if !r.headerModified || r.opts.ReadOnly {
		return nil
	}
	return r.writeHeader()
}

func (r *File) Sync() error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.f.Sync()
}

func (r *File) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.Flush()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.f = nil
	r.sectors = nil
	return err
}

func (r *File) encodeHeader() []byte {
	f := r.format
	var buf bytes.Buffer
	buf.Grow(int(f.HeaderSize()))
	buf.WriteString(Magic)
	buf.WriteByte(Version)
	buf.WriteByte(f.BlockSizePo2)
	buf.WriteByte(byte(f.RegionSize.X))
	buf.WriteByte(byte(f.RegionSize.Y))
	buf.WriteByte(byte(f.RegionSize.Z))
	for _, d := range f.ChannelDepths {
		buf.WriteByte(byte(d))
	}
	_ = binary.Write(&buf, binary.LittleEndian, f.SectorSize)
	if f.HasPalette() {
		buf.WriteByte(palettePresent)
		for _, c := range f.Palette {
			buf.Write([]byte{c.R, c.G, c.B, c.A})
		}
	} else {
		buf.WriteByte(paletteNone)
	}
	var rec [blockInfoSize]byte
	for _, b := range r.blocks {
		binary.LittleEndian.PutUint64(rec[:], uint64(b))
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

func (r *File) writeHeader() error {
	h := r.encodeHeader()
	if _, err := r.f.WriteAt(h, 0); err != nil {
		return err
	}
	r.blocksBegin = int64(len(h))
	r.headerModified = false
	return nil
}

func (r *File) loadHeader() error {
	var mv [magicAndVersionSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(r.f, 0, magicAndVersionSize), mv[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(mv[:4]) != Magic {
		return ErrBadMagic
	}
	r.version = mv[4]
	switch r.version {
	case Version:
		return r.loadHeaderV3()
	case versionLegacy:
		return r.loadHeaderV2()
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.version)
	}
}

func (r *File) loadHeaderV3() error {
	var fixed [fixedHeaderSize]byte
	if _, err := r.ra.ReadAt(fixed[:], magicAndVersionSize); err != nil {
		return readFailure("header", err)
	}
	var f Format
	f.BlockSizePo2 = fixed[0]
	f.RegionSize = mathx.V3(int(fixed[1]), int(fixed[2]), int(fixed[3]))
	for i := range f.ChannelDepths {
		d := voxel.Depth(fixed[4+i])
		if !d.Valid() {
			return fmt.Errorf("%w: channel %d depth %d", ErrCorrupted, i, d)
		}
		f.ChannelDepths[i] = d
	}
	f.SectorSize = binary.LittleEndian.Uint16(fixed[4+voxel.ChannelCount:])
	off := int64(magicAndVersionSize + fixedHeaderSize)
	switch flag := fixed[fixedHeaderSize-1]; flag {
	case paletteNone:
	case palettePresent:
		raw := make([]byte, paletteSize)
		if _, err := r.ra.ReadAt(raw, off); err != nil {
			return readFailure("palette", err)
		}
		f.Palette = make([]Color8, 256)
		for i := range f.Palette {
			f.Palette[i] = Color8{raw[i*4], raw[i*4+1], raw[i*4+2], raw[i*4+3]}
		}
		off += paletteSize
	default:
		return fmt.Errorf("%w: unexpected palette flag %#x", ErrCorrupted, flag)
	}
	if f.RegionSize.Volume() == 0 || f.SectorSize == 0 {
		return fmt.Errorf("%w: region size %v, sector size %d", ErrCorrupted, f.RegionSize, f.SectorSize)
	}
	r.format = f
	blocks, err := r.readBlockInfos(off, blockInfoSize)
	if err != nil {
		return err
	}
	r.blocks = blocks
	r.blocksBegin = off + int64(len(blocks))*blockInfoSize
	return nil
}

func (r *File) loadHeaderV2() error {
	f := r.opts.Format
	if f.BlockSizePo2 == 0 {
		return fmt.Errorf("%w: version 2 files need a known format to open", ErrUnsupportedVersion)
	}
	r.format = f
	blocks, err := r.readBlockInfos(magicAndVersionSize, legacyBlockInfoSize)
	if err != nil {
		return err
	}
	r.blocks = blocks
	r.blocksBegin = magicAndVersionSize + int64(len(blocks))*legacyBlockInfoSize
	return nil
}

func (r *File) readBlockInfos(off int64, recSize int) ([]BlockInfo, error) {
	n := r.format.RegionSize.Volume()
	raw := make([]byte, n*recSize)
	if _, err := r.ra.ReadAt(raw, off); err != nil {
		return nil, readFailure("block table", err)
	}
	out := make([]BlockInfo, n)
	for i := range out {
		if recSize == legacyBlockInfoSize {
			out[i] = BlockInfo(binary.LittleEndian.Uint32(raw[i*4:]))
		} else {
			out[i] = BlockInfo(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	}
	return out, nil
}

// buildSectors rebuilds the sector owner list and checks that present
// blocks tile the sector area without overlapping or leaving holes.
func (r *File) buildSectors() error {
	type entry struct {
		info BlockInfo
		pos  mathx.Vec3i
	}
	var present []entry
	for i, b := range r.blocks {
		if !b.Present() {
			continue
		}
		if b.SectorCount() == 0 {
			return fmt.Errorf("%w: block %d has no sectors", ErrCorrupted, i)
		}
		present = append(present, entry{b, mathx.FromZXYIndex(i, r.format.RegionSize)})
	}
	sort.Slice(present, func(i, j int) bool { return present[i].info.SectorIndex() < present[j].info.SectorIndex() })

	r.sectors = r.sectors[:0]
	for _, e := range present {
		if e.info.SectorIndex() != len(r.sectors) {
			return fmt.Errorf("%w: block %v starts at sector %d, expected %d", ErrCorrupted, e.pos, e.info.SectorIndex(), len(r.sectors))
		}
		for k := 0; k < e.info.SectorCount(); k++ {
			r.sectors = append(r.sectors, e.pos)
		}
	}
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	if end := r.sectorOffset(len(r.sectors)); st.Size() < end {
		return fmt.Errorf("%w: sectors end at %d but file is %d bytes", ErrCorrupted, end, st.Size())
	}
	return nil
}

// migrate rewrites a legacy header as the current version, moving the
// sector area to make room for the larger header.
func (r *File) migrate() error {
	if r.version != versionLegacy {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.version)
	}
	if err := r.format.Validate(); err != nil {
		return fmt.Errorf("region: cannot migrate %s: %w", r.path, err)
	}
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	tail := make([]byte, st.Size()-r.blocksBegin)
	if _, err := r.ra.ReadAt(tail, r.blocksBegin); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("region: migrate %s: %w", r.path, err)
	}
	r.version = Version
	if err := r.writeHeader(); err != nil {
		return err
	}
	if _, err := r.f.WriteAt(tail, r.blocksBegin); err != nil {
		return err
	}
	return nil
}

// DebugCheck looks for signs of corruption and returns one error per
// problem found.
func (r *File) DebugCheck() []error {
	if r.f == nil {
		return []error{ErrClosed}
	}
	var problems []error
	st, err := r.f.Stat()
	if err != nil {
		return []error{err}
	}
	size := st.Size()
	if leaked := r.SectorCount() - r.SectorsInUse(); leaked != 0 {
		problems = append(problems, fmt.Errorf("%d sectors not owned by any block", leaked))
	}
	r.ForEachBlock(func(p mathx.Vec3i, info BlockInfo) {
		off := r.sectorOffset(info.SectorIndex())
		if off >= size {
			problems = append(problems, fmt.Errorf("block %v: offset %d beyond file size %d", p, off, size))
			return
		}
		var lenBuf [4]byte
		if _, err := r.ra.ReadAt(lenBuf[:], off); err != nil {
			problems = append(problems, fmt.Errorf("block %v: %w", p, err))
			return
		}
		n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if remaining := size - off - 4; n > remaining {
			problems = append(problems, fmt.Errorf("block %v: size %d at offset %d exceeds remaining %d", p, n, off, remaining))
		}
		if n+4 > int64(info.SectorCount())*int64(r.format.SectorSize) {
			problems = append(problems, fmt.Errorf("block %v: size %d exceeds its %d sectors", p, n, info.SectorCount()))
		}
	})
	return problems
}
