package region

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

func scenarioFormat() Format {
	f := DefaultFormat()
	f.ChannelDepths[voxel.ChannelSDF] = voxel.Depth16
	return f
}

func bufferFor(f Format) *voxel.Buffer {
	return voxel.NewCube(f.BlockSize(), voxel.FormatForDepths(f.ChannelDepths), nil)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	return st.Size()
}

func requireTight(t *testing.T, r *File) {
	t.Helper()
	require.Equal(t, r.SectorsInUse(), r.SectorCount())
	require.Equal(t, r.Format().HeaderSize()+int64(r.SectorCount())*int64(r.Format().SectorSize), fileSize(t, r.Path()))
	require.Empty(t, r.DebugCheck())
}

func TestRoundTripEveryDepth(t *testing.T) {
	dir := t.TempDir()
	for d := voxel.Depth8; d < voxel.DepthCount; d++ {
		f := DefaultFormat()
		f.BlockSizePo2 = 3
		f.RegionSize = mathx.Splat(4)
		for i := range f.ChannelDepths {
			f.ChannelDepths[i] = d
		}
		path := filepath.Join(dir, d.String()+".vxr")
		r, err := Open(path, Options{Create: true, Format: f})
		require.NoError(t, err)

		patterned := bufferFor(f)
		patterned.Box().ForEachCell(func(p mathx.Vec3i) {
			patterned.Set(p, voxel.ChannelType, uint64(p.X^p.Y+p.Z*3))
			patterned.Set(p, voxel.ChannelData7, uint64(p.Z*100+p.Y))
		})
		uniform := bufferFor(f)
		uniform.Fill(voxel.ChannelType, 5)

		require.NoError(t, r.SaveBlock(mathx.V3(1, 2, 3), patterned))
		require.NoError(t, r.SaveBlock(mathx.V3(0, 0, 0), uniform))
		require.NoError(t, r.Close())

		r, err = Open(path, Options{})
		require.NoError(t, err)
		require.Equal(t, f.ChannelDepths, r.Format().ChannelDepths)
		for _, c := range []struct {
			pos  mathx.Vec3i
			want *voxel.Buffer
		}{{mathx.V3(1, 2, 3), patterned}, {mathx.V3(0, 0, 0), uniform}} {
			got := bufferFor(f)
			require.NoError(t, r.LoadBlock(c.pos, got))
			require.True(t, c.want.Equal(got), "depth %s pos %v", d, c.pos)
		}
		require.ErrorIs(t, r.LoadBlock(mathx.V3(3, 3, 3), bufferFor(f)), ErrNotFound)
		require.NoError(t, r.Close())
	}
}

func TestSaveRejectsMismatchedBlock(t *testing.T) {
	f := scenarioFormat()
	r, err := Open(filepath.Join(t.TempDir(), "r.vxr"), Options{Create: true, Format: f})
	require.NoError(t, err)
	defer r.Close()

	wrongDepth := voxel.NewCube(f.BlockSize(), voxel.DefaultFormat(), nil)
	require.ErrorIs(t, r.SaveBlock(mathx.V3(0, 0, 0), wrongDepth), ErrFormatMismatch)
	require.ErrorIs(t, r.SaveRaw(mathx.V3(16, 0, 0), []byte{1}), ErrOutOfRange)
	require.ErrorIs(t, r.SaveRaw(mathx.V3(0, 0, 0), make([]byte, 300*512)), ErrTooLarge)
}

// Shrinking and growing payloads must never leave unowned sectors behind.
func TestCompactionNeverLeaksSectors(t *testing.T) {
	f := DefaultFormat()
	f.BlockSizePo2 = 2
	f.SectorSize = 64
	f.RegionSize = mathx.Splat(4)
	path := filepath.Join(t.TempDir(), "r.vxr")
	r, err := Open(path, Options{Create: true, Format: f})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	want := map[mathx.Vec3i][]byte{}
	for step := 0; step < 400; step++ {
		p := mathx.V3(rng.Intn(4), rng.Intn(2), rng.Intn(3))
		data := make([]byte, rng.Intn(64*6))
		rng.Read(data)
		require.NoError(t, r.SaveRaw(p, data))
		want[p] = data
		requireTight(t, r)
	}
	check := func(r *File) {
		for p, data := range want {
			got, err := r.LoadRaw(p)
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, got), "block %v", p)
		}
		require.Equal(t, len(want), r.BlockCount())
	}
	check(r)
	require.NoError(t, r.Close())

	r, err = Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	check(r)
	requireTight(t, r)
}

func TestScenarioGrowMovesBlockToEnd(t *testing.T) {
	f := scenarioFormat()
	// Block (3,-1,0) with 16-block regions lives in region (0,-1,0).
	block := mathx.V3(3, -1, 0)
	local := block.Sub(voxel.BlockToRegion(block, 4).Shl(4))
	require.Equal(t, mathx.V3(3, 15, 0), local)

	path := filepath.Join(t.TempDir(), "r.0.-1.0.vxr")
	r, err := Open(path, Options{Create: true, Format: f})
	require.NoError(t, err)

	small := bufferFor(f)
	small.FillArea(mathx.NewBox(mathx.Splat(0), mathx.V3(16, 4, 16)), voxel.ChannelType, 1)
	small.Box().ForEachCell(func(p mathx.Vec3i) {
		small.SetF(p, voxel.ChannelSDF, float64(p.Y)-3.5)
	})
	require.NoError(t, r.SaveBlock(local, small))
	other := mathx.V3(0, 0, 0)
	require.NoError(t, r.SaveBlock(other, small))
	require.NoError(t, r.Close())

	r, err = Open(path, Options{})
	require.NoError(t, err)
	got := bufferFor(f)
	require.NoError(t, r.LoadBlock(local, got))
	require.True(t, small.Equal(got))

	oldCount := r.BlockInfo(local).SectorCount()
	before := fileSize(t, path)

	noisy := bufferFor(f)
	rng := rand.New(rand.NewSource(1))
	noisy.Box().ForEachCell(func(p mathx.Vec3i) {
		noisy.Set(p, voxel.ChannelType, uint64(rng.Intn(256)))
		noisy.Set(p, voxel.ChannelSDF, uint64(rng.Intn(65536)))
	})
	require.NoError(t, r.SaveBlock(local, noisy))
	newCount := r.BlockInfo(local).SectorCount()
	require.Greater(t, newCount, oldCount)

	delta := int64(newCount-oldCount) * int64(f.SectorSize)
	require.Equal(t, before+delta, fileSize(t, path))
	// The unrelated block moved back into the freed sectors.
	require.Equal(t, 0, r.BlockInfo(other).SectorIndex())
	require.Equal(t, oldCount, r.BlockInfo(local).SectorIndex())
	requireTight(t, r)

	third := mathx.V3(5, 5, 5)
	require.NoError(t, r.SaveBlock(third, small))
	require.Equal(t, oldCount+newCount, r.BlockInfo(third).SectorIndex())
	requireTight(t, r)

	require.NoError(t, r.Close())
	r, err = Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	got = bufferFor(f)
	require.NoError(t, r.LoadBlock(local, got))
	require.True(t, noisy.Equal(got))
	got = bufferFor(f)
	require.NoError(t, r.LoadBlock(other, got))
	require.True(t, small.Equal(got))
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.vxr")
	require.NoError(t, os.WriteFile(bad, []byte("NOPE\x03"), 0o644))
	_, err := Open(bad, Options{})
	require.ErrorIs(t, err, ErrBadMagic)

	future := filepath.Join(dir, "future.vxr")
	require.NoError(t, os.WriteFile(future, []byte("VXR_\x09"), 0o644))
	_, err = Open(future, Options{})
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	// Header claims a block beyond the end of the file.
	f := DefaultFormat()
	f.RegionSize = mathx.Splat(2)
	trunc := filepath.Join(dir, "trunc.vxr")
	r, err := Open(trunc, Options{Create: true, Format: f})
	require.NoError(t, err)
	require.NoError(t, r.SaveRaw(mathx.V3(1, 1, 1), []byte("payload")))
	require.NoError(t, r.Close())
	require.NoError(t, os.Truncate(trunc, f.HeaderSize()))
	_, err = Open(trunc, Options{})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestLegacyFileMigratesOnFirstWrite(t *testing.T) {
	f := DefaultFormat()
	f.BlockSizePo2 = 2
	f.RegionSize = mathx.Splat(2)
	f.SectorSize = 64

	// Version 2: magic, version, 4-byte block infos, sectors.
	var raw bytes.Buffer
	raw.WriteString(Magic)
	raw.WriteByte(2)
	infos := make([]uint32, 8)
	old := mathx.V3(1, 0, 1)
	infos[mathx.ZXYIndex(old, f.RegionSize)] = uint32(MakeBlockInfo(0, 1))
	for _, v := range infos {
		require.NoError(t, binary.Write(&raw, binary.LittleEndian, v))
	}
	sector := make([]byte, 64)
	binary.LittleEndian.PutUint32(sector, 5)
	copy(sector[4:], "hello")
	raw.Write(sector)

	path := filepath.Join(t.TempDir(), "legacy.vxr")
	require.NoError(t, os.WriteFile(path, raw.Bytes(), 0o644))

	_, err := Open(path, Options{})
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	r, err := Open(path, Options{Format: f})
	require.NoError(t, err)
	require.Equal(t, uint8(2), r.Version())
	data, err := r.LoadRaw(old)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.NoError(t, r.SaveRaw(mathx.V3(0, 1, 0), []byte("world")))
	require.Equal(t, uint8(Version), r.Version())
	require.NoError(t, r.Close())

	r, err = Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	requireTight(t, r)
	for p, want := range map[mathx.Vec3i]string{old: "hello", mathx.V3(0, 1, 0): "world"} {
		data, err := r.LoadRaw(p)
		require.NoError(t, err)
		require.Equal(t, want, string(data))
	}
}

func TestBlockInfoPacking(t *testing.T) {
	b := MakeBlockInfo(0x123456, 0x42)
	require.Equal(t, 0x123456, b.SectorIndex())
	require.Equal(t, 0x42, b.SectorCount())
	require.True(t, b.Present())
	require.Equal(t, uint64(0x12345642), uint64(b))
	require.False(t, BlockInfo(0).Present())
}

func TestPaletteRoundTrip(t *testing.T) {
	f := scenarioFormat()
	f.RegionSize = mathx.Splat(4)
	f.Palette = make([]Color8, 256)
	for i := range f.Palette {
		f.Palette[i] = Color8{R: uint8(i), G: uint8(255 - i), B: uint8(i * 7), A: 255}
	}
	require.Equal(t, int64(5+7+voxel.ChannelCount+256*4+64*8), f.HeaderSize())

	path := filepath.Join(t.TempDir(), "palette.vxr")
	r, err := Open(path, Options{Create: true, Format: f})
	require.NoError(t, err)
	payload := []byte("first block")
	require.NoError(t, r.SaveRaw(mathx.V3(0, 0, 0), payload))
	block := bufferFor(f)
	block.Box().ForEachCell(func(p mathx.Vec3i) { block.Set(p, voxel.ChannelColor, uint64(p.X+p.Y*16)) })
	require.NoError(t, r.SaveBlock(mathx.V3(3, 2, 1), block))
	require.NoError(t, r.Close())

	// The first sector starts right after the palette and the block table.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, byte(palettePresent), raw[5+7+voxel.ChannelCount-1])
	off := f.HeaderSize()
	require.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(raw[off:off+4]))
	require.Equal(t, payload, raw[off+4:off+4+int64(len(payload))])

	r, err = Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Format().HasPalette())
	require.Equal(t, f.Palette, r.Format().Palette)
	got, err := r.LoadRaw(mathx.V3(0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, payload, got)
	loaded := bufferFor(f)
	require.NoError(t, r.LoadBlock(mathx.V3(3, 2, 1), loaded))
	require.True(t, block.Equal(loaded))
	requireTight(t, r)
}

type failingReader struct{ err error }

func (f failingReader) ReadAt([]byte, int64) (int, error) { return 0, f.err }

func TestReadErrorsAreNotCorruption(t *testing.T) {
	f := scenarioFormat()
	f.RegionSize = mathx.Splat(2)
	r, err := Open(filepath.Join(t.TempDir(), "r.vxr"), Options{Create: true, Format: f})
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.SaveRaw(mathx.V3(1, 0, 1), []byte("payload")))

	r.ra = failingReader{err: syscall.EIO}
	_, err = r.LoadRaw(mathx.V3(1, 0, 1))
	require.ErrorIs(t, err, syscall.EIO)
	require.NotErrorIs(t, err, ErrCorrupted)

	r.ra = failingReader{err: io.ErrUnexpectedEOF}
	_, err = r.LoadRaw(mathx.V3(1, 0, 1))
	require.ErrorIs(t, err, ErrCorrupted)

	r.ra = r.f
	got, err := r.LoadRaw(mathx.V3(1, 0, 1))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}
