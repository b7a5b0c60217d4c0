package regionstream

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/filelock"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/voxel"
)

// syncBuffer lets concurrent loggers share one bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func scenarioMeta() Meta {
	var depths [voxel.ChannelCount]voxel.Depth
	depths[voxel.ChannelSDF] = voxel.Depth16
	return MetaFor(4, 4, 4, 512, depths)
}

func blockFor(m Meta, seed int) *voxel.Buffer {
	depths, _ := m.Depths()
	b := voxel.NewCube(1<<m.BlockSizePo2, voxel.FormatForDepths(depths), nil)
	b.Box().ForEachCell(func(p mathx.Vec3i) {
		if (p.X*7+p.Y*3+p.Z+seed)%5 == 0 {
			b.Set(p, voxel.ChannelType, uint64(seed%200+1))
		}
		b.SetF(p, voxel.ChannelSDF, float64(p.Y-8)/16)
	})
	return b
}

func emptyFor(m Meta) *voxel.Buffer {
	depths, _ := m.Depths()
	return voxel.NewCube(1<<m.BlockSizePo2, voxel.FormatForDepths(depths), nil)
}

func TestParseMetaMigratesVersion1(t *testing.T) {
	m, err := ParseMeta([]byte(`{"version":1,"block_size_po2":4,"region_size_po2":4,"lod_count":2,"sector_size":512}`))
	require.NoError(t, err)
	require.Equal(t, MetaVersion, m.Version)
	depths, err := m.Depths()
	require.NoError(t, err)
	for _, d := range depths {
		require.Equal(t, voxel.Depth8, d)
	}
}

func TestParseMetaRejectsBadDocuments(t *testing.T) {
	for name, doc := range map[string]string{
		"missing depths":  `{"version":2,"block_size_po2":4,"region_size_po2":4,"lod_count":2,"sector_size":512}`,
		"bad depth":       `{"version":2,"block_size_po2":4,"region_size_po2":4,"lod_count":2,"sector_size":512,"channel_depths":[8,8,8,8,8,8,8,12]}`,
		"unknown field":   `{"version":1,"block_size_po2":4,"region_size_po2":4,"lod_count":2,"sector_size":512,"extra":true}`,
		"future version":  `{"version":3,"block_size_po2":4,"region_size_po2":4,"lod_count":2,"sector_size":512}`,
		"sectors too few": `{"version":1,"block_size_po2":8,"region_size_po2":4,"lod_count":2,"sector_size":16}`,
		"not json":        `version: 2`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMeta([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestExistingMetaWins(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{Meta: scenarioMeta()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, Options{Meta: DefaultMeta()})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, scenarioMeta(), s.Meta())
	require.Equal(t, voxel.Depth8, s.ChannelDepths()[voxel.ChannelType])
}

func TestSaveReopenLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := scenarioMeta()

	s, err := Open(dir, Options{Meta: meta})
	require.NoError(t, err)
	want := blockFor(meta, 3)
	pos := mathx.V3(3, -1, 0)
	require.NoError(t, s.SaveBlock(ctx, pos, 0, want))
	require.NoError(t, s.SaveBlock(ctx, pos, 2, blockFor(meta, 9)))
	require.NoError(t, s.Close())

	require.FileExists(t, RegionPath(dir, mathx.V3(0, -1, 0), 0))
	require.FileExists(t, RegionPath(dir, mathx.V3(0, -1, 0), 2))

	s, err = Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	got := emptyFor(meta)
	res, err := s.LoadBlock(ctx, pos, 0, got)
	require.NoError(t, err)
	require.Equal(t, stream.ResultFound, res)
	require.True(t, want.Equal(got))

	res, err = s.LoadBlock(ctx, pos.Add(mathx.V3(1, 0, 0)), 0, got)
	require.NoError(t, err)
	require.Equal(t, stream.ResultNotFound, res)

	regions, err := s.Regions(2)
	require.NoError(t, err)
	require.Equal(t, []mathx.Vec3i{mathx.V3(0, -1, 0)}, regions)
}

func TestSaveConvertsDepths(t *testing.T) {
	ctx := context.Background()
	meta := scenarioMeta()
	s, err := Open(t.TempDir(), Options{Meta: meta})
	require.NoError(t, err)
	defer s.Close()

	wide := voxel.NewCube(16, voxel.DefaultFormat(), nil)
	wide.Set(mathx.V3(1, 2, 3), voxel.ChannelType, 42)
	require.NoError(t, s.SaveBlock(ctx, mathx.V3(0, 0, 0), 0, wide))
	require.Equal(t, voxel.Depth16, wide.Depth(voxel.ChannelType))

	got := emptyFor(meta)
	_, err = s.LoadBlock(ctx, mathx.V3(0, 0, 0), 0, got)
	require.NoError(t, err)
	require.Equal(t, voxel.Depth8, got.Depth(voxel.ChannelType))
	require.Equal(t, uint64(42), got.Get(mathx.V3(1, 2, 3), voxel.ChannelType))
}

func TestRejectsIncompatibleQueries(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), Options{Meta: scenarioMeta()})
	require.NoError(t, err)
	defer s.Close()

	err = s.SaveBlock(ctx, mathx.V3(0, 0, 0), 0, voxel.NewCube(8, voxel.DefaultFormat(), nil))
	require.ErrorIs(t, err, stream.ErrIncompatibleMeta)
	_, err = s.LoadBlock(ctx, mathx.V3(0, 0, 0), 4, emptyFor(scenarioMeta()))
	require.ErrorIs(t, err, stream.ErrIncompatibleMeta)
}

func TestCorruptRegionReadsEmptyAndLogsOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta := scenarioMeta()
	var logs syncBuffer
	s, err := Open(dir, Options{Meta: meta, Logger: zerolog.New(&logs)})
	require.NoError(t, err)
	defer s.Close()

	bad := RegionPath(dir, mathx.V3(0, 0, 0), 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(bad), 0o755))
	garbage := []byte("this is not a region file at all")
	require.NoError(t, os.WriteFile(bad, garbage, 0o644))

	got := emptyFor(meta)
	for i := 0; i < 5; i++ {
		res, err := s.LoadBlock(ctx, mathx.V3(1, 1, 1), 0, got)
		require.NoError(t, err)
		require.Equal(t, stream.ResultNotFound, res)
	}
	err = s.SaveBlock(ctx, mathx.V3(1, 1, 1), 0, blockFor(meta, 1))
	require.ErrorIs(t, err, ErrRegionCorrupted)
	require.Equal(t, 1, strings.Count(logs.String(), "region file corrupted"))

	data, err := os.ReadFile(bad)
	require.NoError(t, err)
	require.Equal(t, garbage, data)

	// Neighbouring regions are unaffected.
	require.NoError(t, s.SaveBlock(ctx, mathx.V3(16, 0, 0), 0, blockFor(meta, 1)))
}

func TestManyRegionsThroughSmallCache(t *testing.T) {
	ctx := context.Background()
	meta := MetaFor(3, 1, 1, 256, voxel.DefaultFormat().Depths)
	s, err := Open(t.TempDir(), Options{Meta: meta, MaxOpenRegions: 2, Locks: &filelock.Registry{}})
	require.NoError(t, err)

	var positions []mathx.Vec3i
	mathx.NewBox(mathx.V3(-4, -2, -4), mathx.V3(8, 4, 8)).ForEachCell(func(p mathx.Vec3i) {
		if (p.X+p.Y+p.Z)%3 == 0 {
			positions = append(positions, p)
		}
	})
	seed := func(p mathx.Vec3i) int { return p.X*31 + p.Y*17 + p.Z*5 + 1000 }

	var g errgroup.Group
	g.SetLimit(8)
	for _, p := range positions {
		g.Go(func() error { return s.SaveBlock(ctx, p, 0, blockFor(meta, seed(p))) })
	}
	require.NoError(t, g.Wait())

	for _, p := range positions {
		g.Go(func() error {
			got := emptyFor(meta)
			res, err := s.LoadBlock(ctx, p, 0, got)
			if err != nil {
				return err
			}
			if res != stream.ResultFound || !got.Equal(blockFor(meta, seed(p))) {
				t.Errorf("block %v did not round-trip", p)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, s.Close())

	regions, err := s.Regions(0)
	require.NoError(t, err)
	require.Greater(t, len(regions), 2)
}

func TestBatchQueriesSpanRegions(t *testing.T) {
	ctx := context.Background()
	meta := scenarioMeta()
	s, err := Open(t.TempDir(), Options{Meta: meta})
	require.NoError(t, err)
	defer s.Close()

	in := []stream.Query{
		{Pos: mathx.V3(40, 0, 0), LOD: 0, Voxels: blockFor(meta, 1)},
		{Pos: mathx.V3(-1, 0, 0), LOD: 0, Voxels: blockFor(meta, 2)},
		{Pos: mathx.V3(41, 0, 0), LOD: 1, Voxels: blockFor(meta, 3)},
		{Pos: mathx.V3(0, 0, 0), LOD: 0, Voxels: blockFor(meta, 4)},
	}
	require.NoError(t, s.SaveBlocks(ctx, in))

	out := make([]stream.Query, len(in)+1)
	for i := range in {
		out[i] = stream.Query{Pos: in[i].Pos, LOD: in[i].LOD, Voxels: emptyFor(meta)}
	}
	out[len(in)] = stream.Query{Pos: mathx.V3(41, 0, 0), LOD: 0, Voxels: emptyFor(meta)}
	require.NoError(t, s.LoadBlocks(ctx, out))
	for i := range in {
		require.Equal(t, stream.ResultFound, out[i].Result, "query %d", i)
		require.True(t, in[i].Voxels.Equal(out[i].Voxels), "query %d", i)
	}
	require.Equal(t, stream.ResultNotFound, out[len(in)].Result)
}

func TestConvertChangesRegionLayout(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "world")
	meta := scenarioMeta()
	s, err := Open(dir, Options{Meta: meta})
	require.NoError(t, err)
	positions := []mathx.Vec3i{mathx.V3(0, 0, 0), mathx.V3(3, -1, 0), mathx.V3(15, 15, 15), mathx.V3(-20, 4, 7)}
	for i, p := range positions {
		require.NoError(t, s.SaveBlock(ctx, p, 0, blockFor(meta, i)))
	}
	require.NoError(t, s.SaveBlock(ctx, mathx.V3(1, 1, 1), 3, blockFor(meta, 99)))
	require.NoError(t, s.Close())

	to := meta
	to.RegionSizePo2 = 2
	to.SectorSize = 256
	stats, err := Convert(ctx, dir, to, ConvertOptions{Workers: 2})
	require.NoError(t, err)
	require.Equal(t, len(positions)+1, stats.Blocks)
	require.Equal(t, dir+"_old", stats.Backup)
	require.FileExists(t, filepath.Join(stats.Backup, MetaFileName))

	s, err = Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, to, s.Meta())
	for i, p := range positions {
		got := emptyFor(meta)
		res, err := s.LoadBlock(ctx, p, 0, got)
		require.NoError(t, err)
		require.Equal(t, stream.ResultFound, res)
		require.True(t, blockFor(meta, i).Equal(got), "block %v", p)
	}
	regions, err := s.Regions(0)
	require.NoError(t, err)
	require.Len(t, regions, 4)

	to.BlockSizePo2 = 5
	_, err = Convert(ctx, dir, to, ConvertOptions{})
	require.ErrorIs(t, err, stream.ErrIncompatibleMeta)
}
