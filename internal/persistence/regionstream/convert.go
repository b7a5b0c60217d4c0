package regionstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/region"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/voxel"
)

type ConvertOptions struct {
	Workers int
	Logger  zerolog.Logger
}

type ConvertStats struct {
	Regions int
	Blocks  int
	// Backup is where the previous directory was moved.
	Backup string
}

// Convert rewrites the stream in dir with a new region size, sector size or
// channel depths. The block size cannot change. The result is built next to
// dir and swapped in once complete; the old directory is kept as a backup.
func Convert(ctx context.Context, dir string, to Meta, opts ConvertOptions) (ConvertStats, error) {
	var stats ConvertStats
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger.With().Str("component", "regionstream").Str("dir", dir).Logger()

	from, err := readMeta(dir)
	if err != nil {
		return stats, err
	}
	if to.Version == 0 {
		to.Version = MetaVersion
	}
	if to.BlockSizePo2 != from.BlockSizePo2 {
		return stats, fmt.Errorf("%w: block size cannot change (%d -> %d)", stream.ErrIncompatibleMeta, 1<<from.BlockSizePo2, 1<<to.BlockSizePo2)
	}
	if to.LODCount < from.LODCount {
		return stats, fmt.Errorf("%w: lod count cannot shrink (%d -> %d)", stream.ErrIncompatibleMeta, from.LODCount, to.LODCount)
	}
	if err := to.Validate(); err != nil {
		return stats, fmt.Errorf("target %s: %w", MetaFileName, err)
	}

	tmpDir := dir + ".converting"
	if err := os.RemoveAll(tmpDir); err != nil {
		return stats, err
	}
	src, err := Open(dir, Options{Logger: opts.Logger, MaxOpenRegions: opts.Workers * 2})
	if err != nil {
		return stats, err
	}
	dst, err := Open(tmpDir, Options{Meta: to, Logger: opts.Logger, MaxOpenRegions: opts.Workers * 2})
	if err != nil {
		_ = src.Close()
		return stats, err
	}

	var regions, blocks atomic.Int64
	copyErr := func() error {
		for lod := 0; lod < from.LODCount; lod++ {
			positions, err := src.Regions(uint8(lod))
			if err != nil {
				return err
			}
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(opts.Workers)
			for _, rp := range positions {
				g.Go(func() error {
					n, err := convertRegion(gctx, src, dst, rp, uint8(lod))
					if err != nil {
						return fmt.Errorf("region %v lod %d: %w", rp, lod, err)
					}
					regions.Add(1)
					blocks.Add(int64(n))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
		return nil
	}()
	err = errors.Join(copyErr, src.Close(), dst.Close())
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return stats, err
	}
	stats.Regions = int(regions.Load())
	stats.Blocks = int(blocks.Load())

	backup, err := backupName(dir)
	if err != nil {
		return stats, err
	}
	if err := os.Rename(dir, backup); err != nil {
		return stats, err
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		return stats, fmt.Errorf("converted stream left at %s: %w", tmpDir, err)
	}
	stats.Backup = backup
	log.Info().Int("regions", stats.Regions).Int("blocks", stats.Blocks).Str("backup", backup).Msg("converted region stream")
	return stats, nil
}

func convertRegion(ctx context.Context, src, dst *Stream, rp mathx.Vec3i, lod uint8) (int, error) {
	f, err := src.Inspect(rp, lod)
	if err != nil {
		if isCorruption(err) {
			src.log.Warn().Err(err).Msg("skipping unreadable region")
			return 0, nil
		}
		return 0, err
	}
	var locals []mathx.Vec3i
	f.ForEachBlock(func(p mathx.Vec3i, _ region.BlockInfo) { locals = append(locals, p) })
	if err := f.Close(); err != nil {
		return 0, err
	}

	origin := rp.Shl(uint(src.meta.RegionSizePo2))
	edge := 1 << src.meta.BlockSizePo2
	buf := voxel.NewCube(edge, voxel.FormatForDepths(src.depths), src.buffers)
	defer buf.Release()
	n := 0
	for _, local := range locals {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		pos := origin.Add(local)
		res, err := src.LoadBlock(ctx, pos, lod, buf)
		if err != nil {
			return n, err
		}
		if res != stream.ResultFound {
			continue
		}
		if err := dst.SaveBlock(ctx, pos, lod, buf); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// backupName picks dir_old, then dir_old1, dir_old2 and so on.
func backupName(dir string) (string, error) {
	for i := 0; ; i++ {
		name := dir + "_old"
		if i > 0 {
			name += strconv.Itoa(i)
		}
		_, err := os.Stat(name)
		if errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
	}
}
