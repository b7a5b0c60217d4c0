package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/kvstream"
	"voxelstream.ai/internal/persistence/region"
	"voxelstream.ai/internal/persistence/regionstream"
	"voxelstream.ai/internal/persistence/sqlitestream"
	"voxelstream.ai/internal/persistence/stream"
	"voxelstream.ai/internal/voxel"
)

// openStream opens the stream configured in cfg. Kind "none" returns nil:
// the controller then only generates.
func openStream(cfg config.Config, logger zerolog.Logger, m *metrics.Streaming, buffers *voxel.Pool) (stream.Stream, error) {
	sc := cfg.Stream
	depths, err := sc.Depths()
	if err != nil {
		return nil, err
	}
	switch sc.Kind {
	case "region":
		return regionstream.Open(sc.Path, regionstream.Options{
			Meta:           regionstream.MetaFor(uint8(sc.BlockSizePo2), uint8(sc.RegionSizePo2), sc.LODCount, sc.SectorSize, depths),
			MaxOpenRegions: sc.MaxOpenRegions,
			Logger:         logger,
			Metrics:        m,
			Buffers:        buffers,
		})
	case "sqlite":
		return sqlitestream.Open(sqlitePath(sc.Path), sqlitestream.Options{
			BlockSizePo2: uint(sc.BlockSizePo2),
			Depths:       &depths,
			LODCount:     sc.LODCount,
			Logger:       logger,
			Metrics:      m,
			Buffers:      buffers,
		})
	case "badger":
		return kvstream.Open(kvstream.DefaultConfig(sc.Path), kvstream.Options{
			Meta:    kvstream.MetaFor(uint(sc.BlockSizePo2), sc.LODCount, depths),
			Logger:  logger,
			Metrics: m,
			Buffers: buffers,
		})
	case "memory":
		if sc.Path != "" {
			if _, err := os.Stat(sc.Path); err == nil {
				return stream.MemoryFromSnapshot(sc.Path)
			}
		}
		return stream.NewMemory(uint(sc.BlockSizePo2), sc.LODCount), nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown stream kind %q", sc.Kind)
}

// sqlitePath lets stream.path name a directory-like location: without an
// extension the database file gets one.
func sqlitePath(p string) string {
	if p == ":memory:" || filepath.Ext(p) != "" {
		return p
	}
	return p + ".sqlite"
}

func closeStream(s stream.Stream) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("close stream")
	}
}

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream maintenance",
	}
	cmd.AddCommand(newExportSnapshotCmd())
	return cmd
}

func newExportSnapshotCmd() *cobra.Command {
	var dir, out string
	cmd := &cobra.Command{
		Use:   "export-snapshot",
		Short: "Copy every block of a region stream into a memory snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := exportSnapshot(cmd.Context(), dir, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d blocks to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data/world", "region stream directory")
	cmd.Flags().StringVarP(&out, "out", "o", "world.snap.zst", "snapshot file to write")
	return cmd
}

func exportSnapshot(ctx context.Context, dir, out string) (int, error) {
	if _, err := os.Stat(filepath.Join(dir, regionstream.MetaFileName)); err != nil {
		return 0, fmt.Errorf("%s is not a region stream: %w", dir, err)
	}
	src, err := regionstream.Open(dir, regionstream.Options{Logger: log.Logger})
	if err != nil {
		return 0, err
	}
	defer closeStream(src)

	meta := src.Meta()
	mem := stream.NewMemory(uint(meta.BlockSizePo2), meta.LODCount)
	depths, _ := meta.Depths()
	buf := voxel.NewCube(1<<meta.BlockSizePo2, voxel.FormatForDepths(depths), nil)
	n := 0
	for l := 0; l < meta.LODCount; l++ {
		lod := uint8(l)
		regions, err := src.Regions(lod)
		if err != nil {
			return n, err
		}
		for _, rp := range regions {
			f, err := src.Inspect(rp, lod)
			if err != nil {
				log.Warn().Err(err).Stringer("region", rp).Uint8("lod", lod).Msg("skipping unreadable region")
				continue
			}
			var positions []mathx.Vec3i
			f.ForEachBlock(func(p mathx.Vec3i, _ region.BlockInfo) {
				positions = append(positions, rp.Shl(uint(meta.RegionSizePo2)).Add(p))
			})
			_ = f.Close()
			for _, pos := range positions {
				res, err := src.LoadBlock(ctx, pos, lod, buf)
				if err != nil {
					return n, err
				}
				if res != stream.ResultFound {
					continue
				}
				if err := mem.SaveBlock(ctx, pos, lod, buf); err != nil {
					return n, err
				}
				n++
			}
		}
	}
	if err := mem.WriteSnapshot(out, dir); err != nil {
		return n, fmt.Errorf("write %s: %w", out, err)
	}
	return n, nil
}
