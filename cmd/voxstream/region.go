package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/region"
	"voxelstream.ai/internal/persistence/regionstream"
	"voxelstream.ai/internal/voxel"
)

func newRegionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "region",
		Short: "Region file tools",
	}
	cmd.AddCommand(newRegionInspectCmd(), newRegionConvertCmd())
	return cmd
}

func newRegionInspectCmd() *cobra.Command {
	var blocks bool
	cmd := &cobra.Command{
		Use:   "inspect <file.vxr>",
		Short: "Print a region file header and check it for corruption",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectRegion(cmd.OutOrStdout(), args[0], blocks)
		},
	}
	cmd.Flags().BoolVar(&blocks, "blocks", false, "list every stored block")
	return cmd
}

func inspectRegion(w io.Writer, path string, listBlocks bool) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := region.Open(path, region.Options{ReadOnly: true, Format: formatNextTo(path)})
	if err != nil {
		return err
	}
	defer f.Close()

	ft := f.Format()
	fmt.Fprintf(w, "file:         %s (%s)\n", path, humanize.Bytes(uint64(st.Size())))
	fmt.Fprintf(w, "version:      %d\n", f.Version())
	fmt.Fprintf(w, "block size:   %d\n", 1<<ft.BlockSizePo2)
	fmt.Fprintf(w, "region size:  %v\n", ft.RegionSize)
	fmt.Fprintf(w, "sector size:  %s\n", humanize.Bytes(uint64(ft.SectorSize)))
	fmt.Fprintf(w, "palette:      %t\n", ft.HasPalette())
	fmt.Fprintf(w, "channels:    ")
	for i, d := range ft.ChannelDepths {
		fmt.Fprintf(w, " %s=%d", voxel.Channel(i), d.Bits())
	}
	fmt.Fprintln(w)
	volume := ft.RegionSize.X * ft.RegionSize.Y * ft.RegionSize.Z
	fmt.Fprintf(w, "blocks:       %s / %s\n", humanize.Comma(int64(f.BlockCount())), humanize.Comma(int64(volume)))
	sectorBytes := uint64(f.SectorCount()) * uint64(ft.SectorSize)
	fmt.Fprintf(w, "sectors:      %s in use of %s (%s)\n",
		humanize.Comma(int64(f.SectorsInUse())), humanize.Comma(int64(f.SectorCount())), humanize.Bytes(sectorBytes))
	if listBlocks {
		f.ForEachBlock(func(p mathx.Vec3i, info region.BlockInfo) {
			fmt.Fprintf(w, "  %v sector %d x%d\n", p, info.SectorIndex(), info.SectorCount())
		})
	}

	problems := f.DebugCheck()
	for _, p := range problems {
		fmt.Fprintf(w, "problem: %v\n", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %d problems found", path, len(problems))
	}
	fmt.Fprintln(w, "ok")
	return nil
}

// formatNextTo reads the format of legacy files, which do not record it,
// from the meta.json of the stream the file belongs to
// (<dir>/regions/lod<n>/r.x.y.z.vxr).
func formatNextTo(path string) region.Format {
	dir := filepath.Dir(filepath.Dir(filepath.Dir(path)))
	data, err := os.ReadFile(filepath.Join(dir, regionstream.MetaFileName))
	if err != nil {
		return region.DefaultFormat()
	}
	meta, err := regionstream.ParseMeta(data)
	if err != nil {
		log.Debug().Err(err).Msg("ignoring unreadable meta.json")
		return region.DefaultFormat()
	}
	return meta.RegionFormat()
}

func newRegionConvertCmd() *cobra.Command {
	var (
		dir       string
		regionPo2 int
		sector    int
		lodCount  int
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Rewrite a region stream with a new region size, sector size or LOD count",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Join(dir, regionstream.MetaFileName))
			if err != nil {
				return err
			}
			to, err := regionstream.ParseMeta(data)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("region-size-po2") {
				to.RegionSizePo2 = uint8(regionPo2)
			}
			if flags.Changed("sector-size") {
				to.SectorSize = sector
			}
			if flags.Changed("lod-count") {
				to.LODCount = lodCount
			}
			stats, err := regionstream.Convert(cmd.Context(), dir, to, regionstream.ConvertOptions{Workers: workers, Logger: log.Logger})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "converted %s regions, %s blocks; previous stream kept at %s\n",
				humanize.Comma(int64(stats.Regions)), humanize.Comma(int64(stats.Blocks)), stats.Backup)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data/world", "region stream directory")
	cmd.Flags().IntVar(&regionPo2, "region-size-po2", 4, "new region size exponent")
	cmd.Flags().IntVar(&sector, "sector-size", 512, "new sector size in bytes")
	cmd.Flags().IntVar(&lodCount, "lod-count", 1, "new LOD count (cannot shrink)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel region conversions (0 = GOMAXPROCS)")
	return cmd
}
