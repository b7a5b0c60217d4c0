package regionstream

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/persistence/region"
	"voxelstream.ai/internal/voxel"
)

const (
	MetaFileName = "meta.json"
	MetaVersion  = 2

	metaVersionLegacy = 1
)

//go:embed meta.schema.json
var metaSchemaText string

var metaSchema = jsonschema.MustCompileString("meta.schema.json", metaSchemaText)

// Meta holds the settings shared by every region file of a stream.
type Meta struct {
	Version       int                     `json:"version"`
	BlockSizePo2  uint8                   `json:"block_size_po2"`
	RegionSizePo2 uint8                   `json:"region_size_po2"`
	LODCount      int                     `json:"lod_count"`
	SectorSize    int                     `json:"sector_size"`
	ChannelDepths [voxel.ChannelCount]int `json:"channel_depths"`
}

func DefaultMeta() Meta {
	return MetaFor(4, 4, 1, 512, voxel.DefaultFormat().Depths)
}

func MetaFor(blockPo2, regionPo2 uint8, lodCount, sectorSize int, depths [voxel.ChannelCount]voxel.Depth) Meta {
	m := Meta{
		Version:       MetaVersion,
		BlockSizePo2:  blockPo2,
		RegionSizePo2: regionPo2,
		LODCount:      lodCount,
		SectorSize:    sectorSize,
	}
	for i, d := range depths {
		m.ChannelDepths[i] = d.Bits()
	}
	return m
}

func (m Meta) Depths() ([voxel.ChannelCount]voxel.Depth, error) {
	var out [voxel.ChannelCount]voxel.Depth
	for i, bits := range m.ChannelDepths {
		d, err := voxel.DepthFromBits(bits)
		if err != nil {
			return out, fmt.Errorf("channel %s: %w", voxel.Channel(i), err)
		}
		out[i] = d
	}
	return out, nil
}

func (m Meta) RegionFormat() region.Format {
	depths, _ := m.Depths()
	return region.Format{
		BlockSizePo2:  m.BlockSizePo2,
		RegionSize:    mathx.Splat(1 << m.RegionSizePo2),
		ChannelDepths: depths,
		SectorSize:    uint16(m.SectorSize),
	}
}

func (m Meta) Validate() error {
	if m.Version != MetaVersion {
		return fmt.Errorf("version %d, want %d", m.Version, MetaVersion)
	}
	if m.BlockSizePo2 < 1 || m.BlockSizePo2 > 8 {
		return fmt.Errorf("block_size_po2 %d out of range [1, 8]", m.BlockSizePo2)
	}
	if m.RegionSizePo2 < 1 || m.RegionSizePo2 > 7 {
		return fmt.Errorf("region_size_po2 %d out of range [1, 7]", m.RegionSizePo2)
	}
	if m.LODCount < 1 || m.LODCount > 32 {
		return fmt.Errorf("lod_count %d out of range [1, 32]", m.LODCount)
	}
	if m.SectorSize < 1 || m.SectorSize > 0xffff {
		return fmt.Errorf("sector_size %d out of range [1, 65535]", m.SectorSize)
	}
	if _, err := m.Depths(); err != nil {
		return err
	}
	return m.RegionFormat().Validate()
}

// SameLayout reports whether region files written under m and o are
// interchangeable.
func (m Meta) SameLayout(o Meta) bool {
	return m.BlockSizePo2 == o.BlockSizePo2 &&
		m.RegionSizePo2 == o.RegionSizePo2 &&
		m.SectorSize == o.SectorSize &&
		m.ChannelDepths == o.ChannelDepths
}

// ParseMeta validates raw meta.json content against the schema and
// migrates older versions.
func ParseMeta(data []byte) (Meta, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Meta{}, fmt.Errorf("%s: %w", MetaFileName, err)
	}
	if err := metaSchema.Validate(doc); err != nil {
		return Meta{}, fmt.Errorf("%s: %w", MetaFileName, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("%s: %w", MetaFileName, err)
	}
	if m.Version == metaVersionLegacy {
		// Version 1 predates configurable depths; everything was 8-bit.
		for i := range m.ChannelDepths {
			m.ChannelDepths[i] = 8
		}
		m.Version = MetaVersion
	}
	if err := m.Validate(); err != nil {
		return Meta{}, fmt.Errorf("%s: %w", MetaFileName, err)
	}
	return m, nil
}

func readMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return Meta{}, err
	}
	return ParseMeta(data)
}

func writeMeta(dir string, m Meta) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%s: %w", MetaFileName, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, MetaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func metaExists(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, MetaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
