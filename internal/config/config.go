// Package config loads streaming.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/voxel"
)

const (
	MinLODDistance = 1
	MaxLODDistance = 512

	MinViewDistance = 16
	MaxViewDistance = 8192

	MaxLODCount = 32
)

type Config struct {
	Stream    StreamConfig    `yaml:"stream"`
	Terrain   TerrainConfig   `yaml:"terrain"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StreamConfig struct {
	// Kind is one of region, sqlite, badger, memory or none.
	Kind          string `yaml:"kind"`
	Path          string `yaml:"path"`
	BlockSizePo2  int    `yaml:"block_size_po2"`
	RegionSizePo2 int    `yaml:"region_size_po2"`
	SectorSize    int    `yaml:"sector_size"`
	LODCount      int    `yaml:"lod_count"`
	// ChannelDepths in bits, indexed like voxel.Channel. Empty means the
	// default format.
	ChannelDepths []int `yaml:"channel_depths,omitempty"`
	// MaxOpenRegions bounds the region-file handle cache.
	MaxOpenRegions int `yaml:"max_open_regions"`
}

type TerrainConfig struct {
	LODCount     int    `yaml:"lod_count"`
	LODDistance  int    `yaml:"lod_distance"`
	ViewDistance int    `yaml:"view_distance"`
	BoundsMin    [3]int `yaml:"bounds_min"`
	BoundsMax    [3]int `yaml:"bounds_max"`
	Generator    string `yaml:"generator"`
	Seed         int64  `yaml:"seed"`
	Height       int    `yaml:"height"`
	Mesher       string `yaml:"mesher"`
	// RetryTicks is how long a block whose load failed waits before it is
	// requested again.
	RetryTicks int `yaml:"retry_ticks"`
}

type SchedulerConfig struct {
	IOWorkers         int `yaml:"io_workers"`
	ComputeWorkers    int `yaml:"compute_workers"`
	PriorityRefreshMS int `yaml:"priority_refresh_ms"`
	// BatchCount groups this many block loads or saves per I/O task.
	BatchCount int `yaml:"batch_count"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	TickHz      int    `yaml:"tick_hz"`
	AllowRemote bool   `yaml:"allow_remote"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	JournalDir string `yaml:"journal_dir"`
}

// Load reads path on top of Defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("streaming.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("streaming.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Stream: StreamConfig{
			Kind:           "region",
			Path:           "data/world",
			BlockSizePo2:   4,
			RegionSizePo2:  4,
			SectorSize:     512,
			LODCount:       6,
			MaxOpenRegions: 8,
		},
		Terrain: TerrainConfig{
			LODCount:     6,
			LODDistance:  48,
			ViewDistance: 512,
			BoundsMin:    [3]int{-1 << 20, -4096, -1 << 20},
			BoundsMax:    [3]int{1 << 20, 4096, 1 << 20},
			Generator:    "heightmap",
			Mesher:       "cubes",
			RetryTicks:   30,
		},
		Scheduler: SchedulerConfig{
			IOWorkers:         1,
			ComputeWorkers:    4,
			PriorityRefreshMS: 100,
			BatchCount:        8,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8090",
			MetricsAddr: "127.0.0.1:9090",
			TickHz:      20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Normalize clamps ranged settings and fills empty names.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Stream.Kind = strings.ToLower(strings.TrimSpace(c.Stream.Kind))
	if c.Stream.Kind == "" {
		c.Stream.Kind = "region"
	}
	c.Terrain.LODDistance = mathx.ClampInt(c.Terrain.LODDistance, MinLODDistance, MaxLODDistance)
	c.Terrain.ViewDistance = mathx.ClampInt(c.Terrain.ViewDistance, MinViewDistance, MaxViewDistance)
	c.Terrain.LODCount = mathx.ClampInt(c.Terrain.LODCount, 1, MaxLODCount)
	c.Stream.LODCount = mathx.ClampInt(c.Stream.LODCount, 1, MaxLODCount)
	c.Terrain.RetryTicks = mathx.MaxInt(c.Terrain.RetryTicks, 1)
	c.Terrain.Generator = strings.ToLower(strings.TrimSpace(c.Terrain.Generator))
	c.Terrain.Mesher = strings.ToLower(strings.TrimSpace(c.Terrain.Mesher))
	if c.Stream.MaxOpenRegions <= 0 {
		c.Stream.MaxOpenRegions = 8
	}
	c.Scheduler.IOWorkers = mathx.MaxInt(c.Scheduler.IOWorkers, 1)
	c.Scheduler.ComputeWorkers = mathx.MaxInt(c.Scheduler.ComputeWorkers, 1)
	c.Scheduler.BatchCount = mathx.MaxInt(c.Scheduler.BatchCount, 1)
	if c.Scheduler.PriorityRefreshMS <= 0 {
		c.Scheduler.PriorityRefreshMS = 100
	}
	if c.Server.TickHz <= 0 {
		c.Server.TickHz = 20
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate returns the first problem found.
func (c Config) Validate() error {
	switch c.Stream.Kind {
	case "region", "sqlite", "badger":
		if strings.TrimSpace(c.Stream.Path) == "" {
			return fmt.Errorf("stream.path is required for a %s stream", c.Stream.Kind)
		}
	case "memory", "none":
	default:
		return fmt.Errorf("stream.kind %q: want region, sqlite, badger, memory or none", c.Stream.Kind)
	}
	if c.Stream.BlockSizePo2 < 1 || c.Stream.BlockSizePo2 > 8 {
		return fmt.Errorf("stream.block_size_po2 %d out of range [1, 8]", c.Stream.BlockSizePo2)
	}
	if c.Stream.RegionSizePo2 < 1 || c.Stream.RegionSizePo2 > 7 {
		return fmt.Errorf("stream.region_size_po2 %d out of range [1, 7]", c.Stream.RegionSizePo2)
	}
	if c.Stream.SectorSize < 1 || c.Stream.SectorSize > 0xffff {
		return fmt.Errorf("stream.sector_size %d out of range [1, 65535]", c.Stream.SectorSize)
	}
	if n := len(c.Stream.ChannelDepths); n != 0 && n != voxel.ChannelCount {
		return fmt.Errorf("stream.channel_depths has %d entries, want %d", n, voxel.ChannelCount)
	}
	if _, err := c.Stream.Depths(); err != nil {
		return fmt.Errorf("stream.channel_depths: %w", err)
	}
	if c.Terrain.LODCount > c.Stream.LODCount && c.Stream.Kind != "none" && c.Stream.Kind != "memory" {
		return fmt.Errorf("terrain.lod_count %d exceeds stream.lod_count %d", c.Terrain.LODCount, c.Stream.LODCount)
	}
	for i := range c.Terrain.BoundsMin {
		if c.Terrain.BoundsMin[i] >= c.Terrain.BoundsMax[i] {
			return fmt.Errorf("terrain.bounds_min must be below bounds_max on every axis")
		}
	}
	switch c.Terrain.Generator {
	case "heightmap", "flat":
	default:
		return fmt.Errorf("terrain.generator %q: want heightmap or flat", c.Terrain.Generator)
	}
	switch c.Terrain.Mesher {
	case "cubes", "none":
	default:
		return fmt.Errorf("terrain.mesher %q: want cubes or none", c.Terrain.Mesher)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q: want json or console", c.Logging.Format)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

func (s StreamConfig) Depths() ([voxel.ChannelCount]voxel.Depth, error) {
	if len(s.ChannelDepths) == 0 {
		return voxel.DefaultFormat().Depths, nil
	}
	var out [voxel.ChannelCount]voxel.Depth
	for i, bits := range s.ChannelDepths {
		if i >= voxel.ChannelCount {
			break
		}
		d, err := voxel.DepthFromBits(bits)
		if err != nil {
			return out, fmt.Errorf("channel %s: %w", voxel.Channel(i), err)
		}
		out[i] = d
	}
	return out, nil
}

func (t TerrainConfig) Bounds() mathx.Box3i {
	min := mathx.V3(t.BoundsMin[0], t.BoundsMin[1], t.BoundsMin[2])
	max := mathx.V3(t.BoundsMax[0], t.BoundsMax[1], t.BoundsMax[2])
	return mathx.BoxFromMinMax(min, max)
}

func (s SchedulerConfig) PriorityRefresh() time.Duration {
	return time.Duration(s.PriorityRefreshMS) * time.Millisecond
}

func (s ServerConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(s.TickHz)
}
