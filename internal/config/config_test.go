package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/voxel"
)

func TestEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "region", cfg.Stream.Kind)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streaming.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stream:
  kind: SQLite
  path: data/world.sqlite
  channel_depths: [8, 16, 8, 8, 8, 8, 8, 64]
terrain:
  lod_distance: 4000
  view_distance: 2
  generator: flat
scheduler:
  io_workers: 0
`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Stream.Kind)
	assert.Equal(t, MaxLODDistance, cfg.Terrain.LODDistance)
	assert.Equal(t, MinViewDistance, cfg.Terrain.ViewDistance)
	assert.Equal(t, 1, cfg.Scheduler.IOWorkers)
	assert.Equal(t, 4, cfg.Scheduler.ComputeWorkers)

	depths, err := cfg.Stream.Depths()
	require.NoError(t, err)
	assert.Equal(t, voxel.Depth16, depths[voxel.ChannelSDF])
	assert.Equal(t, voxel.Depth64, depths[voxel.ChannelData7])
}

func TestValidationErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"kind":      "stream: {kind: floppy}",
		"path":      "stream: {kind: badger, path: ''}",
		"depths":    "stream: {channel_depths: [8, 8]}",
		"bad depth": "stream: {channel_depths: [8, 8, 8, 8, 8, 8, 8, 24]}",
		"bounds":    "terrain: {bounds_min: [0, 0, 0], bounds_max: [10, 0, 10]}",
		"generator": "terrain: {generator: perlin}",
		"lods":      "stream: {lod_count: 2}\nterrain: {lod_count: 5}",
		"yaml":      "stream: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), "streaming.yaml")
		})
	}
}
