package streaming

import (
	"voxelstream.ai/internal/lod"
	"voxelstream.ai/internal/mathx"
)

// Stats describe the controller after one tick. They are journaled as JSON.
type Stats struct {
	Tick    uint64 `json:"tick"`
	Viewers int    `json:"viewers"`
	// Loaded counts resident blocks per LOD.
	Loaded    []int `json:"loaded"`
	Loading   int   `json:"loading"`
	Unloading int   `json:"unloading"`
	// Saving counts unloaded edited blocks whose save is in flight.
	Saving int `json:"saving"`

	Octrees     int `json:"octrees"`
	OctreeNodes int `json:"octree_nodes"`
	Leaves      int `json:"leaves"`
	Splits      int `json:"splits"`
	Joins       int `json:"joins"`

	Meshes        int `json:"meshes"`
	MeshesPending int `json:"meshes_pending"`
	VisibleMeshes int `json:"visible_meshes"`
	Triangles     int `json:"triangles"`

	IOQueued       int `json:"io_queued"`
	ComputeQueued  int `json:"compute_queued"`
	IORunning      int `json:"io_running"`
	ComputeRunning int `json:"compute_running"`

	// Cumulative counters.
	LoadErrors uint64 `json:"load_errors"`
	Discarded  uint64 `json:"discarded"`

	TickMillis float64 `json:"tick_ms"`
}

// Settled reports whether nothing is loading, meshing or changing shape.
func (s Stats) Settled() bool {
	return s.Loading == 0 && s.Unloading == 0 && s.Saving == 0 && s.MeshesPending == 0 && s.Splits == 0 && s.Joins == 0 &&
		s.IOQueued == 0 && s.ComputeQueued == 0 && s.IORunning == 0 && s.ComputeRunning == 0
}

// Stats returns the stats of the last tick.
func (c *Controller) Stats() Stats {
	var st Stats
	c.call(func() { st = c.last })
	return st
}

func (c *Controller) collectStats() Stats {
	st := Stats{
		Tick:       c.tick,
		Viewers:    len(c.viewers),
		Loaded:     make([]int, len(c.lods)),
		Unloading:  len(c.unload),
		Octrees:    len(c.octrees),
		Splits:     c.splits,
		Joins:      c.joins,
		Triangles:  c.triangles,
		LoadErrors: c.loadErrors,
		Discarded:  c.discarded,
	}
	for i, s := range c.lods {
		st.Loaded[i] = s.blocks.Len()
		st.Loading += len(s.loading)
		st.Saving += len(s.saving)
		st.Meshes += len(s.meshes)
		for _, mb := range s.meshes {
			if mb.state != meshUpToDate || mb.meshing {
				st.MeshesPending++
			}
			if mb.visible {
				st.VisibleMeshes++
			}
		}
		c.metrics.SetLoaded(i, st.Loaded[i])
	}
	for _, o := range c.octrees {
		st.OctreeNodes += o.NodeCount()
		o.ForEachLeaf(func(mathx.Vec3i, int, lod.NodeData) { st.Leaves++ })
	}
	ts := c.sched.Stats()
	st.IOQueued, st.IORunning = ts.IOQueued, ts.IORunning
	st.ComputeQueued, st.ComputeRunning = ts.ComputeQueued, ts.ComputeRunning

	c.metrics.SetLoading(st.Loading)
	c.metrics.SetOctreeNodes(st.OctreeNodes)
	return st
}
