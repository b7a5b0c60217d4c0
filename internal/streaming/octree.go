package streaming

import (
	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/lod"
	"voxelstream.ai/internal/mathx"
)

// updateOctrees keeps one octree per top-LOD block wanted by a viewer and
// runs one update pass on each.
func (c *Controller) updateOctrees() {
	top := len(c.lods) - 1
	want := map[mathx.Vec3i]struct{}{}
	for _, v := range c.viewers {
		if !v.removed {
			v.boxes[top].ForEachCell(func(p mathx.Vec3i) { want[p] = struct{}{} })
		}
	}
	for root, o := range c.octrees {
		if _, ok := want[root]; ok {
			continue
		}
		o.Clear(func(pos mathx.Vec3i, l int) {
			c.setMeshVisible(l, nodeBlock(root, top, pos, l), false)
		})
		delete(c.octrees, root)
	}
	for root := range want {
		if _, ok := c.octrees[root]; !ok {
			c.octrees[root] = lod.New(len(c.lods))
		}
	}

	a := octreeActions{c: c, top: top, lodDistance: float64(c.settings.LODDistance) / float64(c.blockSize())}
	scale := 1 / float64(c.blockSize())
	for _, v := range c.viewers {
		if !v.removed {
			a.viewers = append(a.viewers, v.pos.Mul(scale))
		}
	}
	for root, o := range c.octrees {
		a.root = root
		o.Update(&a)
	}
}

// nodeBlock converts an octree-local node position into the block position
// of its LOD.
func nodeBlock(root mathx.Vec3i, top int, pos mathx.Vec3i, l int) mathx.Vec3i {
	return root.Shl(uint(top - l)).Add(pos)
}

// octreeActions ties node changes to mesh visibility. Distances are in
// LOD-0 blocks.
type octreeActions struct {
	c           *Controller
	root        mathx.Vec3i
	top         int
	viewers     []mgl64.Vec3
	lodDistance float64
}

func (a *octreeActions) block(pos mathx.Vec3i, l int) mathx.Vec3i {
	return nodeBlock(a.root, a.top, pos, l)
}

func (a *octreeActions) near(pos mathx.Vec3i, l int) bool {
	g := a.block(pos, l)
	for _, v := range a.viewers {
		if lod.IsBelowSplitDistance(g, l, v, a.lodDistance) {
			return true
		}
	}
	return false
}

func (a *octreeActions) CreateChild(pos mathx.Vec3i, l int, _ *lod.NodeData) {
	a.c.setMeshVisible(l, a.block(pos, l), true)
}

func (a *octreeActions) DestroyChild(pos mathx.Vec3i, l int) {
	a.c.setMeshVisible(l, a.block(pos, l), false)
}

func (a *octreeActions) ShowParent(pos mathx.Vec3i, l int) {
	a.c.joins++
	a.c.setMeshVisible(l, a.block(pos, l), true)
}

func (a *octreeActions) HideParent(pos mathx.Vec3i, l int) {
	a.c.splits++
	a.c.setMeshVisible(l, a.block(pos, l), false)
}

func (a *octreeActions) CanCreateRoot(l int) bool {
	return a.c.blockReady(l, a.root)
}

func (a *octreeActions) CanSplit(pos mathx.Vec3i, l int, _ *lod.NodeData) bool {
	if !a.near(pos, l) {
		return false
	}
	for i := 0; i < 8; i++ {
		if !a.c.blockReady(l-1, a.block(lod.ChildPosition(pos, i), l-1)) {
			return false
		}
	}
	return true
}

// CanJoin tests the node at its own scale so that a node that just split
// does not join again while the viewer stays put.
func (a *octreeActions) CanJoin(pos mathx.Vec3i, l int) bool {
	return !a.near(pos, l) && a.c.blockReady(l, a.block(pos, l))
}
