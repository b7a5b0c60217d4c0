// Package lod holds the octree deciding which level of detail each part of a
// top-level block uses.
//
// Positions are LOD-local: a node at LOD n spans 2^n LOD-0 units, and the
// children of p are 2p + (i&1, i>>1&1, i>>2&1). Nodes live in a pool in packs
// of 8 siblings addressed by the index of the first one.
package lod

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/mathx"
)

const (
	// NoChildren marks a leaf.
	NoChildren = ^uint32(0)
	// rootIndex addresses the root, which lives outside the pool.
	rootIndex = ^uint32(0)
)

// NodeData is the small per-node payload owned by the caller.
type NodeData struct {
	State uint32
}

type node struct {
	firstChild uint32
	data       NodeData
}

func (n *node) hasChildren() bool { return n.firstChild != NoChildren }

// UpdateActions are the hooks driven by Update.
type UpdateActions interface {
	// CreateChild runs for every node coming into existence, including the
	// root. It may fill the node's data.
	CreateChild(pos mathx.Vec3i, lod int, data *NodeData)
	// DestroyChild runs for each of the 8 children removed by a join.
	DestroyChild(pos mathx.Vec3i, lod int)
	// ShowParent runs after a join, HideParent after a split.
	ShowParent(pos mathx.Vec3i, lod int)
	HideParent(pos mathx.Vec3i, lod int)
	CanCreateRoot(lod int) bool
	// CanSplit is asked for a leaf at lod > 0 before replacing it with its
	// children. Implementations combine the distance test with data
	// readiness.
	CanSplit(pos mathx.Vec3i, lod int, data *NodeData) bool
	// CanJoin is asked for a node whose children are all leaves, at the
	// node's own LOD.
	CanJoin(pos mathx.Vec3i, lod int) bool
}

type Octree struct {
	root        node
	rootCreated bool
	maxDepth    int
	pool        nodePool
}

func New(lodCount int) *Octree {
	o := &Octree{root: node{firstChild: NoChildren}}
	o.Create(lodCount, nil)
	return o
}

// Create resets the octree for lodCount levels. destroy, when not nil, is
// called for every existing node.
func (o *Octree) Create(lodCount int, destroy func(pos mathx.Vec3i, lod int)) {
	if lodCount <= 0 {
		panic(fmt.Sprintf("lod: invalid lod count %d", lodCount))
	}
	o.Clear(destroy)
	o.maxDepth = lodCount - 1
}

// Clear joins everything and drops the root. destroy, when not nil, is called
// for every node that existed, children before parents.
func (o *Octree) Clear(destroy func(pos mathx.Vec3i, lod int)) {
	if o.rootCreated {
		o.joinAll(rootIndex, mathx.Vec3i{}, o.maxDepth, destroy)
	}
	o.pool.clear()
	o.root = node{firstChild: NoChildren}
	o.rootCreated = false
}

func (o *Octree) LODCount() int { return o.maxDepth + 1 }

func (o *Octree) RootCreated() bool { return o.rootCreated }

func (o *Octree) get(i uint32) *node {
	if i == rootIndex {
		return &o.root
	}
	return o.pool.get(i)
}

// Update resolves at most one level of splits or joins per node position.
// Children created during this call are not examined until the next call,
// so reaching a deep target shape takes several calls.
func (o *Octree) Update(actions UpdateActions) {
	if o.rootCreated {
		o.update(rootIndex, mathx.Vec3i{}, o.maxDepth, actions)
		return
	}
	if actions.CanCreateRoot(o.maxDepth) {
		o.root = node{firstChild: NoChildren}
		actions.CreateChild(mathx.Vec3i{}, o.maxDepth, &o.root.data)
		o.rootCreated = true
	}
}

func (o *Octree) update(index uint32, pos mathx.Vec3i, lod int, actions UpdateActions) {
	n := o.get(index)
	if !n.hasChildren() {
		if lod > 0 && actions.CanSplit(pos, lod, &n.data) {
			first := o.pool.allocateChildren()
			// allocateChildren may have moved the pool.
			n = o.get(index)
			n.firstChild = first
			for i := uint32(0); i < 8; i++ {
				child := o.pool.get(first + i)
				actions.CreateChild(ChildPosition(pos, int(i)), lod-1, &child.data)
			}
			actions.HideParent(pos, lod)
		}
		return
	}

	first := n.firstChild
	hasSplitChild := false
	for i := uint32(0); i < 8; i++ {
		o.update(first+i, ChildPosition(pos, int(i)), lod-1, actions)
		hasSplitChild = hasSplitChild || o.pool.get(first+i).hasChildren()
	}
	if !hasSplitChild && actions.CanJoin(pos, lod) {
		for i := 0; i < 8; i++ {
			actions.DestroyChild(ChildPosition(pos, i), lod-1)
		}
		o.pool.recycleChildren(first)
		o.get(index).firstChild = NoChildren
		actions.ShowParent(pos, lod)
	}
}

// SubdivideActions drive Subdivide.
type SubdivideActions interface {
	CanSplit(pos mathx.Vec3i, lod int, data *NodeData) bool
	CreateChild(pos mathx.Vec3i, lod int, data *NodeData)
}

// Subdivide splits recursively, in one call, wherever CanSplit allows. It
// never joins. The root is created if CanSplit accepts it.
func (o *Octree) Subdivide(actions SubdivideActions) {
	if !o.rootCreated {
		if !actions.CanSplit(mathx.Vec3i{}, o.maxDepth, &o.root.data) {
			return
		}
		o.root = node{firstChild: NoChildren}
		actions.CreateChild(mathx.Vec3i{}, o.maxDepth, &o.root.data)
		o.rootCreated = true
	}
	o.subdivide(rootIndex, mathx.Vec3i{}, o.maxDepth, actions)
}

func (o *Octree) subdivide(index uint32, pos mathx.Vec3i, lod int, actions SubdivideActions) {
	n := o.get(index)
	if n.hasChildren() {
		first := n.firstChild
		for i := uint32(0); i < 8; i++ {
			o.subdivide(first+i, ChildPosition(pos, int(i)), lod-1, actions)
		}
		return
	}
	if lod == 0 || !actions.CanSplit(pos, lod, &n.data) {
		return
	}
	first := o.pool.allocateChildren()
	o.get(index).firstChild = first
	for i := uint32(0); i < 8; i++ {
		cpos := ChildPosition(pos, int(i))
		actions.CreateChild(cpos, lod-1, &o.pool.get(first+i).data)
		o.subdivide(first+i, cpos, lod-1, actions)
	}
}

func (o *Octree) joinAll(index uint32, pos mathx.Vec3i, lod int, destroy func(pos mathx.Vec3i, lod int)) {
	n := o.get(index)
	if n.hasChildren() {
		first := n.firstChild
		for i := uint32(0); i < 8; i++ {
			o.joinAll(first+i, ChildPosition(pos, int(i)), lod-1, destroy)
		}
		o.pool.recycleChildren(first)
		o.get(index).firstChild = NoChildren
	}
	if destroy != nil {
		destroy(pos, lod)
	}
}

// FindInBox runs match on the leaves intersecting box (in LOD-0 units of the
// octree) and stops at the first match. Subtrees outside the box are skipped.
func (o *Octree) FindInBox(box mathx.Box3i, match func(pos mathx.Vec3i, lod int, data NodeData) bool) bool {
	if !o.rootCreated {
		return false
	}
	box = box.Clipped(NodeBox(mathx.Vec3i{}, o.maxDepth))
	if box.IsEmpty() {
		return false
	}
	return o.findInBox(box, rootIndex, mathx.Vec3i{}, o.maxDepth, match)
}

func (o *Octree) findInBox(box mathx.Box3i, index uint32, pos mathx.Vec3i, lod int, match func(mathx.Vec3i, int, NodeData) bool) bool {
	if !NodeBox(pos, lod).Intersects(box) {
		return false
	}
	n := o.get(index)
	if !n.hasChildren() {
		return match(pos, lod, n.data)
	}
	first := n.firstChild
	for i := uint32(0); i < 8; i++ {
		if o.findInBox(box, first+i, ChildPosition(pos, int(i)), lod-1, match) {
			return true
		}
	}
	return false
}

// ForLeavesInBox calls fn on every leaf intersecting box. fn may modify the
// node data.
func (o *Octree) ForLeavesInBox(box mathx.Box3i, fn func(pos mathx.Vec3i, lod int, data *NodeData)) {
	if !o.rootCreated {
		return
	}
	box = box.Clipped(NodeBox(mathx.Vec3i{}, o.maxDepth))
	if box.IsEmpty() {
		return
	}
	o.forLeavesInBox(box, rootIndex, mathx.Vec3i{}, o.maxDepth, fn)
}

func (o *Octree) forLeavesInBox(box mathx.Box3i, index uint32, pos mathx.Vec3i, lod int, fn func(mathx.Vec3i, int, *NodeData)) {
	if !NodeBox(pos, lod).Intersects(box) {
		return
	}
	n := o.get(index)
	if !n.hasChildren() {
		fn(pos, lod, &n.data)
		return
	}
	first := n.firstChild
	for i := uint32(0); i < 8; i++ {
		o.forLeavesInBox(box, first+i, ChildPosition(pos, int(i)), lod-1, fn)
	}
}

func (o *Octree) ForEachLeaf(fn func(pos mathx.Vec3i, lod int, data NodeData)) {
	if !o.rootCreated {
		return
	}
	o.forEachLeaf(rootIndex, mathx.Vec3i{}, o.maxDepth, fn)
}

func (o *Octree) forEachLeaf(index uint32, pos mathx.Vec3i, lod int, fn func(mathx.Vec3i, int, NodeData)) {
	n := o.get(index)
	if !n.hasChildren() {
		fn(pos, lod, n.data)
		return
	}
	first := n.firstChild
	for i := uint32(0); i < 8; i++ {
		o.forEachLeaf(first+i, ChildPosition(pos, int(i)), lod-1, fn)
	}
}

// NodeCount counts every node, internal ones included.
func (o *Octree) NodeCount() int {
	if !o.rootCreated {
		return 0
	}
	return o.nodeCount(rootIndex)
}

func (o *Octree) nodeCount(index uint32) int {
	n := o.get(index)
	count := 1
	if n.hasChildren() {
		first := n.firstChild
		for i := uint32(0); i < 8; i++ {
			count += o.nodeCount(first + i)
		}
	}
	return count
}

func (o *Octree) LeafCount() int {
	count := 0
	o.ForEachLeaf(func(mathx.Vec3i, int, NodeData) { count++ })
	return count
}

func ChildPosition(parent mathx.Vec3i, i int) mathx.Vec3i {
	return mathx.Vec3i{
		X: parent.X*2 + (i & 1),
		Y: parent.Y*2 + ((i >> 1) & 1),
		Z: parent.Z*2 + ((i >> 2) & 1),
	}
}

// NodeBox is the box covered by a node, in LOD-0 units.
func NodeBox(pos mathx.Vec3i, lod int) mathx.Box3i {
	return mathx.Box3i{Pos: pos.Shl(uint(lod)), Size: mathx.Splat(1 << lod)}
}

// IsBelowSplitDistance compares the squared distance between viewer and the
// node center against (lodDistance * 2^lod)^2. All values are in LOD-0 units.
func IsBelowSplitDistance(pos mathx.Vec3i, lod int, viewer mgl64.Vec3, lodDistance float64) bool {
	f := float64(int(1) << lod)
	center := pos.ToFloat().Add(mgl64.Vec3{0.5, 0.5, 0.5}).Mul(f)
	split := lodDistance * f
	return center.Sub(viewer).LenSqr() < split*split
}

// ComputeLODCount returns how many halvings bring fullSize down to baseSize.
func ComputeLODCount(baseSize, fullSize int) int {
	po := 0
	for fullSize > baseSize {
		fullSize >>= 1
		po++
	}
	return po
}

// OctreeSizePo2 is the edge of a whole octree in voxels, as a power of two.
func OctreeSizePo2(blockSizePo2 uint, lodCount int) uint {
	return blockSizePo2 + uint(lodCount) - 1
}
