package streaming

import (
	"errors"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/tasks"
	"voxelstream.ai/internal/voxel"
)

var ErrUnknownViewer = errors.New("streaming: unknown viewer")

type ViewerID uint32

// BlockSink receives LOD-0 blocks that were loaded or edited inside a
// viewer's area. It runs on the controller goroutine with voxels
// read-locked and must neither block nor keep voxels.
type BlockSink func(pos mathx.Vec3i, voxels *voxel.Buffer)

type ViewerOptions struct {
	// Position in LOD-0 voxels.
	Position mgl64.Vec3
	// ViewDistance in LOD-0 voxels. Zero uses the controller setting.
	ViewDistance int
	OnBlock      BlockSink
}

type viewer struct {
	id           ViewerID
	pos          mgl64.Vec3
	viewDistance int
	sink         BlockSink
	removed      bool
	// boxes are the block boxes currently referenced, one per LOD.
	boxes []mathx.Box3i
}

func (c *Controller) AddViewer(opts ViewerOptions) ViewerID {
	var id ViewerID
	c.call(func() {
		c.nextViewer++
		id = c.nextViewer
		d := opts.ViewDistance
		if d <= 0 {
			d = c.settings.ViewDistance
		}
		c.viewers[id] = &viewer{
			id:           id,
			pos:          opts.Position,
			viewDistance: d,
			sink:         opts.OnBlock,
			boxes:        make([]mathx.Box3i, len(c.lods)),
		}
		c.metrics.SetViewers(len(c.viewers))
	})
	return id
}

func (c *Controller) SetViewerPosition(id ViewerID, pos mgl64.Vec3) error {
	return c.withViewer(id, func(v *viewer) { v.pos = pos })
}

func (c *Controller) SetViewerViewDistance(id ViewerID, d int) error {
	return c.withViewer(id, func(v *viewer) {
		if d <= 0 {
			d = c.settings.ViewDistance
		}
		v.viewDistance = d
	})
}

// RemoveViewer releases everything the viewer referenced on the next tick.
func (c *Controller) RemoveViewer(id ViewerID) error {
	return c.withViewer(id, func(v *viewer) { v.removed = true })
}

func (c *Controller) withViewer(id ViewerID, fn func(v *viewer)) error {
	err := ErrUnknownViewer
	c.call(func() {
		v, ok := c.viewers[id]
		if !ok || v.removed {
			return
		}
		fn(v)
		err = nil
	})
	return err
}

func (c *Controller) sortedViewers() []*viewer {
	vs := make([]*viewer, 0, len(c.viewers))
	for _, v := range c.viewers {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].id < vs[j].id })
	return vs
}

func (c *Controller) publishViewers() {
	snap := &tasks.ViewerSnapshot{Positions: make([]mgl64.Vec3, 0, len(c.viewers))}
	for _, v := range c.viewers {
		if !v.removed {
			snap.Positions = append(snap.Positions, v.pos)
		}
	}
	c.shared.Publish(snap)
}

// lodRadius is how many blocks around a viewer each LOD below the top keeps,
// in blocks of that LOD. A node of LOD n+1 splits within lodDistance*2^(n+1)
// voxels, which is 2*lodDistance in LOD-n block units regardless of n; one
// more block on each side covers the node extent.
func (c *Controller) lodRadius() int {
	return int(math.Ceil(2*float64(c.settings.LODDistance)/float64(c.blockSize()))) + 2
}

// viewerRadius is how many blocks of LOD l the viewer wants on each side of
// the block it stands in.
func (c *Controller) viewerRadius(v *viewer, l int) int {
	r := mathx.CeilDivPo2(v.viewDistance, c.po2+uint(l)) + 1
	if l < len(c.lods)-1 {
		r = mathx.MinInt(r, c.lodRadius())
	}
	return r
}

// dropDistanceSq is the squared distance past which no viewer wants a block
// of LOD l, widened by slack blocks. Zero when there is no viewer.
func (c *Controller) dropDistanceSq(l uint8, slack int) float64 {
	r := -1
	for _, v := range c.viewers {
		if !v.removed {
			r = max(r, c.viewerRadius(v, int(l)))
		}
	}
	if r < 0 {
		return 0
	}
	// A wanted block center is at most r+1 blocks away on every axis.
	d := float64((r+1+slack)<<(c.po2+uint(l))) * math.Sqrt(3)
	return d * d
}

// viewerBox is the box of blocks of LOD l the viewer wants resident.
func (c *Controller) viewerBox(v *viewer, l int) mathx.Box3i {
	shift := c.po2 + uint(l)
	center := mathx.Floor(v.pos).Shr(shift)
	r := c.viewerRadius(v, l)
	box := mathx.NewBox(center.Sub(mathx.Splat(r)), mathx.Splat(2*r+1))
	if !c.settings.Bounds.IsEmpty() {
		box = box.Clipped(c.settings.Bounds.Downscaled(shift))
	}
	return box
}

// updateViewer moves the viewer's references from its old boxes to the new
// ones. A removed viewer ends up with empty boxes and is forgotten.
func (c *Controller) updateViewer(v *viewer) {
	for l := range c.lods {
		var next mathx.Box3i
		if !v.removed {
			next = c.viewerBox(v, l)
		}
		prev := v.boxes[l]
		if prev == next {
			continue
		}
		if !prev.IsEmpty() {
			prev.ForEachCellNotIn(next, func(p mathx.Vec3i) { c.unref(uint8(l), p) })
		}
		if !next.IsEmpty() {
			next.ForEachCellNotIn(prev, func(p mathx.Vec3i) { c.ref(uint8(l), p) })
		}
		v.boxes[l] = next
	}
	if v.removed {
		delete(c.viewers, v.id)
		c.metrics.SetViewers(len(c.viewers))
	}
}

func (c *Controller) ref(l uint8, pos mathx.Vec3i) {
	s := c.lods[l]
	if b, ok := s.blocks.Get(pos); ok {
		b.AddViewer()
		return
	}
	if lb, ok := s.loading[pos]; ok {
		lb.viewers++
		return
	}
	s.loading[pos] = &loadingBlock{viewers: 1}
}

func (c *Controller) unref(l uint8, pos mathx.Vec3i) {
	s := c.lods[l]
	if b, ok := s.blocks.Get(pos); ok {
		if b.RemoveViewer() {
			c.unload = append(c.unload, blockRef{lod: l, pos: pos})
		}
		return
	}
	if lb, ok := s.loading[pos]; ok {
		lb.viewers--
		if lb.viewers == 0 {
			lb.cancelled.Store(true)
			delete(s.loading, pos)
		}
	}
}

// notifySinks hands changed LOD-0 blocks to the viewers whose area holds
// them.
func (c *Controller) notifySinks() {
	if len(c.changed) == 0 {
		return
	}
	s := c.lods[0]
	for pos := range c.changed {
		b, ok := s.blocks.Get(pos)
		if !ok {
			continue
		}
		for _, v := range c.viewers {
			if v.sink == nil || v.removed || !v.boxes[0].Contains(pos) {
				continue
			}
			b.Voxels.RLock()
			v.sink(pos, b.Voxels)
			b.Voxels.RUnlock()
		}
	}
	clear(c.changed)
}
