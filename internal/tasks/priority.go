package tasks

import (
	"math"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
)

// Priority orders queued tasks; higher runs first.
type Priority int64

const (
	BandLow     uint8 = 0
	BandDefault uint8 = 1
	BandHigh    uint8 = 2
	// BandSave keeps edits flowing to disk ahead of everything else.
	BandSave uint8 = 3

	bandShift      = 48
	maxDistanceKey = int64(1)<<bandShift - 1
)

// MakePriority combines a band with a squared distance: any task of a higher
// band beats every task of a lower one, closer beats farther within a band.
func MakePriority(band uint8, distanceSq float64) Priority {
	d := maxDistanceKey
	if distanceSq < float64(maxDistanceKey) {
		d = int64(distanceSq)
	}
	return Priority(int64(band)<<bandShift + (maxDistanceKey - d))
}

// ViewerSnapshot is an immutable list of viewer positions in LOD-0 voxels.
type ViewerSnapshot struct {
	Positions []mgl64.Vec3
}

// NearestSq returns the squared distance to the closest viewer, or +Inf.
func (s *ViewerSnapshot) NearestSq(p mgl64.Vec3) float64 {
	best := math.Inf(1)
	if s == nil {
		return best
	}
	for _, v := range s.Positions {
		if d := v.Sub(p).LenSqr(); d < best {
			best = d
		}
	}
	return best
}

// SharedViewers publishes viewer snapshots from the main goroutine to the
// workers. Workers only ever see whole snapshots.
type SharedViewers struct {
	p atomic.Pointer[ViewerSnapshot]
}

func (s *SharedViewers) Publish(snap *ViewerSnapshot) { s.p.Store(snap) }

func (s *SharedViewers) Load() *ViewerSnapshot { return s.p.Load() }

// PriorityDependency derives a task's priority and cancellation from the
// latest viewer snapshot.
type PriorityDependency struct {
	Viewers *SharedViewers
	// Center of the task's block, in LOD-0 voxels.
	Center mgl64.Vec3
	// DropDistanceSq cancels the task when every viewer is farther than
	// this. Zero disables distance cancellation.
	DropDistanceSq float64
	Band           uint8
}

func (d PriorityDependency) Priority() Priority {
	return MakePriority(d.Band, d.nearestSq())
}

func (d PriorityDependency) TooFar() bool {
	if d.DropDistanceSq <= 0 {
		return false
	}
	return d.nearestSq() > d.DropDistanceSq
}

func (d PriorityDependency) nearestSq() float64 {
	if d.Viewers == nil {
		return math.Inf(1)
	}
	return d.Viewers.Load().NearestSq(d.Center)
}
