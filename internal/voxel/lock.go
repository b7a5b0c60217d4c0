package voxel

import (
	"sort"
	"sync"

	"voxelstream.ai/internal/mathx"
)

type lock struct{ mu sync.RWMutex }

func (l *lock) Lock()    { l.mu.Lock() }
func (l *lock) Unlock()  { l.mu.Unlock() }
func (l *lock) RLock()   { l.mu.RLock() }
func (l *lock) RUnlock() { l.mu.RUnlock() }

// Neighbor is a buffer taking part in a multi-block operation, tagged with
// its block position so locks can be taken in a global order.
type Neighbor struct {
	Pos   mathx.Vec3i
	Buf   *Buffer
	Write bool
}

// LockNeighborhood locks every buffer in ascending X, then Z, then Y order
// of block position and returns the matching unlock function. Two tasks
// locking overlapping neighbourhoods therefore never wait on each other in a
// cycle. Nil buffers are skipped; a buffer listed twice is locked once, for
// writing if any entry asks for it.
func LockNeighborhood(items []Neighbor) (unlock func()) {
	sorted := make([]Neighbor, 0, len(items))
	seen := make(map[*Buffer]int, len(items))
	for _, it := range items {
		if it.Buf == nil {
			continue
		}
		if i, ok := seen[it.Buf]; ok {
			sorted[i].Write = sorted[i].Write || it.Write
			continue
		}
		seen[it.Buf] = len(sorted)
		sorted = append(sorted, it)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pos.Less(sorted[j].Pos) })

	for _, it := range sorted {
		if it.Write {
			it.Buf.Lock()
		} else {
			it.Buf.RLock()
		}
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			if sorted[i].Write {
				sorted[i].Buf.Unlock()
			} else {
				sorted[i].Buf.RUnlock()
			}
		}
	}
}
