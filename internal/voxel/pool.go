package voxel

import (
	"sync"
	"sync/atomic"
)

const defaultMaxPerClass = 256

// Pool recycles channel arrays by byte length. Buffers of one stream only
// ever ask for a handful of lengths (volume x depth), so a free list per
// length is enough. A nil *Pool allocates with make and drops recycled slices.
type Pool struct {
	mu          sync.Mutex
	free        map[int][][]byte
	maxPerClass int

	allocs   atomic.Uint64
	reuses   atomic.Uint64
	recycled atomic.Uint64
	dropped  atomic.Uint64
}

type PoolStats struct {
	Allocs   uint64 `json:"allocs"`
	Reuses   uint64 `json:"reuses"`
	Recycled uint64 `json:"recycled"`
	Dropped  uint64 `json:"dropped"`
	Held     int    `json:"held"`
}

func NewPool() *Pool {
	return &Pool{free: map[int][][]byte{}, maxPerClass: defaultMaxPerClass}
}

// Allocate returns a zeroed slice of length n.
func (p *Pool) Allocate(n int) []byte {
	if p == nil {
		return make([]byte, n)
	}
	p.mu.Lock()
	list := p.free[n]
	if k := len(list); k > 0 {
		b := list[k-1]
		list[k-1] = nil
		p.free[n] = list[:k-1]
		p.mu.Unlock()
		clear(b)
		p.reuses.Add(1)
		return b
	}
	p.mu.Unlock()
	p.allocs.Add(1)
	return make([]byte, n)
}

func (p *Pool) Recycle(b []byte) {
	if p == nil || b == nil {
		return
	}
	n := len(b)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[n]) >= p.maxPerClass {
		p.dropped.Add(1)
		return
	}
	p.free[n] = append(p.free[n], b)
	p.recycled.Add(1)
}

func (p *Pool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	p.mu.Lock()
	held := 0
	for _, l := range p.free {
		held += len(l)
	}
	p.mu.Unlock()
	return PoolStats{
		Allocs:   p.allocs.Load(),
		Reuses:   p.reuses.Load(),
		Recycled: p.recycled.Load(),
		Dropped:  p.dropped.Load(),
		Held:     held,
	}
}
