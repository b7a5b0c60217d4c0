package lod

import "fmt"

// nodePool stores nodes in packs of 8 siblings. Freed packs are reused before
// the slice grows. Pointers into the pool are invalidated by allocateChildren.
type nodePool struct {
	nodes []node
	free  []uint32
}

func (p *nodePool) get(i uint32) *node {
	if int(i) >= len(p.nodes) {
		panic(fmt.Sprintf("lod: node index %d out of range (%d nodes)", i, len(p.nodes)))
	}
	return &p.nodes[i]
}

func (p *nodePool) allocateChildren() uint32 {
	if k := len(p.free); k > 0 {
		i := p.free[k-1]
		p.free = p.free[:k-1]
		return i
	}
	i := uint32(len(p.nodes))
	for j := 0; j < 8; j++ {
		p.nodes = append(p.nodes, node{firstChild: NoChildren})
	}
	return i
}

func (p *nodePool) recycleChildren(first uint32) {
	if first%8 != 0 {
		panic(fmt.Sprintf("lod: recycling index %d which does not start a pack", first))
	}
	for j := uint32(0); j < 8; j++ {
		p.nodes[first+j] = node{firstChild: NoChildren}
	}
	p.free = append(p.free, first)
}

func (p *nodePool) clear() {
	p.nodes = p.nodes[:0]
	p.free = p.free[:0]
}

// allocated is the number of nodes in use, excluding the root.
func (p *nodePool) allocated() int {
	return len(p.nodes) - 8*len(p.free)
}
