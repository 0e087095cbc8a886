package cfg

import (
	"slices"

	"github.com/samber/lo"
)

// Loop is one natural loop: a header and the blocks that reach a back edge into it
// without passing through the header.
type Loop struct {
	Header *BasicBlock
	Blocks []*BasicBlock // layout order, header included
	Depth  int           // 1 for outermost loops
}

// ComputeLoops finds the natural loops of g and fills the loop descriptor of every block:
// LoopBodyStart and LoopBlocks on headers, Nesting everywhere. Back edges sharing a header
// form one loop. Retreating edges whose target does not dominate the source (irreducible
// flow) do not form loops.
//
// The returned loops are ordered outermost first, then by header layout position.
func ComputeLoops(g *Graph) []Loop {
	for _, b := range g.Blocks {
		b.LoopBodyStart, b.Nesting, b.LoopBlocks = false, 0, nil
	}
	g.RebuildEdges()

	order := reversePostorder(g)
	idom := dominators(g, order)

	bodies := map[*BasicBlock]map[*BasicBlock]bool{}
	var headers []*BasicBlock
	for _, b := range order {
		for _, h := range b.Succs {
			if !dominates(idom, h, b) {
				continue
			}
			body, ok := bodies[h]
			if !ok {
				body = map[*BasicBlock]bool{h: true}
				bodies[h] = body
				headers = append(headers, h)
			}
			collectBody(body, h, b)
		}
	}

	pos := lo.SliceToMap(g.Blocks, func(b *BasicBlock) (*BasicBlock, int) {
		return b, slices.Index(g.Blocks, b)
	})
	loops := make([]Loop, 0, len(headers))
	for _, h := range headers {
		blocks := lo.Keys(bodies[h])
		slices.SortFunc(blocks, func(a, b *BasicBlock) int { return pos[a] - pos[b] })
		h.LoopBodyStart = true
		h.LoopBlocks = blocks
		for _, b := range blocks {
			b.Nesting++
		}
		loops = append(loops, Loop{Header: h, Blocks: blocks})
	}
	for i := range loops {
		loops[i].Depth = loops[i].Header.Nesting
	}
	slices.SortStableFunc(loops, func(a, b Loop) int {
		if a.Depth != b.Depth {
			return a.Depth - b.Depth
		}
		return pos[a.Header] - pos[b.Header]
	})
	return loops
}

// collectBody walks predecessors back from latch until the header.
func collectBody(body map[*BasicBlock]bool, header, latch *BasicBlock) {
	work := []*BasicBlock{latch}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		if body[b] && b != latch {
			continue
		}
		body[b] = true
		if b == header {
			continue
		}
		for _, p := range b.Preds {
			if !body[p] {
				work = append(work, p)
			}
		}
	}
}

// reversePostorder lists the blocks reachable from the entry.
func reversePostorder(g *Graph) []*BasicBlock {
	seen := map[*BasicBlock]bool{}
	var post []*BasicBlock
	var visit func(b *BasicBlock)
	visit = func(b *BasicBlock) {
		seen[b] = true
		for _, s := range b.Succs {
			if !seen[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(g.Entry)
	slices.Reverse(post)
	return post
}

// dominators computes immediate dominators with the iterative scheme of Cooper, Harvey and
// Kennedy. The entry maps to itself; unreachable blocks are absent.
func dominators(g *Graph, order []*BasicBlock) map[*BasicBlock]*BasicBlock {
	index := make(map[*BasicBlock]int, len(order))
	for i, b := range order {
		index[b] = i
	}
	idom := map[*BasicBlock]*BasicBlock{g.Entry: g.Entry}
	intersect := func(a, b *BasicBlock) *BasicBlock {
		for a != b {
			for index[a] > index[b] {
				a = idom[a]
			}
			for index[b] > index[a] {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range order[1:] {
			var d *BasicBlock
			for _, p := range b.Preds {
				if idom[p] == nil {
					continue
				}
				if d == nil {
					d = p
				} else {
					d = intersect(p, d)
				}
			}
			if d != nil && idom[b] != d {
				idom[b] = d
				changed = true
			}
		}
	}
	return idom
}

// dominates reports whether a dominates b.
func dominates(idom map[*BasicBlock]*BasicBlock, a, b *BasicBlock) bool {
	if _, ok := idom[b]; !ok {
		return false
	}
	for {
		if b == a {
			return true
		}
		next := idom[b]
		if next == b {
			return false
		}
		b = next
	}
}
