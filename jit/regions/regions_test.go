package regions

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/nurserykit/jit/cfg"
)

// listing prints a block's instructions one per line.
func listing(b *cfg.BasicBlock) []string {
	out := make([]string, len(b.Insts))
	for i, in := range b.Insts {
		out[i] = in.String()
	}
	return out
}

func requireListing(t *testing.T, b *cfg.BasicBlock, want ...string) {
	t.Helper()
	require.NotNil(t, b)
	if diff := cmp.Diff(want, listing(b)); diff != "" {
		t.Fatalf("%s mismatch (-want +got):\n%s", b, diff)
	}
}

// loopSet snapshots loop bodies before instrumentation adds landing blocks.
type loopSet map[*cfg.BasicBlock][]*cfg.BasicBlock

func snapshot(g *cfg.Graph) loopSet {
	ls := loopSet{}
	for _, b := range g.Blocks {
		if b.LoopBodyStart {
			ls[b] = append([]*cfg.BasicBlock(nil), b.LoopBlocks...)
		}
	}
	return ls
}

// loopsLeft counts the loops the edge src → dst leaves, or that src leaves by returning
// when dst is nil.
func (ls loopSet) loopsLeft(src, dst *cfg.BasicBlock) int {
	n := 0
	for h, body := range ls {
		if !cfg.Contains(body, src) {
			continue
		}
		if dst == nil || dst == h || !cfg.Contains(body, dst) {
			n++
		}
	}
	return n
}

func isExit(in *cfg.Inst) bool { return in.Op == cfg.OpRegionExit }

// trailingExits counts the region_exit calls right before index end in b.
func trailingExits(b *cfg.BasicBlock, end int) int {
	n := 0
	for i := end - 1; i >= 0 && isExit(b.Insts[i]); i-- {
		n++
	}
	return n
}

// follow walks landing blocks from t and returns the exits crossed and the real target.
func follow(t *cfg.BasicBlock, landing map[*cfg.BasicBlock]bool) (int, *cfg.BasicBlock) {
	n := 0
	for landing[t] {
		n += trailingExits(t, len(t.Insts)-1)
		t = t.Terminator().Targets[0]
	}
	return n, t
}

// requireBalanced checks that every edge leaving k loops crosses exactly k exits.
func requireBalanced(t *testing.T, g *cfg.Graph, ls loopSet, orig []*cfg.BasicBlock) {
	t.Helper()
	landing := map[*cfg.BasicBlock]bool{}
	for _, b := range g.Blocks {
		if !cfg.Contains(orig, b) {
			landing[b] = true
		}
	}
	for _, b := range orig {
		if b == g.Exit {
			continue
		}
		last := b.Terminator()
		switch {
		case last == nil:
			got := trailingExits(b, len(b.Insts))
			assert.Equal(t, ls.loopsLeft(b, b.Next), got, "fallthrough %s -> %s", b, b.Next)
		case last.Op == cfg.OpReturn || last.Op == cfg.OpThrow:
			got := trailingExits(b, len(b.Insts)-1)
			assert.Equal(t, ls.loopsLeft(b, nil), got, "%s in %s", last.Op, b)
		default:
			before := trailingExits(b, len(b.Insts)-1)
			for _, target := range last.Targets {
				n, dst := follow(target, landing)
				assert.Equal(t, ls.loopsLeft(b, dst), before+n, "edge %s -> %s", b, dst)
			}
		}
	}
}

func instrument(t *testing.T, g *cfg.Graph) Result {
	t.Helper()
	cfg.ComputeLoops(g)
	ls := snapshot(g)
	orig := append([]*cfg.BasicBlock(nil), g.Blocks...)

	res := Instrument(g)

	require.NoError(t, g.Verify())
	requireBalanced(t, g, ls, orig)
	return res
}

// whileLoop: head: condbr i<n body, done; body: alloc; br head; done: return.
func whileLoop() *cfg.Graph {
	g := cfg.New("while")
	head := g.NewBlock("head")
	body := g.NewBlock("body")
	done := g.NewBlock("done")
	head.Append(cfg.CondBranch("i<n", body, done))
	body.Append(cfg.NewInst(cfg.OpAlloc, "node"))
	body.Append(cfg.Branch(head))
	done.Append(cfg.NewInst(cfg.OpReturn))
	return g
}

func TestInstrument_SimpleLoop(t *testing.T) {
	g := whileLoop()
	res := instrument(t, g)

	requireListing(t, g.Block("head"), "region_enter", "condbr i<n body, exit_to_done")
	requireListing(t, g.Block("body"), "alloc node", "region_exit", "br head")
	requireListing(t, g.Block("exit_to_done"), "region_exit", "br done")
	requireListing(t, g.Block("done"), "return")

	assert.Equal(t, Result{
		Loops:          1,
		Enters:         1,
		Exits:          1,
		LandingBlocks:  1,
		RedirectedEdge: 1,
	}, res)
	assert.Equal(t, 2, res.TotalExits())

	done := g.Block("done")
	pad := g.Block("exit_to_done")
	assert.ElementsMatch(t, []*cfg.BasicBlock{pad}, done.Preds)
	assert.ElementsMatch(t, []*cfg.BasicBlock{g.Block("body"), pad}, g.Block("head").Succs)
}

func TestInstrument_PlanLeavesGraphAlone(t *testing.T) {
	g := whileLoop()
	cfg.ComputeLoops(g)
	before := g.String()

	in := NewInstrumenter(g)
	edits := in.Plan(g.Block("head"))

	got := make([]string, len(edits))
	for i, e := range edits {
		got[i] = fmt.Sprintf("%s %s %s", e.Kind, e.Block, e.Target)
	}
	want := []string{
		"on-edge head done",
		"before-terminator body <nil>",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, before, g.String())
}

// nested builds two loops, outer around inner:
//
//	outer: condbr i<n inner, done
//	inner: condbr j<m ibody, latch
//	ibody: alloc; br inner
//	latch: move; br outer
//	done:  return
func nested() *cfg.Graph {
	g := cfg.New("nested")
	outer := g.NewBlock("outer")
	inner := g.NewBlock("inner")
	ibody := g.NewBlock("ibody")
	latch := g.NewBlock("latch")
	done := g.NewBlock("done")
	outer.Append(cfg.CondBranch("i<n", inner, done))
	inner.Append(cfg.CondBranch("j<m", ibody, latch))
	ibody.Append(cfg.NewInst(cfg.OpAlloc, "node"))
	ibody.Append(cfg.Branch(inner))
	latch.Append(cfg.NewInst(cfg.OpMove, "i", "i+1"))
	latch.Append(cfg.Branch(outer))
	done.Append(cfg.NewInst(cfg.OpReturn))
	return g
}

func TestInstrument_NestedLoops(t *testing.T) {
	g := nested()
	res := instrument(t, g)

	requireListing(t, g.Block("outer"), "region_enter", "condbr i<n inner, exit_to_done")
	requireListing(t, g.Block("inner"), "region_enter", "condbr j<m ibody, exit_to_latch")
	requireListing(t, g.Block("ibody"), "alloc node", "region_exit", "br inner")
	requireListing(t, g.Block("latch"), "move i i+1", "region_exit", "br outer")
	requireListing(t, g.Block("exit_to_latch"), "region_exit", "br latch")

	assert.Equal(t, 2, res.Loops)
	assert.Equal(t, 2, res.LandingBlocks)

	// The inner loop's landing block stays inside the outer loop.
	pad := g.Block("exit_to_latch")
	assert.True(t, cfg.Contains(g.Block("outer").LoopBlocks, pad))
	assert.Equal(t, 1, pad.Nesting)
}

func TestInstrument_ContinueOuterFromInnerHeader(t *testing.T) {
	// The inner loop is laid out first, so it is instrumented before the outer one.
	//
	//	entry: br outer
	//	inner: condbr d body, outer
	//	body:  br inner
	//	outer: condbr c inner, done
	//	done:  return
	g := cfg.New("continue")
	inner := g.NewBlock("inner")
	body := g.NewBlock("body")
	outer := g.NewBlock("outer")
	done := g.NewBlock("done")
	g.Entry.Append(cfg.Branch(outer))
	inner.Append(cfg.CondBranch("d", body, outer))
	body.Append(cfg.Branch(inner))
	outer.Append(cfg.CondBranch("c", inner, done))
	done.Append(cfg.NewInst(cfg.OpReturn))

	res := instrument(t, g)

	// inner -> outer leaves both loops: once through each landing block.
	requireListing(t, inner, "region_enter", "condbr d body, exit_to_exit_to_outer")
	requireListing(t, g.Block("exit_to_exit_to_outer"), "region_exit", "br exit_to_outer")
	requireListing(t, g.Block("exit_to_outer"), "region_exit", "br outer")
	requireListing(t, body, "region_exit", "br inner")
	requireListing(t, outer, "region_enter", "condbr c inner, exit_to_done")

	pad := g.Block("exit_to_outer")
	assert.False(t, cfg.Contains(outer.LoopBlocks, pad), "a back edge pad is not part of the loop it leaves")
	assert.Zero(t, pad.Nesting)
	assert.Equal(t, Result{Loops: 2, Enters: 2, Exits: 1, LandingBlocks: 3, RedirectedEdge: 3}, res)
}

func TestInstrument_BreakOutOfBothLoops(t *testing.T) {
	g := nested()
	ibody := g.Block("ibody")
	ibody.Insts = ibody.Insts[:1]
	ibody.Append(cfg.CondBranch("bad", g.Block("done"), g.Block("inner")))

	res := instrument(t, g)

	// Both ibody targets leave the inner loop: one exit before the branch. The edge to
	// done also leaves the outer loop through a landing block.
	requireListing(t, ibody, "alloc node", "region_exit", "condbr bad exit_to_done, inner")
	requireListing(t, g.Block("exit_to_done"), "region_exit", "br done")
	assert.Equal(t, 2, res.LandingBlocks, "exit_to_done is shared with the outer header")
	assert.ElementsMatch(t,
		[]*cfg.BasicBlock{g.Block("outer"), ibody},
		g.Block("exit_to_done").Preds)
}

func TestInstrument_ConditionalBreakChainsLandingBlocks(t *testing.T) {
	// inner: condbr j<m ibody, latch
	// ibody: condbr stop quit, cont
	// cont:  br inner
	// quit:  br done   (outside both loops)
	g := cfg.New("chain")
	outer := g.NewBlock("outer")
	inner := g.NewBlock("inner")
	ibody := g.NewBlock("ibody")
	cont := g.NewBlock("cont")
	latch := g.NewBlock("latch")
	quit := g.NewBlock("quit")
	done := g.NewBlock("done")
	outer.Append(cfg.CondBranch("i<n", inner, done))
	inner.Append(cfg.CondBranch("j<m", ibody, latch))
	ibody.Append(cfg.CondBranch("stop", quit, cont))
	cont.Append(cfg.Branch(inner))
	latch.Append(cfg.Branch(outer))
	quit.Append(cfg.Branch(done))
	done.Append(cfg.NewInst(cfg.OpReturn))

	instrument(t, g)

	first := ibody.Terminator().Targets[0]
	require.Equal(t, "exit_to_exit_to_quit", first.String())
	requireListing(t, first, "region_exit", "br exit_to_quit")
	requireListing(t, g.Block("exit_to_quit"), "region_exit", "br quit")
	requireListing(t, quit, "br done")
}

func TestInstrument_SharedExitTarget(t *testing.T) {
	// head:  condbr i<n a, done
	// a:     condbr x t, b
	// b:     condbr y t, latch
	// latch: br head
	g := cfg.New("shared")
	head := g.NewBlock("head")
	a := g.NewBlock("a")
	b := g.NewBlock("b")
	latch := g.NewBlock("latch")
	target := g.NewBlock("t")
	done := g.NewBlock("done")
	head.Append(cfg.CondBranch("i<n", a, done))
	a.Append(cfg.CondBranch("x", target, b))
	b.Append(cfg.CondBranch("y", target, latch))
	latch.Append(cfg.Branch(head))
	target.Append(cfg.NewInst(cfg.OpReturn, "x"))
	done.Append(cfg.NewInst(cfg.OpReturn))

	res := instrument(t, g)

	var pads []*cfg.BasicBlock
	for _, blk := range g.Blocks {
		if strings.HasPrefix(blk.Name, "exit_to_t") {
			pads = append(pads, blk)
		}
	}
	require.Len(t, pads, 1, "one landing block per outside target")
	pad := pads[0]
	requireListing(t, pad, "region_exit", "br t")
	assert.Same(t, pad, a.Terminator().Targets[0])
	assert.Same(t, pad, b.Terminator().Targets[0])
	assert.ElementsMatch(t, []*cfg.BasicBlock{a, b}, pad.Preds)
	assert.ElementsMatch(t, []*cfg.BasicBlock{pad}, target.Preds)

	assert.Equal(t, 2, res.LandingBlocks)
	assert.Equal(t, 3, res.RedirectedEdge)
}

func TestInstrument_FallthroughToHeader(t *testing.T) {
	// Layout puts the latch before the header so it falls through into it.
	g := cfg.New("fall")
	body := g.NewBlock("body")
	head := g.NewBlock("head")
	done := g.NewBlock("done")
	g.Entry.Append(cfg.Branch(head))
	body.Append(cfg.NewInst(cfg.OpAlloc, "node"))
	head.Append(cfg.CondBranch("i<n", body, done))
	done.Append(cfg.NewInst(cfg.OpReturn))

	res := instrument(t, g)

	requireListing(t, body, "alloc node", "region_exit")
	assert.Equal(t, 1, res.Exits)
}

func TestInstrument_HeaderFallsIntoBody(t *testing.T) {
	// head: alloc; br body ; body: condbr again latch, done ; latch: br head
	g := cfg.New("dowhile")
	head := g.NewBlock("head")
	body := g.NewBlock("body")
	latch := g.NewBlock("latch")
	done := g.NewBlock("done")
	head.Append(cfg.NewInst(cfg.OpAlloc, "node"))
	head.Append(cfg.Branch(body))
	body.Append(cfg.CondBranch("again", latch, done))
	latch.Append(cfg.Branch(head))
	done.Append(cfg.NewInst(cfg.OpReturn))

	res := instrument(t, g)

	requireListing(t, head, "region_enter", "alloc node", "br body")
	requireListing(t, latch, "region_exit", "br head")
	requireListing(t, body, "condbr again latch, exit_to_done")
	assert.Equal(t, 1, res.Exits)
	assert.Equal(t, 1, res.LandingBlocks)
}

func TestInstrument_HeaderWithoutBody(t *testing.T) {
	g := cfg.New("bare")
	head := g.NewBlock("head")
	done := g.NewBlock("done")
	head.Append(cfg.NewInst(cfg.OpAlloc, "node"))
	head.Append(cfg.CondBranch("again", head, done))
	done.Append(cfg.NewInst(cfg.OpReturn))
	g.RebuildEdges()
	head.LoopBodyStart = true
	head.Nesting = 1

	res := Instrument(g)

	requireListing(t, head, "region_enter", "alloc node", "region_exit", "condbr again head, done")
	assert.Equal(t, Result{Loops: 1, Enters: 1, Exits: 1}, res)
	require.NoError(t, g.Verify())
}

func TestInstrument_ReturnPassesValue(t *testing.T) {
	// A hand-built descriptor may place a returning block in the body.
	g := cfg.New("ret")
	head := g.NewBlock("head")
	found := g.NewBlock("found")
	latch := g.NewBlock("latch")
	head.Append(cfg.CondBranch("hit", found, latch))
	found.Append(cfg.NewInst(cfg.OpAlloc, "result"))
	found.Append(cfg.NewInst(cfg.OpReturn, "result"))
	latch.Append(cfg.Branch(head))
	g.RebuildEdges()
	head.LoopBodyStart = true
	head.LoopBlocks = []*cfg.BasicBlock{head, found, latch}
	for _, b := range head.LoopBlocks {
		b.Nesting = 1
	}

	res := Instrument(g)

	requireListing(t, found, "alloc result", "region_exit result", "return result")
	requireListing(t, latch, "region_exit", "br head")
	assert.Equal(t, 2, res.Exits)
	assert.Zero(t, res.LandingBlocks)
	require.NoError(t, g.Verify())
}

func TestInstrument_ThrowExits(t *testing.T) {
	g := cfg.New("throw")
	head := g.NewBlock("head")
	fail := g.NewBlock("fail")
	latch := g.NewBlock("latch")
	head.Append(cfg.CondBranch("bad", fail, latch))
	fail.Append(cfg.NewInst(cfg.OpThrow, "err"))
	latch.Append(cfg.Branch(head))
	g.RebuildEdges()
	head.LoopBodyStart = true
	head.LoopBlocks = []*cfg.BasicBlock{head, fail, latch}
	head.Nesting, fail.Nesting, latch.Nesting = 1, 1, 1

	Instrument(g)

	requireListing(t, fail, "region_exit", "throw err")
}

func TestInstrument_SecondRunIsNoop(t *testing.T) {
	g := nested()
	instrument(t, g)
	before := g.String()

	res := Instrument(g)

	assert.Equal(t, Result{AlreadyEntered: 2}, res)
	assert.Equal(t, before, g.String())
}

func TestInstrument_NoLoops(t *testing.T) {
	g := cfg.New("flat")
	b := g.NewBlock("b")
	b.Append(cfg.NewInst(cfg.OpCall, "f"))
	b.Append(cfg.NewInst(cfg.OpReturn))

	res := instrument(t, g)

	assert.Equal(t, Result{}, res)
	requireListing(t, b, "call f", "return")
}
