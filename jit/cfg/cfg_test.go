package cfg

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simpleLoop builds
//
//	entry -> head; head: condbr body, done; body -> head; done: return
func simpleLoop(t *testing.T) *Graph {
	t.Helper()
	g := New("sum")
	head := g.NewBlock("head")
	body := g.NewBlock("body")
	done := g.NewBlock("done")

	head.Append(CondBranch("i<n", body, done))
	body.Append(NewInst(OpAlloc, "node"))
	body.Append(Branch(head))
	done.Append(NewInst(OpReturn, "sum"))
	g.RebuildEdges()
	require.NoError(t, g.Verify())
	return g
}

func names(blocks []*BasicBlock) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.String()
	}
	return out
}

func TestGraph_NewBlockLayout(t *testing.T) {
	g := New("m")
	a := g.NewBlock("a")
	b := g.NewBlock("b")

	assert.Equal(t, []string{"entry", "a", "b", "exit"}, names(g.Blocks))
	assert.Same(t, a, g.Entry.Next)
	assert.Same(t, b, a.Next)
	assert.Same(t, g.Exit, b.Next)
	assert.Same(t, b, g.Block("b"))
	assert.Nil(t, g.Block("missing"))
}

func TestGraph_Successors(t *testing.T) {
	g := simpleLoop(t)
	head, body, done := g.Block("head"), g.Block("body"), g.Block("done")

	assert.Equal(t, []string{"head"}, names(g.Successors(g.Entry)))
	assert.Equal(t, []string{"body", "done"}, names(g.Successors(head)))
	assert.Equal(t, []string{"head"}, names(g.Successors(body)))
	assert.Equal(t, []string{"exit"}, names(g.Successors(done)))
	assert.Empty(t, g.Successors(g.Exit))

	assert.ElementsMatch(t, []string{"entry", "body"}, names(head.Preds))
}

func TestGraph_CondBranchSameTargetsDedup(t *testing.T) {
	g := New("m")
	a := g.NewBlock("a")
	b := g.NewBlock("b")
	a.Append(CondBranch("c", b, b))
	b.Append(NewInst(OpReturn))
	g.RebuildEdges()

	assert.Equal(t, []string{"b"}, names(a.Succs))
	require.NoError(t, g.Verify())
}

func TestGraph_LinkUnlink(t *testing.T) {
	g := New("m")
	a := g.NewBlock("a")
	b := g.NewBlock("b")

	Link(a, b)
	Link(a, b)
	assert.Len(t, a.Succs, 1)
	assert.Len(t, b.Preds, 1)

	Unlink(a, b)
	assert.Empty(t, a.Succs)
	assert.Empty(t, b.Preds)
}

func TestGraph_VerifyEdgeMismatch(t *testing.T) {
	g := simpleLoop(t)
	body := g.Block("body")
	Unlink(body, g.Block("head"))

	err := g.Verify()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEdgeMismatch))
}

func TestGraph_VerifyBadTargets(t *testing.T) {
	g := New("m")
	a := g.NewBlock("a")
	a.Append(&Inst{Op: OpCondBr, Targets: []*BasicBlock{g.Exit}})
	g.RebuildEdges()

	assert.ErrorIs(t, g.Verify(), ErrBadTargets)
}

func TestGraph_VerifyForeignTarget(t *testing.T) {
	g := New("m")
	other := New("other")
	a := g.NewBlock("a")
	a.Append(Branch(other.Exit))

	assert.ErrorIs(t, g.Verify(), ErrForeignBlock)
}

func TestGraph_VerifyDetachedFallsOff(t *testing.T) {
	g := New("m")
	pad := g.AddDetachedBlock("pad")
	pad.Append(NewInst(OpRegionExit))
	g.RebuildEdges()

	assert.ErrorIs(t, g.Verify(), ErrFallsOff)

	pad.Append(Branch(g.Exit))
	g.RebuildEdges()
	assert.NoError(t, g.Verify())
}

func TestBasicBlock_InsertBefore(t *testing.T) {
	g := New("m")
	b := g.NewBlock("b")
	br := Branch(g.Exit)
	b.Append(NewInst(OpMove, "x", "y"))
	b.Append(br)

	b.InsertBefore(br, NewInst(OpRegionExit))
	b.InsertBefore(nil, NewInst(OpNop))
	b.Prepend(NewInst(OpRegionEnter))

	ops := make([]Opcode, len(b.Insts))
	for i, in := range b.Insts {
		ops[i] = in.Op
	}
	assert.Equal(t, []Opcode{OpRegionEnter, OpMove, OpRegionExit, OpBr, OpNop}, ops)
	assert.Nil(t, b.Terminator(), "trailing nop falls through")
}

func TestBasicBlock_Retarget(t *testing.T) {
	g := simpleLoop(t)
	head, done := g.Block("head"), g.Block("done")
	pad := g.AddDetachedBlock("pad")

	assert.Equal(t, 1, head.Retarget(done, pad))
	assert.Same(t, pad, head.Terminator().Targets[1])
	assert.Zero(t, g.Entry.Retarget(done, pad), "fallthrough blocks have no targets")
}

func TestParseOpcode(t *testing.T) {
	for op := OpNop; op <= OpRegionExit; op++ {
		got, err := ParseOpcode(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
	_, err := ParseOpcode("jmp")
	assert.ErrorIs(t, err, ErrUnknownOpcode)
	assert.Equal(t, "op(200)", Opcode(200).String())
}

func TestFprint(t *testing.T) {
	g := simpleLoop(t)
	ComputeLoops(g)
	pad := g.AddDetachedBlock("pad")
	pad.Append(Branch(g.Block("done")))

	want := strings.Join([]string{
		"method sum",
		"entry:",
		"head: loop(depth 1: head body)",
		"  condbr i<n body, done",
		"body: nesting 1",
		"  alloc node",
		"  br head",
		"done:",
		"  return sum",
		"exit:",
		"pad:",
		"  br done",
		"",
	}, "\n")
	assert.Equal(t, want, g.String())
}
