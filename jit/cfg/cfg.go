// Package cfg models a method's control-flow graph at the granularity the loop region pass
// needs: basic blocks in layout order, a linear instruction list per block, and the
// predecessor/successor edges implied by each block's terminator or fallthrough.
//
// A Graph always owns an entry and an exit block. Returning and throwing blocks flow to the
// exit block; every other block either ends in a branch or falls through to the next block
// in layout order (BasicBlock.Next).
package cfg

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// Opcode identifies an instruction. Only control flow and the region markers carry
// meaning here; everything else is opaque payload kept for printing.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpMove
	OpAlloc
	OpCall
	OpStore
	OpBr
	OpCondBr
	OpReturn
	OpThrow
	OpRegionEnter
	OpRegionExit
)

var opNames = [...]string{
	OpNop:         "nop",
	OpMove:        "move",
	OpAlloc:       "alloc",
	OpCall:        "call",
	OpStore:       "store",
	OpBr:          "br",
	OpCondBr:      "condbr",
	OpReturn:      "return",
	OpThrow:       "throw",
	OpRegionEnter: "region_enter",
	OpRegionExit:  "region_exit",
}

func (o Opcode) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ParseOpcode maps a printed mnemonic back to its Opcode.
func ParseOpcode(s string) (Opcode, error) {
	for i, n := range opNames {
		if n == s {
			return Opcode(i), nil
		}
	}
	return OpNop, fmt.Errorf("%w: %q", ErrUnknownOpcode, s)
}

// IsBranch reports whether o transfers control to explicit targets.
func (o Opcode) IsBranch() bool { return o == OpBr || o == OpCondBr }

// IsTerminator reports whether o ends a block without falling through.
func (o Opcode) IsTerminator() bool {
	return o == OpBr || o == OpCondBr || o == OpReturn || o == OpThrow
}

var (
	ErrUnknownOpcode = errors.New("cfg: unknown opcode")
	ErrBadTargets    = errors.New("cfg: wrong number of branch targets")
	ErrFallsOff      = errors.New("cfg: block falls off the end of the method")
	ErrEdgeMismatch  = errors.New("cfg: edge lists disagree with terminators")
	ErrForeignBlock  = errors.New("cfg: block belongs to another graph")
)

// Inst is one instruction. Targets holds the branch destinations: one for OpBr, the true
// then false successor for OpCondBr.
type Inst struct {
	Op      Opcode
	Args    []string
	Targets []*BasicBlock
}

// NewInst builds an instruction with the given operands.
func NewInst(op Opcode, args ...string) *Inst {
	return &Inst{Op: op, Args: args}
}

// Branch builds an OpBr to target.
func Branch(target *BasicBlock) *Inst {
	return &Inst{Op: OpBr, Targets: []*BasicBlock{target}}
}

// CondBranch builds an OpCondBr on cond.
func CondBranch(cond string, ifTrue, ifFalse *BasicBlock) *Inst {
	return &Inst{Op: OpCondBr, Args: []string{cond}, Targets: []*BasicBlock{ifTrue, ifFalse}}
}

// BasicBlock is a straight-line instruction sequence.
//
// The loop fields mirror the JIT's loop descriptor: LoopBodyStart marks a loop header,
// Nesting counts the loops containing the block, and on a header LoopBlocks lists the
// blocks of its body (header included). Graphs loaded from files get them from
// ComputeLoops.
type BasicBlock struct {
	ID    int
	Name  string
	Insts []*Inst

	// Next is the layout successor, used when the block does not end in a terminator.
	Next *BasicBlock

	Preds []*BasicBlock
	Succs []*BasicBlock

	LoopBodyStart bool
	Nesting       int
	LoopBlocks    []*BasicBlock

	graph *Graph
}

func (b *BasicBlock) String() string {
	if b == nil {
		return "<nil>"
	}
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("BB%d", b.ID)
}

// Last returns the final instruction or nil for an empty block.
func (b *BasicBlock) Last() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[len(b.Insts)-1]
}

// Terminator returns the final instruction when it ends the block, nil when the block
// falls through.
func (b *BasicBlock) Terminator() *Inst {
	if last := b.Last(); last != nil && last.Op.IsTerminator() {
		return last
	}
	return nil
}

// Append adds in at the end of the block. It does not touch the edge lists.
func (b *BasicBlock) Append(in *Inst) { b.Insts = append(b.Insts, in) }

// Prepend adds in at the start of the block.
func (b *BasicBlock) Prepend(in *Inst) { b.Insts = slices.Insert(b.Insts, 0, in) }

// InsertBefore places in immediately before at. When at is not in the block (or is nil)
// the instruction is appended.
func (b *BasicBlock) InsertBefore(at, in *Inst) {
	i := slices.Index(b.Insts, at)
	if at == nil || i < 0 {
		b.Append(in)
		return
	}
	b.Insts = slices.Insert(b.Insts, i, in)
}

// Contains reports whether b is one of blocks.
func Contains(blocks []*BasicBlock, b *BasicBlock) bool { return lo.Contains(blocks, b) }

// Retarget rewrites every branch target equal to from so it points at to. The edge lists
// are left alone; pair it with Unlink/Link.
func (b *BasicBlock) Retarget(from, to *BasicBlock) int {
	last := b.Terminator()
	if last == nil {
		return 0
	}
	n := 0
	for i, t := range last.Targets {
		if t == from {
			last.Targets[i] = to
			n++
		}
	}
	return n
}

// Graph is one method's control-flow graph. Blocks is in layout order and starts with
// Entry. Exit follows every block created with NewBlock; detached blocks come after it.
type Graph struct {
	Name   string
	Entry  *BasicBlock
	Exit   *BasicBlock
	Blocks []*BasicBlock

	nextID int
}

// New creates a graph holding only its entry and exit blocks. The entry block falls
// through to the exit block until the caller adds code.
func New(name string) *Graph {
	g := &Graph{Name: name}
	g.Entry = g.newBlock("entry")
	g.Exit = g.newBlock("exit")
	g.Blocks = []*BasicBlock{g.Entry, g.Exit}
	g.Entry.Next = g.Exit
	return g
}

func (g *Graph) newBlock(name string) *BasicBlock {
	b := &BasicBlock{ID: g.nextID, Name: name, graph: g}
	g.nextID++
	return b
}

// NewBlock creates a block and places it in layout order just before the exit block. The
// previous layout tail now falls through to it.
func (g *Graph) NewBlock(name string) *BasicBlock {
	b := g.newBlock(name)
	at := slices.Index(g.Blocks, g.Exit)
	tail := g.Blocks[at-1]
	g.Blocks = slices.Insert(g.Blocks, at, b)
	if tail.Next == g.Exit {
		tail.Next = b
	}
	b.Next = g.Exit
	return b
}

// AddDetachedBlock creates a block at the end of the layout (after Exit) with no layout
// successor. It is for blocks reached only through explicit branches, such as edge
// landing pads; such a block must end in a terminator.
func (g *Graph) AddDetachedBlock(name string) *BasicBlock {
	b := g.newBlock(name)
	g.Blocks = append(g.Blocks, b)
	return b
}

// Block looks a block up by name.
func (g *Graph) Block(name string) *BasicBlock {
	b, _ := lo.Find(g.Blocks, func(b *BasicBlock) bool { return b.Name == name })
	return b
}

// Link records the edge from → to. Duplicate edges are ignored.
func Link(from, to *BasicBlock) {
	if !lo.Contains(from.Succs, to) {
		from.Succs = append(from.Succs, to)
	}
	if !lo.Contains(to.Preds, from) {
		to.Preds = append(to.Preds, from)
	}
}

// Unlink removes the edge from → to.
func Unlink(from, to *BasicBlock) {
	from.Succs = lo.Without(from.Succs, to)
	to.Preds = lo.Without(to.Preds, from)
}

// Successors derives b's successors from its terminator or fallthrough. Duplicates are
// removed, keeping first occurrence order.
func (g *Graph) Successors(b *BasicBlock) []*BasicBlock {
	if b == g.Exit {
		return nil
	}
	last := b.Terminator()
	switch {
	case last == nil:
		if b.Next == nil {
			return nil
		}
		return []*BasicBlock{b.Next}
	case last.Op.IsBranch():
		return lo.Uniq(last.Targets)
	default:
		return []*BasicBlock{g.Exit}
	}
}

// RebuildEdges recomputes every Preds and Succs list from the instructions.
func (g *Graph) RebuildEdges() {
	for _, b := range g.Blocks {
		b.Preds, b.Succs = nil, nil
	}
	for _, b := range g.Blocks {
		for _, s := range g.Successors(b) {
			Link(b, s)
		}
	}
}

// Verify checks the structural invariants: branch target arity, no block falling off the
// end, all targets owned by g, and edge lists that match the instructions.
func (g *Graph) Verify() error {
	var result *multierror.Error
	for _, b := range g.Blocks {
		if b.graph != g {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrForeignBlock, b))
			continue
		}
		if last := b.Terminator(); last != nil {
			want := map[Opcode]int{OpBr: 1, OpCondBr: 2}[last.Op]
			if len(last.Targets) != want {
				result = multierror.Append(result, fmt.Errorf("%w: %s %s has %d", ErrBadTargets, b, last.Op, len(last.Targets)))
				continue
			}
			for _, t := range last.Targets {
				if t == nil || t.graph != g {
					result = multierror.Append(result, fmt.Errorf("%w: target of %s", ErrForeignBlock, b))
				}
			}
		} else if b != g.Exit && b.Next == nil {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrFallsOff, b))
			continue
		}
		want := g.Successors(b)
		if !sameSet(want, b.Succs) {
			result = multierror.Append(result, fmt.Errorf("%w: %s succs %v, want %v", ErrEdgeMismatch, b, b.Succs, want))
		}
		for _, s := range b.Succs {
			if !lo.Contains(s.Preds, b) {
				result = multierror.Append(result, fmt.Errorf("%w: %s missing pred %s", ErrEdgeMismatch, s, b))
			}
		}
		for _, p := range b.Preds {
			if !lo.Contains(p.Succs, b) {
				result = multierror.Append(result, fmt.Errorf("%w: %s lists pred %s without edge", ErrEdgeMismatch, b, p))
			}
		}
	}
	return result.ErrorOrNil()
}

func sameSet(a, b []*BasicBlock) bool {
	if len(a) != len(b) {
		return false
	}
	return lo.Every(a, b)
}
