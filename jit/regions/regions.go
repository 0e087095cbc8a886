// Package regions implements the loop region instrumentation pass. For every loop header
// it inserts a region_enter call as the first instruction, and a region_exit call on every
// edge that leaves the loop body or returns to the header:
//
//   - an unconditional branch out of the body gets an exit before the branch;
//   - a conditional branch whose two targets are both outside gets an exit before the
//     branch;
//   - a conditional branch with a single outside target has that edge redirected through a
//     landing block holding the exit and a branch to the original target. Landing blocks
//     are shared by every edge of the method with the same target;
//   - a fallthrough out of the body gets an exit at the end of the block;
//   - a return or throw inside the body gets an exit before it. A returned value is passed
//     to region_exit so the runtime can merge the region into its parent.
//
// The header itself counts as outside: the back edge ends the iteration's region and the
// header's region_enter opens the next one. An edge leaving several nested loops crosses
// one exit per loop.
//
// Each loop is processed in two phases: the exits are planned against an unmodified graph,
// then applied.
package regions

import (
	"github.com/joshuapare/nurserykit/internal/logger"
	"github.com/joshuapare/nurserykit/jit/cfg"
)

// Result summarises one Instrument call.
type Result struct {
	Loops          int // headers instrumented
	AlreadyEntered int // headers skipped because they start with region_enter
	Enters         int
	Exits          int // region_exit calls placed in existing blocks
	LandingBlocks  int // blocks synthesized for conditional exits
	RedirectedEdge int
}

// TotalExits counts every region_exit the pass emitted, landing blocks included.
func (r Result) TotalExits() int { return r.Exits + r.LandingBlocks }

// EditKind selects where an exit goes.
type EditKind uint8

const (
	// ExitBeforeTerminator inserts region_exit before the block's terminator.
	ExitBeforeTerminator EditKind = iota
	// ExitAtEnd appends region_exit to a block that falls through.
	ExitAtEnd
	// ExitOnEdge redirects the edge Block → Target through a landing block.
	ExitOnEdge
)

func (k EditKind) String() string {
	switch k {
	case ExitBeforeTerminator:
		return "before-terminator"
	case ExitAtEnd:
		return "at-end"
	case ExitOnEdge:
		return "on-edge"
	}
	return "unknown"
}

// Edit is one planned exit.
type Edit struct {
	Kind   EditKind
	Block  *cfg.BasicBlock
	Target *cfg.BasicBlock // ExitOnEdge only
	Ret    []string        // value handed to region_exit, if any
}

// Instrumenter runs the pass over one method. The landing block cache lives as long as the
// Instrumenter, so use a fresh one per graph.
type Instrumenter struct {
	g *cfg.Graph

	// landing maps an edge target to the landing block that exits and branches to it;
	// landed is the reverse mapping.
	landing map[*cfg.BasicBlock]*cfg.BasicBlock
	landed  map[*cfg.BasicBlock]*cfg.BasicBlock

	res Result
}

// NewInstrumenter prepares the pass for g. Loop descriptors must already be filled in,
// either by the builder or by cfg.ComputeLoops.
func NewInstrumenter(g *cfg.Graph) *Instrumenter {
	return &Instrumenter{
		g:       g,
		landing: map[*cfg.BasicBlock]*cfg.BasicBlock{},
		landed:  map[*cfg.BasicBlock]*cfg.BasicBlock{},
	}
}

// Instrument runs the pass over every loop of g.
func Instrument(g *cfg.Graph) Result {
	return NewInstrumenter(g).Run()
}

// Run instruments every loop header in layout order.
func (in *Instrumenter) Run() Result {
	// Landing blocks are appended to g.Blocks as we go and are never headers.
	var headers []*cfg.BasicBlock
	for _, b := range in.g.Blocks {
		if b.LoopBodyStart && b.Nesting > 0 {
			headers = append(headers, b)
		}
	}
	for _, h := range headers {
		in.instrumentLoop(h)
	}
	logger.Debug("loop regions instrumented",
		"method", in.g.Name,
		"loops", in.res.Loops,
		"exits", in.res.TotalExits(),
		"landing", in.res.LandingBlocks)
	return in.res
}

func (in *Instrumenter) instrumentLoop(header *cfg.BasicBlock) {
	if first := firstInst(header); first != nil && first.Op == cfg.OpRegionEnter {
		in.res.AlreadyEntered++
		return
	}
	edits := in.Plan(header)
	header.Prepend(cfg.NewInst(cfg.OpRegionEnter))
	in.res.Enters++
	in.res.Loops++
	for _, e := range edits {
		in.apply(header, e)
	}
}

// Plan lists the exits the loop headed by header needs, without touching the graph.
func (in *Instrumenter) Plan(header *cfg.BasicBlock) []Edit {
	body := header.LoopBlocks
	if len(body) == 0 {
		body = []*cfg.BasicBlock{header}
	}
	var edits []Edit
	for _, b := range body {
		edits = append(edits, in.planExits(header, b)...)
	}
	return edits
}

func (in *Instrumenter) planExits(header, b *cfg.BasicBlock) []Edit {
	outside := func(t *cfg.BasicBlock) bool { return in.isOutside(header, t) }
	last := b.Terminator()
	if last == nil {
		if b.Next != nil && outside(b.Next) {
			return []Edit{{Kind: ExitAtEnd, Block: b}}
		}
		return nil
	}
	switch last.Op {
	case cfg.OpBr:
		if outside(last.Targets[0]) {
			return []Edit{{Kind: ExitBeforeTerminator, Block: b}}
		}
	case cfg.OpCondBr:
		ifTrue, ifFalse := last.Targets[0], last.Targets[1]
		trueOut, falseOut := outside(ifTrue), outside(ifFalse)
		switch {
		case trueOut && falseOut:
			return []Edit{{Kind: ExitBeforeTerminator, Block: b}}
		case trueOut:
			return []Edit{{Kind: ExitOnEdge, Block: b, Target: ifTrue}}
		case falseOut:
			return []Edit{{Kind: ExitOnEdge, Block: b, Target: ifFalse}}
		}
	case cfg.OpReturn:
		return []Edit{{Kind: ExitBeforeTerminator, Block: b, Ret: last.Args}}
	case cfg.OpThrow:
		return []Edit{{Kind: ExitBeforeTerminator, Block: b}}
	}
	return nil
}

// isOutside reports whether control reaching t has left the current iteration of the loop
// headed by header. A landing block stands for the block it finally branches to.
func (in *Instrumenter) isOutside(header, t *cfg.BasicBlock) bool {
	t = in.resolve(t)
	return t == header || !cfg.Contains(header.LoopBlocks, t)
}

func (in *Instrumenter) resolve(t *cfg.BasicBlock) *cfg.BasicBlock {
	for {
		next, ok := in.landed[t]
		if !ok {
			return t
		}
		t = next
	}
}

func (in *Instrumenter) apply(header *cfg.BasicBlock, e Edit) {
	switch e.Kind {
	case ExitBeforeTerminator:
		e.Block.InsertBefore(e.Block.Terminator(), exitCall(e.Ret))
		in.res.Exits++
	case ExitAtEnd:
		e.Block.Append(exitCall(nil))
		in.res.Exits++
	case ExitOnEdge:
		pad := in.landingFor(header, e.Block, e.Target)
		cfg.Unlink(e.Block, e.Target)
		cfg.Link(e.Block, pad)
		e.Block.Retarget(e.Target, pad)
		in.res.RedirectedEdge++
	}
}

// landingFor returns the landing block for target, creating it on first use. A new block
// joins the body of every other loop that contains the source and for which the target is
// internal, so enclosing loops keep seeing the edge as internal. An edge to an enclosing
// header stays an exit of that loop.
func (in *Instrumenter) landingFor(header, src, target *cfg.BasicBlock) *cfg.BasicBlock {
	if pad, ok := in.landing[target]; ok {
		return pad
	}
	pad := in.g.AddDetachedBlock("")
	pad.Name = "exit_to_" + target.String()
	pad.Append(exitCall(nil))
	pad.Append(cfg.Branch(target))
	cfg.Link(pad, target)

	dest := in.resolve(target)
	for _, h := range in.g.Blocks {
		if h == header || !h.LoopBodyStart {
			continue
		}
		if cfg.Contains(h.LoopBlocks, src) && !in.isOutside(h, dest) {
			h.LoopBlocks = append(h.LoopBlocks, pad)
			pad.Nesting++
		}
	}

	in.landing[target] = pad
	in.landed[pad] = target
	in.res.LandingBlocks++
	logger.Debug("landing block created", "method", in.g.Name, "target", target, "block", pad)
	return pad
}

func exitCall(ret []string) *cfg.Inst {
	return cfg.NewInst(cfg.OpRegionExit, ret...)
}

func firstInst(b *cfg.BasicBlock) *cfg.Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[0]
}
