package cfg

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
)

// Fprint writes a human-readable listing of g: one header line per block in layout order
// followed by its instructions. Loop headers list their body; blocks that fall through to
// something other than the next listed block name their layout successor.
//
//	method sum
//	entry:
//	  br head
//	head: loop(depth 1: head body)
//	  region_enter
//	  condbr i<n body, done
func Fprint(w io.Writer, g *Graph) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "method %s\n", g.Name)
	for i, b := range g.Blocks {
		bw.WriteString(b.String())
		bw.WriteByte(':')
		if b.LoopBodyStart {
			names := lo.Map(b.LoopBlocks, func(x *BasicBlock, _ int) string { return x.String() })
			fmt.Fprintf(bw, " loop(depth %d: %s)", b.Nesting, strings.Join(names, " "))
		} else if b.Nesting > 0 {
			fmt.Fprintf(bw, " nesting %d", b.Nesting)
		}
		bw.WriteByte('\n')
		for _, in := range b.Insts {
			fmt.Fprintf(bw, "  %s\n", in)
		}
		if b.Terminator() == nil && b.Next != nil {
			if i+1 >= len(g.Blocks) || g.Blocks[i+1] != b.Next {
				fmt.Fprintf(bw, "  ; falls through to %s\n", b.Next)
			}
		}
	}
	return bw.Flush()
}

// String renders g with Fprint.
func (g *Graph) String() string {
	var sb strings.Builder
	_ = Fprint(&sb, g)
	return sb.String()
}

func (in *Inst) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	if len(in.Args) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(in.Args, " "))
	}
	if len(in.Targets) > 0 {
		targets := lo.Map(in.Targets, func(b *BasicBlock, _ int) string { return b.String() })
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(targets, ", "))
	}
	return sb.String()
}
