// Package cfgyaml reads and writes control-flow graphs as YAML documents, one method per
// document:
//
//	method: sum
//	blocks:
//	  - name: head
//	    code:
//	      - {op: condbr, args: [i<n], targets: [body, done]}
//	  - name: body
//	    code:
//	      - {op: alloc, args: [node]}
//	      - {op: br, targets: [head]}
//	  - name: done
//	    code:
//	      - {op: return}
//	loops:
//	  - {header: head, body: [head, body]}
//
// Blocks are laid out in file order between the implicit entry and exit blocks; the entry
// falls through to the first listed block. A block marked detached is placed after the exit
// block and must end in a branch. When loops is absent the loop descriptors are computed
// with cfg.ComputeLoops.
package cfgyaml

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/nurserykit/jit/cfg"
)

var (
	ErrNoBlocks      = errors.New("cfgyaml: method has no blocks")
	ErrDuplicate     = errors.New("cfgyaml: duplicate block name")
	ErrReservedName  = errors.New("cfgyaml: block name is reserved")
	ErrUnknownTarget = errors.New("cfgyaml: unknown block")
)

// Method is the YAML shape of one graph.
type Method struct {
	Name   string  `yaml:"method"`
	Blocks []Block `yaml:"blocks"`
	Loops  []Loop  `yaml:"loops,omitempty"`
}

type Block struct {
	Name     string `yaml:"name"`
	Detached bool   `yaml:"detached,omitempty"`
	Code     []Inst `yaml:"code,omitempty"`
}

type Inst struct {
	Op      string   `yaml:"op"`
	Args    []string `yaml:"args,omitempty,flow"`
	Targets []string `yaml:"targets,omitempty,flow"`
}

type Loop struct {
	Header string   `yaml:"header"`
	Body   []string `yaml:"body,flow"`
}

// Load reads every method in the YAML stream at path.
func Load(fsys afero.Fs, path string) ([]*cfg.Graph, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	graphs, err := DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return graphs, nil
}

// DecodeAll reads every document of a YAML stream.
func DecodeAll(r io.Reader) ([]*cfg.Graph, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var graphs []*cfg.Graph
	for {
		var m Method
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return graphs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode method %d: %w", len(graphs)+1, err)
		}
		g, err := m.Graph()
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
}

// Graph builds the cfg.Graph described by m.
func (m *Method) Graph() (*cfg.Graph, error) {
	if len(m.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBlocks, m.Name)
	}
	g := cfg.New(m.Name)
	byName := map[string]*cfg.BasicBlock{"exit": g.Exit}
	for _, b := range m.Blocks {
		switch {
		case b.Name == "entry" || b.Name == "exit":
			return nil, fmt.Errorf("%w: %q", ErrReservedName, b.Name)
		case byName[b.Name] != nil:
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, b.Name)
		}
		if b.Detached {
			byName[b.Name] = g.AddDetachedBlock(b.Name)
		} else {
			byName[b.Name] = g.NewBlock(b.Name)
		}
	}

	lookup := func(name string) (*cfg.BasicBlock, error) {
		if bb := byName[name]; bb != nil {
			return bb, nil
		}
		return nil, fmt.Errorf("%w: %q in method %s", ErrUnknownTarget, name, m.Name)
	}

	for _, b := range m.Blocks {
		bb := byName[b.Name]
		for _, in := range b.Code {
			op, err := cfg.ParseOpcode(in.Op)
			if err != nil {
				return nil, fmt.Errorf("block %s: %w", b.Name, err)
			}
			inst := cfg.NewInst(op, in.Args...)
			for _, name := range in.Targets {
				t, err := lookup(name)
				if err != nil {
					return nil, err
				}
				inst.Targets = append(inst.Targets, t)
			}
			bb.Append(inst)
		}
	}

	if len(m.Loops) == 0 {
		cfg.ComputeLoops(g)
	} else {
		g.RebuildEdges()
		for _, l := range m.Loops {
			h, err := lookup(l.Header)
			if err != nil {
				return nil, err
			}
			h.LoopBodyStart = true
			for _, name := range l.Body {
				b, err := lookup(name)
				if err != nil {
					return nil, err
				}
				h.LoopBlocks = append(h.LoopBlocks, b)
				b.Nesting++
			}
			if !cfg.Contains(h.LoopBlocks, h) {
				h.Nesting++
			}
		}
	}

	if err := g.Verify(); err != nil {
		return nil, fmt.Errorf("method %s: %w", m.Name, err)
	}
	return g, nil
}

// FromGraph converts g back to its YAML shape. The implicit entry and exit blocks are
// omitted, so a graph whose entry block holds code cannot round-trip.
func FromGraph(g *cfg.Graph) Method {
	m := Method{Name: g.Name}
	detached := false
	for _, b := range g.Blocks {
		if b == g.Exit {
			detached = true
			continue
		}
		if b == g.Entry {
			continue
		}
		blk := Block{Name: b.String(), Detached: detached}
		for _, in := range b.Insts {
			out := Inst{Op: in.Op.String(), Args: in.Args}
			for _, t := range in.Targets {
				out.Targets = append(out.Targets, t.String())
			}
			blk.Code = append(blk.Code, out)
		}
		m.Blocks = append(m.Blocks, blk)
		if b.LoopBodyStart {
			l := Loop{Header: b.String()}
			for _, x := range b.LoopBlocks {
				l.Body = append(l.Body, x.String())
			}
			m.Loops = append(m.Loops, l)
		}
	}
	return m
}

// EncodeAll writes graphs as a YAML stream.
func EncodeAll(w io.Writer, graphs ...*cfg.Graph) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, g := range graphs {
		if err := enc.Encode(FromGraph(g)); err != nil {
			return fmt.Errorf("encode method %s: %w", g.Name, err)
		}
	}
	return enc.Close()
}
