package roper

import (
	"fmt"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
)

// Graph maps the pending chain onto a lattice graph for diagnostics:
// each call is a node, and control flows either straight to the next
// call or through the stack fixup gadget that skips its arguments.
func (r *ROP) Graph() *lattice.Graph {
	g := &lattice.Graph{}
	for i, link := range r.chain {
		name := r.nodeLabel(link.addr)
		g.Nodes = append(g.Nodes, name)
		if i+1 >= len(r.chain) {
			continue
		}
		next := r.nodeLabel(r.chain[i+1].addr)
		if len(link.args) != 0 && link.retAddr != 0 {
			fix := r.nodeLabel(link.retAddr)
			g.Nodes = append(g.Nodes, fix)
			g.Edges = append(g.Edges,
				lattice.Edge{Caller: name, Callee: fix},
				lattice.Edge{Caller: fix, Callee: next})
		} else {
			g.Edges = append(g.Edges, lattice.Edge{Caller: name, Callee: next})
		}
	}
	g.Dedup()
	return g
}

// GraphDOT renders the chain graph as DOT.
func (r *ROP) GraphDOT(name string) string {
	return render.DOT(r.Graph(), name)
}

func (r *ROP) nodeLabel(addr uint64) string {
	if name := r.Unresolve(addr); name != "" {
		return name
	}
	return fmt.Sprintf("%#x", addr)
}
