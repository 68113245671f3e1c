// Package gadget classifies mined instruction sequences into a searchable
// catalog: per-gadget stack displacement, popped registers, and a pivot
// table of plain stack-advancing gadgets.
package gadget

import (
	"regexp"
	"slices"
	"sort"
	"strconv"
)

// LeaveDelta is the stack displacement recorded for gadgets containing
// leave. leave rewrites the stack pointer outright, so the value is large
// enough that a minimum-displacement search can never land on one; such
// gadgets are only reachable by asking for the frame registers.
const LeaveDelta = 9999999999

// Gadget is one classified instruction sequence. Immutable once built.
type Gadget struct {
	Addr  uint64
	Insns []string // instruction text, execution order
	Regs  []string // registers popped, pop order
	Move  uint64   // net stack pointer advance in bytes
}

// The accepted instruction grammar. A sequence containing anything else
// is dropped whole.
var (
	popRe   = regexp.MustCompile(`^pop ([a-z0-9]+)$`)
	addSPRe = regexp.MustCompile(`^add [er]sp, (\S+)$`)
)

// FrameRegs returns the frame- and stack-pointer register names for a
// word size in bytes.
func FrameRegs(wordSize uint64) []string {
	if wordSize == 4 {
		return []string{"ebp", "esp"}
	}
	return []string{"rbp", "rsp"}
}

var allFrameRegs = []string{"rbp", "ebp", "rsp", "esp"}

// Classify applies the grammar to one instruction sequence. ok is false
// when any instruction falls outside the grammar.
func Classify(addr uint64, insns []string, wordSize uint64) (Gadget, bool) {
	g := Gadget{Addr: addr, Insns: insns}
	for _, insn := range insns {
		switch {
		case popRe.MatchString(insn):
			g.Regs = append(g.Regs, popRe.FindStringSubmatch(insn)[1])
			g.Move += wordSize
		case addSPRe.MatchString(insn):
			imm, err := strconv.ParseUint(addSPRe.FindStringSubmatch(insn)[1], 0, 64)
			if err != nil {
				return Gadget{}, false
			}
			g.Move += imm
		case insn == "ret":
			g.Move += wordSize
		case insn == "leave":
			g.Move += LeaveDelta
			g.Regs = append(g.Regs, FrameRegs(wordSize)...)
		default:
			return Gadget{}, false
		}
	}
	return g, true
}

// Catalog holds every classified gadget plus the pivot table mapping
// stack displacement to one representative gadget address.
type Catalog struct {
	Gadgets map[uint64]Gadget
	Pivots  map[uint64]uint64

	wordSize uint64
}

// NewCatalog returns an empty catalog for the given word size in bytes.
func NewCatalog(wordSize uint64) *Catalog {
	return &Catalog{
		Gadgets:  make(map[uint64]Gadget),
		Pivots:   make(map[uint64]uint64),
		wordSize: wordSize,
	}
}

// WordSize returns the catalog's word size in bytes.
func (c *Catalog) WordSize() uint64 { return c.wordSize }

// Add classifies one sequence and, if it fits the grammar, records it.
// Gadgets that touch neither frame nor stack pointer also feed the pivot
// table; on equal displacement the last added address wins, which is
// harmless since pivots are chosen by minimum sufficient size.
func (c *Catalog) Add(addr uint64, insns []string) {
	g, ok := Classify(addr, insns, c.wordSize)
	if !ok {
		return
	}
	c.Gadgets[addr] = g

	for _, r := range g.Regs {
		if slices.Contains(allFrameRegs, r) {
			return
		}
	}
	c.Pivots[g.Move] = addr
}

// Search finds the gadget best matching the criteria. A non-empty regs
// list must equal the gadget's popped registers exactly, order included;
// an empty list matches any gadget. minMove is a floor on the stack
// displacement. An exact displacement match wins immediately; otherwise
// the smallest displacement at or above the floor does. Iteration order
// across equally-ranked gadgets is unspecified.
func (c *Catalog) Search(minMove uint64, regs []string) (Gadget, bool) {
	var closest Gadget
	found := false
	for _, g := range c.Gadgets {
		if len(regs) != 0 && !slices.Equal(g.Regs, regs) {
			continue
		}
		if g.Move < minMove {
			continue
		}
		if g.Move == minMove {
			return g, true
		}
		if !found || g.Move < closest.Move {
			closest = g
			found = true
		}
	}
	return closest, found
}

// SmallestPivot scans the pivot table in ascending displacement order for
// the smallest pivot advancing the stack by at least need bytes.
func (c *Catalog) SmallestPivot(need uint64) (addr, size uint64, ok bool) {
	moves := make([]uint64, 0, len(c.Pivots))
	for m := range c.Pivots {
		moves = append(moves, m)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i] < moves[j] })
	for _, m := range moves {
		if m >= need {
			return c.Pivots[m], m, true
		}
	}
	return 0, 0, false
}
