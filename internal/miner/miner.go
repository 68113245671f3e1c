// Package miner scans executable segments for candidate ROP gadgets:
// short instruction runs that end on a return.
package miner

import (
	"sort"
	"strings"

	"github.com/apex/log"
	"golang.org/x/arch/x86/x86asm"

	"roper/internal/elfx"
)

// Candidate is one mined gadget: a file virtual address and the Intel
// syntax text of each instruction, in execution order.
type Candidate struct {
	Addr  uint64
	Insns []string
}

// Miner yields raw candidate gadgets for one binary. Classification and
// ranking happen elsewhere; a miner only proposes sequences.
type Miner interface {
	Mine(bin *elfx.File) ([]Candidate, error)
}

// X86 mines x86/x86-64 gadgets by locating ret opcodes and decoding
// backward windows that fall through onto them.
type X86 struct {
	MaxDepth int // maximum instructions per gadget, return included; 0 = 6
}

const (
	defaultMaxDepth = 6
	maxInsnLen      = 15 // architectural x86 instruction length limit
	retOpcode       = 0xc3
)

func (m X86) maxDepth() int {
	if m.MaxDepth > 0 {
		return m.MaxDepth
	}
	return defaultMaxDepth
}

// Mine implements Miner. Every returned candidate decodes cleanly from
// its start address and ends exactly on a ret. Overlapping candidates
// sharing one ret are all reported; duplicate instruction sequences at
// different addresses are all kept.
func (m X86) Mine(bin *elfx.File) ([]Candidate, error) {
	mode := int(bin.PointerWidthBits())
	depth := m.maxDepth()
	window := depth * maxInsnLen

	found := make(map[uint64]Candidate)
	for _, seg := range bin.ExecSegments() {
		for ret := 0; ret < len(seg.Data); ret++ {
			if seg.Data[ret] != retOpcode {
				continue
			}
			lo := ret - window
			if lo < 0 {
				lo = 0
			}
			for start := ret; start >= lo; start-- {
				insns, ok := decodeRun(seg.Data, start, ret, mode, depth)
				if !ok {
					continue
				}
				addr := seg.Vaddr + uint64(start)
				found[addr] = Candidate{Addr: addr, Insns: insns}
			}
		}
	}

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })

	log.WithFields(log.Fields{
		"binary":  bin.Basename(),
		"gadgets": len(out),
	}).Debug("mined candidate gadgets")
	return out, nil
}

// decodeRun linearly decodes data from start and reports the instruction
// texts iff the run ends on the ret at retOff without overshooting it,
// within depth instructions.
func decodeRun(data []byte, start, retOff, mode, depth int) ([]string, bool) {
	idx := start
	var insns []string
	for idx <= retOff {
		inst, err := x86asm.Decode(data[idx:], mode)
		if err != nil {
			return nil, false
		}
		insns = append(insns, strings.ToLower(x86asm.IntelSyntax(inst, 0, nil)))
		if len(insns) > depth {
			return nil, false
		}
		if inst.Op == x86asm.RET {
			if idx == retOff {
				return insns, true
			}
			return nil, false // ends on an earlier ret
		}
		idx += inst.Len
	}
	return nil, false
}
