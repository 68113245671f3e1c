package roper

import (
	"fmt"
	"strconv"
	"strings"
)

// Register-name tokens are recognized by their x86 suffix: rdi/edi/di
// all end in "di", r10-r15 end in their digits.
var x86Suffixes = map[string]bool{
	"ax": true, "bx": true, "cx": true, "dx": true,
	"bp": true, "sp": true, "di": true, "si": true,
	"r8": true, "r9": true, "10": true, "11": true,
	"12": true, "13": true, "14": true, "15": true,
}

// gadgetQuery is one parsed gadget-lookup token.
type gadgetQuery struct {
	minMove uint64
	regs    []string
}

// parseGadgetToken classifies a symbolic token as a gadget query.
// "ret" and "ret_N" ask for a plain stack advance of at least one word
// or N bytes; an underscore-joined register list ("rdi", "rsi_r15") asks
// for that exact pop sequence. Anything else is not a gadget token.
func parseGadgetToken(token string, align uint64) (gadgetQuery, bool) {
	if token == "ret" {
		return gadgetQuery{minMove: align}, true
	}
	if rest, ok := strings.CutPrefix(token, "ret_"); ok {
		n, err := strconv.ParseUint(rest, 0, 64)
		if err != nil {
			return gadgetQuery{}, false
		}
		return gadgetQuery{minMove: n}, true
	}

	parts := strings.Split(token, "_")
	for _, p := range parts {
		if len(p) < 2 || !x86Suffixes[p[len(p)-2:]] {
			return gadgetQuery{}, false
		}
	}
	return gadgetQuery{minMove: uint64(len(parts)) * align, regs: parts}, true
}

// Gadget looks up a gadget by symbolic token: a register list for an
// exact pop sequence, or ret/ret_N shorthand for a plain stack advance.
// ok is false when the token is not a gadget token or nothing matches.
func (r *ROP) Gadget(token string) (Gadget, bool) {
	q, ok := parseGadgetToken(token, r.align)
	if !ok {
		return Gadget{}, false
	}
	return r.catalog.Search(q.minMove, q.regs)
}

// Search queries the catalog directly: the gadget with exactly the given
// pop order (empty regs matches any) advancing the stack by at least
// minMove bytes.
func (r *ROP) Search(minMove uint64, regs []string) (Gadget, bool) {
	return r.catalog.Search(minMove, regs)
}

// searchRegs is the register-list query rule: minimum displacement one
// word per popped register.
func (r *ROP) searchRegs(regs []string) (Gadget, bool) {
	return r.catalog.Search(uint64(len(regs))*r.align, regs)
}

// Invoke treats a symbolic token as call sugar: Invoke("system", args)
// is Call("system", args). Tokens naming gadget queries are rejected so
// a typo'd register list cannot silently become a call target.
func (r *ROP) Invoke(token string, args ...any) error {
	if _, ok := parseGadgetToken(token, r.align); ok {
		return fmt.Errorf("rop: %q is a gadget query, not a call target", token)
	}
	return r.Call(token, args...)
}
