// Package roper compiles return-oriented-programming chains: it mines
// and classifies gadgets from loaded binaries, then encodes an ordered
// list of symbolic calls into one contiguous stack image.
package roper

import (
	"errors"
	"fmt"
	"strings"

	"roper/internal/elfx"
	"roper/internal/gadget"
	"roper/internal/miner"
)

var (
	// ErrUnresolvedSymbol is returned when a call target resolves
	// against no loaded binary and is not an address.
	ErrUnresolvedSymbol = errors.New("rop: cannot resolve call target")

	// ErrNoStackFixupGadget is returned when a call has arguments but no
	// pivot gadget advances the stack far enough to skip them.
	ErrNoStackFixupGadget = errors.New("rop: no stack fixup gadget of sufficient size")

	// ErrMissingBaseAddress is returned at encode time when an argument
	// needs absolute addressing and no base address is configured.
	ErrMissingBaseAddress = errors.New("rop: absolute addressing requires a base address")

	// ErrNoGadget is returned when a gadget query matches nothing.
	ErrNoGadget = errors.New("rop: no gadget matches query")

	// ErrMinerUnavailable is returned by New when no gadget miner is
	// supplied.
	ErrMinerUnavailable = gadget.ErrMinerUnavailable
)

// Binary is one loaded executable.
type Binary = elfx.File

// Gadget is one classified gadget from the catalog.
type Gadget = gadget.Gadget

// Miner proposes raw candidate gadgets for a binary.
type Miner = miner.Miner

// Load opens an ELF executable from disk.
func Load(path string) (*Binary, error) { return elfx.Open(path) }

// LoadBytes builds a Binary from in-memory ELF content.
func LoadBytes(path string, data []byte) (*Binary, error) { return elfx.New(path, data) }

// X86Miner returns the built-in x86/x86-64 gadget miner. maxDepth caps
// instructions per gadget; 0 uses the default.
func X86Miner(maxDepth int) Miner { return miner.X86{MaxDepth: maxDepth} }

// Options configures a ROP session.
type Options struct {
	// Miner mines raw gadgets on cache misses. Required: a nil miner
	// fails construction with ErrMinerUnavailable.
	Miner Miner

	// CacheDir overrides the default per-binary gadget cache location.
	CacheDir string
}

// ROP accumulates calls against one set of loaded binaries and encodes
// them into a chain. Not safe for concurrent use; callers needing that
// must serialize access themselves.
type ROP struct {
	bins    []*Binary
	catalog *gadget.Catalog

	chain   []call
	address uint64
	align   uint64
}

// call is one pending entry in the chain, fixed at Call time except for
// the encoder's private trailing-call rewrite.
type call struct {
	target  any
	addr    uint64
	args    []any
	retAddr uint64 // stack fixup gadget
	retSize uint64 // its displacement
	pad     uint64 // filler bytes after the arguments
}

// New builds the gadget catalog for the given binaries (from cache where
// possible) and returns a fresh chain builder. Word size is the widest
// pointer width among the binaries.
func New(bins []*Binary, opts Options) (*ROP, error) {
	cat, err := gadget.Build(bins, opts.Miner, gadget.Options{CacheDir: opts.CacheDir})
	if err != nil {
		return nil, err
	}
	return &ROP{
		bins:    bins,
		catalog: cat,
		align:   cat.WordSize(),
	}, nil
}

// WordSize returns the chain's word size in bytes.
func (r *ROP) WordSize() uint64 { return r.align }

// SetAddress sets the address of the first byte of the encoded chain.
// Required before encoding any argument that needs absolute addressing
// (strings, structures).
func (r *ROP) SetAddress(addr uint64) { r.address = addr }

// Address returns the configured chain base address, 0 if unset.
func (r *ROP) Address() uint64 { return r.address }

// Resolve maps a call target to an address: a string is looked up in
// every binary's symbol table in load order, first hit wins; an integer
// is its own address. ok is false when nothing matches.
func (r *ROP) Resolve(target any) (uint64, bool) {
	if name, isName := target.(string); isName {
		for _, bin := range r.bins {
			if addr, err := bin.Symbol(name); err == nil {
				return addr, true
			}
		}
		return 0, false
	}
	return toUint(target)
}

// Unresolve inverts Resolve: a symbol name if any binary has one at the
// address, otherwise the disassembly of the gadget there, otherwise "".
func (r *ROP) Unresolve(addr uint64) string {
	for _, bin := range r.bins {
		if name := bin.SymbolAt(addr); name != "" {
			return name
		}
	}
	if g, ok := r.catalog.Gadgets[addr]; ok {
		return strings.Join(g.Insns, "; ")
	}
	return ""
}

// Clear discards the chain and the configured base address, restoring
// the builder to its freshly constructed state.
func (r *ROP) Clear() {
	r.chain = nil
	r.address = 0
}

// toUint normalizes the integer kinds accepted as addresses and
// immediate arguments.
func toUint(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case uint32:
		return uint64(t), true
	case uint:
		return uint64(t), true
	case uintptr:
		return uint64(t), true
	case int:
		return uint64(t), true
	case int64:
		return uint64(t), true
	case int32:
		return uint64(t), true
	}
	return 0, false
}

// toBlob normalizes the byte-blob kinds accepted as deferred arguments.
func toBlob(v any) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		return []byte(t), true
	}
	return nil, false
}

func describeTarget(target any) string {
	if u, ok := toUint(target); ok {
		return fmt.Sprintf("%#x", u)
	}
	return fmt.Sprintf("%v", target)
}
