// Package elfx loads ELF executables and exposes the pieces a ROP session
// needs: symbol addresses, raw content, load address and pointer width.
package elfx

import (
	"bytes"
	"crypto/sha256"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNotELF     = errors.New("elfx: not an ELF file")
	ErrBadMachine = errors.New("elfx: not an x86 or x86-64 binary")
	ErrBadType    = errors.New("elfx: not an executable or shared object")
	ErrNoSymbol   = errors.New("elfx: symbol not found")
)

// File is one loaded executable: the binary provider for gadget mining,
// symbol resolution and chain encoding.
type File struct {
	ELF  *elf.File
	path string
	data []byte

	loadAddr uint64
	base     uint64
	symbols  map[string]uint64
}

// Open reads an ELF executable fully into memory and validates it is an
// x86 or x86-64 executable or shared object.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "elfx: read")
	}
	return New(path, data)
}

// New builds a File from raw ELF bytes. path is used only for naming.
func New(path string, data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	if ef.Machine != elf.EM_X86_64 && ef.Machine != elf.EM_386 {
		return nil, fmt.Errorf("%w: %s", ErrBadMachine, ef.Machine)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: %s", ErrBadType, ef.Type)
	}

	f := &File{ELF: ef, path: path, data: data}
	f.loadAddr = minLoadVaddr(ef)
	f.base = f.loadAddr
	f.symbols = loadSymbols(ef)
	return f, nil
}

func minLoadVaddr(ef *elf.File) uint64 {
	var min uint64
	found := false
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < min {
			min = p.Vaddr
			found = true
		}
	}
	return min
}

// loadSymbols merges the static and dynamic symbol tables. The static
// table wins on duplicate names. Binaries with no symbol table at all are
// fine; resolution simply never hits them.
func loadSymbols(ef *elf.File) map[string]uint64 {
	out := make(map[string]uint64)
	if dyn, err := ef.DynamicSymbols(); err == nil {
		for _, s := range dyn {
			if s.Name != "" {
				out[s.Name] = s.Value
			}
		}
	}
	if static, err := ef.Symbols(); err == nil {
		for _, s := range static {
			if s.Name != "" {
				out[s.Name] = s.Value
			}
		}
	}
	return out
}

// Path returns the path the file was opened from.
func (f *File) Path() string { return f.path }

// Basename returns the file's base name, used in cache keys.
func (f *File) Basename() string { return filepath.Base(f.path) }

// Data returns the raw file content.
func (f *File) Data() []byte { return f.data }

// Digest returns the hex SHA-256 of the file content.
func (f *File) Digest() string {
	sum := sha256.Sum256(f.data)
	return hex.EncodeToString(sum[:])
}

// LoadAddr returns the lowest PT_LOAD virtual address: the address the
// binary's own headers place it at (0 for PIE).
func (f *File) LoadAddr() uint64 { return f.loadAddr }

// BaseAddress returns the address the binary is treated as loaded at.
// Defaults to LoadAddr.
func (f *File) BaseAddress() uint64 { return f.base }

// SetBaseAddress rebases the binary, e.g. to the runtime base of a PIE
// executable. Symbol and gadget addresses shift accordingly.
func (f *File) SetBaseAddress(addr uint64) { f.base = addr }

// Rebase converts a file virtual address to the configured base.
func (f *File) Rebase(vaddr uint64) uint64 {
	return vaddr - f.loadAddr + f.base
}

// PointerWidthBits returns 64 or 32 depending on the ELF class.
func (f *File) PointerWidthBits() uint {
	if f.ELF.Class == elf.ELFCLASS64 {
		return 64
	}
	return 32
}

// Symbol looks up one symbol by exact name, rebased to the configured
// base address.
func (f *File) Symbol(name string) (uint64, error) {
	v, ok := f.symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
	}
	return f.Rebase(v), nil
}

// Symbols returns the merged symbol table, rebased to the configured
// base address.
func (f *File) Symbols() map[string]uint64 {
	out := make(map[string]uint64, len(f.symbols))
	for name, v := range f.symbols {
		out[name] = f.Rebase(v)
	}
	return out
}

// SymbolAt returns the name of a symbol whose rebased address equals
// addr, or "" if there is none. Which name wins when several symbols
// share an address is unspecified.
func (f *File) SymbolAt(addr uint64) string {
	for name, v := range f.symbols {
		if f.Rebase(v) == addr {
			return name
		}
	}
	return ""
}

// Segment is one executable region: its file virtual address and bytes.
type Segment struct {
	Vaddr uint64
	Data  []byte
}

// ExecSegments returns the executable PT_LOAD segments, with file-backed
// bytes only. Addresses are file virtual addresses, not rebased.
func (f *File) ExecSegments() []Segment {
	var segs []Segment
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		if p.Off >= uint64(len(f.data)) {
			continue
		}
		end := p.Off + p.Filesz
		if end > uint64(len(f.data)) {
			end = uint64(len(f.data))
		}
		segs = append(segs, Segment{Vaddr: p.Vaddr, Data: f.data[p.Off:end]})
	}
	return segs
}
