// Package elftest builds minimal x86-64 ELF images in memory for tests.
// The images carry one executable PT_LOAD segment and a symbol table,
// which is all the rest of the module ever reads.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"
)

// Sym is one symbol to place in the image's .symtab.
type Sym struct {
	Name  string
	Value uint64
}

// Image describes the synthetic binary to build.
type Image struct {
	Vaddr uint64 // virtual address of the text segment
	Text  []byte // executable bytes (gadget soup)
	Syms  []Sym
}

const textOff = 0x1000

// Build serializes the image into a valid ELF64 byte slice that
// debug/elf can parse: one R+X PT_LOAD segment holding Text at Vaddr,
// plus .symtab/.strtab/.shstrtab sections.
func Build(img Image) []byte {
	// String tables.
	strtab := []byte{0}
	nameOff := make(map[string]uint32, len(img.Syms))
	syms := append([]Sym(nil), img.Syms...)
	sort.Slice(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })
	for _, s := range syms {
		nameOff[s.Name] = uint32(len(strtab))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}

	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	const (
		shnText     = 1
		shnSymtab   = 7
		shnStrtab   = 15
		shnShstrtab = 23
	)

	// Symbol table: null entry first.
	var symtab bytes.Buffer
	binary.Write(&symtab, binary.LittleEndian, elf.Sym64{})
	for _, s := range syms {
		binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
			Name:  nameOff[s.Name],
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1, // .text
			Value: s.Value,
		})
	}

	// Layout: header, one phdr, text at textOff, tables, section headers.
	strtabOff := uint64(textOff + len(img.Text))
	shstrtabOff := strtabOff + uint64(len(strtab))
	symtabOff := align8(shstrtabOff + uint64(len(shstrtab)))
	shoff := align8(symtabOff + uint64(symtab.Len()))

	hdr := elf.Header64{
		Ident: [16]byte{0x7f, 'E', 'L', 'F',
			byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Vaddr,
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     5,
		Shstrndx:  4,
	}

	phdr := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    textOff,
		Vaddr:  img.Vaddr,
		Paddr:  img.Vaddr,
		Filesz: uint64(len(img.Text)),
		Memsz:  uint64(len(img.Text)),
		Align:  0x1000,
	}

	shdrs := []elf.Section64{
		{}, // SHN_UNDEF
		{
			Name: shnText, Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:  img.Vaddr, Off: textOff, Size: uint64(len(img.Text)),
			Addralign: 16,
		},
		{
			Name: shnSymtab, Type: uint32(elf.SHT_SYMTAB),
			Off: symtabOff, Size: uint64(symtab.Len()),
			Link: 3, Info: 1, // first global, after null entry
			Addralign: 8, Entsize: 24,
		},
		{
			Name: shnStrtab, Type: uint32(elf.SHT_STRTAB),
			Off: strtabOff, Size: uint64(len(strtab)),
			Addralign: 1,
		},
		{
			Name: shnShstrtab, Type: uint32(elf.SHT_STRTAB),
			Off: shstrtabOff, Size: uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	binary.Write(&out, binary.LittleEndian, phdr)
	out.Write(make([]byte, textOff-out.Len()))
	out.Write(img.Text)
	out.Write(strtab)
	out.Write(shstrtab)
	pad(&out, symtabOff)
	out.Write(symtab.Bytes())
	pad(&out, shoff)
	for _, sh := range shdrs {
		binary.Write(&out, binary.LittleEndian, sh)
	}
	return out.Bytes()
}

func align8(v uint64) uint64 { return (v + 7) &^ 7 }

func pad(b *bytes.Buffer, to uint64) {
	for uint64(b.Len()) < to {
		b.WriteByte(0)
	}
}
