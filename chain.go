package roper

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"roper/internal/gadget"
)

// retSentinel fills the fixup slot of the final call when nothing
// follows it on the stack. Any non-zero value works; execution never
// returns through it.
const retSentinel = 0xdeadbeef

// Call appends one call to the chain. target is anything Resolve
// accepts; arguments are immediate integers, or strings/byte slices to
// be placed in the trailing data region and passed by absolute address
// (which requires SetAddress before encoding). A call with arguments
// needs a stack fixup pivot at least (1+len(args)) words wide.
func (r *ROP) Call(target any, args ...any) error {
	for _, arg := range args {
		if _, ok := toUint(arg); ok {
			continue
		}
		if _, ok := toBlob(arg); ok {
			continue
		}
		return fmt.Errorf("rop: unsupported argument type %T", arg)
	}

	addr, ok := r.Resolve(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnresolvedSymbol, describeTarget(target))
	}

	need := (1 + uint64(len(args))) * r.align
	fixAddr, fixSize, found := r.catalog.SmallestPivot(need)
	if !found && len(args) != 0 {
		return fmt.Errorf("%w: call %s needs %d bytes", ErrNoStackFixupGadget,
			describeTarget(target), need)
	}

	var pad uint64
	if found {
		pad = fixSize - need
	}
	r.chain = append(r.chain, call{
		target:  target,
		addr:    addr,
		args:    args,
		retAddr: fixAddr,
		retSize: fixSize,
		pad:     pad,
	})
	return nil
}

// Raw appends data verbatim: each word-sized group (zero-filled at the
// tail) becomes an argumentless call on its unpacked value.
func (r *ROP) Raw(data []byte) error {
	for off := 0; off < len(data); off += int(r.align) {
		chunk := make([]byte, r.align)
		copy(chunk, data[off:])
		if err := r.Call(r.Unpack(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// Migrate pivots the stack pointer to sp using a pop-frame-pointer
// gadget followed by leave.
func (r *ROP) Migrate(sp uint64) error {
	frame := gadget.FrameRegs(r.align)

	popBP, ok := r.searchRegs(frame[:1])
	if !ok {
		return fmt.Errorf("%w: pop %s", ErrNoGadget, frame[0])
	}
	leave, ok := r.searchRegs(frame)
	if !ok {
		return fmt.Errorf("%w: leave", ErrNoGadget)
	}

	if err := r.Call(popBP.Addr); err != nil {
		return err
	}
	if err := r.Call(sp); err != nil {
		return err
	}
	return r.Call(leave.Addr)
}

// slot is one word of the assembled chain: resolved bytes, or a pending
// placeholder awaiting absolute addressing in stage 2.
type slot struct {
	pending bool
	id      int
	bytes   []byte
}

// Chain encodes the accumulated calls into the final byte stream. It is
// idempotent: the chain state is never mutated, so it may be called any
// number of times.
//
// Encoding runs in two stages. Stage 1 lays out one word-sized slot per
// gadget address, fixup address, argument and padding filler; integer
// arguments pack immediately while blob arguments become placeholders.
// Stage 2 knows the total head length, so each placeholder resolves to
// base + head + offset of its blob in the trailing data region.
func (r *ROP) Chain() ([]byte, error) {
	work := slices.Clone(r.chain)
	if len(work) == 0 {
		return []byte{}, nil
	}

	last := len(work) - 1
	if len(work[last].args) != 0 {
		// Nothing follows the last call on the stack, so its fixup slot
		// only needs to hold something.
		work[last].retAddr = retSentinel
		work[last].pad = 0
	} else if last >= 1 && len(work[last-1].args) != 0 {
		// The last call takes no arguments: let the second-to-last call
		// return straight into it and drop its own slot.
		work[last-1].retAddr = work[last].addr
		work[last-1].pad = 0
		work = work[:last]
	}

	// Stage 1: symbolic slot list.
	var slots []slot
	deferred := make(map[int][]byte)
	nextID := 0

	for _, link := range work {
		slots = append(slots, slot{bytes: r.Pack(link.addr)})
		if len(link.args) == 0 {
			continue
		}
		slots = append(slots, slot{bytes: r.Pack(link.retAddr)})
		for _, arg := range link.args {
			if v, ok := toUint(arg); ok {
				slots = append(slots, slot{bytes: r.Pack(v)})
				continue
			}
			if r.address == 0 {
				return nil, fmt.Errorf("%w: blob argument in call %s",
					ErrMissingBaseAddress, describeTarget(link.target))
			}
			blob, _ := toBlob(arg)
			deferred[nextID] = blob
			slots = append(slots, slot{pending: true, id: nextID})
			nextID++
		}
		for i := uint64(0); i < link.pad; i += r.align {
			slots = append(slots, slot{bytes: bytes.Repeat([]byte{'X'}, int(r.align))})
		}
	}

	// Stage 2: absolute addressing.
	length := uint64(len(slots)) * r.align
	raw := bytes.Repeat([]byte{'$'}, int(length%r.align))

	for i, s := range slots {
		if !s.pending {
			continue
		}
		slots[i] = slot{bytes: r.Pack(r.address + length + uint64(len(raw)))}
		raw = append(raw, padBlob(deferred[s.id], r.align)...)
	}

	out := make([]byte, 0, int(length)+len(raw))
	for _, s := range slots {
		out = append(out, s.bytes...)
	}
	return append(out, raw...), nil
}

// Flush encodes the chain, then clears the builder.
func (r *ROP) Flush() ([]byte, error) {
	out, err := r.Chain()
	if err != nil {
		return nil, err
	}
	r.Clear()
	return out, nil
}

// Dump renders the encoded chain one word per line:
// offset, hex bytes, integer value, and symbol or gadget disassembly.
func (r *ROP) Dump() (string, error) {
	data, err := r.Chain()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 0; (i+1)*int(r.align) <= len(data); i++ {
		chunk := data[i*int(r.align) : (i+1)*int(r.align)]
		v := r.Unpack(chunk)
		fmt.Fprintf(&b, "%04x: %s %#16x %s\n",
			r.address+uint64(i)*r.align, hex.EncodeToString(chunk), v, r.Unresolve(v))
	}
	return b.String(), nil
}

// Pack serializes a value as one little-endian machine word.
func (r *ROP) Pack(v uint64) []byte {
	buf := make([]byte, r.align)
	if r.align == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(buf, v)
	}
	return buf
}

// Unpack inverts Pack.
func (r *ROP) Unpack(word []byte) uint64 {
	if r.align == 4 {
		return uint64(binary.LittleEndian.Uint32(word))
	}
	return binary.LittleEndian.Uint64(word)
}

// padBlob null-pads a blob up to a whole number of words.
func padBlob(blob []byte, align uint64) []byte {
	rem := uint64(len(blob)) % align
	if rem == 0 {
		return blob
	}
	return append(slices.Clone(blob), make([]byte, align-rem)...)
}
