package domain

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/virtdbg/virtdbg/xen"
)

// mapVirtual maps the guest pages covering [vaddr, vaddr+length) in
// one batch and returns the mapping with vaddr's offset into it. Any
// page without a translation fails the whole map with ErrUnmapped.
func (d *Domain) mapVirtual(vaddr uint64, length, prot int, vcpu uint32) (Mapping, uint64, error) {
	first := xen.AlignDown(vaddr, uint64(xen.PageSize))
	last := xen.AlignDown(vaddr+uint64(length)-1, uint64(xen.PageSize))

	frames := make([]uint64, 0, (last-first)/xen.PageSize+1)

	for page := first; page <= last; page += xen.PageSize {
		frame, err := d.Translate(page, vcpu)
		if err != nil {
			return nil, 0, err
		}

		frames = append(frames, frame)
	}

	m, err := d.mem.MapForeignPages(d.id, prot, frames)
	if err != nil {
		return nil, 0, err
	}

	return m, vaddr - first, nil
}

// ReadMemory reads length bytes of guest-virtual memory as seen by
// the given vcpu's address space.
func (d *Domain) ReadMemory(vaddr uint64, length int, vcpu uint32) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}

	m, off, err := d.mapVirtual(vaddr, length, xen.ProtRead, vcpu)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	buf := make([]byte, length)
	copy(buf, m.Bytes()[off:])

	return buf, nil
}

// WriteMemory writes into guest-virtual memory as seen by the given
// vcpu's address space. The translation cache is purged afterwards
// since the write may have edited the guest's own page tables.
func (d *Domain) WriteMemory(vaddr uint64, data []byte, vcpu uint32) error {
	if len(data) == 0 {
		return nil
	}

	m, off, err := d.mapVirtual(vaddr, len(data), xen.ProtRead|xen.ProtWrite, vcpu)
	if err != nil {
		return err
	}
	defer m.Close()

	copy(m.Bytes()[off:], data)
	d.xlat.Purge()

	return nil
}

// ReadWord reads one guest word, 4 or 8 bytes by guest word size.
func (d *Domain) ReadWord(vaddr uint64, vcpu uint32) (uint64, error) {
	b, err := d.ReadMemory(vaddr, d.wordSize, vcpu)
	if err != nil {
		return 0, err
	}

	if d.wordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}

	return binary.LittleEndian.Uint64(b), nil
}

// WriteWord writes one guest word.
func (d *Domain) WriteWord(vaddr, word uint64, vcpu uint32) error {
	b := make([]byte, d.wordSize)

	if d.wordSize == 4 {
		binary.LittleEndian.PutUint32(b, uint32(word))
	} else {
		binary.LittleEndian.PutUint64(b, word)
	}

	return d.WriteMemory(vaddr, b, vcpu)
}

// Inst fetches and decodes the instruction at the vcpu's program
// counter. It returns the decoded instruction and its GNU syntax
// form.
func (d *Domain) Inst(vcpu uint32) (*x86asm.Inst, string, error) {
	regs, err := d.Registers(vcpu)
	if err != nil {
		return nil, "", err
	}

	pc := regs.PC()

	// The longest x86 instruction is 15 bytes; grab a full window and
	// let the decoder find the boundary.
	insn, err := d.ReadMemory(pc, 16, vcpu)
	if err != nil {
		return nil, "", fmt.Errorf("reading pc at %#x: %w", pc, err)
	}

	inst, err := x86asm.Decode(insn, d.wordSize*8)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &inst, x86asm.GNUSyntax(inst, pc, nil), nil
}
