package domain

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/virtdbg/virtdbg/logflags"
	"github.com/virtdbg/virtdbg/reg"
	"github.com/virtdbg/virtdbg/xen"
)

// Paging bits the walk consults.
const (
	cr0Paging    = 0x80000000
	cr4PAE       = 0x2
	eferLongMode = 0x400

	ptePresent   = 0x1
	pteLargePage = 0x80
	pteFrameMask = 0x000ffffffffff000
)

// xlatKey names one cached translation. cr3 scopes the entry to an
// address space, so a context switch inside the guest cannot serve a
// stale mapping from another process.
type xlatKey struct {
	cr3  uint64
	page uint64
}

// Translate resolves a guest-virtual address to the guest frame
// backing it by walking the guest's live page tables through the
// vcpu's paging registers. Unmapped addresses return ErrUnmapped;
// anything else that goes wrong is a real failure.
func (d *Domain) Translate(vaddr uint64, vcpu uint32) (uint64, error) {
	frame, ok, err := d.translate(vaddr, vcpu)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("vaddr %#x of domain %d: %w", vaddr, d.id, ErrUnmapped)
	}

	return frame, nil
}

// PageTableEntry resolves a guest-virtual address like Translate but
// reports an unmapped address as ok=false rather than an error, for
// callers probing whether an address is mapped at all.
func (d *Domain) PageTableEntry(vaddr uint64, vcpu uint32) (uint64, bool, error) {
	return d.translate(vaddr, vcpu)
}

func (d *Domain) translate(vaddr uint64, vcpu uint32) (uint64, bool, error) {
	regs, err := d.Registers(vcpu)
	if err != nil {
		return 0, false, err
	}

	var cr0, cr3, cr4, efer uint64

	switch s := regs.(type) {
	case reg.Set64:
		cr0, cr3, cr4, efer = s.Cr0, s.Cr3, s.Cr4, s.MsrEfer
	case reg.Set32:
		cr0, cr3, cr4, efer = uint64(s.Cr0), uint64(s.Cr3), uint64(s.Cr4), uint64(s.MsrEfer)
	}

	key := xlatKey{cr3: cr3, page: vaddr >> xen.PageShift}
	if frame, ok := d.xlat.Get(key); ok {
		return frame.(uint64), true, nil
	}

	frame, ok, err := d.walk(cr0, cr3, cr4, efer, vaddr)
	if err != nil || !ok {
		return 0, false, err
	}

	d.xlat.Add(key, frame)

	return frame, true, nil
}

// walk runs the MMU's table lookup in software, reading one entry per
// level through read-only foreign mappings. The bool result is false
// when a level's entry is not present.
func (d *Domain) walk(cr0, cr3, cr4, efer, vaddr uint64) (uint64, bool, error) {
	if d.hvm && cr0&cr0Paging == 0 {
		// Paging is off, addresses are already physical.
		return vaddr >> xen.PageShift, true, nil
	}

	var (
		levels int
		paddr  uint64
	)

	switch {
	case d.hvm && efer&eferLongMode != 0:
		levels = 4
		paddr = cr3 &^ 0xfff
	case d.hvm && cr4&cr4PAE != 0:
		// The PAE top table is 32-byte aligned, not page aligned.
		levels = 3
		paddr = cr3 &^ 0x1f
	case d.hvm:
		levels = 2
		paddr = cr3 &^ 0xfff
	case d.wordSize == 8:
		levels = 4
		paddr = cr3
	default:
		// 32-bit paravirtual guests always run PAE, and their cr3
		// carries the frame number rotated into the low bits.
		levels = 3
		paddr = uint64(uint32(cr3)>>12|uint32(cr3)<<20) << xen.PageShift
	}

	var mask uint64

	switch levels {
	case 4:
		vaddr &= 0x0000ffffffffffff
		mask = 0x0000ff8000000000
	case 3:
		vaddr &= 0xffffffff
		mask = 0x0000007fc0000000
	case 2:
		vaddr &= 0xffffffff
		mask = 0x00000000ffc00000
	}

	entrySize := uint64(8)
	if levels == 2 {
		entrySize = 4
	}

	if logflags.PTWalk() {
		logflags.PTWalkLogger().Debugf("domain %d walk vaddr=%#x levels=%d base=%#x", d.id, vaddr, levels, paddr)
	}

	for level := levels; level > 0; level-- {
		paddr += ((vaddr & mask) >> uint(bits.TrailingZeros64(mask))) * entrySize

		entry, err := d.readTableEntry(paddr, entrySize)
		if err != nil {
			return 0, false, err
		}

		if logflags.PTWalk() {
			logflags.PTWalkLogger().Debugf("domain %d level %d entry@%#x=%#x", d.id, level, paddr, entry)
		}

		if entry&ptePresent == 0 {
			return 0, false, nil
		}

		paddr = entry & pteFrameMask

		// 2M and 4M pages stop at the PDE, 1G pages at the PDPTE of a
		// four-level walk.
		if entry&pteLargePage != 0 && (level == 2 || (level == 3 && levels == 4)) {
			offset := (mask ^ (mask - 1)) >> 1

			return (paddr&^offset | vaddr&offset) >> xen.PageShift, true, nil
		}

		if levels == 2 {
			mask >>= 10
		} else {
			mask >>= 9
		}
	}

	return paddr >> xen.PageShift, true, nil
}

// readTableEntry maps the frame holding one table entry read-only and
// pulls the entry out. Two-level tables use 4-byte entries, all
// others 8-byte.
func (d *Domain) readTableEntry(paddr, size uint64) (uint64, error) {
	page, err := d.mem.MapForeignPage(d.id, xen.ProtRead, paddr>>xen.PageShift)
	if err != nil {
		return 0, err
	}
	defer page.Close()

	off := paddr & (xen.PageSize - 1)

	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(page.Bytes()[off:])), nil
	}

	return binary.LittleEndian.Uint64(page.Bytes()[off:]), nil
}
