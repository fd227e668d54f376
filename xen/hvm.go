package xen

import (
	"fmt"
	"runtime"
	"unsafe"
)

// HVM save record type codes. A full context image is a sequence of
// descriptors, each followed by its record, terminated by an end
// descriptor.
const (
	hvmSaveCodeEnd    = 0
	hvmSaveCodeHeader = 1
	hvmSaveCodeCPU    = 2
)

// SaveDescriptor precedes each record in an HVM context image.
type SaveDescriptor struct {
	TypeCode uint16
	Instance uint16
	Length   uint32
}

// HVMHwCPU is the hypervisor's saved CPU state for one HVM vcpu, laid
// out exactly as the save record on the wire.
type HVMHwCPU struct {
	FPU [512]byte

	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rbp    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64

	Cr0 uint64
	Cr2 uint64
	Cr3 uint64
	Cr4 uint64

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	CSSel   uint32
	DSSel   uint32
	ESSel   uint32
	FSSel   uint32
	GSSel   uint32
	SSSel   uint32
	TRSel   uint32
	LDTRSel uint32

	CSLimit   uint32
	DSLimit   uint32
	ESLimit   uint32
	FSLimit   uint32
	GSLimit   uint32
	SSLimit   uint32
	TRLimit   uint32
	LDTRLimit uint32
	IDTRLimit uint32
	GDTRLimit uint32

	CSBase   uint64
	DSBase   uint64
	ESBase   uint64
	FSBase   uint64
	GSBase   uint64
	SSBase   uint64
	TRBase   uint64
	LDTRBase uint64
	IDTRBase uint64
	GDTRBase uint64

	CSArbytes   uint32
	DSArbytes   uint32
	ESArbytes   uint32
	FSArbytes   uint32
	GSArbytes   uint32
	SSArbytes   uint32
	TRArbytes   uint32
	LDTRArbytes uint32

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64

	ShadowGS uint64

	// MSRFlags is obsolete in the ABI and ignored by the hypervisor.
	MSRFlags       uint64
	MSRLstar       uint64
	MSRStar        uint64
	MSRCstar       uint64
	MSRSyscallMask uint64
	MSREFER        uint64
	MSRTSCAux      uint64

	TSC uint64

	PendingEvent uint32
	ErrorCode    uint32
	Flags        uint32
	_            uint32
}

type domctlHVMContext struct {
	Size   uint32
	_      uint32
	Buffer uint64
}

type domctlHVMContextPartial struct {
	Type     uint32
	Instance uint32
	Buffer   uint64
}

// HVMGetContextPartial reads one vcpu's CPU record without fetching
// the whole context image.
func (x *Xen) HVMGetContextPartial(dom DomID, vcpu uint32) (*HVMHwCPU, error) {
	ctx := &HVMHwCPU{}
	buf := structBytes(ctx)

	_, err := x.domctl("gethvmcontext_partial", domctlGetHVMContextPartial, dom, func(d *Domctl) {
		p := domctlPayload[domctlHVMContextPartial](d)
		p.Type = hvmSaveCodeCPU
		p.Instance = vcpu
		p.Buffer = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}, buf)

	runtime.KeepAlive(ctx)

	if err != nil {
		return nil, err
	}

	return ctx, nil
}

// HVMGetContext fetches the domain's full HVM context image. The
// domain should be paused while the image is held, or concurrent
// guest execution makes it stale immediately.
func (x *Xen) HVMGetContext(dom DomID) ([]byte, error) {
	// A null buffer asks for the image size.
	d, err := x.domctl("gethvmcontext", domctlGetHVMContext, dom, nil)
	if err != nil {
		return nil, err
	}

	size := domctlPayload[domctlHVMContext](d).Size
	if size == 0 {
		return nil, callErr("gethvmcontext", dom, fmt.Errorf("empty context image"))
	}

	image := make([]byte, size)

	_, err = x.domctl("gethvmcontext", domctlGetHVMContext, dom, func(d *Domctl) {
		p := domctlPayload[domctlHVMContext](d)
		p.Size = size
		p.Buffer = uint64(uintptr(unsafe.Pointer(&image[0])))
	}, image)
	if err != nil {
		return nil, err
	}

	return image, nil
}

// HVMSetContext loads a full HVM context image into the domain.
func (x *Xen) HVMSetContext(dom DomID, image []byte) error {
	_, err := x.domctl("sethvmcontext", domctlSetHVMContext, dom, func(d *Domctl) {
		p := domctlPayload[domctlHVMContext](d)
		p.Size = uint32(len(image))
		p.Buffer = uint64(uintptr(unsafe.Pointer(&image[0])))
	}, image)

	return err
}

// hvmContextSetCPU overwrites vcpu's CPU record inside a full context
// image.
func hvmContextSetCPU(image []byte, vcpu uint32, ctx *HVMHwCPU) error {
	descSize := int(unsafe.Sizeof(SaveDescriptor{}))
	ctxSize := int(unsafe.Sizeof(*ctx))

	off := 0
	for off+descSize <= len(image) {
		desc := (*SaveDescriptor)(unsafe.Pointer(&image[off]))
		off += descSize

		if desc.TypeCode == hvmSaveCodeEnd {
			break
		}

		if off+int(desc.Length) > len(image) {
			return fmt.Errorf("hvm context image truncated at offset %d", off)
		}

		if desc.TypeCode == hvmSaveCodeCPU && desc.Instance == uint16(vcpu) {
			if int(desc.Length) < ctxSize {
				return fmt.Errorf("hvm cpu record too short: %d < %d", desc.Length, ctxSize)
			}

			copy(image[off:off+ctxSize], structBytes(ctx))

			return nil
		}

		off += int(desc.Length)
	}

	return fmt.Errorf("no cpu record for vcpu %d in hvm context image", vcpu)
}

// HVMSetCPUContext writes one vcpu's CPU record back into the domain.
// The hypervisor only accepts whole context images, so this fetches
// the current image, patches the vcpu's record in place, and reloads
// it.
func (x *Xen) HVMSetCPUContext(dom DomID, vcpu uint32, ctx *HVMHwCPU) error {
	image, err := x.HVMGetContext(dom)
	if err != nil {
		return err
	}

	if err := hvmContextSetCPU(image, vcpu, ctx); err != nil {
		return callErr("sethvmcontext", dom, err)
	}

	return x.HVMSetContext(dom, image)
}
