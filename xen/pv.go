package xen

import (
	"runtime"
	"unsafe"
)

// CPUUserRegs64 is the PV trap-frame register block for 64-bit
// guests. Field order mirrors the public ABI, not the usual register
// listing order.
type CPUUserRegs64 struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	Rbp uint64
	Rbx uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rsi uint64
	Rdi uint64

	ErrorCode   uint32
	EntryVector uint32

	Rip             uint64
	CS              uint16
	_               [1]uint16
	SavedUpcallMask uint8
	_               [3]uint8
	Rflags          uint64
	Rsp             uint64
	SS              uint16
	_               [3]uint16
	ES              uint16
	_               [3]uint16
	DS              uint16
	_               [3]uint16
	FS              uint16
	_               [3]uint16
	GS              uint16
	_               [3]uint16
}

// TrapInfo64 is one guest trap-table entry.
type TrapInfo64 struct {
	Vector  uint8
	Flags   uint8
	CS      uint16
	_       uint32
	Address uint64
}

// VCPUGuestContext64 is the full PV vcpu state for 64-bit guests.
type VCPUGuestContext64 struct {
	FPUCtxt   [512]byte
	Flags     uint64
	UserRegs  CPUUserRegs64
	TrapCtxt  [256]TrapInfo64
	LDTBase   uint64
	LDTEnts   uint64
	GDTFrames [16]uint64
	GDTEnts   uint64
	KernelSS  uint64
	KernelSP  uint64
	CtrlReg   [8]uint64
	DebugReg  [8]uint64

	EventCallbackEIP    uint64
	FailsafeCallbackEIP uint64
	SyscallCallbackEIP  uint64
	VMAssist            uint64

	FSBase       uint64
	GSBaseKernel uint64
	GSBaseUser   uint64
}

// CPUUserRegs32 is the PV trap-frame register block for 32-bit
// guests.
type CPUUserRegs32 struct {
	Ebx uint32
	Ecx uint32
	Edx uint32
	Esi uint32
	Edi uint32
	Ebp uint32
	Eax uint32

	ErrorCode   uint16
	EntryVector uint16

	Eip             uint32
	CS              uint16
	SavedUpcallMask uint8
	_               uint8
	Eflags          uint32
	Esp             uint32
	SS              uint16
	_               uint16
	ES              uint16
	_               uint16
	DS              uint16
	_               uint16
	FS              uint16
	_               uint16
	GS              uint16
	_               uint16
}

// TrapInfo32 is one guest trap-table entry for 32-bit guests.
type TrapInfo32 struct {
	Vector  uint8
	Flags   uint8
	CS      uint16
	Address uint32
}

// VCPUGuestContext32 is the full PV vcpu state for 32-bit guests.
type VCPUGuestContext32 struct {
	FPUCtxt   [512]byte
	Flags     uint32
	UserRegs  CPUUserRegs32
	TrapCtxt  [256]TrapInfo32
	LDTBase   uint32
	LDTEnts   uint32
	GDTFrames [16]uint32
	GDTEnts   uint32
	KernelSS  uint32
	KernelSP  uint32
	CtrlReg   [8]uint32
	DebugReg  [8]uint32

	EventCallbackCS     uint32
	EventCallbackEIP    uint32
	FailsafeCallbackCS  uint32
	FailsafeCallbackEIP uint32
	VMAssist            uint32
}

type domctlVCPUContext struct {
	VCPU uint32
	_    uint32
	Ctxt uint64
}

func (x *Xen) getVCPUContext(dom DomID, vcpu uint32, buf []byte) error {
	_, err := x.domctl("getvcpucontext", domctlGetVCPUContext, dom, func(d *Domctl) {
		p := domctlPayload[domctlVCPUContext](d)
		p.VCPU = vcpu
		p.Ctxt = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}, buf)

	return err
}

func (x *Xen) setVCPUContext(dom DomID, vcpu uint32, buf []byte) error {
	_, err := x.domctl("setvcpucontext", domctlSetVCPUContext, dom, func(d *Domctl) {
		p := domctlPayload[domctlVCPUContext](d)
		p.VCPU = vcpu
		p.Ctxt = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}, buf)

	return err
}

// GetVCPUContext64 reads the PV vcpu state of a 64-bit guest. The
// vcpu must not be running, so callers pause it first.
func (x *Xen) GetVCPUContext64(dom DomID, vcpu uint32) (*VCPUGuestContext64, error) {
	ctx := &VCPUGuestContext64{}

	if err := x.getVCPUContext(dom, vcpu, structBytes(ctx)); err != nil {
		return nil, err
	}

	runtime.KeepAlive(ctx)

	return ctx, nil
}

// SetVCPUContext64 writes the PV vcpu state of a 64-bit guest.
func (x *Xen) SetVCPUContext64(dom DomID, vcpu uint32, ctx *VCPUGuestContext64) error {
	err := x.setVCPUContext(dom, vcpu, structBytes(ctx))

	runtime.KeepAlive(ctx)

	return err
}

// GetVCPUContext32 reads the PV vcpu state of a 32-bit guest, which
// the hypervisor serves in the compat layout.
func (x *Xen) GetVCPUContext32(dom DomID, vcpu uint32) (*VCPUGuestContext32, error) {
	ctx := &VCPUGuestContext32{}

	if err := x.getVCPUContext(dom, vcpu, structBytes(ctx)); err != nil {
		return nil, err
	}

	runtime.KeepAlive(ctx)

	return ctx, nil
}

// SetVCPUContext32 writes the PV vcpu state of a 32-bit guest.
func (x *Xen) SetVCPUContext32(dom DomID, vcpu uint32, ctx *VCPUGuestContext32) error {
	err := x.setVCPUContext(dom, vcpu, structBytes(ctx))

	runtime.KeepAlive(ctx)

	return err
}
