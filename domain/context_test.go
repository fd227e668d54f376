package domain

import (
	"errors"
	"testing"

	"github.com/virtdbg/virtdbg/reg"
	"github.com/virtdbg/virtdbg/xen"
)

func testHVMCPU() *xen.HVMHwCPU {
	return &xen.HVMHwCPU{
		Rax: 0x0101, Rbx: 0x0202, Rcx: 0x0303, Rdx: 0x0404,
		Rsi: 0x0505, Rdi: 0x0606, Rbp: 0x0707, Rsp: 0x0808,
		R8: 0x0909, R9: 0x0a0a, R10: 0x0b0b, R11: 0x0c0c,
		R12: 0x0d0d, R13: 0x0e0e, R14: 0x0f0f, R15: 0x1010,
		Rip: 0xfffff800_00001000, Rflags: 0x246,
		Cr0: 0x80050033, Cr2: 0xdead, Cr3: 0x1000, Cr4: 0x2,
		CSSel: 0x08, DSSel: 0x10, ESSel: 0x10, FSSel: 0x18,
		GSSel: 0x20, SSSel: 0x10,
		CSBase: 0, DSBase: 0, SSBase: 0,
		FSBase: 0x7f00_0000, GSBase: 0x7f10_0000,
		MSREFER: 0x500, TSC: 99,
	}
}

func TestRegistersRoundTripHVM64(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(true, 64, 0)
	ctl.hvmCtx[0] = testHVMCPU()
	d := testDomain(t, ctl, newFakeMapper())

	regs, err := d.Registers(0)
	if err != nil {
		t.Fatalf("Registers() = %v", err)
	}

	set, ok := regs.(reg.Set64)
	if !ok {
		t.Fatalf("Registers() = %T, expected reg.Set64", regs)
	}

	if set.Rip != 0xfffff800_00001000 || set.Rax != 0x0101 {
		t.Fatalf("rip=%#x rax=%#x, conversion lost values", set.Rip, set.Rax)
	}

	if set.FsBase != 0x7f00_0000 || set.Cr3 != 0x1000 || set.MsrEfer != 0x500 {
		t.Fatalf("fs_base=%#x cr3=%#x efer=%#x, conversion lost values",
			set.FsBase, set.Cr3, set.MsrEfer)
	}

	if err := d.SetRegisters(0, set); err != nil {
		t.Fatalf("SetRegisters() = %v", err)
	}

	if *ctl.hvmSet[0] != *ctl.hvmCtx[0] {
		t.Fatalf("unmodified set changed the native context")
	}
}

func TestSetRegistersMergesHVM64(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(true, 64, 0)
	ctl.hvmCtx[0] = testHVMCPU()
	d := testDomain(t, ctl, newFakeMapper())

	regs, err := d.Registers(0)
	if err != nil {
		t.Fatalf("Registers() = %v", err)
	}

	set := regs.(reg.Set64)
	set.Rip = 0x4242

	if err := d.SetRegisters(0, set); err != nil {
		t.Fatalf("SetRegisters() = %v", err)
	}

	written := ctl.hvmSet[0]

	if written.Rip != 0x4242 {
		t.Fatalf("rip = %#x, expected 0x4242", written.Rip)
	}

	// State outside the set rides along untouched.
	if written.Cr2 != 0xdead || written.TSC != 99 {
		t.Fatalf("cr2=%#x tsc=%d, merge lost unmapped state", written.Cr2, written.TSC)
	}
}

func TestRegistersRoundTripHVM32(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(true, 32, 0)
	ctx := testHVMCPU()
	ctx.MSREFER = 0
	ctl.hvmCtx[0] = ctx
	d := testDomain(t, ctl, newFakeMapper())

	regs, err := d.Registers(0)
	if err != nil {
		t.Fatalf("Registers() = %v", err)
	}

	set, ok := regs.(reg.Set32)
	if !ok {
		t.Fatalf("Registers() = %T, expected reg.Set32", regs)
	}

	if set.Eax != 0x0101 || set.Cs != 0x08 || set.Cr3 != 0x1000 {
		t.Fatalf("eax=%#x cs=%#x cr3=%#x, conversion lost values", set.Eax, set.Cs, set.Cr3)
	}

	if err := d.SetRegisters(0, set); err != nil {
		t.Fatalf("SetRegisters() = %v", err)
	}

	if *ctl.hvmSet[0] != *ctl.hvmCtx[0] {
		t.Fatalf("unmodified set changed the native context")
	}
}

func TestRegistersRoundTripPV64(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(false, 64, 0)
	ctx := &xen.VCPUGuestContext64{}
	ctx.UserRegs.Rax = 0x0101
	ctx.UserRegs.Rip = 0xffffffff81000000
	ctx.UserRegs.Rflags = 0x246
	ctx.FSBase = 0x7f00_0000
	ctx.GSBaseKernel = 0xffff8800_00000000
	ctx.GSBaseUser = 0x7f20_0000
	ctx.CtrlReg[0] = 0x8005003b
	ctx.CtrlReg[3] = 0x2000
	ctx.CtrlReg[4] = 0x2660
	ctx.KernelSP = 0xbeef
	ctl.pv64Ctx[0] = ctx
	d := testDomain(t, ctl, newFakeMapper())

	regs, err := d.Registers(0)
	if err != nil {
		t.Fatalf("Registers() = %v", err)
	}

	set, ok := regs.(reg.Set64)
	if !ok {
		t.Fatalf("Registers() = %T, expected reg.Set64", regs)
	}

	if set.Rip != 0xffffffff81000000 || set.GsBase != 0xffff8800_00000000 || set.Cr3 != 0x2000 {
		t.Fatalf("rip=%#x gs_base=%#x cr3=%#x, conversion lost values", set.Rip, set.GsBase, set.Cr3)
	}

	if err := d.SetRegisters(0, set); err != nil {
		t.Fatalf("SetRegisters() = %v", err)
	}

	written := ctl.pv64Set[0]

	if *written != *ctx {
		t.Fatalf("unmodified set changed the native context")
	}

	if written.KernelSP != 0xbeef || written.GSBaseUser != 0x7f20_0000 {
		t.Fatalf("merge lost unmapped state")
	}
}

func TestRegistersRoundTripPV32(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(false, 32, 0)
	ctx := &xen.VCPUGuestContext32{}
	ctx.UserRegs.Eax = 0x0101
	ctx.UserRegs.Eip = 0xc1000000
	ctx.UserRegs.CS = 0x61
	ctx.UserRegs.SS = 0x69
	ctx.CtrlReg[3] = 0x1000
	ctx.KernelSP = 0xbeef
	ctl.pv32Ctx[0] = ctx
	d := testDomain(t, ctl, newFakeMapper())

	regs, err := d.Registers(0)
	if err != nil {
		t.Fatalf("Registers() = %v", err)
	}

	set, ok := regs.(reg.Set32)
	if !ok {
		t.Fatalf("Registers() = %T, expected reg.Set32", regs)
	}

	if set.Eip != 0xc1000000 || set.Cs != 0x61 || set.Cr3 != 0x1000 {
		t.Fatalf("eip=%#x cs=%#x cr3=%#x, conversion lost values", set.Eip, set.Cs, set.Cr3)
	}

	if err := d.SetRegisters(0, set); err != nil {
		t.Fatalf("SetRegisters() = %v", err)
	}

	if *ctl.pv32Set[0] != *ctx {
		t.Fatalf("unmodified set changed the native context")
	}
}

func TestSetRegistersWidthMismatch(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(true, 64, 0)
	ctl.hvmCtx[0] = testHVMCPU()
	d := testDomain(t, ctl, newFakeMapper())

	if err := d.SetRegisters(0, reg.Set32{}); !errors.Is(err, ErrRegisterWidth) {
		t.Fatalf("SetRegisters(Set32) = %v, expected ErrRegisterWidth", err)
	}

	if len(ctl.hvmSet) != 0 {
		t.Fatalf("width mismatch still wrote a context")
	}
}

func TestEventRegisters(t *testing.T) {
	t.Parallel()

	req := &xen.Request{}
	req.Regs.Rip = 0x1234
	req.Regs.Rax = 0x42
	req.Regs.Cr3 = 0x5000
	req.Regs.FSBase = 0x7f00
	req.Regs.MSREFER = 0x500

	set := EventRegisters(req)

	if set.Rip != 0x1234 || set.Rax != 0x42 || set.Cr3 != 0x5000 {
		t.Fatalf("rip=%#x rax=%#x cr3=%#x, conversion lost values", set.Rip, set.Rax, set.Cr3)
	}

	if set.FsBase != 0x7f00 || set.MsrEfer != 0x500 {
		t.Fatalf("fs_base=%#x efer=%#x, conversion lost values", set.FsBase, set.MsrEfer)
	}
}
