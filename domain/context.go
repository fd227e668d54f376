package domain

import (
	"fmt"

	"github.com/virtdbg/virtdbg/reg"
	"github.com/virtdbg/virtdbg/xen"
)

// Registers reads the vcpu's register file. The variant matches the
// guest word size fixed at attach. The vcpu should be paused or the
// snapshot is stale on arrival.
func (d *Domain) Registers(vcpu uint32) (reg.Set, error) {
	if err := d.checkVCPU(vcpu); err != nil {
		return nil, err
	}

	if d.hvm {
		ctx, err := d.ctl.HVMGetContextPartial(d.id, vcpu)
		if err != nil {
			return nil, err
		}

		if d.wordSize == 8 {
			return hvmToSet64(ctx), nil
		}

		return hvmToSet32(ctx), nil
	}

	if d.wordSize == 8 {
		ctx, err := d.ctl.GetVCPUContext64(d.id, vcpu)
		if err != nil {
			return nil, err
		}

		return pvToSet64(ctx), nil
	}

	ctx, err := d.ctl.GetVCPUContext32(d.id, vcpu)
	if err != nil {
		return nil, err
	}

	return pvToSet32(ctx), nil
}

// SetRegisters writes a register file back to the vcpu. The current
// native context is read first and only the registers the set carries
// are replaced, so state outside the set survives the write.
func (d *Domain) SetRegisters(vcpu uint32, s reg.Set) error {
	if err := d.checkVCPU(vcpu); err != nil {
		return err
	}

	if s.WordSize() != d.wordSize {
		return fmt.Errorf("domain %d uses %d-bit registers: %w", d.id, d.wordSize*8, ErrRegisterWidth)
	}

	switch set := s.(type) {
	case reg.Set64:
		if d.hvm {
			ctx, err := d.ctl.HVMGetContextPartial(d.id, vcpu)
			if err != nil {
				return err
			}

			set64ToHVM(set, ctx)

			return d.ctl.HVMSetCPUContext(d.id, vcpu, ctx)
		}

		ctx, err := d.ctl.GetVCPUContext64(d.id, vcpu)
		if err != nil {
			return err
		}

		set64ToPV(set, ctx)

		return d.ctl.SetVCPUContext64(d.id, vcpu, ctx)

	case reg.Set32:
		if d.hvm {
			ctx, err := d.ctl.HVMGetContextPartial(d.id, vcpu)
			if err != nil {
				return err
			}

			set32ToHVM(set, ctx)

			return d.ctl.HVMSetCPUContext(d.id, vcpu, ctx)
		}

		ctx, err := d.ctl.GetVCPUContext32(d.id, vcpu)
		if err != nil {
			return err
		}

		set32ToPV(set, ctx)

		return d.ctl.SetVCPUContext32(d.id, vcpu, ctx)

	default:
		return fmt.Errorf("domain %d: unknown register set: %w", d.id, ErrRegisterWidth)
	}
}

// EventRegisters widens the register snapshot a monitor request
// carries into a 64-bit set. The snapshot has no segment bases beyond
// fs and gs, so the others read zero.
func EventRegisters(req *xen.Request) reg.Set64 {
	r := &req.Regs

	return reg.Set64{
		Rax:     r.Rax,
		Rbx:     r.Rbx,
		Rcx:     r.Rcx,
		Rdx:     r.Rdx,
		Rsi:     r.Rsi,
		Rdi:     r.Rdi,
		Rbp:     r.Rbp,
		Rsp:     r.Rsp,
		R8:      r.R8,
		R9:      r.R9,
		R10:     r.R10,
		R11:     r.R11,
		R12:     r.R12,
		R13:     r.R13,
		R14:     r.R14,
		R15:     r.R15,
		Rip:     r.Rip,
		Rflags:  r.Rflags,
		FsBase:  r.FSBase,
		GsBase:  r.GSBase,
		Cr0:     r.Cr0,
		Cr3:     r.Cr3,
		Cr4:     r.Cr4,
		MsrEfer: r.MSREFER,
	}
}

func hvmToSet64(ctx *xen.HVMHwCPU) reg.Set64 {
	return reg.Set64{
		Rax:     ctx.Rax,
		Rbx:     ctx.Rbx,
		Rcx:     ctx.Rcx,
		Rdx:     ctx.Rdx,
		Rsi:     ctx.Rsi,
		Rdi:     ctx.Rdi,
		Rbp:     ctx.Rbp,
		Rsp:     ctx.Rsp,
		R8:      ctx.R8,
		R9:      ctx.R9,
		R10:     ctx.R10,
		R11:     ctx.R11,
		R12:     ctx.R12,
		R13:     ctx.R13,
		R14:     ctx.R14,
		R15:     ctx.R15,
		Rip:     ctx.Rip,
		Rflags:  ctx.Rflags,
		FsBase:  ctx.FSBase,
		GsBase:  ctx.GSBase,
		CsBase:  ctx.CSBase,
		DsBase:  ctx.DSBase,
		SsBase:  ctx.SSBase,
		Cr0:     ctx.Cr0,
		Cr3:     ctx.Cr3,
		Cr4:     ctx.Cr4,
		MsrEfer: ctx.MSREFER,
	}
}

func set64ToHVM(s reg.Set64, ctx *xen.HVMHwCPU) {
	ctx.Rax = s.Rax
	ctx.Rbx = s.Rbx
	ctx.Rcx = s.Rcx
	ctx.Rdx = s.Rdx
	ctx.Rsi = s.Rsi
	ctx.Rdi = s.Rdi
	ctx.Rbp = s.Rbp
	ctx.Rsp = s.Rsp
	ctx.R8 = s.R8
	ctx.R9 = s.R9
	ctx.R10 = s.R10
	ctx.R11 = s.R11
	ctx.R12 = s.R12
	ctx.R13 = s.R13
	ctx.R14 = s.R14
	ctx.R15 = s.R15
	ctx.Rip = s.Rip
	ctx.Rflags = s.Rflags
	ctx.FSBase = s.FsBase
	ctx.GSBase = s.GsBase
	ctx.CSBase = s.CsBase
	ctx.DSBase = s.DsBase
	ctx.SSBase = s.SsBase
	ctx.Cr0 = s.Cr0
	ctx.Cr3 = s.Cr3
	ctx.Cr4 = s.Cr4
	ctx.MSREFER = s.MsrEfer
}

// setLow32 replaces the low word of a native 64-bit register. The
// high half is preserved so an unmodified set writes back exactly
// what was read.
func setLow32(dst *uint64, v uint32) {
	*dst = *dst&^0xffffffff | uint64(v)
}

func setLow16(dst *uint32, v uint16) {
	*dst = *dst&^0xffff | uint32(v)
}

func hvmToSet32(ctx *xen.HVMHwCPU) reg.Set32 {
	return reg.Set32{
		Eax:     uint32(ctx.Rax),
		Ebx:     uint32(ctx.Rbx),
		Ecx:     uint32(ctx.Rcx),
		Edx:     uint32(ctx.Rdx),
		Esi:     uint32(ctx.Rsi),
		Edi:     uint32(ctx.Rdi),
		Ebp:     uint32(ctx.Rbp),
		Esp:     uint32(ctx.Rsp),
		Eip:     uint32(ctx.Rip),
		Eflags:  uint32(ctx.Rflags),
		Cs:      uint16(ctx.CSSel),
		Ds:      uint16(ctx.DSSel),
		Es:      uint16(ctx.ESSel),
		Fs:      uint16(ctx.FSSel),
		Gs:      uint16(ctx.GSSel),
		Ss:      uint16(ctx.SSSel),
		Cr0:     uint32(ctx.Cr0),
		Cr3:     uint32(ctx.Cr3),
		Cr4:     uint32(ctx.Cr4),
		MsrEfer: uint32(ctx.MSREFER),
	}
}

func set32ToHVM(s reg.Set32, ctx *xen.HVMHwCPU) {
	setLow32(&ctx.Rax, s.Eax)
	setLow32(&ctx.Rbx, s.Ebx)
	setLow32(&ctx.Rcx, s.Ecx)
	setLow32(&ctx.Rdx, s.Edx)
	setLow32(&ctx.Rsi, s.Esi)
	setLow32(&ctx.Rdi, s.Edi)
	setLow32(&ctx.Rbp, s.Ebp)
	setLow32(&ctx.Rsp, s.Esp)
	setLow32(&ctx.Rip, s.Eip)
	setLow32(&ctx.Rflags, s.Eflags)
	setLow16(&ctx.CSSel, s.Cs)
	setLow16(&ctx.DSSel, s.Ds)
	setLow16(&ctx.ESSel, s.Es)
	setLow16(&ctx.FSSel, s.Fs)
	setLow16(&ctx.GSSel, s.Gs)
	setLow16(&ctx.SSSel, s.Ss)
	setLow32(&ctx.Cr0, s.Cr0)
	setLow32(&ctx.Cr3, s.Cr3)
	setLow32(&ctx.Cr4, s.Cr4)
	setLow32(&ctx.MSREFER, s.MsrEfer)
}

// pvToSet64 converts a PV trap frame. PV guests run with flat
// segmentation, so cs, ds and ss bases read zero, and the context has
// no EFER of its own.
func pvToSet64(ctx *xen.VCPUGuestContext64) reg.Set64 {
	u := &ctx.UserRegs

	return reg.Set64{
		Rax:    u.Rax,
		Rbx:    u.Rbx,
		Rcx:    u.Rcx,
		Rdx:    u.Rdx,
		Rsi:    u.Rsi,
		Rdi:    u.Rdi,
		Rbp:    u.Rbp,
		Rsp:    u.Rsp,
		R8:     u.R8,
		R9:     u.R9,
		R10:    u.R10,
		R11:    u.R11,
		R12:    u.R12,
		R13:    u.R13,
		R14:    u.R14,
		R15:    u.R15,
		Rip:    u.Rip,
		Rflags: u.Rflags,
		FsBase: ctx.FSBase,
		GsBase: ctx.GSBaseKernel,
		Cr0:    ctx.CtrlReg[0],
		Cr3:    ctx.CtrlReg[3],
		Cr4:    ctx.CtrlReg[4],
	}
}

func set64ToPV(s reg.Set64, ctx *xen.VCPUGuestContext64) {
	u := &ctx.UserRegs

	u.Rax = s.Rax
	u.Rbx = s.Rbx
	u.Rcx = s.Rcx
	u.Rdx = s.Rdx
	u.Rsi = s.Rsi
	u.Rdi = s.Rdi
	u.Rbp = s.Rbp
	u.Rsp = s.Rsp
	u.R8 = s.R8
	u.R9 = s.R9
	u.R10 = s.R10
	u.R11 = s.R11
	u.R12 = s.R12
	u.R13 = s.R13
	u.R14 = s.R14
	u.R15 = s.R15
	u.Rip = s.Rip
	u.Rflags = s.Rflags
	ctx.FSBase = s.FsBase
	ctx.GSBaseKernel = s.GsBase
	ctx.CtrlReg[0] = s.Cr0
	ctx.CtrlReg[3] = s.Cr3
	ctx.CtrlReg[4] = s.Cr4
}

func pvToSet32(ctx *xen.VCPUGuestContext32) reg.Set32 {
	u := &ctx.UserRegs

	return reg.Set32{
		Eax:    u.Eax,
		Ebx:    u.Ebx,
		Ecx:    u.Ecx,
		Edx:    u.Edx,
		Esi:    u.Esi,
		Edi:    u.Edi,
		Ebp:    u.Ebp,
		Esp:    u.Esp,
		Eip:    u.Eip,
		Eflags: u.Eflags,
		Cs:     u.CS,
		Ds:     u.DS,
		Es:     u.ES,
		Fs:     u.FS,
		Gs:     u.GS,
		Ss:     u.SS,
		Cr0:    ctx.CtrlReg[0],
		Cr3:    ctx.CtrlReg[3],
		Cr4:    ctx.CtrlReg[4],
	}
}

func set32ToPV(s reg.Set32, ctx *xen.VCPUGuestContext32) {
	u := &ctx.UserRegs

	u.Eax = s.Eax
	u.Ebx = s.Ebx
	u.Ecx = s.Ecx
	u.Esi = s.Esi
	u.Edi = s.Edi
	u.Ebp = s.Ebp
	u.Esp = s.Esp
	u.Edx = s.Edx
	u.Eip = s.Eip
	u.Eflags = s.Eflags
	u.CS = s.Cs
	u.DS = s.Ds
	u.ES = s.Es
	u.FS = s.Fs
	u.GS = s.Gs
	u.SS = s.Ss
	ctx.CtrlReg[0] = s.Cr0
	ctx.CtrlReg[3] = s.Cr3
	ctx.CtrlReg[4] = s.Cr4
}
