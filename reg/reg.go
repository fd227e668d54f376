// Package reg models the register file of a guest VCPU for 32- and
// 64-bit x86. A Set is a plain value: callers copy it freely, mutate
// their copy, and hand it back to the domain layer for write-back.
package reg

// Set is the register file of one VCPU, either a Set32 or a Set64.
// The variant is fixed per domain by the guest word size and chosen
// once at attach: callers type-switch a Set exactly once and then
// operate on the concrete variant.
type Set interface {
	// WordSize returns the guest word size in bytes, 4 or 8.
	WordSize() int

	// PC returns the instruction pointer widened to 64 bits.
	PC() uint64

	// Slice returns the registers in canonical order for display.
	Slice() []Reg

	set()
}

// Reg is one named register value, widened to uint64 regardless of
// the variant's native width.
type Reg struct {
	Name  string
	Value uint64
}

// Set64 is the 64-bit x86 register file: sixteen general purpose
// registers, the instruction pointer and flags, the segment bases the
// hypervisor exposes per segment register, the paging control
// registers, and the EFER model-specific register.
type Set64 struct {
	Rax     uint64
	Rbx     uint64
	Rcx     uint64
	Rdx     uint64
	Rsi     uint64
	Rdi     uint64
	Rbp     uint64
	Rsp     uint64
	R8      uint64
	R9      uint64
	R10     uint64
	R11     uint64
	R12     uint64
	R13     uint64
	R14     uint64
	R15     uint64
	Rip     uint64
	Rflags  uint64
	FsBase  uint64
	GsBase  uint64
	CsBase  uint64
	DsBase  uint64
	SsBase  uint64
	Cr0     uint64
	Cr3     uint64
	Cr4     uint64
	MsrEfer uint64
}

// Set32 is the 32-bit x86 register file: eight general purpose
// registers, the instruction pointer and flags, the segment selectors,
// and the paging control registers. MsrEfer is present so page walks
// can probe long mode uniformly; it reads zero on true 32-bit guests.
type Set32 struct {
	Eax     uint32
	Ebx     uint32
	Ecx     uint32
	Edx     uint32
	Esi     uint32
	Edi     uint32
	Ebp     uint32
	Esp     uint32
	Eip     uint32
	Eflags  uint32
	Cs      uint16
	Ds      uint16
	Es      uint16
	Fs      uint16
	Gs      uint16
	Ss      uint16
	Cr0     uint32
	Cr3     uint32
	Cr4     uint32
	MsrEfer uint32
}

func (Set64) set() {}
func (Set32) set() {}

func (Set64) WordSize() int { return 8 }
func (Set32) WordSize() int { return 4 }

// PC returns the instruction pointer.
func (r Set64) PC() uint64 { return r.Rip }

// PC returns the instruction pointer.
func (r Set32) PC() uint64 { return uint64(r.Eip) }

func (r Set64) Slice() []Reg {
	return []Reg{
		{"rax", r.Rax},
		{"rbx", r.Rbx},
		{"rcx", r.Rcx},
		{"rdx", r.Rdx},
		{"rsi", r.Rsi},
		{"rdi", r.Rdi},
		{"rbp", r.Rbp},
		{"rsp", r.Rsp},
		{"r8", r.R8},
		{"r9", r.R9},
		{"r10", r.R10},
		{"r11", r.R11},
		{"r12", r.R12},
		{"r13", r.R13},
		{"r14", r.R14},
		{"r15", r.R15},
		{"rip", r.Rip},
		{"rflags", r.Rflags},
		{"fs_base", r.FsBase},
		{"gs_base", r.GsBase},
		{"cs_base", r.CsBase},
		{"ds_base", r.DsBase},
		{"ss_base", r.SsBase},
		{"cr0", r.Cr0},
		{"cr3", r.Cr3},
		{"cr4", r.Cr4},
		{"msr_efer", r.MsrEfer},
	}
}

func (r Set32) Slice() []Reg {
	return []Reg{
		{"eax", uint64(r.Eax)},
		{"ebx", uint64(r.Ebx)},
		{"ecx", uint64(r.Ecx)},
		{"edx", uint64(r.Edx)},
		{"esi", uint64(r.Esi)},
		{"edi", uint64(r.Edi)},
		{"ebp", uint64(r.Ebp)},
		{"esp", uint64(r.Esp)},
		{"eip", uint64(r.Eip)},
		{"eflags", uint64(r.Eflags)},
		{"cs", uint64(r.Cs)},
		{"ds", uint64(r.Ds)},
		{"es", uint64(r.Es)},
		{"fs", uint64(r.Fs)},
		{"gs", uint64(r.Gs)},
		{"ss", uint64(r.Ss)},
		{"cr0", uint64(r.Cr0)},
		{"cr3", uint64(r.Cr3)},
		{"cr4", uint64(r.Cr4)},
		{"msr_efer", uint64(r.MsrEfer)},
	}
}
