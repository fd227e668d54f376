package xen

import (
	"testing"
	"unsafe"
)

// The hypervisor reads and writes these structs in place, so any
// drift from the public ABI layout corrupts calls silently. Pin the
// important sizes and offsets.
func TestABISizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		actual   uintptr
		expected uintptr
	}{
		{"sring header", unsafe.Sizeof(sringHdr{}), RingHeaderSize},
		{"vm_event request", unsafe.Sizeof(Request{}), 328},
		{"vm_event response", unsafe.Sizeof(Response{}), 328},
		{"vm_event regs", unsafe.Sizeof(EventRegsX86{}), 256},
		{"hvm save descriptor", unsafe.Sizeof(SaveDescriptor{}), 8},
		{"hvm cpu record", unsafe.Sizeof(HVMHwCPU{}), 1032},
		{"pv user regs 64", unsafe.Sizeof(CPUUserRegs64{}), 200},
		{"pv trap info 64", unsafe.Sizeof(TrapInfo64{}), 16},
		{"pv guest context 64", unsafe.Sizeof(VCPUGuestContext64{}), 5168},
		{"pv user regs 32", unsafe.Sizeof(CPUUserRegs32{}), 68},
		{"pv trap info 32", unsafe.Sizeof(TrapInfo32{}), 8},
		{"pv guest context 32", unsafe.Sizeof(VCPUGuestContext32{}), 2800},
		{"domctl", unsafe.Sizeof(Domctl{}), 256},
		{"domctl domain info", unsafe.Sizeof(domctlDomainInfo{}), 104},
		{"privcmd hypercall", unsafe.Sizeof(privcmdHypercall{}), 48},
		{"privcmd mmap batch", unsafe.Sizeof(privcmdMmapBatchV2{}), 32},
		{"privcmd dm_op", unsafe.Sizeof(privcmdDMOp{}), 16},
		{"dm_op buffer", unsafe.Sizeof(privcmdDMOpBuf{}), 16},
		{"dm_op inject event", unsafe.Sizeof(dmOpInjectEvent{}), 32},
		{"hvm param", unsafe.Sizeof(hvmParam{}), 16},
		{"mem access op", unsafe.Sizeof(memAccessOp{}), 16},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.actual != tt.expected {
				t.Fatalf("expected: %d bytes, actual: %d", tt.expected, tt.actual)
			}
		})
	}
}

func TestABIOffsets(t *testing.T) {
	t.Parallel()

	var (
		req   Request
		hvm   HVMHwCPU
		ctx64 VCPUGuestContext64
		ctx32 VCPUGuestContext32
		regs  EventRegsX86
		ureg  CPUUserRegs64
		dctl  Domctl
	)

	tests := []struct {
		name     string
		actual   uintptr
		expected uintptr
	}{
		{"request payload", unsafe.Offsetof(req.U), 24},
		{"request regs", unsafe.Offsetof(req.Regs), 72},
		{"event regs rip", unsafe.Offsetof(regs.Rip), 144},
		{"event regs cr3", unsafe.Offsetof(regs.Cr3), 168},
		{"hvm cpu rax", unsafe.Offsetof(hvm.Rax), 512},
		{"hvm cpu cr0", unsafe.Offsetof(hvm.Cr0), 656},
		{"hvm cpu dr0", unsafe.Offsetof(hvm.Dr0), 688},
		{"hvm cpu cs sel", unsafe.Offsetof(hvm.CSSel), 736},
		{"hvm cpu cs limit", unsafe.Offsetof(hvm.CSLimit), 768},
		{"hvm cpu cs base", unsafe.Offsetof(hvm.CSBase), 808},
		{"hvm cpu cs arbytes", unsafe.Offsetof(hvm.CSArbytes), 888},
		{"hvm cpu sysenter cs", unsafe.Offsetof(hvm.SysenterCS), 920},
		{"hvm cpu shadow gs", unsafe.Offsetof(hvm.ShadowGS), 944},
		{"hvm cpu tsc", unsafe.Offsetof(hvm.TSC), 1008},
		{"hvm cpu pending event", unsafe.Offsetof(hvm.PendingEvent), 1016},
		{"hvm cpu flags", unsafe.Offsetof(hvm.Flags), 1024},
		{"pv user regs rip", unsafe.Offsetof(ureg.Rip), 128},
		{"pv user regs rsp", unsafe.Offsetof(ureg.Rsp), 152},
		{"pv ctx64 user regs", unsafe.Offsetof(ctx64.UserRegs), 520},
		{"pv ctx64 trap table", unsafe.Offsetof(ctx64.TrapCtxt), 720},
		{"pv ctx64 ldt base", unsafe.Offsetof(ctx64.LDTBase), 4816},
		{"pv ctx64 gdt frames", unsafe.Offsetof(ctx64.GDTFrames), 4832},
		{"pv ctx64 control regs", unsafe.Offsetof(ctx64.CtrlReg), 4984},
		{"pv ctx64 debug regs", unsafe.Offsetof(ctx64.DebugReg), 5048},
		{"pv ctx64 fs base", unsafe.Offsetof(ctx64.FSBase), 5144},
		{"pv ctx32 user regs", unsafe.Offsetof(ctx32.UserRegs), 516},
		{"pv ctx32 control regs", unsafe.Offsetof(ctx32.CtrlReg), 2716},
		{"domctl payload", unsafe.Offsetof(dctl.U), 16},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.actual != tt.expected {
				t.Fatalf("expected: offset %d, actual: %d", tt.expected, tt.actual)
			}
		})
	}
}

// Every reason payload must fit the request's payload area, and every
// domctl payload must fit the domctl's.
func TestPayloadsFit(t *testing.T) {
	t.Parallel()

	eventPayloads := []struct {
		name string
		size uintptr
	}{
		{"mem access", unsafe.Sizeof(MemAccessEvent{})},
		{"debug", unsafe.Sizeof(DebugEvent{})},
		{"cpuid", unsafe.Sizeof(CPUIDEvent{})},
		{"singlestep", unsafe.Sizeof(SinglestepEvent{})},
		{"descriptor access", unsafe.Sizeof(DescriptorEvent{})},
		{"interrupt", unsafe.Sizeof(InterruptEvent{})},
	}

	for _, p := range eventPayloads {
		if p.size > eventPayloadSize {
			t.Fatalf("expected: %s payload within %d bytes, actual: %d",
				p.name, eventPayloadSize, p.size)
		}
	}

	var dctl Domctl

	domctlPayloads := []struct {
		name string
		size uintptr
	}{
		{"domain info", unsafe.Sizeof(domctlDomainInfo{})},
		{"hvm context", unsafe.Sizeof(domctlHVMContext{})},
		{"hvm context partial", unsafe.Sizeof(domctlHVMContextPartial{})},
		{"vcpu context", unsafe.Sizeof(domctlVCPUContext{})},
		{"vm_event op", unsafe.Sizeof(vmEventOp{})},
		{"monitor op", unsafe.Sizeof(monitorOp{})},
	}

	for _, p := range domctlPayloads {
		if p.size > unsafe.Sizeof(dctl.U) {
			t.Fatalf("expected: %s payload within %d bytes, actual: %d",
				p.name, unsafe.Sizeof(dctl.U), p.size)
		}
	}
}

func testHVMImage(t *testing.T, cpus map[uint16]*HVMHwCPU) []byte {
	t.Helper()

	var image []byte

	appendRecord := func(code, instance uint16, body []byte) {
		desc := SaveDescriptor{
			TypeCode: code,
			Instance: instance,
			Length:   uint32(len(body)),
		}
		image = append(image, structBytes(&desc)...)
		image = append(image, body...)
	}

	appendRecord(hvmSaveCodeHeader, 0, make([]byte, 24))

	for instance, cpu := range cpus {
		appendRecord(hvmSaveCodeCPU, instance, structBytes(cpu))
	}

	appendRecord(hvmSaveCodeEnd, 0, nil)

	return image
}

func TestHVMContextPatchCPU(t *testing.T) {
	t.Parallel()

	cpu0 := &HVMHwCPU{Rip: 0x1000, Rax: 1}
	cpu1 := &HVMHwCPU{Rip: 0x2000, Rax: 2}

	image := testHVMImage(t, map[uint16]*HVMHwCPU{0: cpu0, 1: cpu1})

	patched := &HVMHwCPU{Rip: 0xdeadbeef, Rax: 99, Cr3: 0x3000}

	if err := hvmContextSetCPU(image, 1, patched); err != nil {
		t.Fatal(err)
	}

	// Re-walk the image and check that only vcpu 1's record changed.
	descSize := int(unsafe.Sizeof(SaveDescriptor{}))
	off := 0

	for off+descSize <= len(image) {
		desc := (*SaveDescriptor)(unsafe.Pointer(&image[off]))
		off += descSize

		if desc.TypeCode == hvmSaveCodeEnd {
			break
		}

		if desc.TypeCode == hvmSaveCodeCPU {
			got := (*HVMHwCPU)(unsafe.Pointer(&image[off]))

			switch desc.Instance {
			case 0:
				if got.Rip != cpu0.Rip || got.Rax != cpu0.Rax {
					t.Fatalf("expected: vcpu 0 untouched, actual: rip %#x rax %#x", got.Rip, got.Rax)
				}
			case 1:
				if got.Rip != patched.Rip || got.Rax != patched.Rax || got.Cr3 != patched.Cr3 {
					t.Fatalf("expected: vcpu 1 patched, actual: rip %#x rax %#x", got.Rip, got.Rax)
				}
			}
		}

		off += int(desc.Length)
	}
}

func TestHVMContextPatchMissingVCPU(t *testing.T) {
	t.Parallel()

	image := testHVMImage(t, map[uint16]*HVMHwCPU{0: {}})

	if err := hvmContextSetCPU(image, 5, &HVMHwCPU{}); err == nil {
		t.Fatal("expected: error for missing vcpu record, actual: nil")
	}
}

func TestHVMContextPatchTruncated(t *testing.T) {
	t.Parallel()

	image := testHVMImage(t, map[uint16]*HVMHwCPU{0: {}})

	// Cut the image mid-record.
	image = image[:len(image)/2]

	if err := hvmContextSetCPU(image, 0, &HVMHwCPU{}); err == nil {
		t.Fatal("expected: error for truncated image, actual: nil")
	}
}
