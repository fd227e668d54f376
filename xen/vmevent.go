package xen

import "unsafe"

// EventInterfaceVersion is the vm_event ABI version this build
// speaks. Requests stamped with any other version are dropped by the
// monitor rather than misread.
const EventInterfaceVersion = 0x00000007

// Reason says why the hypervisor delivered an event.
//
//go:generate stringer -type=Reason
type Reason uint32

const (
	ReasonUnknown            Reason = 0
	ReasonMemAccess          Reason = 1
	ReasonSoftwareBreakpoint Reason = 2
	ReasonPrivilegedCall     Reason = 3
	ReasonSinglestep         Reason = 4
	ReasonWriteCtrlreg       Reason = 5
	ReasonMovToMSR           Reason = 6
	ReasonGuestRequest       Reason = 7
	ReasonDebugException     Reason = 8
	ReasonCPUID              Reason = 9
	ReasonMemPaging          Reason = 10
	ReasonMemSharing         Reason = 11
	ReasonDescriptorAccess   Reason = 12
	ReasonInterrupt          Reason = 13
	ReasonEmulUnimplemented  Reason = 14
)

// Flags carried on requests and responses.
const (
	EventFlagVCPUPaused       = 1 << 0
	EventFlagForeign          = 1 << 1
	EventFlagToggleSinglestep = 1 << 2
	EventFlagEmulate          = 1 << 3
	EventFlagSetRegisters     = 1 << 8
)

// EventRegsX86 is the register snapshot attached to every request.
type EventRegsX86 struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rflags uint64
	Dr7    uint64
	Rip    uint64

	Cr0 uint64
	Cr2 uint64
	Cr3 uint64
	Cr4 uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64

	MSREFER  uint64
	MSRStar  uint64
	MSRLstar uint64

	FSBase uint64
	GSBase uint64

	CSArbytes uint32
	_         uint32
}

// MemAccessEvent is the payload of a ReasonMemAccess request.
type MemAccessEvent struct {
	GFN    uint64
	Offset uint64
	GLA    uint64
	Flags  uint32
	_      uint32
}

// MemAccessEvent flags.
const (
	MemAccessFlagR        = 1 << 0
	MemAccessFlagW        = 1 << 1
	MemAccessFlagX        = 1 << 2
	MemAccessFlagGLAValid = 1 << 3
)

// DebugEvent is the payload of software-breakpoint and
// debug-exception requests.
type DebugEvent struct {
	GFN        uint64
	InsnLength uint32
	Type       uint8
	_          [3]uint8
}

// CPUIDEvent is the payload of a ReasonCPUID request.
type CPUIDEvent struct {
	InsnLength uint32
	Leaf       uint32
	Subleaf    uint32
	_          uint32
}

// SinglestepEvent is the payload of a ReasonSinglestep request.
type SinglestepEvent struct {
	GFN uint64
}

// Descriptor table selectors reported by DescriptorEvent.
const (
	DescIDTR = 1
	DescGDTR = 2
	DescLDTR = 3
	DescTR   = 4
)

// DescriptorEvent is the payload of a ReasonDescriptorAccess request.
type DescriptorEvent struct {
	Arch       [16]byte
	Descriptor uint8
	IsWrite    uint8
	_          [6]uint8
}

// InterruptEvent is the payload of a ReasonInterrupt request.
type InterruptEvent struct {
	Vector    uint32
	Type      uint32
	ErrorCode uint32
	_         uint32
	CR2       uint64
}

// eventPayloadSize is the reason-specific payload area of a request.
const eventPayloadSize = 48

// Request is one trapped guest event, resident in a ring slot until
// its response is produced. Copies of it remain valid afterwards.
type Request struct {
	Version   uint32
	Flags     uint32
	Reason    Reason
	VCPU      uint32
	AltP2MIdx uint16
	_         [3]uint16
	U         [eventPayloadSize]byte
	Regs      EventRegsX86
}

// Response is the disposition for one request.
type Response struct {
	Version   uint32
	Flags     uint32
	Reason    Reason
	VCPU      uint32
	AltP2MIdx uint16
	_         [3]uint16
	U         [eventPayloadSize]byte
	Regs      EventRegsX86
}

// MemAccess views the payload as a memory-access event.
func (r *Request) MemAccess() *MemAccessEvent {
	return (*MemAccessEvent)(unsafe.Pointer(&r.U[0]))
}

// SoftwareBreakpoint views the payload as a breakpoint event.
func (r *Request) SoftwareBreakpoint() *DebugEvent {
	return (*DebugEvent)(unsafe.Pointer(&r.U[0]))
}

// DebugException views the payload as a debug exception.
func (r *Request) DebugException() *DebugEvent {
	return (*DebugEvent)(unsafe.Pointer(&r.U[0]))
}

// CPUID views the payload as a cpuid intercept.
func (r *Request) CPUID() *CPUIDEvent {
	return (*CPUIDEvent)(unsafe.Pointer(&r.U[0]))
}

// Singlestep views the payload as a single-step event.
func (r *Request) Singlestep() *SinglestepEvent {
	return (*SinglestepEvent)(unsafe.Pointer(&r.U[0]))
}

// DescriptorAccess views the payload as a descriptor-table access.
func (r *Request) DescriptorAccess() *DescriptorEvent {
	return (*DescriptorEvent)(unsafe.Pointer(&r.U[0]))
}

// Interrupt views the payload as an interrupt event.
func (r *Request) Interrupt() *InterruptEvent {
	return (*InterruptEvent)(unsafe.Pointer(&r.U[0]))
}
