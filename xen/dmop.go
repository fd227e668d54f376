package xen

import (
	"runtime"
	"unsafe"
)

// Event types accepted by InjectEvent.
const (
	EventTypeExternalInt     = 0
	EventTypeNMI             = 2
	EventTypeHWException     = 3
	EventTypeSWInterrupt     = 4
	EventTypePrivSWException = 5
	EventTypeSWException     = 6
)

// Trap vectors this debugger injects.
const (
	TrapDebug = 1
	TrapInt3  = 3
)

// ErrorCodeNone tells the hypervisor not to push an error code.
const ErrorCodeNone = ^uint32(0)

const dmOpInjectEventNr = 13

type dmOpInjectEvent struct {
	Op        uint32
	_         uint32
	VCPU      uint32
	Vector    uint8
	Type      uint8
	InsnLen   uint8
	_         uint8
	ErrorCode uint32
	_         uint32
	CR2       uint64
}

type privcmdDMOpBuf struct {
	Ptr  uint64
	Size uint64
}

type privcmdDMOp struct {
	Dom   uint16
	Num   uint16
	_     uint32
	UBufs uint64
}

// InjectEvent queues a hardware event for the vcpu to take when it
// next runs. The monitor uses it to hand intercepted debug traps back
// to the guest.
func (x *Xen) InjectEvent(dom DomID, vcpu uint32, vector, typ, insnLen uint8, errorCode uint32, cr2 uint64) error {
	op := &dmOpInjectEvent{
		Op:        dmOpInjectEventNr,
		VCPU:      vcpu,
		Vector:    vector,
		Type:      typ,
		InsnLen:   insnLen,
		ErrorCode: errorCode,
		CR2:       cr2,
	}

	buf := privcmdDMOpBuf{
		Ptr:  uint64(uintptr(unsafe.Pointer(op))),
		Size: uint64(unsafe.Sizeof(*op)),
	}

	arg := &privcmdDMOp{
		Dom:   uint16(dom),
		Num:   1,
		UBufs: uint64(uintptr(unsafe.Pointer(&buf))),
	}

	_, err := Ioctl(x.privcmd.Fd(),
		IIOC(privcmdType, privcmdDMOpNr, unsafe.Sizeof(*arg)),
		uintptr(unsafe.Pointer(arg)))

	runtime.KeepAlive(op)
	runtime.KeepAlive(&buf)
	runtime.KeepAlive(arg)

	if err != nil {
		return callErr("dm_op_inject_event", dom, err)
	}

	return nil
}
