package xen

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	hvmOpSetParam = 0
	hvmOpGetParam = 1

	hvmParamMonitorRingPFN = 28
)

type hvmParam struct {
	DomID uint16
	_     uint16
	Index uint32
	Value uint64
}

// HVMGetParam reads one HVM parameter of the domain.
func (x *Xen) HVMGetParam(dom DomID, index uint32) (uint64, error) {
	arg := &hvmParam{DomID: uint16(dom), Index: index}

	unlock, err := lockBuf(structBytes(arg))
	if err != nil {
		return 0, callErr("hvm_get_param", dom, err)
	}
	defer unlock()

	call := &privcmdHypercall{
		Op:  hypercallHVMOp,
		Arg: [5]uint64{hvmOpGetParam, uint64(uintptr(unsafe.Pointer(arg)))},
	}

	_, err = x.rawHypercall(call)

	runtime.KeepAlive(arg)

	if err != nil {
		return 0, callErr("hvm_get_param", dom, err)
	}

	return arg.Value, nil
}

const (
	vmEventOpEnable  = 0
	vmEventOpDisable = 1
	vmEventOpResume  = 2

	vmEventModeMonitor = 2
)

type vmEventOp struct {
	Op   uint32
	Mode uint32
	Port uint32
}

// MonitorEnable switches the domain's monitor ring on. It returns the
// local-use event-channel port the hypervisor will signal and the
// guest frame holding the ring page. A domain supports exactly one
// monitor consumer: a second enable fails with ErrMonitorActive, and
// guests without the needed hardware assists fail with
// ErrMonitorUnsupported.
func (x *Xen) MonitorEnable(dom DomID) (uint32, uint64, error) {
	ringGFN, err := x.HVMGetParam(dom, hvmParamMonitorRingPFN)
	if err != nil {
		return 0, 0, err
	}

	d, err := x.domctl("vm_event_enable", domctlVMEventOp, dom, func(d *Domctl) {
		p := domctlPayload[vmEventOp](d)
		p.Op = vmEventOpEnable
		p.Mode = vmEventModeMonitor
	})
	if err != nil {
		switch {
		case errors.Is(err, unix.EBUSY):
			return 0, 0, fmt.Errorf("domain %d: %w", dom, ErrMonitorActive)
		case errors.Is(err, unix.ENODEV):
			return 0, 0, fmt.Errorf("domain %d: %w", dom, ErrMonitorUnsupported)
		}

		return 0, 0, err
	}

	return domctlPayload[vmEventOp](d).Port, ringGFN, nil
}

// MonitorDisable tears the domain's monitor ring down. The ring page
// mapping is the caller's to release.
func (x *Xen) MonitorDisable(dom DomID) error {
	_, err := x.domctl("vm_event_disable", domctlVMEventOp, dom, func(d *Domctl) {
		p := domctlPayload[vmEventOp](d)
		p.Op = vmEventOpDisable
		p.Mode = vmEventModeMonitor
	})

	return err
}

const (
	monitorOpEnable          = 0
	monitorOpDisable         = 1
	monitorOpGetCapabilities = 2

	monitorEventWriteCtrlreg       = 0
	monitorEventMovToMSR           = 1
	monitorEventSinglestep         = 2
	monitorEventSoftwareBreakpoint = 3
	monitorEventGuestRequest       = 4
	monitorEventDebugException     = 5
	monitorEventCPUID              = 6
	monitorEventPrivilegedCall     = 7
	monitorEventInterrupt          = 8
	monitorEventDescAccess         = 9
)

type monitorOp struct {
	Op    uint32
	Event uint32
	U     [8]byte
}

func (x *Xen) monitorToggle(dom DomID, event uint32, enable bool, setup func(*monitorOp)) error {
	op := uint32(monitorOpDisable)
	if enable {
		op = monitorOpEnable
	}

	_, err := x.domctl("monitor_op", domctlMonitorOp, dom, func(d *Domctl) {
		p := domctlPayload[monitorOp](d)
		p.Op = op
		p.Event = event
		if setup != nil {
			setup(p)
		}
	})

	return err
}

// MonitorSoftwareBreakpoint opts software-breakpoint traps in or out
// of the domain's monitor ring.
func (x *Xen) MonitorSoftwareBreakpoint(dom DomID, enable bool) error {
	return x.monitorToggle(dom, monitorEventSoftwareBreakpoint, enable, nil)
}

// MonitorSinglestep opts single-step traps in or out of the ring.
func (x *Xen) MonitorSinglestep(dom DomID, enable bool) error {
	return x.monitorToggle(dom, monitorEventSinglestep, enable, nil)
}

// MonitorDebugException opts debug exceptions in or out of the ring.
// sync asks the hypervisor to pause the vcpu until the response.
func (x *Xen) MonitorDebugException(dom DomID, enable, sync bool) error {
	return x.monitorToggle(dom, monitorEventDebugException, enable, func(p *monitorOp) {
		if sync {
			p.U[0] = 1
		}
	})
}

// MonitorCPUID opts cpuid traps in or out of the ring.
func (x *Xen) MonitorCPUID(dom DomID, enable bool) error {
	return x.monitorToggle(dom, monitorEventCPUID, enable, nil)
}

// MonitorDescriptorAccess opts descriptor-table access traps in or
// out of the ring.
func (x *Xen) MonitorDescriptorAccess(dom DomID, enable bool) error {
	return x.monitorToggle(dom, monitorEventDescAccess, enable, nil)
}

// MonitorPrivilegedCall opts privileged-call traps in or out of the
// ring.
func (x *Xen) MonitorPrivilegedCall(dom DomID, enable bool) error {
	return x.monitorToggle(dom, monitorEventPrivilegedCall, enable, nil)
}

// MonitorGetCapabilities reports which monitor events the domain
// supports, as a bitmask of 1<<event.
func (x *Xen) MonitorGetCapabilities(dom DomID) (uint32, error) {
	d, err := x.domctl("monitor_op", domctlMonitorOp, dom, func(d *Domctl) {
		domctlPayload[monitorOp](d).Op = monitorOpGetCapabilities
	})
	if err != nil {
		return 0, err
	}

	return domctlPayload[monitorOp](d).Event, nil
}

// MonitorCapabilityNames expands a MonitorGetCapabilities mask into
// event names, in bit order.
func MonitorCapabilityNames(mask uint32) []string {
	names := []struct {
		bit  uint32
		name string
	}{
		{monitorEventWriteCtrlreg, "write-ctrlreg"},
		{monitorEventMovToMSR, "mov-to-msr"},
		{monitorEventSinglestep, "singlestep"},
		{monitorEventSoftwareBreakpoint, "software-breakpoint"},
		{monitorEventGuestRequest, "guest-request"},
		{monitorEventDebugException, "debug-exception"},
		{monitorEventCPUID, "cpuid"},
		{monitorEventPrivilegedCall, "privileged-call"},
		{monitorEventInterrupt, "interrupt"},
		{monitorEventDescAccess, "descriptor-access"},
	}

	var out []string

	for _, n := range names {
		if mask&(1<<n.bit) != 0 {
			out = append(out, n.name)
		}
	}

	return out
}

// MemAccess is a page's permitted access, as enforced when the
// domain is monitored.
//
//go:generate stringer -type=MemAccess
type MemAccess uint8

const (
	MemAccessN MemAccess = iota
	MemAccessR
	MemAccessW
	MemAccessRW
	MemAccessX
	MemAccessRX
	MemAccessWX
	MemAccessRWX
	MemAccessRX2RW
	MemAccessN2RWX
	MemAccessDefault
)

const (
	memoryOpAccessOp = 21

	memAccessOpSet = 0
	memAccessOpGet = 1
)

type memAccessOp struct {
	Op     uint8
	Access uint8
	Domain uint16
	NR     uint32
	PFN    uint64
}

func (x *Xen) memAccess(dom DomID, arg *memAccessOp) error {
	unlock, err := lockBuf(structBytes(arg))
	if err != nil {
		return callErr("mem_access_op", dom, err)
	}
	defer unlock()

	call := &privcmdHypercall{
		Op:  hypercallMemoryOp,
		Arg: [5]uint64{memoryOpAccessOp, uint64(uintptr(unsafe.Pointer(arg)))},
	}

	_, err = x.rawHypercall(call)

	runtime.KeepAlive(arg)

	if err != nil {
		return callErr("mem_access_op", dom, err)
	}

	return nil
}

// SetMemAccess sets the permitted access for nr frames starting at
// first. Violations are delivered through the monitor ring.
func (x *Xen) SetMemAccess(dom DomID, access MemAccess, first uint64, nr uint32) error {
	return x.memAccess(dom, &memAccessOp{
		Op:     memAccessOpSet,
		Access: uint8(access),
		Domain: uint16(dom),
		NR:     nr,
		PFN:    first,
	})
}

// GetMemAccess reads the permitted access of one frame.
func (x *Xen) GetMemAccess(dom DomID, pfn uint64) (MemAccess, error) {
	arg := &memAccessOp{
		Op:     memAccessOpGet,
		Domain: uint16(dom),
		PFN:    pfn,
	}

	if err := x.memAccess(dom, arg); err != nil {
		return 0, err
	}

	return MemAccess(arg.Access), nil
}
