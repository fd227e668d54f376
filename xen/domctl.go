package xen

import (
	"errors"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// domctl command numbers from the public ABI. The gdbsx commands live
// in a separate high range reserved for debugger support.
const (
	domctlDestroyDomain        = 2
	domctlPauseDomain          = 3
	domctlUnpauseDomain        = 4
	domctlGetDomainInfo        = 5
	domctlSetVCPUContext       = 12
	domctlGetVCPUContext       = 13
	domctlSetDebugging         = 18
	domctlGetHVMContext        = 33
	domctlSetHVMContext        = 34
	domctlGetAddressSize       = 36
	domctlDebugOp              = 54
	domctlGetHVMContextPartial = 55
	domctlVMEventOp            = 56
	domctlMonitorOp            = 77
	domctlGdbsxPauseVCPU       = 1001
	domctlGdbsxUnpauseVCPU     = 1002
)

const domctlInterfaceVersion = 0x00000015

// Domctl is the wire layout of a domain control call: command,
// interface version, target domain, then a command-specific payload
// that the hypervisor reads or fills in place.
type Domctl struct {
	Cmd              uint32
	InterfaceVersion uint32
	Domain           uint16
	_                [3]uint16
	U                [240]byte
}

// domctlPayload views the payload area of d as the command-specific
// struct T.
func domctlPayload[T any](d *Domctl) *T {
	return (*T)(unsafe.Pointer(&d.U[0]))
}

// domctl issues one domain control call. setup fills the payload
// before the call; bufs are additional buffers the payload points
// into, pinned alongside the call struct for the hypervisor's direct
// access.
func (x *Xen) domctl(op string, cmd uint32, dom DomID, setup func(*Domctl), bufs ...[]byte) (*Domctl, error) {
	d := &Domctl{
		Cmd:              cmd,
		InterfaceVersion: domctlInterfaceVersion,
		Domain:           uint16(dom),
	}

	if setup != nil {
		setup(d)
	}

	unlock, err := lockBuf(structBytes(d))
	if err != nil {
		return nil, callErr(op, dom, err)
	}
	defer unlock()

	for _, b := range bufs {
		unlockb, err := lockBuf(b)
		if err != nil {
			return nil, callErr(op, dom, err)
		}
		defer unlockb()
	}

	x.log.WithFields(logrus.Fields{"domain": dom, "cmd": cmd}).Debug(op)

	call := &privcmdHypercall{
		Op:  hypercallDomctl,
		Arg: [5]uint64{uint64(uintptr(unsafe.Pointer(d)))},
	}

	_, err = x.rawHypercall(call)

	runtime.KeepAlive(d)
	runtime.KeepAlive(bufs)

	if err != nil {
		return nil, callErr(op, dom, err)
	}

	return d, nil
}

// PauseDomain pauses every vcpu of the domain. The hypervisor holds a
// pause refcount per domain, so pauses and unpauses must be balanced
// by the caller.
func (x *Xen) PauseDomain(dom DomID) error {
	_, err := x.domctl("pausedomain", domctlPauseDomain, dom, nil)

	return err
}

// UnpauseDomain undoes one PauseDomain.
func (x *Xen) UnpauseDomain(dom DomID) error {
	_, err := x.domctl("unpausedomain", domctlUnpauseDomain, dom, nil)

	return err
}

// DestroyDomain tears the domain down immediately. Callers wanting a
// graceful exit issue RemoteShutdown first.
func (x *Xen) DestroyDomain(dom DomID) error {
	_, err := x.domctl("destroydomain", domctlDestroyDomain, dom, nil)

	return err
}

// SetDebugging toggles the hypervisor's debugger assistance for the
// domain.
func (x *Xen) SetDebugging(dom DomID, enable bool) error {
	_, err := x.domctl("setdebugging", domctlSetDebugging, dom, func(d *Domctl) {
		p := domctlPayload[struct {
			Enable uint8
			_      [7]uint8
		}](d)
		if enable {
			p.Enable = 1
		}
	})

	return err
}

// GdbsxPauseVCPU pauses a single vcpu of the domain.
func (x *Xen) GdbsxPauseVCPU(dom DomID, vcpu uint32) error {
	_, err := x.domctl("gdbsx_pausevcpu", domctlGdbsxPauseVCPU, dom, func(d *Domctl) {
		domctlPayload[struct{ VCPU uint32 }](d).VCPU = vcpu
	})

	return err
}

// GdbsxUnpauseVCPU undoes one GdbsxPauseVCPU.
func (x *Xen) GdbsxUnpauseVCPU(dom DomID, vcpu uint32) error {
	_, err := x.domctl("gdbsx_unpausevcpu", domctlGdbsxUnpauseVCPU, dom, func(d *Domctl) {
		domctlPayload[struct{ VCPU uint32 }](d).VCPU = vcpu
	})

	return err
}

const (
	debugOpSingleStepOff = 0
	debugOpSingleStepOn  = 1
)

// DebugOpSingleStep toggles single-step trapping for one vcpu. The
// trapped steps are delivered through the monitor ring.
func (x *Xen) DebugOpSingleStep(dom DomID, vcpu uint32, enable bool) error {
	op := uint32(debugOpSingleStepOff)
	if enable {
		op = debugOpSingleStepOn
	}

	_, err := x.domctl("debug_op", domctlDebugOp, dom, func(d *Domctl) {
		p := domctlPayload[struct {
			Op   uint32
			VCPU uint32
		}](d)
		p.Op = op
		p.VCPU = vcpu
	})

	return err
}

// AddressSize returns the guest's address size in bits, 32 or 64.
func (x *Xen) AddressSize(dom DomID) (uint32, error) {
	d, err := x.domctl("get_address_size", domctlGetAddressSize, dom, nil)
	if err != nil {
		return 0, err
	}

	return domctlPayload[struct{ Size uint32 }](d).Size, nil
}

// Flags reported by getdomaininfo.
const (
	domInfDying    = 1 << 0
	domInfHVMGuest = 1 << 1
	domInfShutdown = 1 << 2
	domInfPaused   = 1 << 3
	domInfBlocked  = 1 << 4
	domInfRunning  = 1 << 5
	domInfDebugged = 1 << 6
	domInfXSDomain = 1 << 7
	domInfHAP      = 1 << 8
)

type domctlDomainInfo struct {
	Domain           uint16
	_                uint16
	Flags            uint32
	TotPages         uint64
	MaxPages         uint64
	OutstandingPages uint64
	ShrPages         uint64
	PagedPages       uint64
	SharedInfoFrame  uint64
	CPUTime          uint64
	NrOnlineVCPUs    uint32
	MaxVCPUID        uint32
	SSIDRef          uint32
	Handle           [16]byte
	CPUPool          uint32
	GPAddrBits       uint8
	_                [7]uint8
}

// DomInfo is the live state of one domain.
type DomInfo struct {
	Domain        DomID
	HVM           bool
	HAP           bool
	Paused        bool
	Running       bool
	Blocked       bool
	Dying         bool
	Shutdown      bool
	Debugged      bool
	XenstoreDom   bool
	MaxVCPUID     uint32
	NrOnlineVCPUs uint32
	TotPages      uint64
	MaxPages      uint64
	CPUTime       uint64
	GPAddrBits    uint8
}

func decodeDomInfo(p *domctlDomainInfo) *DomInfo {
	return &DomInfo{
		Domain:        DomID(p.Domain),
		HVM:           p.Flags&domInfHVMGuest != 0,
		HAP:           p.Flags&domInfHAP != 0,
		Paused:        p.Flags&domInfPaused != 0,
		Running:       p.Flags&domInfRunning != 0,
		Blocked:       p.Flags&domInfBlocked != 0,
		Dying:         p.Flags&domInfDying != 0,
		Shutdown:      p.Flags&domInfShutdown != 0,
		Debugged:      p.Flags&domInfDebugged != 0,
		XenstoreDom:   p.Flags&domInfXSDomain != 0,
		MaxVCPUID:     p.MaxVCPUID,
		NrOnlineVCPUs: p.NrOnlineVCPUs,
		TotPages:      p.TotPages,
		MaxPages:      p.MaxPages,
		CPUTime:       p.CPUTime,
		GPAddrBits:    p.GPAddrBits,
	}
}

// DomainInfo queries the live state of one domain. The underlying
// call scans forward from the requested id, so a missing domain is
// reported as ESRCH here rather than returning its neighbor.
func (x *Xen) DomainInfo(dom DomID) (*DomInfo, error) {
	d, err := x.domctl("getdomaininfo", domctlGetDomainInfo, dom, nil)
	if err != nil {
		return nil, err
	}

	p := domctlPayload[domctlDomainInfo](d)
	if DomID(p.Domain) != dom {
		return nil, callErr("getdomaininfo", dom, unix.ESRCH)
	}

	return decodeDomInfo(p), nil
}

// DomainInfoList enumerates all live domains by scanning domain ids
// upward until the hypervisor reports no more.
func (x *Xen) DomainInfoList() ([]DomInfo, error) {
	var out []DomInfo

	next := DomID(0)

	for {
		d, err := x.domctl("getdomaininfo", domctlGetDomainInfo, next, nil)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				return out, nil
			}

			return nil, err
		}

		info := decodeDomInfo(domctlPayload[domctlDomainInfo](d))
		out = append(out, *info)

		next = info.Domain + 1
	}
}

// ShutdownReason is the reason code carried by a shutdown request.
type ShutdownReason uint32

const (
	ShutdownPoweroff ShutdownReason = 0
	ShutdownReboot   ShutdownReason = 1
	ShutdownSuspend  ShutdownReason = 2
	ShutdownCrash    ShutdownReason = 3
	ShutdownWatchdog ShutdownReason = 4
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownPoweroff:
		return "poweroff"
	case ShutdownReboot:
		return "reboot"
	case ShutdownSuspend:
		return "suspend"
	case ShutdownCrash:
		return "crash"
	case ShutdownWatchdog:
		return "watchdog"
	}

	return "unknown"
}

const schedOpRemoteShutdown = 4

// RemoteShutdown asks the domain to shut itself down for the given
// reason. The request is asynchronous: the call returns once the
// hypervisor has accepted it, not when the guest has acted on it.
func (x *Xen) RemoteShutdown(dom DomID, reason ShutdownReason) error {
	arg := &struct {
		Domain uint16
		_      uint16
		Reason uint32
	}{Domain: uint16(dom), Reason: uint32(reason)}

	unlock, err := lockBuf(structBytes(arg))
	if err != nil {
		return callErr("remote_shutdown", dom, err)
	}
	defer unlock()

	x.log.WithFields(logrus.Fields{"domain": dom, "reason": reason.String()}).Debug("remote_shutdown")

	call := &privcmdHypercall{
		Op:  hypercallSchedOp,
		Arg: [5]uint64{schedOpRemoteShutdown, uint64(uintptr(unsafe.Pointer(arg)))},
	}

	_, err = x.rawHypercall(call)

	runtime.KeepAlive(arg)

	if err != nil {
		return callErr("remote_shutdown", dom, err)
	}

	return nil
}

const memoryOpMaximumGPFN = 14

// MaximumGPFN returns the largest guest page frame number the domain
// has ever had mapped.
func (x *Xen) MaximumGPFN(dom DomID) (uint64, error) {
	arg := &struct{ Domain uint16 }{Domain: uint16(dom)}

	unlock, err := lockBuf(structBytes(arg))
	if err != nil {
		return 0, callErr("maximum_gpfn", dom, err)
	}
	defer unlock()

	call := &privcmdHypercall{
		Op:  hypercallMemoryOp,
		Arg: [5]uint64{memoryOpMaximumGPFN, uint64(uintptr(unsafe.Pointer(arg)))},
	}

	res, err := x.rawHypercall(call)

	runtime.KeepAlive(arg)

	if err != nil {
		return 0, callErr("maximum_gpfn", dom, err)
	}

	return uint64(res), nil
}
