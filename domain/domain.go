// Package domain is the guest-side debugging surface: a handle over
// one domain with per-vcpu pause bookkeeping, register access in both
// guest widths, software page-table walks, foreign memory I/O, and
// the vm_event monitor.
package domain

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/virtdbg/virtdbg/logflags"
	"github.com/virtdbg/virtdbg/xen"
)

// Control is the slice of the hypervisor control channel the handle
// drives. *xen.Xen implements it; tests substitute a fake that counts
// calls.
type Control interface {
	DomainInfo(dom xen.DomID) (*xen.DomInfo, error)
	AddressSize(dom xen.DomID) (uint32, error)

	PauseDomain(dom xen.DomID) error
	UnpauseDomain(dom xen.DomID) error
	RemoteShutdown(dom xen.DomID, reason xen.ShutdownReason) error
	DestroyDomain(dom xen.DomID) error

	GdbsxPauseVCPU(dom xen.DomID, vcpu uint32) error
	GdbsxUnpauseVCPU(dom xen.DomID, vcpu uint32) error
	SetDebugging(dom xen.DomID, enable bool) error
	DebugOpSingleStep(dom xen.DomID, vcpu uint32, enable bool) error

	HVMGetContextPartial(dom xen.DomID, vcpu uint32) (*xen.HVMHwCPU, error)
	HVMSetCPUContext(dom xen.DomID, vcpu uint32, ctx *xen.HVMHwCPU) error
	GetVCPUContext64(dom xen.DomID, vcpu uint32) (*xen.VCPUGuestContext64, error)
	SetVCPUContext64(dom xen.DomID, vcpu uint32, ctx *xen.VCPUGuestContext64) error
	GetVCPUContext32(dom xen.DomID, vcpu uint32) (*xen.VCPUGuestContext32, error)
	SetVCPUContext32(dom xen.DomID, vcpu uint32, ctx *xen.VCPUGuestContext32) error

	MonitorEnable(dom xen.DomID) (uint32, uint64, error)
	MonitorDisable(dom xen.DomID) error
	MonitorSoftwareBreakpoint(dom xen.DomID, enable bool) error
	MonitorSinglestep(dom xen.DomID, enable bool) error
	MonitorDebugException(dom xen.DomID, enable, sync bool) error
	MonitorCPUID(dom xen.DomID, enable bool) error
	MonitorDescriptorAccess(dom xen.DomID, enable bool) error
	MonitorPrivilegedCall(dom xen.DomID, enable bool) error

	MaximumGPFN(dom xen.DomID) (uint64, error)
	SetMemAccess(dom xen.DomID, access xen.MemAccess, first uint64, nr uint32) error
	GetMemAccess(dom xen.DomID, pfn uint64) (xen.MemAccess, error)
}

// Mapping is one mapped run of guest frames.
type Mapping interface {
	Bytes() []byte
	Close() error
}

// Mapper maps guest frames into the debugger.
type Mapper interface {
	MapForeignPage(dom xen.DomID, prot int, frame uint64) (Mapping, error)
	MapForeignPages(dom xen.DomID, prot int, frames []uint64) (Mapping, error)
}

// XenMapper adapts the hypervisor's concrete mapper to Mapper.
type XenMapper struct {
	X *xen.Xen
}

func (m XenMapper) MapForeignPage(dom xen.DomID, prot int, frame uint64) (Mapping, error) {
	page, err := m.X.MapForeignPage(dom, prot, frame)
	if err != nil {
		return nil, err
	}

	return page, nil
}

func (m XenMapper) MapForeignPages(dom xen.DomID, prot int, frames []uint64) (Mapping, error) {
	pages, err := m.X.MapForeignPages(dom, prot, frames)
	if err != nil {
		return nil, err
	}

	return pages, nil
}

// Injector queues trap events for a vcpu. *xen.Xen implements it.
type Injector interface {
	InjectEvent(dom xen.DomID, vcpu uint32, vector, typ, insnLen uint8, errorCode uint32, cr2 uint64) error
}

var (
	_ Control  = (*xen.Xen)(nil)
	_ Mapper   = XenMapper{}
	_ Injector = (*xen.Xen)(nil)
	_ Mapping  = (*xen.Mapping)(nil)
)

var (
	// ErrRegisterWidth is returned when a register set of one width is
	// written to a guest of the other.
	ErrRegisterWidth = errors.New("register set does not match guest word size")

	// ErrUnmapped is returned by memory I/O when the virtual address
	// has no mapping in the guest's page tables.
	ErrUnmapped = errors.New("virtual address not mapped")

	// ErrVersionMismatch marks ring requests whose interface version
	// is not ours. They are dropped, never fatal.
	ErrVersionMismatch = errors.New("event interface version mismatch")
)

// defaultCacheSize bounds the translation cache when the caller does
// not size it.
const defaultCacheSize = 1024

// Domain is the handle for one guest. It owns the per-vcpu pause
// table and the translation cache; the control channel is shared with
// other handles in the session. Like the rest of a session it expects
// single-loop use, not concurrent calls.
type Domain struct {
	id  xen.DomID
	ctl Control
	mem Mapper

	hvm      bool
	wordSize int

	// paused tracks which vcpus this handle paused. The hypervisor
	// refcounts pauses internally, so the handle must never issue a
	// pause or unpause that does not flip a bit here.
	paused []bool

	xlat *lru.Cache
	log  *logrus.Entry
}

// Attach builds a handle for a running domain. The register variant
// is fixed here from the guest word size; the pause table is sized
// from the current vcpu count and grows if the guest adds vcpus.
func Attach(id xen.DomID, ctl Control, mem Mapper, cacheSize int) (*Domain, error) {
	info, err := ctl.DomainInfo(id)
	if err != nil {
		return nil, err
	}

	bits, err := ctl.AddressSize(id)
	if err != nil {
		return nil, err
	}

	if bits != 32 && bits != 64 {
		return nil, fmt.Errorf("domain %d: %d bits: %w", id, bits, xen.ErrUnknownWordSize)
	}

	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	xlat, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("translation cache: %w", err)
	}

	return &Domain{
		id:       id,
		ctl:      ctl,
		mem:      mem,
		hvm:      info.HVM,
		wordSize: int(bits / 8),
		paused:   make([]bool, info.MaxVCPUID+1),
		xlat:     xlat,
		log:      logflags.SessionLogger().WithField("domain", id),
	}, nil
}

// ID returns the domain id.
func (d *Domain) ID() xen.DomID { return d.id }

// HVM reports whether the guest is hardware virtualized.
func (d *Domain) HVM() bool { return d.hvm }

// Info queries live domain state. Nothing is cached; callers needing
// consistency across calls serialize externally.
func (d *Domain) Info() (*xen.DomInfo, error) {
	return d.ctl.DomainInfo(d.id)
}

// WordSize queries the guest word size in bytes, 4 or 8.
func (d *Domain) WordSize() (int, error) {
	bits, err := d.ctl.AddressSize(d.id)
	if err != nil {
		return 0, err
	}

	if bits != 32 && bits != 64 {
		return 0, fmt.Errorf("domain %d: %d bits: %w", d.id, bits, xen.ErrUnknownWordSize)
	}

	return int(bits / 8), nil
}

// checkVCPU validates a vcpu id against the domain's live maximum,
// growing the pause table if the guest gained vcpus. It runs before
// any per-vcpu control call.
func (d *Domain) checkVCPU(vcpu uint32) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	if vcpu > info.MaxVCPUID {
		return fmt.Errorf("vcpu %d of domain %d: %w", vcpu, d.id, xen.ErrVCPUOutOfRange)
	}

	for uint32(len(d.paused)) <= info.MaxVCPUID {
		d.paused = append(d.paused, false)
	}

	return nil
}

// SetDebugging toggles hypervisor debug assistance. The vcpu id is
// validated but the toggle itself is domain wide.
func (d *Domain) SetDebugging(enable bool, vcpu uint32) error {
	if err := d.checkVCPU(vcpu); err != nil {
		return err
	}

	return d.ctl.SetDebugging(d.id, enable)
}

// SetSingleStep toggles single-step trapping for one vcpu. Trapped
// steps arrive through the monitor ring.
func (d *Domain) SetSingleStep(enable bool, vcpu uint32) error {
	if err := d.checkVCPU(vcpu); err != nil {
		return err
	}

	return d.ctl.DebugOpSingleStep(d.id, vcpu, enable)
}

// pauseVCPU pauses one vcpu unless this handle already holds it
// paused. The guard keeps the hypervisor's pause refcount in step
// with the table: a second pause would need a second unpause nothing
// would ever issue.
func (d *Domain) pauseVCPU(vcpu uint32) error {
	if d.paused[vcpu] {
		return nil
	}

	if err := d.ctl.GdbsxPauseVCPU(d.id, vcpu); err != nil {
		return err
	}

	d.paused[vcpu] = true

	return nil
}

func (d *Domain) unpauseVCPU(vcpu uint32) error {
	if !d.paused[vcpu] {
		return nil
	}

	if err := d.ctl.GdbsxUnpauseVCPU(d.id, vcpu); err != nil {
		return err
	}

	d.paused[vcpu] = false
	d.xlat.Purge()

	return nil
}

// PauseVCPU pauses one vcpu. Pausing an already-paused vcpu is a
// silent no-op.
func (d *Domain) PauseVCPU(vcpu uint32) error {
	if err := d.checkVCPU(vcpu); err != nil {
		return err
	}

	return d.pauseVCPU(vcpu)
}

// UnpauseVCPU resumes one vcpu. Unpausing an already-running vcpu is
// a silent no-op. Resuming execution invalidates cached translations.
func (d *Domain) UnpauseVCPU(vcpu uint32) error {
	if err := d.checkVCPU(vcpu); err != nil {
		return err
	}

	return d.unpauseVCPU(vcpu)
}

func (d *Domain) eachVCPU(fn func(vcpu uint32) error, except ...uint32) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	for uint32(len(d.paused)) <= info.MaxVCPUID {
		d.paused = append(d.paused, false)
	}

	for v := uint32(0); v <= info.MaxVCPUID; v++ {
		skip := false
		for _, e := range except {
			if v == e {
				skip = true
			}
		}
		if skip {
			continue
		}

		if err := fn(v); err != nil {
			return err
		}
	}

	return nil
}

// PauseAllVCPUs pauses every vcpu, skipping those this handle already
// paused.
func (d *Domain) PauseAllVCPUs() error {
	return d.eachVCPU(d.pauseVCPU)
}

// UnpauseAllVCPUs resumes every vcpu this handle paused.
func (d *Domain) UnpauseAllVCPUs() error {
	return d.eachVCPU(d.unpauseVCPU)
}

// PauseVCPUsExcept pauses every vcpu but one, typically the one whose
// event is being serviced.
func (d *Domain) PauseVCPUsExcept(vcpu uint32) error {
	return d.eachVCPU(d.pauseVCPU, vcpu)
}

// UnpauseVCPUsExcept resumes every vcpu but one.
func (d *Domain) UnpauseVCPUsExcept(vcpu uint32) error {
	return d.eachVCPU(d.unpauseVCPU, vcpu)
}

// Pause pauses the whole domain. A no-op when live state says the
// domain is already paused, so the hypervisor's domain-level pause
// refcount stays balanced.
func (d *Domain) Pause() error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	if info.Paused {
		return nil
	}

	return d.ctl.PauseDomain(d.id)
}

// Unpause resumes the whole domain if live state says it is paused.
func (d *Domain) Unpause() error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	if !info.Paused {
		return nil
	}

	if err := d.ctl.UnpauseDomain(d.id); err != nil {
		return err
	}

	d.xlat.Purge()

	return nil
}

// Shutdown asks the guest to shut itself down for the given reason.
func (d *Domain) Shutdown(reason xen.ShutdownReason) error {
	return d.ctl.RemoteShutdown(d.id, reason)
}

// Destroy tears the domain down. A shutdown request goes out first so
// the hypervisor frees the guest's resources; the destroy call is
// issued even if that request fails, since a dying guest may already
// be unable to acknowledge it.
func (d *Domain) Destroy() error {
	if err := d.Shutdown(xen.ShutdownPoweroff); err != nil {
		d.log.WithError(err).Warn("shutdown request before destroy failed")
	}

	return d.ctl.DestroyDomain(d.id)
}

// EnableMonitor switches the monitor ring on and maps its page,
// returning the remote event-channel port and the mapping. The caller
// owns both; Monitor packages the whole lifecycle.
func (d *Domain) EnableMonitor() (uint32, Mapping, error) {
	port, gfn, err := d.ctl.MonitorEnable(d.id)
	if err != nil {
		return 0, nil, err
	}

	page, err := d.mem.MapForeignPage(d.id, xen.ProtRead|xen.ProtWrite, gfn)
	if err != nil {
		if derr := d.ctl.MonitorDisable(d.id); derr != nil {
			d.log.WithError(derr).Warn("monitor disable after failed ring mapping")
		}

		return 0, nil, err
	}

	return port, page, nil
}

// DisableMonitor tears the monitor ring down.
func (d *Domain) DisableMonitor() error {
	return d.ctl.MonitorDisable(d.id)
}

// MonitorSoftwareBreakpoint opts software-breakpoint events in or out
// of the ring.
func (d *Domain) MonitorSoftwareBreakpoint(enable bool) error {
	return d.ctl.MonitorSoftwareBreakpoint(d.id, enable)
}

// MonitorSinglestep opts single-step events in or out of the ring.
func (d *Domain) MonitorSinglestep(enable bool) error {
	return d.ctl.MonitorSinglestep(d.id, enable)
}

// MonitorDebugExceptions opts debug exceptions in or out of the ring.
// sync pauses the vcpu until the event's response arrives.
func (d *Domain) MonitorDebugExceptions(enable, sync bool) error {
	return d.ctl.MonitorDebugException(d.id, enable, sync)
}

// MonitorCPUID opts cpuid intercepts in or out of the ring.
func (d *Domain) MonitorCPUID(enable bool) error {
	return d.ctl.MonitorCPUID(d.id, enable)
}

// MonitorDescriptorAccess opts descriptor-table accesses in or out of
// the ring.
func (d *Domain) MonitorDescriptorAccess(enable bool) error {
	return d.ctl.MonitorDescriptorAccess(d.id, enable)
}

// MonitorPrivilegedCall opts privileged calls in or out of the ring.
func (d *Domain) MonitorPrivilegedCall(enable bool) error {
	return d.ctl.MonitorPrivilegedCall(d.id, enable)
}

// MaxGPFN returns the largest guest frame number ever mapped.
func (d *Domain) MaxGPFN() (uint64, error) {
	return d.ctl.MaximumGPFN(d.id)
}

// SetMemAccess sets the permitted access of nr frames starting at
// first. Violations arrive as memory-access events on the ring.
func (d *Domain) SetMemAccess(access xen.MemAccess, first uint64, nr uint32) error {
	return d.ctl.SetMemAccess(d.id, access, first, nr)
}

// GetMemAccess reads the permitted access of one frame.
func (d *Domain) GetMemAccess(pfn uint64) (xen.MemAccess, error) {
	return d.ctl.GetMemAccess(d.id, pfn)
}
