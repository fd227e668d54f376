package domain

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/virtdbg/virtdbg/logflags"
	"github.com/virtdbg/virtdbg/xen"
)

// Channel is the slice of the event-channel device the monitor
// drives. *xen.EventChannel implements it.
type Channel interface {
	Fd() int
	BindInterdomain(dom xen.DomID, remotePort uint32) (uint32, error)
	Unbind(port uint32) error
	Notify(port uint32) error
	Pending() (uint32, error)
	Unmask(port uint32) error
	Close() error
}

// Poller registers descriptors with an event loop. The loop invokes
// the callback whenever the descriptor polls readable.
type Poller interface {
	AddReader(fd int, fn func()) error
	RemoveReader(fd int) error
}

var _ Channel = (*xen.EventChannel)(nil)

// ErrMonitorClosed is returned when a closed monitor is started.
var ErrMonitorClosed = errors.New("monitor already closed")

type monitorState int

const (
	monitorIdle monitorState = iota
	monitorActive
	monitorClosed
)

// Monitor owns one domain's vm_event ring: the ring page mapping, the
// bound event-channel port, and the drain loop that answers requests.
// Breakpoint events are reinjected into the guest so execution
// semantics survive even when no callback is registered.
type Monitor struct {
	dom  *Domain
	inj  Injector
	ec   Channel
	page Mapping
	ring *xen.EventRing
	port uint32

	state  monitorState
	poller Poller

	onBreakpoint func(*xen.Request)

	log *logrus.Entry
}

// NewMonitor enables monitoring on the domain, binds its event
// channel and takes over the shared ring. Every setup step that fails
// unwinds the steps before it.
func NewMonitor(d *Domain, ec Channel, inj Injector) (*Monitor, error) {
	remote, page, err := d.EnableMonitor()
	if err != nil {
		return nil, err
	}

	port, err := ec.BindInterdomain(d.id, remote)
	if err != nil {
		if cerr := page.Close(); cerr != nil {
			logflags.MonitorLogger().WithError(cerr).Warn("ring page unmap failed")
		}

		if derr := d.DisableMonitor(); derr != nil {
			logflags.MonitorLogger().WithError(derr).Warn("monitor disable failed")
		}

		return nil, fmt.Errorf("domain %d: binding monitor port: %w", d.id, err)
	}

	ring, err := xen.NewEventRing(page.Bytes())
	if err != nil {
		if uerr := ec.Unbind(port); uerr != nil {
			logflags.MonitorLogger().WithError(uerr).Warn("monitor port unbind failed")
		}

		if cerr := page.Close(); cerr != nil {
			logflags.MonitorLogger().WithError(cerr).Warn("ring page unmap failed")
		}

		if derr := d.DisableMonitor(); derr != nil {
			logflags.MonitorLogger().WithError(derr).Warn("monitor disable failed")
		}

		return nil, fmt.Errorf("domain %d: %w", d.id, err)
	}

	return &Monitor{
		dom:  d,
		inj:  inj,
		ec:   ec,
		page: page,
		ring: ring,
		port: port,
		log:  logflags.MonitorLogger().WithField("domain", d.id),
	}, nil
}

// Port returns the local event-channel port the ring is bound to.
func (m *Monitor) Port() uint32 { return m.port }

// OnSoftwareBreakpoint opts breakpoint events into the ring and
// registers the callback that receives them. The event is reinjected
// into the guest before the callback runs, so the int3 still executes
// from the guest's point of view.
func (m *Monitor) OnSoftwareBreakpoint(fn func(*xen.Request)) error {
	if err := m.dom.MonitorSoftwareBreakpoint(true); err != nil {
		return err
	}

	m.onBreakpoint = fn

	return nil
}

// Start registers the monitor with the event loop. Starting an
// already running monitor is a no-op; a closed one cannot restart.
func (m *Monitor) Start(p Poller) error {
	switch m.state {
	case monitorActive:
		return nil
	case monitorClosed:
		return ErrMonitorClosed
	}

	if err := p.AddReader(m.ec.Fd(), m.onReadable); err != nil {
		return err
	}

	m.poller = p
	m.state = monitorActive

	return nil
}

// Stop deregisters the monitor from the event loop. The ring stays
// live, so Start picks events back up without losing any.
func (m *Monitor) Stop() error {
	if m.state != monitorActive {
		return nil
	}

	err := m.poller.RemoveReader(m.ec.Fd())
	m.poller = nil
	m.state = monitorIdle

	return err
}

// Close stops the monitor and tears the ring down: port unbound, page
// unmapped, monitoring disabled. Safe to call more than once.
func (m *Monitor) Close() error {
	if m.state == monitorClosed {
		return nil
	}

	if err := m.Stop(); err != nil {
		m.log.WithError(err).Warn("monitor stop during close failed")
	}

	m.state = monitorClosed

	var errs []error

	if err := m.ec.Unbind(m.port); err != nil {
		errs = append(errs, err)
	}

	if err := m.page.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := m.dom.DisableMonitor(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// onReadable services one readiness notification: consume the pending
// port, drain the ring, and re-enable delivery.
func (m *Monitor) onReadable() {
	port, err := m.ec.Pending()
	if err != nil {
		m.log.WithError(err).Warn("pending port read failed")

		return
	}

	m.drain()

	if err := m.ec.Unmask(port); err != nil {
		m.log.WithError(err).Warn("port unmask failed")
	}
}

// drain answers every unconsumed request on the ring. Responses are
// pushed as they are queued; the remote end is notified once at the
// end if any push crossed its event threshold.
func (m *Monitor) drain() {
	notify := false

	for m.ring.Unconsumed() > 0 {
		req := m.ring.ConsumeRequest()

		if req.Version != xen.EventInterfaceVersion {
			// Consume but never answer what we cannot parse.
			m.log.WithError(ErrVersionMismatch).
				Warnf("request version %#x, built against %#x", req.Version, xen.EventInterfaceVersion)

			continue
		}

		rsp := xen.Response{
			Version: xen.EventInterfaceVersion,
			VCPU:    req.VCPU,
			Flags:   req.Flags & xen.EventFlagVCPUPaused,
			Reason:  req.Reason,
		}

		m.handle(&req)

		m.ring.QueueResponse(&rsp)

		if m.ring.PushResponses() {
			notify = true
		}
	}

	if notify {
		if err := m.ec.Notify(m.port); err != nil {
			m.log.WithError(err).Warn("response notify failed")
		}
	}
}

// handle applies the per-reason disposition. Only breakpoints carry a
// side effect; everything else resumes the vcpu untouched.
func (m *Monitor) handle(req *xen.Request) {
	if logflags.Monitor() {
		m.log.Debugf("event %v vcpu %d", req.Reason, req.VCPU)
	}

	switch req.Reason {
	case xen.ReasonSoftwareBreakpoint:
		bp := req.SoftwareBreakpoint()

		err := m.inj.InjectEvent(m.dom.ID(), req.VCPU,
			xen.TrapInt3, uint8(bp.Type), uint8(bp.InsnLength), xen.ErrorCodeNone, 0)
		if err != nil {
			m.log.WithError(err).Warn("breakpoint reinjection failed")
		}

		if m.onBreakpoint != nil {
			m.onBreakpoint(req)
		}

	default:
	}
}
