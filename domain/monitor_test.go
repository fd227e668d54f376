package domain

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/virtdbg/virtdbg/xen"
)

type fakeChannel struct {
	fd        int
	localPort uint32

	bindErr error

	binds    []uint32
	unbinds  []uint32
	notifies []uint32
	unmasks  []uint32
	pending  uint32
	closed   bool
}

func (c *fakeChannel) Fd() int { return c.fd }

func (c *fakeChannel) BindInterdomain(dom xen.DomID, remote uint32) (uint32, error) {
	if c.bindErr != nil {
		return 0, c.bindErr
	}

	c.binds = append(c.binds, remote)

	return c.localPort, nil
}

func (c *fakeChannel) Unbind(port uint32) error {
	c.unbinds = append(c.unbinds, port)

	return nil
}

func (c *fakeChannel) Notify(port uint32) error {
	c.notifies = append(c.notifies, port)

	return nil
}

func (c *fakeChannel) Pending() (uint32, error) { return c.pending, nil }

func (c *fakeChannel) Unmask(port uint32) error {
	c.unmasks = append(c.unmasks, port)

	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true

	return nil
}

type fakePoller struct {
	readers map[int]func()
	adds    int
	removes int
}

func newFakePoller() *fakePoller {
	return &fakePoller{readers: map[int]func(){}}
}

func (p *fakePoller) AddReader(fd int, fn func()) error {
	p.adds++
	p.readers[fd] = fn

	return nil
}

func (p *fakePoller) RemoveReader(fd int) error {
	p.removes++
	delete(p.readers, fd)

	return nil
}

// testMonitor builds a monitor over fakes and hands back the pieces a
// test needs: the monitor, the live ring page, and the fakes.
func testMonitor(t *testing.T) (*Monitor, []byte, *fakeControl, *fakeMapper, *fakeChannel, *fakeInjector) {
	t.Helper()

	ctl := newFakeControl(true, 64, 3)
	mem := newFakeMapper()
	mem.page(ctl.monitorGFN)

	d := testDomain(t, ctl, mem)

	ch := &fakeChannel{fd: 9, localPort: 11, pending: 11}
	inj := &fakeInjector{}

	m, err := NewMonitor(d, ch, inj)
	if err != nil {
		t.Fatalf("NewMonitor() = %v", err)
	}

	return m, mem.last.data, ctl, mem, ch, inj
}

const slotSize = unsafe.Sizeof(xen.Request{})

// produce appends requests on the hypervisor side of the ring.
func produce(page []byte, reqs ...*xen.Request) {
	hdr := (*[4]uint32)(unsafe.Pointer(&page[0]))
	prod := hdr[0]

	for _, req := range reqs {
		off := xen.RingHeaderSize + uintptr(prod&7)*slotSize
		*(*xen.Request)(unsafe.Pointer(&page[off])) = *req
		prod++
	}

	hdr[0] = prod
}

func responseAt(page []byte, i uint32) *xen.Response {
	off := xen.RingHeaderSize + uintptr(i&7)*slotSize

	return (*xen.Response)(unsafe.Pointer(&page[off]))
}

func rspProd(page []byte) uint32 {
	return (*[4]uint32)(unsafe.Pointer(&page[0]))[2]
}

func singlestepRequest(vcpu uint32) *xen.Request {
	return &xen.Request{
		Version: xen.EventInterfaceVersion,
		Flags:   xen.EventFlagVCPUPaused | xen.EventFlagToggleSinglestep,
		Reason:  xen.ReasonSinglestep,
		VCPU:    vcpu,
	}
}

func breakpointRequest(vcpu uint32) *xen.Request {
	req := &xen.Request{
		Version: xen.EventInterfaceVersion,
		Flags:   xen.EventFlagVCPUPaused,
		Reason:  xen.ReasonSoftwareBreakpoint,
		VCPU:    vcpu,
	}

	*req.SoftwareBreakpoint() = xen.DebugEvent{GFN: 5, InsnLength: 1, Type: 3}

	return req
}

func TestMonitorBindsRemotePort(t *testing.T) {
	t.Parallel()

	m, _, ctl, _, ch, _ := testMonitor(t)

	if ctl.monitorEnabled != 1 {
		t.Fatalf("monitor enabled %d times, expected 1", ctl.monitorEnabled)
	}

	if len(ch.binds) != 1 || ch.binds[0] != ctl.monitorPort {
		t.Fatalf("bound ports %v, expected [%d]", ch.binds, ctl.monitorPort)
	}

	if m.Port() != 11 {
		t.Fatalf("Port() = %d, expected 11", m.Port())
	}
}

func TestMonitorDrainAnswersInOrder(t *testing.T) {
	t.Parallel()

	m, page, _, _, ch, inj := testMonitor(t)

	produce(page, singlestepRequest(0), singlestepRequest(1), singlestepRequest(2))

	m.drain()

	if actual := rspProd(page); actual != 3 {
		t.Fatalf("rsp_prod = %d, expected 3", actual)
	}

	if actual := m.ring.ReqCons(); actual != 3 {
		t.Fatalf("req_cons = %d, expected 3", actual)
	}

	for i := uint32(0); i < 3; i++ {
		rsp := responseAt(page, i)

		if rsp.VCPU != i || rsp.Reason != xen.ReasonSinglestep {
			t.Fatalf("response %d: vcpu %d reason %v", i, rsp.VCPU, rsp.Reason)
		}

		if rsp.Version != xen.EventInterfaceVersion {
			t.Fatalf("response %d: version %#x", i, rsp.Version)
		}

		// Only the paused flag echoes back.
		if rsp.Flags != xen.EventFlagVCPUPaused {
			t.Fatalf("response %d: flags %#x, expected %#x", i, rsp.Flags, xen.EventFlagVCPUPaused)
		}
	}

	if len(inj.calls) != 0 {
		t.Fatalf("default disposition injected %d events, expected 0", len(inj.calls))
	}

	if len(ch.notifies) != 1 || ch.notifies[0] != 11 {
		t.Fatalf("notifies = %v, expected one on port 11", ch.notifies)
	}
}

func TestMonitorBreakpointInjectsThenCallsBack(t *testing.T) {
	t.Parallel()

	m, page, ctl, _, _, inj := testMonitor(t)

	var order []string

	inj.log = &order

	var gotVCPU uint32

	err := m.OnSoftwareBreakpoint(func(req *xen.Request) {
		order = append(order, "callback")
		gotVCPU = req.VCPU
	})
	if err != nil {
		t.Fatalf("OnSoftwareBreakpoint() = %v", err)
	}

	if !ctl.toggles["software_breakpoint"] {
		t.Fatalf("breakpoint monitoring not enabled")
	}

	produce(page, breakpointRequest(2))

	m.drain()

	if len(order) != 2 || order[0] != "inject" || order[1] != "callback" {
		t.Fatalf("order = %v, expected [inject callback]", order)
	}

	if gotVCPU != 2 {
		t.Fatalf("callback vcpu = %d, expected 2", gotVCPU)
	}

	expected := injection{vcpu: 2, vector: xen.TrapInt3, typ: 3, insnLen: 1, errorCode: xen.ErrorCodeNone}
	if inj.calls[0] != expected {
		t.Fatalf("injection = %+v, expected %+v", inj.calls[0], expected)
	}
}

func TestMonitorSkipsVersionMismatch(t *testing.T) {
	t.Parallel()

	m, page, _, _, _, inj := testMonitor(t)

	if err := m.OnSoftwareBreakpoint(func(*xen.Request) {}); err != nil {
		t.Fatalf("OnSoftwareBreakpoint() = %v", err)
	}

	bad := breakpointRequest(0)
	bad.Version = 0xdead

	produce(page, bad, singlestepRequest(1))

	m.drain()

	if actual := m.ring.ReqCons(); actual != 2 {
		t.Fatalf("req_cons = %d, expected 2", actual)
	}

	if actual := rspProd(page); actual != 1 {
		t.Fatalf("rsp_prod = %d, expected only the parsable request answered", actual)
	}

	if rsp := responseAt(page, 0); rsp.VCPU != 1 {
		t.Fatalf("response vcpu = %d, expected 1", rsp.VCPU)
	}

	if len(inj.calls) != 0 {
		t.Fatalf("mismatched request still injected %d events", len(inj.calls))
	}
}

func TestMonitorLifecycle(t *testing.T) {
	t.Parallel()

	m, _, ctl, mem, ch, _ := testMonitor(t)

	p := newFakePoller()

	if err := m.Start(p); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	if err := m.Start(p); err != nil {
		t.Fatalf("second Start() = %v", err)
	}

	if p.adds != 1 {
		t.Fatalf("poller adds = %d, expected 1", p.adds)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	if p.removes != 1 {
		t.Fatalf("poller removes = %d, expected 1", p.removes)
	}

	if err := m.Start(p); err != nil {
		t.Fatalf("restart = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if len(ch.unbinds) != 1 || ch.unbinds[0] != 11 {
		t.Fatalf("unbinds = %v, expected [11]", ch.unbinds)
	}

	if !mem.last.closed {
		t.Fatalf("ring page still mapped after close")
	}

	if ctl.monitorDisabled != 1 {
		t.Fatalf("monitor disabled %d times, expected 1", ctl.monitorDisabled)
	}

	if err := m.Start(p); !errors.Is(err, ErrMonitorClosed) {
		t.Fatalf("Start() after close = %v, expected ErrMonitorClosed", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}

	if len(ch.unbinds) != 1 || ctl.monitorDisabled != 1 {
		t.Fatalf("second close repeated teardown")
	}
}

func TestMonitorOnReadable(t *testing.T) {
	t.Parallel()

	m, page, _, _, ch, _ := testMonitor(t)

	produce(page, singlestepRequest(0))

	m.onReadable()

	if actual := rspProd(page); actual != 1 {
		t.Fatalf("rsp_prod = %d, expected 1", actual)
	}

	if len(ch.unmasks) != 1 || ch.unmasks[0] != 11 {
		t.Fatalf("unmasks = %v, expected [11]", ch.unmasks)
	}
}

func TestNewMonitorUnwindsOnBindFailure(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl(true, 64, 0)
	mem := newFakeMapper()
	mem.page(ctl.monitorGFN)

	d := testDomain(t, ctl, mem)

	ch := &fakeChannel{fd: 9, bindErr: errors.New("no free ports")}

	if _, err := NewMonitor(d, ch, &fakeInjector{}); err == nil {
		t.Fatalf("NewMonitor() succeeded with a failing bind")
	}

	if ctl.monitorDisabled != 1 {
		t.Fatalf("monitor disabled %d times, expected 1", ctl.monitorDisabled)
	}

	if !mem.last.closed {
		t.Fatalf("ring page still mapped after failed bind")
	}
}
