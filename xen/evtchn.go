package xen

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"
)

const evtchnPath = "/dev/xen/evtchn"

// evtchn ioctl request numbers, type 'E'.
const (
	evtchnType = 'E'

	evtchnBindVirqNr        = 0
	evtchnBindInterdomainNr = 1
	evtchnBindUnboundNr     = 2
	evtchnUnbindNr          = 3
	evtchnNotifyNr          = 4
	evtchnResetNr           = 5
)

// EventChannel is one open handle on the event-channel device. Ports
// bound through a handle are signaled by making its descriptor
// readable; reading it consumes one pending port number.
type EventChannel struct {
	f *os.File
}

// OpenEventChannel opens a fresh event-channel handle. Each monitor
// holds its own so its readiness is not mixed with other consumers.
func OpenEventChannel() (*EventChannel, error) {
	f, err := os.OpenFile(evtchnPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", evtchnPath, err)
	}

	return &EventChannel{f: f}, nil
}

// Fd returns the pollable descriptor.
func (e *EventChannel) Fd() int { return int(e.f.Fd()) }

// Close releases the handle and every port bound through it.
func (e *EventChannel) Close() error { return e.f.Close() }

// BindInterdomain binds a local port to a port the named domain (or
// the hypervisor on its behalf) has offered, and returns the local
// port.
func (e *EventChannel) BindInterdomain(dom DomID, remotePort uint32) (uint32, error) {
	arg := struct {
		RemoteDomain uint32
		RemotePort   uint32
	}{uint32(dom), remotePort}

	port, err := Ioctl(e.f.Fd(),
		IIOC(evtchnType, evtchnBindInterdomainNr, unsafe.Sizeof(arg)),
		uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return 0, callErr("evtchn_bind_interdomain", dom, err)
	}

	return uint32(port), nil
}

// Unbind releases one bound port.
func (e *EventChannel) Unbind(port uint32) error {
	arg := struct{ Port uint32 }{port}

	_, err := Ioctl(e.f.Fd(),
		IIOC(evtchnType, evtchnUnbindNr, unsafe.Sizeof(arg)),
		uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return fmt.Errorf("evtchn_unbind port %d: %w", port, err)
	}

	return nil
}

// Notify signals the remote end of a bound port.
func (e *EventChannel) Notify(port uint32) error {
	arg := struct{ Port uint32 }{port}

	_, err := Ioctl(e.f.Fd(),
		IIOC(evtchnType, evtchnNotifyNr, unsafe.Sizeof(arg)),
		uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return fmt.Errorf("evtchn_notify port %d: %w", port, err)
	}

	return nil
}

// Pending consumes and returns one pending port. Call it only after
// the descriptor polls readable, or it blocks.
func (e *EventChannel) Pending() (uint32, error) {
	var buf [4]byte

	if _, err := e.f.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("evtchn read: %w", err)
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Unmask re-enables delivery on a port consumed by Pending.
func (e *EventChannel) Unmask(port uint32) error {
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], port)

	if _, err := e.f.Write(buf[:]); err != nil {
		return fmt.Errorf("evtchn unmask port %d: %w", port, err)
	}

	return nil
}
