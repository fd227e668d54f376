// Package xen talks to the hypervisor through the xen device nodes:
// control calls and foreign-memory mappings via privcmd, event
// notifications via the evtchn device. It exposes one function per
// control operation, raw ABI structs for guest CPU state, and the
// shared-page event ring the hypervisor delivers monitor events on.
package xen

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/virtdbg/virtdbg/logflags"
)

// DomID identifies a guest domain.
type DomID uint16

const privcmdPath = "/dev/xen/privcmd"

// Hypercall numbers from the public ABI.
const (
	hypercallMemoryOp   = 12
	hypercallXenVersion = 17
	hypercallSchedOp    = 29
	hypercallHVMOp      = 34
	hypercallDomctl     = 36
)

// privcmd ioctl request numbers, type 'P'.
const (
	privcmdType = 'P'

	privcmdCallNr        = 0
	privcmdMmapBatchV2Nr = 4
	privcmdDMOpNr        = 5
)

// Xen is the hypervisor control channel. One channel is shared by
// every domain handle in a session and is reference counted; the last
// Release closes it. The channel itself holds no per-domain state and
// is safe to share from a single event loop.
type Xen struct {
	privcmd *os.File
	refs    int32
	log     *logrus.Entry
}

// Open opens the hypervisor control channel with one reference held.
func Open() (*Xen, error) {
	f, err := os.OpenFile(privcmdPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", privcmdPath, err)
	}

	return &Xen{privcmd: f, refs: 1, log: logflags.XenCallLogger()}, nil
}

// Acquire adds a reference to the channel and returns it.
func (x *Xen) Acquire() *Xen {
	atomic.AddInt32(&x.refs, 1)

	return x
}

// Release drops one reference. The last release closes the channel;
// any later control call fails with a closed-file error.
func (x *Xen) Release() error {
	if atomic.AddInt32(&x.refs, -1) > 0 {
		return nil
	}

	return x.privcmd.Close()
}

// privcmdHypercall is the privcmd ioctl argument: the hypercall
// number and up to five arguments. Arguments that are pointers must
// reference memory locked into RAM for the duration of the call,
// since the hypervisor accesses it directly.
type privcmdHypercall struct {
	Op  uint64
	Arg [5]uint64
}

func (x *Xen) rawHypercall(call *privcmdHypercall) (uintptr, error) {
	res, err := Ioctl(x.privcmd.Fd(),
		IIOC(privcmdType, privcmdCallNr, unsafe.Sizeof(*call)),
		uintptr(unsafe.Pointer(call)))

	runtime.KeepAlive(call)

	return res, err
}

// structBytes returns the raw bytes backing any struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// lockBuf pins buf into RAM and returns the unpin function.
func lockBuf(buf []byte) (func(), error) {
	if len(buf) == 0 {
		return func() {}, nil
	}

	if err := unix.Mlock(buf); err != nil {
		return nil, fmt.Errorf("lock hypercall buffer: %w", err)
	}

	return func() { _ = unix.Munlock(buf) }, nil
}

// Version returns the running hypervisor's major and minor version.
func (x *Xen) Version() (int, int, error) {
	// XENVER_version carries the result in the return value and
	// takes no buffer.
	call := &privcmdHypercall{Op: hypercallXenVersion}

	res, err := x.rawHypercall(call)
	if err != nil {
		return 0, 0, fmt.Errorf("xen_version failed: %w", err)
	}

	return int(res >> 16), int(res & 0xffff), nil
}
