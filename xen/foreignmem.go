package xen

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Guest pages are 4 KiB on x86 regardless of the debugger's own page
// size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Protection flags for foreign mappings.
const (
	ProtRead  = unix.PROT_READ
	ProtWrite = unix.PROT_WRITE
)

type privcmdMmapBatchV2 struct {
	Num  uint32
	Dom  uint16
	_    uint16
	Addr uint64
	Arr  uint64
	Err  uint64
}

// Mapping is a run of foreign guest frames mapped into our address
// space. Close releases it; every acquisition path pairs with a Close
// on all exits.
type Mapping struct {
	Data []byte
}

// Bytes returns the mapped frames.
func (m *Mapping) Bytes() []byte { return m.Data }

// Close unmaps the frames. Safe on a nil mapping.
func (m *Mapping) Close() error {
	if m == nil || m.Data == nil {
		return nil
	}

	data := m.Data
	m.Data = nil

	return unix.Munmap(data)
}

// MapForeignPages maps the given guest frames of dom contiguously and
// returns the mapping. prot is ProtRead or ProtRead|ProtWrite.
func (x *Xen) MapForeignPages(dom DomID, prot int, frames []uint64) (*Mapping, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("domain %d: %w: no frames", dom, ErrMappingFailed)
	}

	mem, err := unix.Mmap(int(x.privcmd.Fd()), 0, len(frames)*PageSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("domain %d: %w: mmap: %v", dom, ErrMappingFailed, err)
	}

	arr := make([]uint64, len(frames))
	copy(arr, frames)

	errs := make([]int32, len(frames))

	batch := &privcmdMmapBatchV2{
		Num:  uint32(len(frames)),
		Dom:  uint16(dom),
		Addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Arr:  uint64(uintptr(unsafe.Pointer(&arr[0]))),
		Err:  uint64(uintptr(unsafe.Pointer(&errs[0]))),
	}

	_, err = Ioctl(x.privcmd.Fd(),
		IIOC(privcmdType, privcmdMmapBatchV2Nr, unsafe.Sizeof(*batch)),
		uintptr(unsafe.Pointer(batch)))

	runtime.KeepAlive(arr)
	runtime.KeepAlive(errs)
	runtime.KeepAlive(batch)

	if err != nil {
		_ = unix.Munmap(mem)

		return nil, fmt.Errorf("domain %d: %w: %v", dom, ErrMappingFailed, err)
	}

	for i, e := range errs {
		if e != 0 {
			_ = unix.Munmap(mem)

			return nil, fmt.Errorf("domain %d: %w: frame %#x: %v",
				dom, ErrMappingFailed, frames[i], unix.Errno(-e))
		}
	}

	return &Mapping{Data: mem}, nil
}

// MapForeignPage maps a single guest frame.
func (x *Xen) MapForeignPage(dom DomID, prot int, frame uint64) (*Mapping, error) {
	return x.MapForeignPages(dom, prot, []uint64{frame})
}
