package xen

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// RingHeaderSize is the shared header at the start of the ring page:
// the two producer cursors, the two notification thresholds, and
// padding that keeps the slots cache-line clear of them.
const RingHeaderSize = 64

type sringHdr struct {
	ReqProd  uint32
	ReqEvent uint32
	RspProd  uint32
	RspEvent uint32
	_        [48]byte
}

// EventRing is the consumer side of a monitor ring: the hypervisor
// produces requests, we consume them and produce responses. One
// EventRing exclusively owns its cursors; only the shared header
// fields are touched by the other side.
type EventRing struct {
	page []byte
	hdr  *sringHdr
	size uint32

	reqCons    uint32
	rspProdPvt uint32
}

// NewEventRing takes ownership of a freshly enabled ring page and
// resets both sides' cursors. The consumer initializes the shared
// header; the hypervisor side joined before any event is produced.
func NewEventRing(page []byte) (*EventRing, error) {
	if len(page) < PageSize {
		return nil, fmt.Errorf("ring page too small: %d bytes", len(page))
	}

	slot := uint32(unsafe.Sizeof(Request{}))

	n := uint32((PageSize - RingHeaderSize)) / slot
	if n == 0 {
		return nil, fmt.Errorf("ring slot larger than page")
	}

	r := &EventRing{
		page: page,
		hdr:  (*sringHdr)(unsafe.Pointer(&page[0])),
		size: 1 << (bits.Len32(n) - 1),
	}

	atomic.StoreUint32(&r.hdr.ReqProd, 0)
	atomic.StoreUint32(&r.hdr.RspProd, 0)
	atomic.StoreUint32(&r.hdr.ReqEvent, 1)
	atomic.StoreUint32(&r.hdr.RspEvent, 1)

	return r, nil
}

// Capacity returns the number of slots, always a power of two.
func (r *EventRing) Capacity() uint32 { return r.size }

// ReqCons returns the consumer cursor.
func (r *EventRing) ReqCons() uint32 { return r.reqCons }

// RspProd returns the published response-producer cursor.
func (r *EventRing) RspProd() uint32 { return atomic.LoadUint32(&r.hdr.RspProd) }

func (r *EventRing) slot(i uint32) *Request {
	off := RingHeaderSize + uintptr(i&(r.size-1))*unsafe.Sizeof(Request{})

	return (*Request)(unsafe.Pointer(&r.page[off]))
}

// Unconsumed returns how many requests may be consumed right now:
// the pending count, capped by the slots still free for their
// responses. Cursors are free-running uint32s; wraparound is handled
// by the subtraction.
func (r *EventRing) Unconsumed() uint32 {
	req := atomic.LoadUint32(&r.hdr.ReqProd) - r.reqCons
	rsp := r.size - (r.reqCons - r.rspProdPvt)

	if req < rsp {
		return req
	}

	return rsp
}

// ConsumeRequest copies out the next request, advances the consumer
// cursor, and re-arms the producer's notification threshold so the
// next request raises an event.
func (r *EventRing) ConsumeRequest() Request {
	req := *r.slot(r.reqCons)

	r.reqCons++
	atomic.StoreUint32(&r.hdr.ReqEvent, r.reqCons+1)

	return req
}

// QueueResponse writes one response into the next private producer
// slot. It is not visible to the hypervisor until PushResponses.
func (r *EventRing) QueueResponse(rsp *Response) {
	*(*Response)(unsafe.Pointer(r.slot(r.rspProdPvt))) = *rsp

	r.rspProdPvt++
}

// PushResponses publishes all queued responses and reports whether
// the hypervisor asked to be notified about any of them.
func (r *EventRing) PushResponses() bool {
	old := atomic.LoadUint32(&r.hdr.RspProd)

	atomic.StoreUint32(&r.hdr.RspProd, r.rspProdPvt)

	want := atomic.LoadUint32(&r.hdr.RspEvent)

	return r.rspProdPvt-want < r.rspProdPvt-old
}
