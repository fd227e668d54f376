package xen

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrVCPUOutOfRange is returned when a vcpu id exceeds the
	// domain's current maximum. It is raised before any control call
	// is issued.
	ErrVCPUOutOfRange = errors.New("vcpu id out of range")

	// ErrMonitorActive is returned when monitoring is enabled on a
	// domain that already has an active monitor ring.
	ErrMonitorActive = errors.New("monitoring already active")

	// ErrMonitorUnsupported is returned when the guest lacks the
	// hardware support monitoring needs.
	ErrMonitorUnsupported = errors.New("monitoring not supported for this guest")

	// ErrUnknownWordSize is any guest address size other than 32 or
	// 64 bits.
	ErrUnknownWordSize = errors.New("unknown guest word size")

	// ErrMappingFailed is returned when a foreign frame cannot be
	// mapped into the debugger.
	ErrMappingFailed = errors.New("foreign frame mapping failed")
)

// CallError is a failed hypervisor control call: the operation name,
// the target domain, and the error number the hypervisor returned.
type CallError struct {
	Op     string
	Domain DomID
	Errno  unix.Errno
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed for domain %d: %v", e.Op, e.Domain, e.Errno)
}

func (e *CallError) Unwrap() error { return e.Errno }

// callErr wraps errno from a control call, preserving non-errno
// errors as they are.
func callErr(op string, dom DomID, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &CallError{Op: op, Domain: dom, Errno: errno}
	}

	return fmt.Errorf("%s failed for domain %d: %w", op, dom, err)
}
