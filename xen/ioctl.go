package xen

import (
	"golang.org/x/sys/unix"
)

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNrShift
}

// IIO encodes an ioctl request with no argument size.
func IIO(typ, nr uintptr) uintptr { return ioc(iocNone, typ, nr, 0) }

// IIOC encodes an ioctl request that carries a size but no direction.
// The xen device nodes encode all their requests this way.
func IIOC(typ, nr, size uintptr) uintptr { return ioc(iocNone, typ, nr, size) }

// IIOR encodes a read ioctl request.
func IIOR(typ, nr, size uintptr) uintptr { return ioc(iocRead, typ, nr, size) }

// IIOW encodes a write ioctl request.
func IIOW(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }

// IIOWR encodes a read-write ioctl request.
func IIOWR(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

// Ioctl issues an ioctl on fd, retrying while the call is interrupted
// by a signal. It returns the request's return value, which several
// xen requests use to carry a result (a bound port, a maximum frame
// number) rather than an out parameter.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}
