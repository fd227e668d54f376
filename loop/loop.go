// Package loop runs the one cooperative event loop of a debugging
// session. Readiness callbacks dispatch synchronously on the loop
// goroutine; nothing here spawns threads of its own.
package loop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Run when the loop is already
// polling.
var ErrAlreadyRunning = errors.New("loop already running")

// Loop multiplexes readable descriptors onto callbacks. All methods
// except Stop belong to one goroutine; Stop may be called from
// anywhere and wakes the loop through its pipe.
type Loop struct {
	readers map[int]func()
	order   []int

	wakeR int
	wakeW int

	running bool
}

// New builds a stopped loop and its wakeup pipe.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("loop wakeup pipe: %w", err)
	}

	return &Loop{
		readers: map[int]func(){},
		wakeR:   p[0],
		wakeW:   p[1],
	}, nil
}

// AddReader registers fn to run whenever fd polls readable.
func (l *Loop) AddReader(fd int, fn func()) error {
	if _, ok := l.readers[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}

	l.readers[fd] = fn
	l.order = append(l.order, fd)

	return nil
}

// RemoveReader deregisters fd. Callbacks not yet dispatched in the
// current cycle no longer fire. Removing an unknown fd is a no-op.
func (l *Loop) RemoveReader(fd int) error {
	if _, ok := l.readers[fd]; !ok {
		return nil
	}

	delete(l.readers, fd)

	for i, v := range l.order {
		if v == fd {
			l.order = append(l.order[:i], l.order[i+1:]...)

			break
		}
	}

	return nil
}

// Run polls until Stop is called. Callbacks run synchronously in
// registration order; a callback may add or remove readers.
func (l *Loop) Run() error {
	if l.running {
		return ErrAlreadyRunning
	}

	l.running = true
	defer func() { l.running = false }()

	for {
		fds := make([]unix.PollFd, 0, len(l.order)+1)
		fds = append(fds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})

		for _, fd := range l.order {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("poll: %w", err)
		}

		if fds[0].Revents != 0 {
			l.drainWake()

			return nil
		}

		for _, pfd := range fds[1:] {
			if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
				continue
			}

			// Dispatch-time lookup: an earlier callback may have
			// removed this reader within the same cycle.
			if fn, ok := l.readers[int(pfd.Fd)]; ok {
				fn()
			}
		}
	}
}

// Stop makes Run return once the current dispatch cycle finishes.
// Stopping a loop that is not running makes the next Run return
// immediately.
func (l *Loop) Stop() {
	b := [1]byte{1}

	// The pipe is nonblocking; if it is full a wakeup is already
	// queued.
	_, _ = unix.Write(l.wakeW, b[:])
}

func (l *Loop) drainWake() {
	var buf [64]byte

	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the wakeup pipe. The loop must not be running.
func (l *Loop) Close() error {
	return errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
}
