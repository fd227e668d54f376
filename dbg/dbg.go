// Package dbg ties one debugging session together: the shared
// hypervisor control channel, the attached domain handle, the event
// loop and the vm_event monitor. The command layer builds a Session,
// drives it, and closes it; everything underneath stays reusable on
// its own.
package dbg

import (
	"errors"
	"fmt"

	"github.com/virtdbg/virtdbg/domain"
	"github.com/virtdbg/virtdbg/loop"
	"github.com/virtdbg/virtdbg/xen"
	"github.com/virtdbg/virtdbg/xenstore"
)

// Config carries the knobs a session needs beyond the domain id.
type Config struct {
	// Domain is the id of the guest to attach to.
	Domain xen.DomID

	// CacheSize bounds the address-translation cache; zero means the
	// domain package default.
	CacheSize int

	// XenbusPath overrides the xenbus device node when set.
	XenbusPath string
}

// Session is one attachment to one domain. Sessions are single-loop
// objects like everything they own; nothing here locks.
type Session struct {
	cfg Config

	x   *xen.Xen
	dom *domain.Domain

	ec  *xen.EventChannel
	lp  *loop.Loop
	mon *domain.Monitor

	store *xenstore.Client
}

// New builds an unattached session. Init opens the hypervisor
// channel and attaches.
func New(c Config) *Session {
	return &Session{cfg: c}
}

// Init opens the control channel and attaches to the domain.
func (s *Session) Init() error {
	x, err := xen.Open()
	if err != nil {
		return err
	}

	dom, err := domain.Attach(s.cfg.Domain, x, domain.XenMapper{X: x}, s.cfg.CacheSize)
	if err != nil {
		if rerr := x.Release(); rerr != nil {
			return errors.Join(err, rerr)
		}

		return err
	}

	s.x = x
	s.dom = dom

	return nil
}

// Domain returns the attached domain handle.
func (s *Session) Domain() *domain.Domain { return s.dom }

// Name looks the domain's name up in the guest-metadata store. The
// store connection is opened on first use and kept for the session.
func (s *Session) Name() (string, error) {
	if err := s.openStore(); err != nil {
		return "", err
	}

	return s.store.DomainName(s.cfg.Domain)
}

// KernelPath looks the guest's kernel image path up in the
// guest-metadata store.
func (s *Session) KernelPath() (string, error) {
	if err := s.openStore(); err != nil {
		return "", err
	}

	return s.store.KernelPath(s.cfg.Domain)
}

func (s *Session) openStore() error {
	if s.store != nil {
		return nil
	}

	var (
		store *xenstore.Client
		err   error
	)

	if s.cfg.XenbusPath != "" {
		store, err = xenstore.OpenPath(s.cfg.XenbusPath)
	} else {
		store, err = xenstore.Open()
	}

	if err != nil {
		return err
	}

	s.store = store

	return nil
}

// Monitor sets the vm_event machinery up and delivers software
// breakpoints to onBreakpoint. It blocks inside the event loop until
// StopMonitor is called; the caller decides pause discipline around
// it.
func (s *Session) Monitor(onBreakpoint func(*xen.Request)) error {
	if s.mon != nil {
		return fmt.Errorf("domain %d: monitor already running", s.cfg.Domain)
	}

	ec, err := xen.OpenEventChannel()
	if err != nil {
		return err
	}

	mon, err := domain.NewMonitor(s.dom, ec, s.x)
	if err != nil {
		if cerr := ec.Close(); cerr != nil {
			return errors.Join(err, cerr)
		}

		return err
	}

	if err := mon.OnSoftwareBreakpoint(onBreakpoint); err != nil {
		return errors.Join(err, mon.Close(), ec.Close())
	}

	lp, err := loop.New()
	if err != nil {
		return errors.Join(err, mon.Close(), ec.Close())
	}

	if err := mon.Start(lp); err != nil {
		return errors.Join(err, lp.Close(), mon.Close(), ec.Close())
	}

	s.ec = ec
	s.lp = lp
	s.mon = mon

	err = lp.Run()

	return err
}

// StopMonitor makes a blocked Monitor call return. Safe to call from
// a signal-handling goroutine; the loop's wakeup pipe is the only
// thing touched.
func (s *Session) StopMonitor() {
	if s.lp != nil {
		s.lp.Stop()
	}
}

// Close tears the session down: monitor first so the guest stops
// trapping into a dead ring, then any vcpus this handle still holds
// paused, then the store connection and the shared control channel.
func (s *Session) Close() error {
	var errs []error

	if s.mon != nil {
		if err := s.mon.Close(); err != nil {
			errs = append(errs, err)
		}

		if err := s.ec.Close(); err != nil {
			errs = append(errs, err)
		}

		if err := s.lp.Close(); err != nil {
			errs = append(errs, err)
		}

		s.mon, s.ec, s.lp = nil, nil, nil
	}

	if s.dom != nil {
		if err := s.dom.UnpauseAllVCPUs(); err != nil {
			errs = append(errs, err)
		}

		s.dom = nil
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}

		s.store = nil
	}

	if s.x != nil {
		if err := s.x.Release(); err != nil {
			errs = append(errs, err)
		}

		s.x = nil
	}

	return errors.Join(errs...)
}
