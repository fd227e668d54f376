// Package logflags turns named logging layers on and off. Each layer
// of the debugger asks for its own logger once and logs through it
// unconditionally; disabled layers sit at panic level so the call
// sites never branch.
package logflags

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	xenCall  = false
	monitor  = false
	xenStore = false
	ptWalk   = false
	session  = false
)

// ErrOutputWithoutLog is returned when a layer list is given while
// logging as a whole is off.
var ErrOutputWithoutLog = errors.New("log layers specified without enabling logging")

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel

	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}

	return logger
}

// Any returns true if any layer is enabled.
func Any() bool {
	return xenCall || monitor || xenStore || ptWalk || session
}

// XenCall returns whether hypervisor control-call logging is enabled.
func XenCall() bool { return xenCall }

// XenCallLogger returns a logger for hypervisor control calls.
func XenCallLogger() *logrus.Entry {
	return makeLogger(xenCall, logrus.Fields{"layer": "xen"})
}

// Monitor returns whether event-monitor logging is enabled.
func Monitor() bool { return monitor }

// MonitorLogger returns a logger for the VM event monitor.
func MonitorLogger() *logrus.Entry {
	return makeLogger(monitor, logrus.Fields{"layer": "monitor"})
}

// XenStore returns whether store wire-traffic logging is enabled.
func XenStore() bool { return xenStore }

// XenStoreLogger returns a logger for xenstore wire traffic.
func XenStoreLogger() *logrus.Entry {
	return makeLogger(xenStore, logrus.Fields{"layer": "xenstore"})
}

// PTWalk returns whether page-table-walk logging is enabled.
func PTWalk() bool { return ptWalk }

// PTWalkLogger returns a logger for page-table walks.
func PTWalkLogger() *logrus.Entry {
	return makeLogger(ptWalk, logrus.Fields{"layer": "ptwalk"})
}

// Session returns whether session lifecycle logging is enabled.
func Session() bool { return session }

// SessionLogger returns a logger for session lifecycle events.
func SessionLogger() *logrus.Entry {
	return makeLogger(session, logrus.Fields{"layer": "session"})
}

// Setup enables the layers named in listspec, a comma-separated list.
// An empty listspec with logging enabled turns on the session layer
// only.
func Setup(logFlag bool, listspec string) error {
	if listspec == "" {
		session = logFlag

		return nil
	}

	if !logFlag {
		return ErrOutputWithoutLog
	}

	for _, layer := range strings.Split(listspec, ",") {
		switch layer {
		case "xen":
			xenCall = true
		case "monitor":
			monitor = true
		case "xenstore":
			xenStore = true
		case "ptwalk":
			ptWalk = true
		case "session":
			session = true
		default:
			return fmt.Errorf("invalid log layer %q (valid: xen,monitor,xenstore,ptwalk,session)", layer)
		}
	}

	return nil
}
