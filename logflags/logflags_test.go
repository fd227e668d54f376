package logflags_test

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/virtdbg/virtdbg/logflags"
)

// Setup mutates package-level switches, so these tests do not run in
// parallel.

func TestSetupEnablesLayers(t *testing.T) {
	if err := logflags.Setup(true, "xen,monitor"); err != nil {
		t.Fatal(err)
	}

	if !logflags.XenCall() {
		t.Fatalf("expected: xen layer enabled, actual: disabled")
	}

	if !logflags.Monitor() {
		t.Fatalf("expected: monitor layer enabled, actual: disabled")
	}

	if logflags.PTWalk() {
		t.Fatalf("expected: ptwalk layer disabled, actual: enabled")
	}

	if !logflags.Any() {
		t.Fatalf("expected: Any true, actual: false")
	}
}

func TestSetupRejectsUnknownLayer(t *testing.T) {
	if err := logflags.Setup(true, "nonsense"); err == nil {
		t.Fatalf("expected: error for unknown layer, actual: nil")
	}
}

func TestSetupRejectsLayersWithoutLog(t *testing.T) {
	err := logflags.Setup(false, "xen")
	if !errors.Is(err, logflags.ErrOutputWithoutLog) {
		t.Fatalf("expected: ErrOutputWithoutLog, actual: %v", err)
	}
}

func TestDisabledLoggerIsQuiet(t *testing.T) {
	if err := logflags.Setup(true, "session"); err != nil {
		t.Fatal(err)
	}

	entry := logflags.PTWalkLogger()
	if entry.Logger.Level != logrus.PanicLevel {
		t.Fatalf("expected: panic level for disabled layer, actual: %v", entry.Logger.Level)
	}

	entry = logflags.SessionLogger()
	if entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected: debug level for enabled layer, actual: %v", entry.Logger.Level)
	}
}
