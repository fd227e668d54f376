package xen

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func testXen(t *testing.T) *Xen {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	if _, err := os.Stat(privcmdPath); err != nil {
		t.Skipf("Skipping test since %s is not present", privcmdPath)
	}

	x, err := Open()
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := x.Release(); err != nil {
			t.Error(err)
		}
	})

	return x
}

func TestVersion(t *testing.T) {
	x := testXen(t)

	major, minor, err := x.Version()
	if err != nil {
		t.Fatal(err)
	}

	if major < 4 {
		t.Fatalf("expected: major version >= 4, actual: %d.%d", major, minor)
	}
}

func TestDomainInfoList(t *testing.T) {
	x := testXen(t)

	domains, err := x.DomainInfoList()
	if err != nil {
		t.Fatal(err)
	}

	// Domain 0 always exists on a live hypervisor.
	if len(domains) == 0 {
		t.Fatal("expected: at least domain 0, actual: none")
	}

	if domains[0].Domain != 0 {
		t.Fatalf("expected: domain 0 first, actual: %d", domains[0].Domain)
	}
}

func TestDomainInfoMissing(t *testing.T) {
	x := testXen(t)

	// The top of the id space is reserved, so no real domain lives
	// there.
	_, err := x.DomainInfo(0x7ff0)
	if !errors.Is(err, unix.ESRCH) {
		t.Fatalf("expected: ESRCH for missing domain, actual: %v", err)
	}
}

func TestAcquireRelease(t *testing.T) {
	x := testXen(t)

	x.Acquire()

	if err := x.Release(); err != nil {
		t.Fatal(err)
	}

	// The cleanup registered by testXen performs the final release.
}
