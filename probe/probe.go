// Package probe inspects the environment before a session starts:
// hypervisor presence and version, and the set of domains available
// to attach to.
package probe

import (
	"fmt"
	"strings"

	"github.com/virtdbg/virtdbg/xen"
	"github.com/virtdbg/virtdbg/xenstore"
)

// Xen opens the control channel, prints the hypervisor version and a
// table of the running domains, and closes the channel again. Domain
// names come from the metadata store when it is reachable; a missing
// store degrades to ids only.
func Xen() error {
	x, err := xen.Open()
	if err != nil {
		return err
	}
	defer x.Release()

	major, minor, err := x.Version()
	if err != nil {
		return err
	}

	fmt.Printf("xen version: %d.%d\n", major, minor)

	doms, err := x.DomainInfoList()
	if err != nil {
		return err
	}

	var store *xenstore.Client
	if store, err = xenstore.Open(); err == nil {
		defer store.Close()
	}

	fmt.Printf("%5s %-24s %5s %-5s %-8s %s\n", "domid", "name", "vcpus", "type", "state", "monitor")

	for i := range doms {
		d := &doms[i]

		name := "-"
		if store != nil {
			if n, err := store.DomainName(d.Domain); err == nil {
				name = n
			}
		}

		typ := "pv"
		caps := "-"

		if d.HVM {
			typ = "hvm"

			if mask, err := x.MonitorGetCapabilities(d.Domain); err == nil {
				caps = strings.Join(xen.MonitorCapabilityNames(mask), ",")
			}
		}

		fmt.Printf("%5d %-24s %5d %-5s %-8s %s\n",
			d.Domain, name, d.NrOnlineVCPUs, typ, domState(d), caps)
	}

	return nil
}

// domState condenses the domain's state flags the way the toolstack
// does: the first flag that holds wins.
func domState(d *xen.DomInfo) string {
	states := []struct {
		on   bool
		name string
	}{
		{d.Dying, "dying"},
		{d.Shutdown, "shutdown"},
		{d.Paused, "paused"},
		{d.Blocked, "blocked"},
		{d.Running, "running"},
	}

	for _, s := range states {
		if s.on {
			return s.name
		}
	}

	return "idle"
}

// FormatInfo renders one domain's live state as the info command
// prints it.
func FormatInfo(d *xen.DomInfo, name, kernel string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "domain:     %d\n", d.Domain)

	if name != "" {
		fmt.Fprintf(&b, "name:       %s\n", name)
	}

	if kernel != "" {
		fmt.Fprintf(&b, "kernel:     %s\n", kernel)
	}

	typ := "pv"
	if d.HVM {
		typ = "hvm"
	}

	fmt.Fprintf(&b, "type:       %s (hap=%v)\n", typ, d.HAP)
	fmt.Fprintf(&b, "state:      %s\n", domState(d))
	fmt.Fprintf(&b, "vcpus:      %d online, max id %d\n", d.NrOnlineVCPUs, d.MaxVCPUID)
	fmt.Fprintf(&b, "memory:     %d/%d pages\n", d.TotPages, d.MaxPages)
	fmt.Fprintf(&b, "cpu time:   %dns\n", d.CPUTime)
	fmt.Fprintf(&b, "addr bits:  %d\n", d.GPAddrBits)

	return b.String()
}
