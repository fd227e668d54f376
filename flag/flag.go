package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// CLI is the full command surface. Log, LogOutput and CacheSize are
// global flags; everything else is per command.
type CLI struct {
	Log       bool   `help:"Enable logging."`
	LogOutput string `name:"log-output" help:"Comma-separated log layers to enable (xen,monitor,xenstore,ptwalk,session)."`
	CacheSize int    `name:"cache-size" help:"Address-translation cache entries per domain, 0 for the default."`

	Probe     ProbeCMD     `cmd:"" help:"Print the hypervisor version and the running domains."`
	Info      InfoCMD      `cmd:"" help:"Print one domain's live state."`
	Registers RegistersCMD `cmd:"" help:"Print a vcpu's register file."`
	Translate TranslateCMD `cmd:"" help:"Resolve a guest-virtual address to its physical frame."`
	Read      ReadCMD      `cmd:"" help:"Hexdump guest memory at a virtual address."`
	Monitor   MonitorCMD   `cmd:"" help:"Trap and print guest debug events until interrupted."`
	Pause     PauseCMD     `cmd:"" help:"Pause a domain."`
	Unpause   UnpauseCMD   `cmd:"" help:"Unpause a domain."`
	Destroy   DestroyCMD   `cmd:"" help:"Shut a domain down and destroy it."`
}

type ProbeCMD struct{}

type InfoCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
}

type RegistersCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
	VCPU   uint32 `help:"VCPU id." default:"0"`
}

type TranslateCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
	Vaddr  string `arg:"" help:"Guest-virtual address, any base (0x.. for hex)."`
	VCPU   uint32 `help:"VCPU whose paging registers drive the walk." default:"0"`
}

type ReadCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
	Vaddr  string `arg:"" help:"Guest-virtual address, any base (0x.. for hex)."`
	Size   string `help:"Bytes to read: as number[kKmMgG]." default:"64"`
	VCPU   uint32 `help:"VCPU whose paging registers drive the walk." default:"0"`
}

type MonitorCMD struct {
	Domain     uint32 `arg:"" help:"Domain id."`
	CPUProfile bool   `help:"Write a CPU profile to the working directory."`
}

type PauseCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
}

type UnpauseCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
}

type DestroyCMD struct {
	Domain uint32 `arg:"" help:"Domain id."`
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseAddr parses a guest address in any base strconv understands.
// Bare digit strings that only make sense as hex (deadbeef) are
// retried as hex, since addresses are always typed that way.
func ParseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err == nil {
		return addr, nil
	}

	addr, err2 := strconv.ParseUint(s, 16, 64)
	if err2 != nil {
		return 0, fmt.Errorf("%q: can't parse as address: %w", s, err)
	}

	return addr, nil
}
