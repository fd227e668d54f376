package flag

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/virtdbg/virtdbg/config"
	"github.com/virtdbg/virtdbg/dbg"
	"github.com/virtdbg/virtdbg/domain"
	"github.com/virtdbg/virtdbg/logflags"
	"github.com/virtdbg/virtdbg/probe"
	"github.com/virtdbg/virtdbg/xen"
)

// sessionDefaults holds the attach knobs resolved from the global
// flags and the config file, for the Run methods to pick up.
var sessionDefaults dbg.Config

func Parse() error {
	c := CLI{}

	programName := "virtdbg"
	programDesc := "virtdbg is a hypervisor-level debugger for Xen guests"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	conf := config.LoadConfig()

	logFlag, layers := c.Log, c.LogOutput
	if layers == "" && conf.LogLayers != "" {
		logFlag, layers = true, conf.LogLayers
	}

	if err := logflags.Setup(logFlag, layers); err != nil {
		return err
	}

	sessionDefaults.CacheSize = c.CacheSize
	if sessionDefaults.CacheSize == 0 {
		sessionDefaults.CacheSize = conf.TranslationCacheSize
	}

	sessionDefaults.XenbusPath = conf.XenbusPath

	return ctx.Run()
}

func sessionConfig(dom uint32) dbg.Config {
	c := sessionDefaults
	c.Domain = xen.DomID(dom)

	return c
}

func (p *ProbeCMD) Run() error {
	return probe.Xen()
}

func (i *InfoCMD) Run() error {
	s := dbg.New(sessionConfig(i.Domain))
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Close()

	info, err := s.Domain().Info()
	if err != nil {
		return err
	}

	// The metadata store is optional for info output.
	name, _ := s.Name()
	kernel, _ := s.KernelPath()

	fmt.Print(probe.FormatInfo(info, name, kernel))

	return nil
}

func (r *RegistersCMD) Run() error {
	s := dbg.New(sessionConfig(r.Domain))
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Close()

	if err := s.Domain().PauseVCPU(r.VCPU); err != nil {
		return err
	}

	regs, err := s.Domain().Registers(r.VCPU)
	if err != nil {
		return err
	}

	width := regs.WordSize() * 2
	for _, reg := range regs.Slice() {
		fmt.Printf("%-8s %#0*x\n", reg.Name, width, reg.Value)
	}

	return nil
}

func (t *TranslateCMD) Run() error {
	vaddr, err := ParseAddr(t.Vaddr)
	if err != nil {
		return err
	}

	s := dbg.New(sessionConfig(t.Domain))
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Close()

	if err := s.Domain().PauseVCPU(t.VCPU); err != nil {
		return err
	}

	frame, ok, err := s.Domain().PageTableEntry(vaddr, t.VCPU)
	if err != nil {
		return err
	}

	if !ok {
		fmt.Printf("%#x: not mapped\n", vaddr)

		return nil
	}

	fmt.Printf("%#x: frame %#x, paddr %#x\n",
		vaddr, frame, frame<<xen.PageShift|vaddr&(xen.PageSize-1))

	return nil
}

func (r *ReadCMD) Run() error {
	vaddr, err := ParseAddr(r.Vaddr)
	if err != nil {
		return err
	}

	length, err := ParseSize(r.Size, "")
	if err != nil {
		return err
	}

	s := dbg.New(sessionConfig(r.Domain))
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Close()

	if err := s.Domain().PauseVCPU(r.VCPU); err != nil {
		return err
	}

	data, err := s.Domain().ReadMemory(vaddr, length, r.VCPU)
	if err != nil {
		return err
	}

	fmt.Print(hex.Dump(data))

	return nil
}

func (m *MonitorCMD) Run() error {
	if m.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	s := dbg.New(sessionConfig(m.Domain))
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		s.StopMonitor()
	}()

	fmt.Printf("monitoring domain %d, interrupt to stop\n", m.Domain)

	return s.Monitor(func(req *xen.Request) {
		bp := req.SoftwareBreakpoint()
		fmt.Printf("breakpoint: vcpu %d gfn %#x insn len %d\n",
			req.VCPU, bp.GFN, bp.InsnLength)

		if _, text, err := s.Domain().Inst(req.VCPU); err == nil {
			fmt.Printf("  %s\n", text)
		}
	})
}

func (p *PauseCMD) Run() error {
	x, err := xen.Open()
	if err != nil {
		return err
	}
	defer x.Release()

	dom, err := domain.Attach(xen.DomID(p.Domain), x, domain.XenMapper{X: x}, 0)
	if err != nil {
		return err
	}

	return dom.Pause()
}

func (u *UnpauseCMD) Run() error {
	x, err := xen.Open()
	if err != nil {
		return err
	}
	defer x.Release()

	dom, err := domain.Attach(xen.DomID(u.Domain), x, domain.XenMapper{X: x}, 0)
	if err != nil {
		return err
	}

	return dom.Unpause()
}

func (d *DestroyCMD) Run() error {
	x, err := xen.Open()
	if err != nil {
		return err
	}
	defer x.Release()

	dom, err := domain.Attach(xen.DomID(d.Domain), x, domain.XenMapper{X: x}, 0)
	if err != nil {
		return err
	}

	return dom.Destroy()
}
