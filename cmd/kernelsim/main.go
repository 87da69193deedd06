// Command kernelsim is the bootable harness that wires every kernel
// subsystem together and drives them the way hardware would: a ticker
// standing in for the timer IRQ, a reclaim goroutine standing in for
// whatever would answer kheap's memory-pressure signal, and an initial
// process standing in for the image a real bootloader would hand off
// to. None of this is a MODULE in its own right — it is the glue a
// real boot path (syspage parsing, a HAL's interrupt vectoring) would
// otherwise provide, which this core does not implement (explicit
// Non-goals). Grounded on the teacher's own construction order, as
// shown consistently across every package's _test.go files: phys pool,
// then vmobj cache, then port/proc tables, then userintr, then scall.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"

	"defs"
	"kconfig"
	"kheap"
	"klog"
	"mem"
	"oommsg"
	"port"
	"proc"
	"scall"
	"sched"
	"userintr"
	"vmobj"
)

func main() {
	configPath := flag.String("config", "", "path to a boot-time TOML tunables file")
	npages := flag.Int("pages", 4096, "number of physical pages to simulate")
	tick := flag.Duration("tick", 10*time.Millisecond, "simulated timer IRQ period")
	flag.Parse()

	cfg, err := kconfig.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("kernelsim: loading boot configuration")
	}
	cfg.ApplyLimits()

	level, err := logrus.ParseLevel(cfg.LogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	log := klog.New(klog.Config{Level: level, RingSize: cfg.LogRingSize(), Out: os.Stderr})

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.WithError(err).Warn("kernelsim: GOMAXPROCS left at its default")
	}

	defer func() {
		if r := recover(); r != nil {
			tail := log.Crash("kernelsim: panic", logrus.Fields{"panic": r})
			os.Stderr.Write(tail)
			panic(r)
		}
	}()

	phys := mem.Phys_init(*npages)
	objs := vmobj.New(phys, func(key vmobj.Key, idx uint64) (mem.Pa_t, defs.Err_t) {
		log.WithField("key", key).Warn("kernelsim: vm object fetch with no backing store configured")
		return 0, defs.EFAULT
	})
	ports := port.NewTable()
	procs := proc.NewTable(phys, objs, ports)
	uintrs := userintr.New(phys)
	calls := scall.New(procs, ports, uintrs, phys)
	_ = calls

	heap := kheap.New(phys)
	go reclaimLoop(log, heap)

	go timerLoop(*tick)
	go reapLoop(log)

	log.WithFields(logrus.Fields{
		"pages": *npages,
		"ports": cfg.Limits.Ports,
		"irqs":  cfg.IrqCount(),
	}).Info("kernelsim: booted")

	init, errc := procs.Start("/sbin/init", 0, func(arg any) {
		<-make(chan struct{}) // the init thread never exits on its own.
	}, nil)
	if errc != 0 {
		log.WithField("err", errc).Fatal("kernelsim: starting init failed")
	}
	log.WithField("pid", init.Pid).Info("kernelsim: init started")

	select {}
}

// timerLoop stands in for a hardware timer IRQ, calling sched.TimerTick
// on every tick the way a real interrupt handler would.
func timerLoop(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for range t.C {
		sched.TimerTick()
	}
}

// reapLoop drains sched.ReaperNotify so ghost threads don't accumulate
// silently; a real reaper would additionally notify proc.Table of the
// pid's exit status, which proc already does internally via its own
// waitpid bookkeeping.
func reapLoop(log *klog.Logger) {
	for range sched.ReaperNotify() {
		log.Debug("kernelsim: reaped a ghost thread")
	}
}

// reclaimLoop answers kheap's memory-pressure channel. This core has
// no page cache or other reclaimable resource behind its Non-goals
// (demand paging, filesystems), so there is nothing to actually free;
// it always replies false, but still rendezvous with kheap.growClass's
// send so an operator watching the log can see pressure events instead
// of kheap silently failing an allocation against an unread channel.
func reclaimLoop(log *klog.Logger, heap *kheap.Heap_t) {
	for req := range oommsg.OomCh {
		log.WithFields(logrus.Fields{
			"need":  req.Need,
			"inuse": heap.Stats(),
		}).Warn("kernelsim: memory pressure, nothing reclaimable")
		req.Resume <- false
	}
}
