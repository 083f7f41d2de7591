package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sync/errgroup"

	"ember/emberos/sched"
	"ember/emberos/tasks"
	"ember/hal"
	"ember/internal/buildinfo"
)

// runConfig is the flag-bound host configuration.
type runConfig struct {
	CPUs    int
	Hz      int
	Ticks   uint64
	Pin     bool
	Spawn   string
	Version bool
}

func main() {
	var cfg runConfig
	flag.IntVar(&cfg.CPUs, "cpus", 4, "Number of simulated CPUs (1-16).")
	flag.IntVar(&cfg.Hz, "hz", 1000, "Timer tick rate.")
	flag.Uint64Var(&cfg.Ticks, "ticks", 0, "Stop after N ticks (0 = run forever).")
	flag.BoolVar(&cfg.Pin, "pin", false, "Pin each simulated CPU loop to a host core (Linux only).")
	flag.StringVar(&cfg.Spawn, "spawn", "spin:2 yield:2 sleep:1 io:1 fork:1",
		`Initial workloads as "kind:count" fields; kinds: spin yield sleep io fork bomb crit.`)
	flag.BoolVar(&cfg.Version, "version", false, "Print build identity and exit.")
	flag.Parse()

	if cfg.Version {
		fmt.Println("emberos", buildinfo.Line())
		return
	}
	if cfg.CPUs < 1 {
		cfg.CPUs = 1
	}
	if cfg.CPUs > 16 {
		cfg.CPUs = 16
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg runConfig) error {
	h := hal.New(cfg.Hz)
	log := h.Logger()
	log.WriteLineString(fmt.Sprintf("emberos %s cpus=%d hz=%d", buildinfo.Short(), cfg.CPUs, cfg.Hz))

	// Boot the way real hardware does: CPU0 first, then each AP
	// registers its idle thread as it comes online.
	k := sched.New(sched.Config{CPUs: 1, Logger: log})
	k.Start()
	for c := 1; c < cfg.CPUs; c++ {
		if !k.RegisterAPIdle(c) {
			return fmt.Errorf("cpu%d failed to come online", c)
		}
	}

	r := tasks.NewRunner(k, log)
	r.SetPanicHandler(func(p tasks.PanicInfo) {
		for _, line := range strings.Split(string(p.Stack), "\n") {
			if line != "" {
				log.WriteLineString("  " + line)
			}
		}
	})

	if err := spawnWorkloads(k, r, cfg.Spawn); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Fan the base tick stream out to one channel per CPU. A CPU that
	// falls behind misses ticks instead of stalling the clock.
	fan := make([]chan uint32, k.CPUs())
	for c := range fan {
		fan[c] = make(chan uint32, 64)
	}
	g.Go(func() error {
		ticks := h.Time().Ticks()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case t := <-ticks:
				now := uint32(t)
				for _, ch := range fan {
					select {
					case ch <- now:
					default:
					}
				}
				if cfg.Ticks > 0 && t >= cfg.Ticks {
					stop()
					return nil
				}
			}
		}
	})

	for c := 0; c < k.CPUs(); c++ {
		cpu := c
		g.Go(func() error {
			if cfg.Pin {
				if err := pinToCore(cpu); err != nil {
					log.WriteLineString(fmt.Sprintf("cpu%d: pin failed: %v", cpu, err))
				}
			}
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case now := <-fan[cpu]:
					k.ScheduleTick(cpu, now)
					r.Step(cpu, now)
				}
			}
		})
	}

	// Periodic one-line health summary.
	g.Go(func() error {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				total, idle := k.TickStats()
				log.WriteLineString(fmt.Sprintf("sched: threads=%d ticks=%d idle=%d bound=%d",
					len(k.ListThreads(0)), total, idle, r.Bound()))
			}
		}
	})

	err := g.Wait()
	total, idle := k.TickStats()
	log.WriteLineString(fmt.Sprintf("done: ticks=%d idle=%d", total, idle))
	return err
}

// spawnWorkloads parses the -spawn specification and creates one thread
// per requested workload instance.
func spawnWorkloads(k *sched.Sched, r *tasks.Runner, spec string) error {
	fields, err := shlex.Split(spec)
	if err != nil {
		return fmt.Errorf("parse spawn spec: %w", err)
	}
	for _, f := range fields {
		kind, countStr, hasCount := strings.Cut(f, ":")
		count := 1
		if hasCount {
			count, err = strconv.Atoi(countStr)
			if err != nil || count < 1 {
				return fmt.Errorf("bad workload count %q", f)
			}
		}
		for i := 0; i < count; i++ {
			name := fmt.Sprintf("%s%d", kind, i)
			var (
				w   tasks.Workload
				pri uint8 = 20
			)
			switch kind {
			case "spin":
				w = &tasks.Spinner{}
			case "yield":
				w = &tasks.Yielder{}
			case "sleep":
				w, pri = &tasks.Sleeper{Span: 25}, 30
			case "io":
				w = &tasks.IOHog{ReadChunk: 4096, WriteChunk: 1024}
			case "fork":
				w = &tasks.Forker{Runner: r, Every: 200, Max: 3}
			case "bomb":
				w, pri = &tasks.Panicker{After: 500}, 10
			case "crit":
				w, pri = &tasks.Spinner{}, 60
			default:
				return fmt.Errorf("unknown workload kind %q", kind)
			}
			tid := k.Spawn(0, tasks.EntryPC(), pri, name)
			if tid == sched.TIDNone {
				return fmt.Errorf("spawn %s failed", name)
			}
			if kind == "crit" {
				k.SetThreadCritical(0, tid, true)
			}
			r.Attach(tid, w)
		}
	}
	return nil
}
