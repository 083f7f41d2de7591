// Command schedtop runs an in-process scheduler with a handful of canned
// workloads and draws a live thread table on the controlling terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-tty"
	"golang.org/x/sync/errgroup"

	"ember/emberos/sched"
	"ember/emberos/tasks"
	"ember/hal"
	"ember/internal/buildinfo"
)

type topConfig struct {
	CPUs    int
	Hz      int
	Refresh time.Duration
}

func main() {
	var cfg topConfig
	flag.IntVar(&cfg.CPUs, "cpus", 2, "Number of simulated CPUs.")
	flag.IntVar(&cfg.Hz, "hz", 200, "Timer tick rate.")
	flag.DurationVar(&cfg.Refresh, "refresh", 500*time.Millisecond, "Screen redraw interval.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg topConfig) error {
	t, err := tty.Open()
	if err != nil {
		return fmt.Errorf("open tty: %w", err)
	}
	defer t.Close()
	out := t.Output()

	h := hal.New(cfg.Hz)
	k := sched.New(sched.Config{CPUs: cfg.CPUs, Logger: hal.Discard()})
	k.Start()
	r := tasks.NewRunner(k, hal.Discard())

	seed := []struct {
		name string
		pri  uint8
		w    tasks.Workload
	}{
		{"spin0", 20, &tasks.Spinner{}},
		{"spin1", 20, &tasks.Spinner{}},
		{"yield0", 20, &tasks.Yielder{}},
		{"sleep0", 30, &tasks.Sleeper{Span: 40}},
		{"fork0", 20, &tasks.Forker{Runner: r, Every: 300, Max: 2}},
	}
	for _, sd := range seed {
		tid := k.Spawn(0, tasks.EntryPC(), sd.pri, sd.name)
		if tid == sched.TIDNone {
			return fmt.Errorf("spawn %s failed", sd.name)
		}
		r.Attach(tid, sd.w)
	}

	// Raw rune reader. It stays blocked in ReadRune at shutdown; the
	// process exit reclaims it.
	keys := make(chan rune, 8)
	go func() {
		for {
			ch, err := t.ReadRune()
			if err != nil {
				close(keys)
				return
			}
			keys <- ch
		}
	}()

	out.WriteString("\x1b[?25l")
	defer out.WriteString("\x1b[?25h\x1b[H\x1b[2J")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticks := h.Time().Ticks()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case tk := <-ticks:
				now := uint32(tk)
				for cpu := 0; cpu < k.CPUs(); cpu++ {
					k.ScheduleTick(cpu, now)
					r.Step(cpu, now)
				}
			}
		}
	})

	g.Go(func() error {
		var spawned []uint32
		nextID := 0
		redraw := time.NewTicker(cfg.Refresh)
		defer redraw.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch, ok := <-keys:
				if !ok {
					stop()
					return nil
				}
				switch ch {
				case 'q':
					stop()
					return nil
				case 's':
					name := fmt.Sprintf("top%d", nextID)
					nextID++
					tid := k.Spawn(0, tasks.EntryPC(), 20, name)
					if tid != sched.TIDNone {
						r.Attach(tid, &tasks.Spinner{})
						spawned = append(spawned, tid)
					}
				case 'k':
					for len(spawned) > 0 {
						tid := spawned[len(spawned)-1]
						spawned = spawned[:len(spawned)-1]
						if k.KillThread(0, tid) != sched.TIDNone {
							break
						}
					}
				case 'b':
					name := fmt.Sprintf("bomb%d", nextID)
					nextID++
					tid := k.Spawn(0, tasks.EntryPC(), 10, name)
					if tid != sched.TIDNone {
						r.Attach(tid, &tasks.Panicker{After: 50})
					}
				}
			case <-redraw.C:
				out.WriteString(frame(k, r))
			}
		}
	})

	return g.Wait()
}

// frame renders one full screen of scheduler state.
func frame(k *sched.Sched, r *tasks.Runner) string {
	var b strings.Builder
	total, idle := k.TickStats()
	fmt.Fprintf(&b, "\x1b[H\x1b[2Jemberos schedtop %s  ticks=%d idle=%d bound=%d   q quit  s spawn  k kill  b bomb\r\n\r\n",
		buildinfo.Short(), total, idle, r.Bound())

	for cpu := 0; cpu < k.CPUs(); cpu++ {
		ct, ci, cc := k.CPUTickStats(cpu)
		name := "-"
		if k.DebugHasThread(cpu) {
			name = k.DebugThreadName(cpu)
		}
		fmt.Fprintf(&b, "cpu%-2d %-20s phase=%-18s ticks=%d idle=%d contended=%d\r\n",
			cpu, name, k.DebugPhase(cpu), ct, ci, cc)
	}

	fmt.Fprintf(&b, "\r\n%5s %4s %-8s %8s %10s %10s  %s\r\n",
		"TID", "PRI", "STATE", "TICKS", "RD", "WR", "NAME")
	for _, row := range k.ListThreads(0) {
		fmt.Fprintf(&b, "%5d %4d %-8s %8d %10d %10d  %s\r\n",
			row.TID, row.Priority, row.State, row.CPUTicks,
			row.IOReadBytes, row.IOWriteBytes, row.Name)
	}
	return b.String()
}
