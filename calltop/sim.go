package calltop

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SimCall describes one synthetic call stream: Rate events per second,
// each taking Latency.
type SimCall struct {
	Name    string
	Rate    float64
	Latency time.Duration
}

// SimProc is one synthetic process in the feed.
type SimProc struct {
	Pid   int32
	Comm  string
	Calls []SimCall
}

// SimSource is a simulated event source. It exists so the engine can be
// exercised without any tracing privileges: demos, and environments where
// the probe cannot attach.
type SimSource struct {
	logger *zap.SugaredLogger
	procs  []SimProc
	tick   time.Duration
}

// NewSimSource builds a simulated feed over the given processes.
func NewSimSource(logger *zap.SugaredLogger, procs []SimProc) *SimSource {
	return &SimSource{
		logger: logger,
		procs:  procs,
		tick:   50 * time.Millisecond,
	}
}

// defaultMix is the call blend assigned to seeded host processes.
var defaultMix = []SimCall{
	{Name: "read", Rate: 40, Latency: 800 * time.Microsecond},
	{Name: "write", Rate: 25, Latency: 1200 * time.Microsecond},
	{Name: "futex", Rate: 12, Latency: 3 * time.Millisecond},
	{Name: "epoll_wait", Rate: 5, Latency: 9 * time.Millisecond},
}

// SeedFromHost lists live processes and turns up to limit of them into
// SimProcs with a plausible call mix, so the demo view shows names an
// operator recognises. Errors degrade to an empty seed list.
func SeedFromHost(logger *zap.SugaredLogger, limit int) []SimProc {
	procs, err := process.Processes()
	if err != nil {
		logger.Warnw("failed to list host processes for demo seed", "err", err)

		return nil
	}

	seeds := make([]SimProc, 0, limit)

	for _, p := range procs {
		if len(seeds) >= limit {
			break
		}

		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}

		// Vary rates a little per pid so the view is not uniform.
		scale := 0.5 + float64(p.Pid%7)/4.0

		calls := make([]SimCall, len(defaultMix))
		for i, c := range defaultMix {
			c.Rate *= scale
			calls[i] = c
		}

		seeds = append(seeds, SimProc{Pid: p.Pid, Comm: name, Calls: calls})
	}

	return seeds
}

// Run emits enter/exit pairs into sink until ctx is done. Each process
// runs on its own goroutine, mirroring the many independent execution
// contexts of a real probe.
func (s *SimSource) Run(ctx context.Context, sink Sink) error {
	s.logger.Infow("starting simulated feed", "processes", len(s.procs))

	group, ctx := errgroup.WithContext(ctx)

	for _, proc := range s.procs {
		group.Go(func() error {
			s.emit(ctx, sink, proc)

			return nil
		})
	}

	return group.Wait()
}

func (s *SimSource) emit(ctx context.Context, sink Sink, proc SimProc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Fractional events carry over between ticks so low rates still
	// emit eventually.
	carry := make([]float64, len(proc.Calls))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i, call := range proc.Calls {
			carry[i] += call.Rate * s.tick.Seconds()

			n := int(carry[i])
			carry[i] -= float64(n)

			key := NewCallKey(proc.Pid, proc.Comm, call.Name)

			for j := 0; j < n; j++ {
				ts := uint64(time.Now().UnixNano())
				sink.OnEnter(key, ts)
				sink.OnExit(key, ts+uint64(call.Latency))
			}
		}
	}
}
