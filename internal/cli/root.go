// Package cli wires flags and config into the aggregation table, the
// stats engine, the event source, and a presentation adapter.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calltrace/calltop/calltop"
	"github.com/calltrace/calltop/probe"
	"github.com/calltrace/calltop/render"
)

var rootCmd = &cobra.Command{
	Use:   "calltop",
	Short: "live per-process view of syscall activity",
	Long: `calltop shows a continuously refreshing, top-like view of system
call activity per process: counts, call rates, and average latency.
Events come from eBPF probes (raw syscall tracepoints, or kprobe pairs
for a selected syscall list).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()

	flags.StringP("syscall", "e", "all", "comma-separated syscalls to trace, or 'all'")
	flags.StringP("pid", "p", "", "comma-separated pids to show")
	flags.StringP("comm", "c", "", "comma-separated process-name substrings to show")
	flags.DurationP("interval", "i", time.Second, "refresh interval")
	flags.BoolP("latency", "l", false, "measure time spent per call")
	flags.Bool("batch", false, "print views as text instead of the interactive ui")
	flags.String("filter", "", "initial filter expression, e.g. pid:1234,comm:nginx,sys:read")
	flags.Int("capacity", calltop.DefaultCapacity, "aggregation table capacity")
	flags.String("bpf-object", probe.DefaultObjectPath, "compiled probe object path")
	flags.Bool("demo", false, "use a simulated event feed instead of probes")
	flags.Bool("verbose", false, "verbose logging")

	viper.SetEnvPrefix("CALLTOP")
	viper.AutomaticEnv()
	viper.BindPFlags(flags)
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(viper.GetBool("batch"), viper.GetBool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to get logger: %w", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	filter, err := buildFilter()
	if err != nil {
		return err
	}

	table := calltop.NewTable(viper.GetInt("capacity"), viper.GetBool("latency"))

	batch := viper.GetBool("batch")

	var (
		renderer calltop.Renderer
		top      *render.Top
	)

	if batch {
		renderer = render.NewBatch(sugar, os.Stdout)
	} else {
		top = render.NewTop(sugar)
		renderer = top
	}

	engine := calltop.NewEngine(sugar, table, renderer, calltop.EngineConfig{
		Interval: viper.GetDuration("interval"),
		Filter:   filter,
	})

	if top != nil {
		top.Bind(engine)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	startSource(ctx, sugar, engine, table, group)

	group.Go(func() error {
		defer cancel()

		return engine.Run(ctx)
	})

	if top != nil {
		group.Go(func() error {
			defer cancel()

			return top.Run(ctx)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("calltop failed: %w", err)
	}

	return nil
}

// startSource launches the configured event feed. A probe that cannot be
// set up is a non-fatal notice: the engine keeps running and renders
// empty views.
func startSource(ctx context.Context, logger *zap.SugaredLogger, engine *calltop.Engine, table *calltop.Table, group *errgroup.Group) {
	if viper.GetBool("demo") {
		seeds := calltop.SeedFromHost(logger, 12)
		sim := calltop.NewSimSource(logger, seeds)

		group.Go(func() error {
			return sim.Run(ctx, table)
		})

		return
	}

	src, err := probe.NewSource(logger, probe.Config{
		ObjectPath: viper.GetString("bpf-object"),
		Calls:      splitList(viper.GetString("syscall")),
		Latency:    viper.GetBool("latency"),
	})
	if err != nil {
		logger.Warnw("probe setup failed; views will stay empty", "err", err)
		engine.Notice(fmt.Sprintf("probe unavailable: %v", err))

		return
	}

	group.Go(func() error {
		defer src.Close()

		if err := src.Run(ctx, table); err != nil {
			logger.Warnw("probe stopped", "err", err)
			engine.Notice(fmt.Sprintf("probe stopped: %v", err))
		}

		return nil
	})
}

// buildFilter merges the -p/-c convenience flags with --filter.
func buildFilter() (calltop.FilterSpec, error) {
	spec, err := calltop.ParseFilter(viper.GetString("filter"))
	if err != nil {
		return calltop.FilterSpec{}, err
	}

	for _, raw := range splitList(viper.GetString("pid")) {
		pid, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return calltop.FilterSpec{}, fmt.Errorf("%w: pid %q is not a number", calltop.ErrBadFilter, raw)
		}

		if spec.Pids == nil {
			spec.Pids = make(map[int32]struct{})
		}
		spec.Pids[int32(pid)] = struct{}{}
	}

	for _, comm := range splitList(viper.GetString("comm")) {
		spec.Comms = append(spec.Comms, strings.ToLower(comm))
	}

	return spec, nil
}

// buildLogger keeps the interactive terminal clean by sending logs to a
// file; batch mode logs to stderr so stdout stays machine-readable.
func buildLogger(batch, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	if batch {
		cfg.OutputPaths = []string{"stderr"}
	} else {
		cfg.OutputPaths = []string{"calltop.log"}
	}

	return cfg.Build()
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
