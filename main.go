package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/k3a/go-oomkiller/internal/kill"
	"github.com/k3a/go-oomkiller/internal/memory"
	"github.com/k3a/go-oomkiller/internal/metrics"
	"github.com/k3a/go-oomkiller/internal/monitor"
	"github.com/k3a/go-oomkiller/internal/proc"
	"github.com/k3a/go-oomkiller/internal/victim"
)

type globalParams struct {
	procDir string
	verbose bool
}

type daemonParams struct {
	interval        time.Duration
	psiThreshold    float64
	minAvailable    float64
	cooldown        time.Duration
	killGroup       bool
	dryRun          bool
	noMlock         bool
	noProtectSelf   bool
	metricsTextfile string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL ERROR: %v\n", err)
		os.Exit(2)
	}
}

func newRootCommand() *cobra.Command {
	var (
		global globalParams
		params daemonParams
	)
	root := &cobra.Command{
		Use:   "oomkiller",
		Short: "Kills the most memory hungry process before the kernel OOM killer has to.",
		Long: `oomkiller watches memory pressure and, when it crosses a threshold, sends
SIGTERM to the process with the highest oom_score, escalating to SIGKILL if
it does not exit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), newLogger(cmd.ErrOrStderr(), global.verbose), global, params)
		},
	}

	pflags := root.PersistentFlags()
	pflags.StringVar(&global.procDir, "proc-dir", proc.DefaultDir, "procfs mount point")
	pflags.BoolVarP(&global.verbose, "verbose", "v", false, "log at debug level")

	flags := root.Flags()
	flags.DurationVar(&params.interval, "interval", monitor.DefaultInterval, "how often memory conditions are checked")
	flags.Float64Var(&params.psiThreshold, "psi-threshold", monitor.DefaultPressureThreshold, "memory pressure (some avg10, percent) that triggers a kill, 0 disables")
	flags.Float64Var(&params.minAvailable, "min-available", 0, "kill when MemAvailable drops below this percent of MemTotal, 0 disables")
	flags.DurationVar(&params.cooldown, "cooldown", monitor.DefaultCooldown, "minimum time between two kills")
	flags.BoolVar(&params.killGroup, "kill-group", false, "also send SIGTERM to the victim's process group")
	flags.BoolVar(&params.dryRun, "dry-run", false, "log the victim instead of killing it")
	flags.BoolVar(&params.noMlock, "no-mlock", false, "do not lock the daemon's memory")
	flags.BoolVar(&params.noProtectSelf, "no-protect-self", false, "do not set the daemon's own oom_score_adj to -1000")
	flags.StringVar(&params.metricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file after every kill cycle")

	root.AddCommand(newVictimCommand(&global), newMeminfoCommand())
	return root
}

func newVictimCommand(global *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "victim",
		Short: "Print the process that would be killed, without killing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := newLogger(cmd.ErrOrStderr(), global.verbose)
			sel := victim.New(logger.Named("selector"), victim.Options{
				FS:      afero.NewOsFs(),
				ProcDir: global.procDir,
			})

			procBuf := make([]byte, proc.RecordBufSize)
			buf := make([]byte, proc.GeneralBufSize)
			v, err := sel.Choose(ctx, procBuf, buf)
			if xerrors.Is(err, victim.ErrNoVictim) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no eligible process")
				return nil
			}
			if err != nil {
				return err
			}

			comm, err := v.Comm(buf)
			if err != nil {
				return xerrors.Errorf("read comm of pid %d: %w", v.PID, err)
			}
			// comm aliases buf, which VmRSSKiB overwrites
			name := string(comm)
			rss, err := v.VmRSSKiB(buf)
			if err != nil {
				return xerrors.Errorf("read rss of pid %d: %w", v.PID, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pid %d (%s) oom_score %d rss %d KiB\n", v.PID, name, v.OOMScore, rss)
			return nil
		},
	}
}

func newMeminfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "meminfo",
		Short: "Print total and available RAM and swap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := memory.ReadInfo()
			if err != nil {
				return err
			}
			_, _ = io.WriteString(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
}

func newLogger(w io.Writer, verbose bool) slog.Logger {
	logger := slog.Make(sloghuman.Sink(w))
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

func runDaemon(ctx context.Context, logger slog.Logger, global globalParams, params daemonParams) error {
	logBanner(ctx, logger)

	memLog := logger.Named("memory")
	if info, err := memory.ReadInfo(); err != nil {
		memLog.Warn(ctx, "read memory info", slog.Error(err))
	} else {
		memLog.Info(ctx, "memory info",
			slog.F("total_ram_mb", info.TotalRAMMB),
			slog.F("available_ram_mb", info.AvailableRAMMB),
			slog.F("available_ram_percent", info.AvailableRAMPercent),
			slog.F("total_swap_mb", info.TotalSwapMB),
			slog.F("available_swap_mb", info.AvailableSwapMB),
			slog.F("available_swap_percent", info.AvailableSwapPercent))
	}

	if !params.noMlock {
		if err := memory.LockResident(ctx, memLog); err != nil {
			memLog.Warn(ctx, "could not lock memory, continuing unlocked", slog.Error(err))
		}
	}

	fs := afero.NewOsFs()
	if !params.noProtectSelf {
		err := proc.SetOOMScoreAdj(fs, global.procDir, os.Getpid(), proc.OOMScoreAdjMin)
		if err != nil {
			logger.Warn(ctx, "could not exempt the daemon from the kernel OOM killer", slog.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	source, err := monitor.NewProcfsSource(global.procDir)
	if err != nil {
		return err
	}
	mon, err := monitor.New(logger.Named("monitor"), monitor.Config{
		Interval:            params.interval,
		PressureThreshold:   params.psiThreshold,
		MinAvailablePercent: params.minAvailable,
		Cooldown:            params.cooldown,
		KillGroup:           params.killGroup,
		DryRun:              params.dryRun,
		MetricsTextfile:     params.metricsTextfile,
	}, monitor.Options{
		Source: source,
		Chooser: victim.New(logger.Named("selector"), victim.Options{
			FS:      fs,
			ProcDir: global.procDir,
			Metrics: m,
		}),
		Killer: kill.New(logger.Named("terminator"), kill.Options{
			Metrics: m,
		}),
		Metrics:  m,
		Gatherer: reg,
	})
	if err != nil {
		return err
	}

	err = mon.Run(ctx)
	logger.Info(ctx, "stopped")
	return err
}

func logBanner(ctx context.Context, logger slog.Logger) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.Warn(ctx, "read host info", slog.Error(err))
		logger.Info(ctx, "oomkiller started", slog.F("pid", os.Getpid()))
		return
	}
	logger.Info(ctx, "oomkiller started",
		slog.F("pid", os.Getpid()),
		slog.F("hostname", info.Hostname),
		slog.F("platform", info.Platform),
		slog.F("platform_version", info.PlatformVersion),
		slog.F("kernel", info.KernelVersion),
		slog.F("arch", info.KernelArch))
}
