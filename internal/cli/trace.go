package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/wakelat/internal/reporter"
	"github.com/yairfalse/wakelat/internal/tracer"
	"github.com/yairfalse/wakelat/pkg/config"
	"github.com/yairfalse/wakelat/pkg/domain"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace wake-to-read latency for a single process",
	Long: `Attach the kernel probe set, filter for one pid and poll latency
events until interrupted (or until --duration elapses). On shutdown a
bill-of-health report with run-queue and kernel-stack delay percentiles
is written to stdout or --output.

Requires CAP_BPF/CAP_PERFMON or root.`,
	RunE: runTrace,
}

var (
	tracePID        uint32
	traceDuration   time.Duration
	traceRingPages  int
	traceQueueDepth int
	traceMinSamples int
	traceOutput     string
	traceVolume     float64
	traceSlippage   float64
)

func init() {
	traceCmd.Flags().Uint32VarP(&tracePID, "pid", "p", 0, "Target process ID (required)")
	traceCmd.Flags().DurationVarP(&traceDuration, "duration", "d", 0, "Trace duration (0 = until interrupted)")
	traceCmd.Flags().IntVar(&traceRingPages, "ring-pages", 0, "Per-CPU ring buffer size in pages")
	traceCmd.Flags().IntVar(&traceQueueDepth, "queue-depth", 0, "Per-CPU user-space queue depth")
	traceCmd.Flags().IntVar(&traceMinSamples, "min-samples", 0, "Sample count below which percentiles are flagged")
	traceCmd.Flags().StringVarP(&traceOutput, "output", "o", "", "Write the bill of health to this file instead of stdout")
	traceCmd.Flags().Float64Var(&traceVolume, "volume", 0, "Traded volume in USD, passed through to the report")
	traceCmd.Flags().Float64Var(&traceSlippage, "slippage", 0, "Slippage rate, passed through to the report")
	traceCmd.MarkFlagRequired("pid")
}

func runTrace(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, output, err := buildTracerConfig()
	if err != nil {
		return err
	}

	t, err := tracer.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := t.Start(ctx); err != nil {
		return err
	}

	if traceDuration > 0 {
		select {
		case <-sigChan:
			logger.Info("Interrupted, shutting down")
		case <-time.After(traceDuration):
			logger.Info("Trace duration elapsed, shutting down")
		}
	} else {
		<-sigChan
		logger.Info("Interrupted, shutting down")
	}

	if err := t.Stop(); err != nil {
		logger.Warn("Probe detach reported an error", zap.Error(err))
	}

	summary := t.Summary()
	summary.Parameters = domain.TraceParameters{
		VolumeUSD:    traceVolume,
		SlippageRate: traceSlippage,
	}

	rep := reporter.New(logger)
	rep.Log(&summary)
	if summary.BelowMinimum {
		logger.Warn("Sample count below statistical minimum, percentiles are indicative only",
			zap.Uint64("samples", summary.Samples))
	}

	if output != "" {
		return rep.WriteFile(output, &summary)
	}
	return rep.Write(os.Stdout, &summary)
}

// buildTracerConfig layers file config under command-line flags. It
// returns the tracer config and the resolved report output path.
func buildTracerConfig() (*tracer.Config, string, error) {
	fileCfg := config.DefaultConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, "", err
		}
		if err := loaded.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid config file %s: %w", path, err)
		}
		fileCfg = loaded
	}

	cfg := tracer.DefaultConfig()
	cfg.TargetPID = tracePID
	cfg.RingBufferPages = fileCfg.Tracer.RingBufferPages
	cfg.QueueDepth = fileCfg.Tracer.QueueDepth
	cfg.MaxPlausibleDelay = time.Duration(fileCfg.Tracer.MaxPlausibleDelayMS) * time.Millisecond
	cfg.MinSamples = fileCfg.Tracer.MinSamples

	if traceRingPages > 0 {
		cfg.RingBufferPages = traceRingPages
	}
	if traceQueueDepth > 0 {
		cfg.QueueDepth = traceQueueDepth
	}
	if traceMinSamples > 0 {
		cfg.MinSamples = traceMinSamples
	}

	output := fileCfg.Report.OutputPath
	if traceOutput != "" {
		output = traceOutput
	}
	return cfg, output, nil
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
