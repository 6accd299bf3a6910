// Package reporter renders the collector's summary payload as a
// bill-of-health document. It is the boundary to external reporting and
// financial-modeling code: everything it needs arrives in the Summary,
// and nothing flows back.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/yairfalse/wakelat/pkg/domain"
)

// Reporter emits bill-of-health documents.
type Reporter struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Reporter {
	return &Reporter{logger: logger}
}

// Write renders the summary as indented JSON.
func (r *Reporter) Write(w io.Writer, summary *domain.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bill of health: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing bill of health: %w", err)
	}
	return nil
}

// WriteFile writes the bill of health to path, creating or truncating
// it.
func (r *Reporter) WriteFile(path string, summary *domain.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating bill of health file: %w", err)
	}
	defer f.Close()
	if err := r.Write(f, summary); err != nil {
		return err
	}
	r.logger.Info("Bill of health written", zap.String("path", path))
	return nil
}

// Log emits the headline numbers for operators following the console.
func (r *Reporter) Log(summary *domain.Summary) {
	fields := []zap.Field{
		zap.Uint32("target_pid", summary.TargetPID),
		zap.Uint64("samples", summary.Samples),
		zap.Uint64("dropped", summary.Dropped),
		zap.Uint64("anomalous", summary.Anomalous),
		zap.Uint64("runqueue_p99_ns", summary.RunqueueDelay.P99),
		zap.Uint64("kernel_stack_p99_ns", summary.KernelStackDelay.P99),
	}
	if summary.BelowMinimum {
		fields = append(fields, zap.Bool("below_minimum", true))
	}
	r.logger.Info("Trace session complete", fields...)
}
