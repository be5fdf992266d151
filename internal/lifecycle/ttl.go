// Package lifecycle runs the periodic TTL sweep over in-memory registries.
package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 5 * time.Minute

// Sweeper evicts expired entries and reports how many it removed.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}

// SweepCallback is called after each sweeper ran.
type SweepCallback func(name string, evicted int)

// Worker sweeps every registered Sweeper on a fixed interval.
type Worker struct {
	interval time.Duration
	sweepers []Sweeper
	onSweep  SweepCallback
	logger   *slog.Logger
}

// NewWorker creates a TTL worker.
func NewWorker(interval time.Duration, logger *slog.Logger, sweepers ...Sweeper) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{interval: interval, sweepers: sweepers, logger: logger}
}

// OnSweep registers a callback invoked after each sweeper ran.
func (w *Worker) OnSweep(cb SweepCallback) {
	w.onSweep = cb
}

// Run blocks, sweeping on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	names := make([]string, 0, len(w.sweepers))
	for _, s := range w.sweepers {
		names = append(names, s.Name())
	}
	w.logger.Info("TTL worker started", "interval", w.interval, "sweepers", names)

	for {
		select {
		case <-ticker.C:
			w.SweepOnce(ctx)
		case <-ctx.Done():
			w.logger.Info("TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// SweepOnce runs every sweeper once and returns the eviction count per
// sweeper. A failing sweeper is logged and does not stop the others.
func (w *Worker) SweepOnce(ctx context.Context) map[string]int {
	result := make(map[string]int, len(w.sweepers))
	total := 0
	for _, s := range w.sweepers {
		if ctx.Err() != nil {
			break
		}
		n, err := s.Sweep(ctx)
		if err != nil {
			w.logger.Error("TTL worker sweep failed", "sweeper", s.Name(), "error", err)
			continue
		}
		result[s.Name()] = n
		total += n
		if w.onSweep != nil {
			w.onSweep(s.Name(), n)
		}
	}
	if total > 0 {
		w.logger.Info("TTL worker cleanup completed", "evicted", total, "by_sweeper", result)
	}
	return result
}
