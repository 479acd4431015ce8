package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"

	"github.com/baselinelabs/switchboot/internal/config"
	"github.com/baselinelabs/switchboot/internal/metrics"
	"github.com/baselinelabs/switchboot/internal/store"
)

type SchedulerConfig struct {
	Logger *slog.Logger
	Runner *RunnerConfig
}

func (c *SchedulerConfig) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Runner == nil {
		return fmt.Errorf("runner config is required")
	}
	return c.Runner.Validate()
}

// Scheduler fans a run out into one Runner per device under a bounded worker
// pool and assigns the terminal run status once every worker has returned.
type Scheduler struct {
	log    *slog.Logger
	runner *RunnerConfig

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log:     cfg.Logger,
		runner:  cfg.Runner,
		cancels: make(map[int64]context.CancelFunc),
	}, nil
}

// Launch starts run execution in the background and returns immediately; the
// HTTP handler that created the run must not block on it.
func (s *Scheduler) Launch(runID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, runID)
			s.mu.Unlock()
			cancel()
		}()
		s.Execute(ctx, runID)
	}()
}

// Cancel cancels a live run. It reports whether the run was known to the
// scheduler.
func (s *Scheduler) Cancel(runID int64) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Execute drives one run to a terminal status. Per-device failures never
// fail the run; only scheduler-level faults do.
func (s *Scheduler) Execute(ctx context.Context, runID int64) {
	log := s.log.With("run_id", runID)
	st := s.runner.Store

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		log.Error("failed to load run", "error", err)
		s.finish(runID, store.RunStatusFailed)
		return
	}

	devices, err := st.ListDevicesByJob(ctx, run.JobID)
	if err != nil {
		log.Error("failed to load job devices", "error", err)
		s.finish(runID, store.RunStatusFailed)
		return
	}
	if len(devices) == 0 {
		log.Info("no devices in job, completing run immediately")
		s.finish(runID, store.RunStatusCompleted)
		return
	}

	parallelism := clampParallelism(run.Parallelism)
	log.Info("starting run", "devices", len(devices), "parallelism", parallelism)

	// Each runner holds one physical port exclusively, so the pool width is
	// the port-contention bound.
	pool := pond.NewPool(parallelism)
	group := pool.NewGroup()
	for _, device := range devices {
		deviceID := device.ID
		group.Submit(func() {
			runner, err := NewRunner(s.runner, runID, deviceID)
			if err != nil {
				log.Error("failed to build runner", "device_id", deviceID, "error", err)
				return
			}
			runner.Run(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		log.Error("worker group failed", "error", err)
		pool.StopAndWait()
		s.finish(runID, store.RunStatusFailed)
		return
	}
	pool.StopAndWait()

	s.finish(runID, store.RunStatusCompleted)
	log.Info("run finished")
}

func (s *Scheduler) finish(runID int64, status string) {
	// Terminal writes use a fresh context so a cancelled run still lands.
	if err := s.runner.Store.SetRunStatus(context.Background(), runID, status); err != nil {
		s.log.Error("failed to set run status", "run_id", runID, "status", status, "error", err)
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
}

// clampParallelism bounds the fan-out width to [1, 16]: one runner per
// physical serial port at most.
func clampParallelism(n int) int {
	if n < 1 {
		return 1
	}
	if n > config.MaxParallelism {
		return config.MaxParallelism
	}
	return n
}
