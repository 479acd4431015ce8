package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/baselinelabs/switchboot/internal/serial"
	"github.com/baselinelabs/switchboot/internal/store"
)

// concurrencyGauge counts sessions open at once across all workers.
type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	max     int
}

func (g *concurrencyGauge) inc() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	if g.current > g.max {
		g.max = g.current
	}
}

func (g *concurrencyGauge) dec() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

func (g *concurrencyGauge) Max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func newSchedulerEnv(t *testing.T, sessions SessionFactory) (*Scheduler, *store.Store) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	st, err := store.Open(&store.StoreConfig{
		Logger: log,
		Clock:  clockwork.NewRealClock(),
		Path:   filepath.Join(t.TempDir(), "sched.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	scheduler, err := NewScheduler(&SchedulerConfig{
		Logger: log,
		Runner: &RunnerConfig{
			Logger:      log,
			Store:       st,
			Clock:       clockwork.NewRealClock(),
			Sessions:    sessions,
			PortBase:    "/dev/port",
			BaudRate:    9600,
			ReadTimeout: time.Second,
		},
	})
	require.NoError(t, err)
	return scheduler, st
}

func TestScheduler_BoundedParallelism(t *testing.T) {
	t.Parallel()

	gauge := &concurrencyGauge{}
	sessions := func(path string) (serial.Session, error) {
		return &fakeSession{
			fallback: "sw#",
			delay:    2 * time.Millisecond,
			onOpen:   gauge.inc,
			onClose:  gauge.dec,
		}, nil
	}
	scheduler, st := newSchedulerEnv(t, sessions)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "rack", "")
	require.NoError(t, err)
	for i := 1; i <= 8; i++ {
		port := i
		_, err := st.CreateDevice(ctx, &store.Device{
			JobID:    job.ID,
			Hostname: fmt.Sprintf("sw%d", i),
			MgmtIP:   fmt.Sprintf("10.0.0.%d", i),
			Mask:     "/24",
			Gateway:  "10.0.0.254",
			Port:     &port,
			Vendor:   "generic",
		})
		require.NoError(t, err)
	}

	run, err := st.CreateRun(ctx, job.ID, 4)
	require.NoError(t, err)
	scheduler.Execute(ctx, run.ID)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)

	rds, err := st.ListRunDevices(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rds, 8)
	for _, rd := range rds {
		require.True(t, rd.Terminal(), "device %d status %s", rd.DeviceID, rd.Status)
		require.Equal(t, store.RunDeviceStatusVerified, rd.Status)
	}

	require.LessOrEqual(t, gauge.Max(), 4)
	require.GreaterOrEqual(t, gauge.Max(), 2)
}

func TestScheduler_EmptyJobCompletesImmediately(t *testing.T) {
	t.Parallel()

	scheduler, st := newSchedulerEnv(t, func(path string) (serial.Session, error) {
		return &fakeSession{fallback: "sw#"}, nil
	})
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "empty", "")
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, job.ID, 4)
	require.NoError(t, err)

	scheduler.Execute(ctx, run.ID)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, got.Status)
}

func TestScheduler_DeviceFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	sessions := func(path string) (serial.Session, error) {
		if path == "/dev/port2" {
			return &fakeSession{
				steps: []readStep{{out: "", err: serial.ErrReadTimeout}},
			}, nil
		}
		return &fakeSession{fallback: "sw#"}, nil
	}
	scheduler, st := newSchedulerEnv(t, sessions)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "mixed", "")
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		port := i
		_, err := st.CreateDevice(ctx, &store.Device{
			JobID:    job.ID,
			Hostname: fmt.Sprintf("sw%d", i),
			MgmtIP:   fmt.Sprintf("10.0.0.%d", i),
			Mask:     "/24",
			Gateway:  "10.0.0.254",
			Port:     &port,
			Vendor:   "generic",
		})
		require.NoError(t, err)
	}

	run, err := st.CreateRun(ctx, job.ID, 2)
	require.NoError(t, err)
	scheduler.Execute(ctx, run.ID)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, got.Status)

	rds, err := st.ListRunDevices(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rds, 2)
	statuses := map[string]int{}
	for _, rd := range rds {
		statuses[rd.Status]++
	}
	require.Equal(t, 1, statuses[store.RunDeviceStatusVerified])
	require.Equal(t, 1, statuses[store.RunDeviceStatusFailed])
}

func TestScheduler_LaunchReturnsImmediately(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sessions := func(path string) (serial.Session, error) {
		return &fakeSession{
			steps: []readStep{{out: "sw#", after: func() { <-release }}},
			fallback: "sw#",
		}, nil
	}
	scheduler, st := newSchedulerEnv(t, sessions)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "bg", "")
	require.NoError(t, err)
	port := 1
	_, err = st.CreateDevice(ctx, &store.Device{
		JobID: job.ID, Hostname: "sw1", MgmtIP: "10.0.0.1", Mask: "/24", Gateway: "10.0.0.254",
		Port: &port, Vendor: "generic",
	})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, job.ID, 1)
	require.NoError(t, err)

	start := time.Now()
	scheduler.Launch(run.ID)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	// The run is still live while the first read is blocked.
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusRunning, got.Status)

	close(release)
	require.Eventually(t, func() bool {
		got, err := st.GetRun(ctx, run.ID)
		return err == nil && got.Status == store.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_CancelRun(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	sessions := func(path string) (serial.Session, error) {
		return &fakeSession{
			steps: []readStep{{out: "sw#", after: func() {
				select {
				case entered <- struct{}{}:
				default:
				}
			}}},
			fallback: "sw#",
			delay:    20 * time.Millisecond,
		}, nil
	}
	scheduler, st := newSchedulerEnv(t, sessions)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "cancel", "")
	require.NoError(t, err)
	port := 1
	d, err := st.CreateDevice(ctx, &store.Device{
		JobID: job.ID, Hostname: "sw1", MgmtIP: "10.0.0.1", Mask: "/24", Gateway: "10.0.0.254",
		Port: &port, Vendor: "generic",
	})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, job.ID, 1)
	require.NoError(t, err)

	scheduler.Launch(run.ID)
	<-entered
	require.True(t, scheduler.Cancel(run.ID))

	require.Eventually(t, func() bool {
		got, err := st.GetRun(ctx, run.ID)
		return err == nil && got.Status != store.RunStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	rd, err := st.GetRunDevice(ctx, run.ID, d.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunDeviceStatusFailed, rd.Status)
	require.Equal(t, "cancelled", rd.ErrorMessage)

	// A finished run is no longer cancellable.
	require.False(t, scheduler.Cancel(run.ID))
}

func TestScheduler_ClampParallelism(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, clampParallelism(0))
	require.Equal(t, 1, clampParallelism(-3))
	require.Equal(t, 4, clampParallelism(4))
	require.Equal(t, 16, clampParallelism(16))
	require.Equal(t, 16, clampParallelism(40))
}
