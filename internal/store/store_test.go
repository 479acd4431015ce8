package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	s, err := Open(&StoreConfig{
		Logger: slog.New(slog.DiscardHandler),
		Clock:  clock,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(n int) *int { return &n }

func TestStore_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := &StoreConfig{}
	require.ErrorIs(t, cfg.Validate(), ErrLoggerRequired)
	cfg.Logger = slog.New(slog.DiscardHandler)
	require.Error(t, cfg.Validate())
	cfg.Path = "x.db"
	require.NoError(t, cfg.Validate())
}

func TestStore_JobCRUD(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "Lab Row 3", "acme")
	require.NoError(t, err)
	require.NotZero(t, job.ID)
	require.False(t, job.CreatedAt.IsZero())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "Lab Row 3", got.Name)
	require.Equal(t, "acme", got.Customer)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	_, err = s.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteJob(ctx, job.ID), ErrNotFound)
}

func TestStore_DeviceCRUD(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "j", "")
	require.NoError(t, err)

	d, err := s.CreateDevice(ctx, &Device{
		JobID:    job.ID,
		Hostname: "sw1",
		MgmtIP:   "10.0.0.1",
		Mask:     "/24",
		Gateway:  "10.0.0.254",
		Port:     intPtr(1),
		Vendor:   "cisco",
		MgmtVLAN: intPtr(100),
	})
	require.NoError(t, err)
	require.Equal(t, "pending", d.Status)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "cisco", got.Vendor)
	require.Equal(t, 1, *got.Port)
	require.Equal(t, 100, *got.MgmtVLAN)

	newHost := "sw1-renamed"
	updated, err := s.UpdateDevice(ctx, d.ID, &DeviceUpdate{Hostname: &newHost})
	require.NoError(t, err)
	require.Equal(t, "sw1-renamed", updated.Hostname)
	require.Equal(t, "cisco", updated.Vendor)

	devices, err := s.ListDevicesByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	ports, err := s.AssignedPorts(ctx)
	require.NoError(t, err)
	require.True(t, ports[1])
	require.False(t, ports[2])

	require.NoError(t, s.DeleteDevice(ctx, d.ID))
	_, err = s.GetDevice(ctx, d.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteJobCascades(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "j", "")
	require.NoError(t, err)
	d, err := s.CreateDevice(ctx, &Device{JobID: job.ID, Hostname: "sw1", MgmtIP: "10.0.0.1", Mask: "/24", Gateway: "10.0.0.254"})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, job.ID, 4)
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, &EventLog{RunID: run.ID, Level: LevelInfo, Message: "m"}))

	require.NoError(t, s.DeleteJob(ctx, job.ID))

	_, err = s.GetDevice(ctx, d.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRun(ctx, run.ID)
	require.ErrorIs(t, err, ErrNotFound)
	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_RunLifecycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "j", "")
	require.NoError(t, err)

	run, err := s.CreateRun(ctx, job.ID, 4)
	require.NoError(t, err)
	require.Equal(t, RunStatusRunning, run.Status)
	require.Nil(t, run.FinishedAt)

	clock.Advance(time.Minute)
	require.NoError(t, s.SetRunStatus(ctx, run.ID, RunStatusCompleted))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.True(t, got.FinishedAt.After(got.StartedAt))
}

func TestStore_RunDeviceTransitions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "j", "")
	require.NoError(t, err)
	d, err := s.CreateDevice(ctx, &Device{JobID: job.ID, Hostname: "sw1", MgmtIP: "10.0.0.1", Mask: "/24", Gateway: "10.0.0.254"})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, job.ID, 1)
	require.NoError(t, err)

	// First RUNNING write creates the row and stamps started_at.
	require.NoError(t, s.SetRunDeviceStatus(ctx, run.ID, d.ID, RunDeviceStatusRunning, nil))
	rd, err := s.GetRunDevice(ctx, run.ID, d.ID)
	require.NoError(t, err)
	require.Equal(t, RunDeviceStatusRunning, rd.Status)
	require.NotNil(t, rd.StartedAt)
	require.Nil(t, rd.FinishedAt)
	firstStart := *rd.StartedAt

	// A second RUNNING write (e.g. template hash attach) keeps started_at.
	clock.Advance(time.Second)
	require.NoError(t, s.SetRunDeviceStatus(ctx, run.ID, d.ID, RunDeviceStatusRunning, &RunDeviceUpdate{TemplateHash: "abc123def456"}))
	rd, err = s.GetRunDevice(ctx, run.ID, d.ID)
	require.NoError(t, err)
	require.Equal(t, firstStart, rd.StartedAt.UTC())
	require.Equal(t, "abc123def456", rd.TemplateHash)

	clock.Advance(time.Second)
	tasks, _ := json.Marshal([]map[string]string{{"name": "Verify SSH", "status": "success"}})
	require.NoError(t, s.SetRunDeviceStatus(ctx, run.ID, d.ID, RunDeviceStatusVerified, &RunDeviceUpdate{Tasks: tasks, CapturedConfig: "cfg"}))
	rd, err = s.GetRunDevice(ctx, run.ID, d.ID)
	require.NoError(t, err)
	require.True(t, rd.Terminal())
	require.NotNil(t, rd.FinishedAt)
	require.False(t, rd.FinishedAt.Before(*rd.StartedAt))
	require.JSONEq(t, string(tasks), string(rd.Tasks))
	require.Equal(t, "cfg", rd.CapturedConfig)

	// Terminal status refuses a RUNNING downgrade.
	require.Error(t, s.SetRunDeviceStatus(ctx, run.ID, d.ID, RunDeviceStatusRunning, nil))
	rd, err = s.GetRunDevice(ctx, run.ID, d.ID)
	require.NoError(t, err)
	require.Equal(t, RunDeviceStatusVerified, rd.Status)
}

func TestStore_RunDeviceFailureFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "j", "")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, job.ID, 1)
	require.NoError(t, err)

	require.NoError(t, s.SetRunDeviceStatus(ctx, run.ID, 42, RunDeviceStatusFailed, &RunDeviceUpdate{
		ErrorMessage: "Critical Error in Enter Configuration: conf t",
		ErrorCode:    "COMMAND_ERROR",
	}))
	rd, err := s.GetRunDevice(ctx, run.ID, 42)
	require.NoError(t, err)
	require.Equal(t, RunDeviceStatusFailed, rd.Status)
	require.Equal(t, "COMMAND_ERROR", rd.ErrorCode)
	require.Contains(t, rd.ErrorMessage, "Critical Error")
	// Even without a prior RUNNING write, the terminal row carries a
	// coherent timestamp pair.
	require.NotNil(t, rd.StartedAt)
	require.NotNil(t, rd.FinishedAt)
	require.False(t, rd.FinishedAt.Before(*rd.StartedAt))
}

func TestStore_EventsAppendOnlyOrdered(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "j", "")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, job.ID, 1)
	require.NoError(t, err)

	deviceID := int64(1)
	for i, msg := range []string{"first", "second", "third"} {
		clock.Advance(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.AppendEvent(ctx, &EventLog{
			RunID:    run.ID,
			DeviceID: &deviceID,
			Port:     intPtr(3),
			Level:    LevelInfo,
			Message:  msg,
		}))
	}

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "first", events[0].Message)
	require.Equal(t, "third", events[2].Message)
	for i := 1; i < len(events); i++ {
		require.False(t, events[i].TS.Before(events[i-1].TS))
	}
	require.Equal(t, 3, *events[0].Port)
	require.Equal(t, int64(1), *events[0].DeviceID)
}

func TestStore_SoftMigrationIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "migrate.db")
	log := slog.New(slog.DiscardHandler)

	s, err := Open(&StoreConfig{Logger: log, Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening applies migrations against existing columns without error.
	s, err = Open(&StoreConfig{Logger: log, Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
