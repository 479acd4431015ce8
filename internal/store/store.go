// Package store is the durable repository behind the control surface and the
// run engine: jobs, devices, runs, per-device run records and the append-only
// event log, all in a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrLoggerRequired = errors.New("logger is required")

	errTerminalStatus = errors.New("run device already terminal")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	customer TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	port INTEGER,
	vendor TEXT,
	model TEXT,
	hostname TEXT NOT NULL,
	mgmt_ip TEXT NOT NULL,
	mask TEXT NOT NULL,
	gateway TEXT NOT NULL,
	mgmt_vlan INTEGER,
	status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_devices_job ON devices(job_id);
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	status TEXT NOT NULL,
	parallelism INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	device_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	error_message TEXT,
	UNIQUE(run_id, device_id)
);
CREATE TABLE IF NOT EXISTS event_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	device_id INTEGER,
	port INTEGER,
	ts TIMESTAMP NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	raw TEXT
);
CREATE INDEX IF NOT EXISTS idx_event_logs_run ON event_logs(run_id);
`

// softMigrations are columns added after the first released schema. Applied
// at startup without dropping data; duplicate-column errors are ignored so
// startup is idempotent.
var softMigrations = []struct {
	table, column, typ string
}{
	{"run_devices", "error_code", "TEXT"},
	{"run_devices", "template_hash", "TEXT"},
	{"run_devices", "tasks", "TEXT"},
	{"run_devices", "captured_config", "TEXT"},
	{"event_logs", "error_code", "TEXT"},
}

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Path   string
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Path == "" {
		return errors.New("db path is required")
	}
	return nil
}

type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
	db    *sql.DB
}

// Open opens (creating if needed) the SQLite database at cfg.Path, installs
// the schema and applies soft migrations.
func Open(cfg *StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite permits a single writer; funnel all writes through one
	// connection instead of relying on busy retries alone.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{log: cfg.Logger, clock: cfg.Clock, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, m := range softMigrations {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.typ))
		if err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
		s.log.Info("added missing column", "table", m.table, "column", m.column)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// exec retries writes that lose the race for SQLite's single write lock.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	op := func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return res, nil
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// --- jobs ---

func (s *Store) CreateJob(ctx context.Context, name, customer string) (*Job, error) {
	now := s.clock.Now().UTC()
	res, err := s.exec(ctx, `INSERT INTO jobs (name, customer, created_at) VALUES (?, ?, ?)`, name, customer, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Job{ID: id, Name: name, Customer: customer, CreatedAt: now}, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	var j Job
	var customer sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, customer, created_at FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.Name, &customer, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	j.Customer = customer.String
	return &j, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, customer, created_at FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		var j Job
		var customer sql.NullString
		if err := rows.Scan(&j.ID, &j.Name, &customer, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Customer = customer.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- devices ---

func (s *Store) CreateDevice(ctx context.Context, d *Device) (*Device, error) {
	if d.Status == "" {
		d.Status = "pending"
	}
	res, err := s.exec(ctx,
		`INSERT INTO devices (job_id, port, vendor, model, hostname, mgmt_ip, mask, gateway, mgmt_vlan, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.JobID, d.Port, nullStr(d.Vendor), nullStr(d.Model), d.Hostname, d.MgmtIP, d.Mask, d.Gateway, d.MgmtVLAN, d.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	d.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, port, vendor, model, hostname, mgmt_ip, mask, gateway, mgmt_vlan, status
		 FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDevicesByJob(ctx context.Context, jobID int64) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, port, vendor, model, hostname, mgmt_ip, mask, gateway, mgmt_vlan, status
		 FROM devices WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *Store) UpdateDevice(ctx context.Context, id int64, upd *DeviceUpdate) (*Device, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Port != nil {
		d.Port = upd.Port
	}
	if upd.Vendor != nil {
		d.Vendor = *upd.Vendor
	}
	if upd.Model != nil {
		d.Model = *upd.Model
	}
	if upd.Hostname != nil {
		d.Hostname = *upd.Hostname
	}
	if upd.MgmtIP != nil {
		d.MgmtIP = *upd.MgmtIP
	}
	if upd.Mask != nil {
		d.Mask = *upd.Mask
	}
	if upd.Gateway != nil {
		d.Gateway = *upd.Gateway
	}
	if upd.MgmtVLAN != nil {
		d.MgmtVLAN = upd.MgmtVLAN
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	_, err = s.exec(ctx,
		`UPDATE devices SET port = ?, vendor = ?, model = ?, hostname = ?, mgmt_ip = ?, mask = ?, gateway = ?, mgmt_vlan = ?, status = ?
		 WHERE id = ?`,
		d.Port, nullStr(d.Vendor), nullStr(d.Model), d.Hostname, d.MgmtIP, d.Mask, d.Gateway, d.MgmtVLAN, d.Status, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}
	return d, nil
}

func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignedPorts returns the set of serial port numbers currently bound to any
// device in the store.
func (s *Store) AssignedPorts(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT port FROM devices WHERE port IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assigned ports: %w", err)
	}
	defer rows.Close()

	ports := map[int]bool{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports[p] = true
	}
	return ports, rows.Err()
}

// --- runs ---

func (s *Store) CreateRun(ctx context.Context, jobID int64, parallelism int) (*Run, error) {
	now := s.clock.Now().UTC()
	res, err := s.exec(ctx,
		`INSERT INTO runs (job_id, started_at, status, parallelism) VALUES (?, ?, ?, ?)`,
		jobID, now, RunStatusRunning, parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Run{ID: id, JobID: jobID, StartedAt: now, Status: RunStatusRunning, Parallelism: parallelism}, nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	var r Run
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, started_at, finished_at, status, parallelism FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.JobID, &r.StartedAt, &finished, &r.Status, &r.Parallelism)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// SetRunStatus updates the run status, stamping finished_at on terminal
// transitions.
func (s *Store) SetRunStatus(ctx context.Context, id int64, status string) error {
	var err error
	if status == RunStatusCompleted || status == RunStatusFailed {
		_, err = s.exec(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`, status, s.clock.Now().UTC(), id)
	} else {
		_, err = s.exec(ctx, `UPDATE runs SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	return nil
}

// RunDeviceUpdate carries the optional fields of a status transition.
type RunDeviceUpdate struct {
	ErrorMessage   string
	ErrorCode      string
	TemplateHash   string
	Tasks          []byte
	CapturedConfig string
}

// SetRunDeviceStatus upserts the (run, device) record and applies the status
// transition: started_at is stamped on the first RUNNING, finished_at on
// VERIFIED/FAILED. A terminal status is never overwritten by a non-terminal
// one.
func (s *Store) SetRunDeviceStatus(ctx context.Context, runID, deviceID int64, status string, upd *RunDeviceUpdate) error {
	if upd == nil {
		upd = &RunDeviceUpdate{}
	}
	now := s.clock.Now().UTC()

	cur, err := s.getRunDevice(ctx, runID, deviceID)
	if errors.Is(err, ErrNotFound) {
		_, err = s.exec(ctx,
			`INSERT INTO run_devices (run_id, device_id, status) VALUES (?, ?, ?)`,
			runID, deviceID, RunDeviceStatusPending)
		if err != nil {
			return fmt.Errorf("failed to create run device: %w", err)
		}
		cur = &RunDevice{RunID: runID, DeviceID: deviceID, Status: RunDeviceStatusPending}
	} else if err != nil {
		return err
	}

	if cur.Terminal() && status != RunDeviceStatusVerified && status != RunDeviceStatusFailed {
		return fmt.Errorf("%w: refusing %s -> %s", errTerminalStatus, cur.Status, status)
	}

	set := []string{"status = ?"}
	args := []any{status}
	if status == RunDeviceStatusRunning && cur.StartedAt == nil {
		set = append(set, "started_at = ?")
		args = append(args, now)
	}
	if status == RunDeviceStatusVerified || status == RunDeviceStatusFailed {
		// A device that failed before ever running still gets a coherent
		// started_at/finished_at pair.
		if cur.StartedAt == nil {
			set = append(set, "started_at = ?")
			args = append(args, now)
		}
		set = append(set, "finished_at = ?")
		args = append(args, now)
	}
	if upd.ErrorMessage != "" {
		set = append(set, "error_message = ?")
		args = append(args, upd.ErrorMessage)
	}
	if upd.ErrorCode != "" {
		set = append(set, "error_code = ?")
		args = append(args, upd.ErrorCode)
	}
	if upd.TemplateHash != "" {
		set = append(set, "template_hash = ?")
		args = append(args, upd.TemplateHash)
	}
	if upd.Tasks != nil {
		set = append(set, "tasks = ?")
		args = append(args, string(upd.Tasks))
	}
	if upd.CapturedConfig != "" {
		set = append(set, "captured_config = ?")
		args = append(args, upd.CapturedConfig)
	}
	args = append(args, runID, deviceID)

	_, err = s.exec(ctx,
		`UPDATE run_devices SET `+strings.Join(set, ", ")+` WHERE run_id = ? AND device_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to set run device status: %w", err)
	}
	return nil
}

func (s *Store) getRunDevice(ctx context.Context, runID, deviceID int64) (*RunDevice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, device_id, status, started_at, finished_at, error_message, error_code, template_hash, tasks, captured_config
		 FROM run_devices WHERE run_id = ? AND device_id = ?`, runID, deviceID)
	rd, err := scanRunDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rd, err
}

func (s *Store) GetRunDevice(ctx context.Context, runID, deviceID int64) (*RunDevice, error) {
	return s.getRunDevice(ctx, runID, deviceID)
}

func (s *Store) ListRunDevices(ctx context.Context, runID int64) ([]RunDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, device_id, status, started_at, finished_at, error_message, error_code, template_hash, tasks, captured_config
		 FROM run_devices WHERE run_id = ? ORDER BY device_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run devices: %w", err)
	}
	defer rows.Close()

	rds := []RunDevice{}
	for rows.Next() {
		rd, err := scanRunDevice(rows)
		if err != nil {
			return nil, err
		}
		rds = append(rds, *rd)
	}
	return rds, rows.Err()
}

// --- event log ---

// AppendEvent appends one event. The log is append-only; events are never
// mutated after insert.
func (s *Store) AppendEvent(ctx context.Context, ev *EventLog) error {
	if ev.TS.IsZero() {
		ev.TS = s.clock.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO event_logs (run_id, device_id, port, ts, level, message, raw, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.DeviceID, ev.Port, ev.TS, ev.Level, ev.Message, nullStr(ev.Raw), nullStr(ev.ErrorCode))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID int64) ([]EventLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, device_id, port, ts, level, message, raw, error_code
		 FROM event_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []EventLog{}
	for rows.Next() {
		var ev EventLog
		var deviceID sql.NullInt64
		var port sql.NullInt64
		var raw, code sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &deviceID, &port, &ev.TS, &ev.Level, &ev.Message, &raw, &code); err != nil {
			return nil, err
		}
		if deviceID.Valid {
			v := deviceID.Int64
			ev.DeviceID = &v
		}
		if port.Valid {
			v := int(port.Int64)
			ev.Port = &v
		}
		ev.Raw = raw.String
		ev.ErrorCode = code.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var port, vlan sql.NullInt64
	var vendor, model sql.NullString
	err := row.Scan(&d.ID, &d.JobID, &port, &vendor, &model, &d.Hostname, &d.MgmtIP, &d.Mask, &d.Gateway, &vlan, &d.Status)
	if err != nil {
		return nil, err
	}
	if port.Valid {
		v := int(port.Int64)
		d.Port = &v
	}
	if vlan.Valid {
		v := int(vlan.Int64)
		d.MgmtVLAN = &v
	}
	d.Vendor = vendor.String
	d.Model = model.String
	return &d, nil
}

func scanRunDevice(row rowScanner) (*RunDevice, error) {
	var rd RunDevice
	var started, finished sql.NullTime
	var errMsg, errCode, tmplHash, tasks, captured sql.NullString
	err := row.Scan(&rd.ID, &rd.RunID, &rd.DeviceID, &rd.Status, &started, &finished, &errMsg, &errCode, &tmplHash, &tasks, &captured)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		rd.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		rd.FinishedAt = &t
	}
	rd.ErrorMessage = errMsg.String
	rd.ErrorCode = errCode.String
	rd.TemplateHash = tmplHash.String
	if tasks.Valid && tasks.String != "" {
		rd.Tasks = []byte(tasks.String)
	}
	rd.CapturedConfig = captured.String
	return &rd, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
