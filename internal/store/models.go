package store

import (
	"encoding/json"
	"time"
)

// Run lifecycle states. A run is created RUNNING and transitions to exactly
// one terminal state.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// Per-device states within a run.
const (
	RunDeviceStatusPending  = "PENDING"
	RunDeviceStatusRunning  = "RUNNING"
	RunDeviceStatusVerified = "VERIFIED"
	RunDeviceStatusFailed   = "FAILED"
)

// Event log levels.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

type Job struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Customer  string    `json:"customer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Device struct {
	ID       int64  `json:"id"`
	JobID    int64  `json:"job_id"`
	Port     *int   `json:"port,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Model    string `json:"model,omitempty"`
	Hostname string `json:"hostname"`
	MgmtIP   string `json:"mgmt_ip"`
	Mask     string `json:"mask"`
	Gateway  string `json:"gateway"`
	MgmtVLAN *int   `json:"mgmt_vlan,omitempty"`
	Status   string `json:"status"`
}

// DeviceUpdate carries a partial device update; nil fields are left untouched.
type DeviceUpdate struct {
	Port     *int    `json:"port"`
	Vendor   *string `json:"vendor"`
	Model    *string `json:"model"`
	Hostname *string `json:"hostname"`
	MgmtIP   *string `json:"mgmt_ip"`
	Mask     *string `json:"mask"`
	Gateway  *string `json:"gateway"`
	MgmtVLAN *int    `json:"mgmt_vlan"`
	Status   *string `json:"status"`
}

type Run struct {
	ID          int64      `json:"id"`
	JobID       int64      `json:"job_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	Parallelism int        `json:"parallelism"`
}

type RunDevice struct {
	ID             int64           `json:"id"`
	RunID          int64           `json:"run_id"`
	DeviceID       int64           `json:"device_id"`
	Status         string          `json:"status"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	TemplateHash   string          `json:"template_hash,omitempty"`
	Tasks          json.RawMessage `json:"tasks,omitempty"`
	CapturedConfig string          `json:"captured_config,omitempty"`
}

// Terminal reports whether the per-device status is final.
func (rd *RunDevice) Terminal() bool {
	return rd.Status == RunDeviceStatusVerified || rd.Status == RunDeviceStatusFailed
}

type EventLog struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	DeviceID  *int64    `json:"device_id,omitempty"`
	Port      *int      `json:"port,omitempty"`
	TS        time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
}
