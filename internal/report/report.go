// Package report projects a completed (or live) run into its JSON and CSV
// forms. It only reads the store.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/baselinelabs/switchboot/internal/store"
	"github.com/baselinelabs/switchboot/internal/vendorcli"
)

type DeviceReport struct {
	Hostname        string                 `json:"hostname"`
	MgmtIP          string                 `json:"mgmt_ip"`
	Port            *int                   `json:"port"`
	Status          string                 `json:"status"`
	StartedAt       *time.Time             `json:"started_at"`
	FinishedAt      *time.Time             `json:"finished_at"`
	DurationSeconds *float64               `json:"duration_seconds"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	TemplateHash    string                 `json:"template_hash,omitempty"`
	Tasks           []vendorcli.TaskResult `json:"tasks"`
}

type RunReport struct {
	RunID       int64          `json:"run_id"`
	JobName     string         `json:"job_name"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at"`
	Parallelism int            `json:"parallelism"`
	Devices     []DeviceReport `json:"devices"`
}

// Build assembles the report projection for one run. Timestamps are UTC as
// stored; the JSON encoding is ISO-8601.
func Build(ctx context.Context, st *store.Store, runID int64) (*RunReport, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	jobName := "Unknown"
	if job, err := st.GetJob(ctx, run.JobID); err == nil {
		jobName = job.Name
	}

	rds, err := st.ListRunDevices(ctx, runID)
	if err != nil {
		return nil, err
	}

	rep := &RunReport{
		RunID:       run.ID,
		JobName:     jobName,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Parallelism: run.Parallelism,
		Devices:     []DeviceReport{},
	}

	for _, rd := range rds {
		dr := DeviceReport{
			Hostname:     "Unknown",
			MgmtIP:       "Unknown",
			Status:       rd.Status,
			StartedAt:    rd.StartedAt,
			FinishedAt:   rd.FinishedAt,
			ErrorMessage: rd.ErrorMessage,
			ErrorCode:    rd.ErrorCode,
			TemplateHash: rd.TemplateHash,
			Tasks:        []vendorcli.TaskResult{},
		}
		if device, err := st.GetDevice(ctx, rd.DeviceID); err == nil {
			dr.Hostname = device.Hostname
			dr.MgmtIP = device.MgmtIP
			dr.Port = device.Port
		}
		if rd.StartedAt != nil && rd.FinishedAt != nil {
			d := rd.FinishedAt.Sub(*rd.StartedAt).Seconds()
			dr.DurationSeconds = &d
		}
		if len(rd.Tasks) > 0 {
			if err := json.Unmarshal(rd.Tasks, &dr.Tasks); err != nil {
				dr.Tasks = []vendorcli.TaskResult{}
			}
		}
		rep.Devices = append(rep.Devices, dr)
	}

	return rep, nil
}

var csvHeader = []string{
	"hostname", "mgmt_ip", "port", "status",
	"started_at", "finished_at", "duration_seconds",
	"error_message", "error_code", "template_hash", "tasks_summary",
}

// BuildCSV renders the same projection as Build with the per-device task
// list flattened into a "name: status; ..." summary column.
func BuildCSV(ctx context.Context, st *store.Store, runID int64) (string, error) {
	rep, err := Build(ctx, st, runID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}

	for _, d := range rep.Devices {
		var summary []string
		for _, t := range d.Tasks {
			summary = append(summary, fmt.Sprintf("%s: %s", t.Name, t.Status))
		}
		row := []string{
			d.Hostname,
			d.MgmtIP,
			intOrEmpty(d.Port),
			d.Status,
			timeOrEmpty(d.StartedAt),
			timeOrEmpty(d.FinishedAt),
			floatOrEmpty(d.DurationSeconds),
			d.ErrorMessage,
			d.ErrorCode,
			d.TemplateHash,
			strings.Join(summary, "; "),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func intOrEmpty(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func floatOrEmpty(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
