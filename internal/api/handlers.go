package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/baselinelabs/switchboot/internal/config"
	"github.com/baselinelabs/switchboot/internal/policy"
	"github.com/baselinelabs/switchboot/internal/report"
	"github.com/baselinelabs/switchboot/internal/serial"
	"github.com/baselinelabs/switchboot/internal/store"
	"github.com/baselinelabs/switchboot/internal/vendorcli"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "switchboot",
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	status := "healthy"
	if err := s.store.Ping(r.Context()); err != nil {
		dbStatus = "error"
		status = "degraded"
	}

	ports := serial.Discover(s.cfg.PortBase)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"database": dbStatus,
		"serial_ports": map[string]any{
			"count":     len(ports),
			"available": ports,
		},
		"version": s.version,
	})
}

// --- jobs ---

type jobCreateRequest struct {
	Name     string `json:"name"`
	Customer string `json:"customer"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	job, err := s.store.CreateJob(r.Context(), req.Name, req.Customer)
	if err != nil {
		s.internalError(w, "create job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobID")
	if err != nil {
		httpError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.internalError(w, "delete job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- devices ---

type deviceCreateRequest struct {
	Port     *int   `json:"port"`
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Hostname string `json:"hostname"`
	MgmtIP   string `json:"mgmt_ip"`
	Mask     string `json:"mask"`
	Gateway  string `json:"gateway"`
	MgmtVLAN *int   `json:"mgmt_vlan"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	var req deviceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Hostname == "" || req.MgmtIP == "" || req.Mask == "" || req.Gateway == "" {
		httpError(w, http.StatusBadRequest, "hostname, mgmt_ip, mask and gateway are required")
		return
	}
	device := &store.Device{
		JobID:    job.ID,
		Port:     req.Port,
		Vendor:   req.Vendor,
		Model:    req.Model,
		Hostname: req.Hostname,
		MgmtIP:   req.MgmtIP,
		Mask:     req.Mask,
		Gateway:  req.Gateway,
		MgmtVLAN: req.MgmtVLAN,
	}
	device, err := s.store.CreateDevice(r.Context(), device)
	if err != nil {
		s.internalError(w, "create device", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	devices, err := s.store.ListDevicesByJob(r.Context(), job.ID)
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "deviceID")
	if err != nil {
		httpError(w, http.StatusNotFound, "Device not found")
		return
	}
	var upd store.DeviceUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	device, err := s.store.UpdateDevice(r.Context(), id, &upd)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Device not found")
			return
		}
		s.internalError(w, "update device", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "deviceID")
	if err != nil {
		httpError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Device not found")
			return
		}
		s.internalError(w, "delete device", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	devices, parseErrs := policy.ParseDevicesCSV(job.ID, file)
	successCount := 0
	errs := append([]string{}, parseErrs...)
	for _, d := range devices {
		device := d
		if _, err := s.store.CreateDevice(r.Context(), &device); err != nil {
			errs = append(errs, fmt.Sprintf("Failed to create device %s: %v", device.Hostname, err))
			continue
		}
		successCount++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        job.ID,
		"success_count": successCount,
		"errors":        errs,
	})
}

// --- validation & preview ---

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	devices, err := s.store.ListDevicesByJob(r.Context(), job.ID)
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, policy.ValidateJob(devices))
}

type devicePreview struct {
	DeviceID int64  `json:"device_id"`
	Hostname string `json:"hostname"`
	Vendor   string `json:"vendor"`
	Commands string `json:"commands"`
	Hash     string `json:"hash"`
	Error    string `json:"error,omitempty"`
}

func previewDevice(device *store.Device) devicePreview {
	vendor := vendorcli.Lookup(device.Vendor)
	p := devicePreview{
		DeviceID: device.ID,
		Hostname: device.Hostname,
		Vendor:   vendor.VendorID(),
	}
	stream, err := vendorcli.RenderStream(vendor, vendorcli.Params{
		Hostname: device.Hostname,
		MgmtIP:   device.MgmtIP,
		MgmtMask: policy.NormalizeMask(device.Mask),
		Gateway:  device.Gateway,
		MgmtVLAN: device.MgmtVLAN,
	})
	if err != nil {
		p.Error = fmt.Sprintf("TEMPLATE_ERROR: %v", err)
		return p
	}
	p.Commands = stream
	p.Hash = vendorcli.StreamHash(stream)
	return p
}

func (s *Server) handleDevicePreview(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		httpError(w, http.StatusNotFound, "Device not found")
		return
	}
	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil || device.JobID != job.ID {
		httpError(w, http.StatusNotFound, "Device not found")
		return
	}
	p := previewDevice(device)
	if p.Error != "" {
		httpError(w, http.StatusBadRequest, p.Error)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBulkPreview(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	devices, err := s.store.ListDevicesByJob(r.Context(), job.ID)
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}
	previews := []devicePreview{}
	for i := range devices {
		previews = append(previews, previewDevice(&devices[i]))
	}
	writeJSON(w, http.StatusOK, previews)
}

// --- runs ---

type runCreateRequest struct {
	Parallelism *int `json:"parallelism"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	var req runCreateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	parallelism := s.cfg.DefaultParallelism
	if req.Parallelism != nil {
		parallelism = *req.Parallelism
	}
	if parallelism < 1 || parallelism > config.MaxParallelism {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("parallelism must be in [1, %d]", config.MaxParallelism))
		return
	}

	run, err := s.store.CreateRun(r.Context(), job.ID, parallelism)
	if err != nil {
		s.internalError(w, "create run", err)
		return
	}

	// Execution is dispatched to the scheduler; this handler returns the run
	// row immediately.
	s.scheduler.Launch(run.ID)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !s.scheduler.Cancel(run.ID) {
		httpError(w, http.StatusConflict, "Run is not executing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleReportJSON(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	rep, err := report.Build(r.Context(), s.store, run.ID)
	if err != nil {
		s.internalError(w, "build report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReportCSV(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	csvStr, err := report.BuildCSV(r.Context(), s.store, run.ID)
	if err != nil {
		s.internalError(w, "build csv report", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=report_%d.csv", run.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(csvStr)); err != nil {
		s.log.Error("failed to write csv response", "error", err)
	}
}

// --- ports ---

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	assigned, err := s.store.AssignedPorts(r.Context())
	if err != nil {
		s.internalError(w, "query assigned ports", err)
		return
	}
	ports := map[string]string{}
	for i := 1; i <= config.PortCount; i++ {
		status := "available"
		if assigned[i] {
			status = "busy"
		}
		ports[fmt.Sprintf("port%d", i)] = status
	}
	writeJSON(w, http.StatusOK, ports)
}

// --- helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*store.Job, bool) {
	id, err := pathID(r, "jobID")
	if err != nil {
		httpError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "get job", err)
		return nil, false
	}
	return job, true
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	id, err := pathID(r, "runID")
	if err != nil {
		httpError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return nil, false
	}
	return run, true
}

// internalError hides the failure detail from the client; the specifics go
// to the process log.
func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", "op", op, "error", err)
	httpError(w, http.StatusInternalServerError, "internal error")
}
