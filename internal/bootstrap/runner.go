// Package bootstrap is the run execution engine: per-device runners that
// drive a serial CLI dialog through connect, sync, configure, verify and
// save, and the scheduler that fans them out with bounded parallelism.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/baselinelabs/switchboot/internal/metrics"
	"github.com/baselinelabs/switchboot/internal/policy"
	"github.com/baselinelabs/switchboot/internal/serial"
	"github.com/baselinelabs/switchboot/internal/store"
	"github.com/baselinelabs/switchboot/internal/vendorcli"
)

// User-visible error codes. The set is closed; everything a runner can fail
// with maps onto one of these.
const (
	CodeSerialTimeout   = "SERIAL_TIMEOUT"
	CodePromptNotFound  = "PROMPT_NOT_FOUND"
	CodeCommandError    = "COMMAND_ERROR"
	CodeVerifyFailed    = "VERIFY_FAILED"
	CodeTemplateError   = "TEMPLATE_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
)

// errorMarkers are the vendor CLI rejection strings scanned for in every
// command transcript.
var errorMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Invalid input`),
	regexp.MustCompile(`(?i)Ambiguous command`),
	regexp.MustCompile(`(?i)Incomplete command`),
	regexp.MustCompile(`(?i)% Error`),
}

// SessionFactory builds a transport for a port device node. The default
// factory opens a real serial port; tests substitute fakes.
type SessionFactory func(path string) (serial.Session, error)

var (
	ErrLoggerRequired = errors.New("logger is required")
	ErrStoreRequired  = errors.New("store is required")
)

type RunnerConfig struct {
	Logger      *slog.Logger
	Store       *store.Store
	Clock       clockwork.Clock
	Sessions    SessionFactory
	PortBase    string
	BaudRate    int
	ReadTimeout time.Duration
}

func (c *RunnerConfig) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.PortBase == "" {
		return errors.New("port base path is required")
	}
	if c.BaudRate <= 0 {
		return errors.New("baud rate must be greater than 0")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be greater than 0")
	}
	return nil
}

// Runner executes the bootstrap state machine for one (run, device) pair. It
// owns its serial session exclusively and releases it on every exit path.
type Runner struct {
	log      *slog.Logger
	store    *store.Store
	clock    clockwork.Clock
	sessions SessionFactory

	portBase    string
	readTimeout time.Duration

	runID    int64
	deviceID int64
	device   *store.Device
	vendor   vendorcli.Vendor
	session  serial.Session
}

func NewRunner(cfg *RunnerConfig, runID, deviceID int64) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = func(path string) (serial.Session, error) {
			return serial.NewPort(serial.PortConfig{
				Path:        path,
				BaudRate:    cfg.BaudRate,
				ReadTimeout: cfg.ReadTimeout,
			})
		}
	}
	return &Runner{
		log:         cfg.Logger.With("run_id", runID, "device_id", deviceID),
		store:       cfg.Store,
		clock:       clock,
		sessions:    sessions,
		portBase:    cfg.PortBase,
		readTimeout: cfg.ReadTimeout,
		runID:       runID,
		deviceID:    deviceID,
	}, nil
}

// event appends to the run's durable event log. Failures to persist are
// logged and otherwise swallowed; losing one event must not kill the device.
func (r *Runner) event(ctx context.Context, level, message, raw, errorCode string) {
	ev := &store.EventLog{
		RunID:     r.runID,
		DeviceID:  &r.deviceID,
		Level:     level,
		Message:   message,
		Raw:       raw,
		ErrorCode: errorCode,
		TS:        r.clock.Now().UTC(),
	}
	if r.device != nil {
		ev.Port = r.device.Port
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.log.Error("failed to append event", "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, message, code string) {
	err := r.store.SetRunDeviceStatus(ctx, r.runID, r.deviceID, store.RunDeviceStatusFailed, &store.RunDeviceUpdate{
		ErrorMessage: message,
		ErrorCode:    code,
	})
	if err != nil {
		r.log.Error("failed to record device failure", "error", err)
	}
	metrics.DevicesTotal.WithLabelValues(store.RunDeviceStatusFailed).Inc()
}

// classify maps a transport error onto the closed error-code set.
func classify(err error) string {
	if errors.Is(err, serial.ErrReadTimeout) {
		return CodeSerialTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return CodeSerialTimeout
	case strings.Contains(msg, "prompt"):
		return CodePromptNotFound
	default:
		return CodeCommandError
	}
}

func scanForMarkers(transcript string) *regexp.Regexp {
	for _, marker := range errorMarkers {
		if marker.MatchString(transcript) {
			return marker
		}
	}
	return nil
}

// cancelled writes the terminal record for an administratively cancelled
// device and reports whether the context is done.
func (r *Runner) cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	// The terminal write must survive the cancelled context.
	bg := context.Background()
	r.event(bg, store.LevelWarning, "Run cancelled by operator", "", "")
	r.fail(bg, "cancelled", "")
	return true
}

// Run drives the full state machine to a terminal status. It never returns
// an error: every failure is recorded on the RunDevice row and in the event
// log, and must not disturb sibling runners.
func (r *Runner) Run(ctx context.Context) {
	metrics.RunnersInFlight.Inc()
	defer metrics.RunnersInFlight.Dec()

	device, err := r.store.GetDevice(ctx, r.deviceID)
	if err != nil || device.Port == nil {
		r.event(ctx, store.LevelError, "Device or port not specified", "", CodeValidationError)
		r.fail(ctx, "Device or port not specified", CodeValidationError)
		return
	}
	r.device = device
	r.vendor = vendorcli.Lookup(device.Vendor)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("runner panicked", "panic", rec)
			r.event(context.Background(), store.LevelError, fmt.Sprintf("Execution error: %v", rec), "", CodeCommandError)
			r.fail(context.Background(), fmt.Sprintf("%v", rec), CodeCommandError)
		}
		if r.session != nil {
			if err := r.session.Close(); err != nil {
				r.log.Error("failed to close serial session", "error", err)
			}
		}
	}()

	portPath := serial.PortPath(r.portBase, *device.Port)

	if err := r.store.SetRunDeviceStatus(ctx, r.runID, r.deviceID, store.RunDeviceStatusRunning, nil); err != nil {
		r.log.Error("failed to mark device running", "error", err)
		return
	}
	r.event(ctx, store.LevelInfo, fmt.Sprintf("Connecting to %s as %s", portPath, r.vendor.VendorID()), "", "")

	session, err := r.sessions(portPath)
	if err == nil {
		r.session = session
		err = session.Open()
	}
	if err != nil {
		code := classify(err)
		r.event(ctx, store.LevelError, fmt.Sprintf("Execution error: %v", err), "", code)
		r.fail(ctx, err.Error(), code)
		return
	}

	// Prompt sync: one empty line proves the remote is interactive.
	r.event(ctx, store.LevelInfo, "Synchronizing prompt...", "", "")
	prompt, err := r.exchange("")
	if err != nil {
		r.event(ctx, store.LevelError, fmt.Sprintf("Prompt sync failed: %v", err), prompt, CodePromptNotFound)
		r.fail(ctx, fmt.Sprintf("prompt sync failed: %v", err), CodePromptNotFound)
		return
	}
	r.event(ctx, store.LevelDebug, "Initial prompt detected", prompt, "")

	// Session init (e.g. disabling paging). Failures here are advisory.
	for _, cmd := range r.vendor.InitCommands() {
		if _, err := r.exchange(cmd); err != nil {
			r.event(ctx, store.LevelWarning, fmt.Sprintf("Init command failed: %s", cmd), "", "")
		}
	}

	params := vendorcli.Params{
		Hostname: device.Hostname,
		MgmtIP:   device.MgmtIP,
		MgmtMask: policy.NormalizeMask(device.Mask),
		Gateway:  device.Gateway,
		MgmtVLAN: device.MgmtVLAN,
	}

	blocks, err := r.vendor.BootstrapCommands(params)
	if err != nil {
		r.event(ctx, store.LevelError, fmt.Sprintf("Template rendering failed: %v", err), "", CodeTemplateError)
		r.fail(ctx, err.Error(), CodeTemplateError)
		return
	}
	hash := vendorcli.StreamHash(vendorcli.BlocksStream(blocks))

	// Persist the hash before executing anything so a partial failure is
	// still attributable to the exact stream that was attempted.
	if err := r.store.SetRunDeviceStatus(ctx, r.runID, r.deviceID, store.RunDeviceStatusRunning, &store.RunDeviceUpdate{TemplateHash: hash}); err != nil {
		r.log.Error("failed to record template hash", "error", err)
	}

	r.event(ctx, store.LevelInfo, fmt.Sprintf("Applying %d configuration blocks (hash: %s)...", len(blocks), hash), "", "")
	for _, block := range blocks {
		if r.cancelled(ctx) {
			return
		}
		if !r.runBlock(ctx, block) {
			return
		}
	}

	// Verification.
	r.event(ctx, store.LevelInfo, "Verifying configuration...", "", "")
	var transcript strings.Builder
	for _, cmd := range r.vendor.VerifyCommands(params) {
		if r.cancelled(ctx) {
			return
		}
		out, err := r.exchange(cmd)
		transcript.WriteString(out)
		if err != nil {
			code := classify(err)
			r.event(ctx, store.LevelError, fmt.Sprintf("Serial timeout on command: %s", cmd), out, code)
			r.fail(ctx, fmt.Sprintf("Timeout on %s", cmd), code)
			return
		}
	}

	result := r.vendor.ParseVerify(transcript.String(), params)
	tasks, merr := json.Marshal(result.Tasks)
	if merr != nil {
		r.log.Error("failed to marshal verify tasks", "error", merr)
		tasks = nil
	}

	if !result.Success {
		r.event(ctx, store.LevelError, fmt.Sprintf("Verification failed: %s", result.Details), transcript.String(), CodeVerifyFailed)
		err := r.store.SetRunDeviceStatus(ctx, r.runID, r.deviceID, store.RunDeviceStatusFailed, &store.RunDeviceUpdate{
			ErrorMessage: fmt.Sprintf("Verification failed: %s", result.Details),
			ErrorCode:    CodeVerifyFailed,
			Tasks:        tasks,
		})
		if err != nil {
			r.log.Error("failed to record verify failure", "error", err)
		}
		metrics.DevicesTotal.WithLabelValues(store.RunDeviceStatusFailed).Inc()
		return
	}
	r.event(ctx, store.LevelInfo, fmt.Sprintf("Verification successful: %s", result.Details), "", "")

	if r.cancelled(ctx) {
		return
	}

	// Save. The configuration is already applied and verified; a failing
	// save command is logged at WARNING and does not degrade the outcome.
	r.event(ctx, store.LevelInfo, "Saving configuration...", "", "")
	for _, cmd := range r.vendor.SaveCommands(params) {
		out, err := r.exchange(cmd)
		if err != nil {
			r.event(ctx, store.LevelWarning, fmt.Sprintf("Save command failed: %s", cmd), out, "")
			continue
		}
		if marker := scanForMarkers(out); marker != nil {
			r.event(ctx, store.LevelWarning, fmt.Sprintf("Save command rejected: %s", cmd), out, "")
		}
	}

	err = r.store.SetRunDeviceStatus(ctx, r.runID, r.deviceID, store.RunDeviceStatusVerified, &store.RunDeviceUpdate{
		Tasks:          tasks,
		CapturedConfig: transcript.String(),
	})
	if err != nil {
		r.log.Error("failed to record device success", "error", err)
	}
	metrics.DevicesTotal.WithLabelValues(store.RunDeviceStatusVerified).Inc()
	r.log.Info("device bootstrapped", "port", *device.Port, "hash", hash)
}

// runBlock executes one command block. It returns false when the device is
// terminally failed and the runner must stop.
func (r *Runner) runBlock(ctx context.Context, block vendorcli.CommandBlock) bool {
	r.event(ctx, store.LevelInfo, fmt.Sprintf("Running block: %s", block.Name), "", "")

	prompt := serial.DefaultPrompt
	if block.ExpectPrompt != "" {
		if re, err := regexp.Compile(block.ExpectPrompt); err == nil {
			prompt = re
		} else {
			r.log.Warn("invalid expect_prompt, using default", "pattern", block.ExpectPrompt, "error", err)
		}
	}

	for _, cmd := range block.Commands {
		if strings.TrimSpace(cmd) == "" {
			continue
		}
		if r.cancelled(ctx) {
			return false
		}

		start := r.clock.Now()
		if err := r.session.SendLine(cmd); err != nil {
			code := classify(err)
			r.event(ctx, store.LevelError, fmt.Sprintf("Execution error: %v", err), "", code)
			r.fail(ctx, err.Error(), code)
			return false
		}
		out, err := r.session.ReadUntilPrompt(prompt, r.readTimeout)
		metrics.SerialCommandDuration.Observe(r.clock.Since(start).Seconds())
		if err != nil {
			code := classify(err)
			r.event(ctx, store.LevelError, fmt.Sprintf("Serial timeout on command: %s", cmd), out, code)
			r.fail(ctx, fmt.Sprintf("Timeout on %s", cmd), code)
			return false
		}

		if marker := scanForMarkers(out); marker != nil {
			r.event(ctx, store.LevelError, fmt.Sprintf("Command failed: %s", cmd), out, CodeCommandError)
			if block.Critical {
				r.fail(ctx, fmt.Sprintf("Critical Error in %s: %s", block.Name, cmd), CodeCommandError)
				return false
			}
			r.event(ctx, store.LevelWarning, fmt.Sprintf("Ignoring non-critical error in %s", block.Name), "", "")
		}
	}
	return true
}

// exchange sends one line and reads back to the default prompt.
func (r *Runner) exchange(cmd string) (string, error) {
	if err := r.session.SendLine(cmd); err != nil {
		return "", err
	}
	return r.session.ReadUntilPrompt(serial.DefaultPrompt, r.readTimeout)
}
