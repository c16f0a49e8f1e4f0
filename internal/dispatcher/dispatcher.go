// Package dispatcher implements the host-level supervisor: accepts build-start
// requests, enforces the concurrency cap, spawns one worker OS process per
// build, tracks the in-memory Active Build registry, and exposes the
// reconciliation and reaping behavior that keeps that registry honest across
// restarts and crashed workers (§4.3).
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	apperrors "github.com/mcpbuild/orchestrator/internal/common/errors"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/events"
	"github.com/mcpbuild/orchestrator/internal/preview"
	"github.com/mcpbuild/orchestrator/internal/store"
)

// ActiveBuildEntry is the Dispatcher's in-memory record of one live build
// (§3). It exists from the moment a start request is accepted until the
// worker exits or is reaped.
type ActiveBuildEntry struct {
	BuildID     string
	PID         int
	StartedAt   time.Time
	PreviewPort *int
	CurrentStep int
}

type activeBuild struct {
	ActiveBuildEntry
}

// StartBuildRequest carries the per-build store credentials the Dispatcher
// passes to the worker it spawns (§6: "Request: {buildId, storeUrl, anonKey,
// accessToken?, serviceKey?}").
type StartBuildRequest struct {
	BuildID     string
	StoreURL    string
	AnonKey     string
	AccessToken string
	ServiceKey  string
}

// Dispatcher is the Dispatcher component of §4.3.
type Dispatcher struct {
	mu      sync.Mutex
	entries map[string]*activeBuild

	cfg     *config.Config
	store   store.Store
	bus     events.Bus
	preview *preview.Manager
	metrics *Metrics
	log     *logger.Logger
}

// New creates a Dispatcher. store is the Dispatcher's own registry/reconciliation
// store client, reached with the Dispatcher's own configured credentials;
// per-build worker processes are handed their own credentials from the
// matching StartBuildRequest.
func New(cfg *config.Config, st store.Store, bus events.Bus, previewMgr *preview.Manager, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		entries: make(map[string]*activeBuild),
		cfg:     cfg,
		store:   st,
		bus:     bus,
		preview: previewMgr,
		metrics: NewMetrics(),
		log:     log.With(zap.String("component", "dispatcher")),
	}
}

// ErrBusy is returned when the concurrency cap is already saturated.
var ErrBusy = apperrors.Busy("concurrency cap reached")

// StartBuild accepts a build-start request: checks the concurrency cap,
// registers an Active Build Entry, spawns a worker process, and records its
// pid (§4.3 "Concurrency cap", "Worker spawn").
func (d *Dispatcher) StartBuild(ctx context.Context, req StartBuildRequest) (ActiveBuildEntry, error) {
	d.mu.Lock()
	if existing, exists := d.entries[req.BuildID]; exists {
		entry := existing.ActiveBuildEntry
		d.mu.Unlock()
		d.log.Info("start-build re-delivery for already-active build is a no-op", zap.String("build_id", req.BuildID))
		return entry, nil
	}
	if len(d.entries) >= d.cfg.Server.MaxBuilds {
		d.mu.Unlock()
		return ActiveBuildEntry{}, ErrBusy
	}
	placeholder := &activeBuild{ActiveBuildEntry: ActiveBuildEntry{BuildID: req.BuildID, StartedAt: time.Now().UTC()}}
	d.entries[req.BuildID] = placeholder
	d.mu.Unlock()

	cmd, err := d.buildWorkerCommand(req)
	if err != nil {
		d.removeEntry(req.BuildID)
		return ActiveBuildEntry{}, fmt.Errorf("dispatcher: build worker command: %w", err)
	}

	if err := cmd.Start(); err != nil {
		d.removeEntry(req.BuildID)
		return ActiveBuildEntry{}, fmt.Errorf("dispatcher: spawn worker: %w", err)
	}

	d.mu.Lock()
	placeholder.PID = cmd.Process.Pid
	d.mu.Unlock()

	if err := d.store.UpdateBuildWorkerPID(ctx, req.BuildID, cmd.Process.Pid); err != nil {
		d.log.Warn("failed recording worker pid", zap.String("build_id", req.BuildID), zap.Error(err))
	}
	if err := d.store.TransitionBuildStatus(ctx, req.BuildID, store.BuildRunning, ""); err != nil {
		d.log.Warn("failed transitioning build to running", zap.String("build_id", req.BuildID), zap.Error(err))
	}

	d.metrics.ActiveBuilds.Set(float64(d.activeCount()))
	d.log.Info("build started", zap.String("build_id", req.BuildID), zap.Int("pid", cmd.Process.Pid))
	d.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": req.BuildID, "status": "running"})

	go d.monitorWorker(req.BuildID, cmd)

	return placeholder.ActiveBuildEntry, nil
}

// buildWorkerCommand spawns a fresh worker process receiving the build id and
// store credentials via environment variables only, inheriting no file
// descriptors beyond standard streams (§4.3 "Worker spawn").
func (d *Dispatcher) buildWorkerCommand(req StartBuildRequest) (*exec.Cmd, error) {
	storeURL := req.StoreURL
	if storeURL == "" {
		storeURL = d.cfg.Store.URL
	}
	anonKey := req.AnonKey
	if anonKey == "" {
		anonKey = d.cfg.Store.AnonKey
	}
	serviceKey := req.ServiceKey
	if serviceKey == "" {
		serviceKey = d.cfg.Store.ServiceKey
	}

	cmd := exec.Command(d.cfg.Server.WorkerBinary)
	cmd.Env = []string{
		"BUILD_ID=" + req.BuildID,
		"STORE_URL=" + storeURL,
		"STORE_ANON_KEY=" + anonKey,
		"STORE_SERVICE_KEY=" + serviceKey,
		"STORE_ACCESS_TOKEN=" + req.AccessToken,
		"PATH=" + os.Getenv("PATH"),
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
	return cmd, nil
}

// monitorWorker establishes the non-blocking exit watch: a background
// goroutine blocks on cmd.Wait(), then removes the Active Build Entry and
// releases any preview port it held (§4.3 "non-blocking watch on each
// worker's exit").
func (d *Dispatcher) monitorWorker(buildID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	d.mu.Lock()
	entry, ok := d.entries[buildID]
	delete(d.entries, buildID)
	d.mu.Unlock()

	if !ok {
		return
	}
	if entry.PreviewPort != nil {
		_ = d.preview.Stop(context.Background(), buildID)
	}

	d.metrics.ActiveBuilds.Set(float64(d.activeCount()))

	if err != nil {
		d.log.Warn("worker exited with error", zap.String("build_id", buildID), zap.Error(err))
		if tErr := d.store.TransitionBuildStatus(context.Background(), buildID, store.BuildFailed, "worker_exit"); tErr != nil {
			d.log.Debug("failed marking build failed after worker exit", zap.String("build_id", buildID), zap.Error(tErr))
		}
		d.metrics.BuildsFailed.WithLabelValues("worker_exit").Inc()
		d.publish(context.Background(), events.TypeBuildStatusChanged, map[string]interface{}{"build_id": buildID, "status": "failed", "reason": "worker_exit"})
	} else {
		d.log.Info("worker exited cleanly", zap.String("build_id", buildID))
		d.metrics.BuildsCompleted.Inc()
	}
}

// publish reports Dispatcher-originated status transitions on the shared bus:
// the Runner publishes its own completed/cancelled/failed transitions while
// it is alive, but a worker_exit, lost_worker, or heartbeat_timeout failure is
// decided by the Dispatcher after the Runner is no longer around to do so.
func (d *Dispatcher) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, events.SubjectBuilds, events.New(eventType, "dispatcher", data)); err != nil {
		d.log.Warn("failed publishing event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (d *Dispatcher) removeEntry(buildID string) {
	d.mu.Lock()
	delete(d.entries, buildID)
	d.mu.Unlock()
}

func (d *Dispatcher) activeCount() int {
	return len(d.entries)
}

// CancelBuild flips the Build's store status to cancelled, the same
// mechanism the Runner observes on its own cancellation poll tick (§4.1,
// §6 "POST /api/builds/:id/cancel").
func (d *Dispatcher) CancelBuild(ctx context.Context, buildID string) error {
	d.mu.Lock()
	_, ok := d.entries[buildID]
	d.mu.Unlock()
	if !ok {
		return apperrors.NotFound("active build", buildID)
	}
	if err := d.store.TransitionBuildStatus(ctx, buildID, store.BuildCancelled, "cancelled_by_operator"); err != nil {
		return err
	}
	d.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": buildID, "status": "cancelled", "reason": "cancelled_by_operator"})
	return nil
}

// ListActiveBuilds returns a snapshot of the Active Build registry.
func (d *Dispatcher) ListActiveBuilds() []ActiveBuildEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActiveBuildEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.ActiveBuildEntry)
	}
	return out
}

// GetActiveBuild returns one build's registry entry.
func (d *Dispatcher) GetActiveBuild(buildID string) (ActiveBuildEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[buildID]
	if !ok {
		return ActiveBuildEntry{}, false
	}
	return e.ActiveBuildEntry, true
}

// RecordPreviewPort attaches an allocated preview port to a build's registry
// entry, called by the API handler after Preview Manager.Start succeeds.
func (d *Dispatcher) RecordPreviewPort(buildID string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[buildID]; ok {
		p := port
		e.PreviewPort = &p
	}
	d.metrics.PreviewPortsInUse.Set(float64(d.countPreviewPorts()))
}

// ClearPreviewPort detaches the preview port from a build's registry entry.
func (d *Dispatcher) ClearPreviewPort(buildID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[buildID]; ok {
		e.PreviewPort = nil
	}
	d.metrics.PreviewPortsInUse.Set(float64(d.countPreviewPorts()))
}

func (d *Dispatcher) countPreviewPorts() int {
	n := 0
	for _, e := range d.entries {
		if e.PreviewPort != nil {
			n++
		}
	}
	return n
}

// Store exposes the Dispatcher's store client for read-only proxying
// endpoints (steps/logs).
func (d *Dispatcher) Store() store.Store { return d.store }

// Preview exposes the Dispatcher's Preview Manager for the API handlers.
func (d *Dispatcher) Preview() *preview.Manager { return d.preview }

// Metrics exposes the Dispatcher's Prometheus collectors for the /metrics route.
func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

// Bootstrap scans the store for Builds in {running, retrying} with no
// corresponding Active Build Entry — a restart scenario (§9 "Cyclic
// references") — and reconciles each by checking whether its recorded
// worker pid is still alive.
func (d *Dispatcher) Bootstrap(ctx context.Context) error {
	builds, err := d.store.ListActiveBuilds(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: bootstrap: list active builds: %w", err)
	}

	for _, b := range builds {
		d.mu.Lock()
		_, known := d.entries[b.ID]
		d.mu.Unlock()
		if known {
			continue
		}

		if b.WorkerPID > 0 && processAlive(b.WorkerPID) {
			d.mu.Lock()
			d.entries[b.ID] = &activeBuild{ActiveBuildEntry: ActiveBuildEntry{
				BuildID:   b.ID,
				PID:       b.WorkerPID,
				StartedAt: b.UpdatedAt,
			}}
			d.mu.Unlock()
			d.log.Info("reconciled active build on restart", zap.String("build_id", b.ID), zap.Int("pid", b.WorkerPID))
			continue
		}

		if err := d.store.TransitionBuildStatus(ctx, b.ID, store.BuildFailed, "lost_worker"); err != nil {
			d.log.Warn("failed marking orphaned build failed", zap.String("build_id", b.ID), zap.Error(err))
			continue
		}
		d.metrics.BuildsFailed.WithLabelValues("lost_worker").Inc()
		d.log.Warn("marked orphaned build failed", zap.String("build_id", b.ID))
		d.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": b.ID, "status": "failed", "reason": "lost_worker"})
	}

	d.metrics.ActiveBuilds.Set(float64(d.activeCount()))
	return nil
}

// processAlive reports whether pid names a live process, via the
// kill(pid, 0) liveness probe (§4.3 "detected via a recorded OS pid and
// kill(pid, 0)").
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
