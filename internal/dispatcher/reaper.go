package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/events"
	"github.com/mcpbuild/orchestrator/internal/store"
)

// reaperInterval is the fixed cadence of the periodic reap task (§4.3
// "Reaper ... every 30s"); unlike the Build Runner's timing knobs this one
// is not exposed as an environment key in §6, so it stays a constant.
const reaperInterval = 30 * time.Second

// RunReaper blocks, ticking every reaperInterval until ctx is cancelled,
// calling Reap on each tick.
func (d *Dispatcher) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reap(ctx)
		}
	}
}

// Reap performs one reaper pass (§4.3 "Reaper"): (a) zombie workers whose
// process has already died but whose exit the monitor goroutine missed,
// (b) Builds whose heartbeat has gone stale, (c) orphaned preview ports via
// the Preview Manager's own Reap.
func (d *Dispatcher) Reap(ctx context.Context) {
	d.metrics.ReaperTicks.Inc()

	d.reapDeadWorkers(ctx)
	d.reapStaleHeartbeats(ctx)
	d.preview.Reap()

	d.metrics.ActiveBuilds.Set(float64(d.activeCount()))
}

// reapDeadWorkers removes Active Build Entries whose recorded pid is no
// longer alive, covering the case where cmd.Wait() itself never returned
// (e.g. double-reaped by an external process manager).
func (d *Dispatcher) reapDeadWorkers(ctx context.Context) {
	d.mu.Lock()
	dead := make([]string, 0)
	for id, e := range d.entries {
		if e.PID > 0 && !processAlive(e.PID) {
			dead = append(dead, id)
		}
	}
	d.mu.Unlock()

	for _, id := range dead {
		d.removeEntry(id)
		if err := d.store.TransitionBuildStatus(ctx, id, store.BuildFailed, "lost_worker"); err != nil {
			d.log.Debug("failed marking zombie-reaped build failed", zap.String("build_id", id), zap.Error(err))
		}
		d.metrics.BuildsFailed.WithLabelValues("lost_worker").Inc()
		d.log.Warn("reaped zombie worker entry", zap.String("build_id", id))
		d.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": id, "status": "failed", "reason": "lost_worker"})
	}
}

// reapStaleHeartbeats marks running Builds whose last_heartbeat has exceeded
// the liveness threshold as failed (§3 invariant, §4.3 "verifies each running
// Build's last_heartbeat is within the liveness threshold").
func (d *Dispatcher) reapStaleHeartbeats(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	threshold := d.cfg.Build.HeartbeatTimeout()
	for _, id := range ids {
		b, err := d.store.GetBuild(ctx, id)
		if err != nil {
			d.log.Debug("failed loading build for heartbeat check", zap.String("build_id", id), zap.Error(err))
			continue
		}
		if !b.Status.Active() {
			continue
		}
		if time.Since(b.LastHeartbeat) <= threshold {
			continue
		}

		if err := d.store.TransitionBuildStatus(ctx, id, store.BuildFailed, "heartbeat_timeout"); err != nil {
			d.log.Debug("failed marking stale build failed", zap.String("build_id", id), zap.Error(err))
			continue
		}
		d.removeEntry(id)
		d.metrics.BuildsFailed.WithLabelValues("heartbeat_timeout").Inc()
		d.log.Warn("build heartbeat exceeded liveness threshold", zap.String("build_id", id), zap.Duration("threshold", threshold))
		d.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": id, "status": "failed", "reason": "heartbeat_timeout"})
	}
}
