package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/events"
	"github.com/mcpbuild/orchestrator/internal/store"
)

// PlanProvider supplies the ordinal-ordered list of planned prompts a build
// starts with. Prompt generation itself is out of scope (§1); the module's
// only implementation is StaticPlanProvider.
type PlanProvider interface {
	PlannedPrompts(ctx context.Context, buildID string) ([]string, error)
}

// StaticPlanProvider returns a fixed prompt list regardless of build id,
// used by tests and by buildworker (seeded from BUILD_PLANNED_PROMPTS).
type StaticPlanProvider struct {
	Prompts []string
}

func (p StaticPlanProvider) PlannedPrompts(ctx context.Context, buildID string) ([]string, error) {
	return p.Prompts, nil
}

// Runner executes one build end-to-end (§4.1).
type Runner struct {
	buildID string

	store      store.Store
	bus        events.Bus
	agent      AgentExecutor
	workspaces WorkspaceProvisioner
	plans      PlanProvider
	cfg        config.BuildConfig
	log        *logger.Logger

	queue *PromptQueue
}

// New creates a Runner for one build.
func New(buildID string, st store.Store, bus events.Bus, agent AgentExecutor, workspaces WorkspaceProvisioner, plans PlanProvider, cfg config.BuildConfig, log *logger.Logger) *Runner {
	return &Runner{
		buildID:    buildID,
		store:      st,
		bus:        bus,
		agent:      agent,
		workspaces: workspaces,
		plans:      plans,
		cfg:        cfg,
		log:        log.With(zap.String("build_id", buildID)),
		queue:      NewPromptQueue(),
	}
}

// Run drives the build to a terminal status and returns the exit code the
// owning worker process should use (§4.1 Termination): 0 for completed or
// cancelled, 1 for failed.
func (r *Runner) Run(parent context.Context) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	build, err := r.store.GetBuild(ctx, r.buildID)
	if err != nil {
		return 1, fmt.Errorf("runner: load build: %w", err)
	}

	if build.WorkspacePath == "" {
		path, err := r.workspaces.CreateWorkspace(ctx, r.buildID, build.ProjectRef)
		if err != nil {
			return 1, fmt.Errorf("runner: create workspace: %w", err)
		}
		if err := r.store.UpdateBuildWorkspace(ctx, r.buildID, path); err != nil {
			return 1, fmt.Errorf("runner: persist workspace path: %w", err)
		}
		build.WorkspacePath = path
	}

	prompts, err := r.plans.PlannedPrompts(ctx, r.buildID)
	if err != nil {
		return 1, fmt.Errorf("runner: load planned prompts: %w", err)
	}
	r.queue.Seed(prompts)

	var wg sync.WaitGroup
	wg.Add(2)
	go r.heartbeatLoop(ctx, &wg)
	go r.pollLoop(ctx, &wg, cancel)

	outcome := r.executionLoop(ctx, build.WorkspacePath)

	cancel()
	wg.Wait()

	return r.terminate(context.Background(), outcome)
}

type runOutcome struct {
	terminal store.BuildStatus
	reason   string
}

// executionLoop is the main per-prompt loop (§4.1 "Per-prompt execution
// algorithm"). It runs on the calling goroutine; the heartbeat and poll
// ticks run alongside it and communicate cancellation back via ctx.
func (r *Runner) executionLoop(ctx context.Context, workspacePath string) runOutcome {
	for {
		if ctx.Err() != nil {
			return runOutcome{terminal: store.BuildCancelled, reason: "cancelled"}
		}

		item, ok := r.queue.Peek()
		if !ok {
			return runOutcome{terminal: store.BuildCompleted}
		}

		outcome := r.runStep(ctx, workspacePath, item)
		switch outcome.terminal {
		case "":
			// Step succeeded; pop and continue.
			r.queue.Pop()
			continue
		default:
			return outcome
		}
	}
}

// runStep executes one queue item's full attempt sequence, returning a
// zero-value runOutcome on success or the Build-terminal outcome on
// permanent failure / cancellation.
func (r *Runner) runStep(ctx context.Context, workspacePath string, item PromptQueueItem) runOutcome {
	step := &store.Step{
		BuildID:    r.buildID,
		Ordinal:    item.Ordinal,
		PromptText: item.PromptText,
		Origin:     string(item.Origin),
		Status:     store.StepRunning,
		Attempt:    1,
	}
	if err := r.store.CreateStep(ctx, step); err != nil {
		r.log.Error("failed creating step row", zap.Error(err))
		return runOutcome{terminal: store.BuildFailed, reason: "store_error"}
	}

	maxAttempts := r.cfg.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			r.finishStep(context.Background(), step, store.StepFailed, "cancelled")
			return runOutcome{terminal: store.BuildCancelled, reason: "cancelled"}
		}

		result, invokeErr := r.agent.Invoke(ctx, workspacePath, item.PromptText, r.cfg.StepTimeout(), func(stream, line string) {
			r.appendLog(context.Background(), step.ID, stream, line)
		})

		if invokeErr != nil && ctx.Err() != nil {
			r.finishStep(context.Background(), step, store.StepFailed, "cancelled")
			return runOutcome{terminal: store.BuildCancelled, reason: "cancelled"}
		}

		outcome := Classify(result.ExitCode, result.TimedOut, result.StderrTail)

		switch outcome {
		case OutcomeSuccess:
			r.finishStep(ctx, step, store.StepSucceeded, "")
			if item.Origin == OriginCustom {
				if err := r.store.TransitionCustomPromptStatus(ctx, item.CustomPromptID, store.CustomPromptExecuted); err != nil {
					r.log.Warn("failed marking custom prompt executed", zap.Error(err))
				}
			}
			return runOutcome{}

		case OutcomePermanent:
			reason := result.StderrTail
			r.finishStep(ctx, step, store.StepFailed, reason)
			return runOutcome{terminal: store.BuildFailed, reason: "step_failed"}

		case OutcomeTransient:
			if attempt >= maxAttempts {
				r.finishStep(ctx, step, store.StepFailed, result.StderrTail)
				return runOutcome{terminal: store.BuildFailed, reason: "retries_exhausted"}
			}
			step.Attempt = attempt + 1
			step.Status = store.StepRetrying
			if err := r.store.UpdateStep(ctx, step); err != nil {
				r.log.Warn("failed updating step for retry", zap.Error(err))
			}
			if err := r.store.TransitionBuildStatus(ctx, r.buildID, store.BuildRetrying, ""); err != nil && !errors.Is(err, store.ErrConflict) {
				r.log.Warn("failed transitioning build to retrying", zap.Error(err))
			}

			delay := Backoff(attempt, r.cfg.RetryBase(), r.cfg.RetryMax())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				r.finishStep(context.Background(), step, store.StepFailed, "cancelled")
				return runOutcome{terminal: store.BuildCancelled, reason: "cancelled"}
			}

			if err := r.store.TransitionBuildStatus(ctx, r.buildID, store.BuildRunning, ""); err != nil && !errors.Is(err, store.ErrConflict) {
				r.log.Warn("failed transitioning build back to running", zap.Error(err))
			}
			step.Status = store.StepRunning
		}
	}
}

func (r *Runner) finishStep(ctx context.Context, step *store.Step, status store.StepStatus, errMsg string) {
	now := time.Now().UTC()
	step.Status = status
	step.EndedAt = &now
	step.Error = errMsg
	if err := r.store.UpdateStep(ctx, step); err != nil {
		r.log.Warn("failed finishing step", zap.Error(err))
	}
}

func (r *Runner) appendLog(ctx context.Context, stepID, stream, chunk string) {
	logStream := store.LogStdout
	if stream == "stderr" {
		logStream = store.LogStderr
	}
	entry := &store.LogEntry{BuildID: r.buildID, StepID: stepID, Stream: logStream, Chunk: chunk}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.log.Debug("failed appending log entry", zap.Error(err))
	}
}

// terminate applies the final Build-status write and publishes the
// corresponding lifecycle event (§4.1 Termination).
func (r *Runner) terminate(ctx context.Context, outcome runOutcome) (int, error) {
	switch outcome.terminal {
	case store.BuildCompleted:
		if err := r.store.TransitionBuildStatus(ctx, r.buildID, store.BuildCompleted, ""); err != nil && !errors.Is(err, store.ErrConflict) {
			return 1, fmt.Errorf("runner: mark build completed: %w", err)
		}
		r.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": r.buildID, "status": "completed"})
		return 0, nil

	case store.BuildCancelled:
		if err := r.store.TransitionBuildStatus(ctx, r.buildID, store.BuildCancelled, outcome.reason); err != nil && !errors.Is(err, store.ErrConflict) {
			return 0, fmt.Errorf("runner: mark build cancelled: %w", err)
		}
		r.skipOutstandingCustomPrompts(ctx)
		r.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": r.buildID, "status": "cancelled"})
		return 0, nil

	default: // store.BuildFailed
		if err := r.store.TransitionBuildStatus(ctx, r.buildID, store.BuildFailed, outcome.reason); err != nil && !errors.Is(err, store.ErrConflict) {
			return 1, fmt.Errorf("runner: mark build failed: %w", err)
		}
		r.skipOutstandingCustomPrompts(ctx)
		r.publish(ctx, events.TypeBuildStatusChanged, map[string]interface{}{"build_id": r.buildID, "status": "failed", "reason": outcome.reason})
		return 1, nil
	}
}

// skipOutstandingCustomPrompts transitions any still-injected Custom Prompts
// to skipped when the build terminates without consuming them (§3 lifecycle).
func (r *Runner) skipOutstandingCustomPrompts(ctx context.Context) {
	prompts, err := r.store.ListCustomPrompts(ctx, r.buildID)
	if err != nil {
		r.log.Warn("failed listing custom prompts at termination", zap.Error(err))
		return
	}
	for _, cp := range prompts {
		if cp.Status == store.CustomPromptInjected || cp.Status == store.CustomPromptPending {
			if err := r.store.TransitionCustomPromptStatus(ctx, cp.ID, store.CustomPromptSkipped); err != nil {
				r.log.Warn("failed skipping outstanding custom prompt", zap.String("custom_prompt_id", cp.ID), zap.Error(err))
			}
		}
	}
}

func (r *Runner) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, events.SubjectBuilds, events.New(eventType, "build-runner", data)); err != nil {
		r.log.Debug("failed publishing event", zap.Error(err))
	}
}

// heartbeatLoop writes last_heartbeat every HeartbeatInterval, independent
// of agent execution and backoff sleeps, stopping only when ctx is done
// (§4.1 Heartbeat loop).
func (r *Runner) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.UpdateBuildHeartbeat(ctx, r.buildID, time.Now().UTC()); err != nil {
				r.log.Warn("failed writing heartbeat", zap.Error(err))
			}
		}
	}
}

// pollLoop periodically absorbs newly-pending Custom Prompts into the live
// queue tail and observes external cancellation via the Build's status
// column (§4.1 Custom prompt polling, §5 Cancellation semantics).
func (r *Runner) pollLoop(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc) {
	defer wg.Done()
	promptTicker := time.NewTicker(r.cfg.CustomPromptPollInterval())
	defer promptTicker.Stop()
	cancelTicker := time.NewTicker(r.cfg.CancelPollInterval())
	defer cancelTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-promptTicker.C:
			pending, err := r.store.ListPendingCustomPrompts(ctx, r.buildID)
			if err != nil {
				r.log.Debug("failed polling custom prompts", zap.Error(err))
				continue
			}
			for _, cp := range pending {
				r.queue.AppendCustom(cp.PromptText, cp.ID)
				if err := r.store.TransitionCustomPromptStatus(ctx, cp.ID, store.CustomPromptInjected); err != nil {
					r.log.Warn("failed marking custom prompt injected", zap.String("custom_prompt_id", cp.ID), zap.Error(err))
				}
				r.publish(ctx, events.TypeCustomPromptStatus, map[string]interface{}{"build_id": r.buildID, "custom_prompt_id": cp.ID, "status": "injected"})
			}

		case <-cancelTicker.C:
			build, err := r.store.GetBuild(ctx, r.buildID)
			if err != nil {
				r.log.Debug("failed polling build status for cancellation", zap.Error(err))
				continue
			}
			if build.Status == store.BuildCancelled {
				cancel()
				return
			}
		}
	}
}
