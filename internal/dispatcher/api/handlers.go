package api

import (
	"errors"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/mcpbuild/orchestrator/internal/common/errors"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/dispatcher"
	"github.com/mcpbuild/orchestrator/internal/preview"
)

// Handler holds the Dispatcher's HTTP handlers (§6).
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	startedAt  time.Time
	logger     *logger.Logger
}

// NewHandler creates a Handler wired to a Dispatcher.
func NewHandler(d *dispatcher.Dispatcher, log *logger.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		startedAt:  time.Now(),
		logger:     log.With(zap.String("component", "dispatcher-api")),
	}
}

// StartBuild accepts a build-start request.
// POST /api/start-build
func (h *Handler) StartBuild(c *gin.Context) {
	var req StartBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing required field: buildId"})
		return
	}

	_, err := h.dispatcher.StartBuild(c.Request.Context(), dispatcher.StartBuildRequest{
		BuildID:     req.BuildID,
		StoreURL:    req.StoreURL,
		AnonKey:     req.AnonKey,
		AccessToken: req.AccessToken,
		ServiceKey:  req.ServiceKey,
	})
	if err != nil {
		if errors.Is(err, dispatcher.ErrBusy) {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "busy"})
			return
		}
		h.logger.Error("failed starting build", zap.String("build_id", req.BuildID), zap.Error(err))
		c.JSON(apperrors.HTTPStatus(err), ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, StartBuildResponse{Accepted: true})
}

// Health reports liveness/readiness.
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var diskFree int64
	var statfs syscall.Statfs_t
	if err := syscall.Statfs("/", &statfs); err == nil {
		diskFree = int64(statfs.Bavail) * int64(statfs.Bsize)
	}

	c.JSON(http.StatusOK, HealthResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		MemoryBytes:   int64(mem.Alloc),
		DiskFreeBytes: diskFree,
		ActiveBuilds:  len(h.dispatcher.ListActiveBuilds()),
	})
}

// ListBuilds lists active builds.
// GET /api/builds
func (h *Handler) ListBuilds(c *gin.Context) {
	entries := h.dispatcher.ListActiveBuilds()
	out := make([]ActiveBuildResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toActiveBuildResponse(e))
	}
	c.JSON(http.StatusOK, ListBuildsResponse{Builds: out})
}

// GetBuild fetches one active build's registry entry.
// GET /api/builds/:id
func (h *Handler) GetBuild(c *gin.Context) {
	id := c.Param("id")
	entry, ok := h.dispatcher.GetActiveBuild(id)
	if !ok {
		appErr := apperrors.NotFound("active build", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, toActiveBuildResponse(entry))
}

// CancelBuild flips the build's store status to cancelled.
// POST /api/builds/:id/cancel
func (h *Handler) CancelBuild(c *gin.Context) {
	id := c.Param("id")
	if err := h.dispatcher.CancelBuild(c.Request.Context(), id); err != nil {
		status := apperrors.HTTPStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// StartPreview starts a dev-server for a completed build.
// POST /api/builds/:id/preview
func (h *Handler) StartPreview(c *gin.Context) {
	id := c.Param("id")

	build, err := h.dispatcher.Store().GetBuild(c.Request.Context(), id)
	if err != nil {
		appErr := apperrors.NotFound("build", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	entry, err := h.dispatcher.Preview().Start(c.Request.Context(), id, build.WorkspacePath)
	if err != nil {
		switch {
		case errors.Is(err, preview.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "already running"})
		case errors.Is(err, preview.ErrNoPortsAvailable):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no ports available"})
		default:
			h.logger.Error("failed starting preview", zap.String("build_id", id), zap.Error(err))
			appErr := apperrors.InternalError("failed to start preview", err)
			c.JSON(appErr.HTTPStatus, appErr)
		}
		return
	}

	h.dispatcher.RecordPreviewPort(id, entry.Port)
	c.JSON(http.StatusOK, PreviewResponse{Port: entry.Port, PID: entry.PID})
}

// StopPreview stops a running preview.
// DELETE /api/builds/:id/preview
func (h *Handler) StopPreview(c *gin.Context) {
	id := c.Param("id")
	if err := h.dispatcher.Preview().Stop(c.Request.Context(), id); err != nil {
		if errors.Is(err, preview.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
			return
		}
		h.logger.Error("failed stopping preview", zap.String("build_id", id), zap.Error(err))
		appErr := apperrors.InternalError("failed to stop preview", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.dispatcher.ClearPreviewPort(id)
	c.Status(http.StatusNoContent)
}

// GetSteps proxies a build's Step rows from the store.
// GET /api/builds/:id/steps
func (h *Handler) GetSteps(c *gin.Context) {
	id := c.Param("id")
	steps, err := h.dispatcher.Store().ListSteps(c.Request.Context(), id)
	if err != nil {
		appErr := apperrors.InternalError("failed to list steps", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]StepResponse, 0, len(steps))
	for _, s := range steps {
		resp := StepResponse{
			ID:         s.ID,
			Ordinal:    s.Ordinal,
			PromptText: s.PromptText,
			Origin:     s.Origin,
			Status:     string(s.Status),
			Attempt:    s.Attempt,
			Error:      s.Error,
		}
		if !s.StartedAt.IsZero() {
			started := s.StartedAt.Format(time.RFC3339)
			resp.StartedAt = &started
		}
		if s.EndedAt != nil {
			ended := s.EndedAt.Format(time.RFC3339)
			resp.EndedAt = &ended
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, StepsResponse{Steps: out})
}

// GetLogs returns a build's log rows from the store, optionally scoped to a
// step (§9 "Supplemented feature: build log retrieval").
// GET /api/builds/:id/logs?step_id=
func (h *Handler) GetLogs(c *gin.Context) {
	id := c.Param("id")
	stepID := c.Query("step_id")

	entries, err := h.dispatcher.Store().ListLogs(c.Request.Context(), id, stepID)
	if err != nil {
		appErr := apperrors.InternalError("failed to list logs", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]LogEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEntryResponse{
			StepID:    e.StepID,
			Stream:    string(e.Stream),
			Chunk:     e.Chunk,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, LogsResponse{Logs: out})
}

func toActiveBuildResponse(e dispatcher.ActiveBuildEntry) ActiveBuildResponse {
	return ActiveBuildResponse{
		BuildID:     e.BuildID,
		PID:         e.PID,
		Port:        e.PreviewPort,
		StartedAt:   e.StartedAt,
		CurrentStep: e.CurrentStep,
	}
}
