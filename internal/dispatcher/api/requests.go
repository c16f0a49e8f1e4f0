// Package api implements the Dispatcher's HTTP surface (§6).
package api

import "time"

// StartBuildRequest is the POST /api/start-build body.
type StartBuildRequest struct {
	BuildID     string `json:"buildId" binding:"required"`
	StoreURL    string `json:"storeUrl"`
	AnonKey     string `json:"anonKey"`
	AccessToken string `json:"accessToken"`
	ServiceKey  string `json:"serviceKey"`
}

// StartBuildResponse is the 202 body for a successfully accepted build.
type StartBuildResponse struct {
	Accepted bool `json:"accepted"`
}

// ErrorResponse is the generic JSON error body (§6: `{error:"busy"}`-style).
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the GET /api/health body.
type HealthResponse struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	MemoryBytes   int64 `json:"memoryBytes"`
	DiskFreeBytes int64 `json:"diskFreeBytes"`
	ActiveBuilds  int   `json:"activeBuilds"`
}

// ActiveBuildResponse is one entry in the GET /api/builds listing and the
// body of GET /api/builds/:id.
type ActiveBuildResponse struct {
	BuildID     string    `json:"buildId"`
	PID         int       `json:"pid"`
	Port        *int      `json:"port,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CurrentStep int       `json:"currentStep,omitempty"`
}

// ListBuildsResponse is the GET /api/builds body.
type ListBuildsResponse struct {
	Builds []ActiveBuildResponse `json:"builds"`
}

// PreviewResponse is the 200 body for POST /api/builds/:id/preview.
type PreviewResponse struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// StepResponse is one Step row in the GET /api/builds/:id/steps listing.
type StepResponse struct {
	ID         string  `json:"id"`
	Ordinal    int     `json:"ordinal"`
	PromptText string  `json:"promptText"`
	Origin     string  `json:"origin"`
	Status     string  `json:"status"`
	Attempt    int     `json:"attempt"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"startedAt,omitempty"`
	EndedAt    *string `json:"endedAt,omitempty"`
}

// StepsResponse is the GET /api/builds/:id/steps body.
type StepsResponse struct {
	Steps []StepResponse `json:"steps"`
}

// LogEntryResponse is one log row in the GET /api/builds/:id/logs body.
type LogEntryResponse struct {
	StepID    string `json:"stepId"`
	Stream    string `json:"stream"`
	Chunk     string `json:"chunk"`
	CreatedAt string `json:"createdAt"`
}

// LogsResponse is the GET /api/builds/:id/logs body.
type LogsResponse struct {
	Logs []LogEntryResponse `json:"logs"`
}
