package api

import (
	"github.com/mattjoyce/stemdeck/internal/joblog"
)

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	URL string `json:"url"`
}

// SettingsRequest is the JSON body for PUT /v1/settings.
type SettingsRequest struct {
	DownloadPath string `json:"download_path"`
}

// JobsResponse is returned by GET /v1/jobs.
type JobsResponse struct {
	Jobs []*joblog.Entry `json:"jobs"`
}

// ErrorResponse is returned on transport errors (bad JSON, auth, not found).
// Engine failures are reported in the result shape with status 200.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	EngineMode    string `json:"engine_mode,omitempty"`
	ActiveJob     string `json:"active_job,omitempty"`
}
