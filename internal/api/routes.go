package api

import (
	"batch/internal/health"
	"batch/internal/job"
	"batch/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job and batch endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	routes := map[string]http.HandlerFunc{
		"POST /jobs/create":        handler.CreateJob,
		"GET /jobs":                handler.ListJobs,
		"GET /jobs/{id}":           handler.GetJob,
		"GET /jobs/{id}/log":       handler.JobLog,
		"POST /jobs/{id}/cancel":   handler.CancelJob,
		"DELETE /jobs/{id}/delete": handler.DeleteJob,
		"POST /batches/create":     handler.CreateBatch,
		"GET /batches/{id}":        handler.GetBatch,
		"POST /refresh_k8s_state":  handler.RefreshState,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, auth(fn))
	}

	// Apply middleware chain (last applied runs first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
