package http

import (
	"net/http"
	"time"

	"github.com/copperline/gatehouse/pkg/httpx"
)

// HealthResponse is the body of the health probe endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// LivezHandler always answers 200 while the process runs.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).String(),
			Version: version,
		})
	}
}

// ReadyzHandler runs every dependency check and degrades to 503 when one
// fails. A gateway whose revocation store is down must drop out of the load
// balancer rather than keep rejecting authenticated traffic.
func ReadyzHandler(startTime time.Time, version string, checks []ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		results := make(map[string]string, len(checks))

		for _, c := range checks {
			if err := c.Check(); err != nil {
				results[c.Name] = "error: " + err.Error()
				status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}

		httpx.WriteJSON(w, code, HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  results,
		})
	}
}
