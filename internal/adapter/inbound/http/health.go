package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/agent-warden/warden/internal/service"
)

// Pinger reports whether a backing store is reachable. *sqlstore.DB
// satisfies it through the embedded *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health. Components left nil report as
// not configured rather than failing the check.
type HealthChecker struct {
	db      Pinger
	audits  *service.AuditService
	version string
}

func NewHealthChecker(db Pinger, audits *service.AuditService, version string) *HealthChecker {
	return &HealthChecker{db: db, audits: audits, version: version}
}

// Check probes the database and the audit queue. The audit queue above 90%
// capacity marks the service unhealthy so load balancers shed traffic before
// entries start dropping.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.db.PingContext(pingCtx); err != nil {
			checks["database"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
		cancel()
	} else {
		checks["database"] = "not configured"
	}

	if h.audits != nil {
		depth := h.audits.ChannelDepth()
		capacity := h.audits.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.audits.DroppedEntries(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler serves the health check: 200 when healthy, 503 otherwise.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
