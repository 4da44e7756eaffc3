package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/util/workerpool"
)

// Pinger is implemented by every backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats reports executor saturation. *workerpool.Pool satisfies it.
type PoolStats interface {
	Stats() workerpool.Stats
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	store   Pinger
	pool    PoolStats
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Executor  *workerpool.Stats `json:"executor,omitempty"`
}

// NewHealthChecker creates a new health checker. pool may be nil.
func NewHealthChecker(store Pinger, pool PoolStats, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		store:   store,
		pool:    pool,
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  logger,
	}
}

// Register mounts the probes on r.
func (h *HealthChecker) Register(r *mux.Router) {
	r.HandleFunc("/health/live", h.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.ReadinessHandler).Methods(http.MethodGet)
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: h.now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if err := h.checkStore(ctx); err != nil {
		h.logger.Error("Store health check failed", zap.Error(err))
		checks["store"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		checks["store"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: h.now().Unix(),
		Checks:    checks,
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		status.Executor = &stats
		if stats.QueueUtilization() >= 100 {
			checks["executor"] = "saturated"
		} else {
			checks["executor"] = "healthy"
		}
	}

	code := http.StatusOK
	status.Status = "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status.Status = "not_ready"
	}
	h.write(w, code, status)
}

func (h *HealthChecker) checkStore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	return h.store.Ping(ctx)
}

func (h *HealthChecker) write(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Debug("Failed to write health response", zap.Error(err))
	}
}
