package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prperemyshlev/social-connections/internal/domain"
)

const (
	healthCheckTimeout = 2 * time.Second
	// A scheduler that missed this many sweeps is reported stale
	staleSweeps = 3
)

type pinger interface {
	Ping(ctx context.Context) error
}

type sweepReporter interface {
	Interval() time.Duration
	LastSweep() time.Time
}

// HealthChecker reports the stores every request needs, the optional Kafka
// sink, the enabled platforms and how recently the refresh sweep ran. Only a
// failing store fails the check.
type HealthChecker struct {
	required  map[string]pinger
	optional  map[string]pinger
	platforms []domain.Platform
	scheduler sweepReporter
	now       func() time.Time
}

type checkResult struct {
	name string
	err  error
}

func NewHealthChecker(infra Infrastructure, platforms []domain.Platform, scheduler sweepReporter, now func() time.Time) *HealthChecker {
	h := &HealthChecker{
		required: map[string]pinger{
			"postgres": infra.Postgres(),
			"redis":    infra.Redis(),
		},
		optional:  map[string]pinger{},
		platforms: platforms,
		scheduler: scheduler,
		now:       now,
	}
	if k := infra.Kafka(); k != nil {
		h.optional["kafka"] = k
	}
	return h
}

func (h *HealthChecker) ping(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	total := len(h.required) + len(h.optional)
	results := make(chan checkResult, total)
	for _, group := range []map[string]pinger{h.required, h.optional} {
		for name, p := range group {
			go func() {
				results <- checkResult{name: name, err: p.Ping(ctx)}
			}()
		}
	}

	out := make(map[string]error, total)
	for range total {
		r := <-results
		out[r.name] = r.err
	}
	return out
}

func (h *HealthChecker) sweepStatus() gin.H {
	if h.scheduler == nil {
		return nil
	}
	last := h.scheduler.LastSweep()
	if last.IsZero() {
		return gin.H{"status": "pending"}
	}

	age := h.now().Sub(last)
	status := "pass"
	if age > staleSweeps*h.scheduler.Interval() {
		status = "warn"
	}
	return gin.H{
		"status":      status,
		"last_run_at": last,
		"age_seconds": int64(age.Seconds()),
	}
}

func (h *HealthChecker) Handler(c *gin.Context) {
	status, code := "pass", http.StatusOK
	checks := gin.H{}

	for name, err := range h.ping(c.Request.Context()) {
		if err == nil {
			checks[name] = gin.H{"status": "pass"}
			continue
		}
		if _, required := h.required[name]; required {
			status, code = "fail", http.StatusServiceUnavailable
			checks[name] = gin.H{"status": "fail", "error": err.Error()}
			continue
		}
		if status == "pass" {
			status = "warn"
		}
		checks[name] = gin.H{"status": "warn", "error": err.Error()}
	}

	if sweep := h.sweepStatus(); sweep != nil {
		if sweep["status"] == "warn" && status == "pass" {
			status = "warn"
		}
		checks["refresh_sweep"] = sweep
	}

	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"platforms": h.platforms,
	})
}
