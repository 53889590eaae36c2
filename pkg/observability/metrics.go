package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/prperemyshlev/social-connections"

// PrometheusHandler returns a Gin handler for Prometheus metrics
func PrometheusHandler(handler http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if handler != nil {
			handler.ServeHTTP(c.Writer, c.Request)
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "metrics handler not initialized",
			})
		}
	}
}

// Instruments are the connection lifecycle counters
type Instruments struct {
	refreshes      metric.Int64Counter
	authorizations metric.Int64Counter
	rateLimited    metric.Int64Counter
	statusChanges  metric.Int64Counter
}

// NewInstruments registers the counters on provider
func NewInstruments(provider metric.MeterProvider) (*Instruments, error) {
	meter := provider.Meter(meterName)

	refreshes, err := meter.Int64Counter("connection_refresh_total",
		metric.WithDescription("Token refresh attempts by platform and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh counter: %w", err)
	}

	authorizations, err := meter.Int64Counter("connection_authorizations_total",
		metric.WithDescription("Completed authorization callbacks by platform and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization counter: %w", err)
	}

	rateLimited, err := meter.Int64Counter("connection_rate_limited_total",
		metric.WithDescription("Platform calls denied by the rate limit controller"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	statusChanges, err := meter.Int64Counter("connection_status_changes_total",
		metric.WithDescription("Persisted connection status transitions by new status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create status change counter: %w", err)
	}

	return &Instruments{
		refreshes:      refreshes,
		authorizations: authorizations,
		rateLimited:    rateLimited,
		statusChanges:  statusChanges,
	}, nil
}

// NoopInstruments records nothing. A nil *Instruments is also safe to use.
func NoopInstruments() *Instruments {
	i, _ := NewInstruments(noop.NewMeterProvider())
	return i
}

func (i *Instruments) RecordRefresh(ctx context.Context, platform, outcome string) {
	if i == nil {
		return
	}
	i.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("outcome", outcome),
	))
}

func (i *Instruments) RecordAuthorization(ctx context.Context, platform, outcome string) {
	if i == nil {
		return
	}
	i.authorizations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("outcome", outcome),
	))
}

func (i *Instruments) RecordRateLimited(ctx context.Context, platform string) {
	if i == nil {
		return
	}
	i.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

func (i *Instruments) RecordStatusChange(ctx context.Context, status string) {
	if i == nil {
		return
	}
	i.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
