package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/twincache"
	"github.com/hyp3rd/twincache/internal/telemetry/attrs"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
	"github.com/hyp3rd/twincache/pkg/querycache"
	"github.com/hyp3rd/twincache/pkg/stats"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for service methods.
type OTelMetricsMiddleware struct {
	next  twincache.Service
	meter metric.Meter

	// instruments
	calls     metric.Int64Counter
	failures  metric.Int64Counter
	durations metric.Float64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next twincache.Service, meter metric.Meter) (twincache.Service, error) {
	calls, err := meter.Int64Counter("twincache.calls")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	failures, err := meter.Int64Counter("twincache.errors")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	durations, err := meter.Float64Histogram("twincache.duration.ms")
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	return &OTelMetricsMiddleware{next: next, meter: meter, calls: calls, failures: failures, durations: durations}, nil
}

// DeviceProperties implements Service.DeviceProperties with metrics.
func (mw *OTelMetricsMiddleware) DeviceProperties(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := mw.next.DeviceProperties(ctx)
	mw.rec(ctx, "DeviceProperties", start, err, attribute.Int(attrs.AttrResultCount, len(names)))

	return names, err
}

// RebuildDeviceProperties implements Service.RebuildDeviceProperties with metrics.
func (mw *OTelMetricsMiddleware) RebuildDeviceProperties(ctx context.Context, force bool) (bool, error) {
	start := time.Now()
	rebuilt, err := mw.next.RebuildDeviceProperties(ctx, force)
	mw.rec(ctx, "RebuildDeviceProperties", start, err, attribute.Bool(attrs.AttrForce, force), attribute.Bool(attrs.AttrRebuilt, rebuilt))

	return rebuilt, err
}

// MergeDeviceProperties implements Service.MergeDeviceProperties with metrics.
func (mw *OTelMetricsMiddleware) MergeDeviceProperties(
	ctx context.Context,
	partial deviceproperties.DevicePropertyServiceModel,
) (deviceproperties.DevicePropertyServiceModel, error) {
	start := time.Now()
	merged, err := mw.next.MergeDeviceProperties(ctx, partial)
	mw.rec(ctx, "MergeDeviceProperties", start, err,
		attribute.Int(attrs.AttrTagsCount, len(partial.Tags)),
		attribute.Int(attrs.AttrReportedCount, len(partial.Reported)),
	)

	return merged, err
}

// UpdateTwin implements Service.UpdateTwin with metrics.
func (mw *OTelMetricsMiddleware) UpdateTwin(ctx context.Context, t twin.Twin) (twin.Twin, error) {
	start := time.Now()
	stored, err := mw.next.UpdateTwin(ctx, t)
	mw.rec(ctx, "UpdateTwin", start, err, attribute.String(attrs.AttrTenantID, t.TenantID))

	return stored, err
}

// RegisterTenant implements Service.RegisterTenant with metrics.
func (mw *OTelMetricsMiddleware) RegisterTenant(ctx context.Context, tenantID, collection string) error {
	start := time.Now()
	err := mw.next.RegisterTenant(ctx, tenantID, collection)
	mw.rec(ctx, "RegisterTenant", start, err, attribute.String(attrs.AttrTenantID, tenantID))

	return err
}

// GetCachedQueryResult implements Service.GetCachedQueryResult with metrics.
func (mw *OTelMetricsMiddleware) GetCachedQueryResult(ctx context.Context, tenantID, query string) (*querycache.DeviceList, bool) {
	start := time.Now()
	result, ok := mw.next.GetCachedQueryResult(ctx, tenantID, query)
	mw.rec(ctx, "GetCachedQueryResult", start, nil,
		attribute.String(attrs.AttrTenantID, tenantID),
		attribute.Int(attrs.AttrQueryLength, len(query)),
		attribute.Bool(attrs.AttrHit, ok),
	)

	return result, ok
}

// SetTenantQueryResult implements Service.SetTenantQueryResult with metrics.
func (mw *OTelMetricsMiddleware) SetTenantQueryResult(ctx context.Context, tenantID, query string, result *querycache.DeviceList) {
	start := time.Now()
	mw.next.SetTenantQueryResult(ctx, tenantID, query, result)
	mw.rec(ctx, "SetTenantQueryResult", start, nil,
		attribute.String(attrs.AttrTenantID, tenantID),
		attribute.Int(attrs.AttrQueryLength, len(query)),
	)
}

// InvalidateTenant implements Service.InvalidateTenant with metrics.
func (mw *OTelMetricsMiddleware) InvalidateTenant(ctx context.Context, tenantID string) {
	start := time.Now()
	mw.next.InvalidateTenant(ctx, tenantID)
	mw.rec(ctx, "InvalidateTenant", start, nil, attribute.String(attrs.AttrTenantID, tenantID))
}

// GetStats returns stats.
func (mw *OTelMetricsMiddleware) GetStats() stats.Stats { return mw.next.GetStats() }

// Stop stops the underlying service.
func (mw *OTelMetricsMiddleware) Stop(ctx context.Context) error { return mw.next.Stop(ctx) }

// rec records call count, failures and duration with attributes.
func (mw *OTelMetricsMiddleware) rec(ctx context.Context, method string, start time.Time, err error, attributes ...attribute.KeyValue) {
	base := []attribute.KeyValue{attribute.String(attrs.AttrMethod, method)}
	if len(attributes) > 0 {
		base = append(base, attributes...)
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(base...))

	if err != nil {
		mw.failures.Add(ctx, 1, metric.WithAttributes(base...))
	}
}
