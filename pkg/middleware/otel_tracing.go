package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/twincache"
	"github.com/hyp3rd/twincache/internal/telemetry/attrs"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
	"github.com/hyp3rd/twincache/pkg/querycache"
	"github.com/hyp3rd/twincache/pkg/stats"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// OTelTracingMiddleware wraps twincache.Service methods with OpenTelemetry spans.
type OTelTracingMiddleware struct {
	next   twincache.Service
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next twincache.Service, tracer trace.Tracer, opts ...OTelTracingOption) twincache.Service {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// DeviceProperties implements Service.DeviceProperties with tracing.
func (mw OTelTracingMiddleware) DeviceProperties(ctx context.Context) ([]string, error) {
	ctx, span := mw.startSpan(ctx, "twincache.DeviceProperties")
	defer span.End()

	names, err := mw.next.DeviceProperties(ctx)
	if err != nil {
		fail(span, err)

		return names, err
	}

	span.SetAttributes(attribute.Int(attrs.AttrResultCount, len(names)))

	return names, nil
}

// RebuildDeviceProperties implements Service.RebuildDeviceProperties with tracing.
func (mw OTelTracingMiddleware) RebuildDeviceProperties(ctx context.Context, force bool) (bool, error) {
	ctx, span := mw.startSpan(ctx, "twincache.RebuildDeviceProperties", attribute.Bool(attrs.AttrForce, force))
	defer span.End()

	rebuilt, err := mw.next.RebuildDeviceProperties(ctx, force)
	span.SetAttributes(attribute.Bool(attrs.AttrRebuilt, rebuilt))

	if err != nil {
		fail(span, err)
	}

	return rebuilt, err
}

// MergeDeviceProperties implements Service.MergeDeviceProperties with tracing.
func (mw OTelTracingMiddleware) MergeDeviceProperties(
	ctx context.Context,
	partial deviceproperties.DevicePropertyServiceModel,
) (deviceproperties.DevicePropertyServiceModel, error) {
	ctx, span := mw.startSpan(
		ctx, "twincache.MergeDeviceProperties",
		attribute.Int(attrs.AttrTagsCount, len(partial.Tags)),
		attribute.Int(attrs.AttrReportedCount, len(partial.Reported)))
	defer span.End()

	merged, err := mw.next.MergeDeviceProperties(ctx, partial)
	if err != nil {
		fail(span, err)
	}

	return merged, err
}

// UpdateTwin implements Service.UpdateTwin with tracing.
func (mw OTelTracingMiddleware) UpdateTwin(ctx context.Context, t twin.Twin) (twin.Twin, error) {
	ctx, span := mw.startSpan(
		ctx, "twincache.UpdateTwin",
		attribute.String(attrs.AttrTenantID, t.TenantID),
		attribute.String(attrs.AttrDeviceID, t.DeviceID))
	defer span.End()

	stored, err := mw.next.UpdateTwin(ctx, t)
	if err != nil {
		fail(span, err)
	}

	return stored, err
}

// RegisterTenant implements Service.RegisterTenant with tracing.
func (mw OTelTracingMiddleware) RegisterTenant(ctx context.Context, tenantID, collection string) error {
	ctx, span := mw.startSpan(ctx, "twincache.RegisterTenant", attribute.String(attrs.AttrTenantID, tenantID))
	defer span.End()

	err := mw.next.RegisterTenant(ctx, tenantID, collection)
	if err != nil {
		fail(span, err)
	}

	return err
}

// GetCachedQueryResult implements Service.GetCachedQueryResult with tracing.
func (mw OTelTracingMiddleware) GetCachedQueryResult(ctx context.Context, tenantID, query string) (*querycache.DeviceList, bool) {
	ctx, span := mw.startSpan(
		ctx, "twincache.GetCachedQueryResult",
		attribute.String(attrs.AttrTenantID, tenantID),
		attribute.Int(attrs.AttrQueryLength, len(query)))
	defer span.End()

	result, ok := mw.next.GetCachedQueryResult(ctx, tenantID, query)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))

	return result, ok
}

// SetTenantQueryResult implements Service.SetTenantQueryResult with tracing.
func (mw OTelTracingMiddleware) SetTenantQueryResult(ctx context.Context, tenantID, query string, result *querycache.DeviceList) {
	count := 0
	if result != nil {
		count = len(result.Items)
	}

	ctx, span := mw.startSpan(
		ctx, "twincache.SetTenantQueryResult",
		attribute.String(attrs.AttrTenantID, tenantID),
		attribute.Int(attrs.AttrQueryLength, len(query)),
		attribute.Int(attrs.AttrResultCount, count))
	defer span.End()

	mw.next.SetTenantQueryResult(ctx, tenantID, query, result)
}

// InvalidateTenant implements Service.InvalidateTenant with tracing.
func (mw OTelTracingMiddleware) InvalidateTenant(ctx context.Context, tenantID string) {
	ctx, span := mw.startSpan(ctx, "twincache.InvalidateTenant", attribute.String(attrs.AttrTenantID, tenantID))
	defer span.End()

	mw.next.InvalidateTenant(ctx, tenantID)
}

// Stop stops the service with a span.
func (mw OTelTracingMiddleware) Stop(ctx context.Context) error {
	_, span := mw.startSpan(ctx, "twincache.Stop")
	defer span.End()

	return mw.next.Stop(ctx)
}

// GetStats returns stats.
func (mw OTelTracingMiddleware) GetStats() stats.Stats { return mw.next.GetStats() }

// startSpan starts a span with common and provided attributes.
func (mw OTelTracingMiddleware) startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
