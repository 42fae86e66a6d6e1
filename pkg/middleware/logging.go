// Package middleware provides middleware implementations for the twincache service.
// The logging middleware records each call and its execution time, while the OpenTelemetry
// middlewares emit spans and metrics for the same calls.
package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/twincache"
	"github.com/hyp3rd/twincache/internal/telemetry/attrs"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
	"github.com/hyp3rd/twincache/pkg/querycache"
	"github.com/hyp3rd/twincache/pkg/stats"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// LoggingMiddleware is a middleware that logs the time it takes to execute the next middleware.
// Must implement the twincache.Service interface.
type LoggingMiddleware struct {
	next   twincache.Service
	logger *zap.Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware. A nil logger disables logging.
func NewLoggingMiddleware(next twincache.Service, logger *zap.Logger) twincache.Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LoggingMiddleware{next: next, logger: logger.Named("service")}
}

// DeviceProperties logs the time it takes to read the exposed property names.
func (mw *LoggingMiddleware) DeviceProperties(ctx context.Context) ([]string, error) {
	begin := time.Now()
	names, err := mw.next.DeviceProperties(ctx)

	mw.done("DeviceProperties", begin, err, zap.Int(attrs.AttrResultCount, len(names)))

	return names, err
}

// RebuildDeviceProperties logs the rebuild outcome.
func (mw *LoggingMiddleware) RebuildDeviceProperties(ctx context.Context, force bool) (bool, error) {
	begin := time.Now()
	rebuilt, err := mw.next.RebuildDeviceProperties(ctx, force)

	mw.done("RebuildDeviceProperties", begin, err, zap.Bool(attrs.AttrForce, force), zap.Bool(attrs.AttrRebuilt, rebuilt))

	return rebuilt, err
}

// MergeDeviceProperties logs the size of the merged name sets.
func (mw *LoggingMiddleware) MergeDeviceProperties(
	ctx context.Context,
	partial deviceproperties.DevicePropertyServiceModel,
) (deviceproperties.DevicePropertyServiceModel, error) {
	begin := time.Now()
	merged, err := mw.next.MergeDeviceProperties(ctx, partial)

	mw.done("MergeDeviceProperties", begin, err,
		zap.Int(attrs.AttrTagsCount, len(partial.Tags)),
		zap.Int(attrs.AttrReportedCount, len(partial.Reported)),
	)

	return merged, err
}

// UpdateTwin logs the device and tenant a twin update targets.
func (mw *LoggingMiddleware) UpdateTwin(ctx context.Context, t twin.Twin) (twin.Twin, error) {
	begin := time.Now()
	stored, err := mw.next.UpdateTwin(ctx, t)

	mw.done("UpdateTwin", begin, err, zap.String(attrs.AttrTenantID, t.TenantID), zap.String(attrs.AttrDeviceID, t.DeviceID))

	return stored, err
}

// RegisterTenant logs the tenant being bound to its change collection.
func (mw *LoggingMiddleware) RegisterTenant(ctx context.Context, tenantID, collection string) error {
	begin := time.Now()
	err := mw.next.RegisterTenant(ctx, tenantID, collection)

	mw.done("RegisterTenant", begin, err, zap.String(attrs.AttrTenantID, tenantID), zap.String("collection", collection))

	return err
}

// GetCachedQueryResult logs the lookup and whether it was a hit.
func (mw *LoggingMiddleware) GetCachedQueryResult(ctx context.Context, tenantID, query string) (*querycache.DeviceList, bool) {
	begin := time.Now()
	result, ok := mw.next.GetCachedQueryResult(ctx, tenantID, query)

	mw.done("GetCachedQueryResult", begin, nil,
		zap.String(attrs.AttrTenantID, tenantID),
		zap.Int(attrs.AttrQueryLength, len(query)),
		zap.Bool(attrs.AttrHit, ok),
	)

	return result, ok
}

// SetTenantQueryResult logs the stored query result.
func (mw *LoggingMiddleware) SetTenantQueryResult(ctx context.Context, tenantID, query string, result *querycache.DeviceList) {
	begin := time.Now()
	mw.next.SetTenantQueryResult(ctx, tenantID, query, result)

	count := 0
	if result != nil {
		count = len(result.Items)
	}

	mw.done("SetTenantQueryResult", begin, nil,
		zap.String(attrs.AttrTenantID, tenantID),
		zap.Int(attrs.AttrQueryLength, len(query)),
		zap.Int(attrs.AttrResultCount, count),
	)
}

// InvalidateTenant logs the tenant whose query results are dropped.
func (mw *LoggingMiddleware) InvalidateTenant(ctx context.Context, tenantID string) {
	begin := time.Now()
	mw.next.InvalidateTenant(ctx, tenantID)

	mw.done("InvalidateTenant", begin, nil, zap.String(attrs.AttrTenantID, tenantID))
}

// GetStats returns the stats of the next service.
func (mw *LoggingMiddleware) GetStats() stats.Stats {
	return mw.next.GetStats()
}

// Stop logs the shutdown of the next service.
func (mw *LoggingMiddleware) Stop(ctx context.Context) error {
	begin := time.Now()
	err := mw.next.Stop(ctx)

	mw.done("Stop", begin, err)

	return err
}

func (mw *LoggingMiddleware) done(method string, begin time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String(attrs.AttrMethod, method), zap.Duration("took", time.Since(begin)))

	if err != nil {
		mw.logger.Warn("call failed", append(fields, zap.Error(err))...)

		return
	}

	mw.logger.Debug("call completed", fields...)
}
