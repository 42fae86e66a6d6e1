package twin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/cache"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
)

// InMemory is a Registry in process memory.
type InMemory struct {
	twins cache.ConcurrentMap[Twin]
	now   func() time.Time
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{twins: cache.New[Twin](), now: time.Now}
}

// Upsert stores t.
func (r *InMemory) Upsert(ctx context.Context, t Twin) (Twin, error) {
	if t.DeviceID == "" {
		return Twin{}, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "device id")
	}

	if ctx.Err() != nil {
		return Twin{}, sentinel.ErrTimeoutOrCanceled
	}

	t.Etag = uuid.NewString()
	t.LastUpdated = r.now().UTC()
	r.twins.Set(registryKey(t.TenantID, t.DeviceID), t)

	return t, nil
}

// Get returns the twin of tenantID/deviceID.
func (r *InMemory) Get(_ context.Context, tenantID, deviceID string) (Twin, error) {
	t, ok := r.twins.Get(registryKey(tenantID, deviceID))
	if !ok {
		return Twin{}, ewrap.Wrap(sentinel.ErrKeyNotFound, registryKey(tenantID, deviceID))
	}

	return t, nil
}

// GetDeviceTwinNames returns the names used across every stored twin.
func (r *InMemory) GetDeviceTwinNames(ctx context.Context) (deviceproperties.DeviceTwinName, error) {
	if ctx.Err() != nil {
		return deviceproperties.DeviceTwinName{}, sentinel.ErrTimeoutOrCanceled
	}

	tags := make(map[string]struct{})
	reported := make(map[string]struct{})

	r.twins.IterCb(func(_ string, t Twin) {
		mergeNames(tags, reported, t)
	})

	return deviceproperties.DeviceTwinName{Tags: sortedSet(tags), ReportedProperties: sortedSet(reported)}, nil
}
