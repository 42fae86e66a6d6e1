// Package twin keeps device twins and enumerates the tag and reported property names
// they use.
package twin

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/hyp3rd/twincache/pkg/deviceproperties"
)

// Twin is the desired and reported state document of one device.
type Twin struct {
	DeviceID    string         `json:"deviceId"`
	TenantID    string         `json:"tenantId,omitempty"`
	Tags        map[string]any `json:"tags,omitempty"`
	Reported    map[string]any `json:"reported,omitempty"`
	Etag        string         `json:"etag,omitempty"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Registry stores twins.
type Registry interface {
	// Upsert stores t, replacing any twin with the same tenant and device id, and returns
	// it with a fresh etag and update time.
	Upsert(ctx context.Context, t Twin) (Twin, error)
	// Get returns the twin of tenantID/deviceID or sentinel.ErrKeyNotFound.
	Get(ctx context.Context, tenantID, deviceID string) (Twin, error)
	// GetDeviceTwinNames returns the names used across every stored twin.
	GetDeviceTwinNames(ctx context.Context) (deviceproperties.DeviceTwinName, error)
}

// Names returns the dotted leaf paths of t's tags and reported properties.
// Nested objects are walked; any other value, arrays included, is a leaf.
func Names(t Twin) deviceproperties.DeviceTwinName {
	return deviceproperties.DeviceTwinName{
		Tags:               leafPaths(t.Tags),
		ReportedProperties: leafPaths(t.Reported),
	}
}

func leafPaths(doc map[string]any) []string {
	paths := []string{}
	collectLeafPaths("", doc, &paths)
	slices.Sort(paths)

	return paths
}

func collectLeafPaths(prefix string, doc map[string]any, out *[]string) {
	for _, key := range slices.Sorted(maps.Keys(doc)) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested, ok := doc[key].(map[string]any); ok && len(nested) > 0 {
			collectLeafPaths(path, nested, out)

			continue
		}

		*out = append(*out, path)
	}
}

// registryKey identifies a twin across tenants.
func registryKey(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}

// mergeNames adds the names of t to the accumulated sets.
func mergeNames(tags, reported map[string]struct{}, t Twin) {
	names := Names(t)

	for _, name := range names.Tags {
		tags[name] = struct{}{}
	}

	for _, name := range names.ReportedProperties {
		reported[name] = struct{}{}
	}
}

func sortedSet(set map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(set))
}
