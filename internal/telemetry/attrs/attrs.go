// Package attrs defines telemetry attribute keys used for observability and monitoring
// across the twincache system. These constants provide standardized key names for
// metrics, traces, and logs to ensure consistent telemetry data collection.
package attrs

const (
	// AttrMethod names the service method a measurement belongs to.
	AttrMethod = "method"
	// AttrTenantID represents the tenant a query cache operation is scoped to.
	AttrTenantID = "tenant.id"
	// AttrQueryLength represents the length of a device query string in bytes.
	// Query strings are not recorded verbatim since they may carry customer data.
	AttrQueryLength = "query.len"
	// AttrHit reports whether a cache lookup was served from the cache.
	AttrHit = "hit"
	// AttrForce reports whether a device property rebuild was forced.
	AttrForce = "rebuild.force"
	// AttrRebuilt reports whether a device property rebuild actually ran.
	AttrRebuilt = "rebuild.done"
	// AttrResultCount represents the number of entries returned by an operation.
	AttrResultCount = "result.count"
	// AttrTagsCount represents the number of tag names carried by a merge.
	AttrTagsCount = "tags.count"
	// AttrReportedCount represents the number of reported property names carried by a merge.
	AttrReportedCount = "reported.count"
	// AttrDeviceID identifies the device twin an update targets.
	AttrDeviceID = "device.id"
)
