// Package metrics defines the types and constants used for metric collection and reporting.
package metrics

// Policy defines how values reported under one metric name combine.
type Policy int

const (
	Policy_None      Policy = iota // Policy_None lets the reporter decide.
	Policy_Set                     // Policy_Set keeps the last reported value.
	Policy_Sum                     // Policy_Sum accumulates every reported value.
	Policy_Stopwatch               // Policy_Stopwatch observes durations in milliseconds.
)

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs.
type Dimension map[string]string

// Group related constants, prefixed with Group.
const (
	// GroupOpenPlay covers the registry, endpoints and transports.
	GroupOpenPlay = "openplay"
	// GroupNetSprocket covers the session layer.
	GroupNetSprocket = "netsprocket"
)

// Dimension keys, prefixed with Dim.
const (
	DimPoolName   = "poolname"
	DimModuleType = "module"
	DimCode       = "code"
	DimQueue      = "queue"
	DimWhat       = "what"
)

// Metric names.
const (
	// NamePoolCreateTotal: objects a pool had to allocate because it was empty.
	// group:openplay dimension:poolname
	NamePoolCreateTotal = "pool_create_total"

	// NameModuleBindTotal: successful registry binds.
	// group:openplay dimension:module
	NameModuleBindTotal = "module_bind_total"

	// NameModuleBoundRefs: live reference count of a bound module.
	// group:openplay dimension:module
	NameModuleBoundRefs = "module_bound_refs"

	// NameModuleDiscoveredTotal: modules recorded by the last discovery pass.
	// group:openplay
	NameModuleDiscoveredTotal = "module_discovered"

	// NameEndpointOpenTotal: endpoints that completed open or accept.
	// group:openplay dimension:module
	NameEndpointOpenTotal = "endpoint_open_total"

	// NameEndpointCloseTotal: endpoints finalized after close-complete.
	// group:openplay dimension:module
	NameEndpointCloseTotal = "endpoint_close_total"

	// NameEndpointCacheSize: wrappers waiting in the endpoint cache.
	// group:openplay
	NameEndpointCacheSize = "endpoint_cache_size"

	// NameEndpointDoomedSize: wrappers waiting for reaping on idle.
	// group:openplay
	NameEndpointDoomedSize = "endpoint_doomed_size"

	// NameEndpointCallbackTotal: callbacks delivered to the user.
	// group:openplay dimension:code
	NameEndpointCallbackTotal = "endpoint_callback_total"

	// NameTransportSendBytes: bytes handed to the wire by a module.
	// group:openplay dimension:module
	NameTransportSendBytes = "transport_send_bytes"

	// NameTransportRecvBytes: bytes read off the wire by a module.
	// group:openplay dimension:module
	NameTransportRecvBytes = "transport_recv_bytes"

	// NameTransportConnections: live module connections.
	// group:openplay dimension:module
	NameTransportConnections = "transport_connections"

	// NameTransportSendChannelFullTotal: sends refused because the writer queue was full.
	// group:openplay dimension:module
	NameTransportSendChannelFullTotal = "transport_send_channel_full_total"

	// NameSessionQueueLen: length of a session queue (free, cookie, event).
	// group:netsprocket dimension:queue
	NameSessionQueueLen = "session_queue_len"

	// NameSessionQueueGrowTotal: batch growths of the free or cookie queue.
	// group:netsprocket dimension:queue
	NameSessionQueueGrowTotal = "session_queue_grow_total"

	// NameSessionMessageTotal: messages dispatched by the session layer.
	// group:netsprocket dimension:what
	NameSessionMessageTotal = "session_message_total"

	// NameSessionRecvLimitedTotal: inbound messages dropped by the receive limiter.
	// group:netsprocket
	NameSessionRecvLimitedTotal = "session_recv_limited_total"

	// NameSessionJoinLatencyMs: join request to approval latency.
	// group:netsprocket
	NameSessionJoinLatencyMs = "session_join_latency_ms"
)
