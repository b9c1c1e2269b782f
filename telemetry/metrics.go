package telemetry

// Histogram bucket definitions
var (
	// DispatchBuckets for fan-out of one change event to local subscribers
	DispatchBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05}

	// PublishBuckets for export sink round trips
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// ProvisionBuckets for DDL run by tenant and table provisioning
	ProvisionBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Change listener metrics
var (
	// ListenerConnected is 1 while the LISTEN session is established
	ListenerConnected Gauge = NoopStat{}

	// ListenerReconnectsTotal counts listener connection losses
	ListenerReconnectsTotal Counter = NoopStat{}

	// NotificationsTotal counts notifications by result (decoded, malformed)
	NotificationsTotal CounterVec = noopCounterVec{}
)

// Dispatch metrics
var (
	// DispatchTotal counts per-subscriber delivery outcomes (delivered, filtered, failed)
	DispatchTotal CounterVec = noopCounterVec{}

	// DispatchDurationSeconds measures fan-out time per event
	DispatchDurationSeconds Histogram = NoopStat{}

	// UnresolvedNamespacesTotal counts events whose namespace maps to no tenant
	UnresolvedNamespacesTotal Counter = NoopStat{}

	// Subscriptions tracks active (connection, table) subscriptions
	Subscriptions Gauge = NoopStat{}

	// SubscribedConnections tracks connections holding at least one subscription
	SubscribedConnections Gauge = NoopStat{}
)

// Gateway metrics
var (
	// GatewayConnections tracks open websocket connections
	GatewayConnections Gauge = NoopStat{}

	// GatewayAuthFailuresTotal counts rejected upgrade attempts
	GatewayAuthFailuresTotal Counter = NoopStat{}

	// ControlMessagesTotal counts inbound control messages by type and result
	ControlMessagesTotal CounterVec = noopCounterVec{}

	// BackpressureDropsTotal counts messages dropped because a connection queue was full
	BackpressureDropsTotal Counter = NoopStat{}
)

// Provisioning metrics
var (
	// TenantOperationsTotal counts tenant registry operations by op and result
	TenantOperationsTotal CounterVec = noopCounterVec{}

	// CredentialLookupsTotal counts credential lookups by cache result (hit, miss)
	CredentialLookupsTotal CounterVec = noopCounterVec{}

	// SchemaOperationsTotal counts table provisioning operations by op and result
	SchemaOperationsTotal CounterVec = noopCounterVec{}

	// ProvisionDurationSeconds measures provisioning DDL latency by op
	ProvisionDurationSeconds HistogramVec = noopHistogramVec{}
)

// Export metrics
var (
	// ExportEventsTotal counts exported events by sink and result (published, failed, dropped, filtered)
	ExportEventsTotal CounterVec = noopCounterVec{}

	// ExportQueueDepth tracks pending events per sink
	ExportQueueDepth GaugeVec = noopGaugeVec{}

	// ExportPublishSeconds measures sink publish latency
	ExportPublishSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ListenerConnected = NewGauge(
		"listener_connected",
		"Whether the change listener session is established (1=yes, 0=no)",
	)
	ListenerReconnectsTotal = NewCounter(
		"listener_reconnects_total",
		"Total change listener connection losses",
	)
	NotificationsTotal = NewCounterVec(
		"notifications_total",
		"Change notifications by decode result",
		[]string{"result"},
	)

	DispatchTotal = NewCounterVec(
		"dispatch_total",
		"Per-subscriber dispatch outcomes",
		[]string{"result"},
	)
	DispatchDurationSeconds = NewHistogramWithBuckets(
		"dispatch_duration_seconds",
		"Time to fan out one change event in seconds",
		DispatchBuckets,
	)
	UnresolvedNamespacesTotal = NewCounter(
		"unresolved_namespaces_total",
		"Change events whose namespace does not map to a tenant",
	)
	Subscriptions = NewGauge(
		"subscriptions",
		"Active subscriptions",
	)
	SubscribedConnections = NewGauge(
		"subscribed_connections",
		"Connections holding at least one subscription",
	)

	GatewayConnections = NewGauge(
		"gateway_connections",
		"Open websocket connections",
	)
	GatewayAuthFailuresTotal = NewCounter(
		"gateway_auth_failures_total",
		"Rejected websocket upgrade attempts",
	)
	ControlMessagesTotal = NewCounterVec(
		"control_messages_total",
		"Inbound control messages by type and result",
		[]string{"type", "result"},
	)
	BackpressureDropsTotal = NewCounter(
		"backpressure_drops_total",
		"Messages dropped because a connection queue was full",
	)

	TenantOperationsTotal = NewCounterVec(
		"tenant_operations_total",
		"Tenant registry operations by op and result",
		[]string{"op", "result"},
	)
	CredentialLookupsTotal = NewCounterVec(
		"credential_lookups_total",
		"Credential lookups by cache result",
		[]string{"result"},
	)
	SchemaOperationsTotal = NewCounterVec(
		"schema_operations_total",
		"Table provisioning operations by op and result",
		[]string{"op", "result"},
	)
	ProvisionDurationSeconds = NewHistogramVec(
		"provision_duration_seconds",
		"Provisioning DDL duration in seconds",
		[]string{"op"},
		ProvisionBuckets,
	)

	ExportEventsTotal = NewCounterVec(
		"export_events_total",
		"Exported change events by sink and result",
		[]string{"sink", "result"},
	)
	ExportQueueDepth = NewGaugeVec(
		"export_queue_depth",
		"Pending change events per export sink",
		[]string{"sink"},
	)
	ExportPublishSeconds = NewHistogramVec(
		"export_publish_seconds",
		"Export sink publish latency in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
}

// ResultLabel maps an error to the "success"/"failed" result label.
func ResultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
