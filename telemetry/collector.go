package telemetry

import (
	"sync"
	"time"
)

// SubscriptionStatsProvider reports subscription registry totals
type SubscriptionStatsProvider interface {
	SubscriptionTotals() (connections, subscriptions int)
}

// MetricsCollector periodically samples the subscription registry into gauges
type MetricsCollector struct {
	provider SubscriptionStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider SubscriptionStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	connections, subscriptions := mc.provider.SubscriptionTotals()
	SubscribedConnections.Set(float64(connections))
	Subscriptions.Set(float64(subscriptions))
}
