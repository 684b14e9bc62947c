package telemetry

import (
	"sync"
	"time"
)

// CheckpointProvider reports when the last checkpoint was persisted
type CheckpointProvider interface {
	LastCheckpoint() (time.Time, bool)
}

// MetricsCollector periodically samples relay state into gauges
type MetricsCollector struct {
	provider CheckpointProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider CheckpointProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
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
	if at, ok := mc.provider.LastCheckpoint(); ok {
		CheckpointAgeSeconds.Set(mc.now().Sub(at).Seconds())
	}
}
