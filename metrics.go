package memgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    insertCounter   prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordInsert(duration time.Duration, err error) {
//	    p.insertCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordInsert is called after each insert operation.
	// duration is the total time taken, err is nil if successful.
	RecordInsert(duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	// topK is the number of candidates requested, duration is the time
	// taken, err is nil if successful.
	RecordSearch(topK int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint.
	// live is the number of claims materialized into the snapshot.
	RecordCheckpoint(live int, duration time.Duration, err error)

	// RecordReplay is called once per partition replay at open.
	// restored is the number of live claims rebuilt.
	RecordReplay(restored int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)          {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)          {}
func (NoopMetricsCollector) RecordCheckpoint(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordReplay(int, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount          atomic.Int64
	InsertErrors         atomic.Int64
	InsertTotalNanos     atomic.Int64
	SearchCount          atomic.Int64
	SearchErrors         atomic.Int64
	SearchTotalNanos     atomic.Int64
	DeleteCount          atomic.Int64
	DeleteErrors         atomic.Int64
	CheckpointCount      atomic.Int64
	CheckpointErrors     atomic.Int64
	CheckpointLiveClaims atomic.Int64
	ReplayCount          atomic.Int64
	ReplayErrors         atomic.Int64
	ReplayRestored       atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(topK int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(live int, duration time.Duration, err error) {
	b.CheckpointCount.Add(1)
	b.CheckpointLiveClaims.Add(int64(live))
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// RecordReplay implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReplay(restored int, duration time.Duration, err error) {
	b.ReplayCount.Add(1)
	b.ReplayRestored.Add(int64(restored))
	if err != nil {
		b.ReplayErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:          b.InsertCount.Load(),
		InsertErrors:         b.InsertErrors.Load(),
		InsertAvgNanos:       avgNanos(&b.InsertCount, &b.InsertTotalNanos),
		SearchCount:          b.SearchCount.Load(),
		SearchErrors:         b.SearchErrors.Load(),
		SearchAvgNanos:       avgNanos(&b.SearchCount, &b.SearchTotalNanos),
		DeleteCount:          b.DeleteCount.Load(),
		DeleteErrors:         b.DeleteErrors.Load(),
		CheckpointCount:      b.CheckpointCount.Load(),
		CheckpointErrors:     b.CheckpointErrors.Load(),
		CheckpointLiveClaims: b.CheckpointLiveClaims.Load(),
		ReplayCount:          b.ReplayCount.Load(),
		ReplayErrors:         b.ReplayErrors.Load(),
		ReplayRestored:       b.ReplayRestored.Load(),
	}
}

func avgNanos(count, total *atomic.Int64) int64 {
	n := count.Load()
	if n == 0 {
		return 0
	}
	return total.Load() / n
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount          int64
	InsertErrors         int64
	InsertAvgNanos       int64
	SearchCount          int64
	SearchErrors         int64
	SearchAvgNanos       int64
	DeleteCount          int64
	DeleteErrors         int64
	CheckpointCount      int64
	CheckpointErrors     int64
	CheckpointLiveClaims int64
	ReplayCount          int64
	ReplayErrors         int64
	ReplayRestored       int64
}
