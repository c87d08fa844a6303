// Package metrics tracks per-destination delivery counters, generalizing
// the atomic worker-status counters pattern (tasks_executed/tasks_failed
// style fields updated via sync/atomic) into a richer per-destination map
// guarded by sync.RWMutex for the map itself — the same read-mostly
// locking shape runtime.Registry uses for its handler map.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Error taxonomy buckets every destination records failures under.
const (
	ErrorTemplateRender          = "template_render"
	ErrorSerialization           = "serialization"
	ErrorFilesystem              = "filesystem"
	ErrorFileExists              = "file_exists"
	ErrorWebhookFailed           = "webhook_failed"
	ErrorNetwork                 = "network"
	ErrorRequestClone            = "request_clone"
	ErrorMaxRetriesExceeded      = "max_retries_exceeded"
	ErrorTaskJoin                = "task_join"
	ErrorInvalidTemplateVariable = "invalid_template_variable"
	ErrorDatabase                = "database"
	ErrorS3                      = "s3"
)

var errorKinds = []string{
	ErrorTemplateRender, ErrorSerialization, ErrorFilesystem, ErrorFileExists,
	ErrorWebhookFailed, ErrorNetwork, ErrorRequestClone, ErrorMaxRetriesExceeded,
	ErrorTaskJoin, ErrorInvalidTemplateVariable, ErrorDatabase, ErrorS3,
}

type counters struct {
	total         atomic.Uint64
	successful    atomic.Uint64
	failed        atomic.Uint64
	bytes         atomic.Uint64
	deliveryNanos atomic.Int64
	errorKinds    map[string]*atomic.Uint64
}

func newCounters() *counters {
	c := &counters{errorKinds: make(map[string]*atomic.Uint64, len(errorKinds))}
	for _, k := range errorKinds {
		c.errorKinds[k] = &atomic.Uint64{}
	}
	return c
}

// Summary is an immutable snapshot of one destination's counters at the
// moment Summary() was called.
type Summary struct {
	Destination        string
	Total              uint64
	Successful         uint64
	Failed             uint64
	Bytes              uint64
	AverageDeliveryTime time.Duration
	SuccessRate        float64
	ErrorKinds         map[string]uint64
}

// BatchSummary aggregates DeliverConcurrent/DeliverToAll calls across all
// destinations in one fan-out.
type BatchSummary struct {
	TotalBatches           uint64
	TotalDestinations      uint64
	SuccessfulDestinations uint64
	FailedDestinations     uint64
	AverageBatchTime       time.Duration
	BatchSuccessRate       float64
}

type batchCounters struct {
	totalBatches      atomic.Uint64
	totalDestinations atomic.Uint64
	successful        atomic.Uint64
	failed            atomic.Uint64
	batchNanos        atomic.Int64
}

// DeliveryMetrics is the metrics component (L): per-destination counters
// plus one batch-level rollup, all commutative atomic increments so no
// ordering is required across concurrent DeliverConcurrent calls.
type DeliveryMetrics struct {
	mu    sync.RWMutex
	perDest map[string]*counters
	batch *batchCounters
}

func New() *DeliveryMetrics {
	return &DeliveryMetrics{perDest: make(map[string]*counters), batch: &batchCounters{}}
}

func (m *DeliveryMetrics) destination(name string) *counters {
	m.mu.RLock()
	c, ok := m.perDest[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.perDest[name]; ok {
		return c
	}
	c = newCounters()
	m.perDest[name] = c
	return c
}

// RecordAttempt records one delivery attempt for destination: success,
// bytes transferred, wall-clock duration, and — on failure — the error
// taxonomy bucket it falls under.
func (m *DeliveryMetrics) RecordAttempt(destination string, success bool, bytes int64, d time.Duration, errorKind string) {
	c := m.destination(destination)
	c.total.Add(1)
	c.bytes.Add(uint64(bytes))
	c.deliveryNanos.Add(d.Nanoseconds())
	if success {
		c.successful.Add(1)
		return
	}
	c.failed.Add(1)
	if bucket, ok := c.errorKinds[errorKind]; ok {
		bucket.Add(1)
	}
}

// RecordBatch records one DeliverConcurrent/DeliverToAll fan-out: how
// many destinations it targeted, how many succeeded, and its wall time.
func (m *DeliveryMetrics) RecordBatch(total, successful int, d time.Duration) {
	m.batch.totalBatches.Add(1)
	m.batch.totalDestinations.Add(uint64(total))
	m.batch.successful.Add(uint64(successful))
	m.batch.failed.Add(uint64(total - successful))
	m.batch.batchNanos.Add(d.Nanoseconds())
}

// Summary returns an immutable per-destination snapshot.
func (m *DeliveryMetrics) Summary(destination string) Summary {
	c := m.destination(destination)
	total := c.total.Load()

	avg := time.Duration(0)
	if total > 0 {
		avg = time.Duration(c.deliveryNanos.Load() / int64(total))
	}

	successRate := 0.0
	if total > 0 {
		successRate = float64(c.successful.Load()) / float64(total)
	}

	errKinds := make(map[string]uint64, len(c.errorKinds))
	for k, v := range c.errorKinds {
		errKinds[k] = v.Load()
	}

	return Summary{
		Destination:         destination,
		Total:               total,
		Successful:          c.successful.Load(),
		Failed:              c.failed.Load(),
		Bytes:               c.bytes.Load(),
		AverageDeliveryTime: avg,
		SuccessRate:         successRate,
		ErrorKinds:          errKinds,
	}
}

// BatchSummary returns an immutable snapshot of the batch-level rollup.
func (m *DeliveryMetrics) BatchSummary() BatchSummary {
	totalBatches := m.batch.totalBatches.Load()
	totalDest := m.batch.totalDestinations.Load()

	avg := time.Duration(0)
	if totalBatches > 0 {
		avg = time.Duration(m.batch.batchNanos.Load() / int64(totalBatches))
	}
	successRate := 0.0
	if totalDest > 0 {
		successRate = float64(m.batch.successful.Load()) / float64(totalDest)
	}

	return BatchSummary{
		TotalBatches:           totalBatches,
		TotalDestinations:      totalDest,
		SuccessfulDestinations: m.batch.successful.Load(),
		FailedDestinations:     m.batch.failed.Load(),
		AverageBatchTime:       avg,
		BatchSuccessRate:       successRate,
	}
}

// Reset zeroes every counter for every destination plus the batch rollup.
func (m *DeliveryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perDest = make(map[string]*counters)
	m.batch = &batchCounters{}
}
