// Package delivery dispatches one Job's rendered output to N configured
// destinations, fanning out concurrently and recording per-destination
// metrics.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/michiel/ratchet-sub006/internal/delivery/destinations"
	"github.com/michiel/ratchet-sub006/internal/delivery/metrics"
	"github.com/michiel/ratchet-sub006/internal/pkg/logger"
)

// DestinationConfig is the declarative configuration AddDestination
// accepts; exactly one of Filesystem/Webhook should be set.
type DestinationConfig struct {
	Filesystem *destinations.FilesystemConfig
	Webhook    *destinations.WebhookConfig
}

func (c DestinationConfig) build() (destinations.Destination, error) {
	switch {
	case c.Filesystem != nil:
		return destinations.NewFilesystem(*c.Filesystem), nil
	case c.Webhook != nil:
		return destinations.NewWebhook(*c.Webhook), nil
	default:
		return nil, fmt.Errorf("delivery: destination config names no backend")
	}
}

// NamedResult pairs a destination name with the DeliveryResult it
// produced (or an error if it couldn't be reached at all).
type NamedResult struct {
	Name   string
	Result destinations.DeliveryResult
	Err    error
}

// TestResult is what TestConfigurations returns per candidate config,
// without ever performing real I/O.
type TestResult struct {
	Name                   string
	Err                    error
	EstimatedDeliveryTime time.Duration
}

// Manager is the output delivery manager component (J).
type Manager interface {
	AddDestination(ctx context.Context, name string, cfg DestinationConfig) error
	RemoveDestination(name string) bool
	DeliverOutput(ctx context.Context, name string, output destinations.TaskOutput, dctx destinations.DeliveryContext) (destinations.DeliveryResult, error)
	DeliverToAll(ctx context.Context, output destinations.TaskOutput, dctx destinations.DeliveryContext) []NamedResult
	DeliverConcurrent(ctx context.Context, names []string, output destinations.TaskOutput, dctx destinations.DeliveryContext) []NamedResult
	GetMetrics() *metrics.DeliveryMetrics
	ListDestinations() []string
	TestConfigurations(ctx context.Context, cfgs map[string]DestinationConfig) ([]TestResult, error)
}

type manager struct {
	log     *logger.Logger
	metrics *metrics.DeliveryMetrics

	mu   sync.RWMutex
	dest map[string]destinations.Destination
}

func NewManager(baseLog *logger.Logger) Manager {
	return &manager{
		log:     baseLog.With("component", "delivery.Manager"),
		metrics: metrics.New(),
		dest:    make(map[string]destinations.Destination),
	}
}

func (m *manager) AddDestination(ctx context.Context, name string, cfg DestinationConfig) error {
	d, err := cfg.build()
	if err != nil {
		return err
	}
	if err := d.ValidateConfig(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dest[name] = d
	return nil
}

func (m *manager) RemoveDestination(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dest[name]; !ok {
		return false
	}
	delete(m.dest, name)
	return true
}

func (m *manager) ListDestinations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.dest))
	for name := range m.dest {
		out = append(out, name)
	}
	return out
}

func (m *manager) get(name string) (destinations.Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dest[name]
	return d, ok
}

// DeliverOutput dispatches to a single named destination, recording the
// attempt to Metrics (L) under defer regardless of outcome.
func (m *manager) DeliverOutput(ctx context.Context, name string, output destinations.TaskOutput, dctx destinations.DeliveryContext) (destinations.DeliveryResult, error) {
	d, ok := m.get(name)
	if !ok {
		return destinations.DeliveryResult{}, fmt.Errorf("delivery: unknown destination %q", name)
	}

	start := time.Now()
	result, err := d.Deliver(ctx, output, dctx)
	defer func() {
		m.metrics.RecordAttempt(name, result.Success, result.Bytes, time.Since(start), result.ErrorKind)
	}()
	return result, err
}

// DeliverToAll fans every configured destination out through
// DeliverConcurrent.
func (m *manager) DeliverToAll(ctx context.Context, output destinations.TaskOutput, dctx destinations.DeliveryContext) []NamedResult {
	return m.DeliverConcurrent(ctx, m.ListDestinations(), output, dctx)
}

// DeliverConcurrent fans out with errgroup.WithContext, the same
// fan-out-with-bounded-concurrency shape every internal/modules/*/steps
// file in the teacher uses for concurrent work: results are written into
// a pre-sized, index-addressed slice rather than a shared map, so no
// result-set lock is needed. One destination's failure is captured in its
// own NamedResult and never cancels the group context for the others.
func (m *manager) DeliverConcurrent(ctx context.Context, names []string, output destinations.TaskOutput, dctx destinations.DeliveryContext) []NamedResult {
	start := time.Now()
	results := make([]NamedResult, len(names))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)

	for i, name := range names {
		i, name := i, name
		eg.Go(func() error {
			result, err := m.DeliverOutput(egctx, name, output, dctx)
			results[i] = NamedResult{Name: name, Result: result, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	successful := 0
	for _, r := range results {
		if r.Err == nil && r.Result.Success {
			successful++
		}
	}
	m.metrics.RecordBatch(len(results), successful, time.Since(start))

	return results
}

// TestConfigurations never performs I/O: it builds each destination,
// validates its config, and reports the backend's own estimate of
// delivery latency.
func (m *manager) TestConfigurations(ctx context.Context, cfgs map[string]DestinationConfig) ([]TestResult, error) {
	out := make([]TestResult, 0, len(cfgs))
	for name, cfg := range cfgs {
		d, err := cfg.build()
		if err != nil {
			out = append(out, TestResult{Name: name, Err: err})
			continue
		}
		if err := d.ValidateConfig(); err != nil {
			out = append(out, TestResult{Name: name, Err: err})
			continue
		}
		out = append(out, TestResult{Name: name, EstimatedDeliveryTime: d.EstimatedDeliveryTime()})
	}
	return out, nil
}

func (m *manager) GetMetrics() *metrics.DeliveryMetrics {
	return m.metrics
}
