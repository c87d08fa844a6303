// Package balancer routes work across worker slots the pool (B) exposes,
// keeping only id + a metrics snapshot per worker — ownership of the
// actual process stays with the pool.
package balancer

import (
	"sort"
	"sync"

	"github.com/michiel/ratchet-sub006/internal/domain"
)

// Snapshot is a point-in-time copy of a worker's metrics, read by a
// Strategy without racing the pool's own updates.
type Snapshot struct {
	ID       string
	Capacity int
	Health   domain.Health
	Metrics  domain.WorkerMetrics
}

// eligible reports whether a worker may receive new work: Healthy or
// Degraded, and not already at capacity.
func eligible(s Snapshot) bool {
	if s.Health == domain.HealthUnhealthy {
		return false
	}
	return s.Metrics.TasksInFlight < s.Capacity
}

// Strategy picks one eligible worker from the candidate set. Callers
// always pre-filter with eligible(); a Strategy never has to reject a
// candidate on health/capacity grounds itself.
type Strategy interface {
	Select(candidates []Snapshot) (string, bool)
}

// Stats summarizes the balancer's worker pool at a point in time.
type Stats struct {
	TotalWorkers     int
	EligibleWorkers  int
	TotalInFlight    int
	TotalCapacity    int
}

// Balancer tracks worker snapshots and delegates selection to a Strategy.
type Balancer interface {
	SelectWorker() (string, bool)
	AddWorker(id string, capacity int)
	RemoveWorker(id string)
	UpdateHealth(id string, h domain.Health)
	UpdateMetrics(id string, m domain.WorkerMetrics)
	WorkerMetrics(id string) (Snapshot, bool)
	Statistics() Stats
}

type balancer struct {
	mu       sync.RWMutex
	workers  map[string]Snapshot
	strategy Strategy
}

func New(strategy Strategy) Balancer {
	return &balancer{workers: make(map[string]Snapshot), strategy: strategy}
}

func (b *balancer) AddWorker(id string, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[id] = Snapshot{ID: id, Capacity: capacity, Health: domain.HealthHealthy}
}

func (b *balancer) RemoveWorker(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, id)
}

func (b *balancer) UpdateHealth(id string, h domain.Health) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.workers[id]; ok {
		s.Health = h
		b.workers[id] = s
	}
}

func (b *balancer) UpdateMetrics(id string, m domain.WorkerMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.workers[id]; ok {
		s.Metrics = m
		b.workers[id] = s
	}
}

func (b *balancer) WorkerMetrics(id string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.workers[id]
	return s, ok
}

func (b *balancer) SelectWorker() (string, bool) {
	b.mu.RLock()
	candidates := make([]Snapshot, 0, len(b.workers))
	for _, s := range b.workers {
		if eligible(s) {
			candidates = append(candidates, s)
		}
	}
	b.mu.RUnlock()

	if len(candidates) == 0 {
		return "", false
	}
	// Map iteration order is randomized per call; a Strategy that indexes
	// into candidates by position (RoundRobinStrategy) needs a stable
	// order across calls to actually cycle through workers rather than
	// the same atomic counter hitting a reshuffled slice every time.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return b.strategy.Select(candidates)
}

func (b *balancer) Statistics() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{TotalWorkers: len(b.workers)}
	for _, s := range b.workers {
		stats.TotalInFlight += s.Metrics.TasksInFlight
		stats.TotalCapacity += s.Capacity
		if eligible(s) {
			stats.EligibleWorkers++
		}
	}
	return stats
}
