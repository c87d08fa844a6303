package balancer

import "sync/atomic"

// RoundRobinStrategy cycles through candidates in the order the caller
// supplies them, using an atomic counter so concurrent SelectWorker calls
// never race on a shared index.
type RoundRobinStrategy struct {
	counter uint64
}

func (s *RoundRobinStrategy) Select(candidates []Snapshot) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	n := atomic.AddUint64(&s.counter, 1)
	return candidates[(n-1)%uint64(len(candidates))].ID, true
}

// LeastLoadedStrategy picks the candidate with the lowest composite load
// score: in-flight tasks as a fraction of capacity, tie-broken by raw
// in-flight count.
type LeastLoadedStrategy struct{}

func (LeastLoadedStrategy) Select(candidates []Snapshot) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := loadScore(best)
	for _, c := range candidates[1:] {
		score := loadScore(c)
		if score < bestScore || (score == bestScore && c.Metrics.TasksInFlight < best.Metrics.TasksInFlight) {
			best = c
			bestScore = score
		}
	}
	return best.ID, true
}

func loadScore(s Snapshot) float64 {
	if s.Capacity <= 0 {
		return 1
	}
	return float64(s.Metrics.TasksInFlight) / float64(s.Capacity)
}

// WeightedRoundRobinStrategy cycles through candidates proportionally to a
// statically configured per-worker weight: a worker with weight w is
// selected w times as often as a worker with weight 1, regardless of its
// live load. Workers absent from Weights (or weighted <= 0) default to 1.
type WeightedRoundRobinStrategy struct {
	Weights map[string]int
	counter uint64
}

func (s *WeightedRoundRobinStrategy) weightOf(id string) int {
	if s.Weights == nil {
		return 1
	}
	if w, ok := s.Weights[id]; ok && w > 0 {
		return w
	}
	return 1
}

func (s *WeightedRoundRobinStrategy) Select(candidates []Snapshot) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	totalWeight := 0
	weights := make([]int, len(candidates))
	for i, c := range candidates {
		w := s.weightOf(c.ID)
		weights[i] = w
		totalWeight += w
	}
	if totalWeight == 0 {
		return candidates[0].ID, true
	}

	n := atomic.AddUint64(&s.counter, 1)
	target := int(n-1) % totalWeight
	for i, w := range weights {
		if target < w {
			return candidates[i].ID, true
		}
		target -= w
	}
	return candidates[len(candidates)-1].ID, true
}
