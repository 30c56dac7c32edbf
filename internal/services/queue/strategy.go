package queue

import (
	"fmt"
	"time"
)

// ProviderView is the capacity snapshot strategies select against.
type ProviderView struct {
	Active      map[string]int
	Concurrency map[string]int
	LastUsed    map[string]time.Time
	Default     int
}

// HasCapacity reports whether a provider can accept another dispatch.
func (v ProviderView) HasCapacity(provider string) bool {
	limit, ok := v.Concurrency[provider]
	if !ok {
		limit = v.Default
	}
	return v.Active[provider] < limit
}

func (v ProviderView) limit(provider string) int {
	if limit, ok := v.Concurrency[provider]; ok {
		return limit
	}
	return v.Default
}

// Strategy picks the index of the next request to dispatch from the
// pending slice, or -1 when nothing is dispatchable. The slice is sorted
// by ascending priority value.
type Strategy interface {
	Select(pending []*Request, view ProviderView) int
	Name() string
}

func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "priority":
		return priorityStrategy{}, nil
	case "round-robin":
		return roundRobinStrategy{}, nil
	case "least-loaded":
		return leastLoadedStrategy{}, nil
	case "adaptive":
		return adaptiveStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown queue strategy %q", name)
	}
}

// priorityStrategy takes the first request whose provider has capacity;
// the queue's sort order makes that the highest-priority one.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return "priority" }

func (priorityStrategy) Select(pending []*Request, view ProviderView) int {
	for i, r := range pending {
		if view.HasCapacity(r.Provider) {
			return i
		}
	}
	return -1
}

// roundRobinStrategy spreads dispatches across providers by picking the
// request whose provider was used longest ago.
type roundRobinStrategy struct{}

func (roundRobinStrategy) Name() string { return "round-robin" }

func (roundRobinStrategy) Select(pending []*Request, view ProviderView) int {
	best := -1
	var bestUsed time.Time
	for i, r := range pending {
		if !view.HasCapacity(r.Provider) {
			continue
		}
		used := view.LastUsed[r.Provider]
		if best == -1 || used.Before(bestUsed) {
			best = i
			bestUsed = used
		}
	}
	return best
}

// leastLoadedStrategy picks the request whose provider has the fewest
// active requests.
type leastLoadedStrategy struct{}

func (leastLoadedStrategy) Name() string { return "least-loaded" }

func (leastLoadedStrategy) Select(pending []*Request, view ProviderView) int {
	best := -1
	bestActive := 0
	for i, r := range pending {
		if !view.HasCapacity(r.Provider) {
			continue
		}
		active := view.Active[r.Provider]
		if best == -1 || active < bestActive {
			best = i
			bestActive = active
		}
	}
	return best
}

// adaptiveStrategy blends priority, provider load, and queue age.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return "adaptive" }

func (adaptiveStrategy) Select(pending []*Request, view ProviderView) int {
	now := time.Now()
	best := -1
	bestScore := 0.0
	for i, r := range pending {
		if !view.HasCapacity(r.Provider) {
			continue
		}
		score := adaptiveScore(r, view, now)
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

func adaptiveScore(r *Request, view ProviderView, now time.Time) float64 {
	priorityScore := float64(6-int(r.Priority)) / 5

	limit := view.limit(r.Provider)
	loadScore := 0.0
	if limit > 0 {
		loadScore = 1 - float64(view.Active[r.Provider])/float64(limit)
	}

	ageMs := float64(now.Sub(r.EnqueuedAt).Milliseconds())
	waitScore := ageMs / 10000
	if waitScore > 1 {
		waitScore = 1
	}

	return 0.5*priorityScore + 0.3*loadScore + 0.2*waitScore
}
