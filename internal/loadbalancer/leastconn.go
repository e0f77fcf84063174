package loadbalancer

import (
	"sort"

	"github.com/wudi/bankgate/internal/circuitbreaker"
)

// leastOutstanding orders the backends that may take traffic by active
// request count. Backends whose breaker is open, or that appear in exclude,
// are dropped. Ties keep declaration order.
func leastOutstanding(backends []*Backend, exclude map[*Backend]bool) []*Backend {
	candidates := make([]*Backend, 0, len(backends))
	actives := make(map[*Backend]int64, len(backends))
	for _, b := range backends {
		if exclude[b] || b.State() == circuitbreaker.StateOpen {
			continue
		}
		candidates = append(candidates, b)
		actives[b] = b.GetActive()
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return actives[candidates[i]] < actives[candidates[j]]
	})
	return candidates
}
