// Package placement implements the pure placement function (C7, spec
// §4.7): given a set of candidate nodes and a selector, pick a single
// target. Grounds on pkg/scheduler/scheduler.go's selectNode/
// filterSchedulableNodes shape, but — unlike that function, which
// breaks ties on map/slice iteration order — adds the lexicographic
// node-name tie-break spec §4.7 requires, so identical snapshots
// always resolve to the same target (spec §8 property 5).
package placement

import (
	"sort"

	"github.com/quorumhv/quorumhv/pkg/types"
)

// Candidate is one node's placement-relevant metrics, computed by the
// caller from the node records read out of the coordination store.
type Candidate struct {
	Name             string
	MemoryTotal      int64
	MemoryAllocated  int64
	CPULoad          float64
	VCPUAllocated    int
	ProvisionedVMs   int
}

// Filter returns the nodes eligible to receive a placed VM: run,
// domain_state=ready, and not the VM's current owner (spec §4.7).
func Filter(nodes []types.Node, excludeOwner string) []Candidate {
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if n.DaemonState != types.DaemonStateRun {
			continue
		}
		if n.DomainState != types.NodeDomainReady {
			continue
		}
		if n.Name == excludeOwner {
			continue
		}
		out = append(out, Candidate{
			Name:            n.Name,
			MemoryTotal:     n.MemoryTotal,
			MemoryAllocated: n.MemoryAllocated,
			CPULoad:         n.CPULoad,
			VCPUAllocated:   n.VCPUAllocated,
			ProvisionedVMs:  len(n.RunningDomains),
		})
	}
	return out
}

// Select picks one target from candidates per metric, tie-broken by
// lexicographic node name. Returns ("", false) if candidates is empty.
func Select(candidates []Candidate, metric types.PlacementMetric) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	best := sorted[0]
	bestScore := score(best, metric)
	for _, c := range sorted[1:] {
		s := score(c, metric)
		if s < bestScore {
			best = c
			bestScore = s
		}
	}
	return best.Name, true
}

// score reduces every selector to "lower is better" so Select has one
// comparison path; mem is negated since the spec wants to *maximize*
// headroom.
func score(c Candidate, metric types.PlacementMetric) float64 {
	switch metric {
	case types.MetricMem:
		return -float64(c.MemoryTotal - c.MemoryAllocated)
	case types.MetricLoad:
		return c.CPULoad
	case types.MetricVCPUs:
		return float64(c.VCPUAllocated)
	case types.MetricVMs:
		return float64(c.ProvisionedVMs)
	default:
		return c.CPULoad
	}
}
