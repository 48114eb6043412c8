package resolver

import (
	"math"
	"sort"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
)

// RankRuns returns the runs that recorded metric, best first. NaN counts as
// not recorded. Higher metric
// values rank first; equal values are ordered by later start time. The input
// slice is not modified.
func RankRuns(runs []*datamodel.Run, metric string) []*datamodel.Run {
	ranked := make([]*datamodel.Run, 0, len(runs))
	for _, r := range runs {
		if r == nil {
			continue
		}
		if v, ok := r.Metric(metric); ok && !math.IsNaN(v) {
			ranked = append(ranked, r)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		vi, _ := ranked[i].Metric(metric)
		vj, _ := ranked[j].Metric(metric)
		if vi != vj {
			return vi > vj
		}
		return ranked[i].StartTime.After(ranked[j].StartTime)
	})
	return ranked
}
