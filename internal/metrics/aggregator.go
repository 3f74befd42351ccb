// Package metrics derives point-in-time summaries from the registry and
// exposes them, along with request metrics, in Prometheus format.
package metrics

import (
	"time"

	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
)

// SummarySource is the read-only view of the registry the aggregator needs.
type SummarySource interface {
	Summaries() []registry.Summary
	Removed() uint64
}

// Snapshot is a derived, read-only aggregate over the registry.
type Snapshot struct {
	Live         int                `json:"live_instances"`
	Events       int                `json:"total_events"`
	Mutations    uint64             `json:"mutations"`
	Removed      uint64             `json:"removed_instances"`
	Scores       map[string]float64 `json:"scores"`
	ScoreSamples map[string]int     `json:"score_samples"`
	TakenAt      time.Time          `json:"taken_at"`
	Duration     time.Duration      `json:"duration_ns"`
}

// Aggregator computes Snapshots on demand. Scores are the state attributes
// averaged across instances; their meaning is supplied by clients.
type Aggregator struct {
	src    SummarySource
	scores []string
	now    func() time.Time
}

func NewAggregator(src SummarySource, scores []string) *Aggregator {
	return &Aggregator{
		src:    src,
		scores: append([]string(nil), scores...),
		now:    time.Now,
	}
}

// Scores returns the configured score attribute names.
func (a *Aggregator) Scores() []string {
	return append([]string(nil), a.scores...)
}

// Snapshot scans the registry once. Instances created or removed during the
// scan may or may not be included.
func (a *Aggregator) Snapshot() Snapshot {
	start := a.now()
	sums := a.src.Summaries()

	snap := Snapshot{
		Live:         len(sums),
		Removed:      a.src.Removed(),
		Scores:       make(map[string]float64, len(a.scores)),
		ScoreSamples: make(map[string]int, len(a.scores)),
		TakenAt:      start.UTC(),
	}
	totals := make([]float64, len(a.scores))
	counts := make([]int, len(a.scores))

	for _, s := range sums {
		snap.Events += s.Events
		snap.Mutations += s.Version
		for i, name := range a.scores {
			if f, ok := s.State[name].Float(); ok {
				totals[i] += f
				counts[i]++
			}
		}
	}
	for i, name := range a.scores {
		snap.ScoreSamples[name] = counts[i]
		if counts[i] > 0 {
			snap.Scores[name] = totals[i] / float64(counts[i])
		} else {
			snap.Scores[name] = 0
		}
	}

	snap.Duration = a.now().Sub(start)
	return snap
}
