package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "continuity"

// Collector renders a fresh Snapshot on every scrape.
type Collector struct {
	agg *Aggregator

	live      *prometheus.Desc
	events    *prometheus.Desc
	mutations *prometheus.Desc
	removed   *prometheus.Desc
	score     *prometheus.Desc
	samples   *prometheus.Desc
	duration  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(agg *Aggregator) *Collector {
	return &Collector{
		agg: agg,
		live: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances_live"),
			"Number of live instances in the registry.", nil, nil),
		events: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_recorded"),
			"Events held across all live instances.", nil, nil),
		mutations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instance_versions_sum"),
			"Sum of the versions of all live instances.", nil, nil),
		removed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances_removed_total"),
			"Instances removed since process start.", nil, nil),
		score: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "score"),
			"Mean of a score attribute across instances that carry it.", []string{"name"}, nil),
		samples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "score_samples"),
			"Instances contributing to a score.", []string{"name"}, nil),
		duration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "snapshot_duration_seconds"),
			"Time taken to compute the snapshot served with this scrape.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.events
	ch <- c.mutations
	ch <- c.removed
	ch <- c.score
	ch <- c.samples
	ch <- c.duration
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(snap.Live))
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.GaugeValue, float64(snap.Events))
	ch <- prometheus.MustNewConstMetric(c.mutations, prometheus.GaugeValue, float64(snap.Mutations))
	ch <- prometheus.MustNewConstMetric(c.removed, prometheus.CounterValue, float64(snap.Removed))
	for name, v := range snap.Scores {
		ch <- prometheus.MustNewConstMetric(c.score, prometheus.GaugeValue, v, name)
		ch <- prometheus.MustNewConstMetric(c.samples, prometheus.GaugeValue, float64(snap.ScoreSamples[name]), name)
	}
	ch <- prometheus.MustNewConstMetric(c.duration, prometheus.GaugeValue, snap.Duration.Seconds())
}
