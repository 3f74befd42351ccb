package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
)

var ev = json.RawMessage(`"e"`)

func TestAggregator_Snapshot(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	a, _ := reg.Create(models.State{"integrated_information": models.Number(0.2)})
	b, _ := reg.Create(models.State{"integrated_information": models.Number(0.6), "character_consistency": models.Number(1)})
	c, _ := reg.Create(models.State{"integrated_information": models.String("n/a")})
	_, _ = reg.RecordEvent(ctx, a, ev)
	_, _ = reg.RecordEvent(ctx, a, ev)
	_, _ = reg.RecordEvent(ctx, b, ev)
	require.NoError(t, reg.Remove(ctx, c))

	agg := NewAggregator(reg, []string{"integrated_information", "character_consistency", "absent"})
	snap := agg.Snapshot()

	require.Equal(t, 2, snap.Live)
	require.Equal(t, 3, snap.Events)
	require.Equal(t, uint64(3), snap.Mutations)
	require.Equal(t, uint64(1), snap.Removed)
	require.InDelta(t, 0.4, snap.Scores["integrated_information"], 1e-9)
	require.Equal(t, 2, snap.ScoreSamples["integrated_information"])
	require.Equal(t, 1.0, snap.Scores["character_consistency"])
	require.Equal(t, 0.0, snap.Scores["absent"])
	require.Equal(t, 0, snap.ScoreSamples["absent"])
}

func TestAggregator_SnapshotDuringEventBurst(t *testing.T) {
	const instances = 10000
	const writers = 100

	reg := registry.New()
	ids := make([]string, instances)
	for i := range ids {
		id, err := reg.Create(models.State{})
		require.NoError(t, err)
		ids[i] = id
	}
	agg := NewAggregator(reg, []string{"score"})
	pre := reg.Len()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := reg.RecordEvent(context.Background(), ids[i], ev)
			if err != nil {
				t.Errorf("record event: %v", err)
			}
		}()
	}

	close(start)
	began := time.Now()
	snap := agg.Snapshot()
	elapsed := time.Since(began)
	wg.Wait()
	post := reg.Len()

	require.GreaterOrEqual(t, snap.Live, pre)
	require.LessOrEqual(t, snap.Live, post)
	require.GreaterOrEqual(t, snap.Events, 0)
	require.LessOrEqual(t, snap.Events, writers)
	// The target is 10ms; leave headroom for the race detector and slow CI.
	require.Less(t, elapsed, 250*time.Millisecond)

	require.Equal(t, writers, agg.Snapshot().Events)
}

func TestCollector_Exposition(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	a, _ := reg.Create(models.State{"integrated_information": models.Number(0.5)})
	_, _ = reg.Create(models.State{})
	_, _ = reg.RecordEvent(ctx, a, ev)

	c := NewCollector(NewAggregator(reg, []string{"integrated_information"}))

	expected := `
# HELP continuity_instances_live Number of live instances in the registry.
# TYPE continuity_instances_live gauge
continuity_instances_live 2
# HELP continuity_events_recorded Events held across all live instances.
# TYPE continuity_events_recorded gauge
continuity_events_recorded 1
# HELP continuity_score Mean of a score attribute across instances that carry it.
# TYPE continuity_score gauge
continuity_score{name="integrated_information"} 0.5
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"continuity_instances_live", "continuity_events_recorded", "continuity_score")
	require.NoError(t, err)

	promReg := prometheus.NewPedanticRegistry()
	require.NoError(t, promReg.Register(c))
}

func TestRequestMetrics_Observe(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := NewRequestMetrics(promReg)

	m.Observe(OpCreate, nil, time.Millisecond)
	m.Observe(OpGet, registry.ErrNotFound, time.Millisecond)
	m.RecordSchedulerRun(registry.RunStats{Recomputed: 3, Conflicts: 1})

	require.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("create", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("get", "not_found")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("recomputed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("conflict")))
}

func BenchmarkAggregator_Snapshot10k(b *testing.B) {
	reg := registry.New()
	for range 10000 {
		_, _ = reg.Create(models.State{"score": models.Number(0.5)})
	}
	agg := NewAggregator(reg, []string{"score"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = agg.Snapshot()
	}
}
