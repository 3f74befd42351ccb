package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

// Property: any sequence of operations keeps ids unique, bumps version by
// exactly one per accepted mutation and makes removed ids unreachable.
func TestRegistry_Property_OperationSequences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := New()
		ctx := context.Background()

		versions := map[string]uint64{}
		events := map[string]int{}
		removed := map[string]bool{}
		var live []string

		numOps := rapid.IntRange(1, 80).Draw(t, "numOps")
		for i := 0; i < numOps; i++ {
			op := rapid.IntRange(0, 4).Draw(t, "op")
			if len(live) == 0 {
				op = 0
			}

			switch op {
			case 0: // create
				id, err := reg.Create(models.State{})
				require.NoError(t, err)
				_, dup := versions[id]
				require.False(t, dup, "id %s issued twice", id)
				versions[id] = 0
				live = append(live, id)

			case 1: // record event
				id := rapid.SampledFrom(live).Draw(t, "id")
				v, err := reg.RecordEvent(ctx, id, payload("e"))
				require.NoError(t, err)
				require.Equal(t, versions[id]+1, v)
				versions[id] = v
				events[id]++

			case 2: // recompute
				id := rapid.SampledFrom(live).Draw(t, "id")
				n := rapid.Float64Range(0, 1).Draw(t, "n")
				inst, err := reg.Recompute(ctx, id, setState("n", models.Number(n)))
				require.NoError(t, err)
				require.Equal(t, versions[id]+1, inst.Version)
				versions[id] = inst.Version

			case 3: // remove
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				id := live[idx]
				require.NoError(t, reg.Remove(ctx, id))
				removed[id] = true
				live = append(live[:idx], live[idx+1:]...)

			case 4: // get
				id := rapid.SampledFrom(live).Draw(t, "id")
				inst, err := reg.Get(id)
				require.NoError(t, err)
				require.Equal(t, versions[id], inst.Version)
				require.Len(t, inst.Events, events[id])
			}
		}

		require.Equal(t, len(live), reg.Len())
		require.ElementsMatch(t, live, reg.ListIDs())
		for id := range removed {
			_, err := reg.Get(id)
			require.ErrorIs(t, err, ErrNotFound)
		}
		require.Equal(t, uint64(len(removed)), reg.Removed())
	})
}
