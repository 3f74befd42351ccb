package derive

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

func instance(state models.State, events int) models.Instance {
	inst := models.Instance{ID: "x", State: state}
	for i := 1; i <= events; i++ {
		inst.Events = append(inst.Events, models.Event{Seq: uint64(i), Payload: json.RawMessage(`1`)})
	}
	return inst
}

func run(t *testing.T, name string, params models.State, inst models.Instance) models.State {
	t.Helper()
	fn, err := Lookup(name, params)
	require.NoError(t, err)
	out, err := fn(context.Background(), inst)
	require.NoError(t, err)
	return out
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("nope", nil)
	require.ErrorIs(t, err, ErrUnknownDerivation)
}

func TestLookup_InvalidParams(t *testing.T) {
	_, err := Lookup("merge", models.State{"Bad Key": models.Null()})
	require.ErrorIs(t, err, models.ErrInvalidKey)
}

func TestMerge(t *testing.T) {
	cur := models.State{"a": models.Number(1), "b": models.String("x")}
	out := run(t, "merge", models.State{"b": models.String("y"), "c": models.Bool(true)}, instance(cur, 0))

	require.Equal(t, models.State{
		"a": models.Number(1),
		"b": models.String("y"),
		"c": models.Bool(true),
	}, out)
	// The input state is left alone.
	s, _ := cur["b"].Str()
	require.Equal(t, "x", s)
}

func TestClear(t *testing.T) {
	out := run(t, "clear", nil, instance(models.State{"a": models.Number(1)}, 0))
	require.Empty(t, out)
}

func TestTally(t *testing.T) {
	out := run(t, "tally", nil, instance(models.State{}, 3))
	n, _ := out[AttrEventCount].Float()
	require.Equal(t, 3.0, n)
	seq, _ := out[AttrLastEventSeq].Float()
	require.Equal(t, 3.0, seq)
}

func TestOptimize_ClampsNamedScores(t *testing.T) {
	cur := models.State{
		"integrated_information": models.Number(1.7),
		"character_consistency":  models.Number(-0.2),
		"untouched":              models.Number(5),
		"label":                  models.String("x"),
	}
	params := models.State{
		"integrated_information": models.Null(),
		"character_consistency":  models.Null(),
		"label":                  models.Null(),
	}
	out := run(t, "optimize", params, instance(cur, 2))

	ii, _ := out["integrated_information"].Float()
	cc, _ := out["character_consistency"].Float()
	u, _ := out["untouched"].Float()
	require.Equal(t, 1.0, ii)
	require.Equal(t, 0.0, cc)
	require.Equal(t, 5.0, u)
	require.Equal(t, models.String("x"), out["label"])
	n, _ := out[AttrEventCount].Float()
	require.Equal(t, 2.0, n)
}

func TestNames(t *testing.T) {
	require.Equal(t, []string{"clear", "merge", "optimize", "tally"}, Names())
}
