// Package derive provides the named state derivations that clients and the
// background scheduler can run through Registry.Recompute.
package derive

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
)

var ErrUnknownDerivation = errors.New("unknown derivation")

// Built-in derivation names.
const (
	NameMerge    = "merge"
	NameClear    = "clear"
	NameTally    = "tally"
	NameOptimize = "optimize"
)

// Attribute names written by tally.
const (
	AttrEventCount   = "event_count"
	AttrLastEventSeq = "last_event_seq"
)

type factory func(params models.State) registry.DeriveFunc

var builtins = map[string]factory{
	NameMerge:    merge,
	NameClear:    clearAll,
	NameTally:    func(models.State) registry.DeriveFunc { return tally },
	NameOptimize: optimize,
}

// Names lists the registered derivations.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the derivation called name bound to params.
func Lookup(name string, params models.State) (registry.DeriveFunc, error) {
	f, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDerivation, name)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return f(params.Clone()), nil
}

// merge overlays params onto the current state.
func merge(params models.State) registry.DeriveFunc {
	return func(_ context.Context, cur models.Instance) (models.State, error) {
		next := cur.State.Clone()
		for k, v := range params {
			next[k] = v
		}
		return next, nil
	}
}

func clearAll(models.State) registry.DeriveFunc {
	return func(context.Context, models.Instance) (models.State, error) {
		return models.State{}, nil
	}
}

func tally(_ context.Context, cur models.Instance) (models.State, error) {
	next := cur.State.Clone()
	next[AttrEventCount] = models.Number(float64(len(cur.Events)))
	next[AttrLastEventSeq] = models.Number(float64(cur.LastSeq()))
	return next, nil
}

// optimize tallies the log and clamps the numeric attributes named by the
// keys of params into [0, 1].
func optimize(params models.State) registry.DeriveFunc {
	return func(ctx context.Context, cur models.Instance) (models.State, error) {
		next, err := tally(ctx, cur)
		if err != nil {
			return nil, err
		}
		for k := range params {
			f, ok := next[k].Float()
			if !ok {
				continue
			}
			next[k] = models.Number(min(max(f, 0), 1))
		}
		return next, nil
	}
}
