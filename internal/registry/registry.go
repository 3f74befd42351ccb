// Package registry owns the set of live instances and serializes every
// mutation per instance while keeping reads lock-free.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

// idAttempts bounds how often Create retries after an id collision.
const idAttempts = 8

// DeriveFunc computes a new state from the current instance. It must not
// retain or modify its argument.
type DeriveFunc func(ctx context.Context, current models.Instance) (models.State, error)

// entry holds one instance. The published snapshot is read without locks;
// slot serializes mutations.
type entry struct {
	slot        chan struct{}
	recomputing atomic.Bool
	snap        atomic.Pointer[models.Instance]

	// guarded by slot
	removed bool
	events  []models.Event
}

func newEntry(inst *models.Instance) *entry {
	e := &entry{slot: make(chan struct{}, 1)}
	e.events = inst.Events
	e.snap.Store(inst)
	return e
}

// lock acquires the mutation slot or gives up when ctx ends.
func (e *entry) lock(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	default:
	}
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) unlock() { <-e.slot }

// Summary is the per-instance view used for aggregation. State is the
// published map and must be treated as read-only.
type Summary struct {
	ID      string
	Version uint64
	Events  int
	State   models.State
}

// Registry tracks instances by id. The zero value is not usable; call New.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	tombstones map[string]struct{}
	removed    atomic.Uint64

	log          *zap.Logger
	now          func() time.Time
	newID        func() string
	maxInstances int
	maxEvents    int
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMaxInstances caps the number of live instances. Zero means unlimited.
func WithMaxInstances(n int) Option {
	return func(r *Registry) { r.maxInstances = n }
}

// WithMaxEvents caps the event log length of a single instance. Zero means unlimited.
func WithMaxEvents(n int) Option {
	return func(r *Registry) { r.maxEvents = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		log:        zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new instance holding a copy of initial and returns its id.
func (r *Registry) Create(initial models.State) (string, error) {
	inst, err := r.CreateSnapshot(initial)
	return inst.ID, err
}

// CreateSnapshot is Create returning the instance as it was installed. The
// result does not depend on the id still being live when the call returns.
func (r *Registry) CreateSnapshot(initial models.State) (models.Instance, error) {
	if err := initial.Validate(); err != nil {
		return models.Instance{}, fmt.Errorf("create: %w: %w", ErrInvalidState, err)
	}

	now := r.now()
	inst := &models.Instance{
		Schema:        models.SchemaVersion,
		State:         initial.Clone(),
		Events:        []models.Event{},
		CreatedAt:     now,
		LastMutatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxInstances > 0 && len(r.entries) >= r.maxInstances {
		return models.Instance{}, fmt.Errorf("create: %d live instances: %w", len(r.entries), ErrResourceExhausted)
	}
	for range idAttempts {
		id := r.newID()
		if r.taken(id) {
			continue
		}
		inst.ID = id
		r.entries[id] = newEntry(inst)
		r.log.Debug("instance created", zap.String("id", id))
		return inst.Clone(), nil
	}
	return models.Instance{}, fmt.Errorf("create: no free id after %d attempts: %w", idAttempts, ErrResourceExhausted)
}

// taken reports whether id is live or was ever removed. Caller holds mu.
func (r *Registry) taken(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.entries[id]; ok {
		return true
	}
	_, ok := r.tombstones[id]
	return ok
}

// Restore installs a previously persisted instance, e.g. when rehydrating
// from a durable store at startup.
func (r *Registry) Restore(inst models.Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("restore: %w: empty id", ErrInvalidState)
	}
	if err := inst.State.Validate(); err != nil {
		return fmt.Errorf("restore %s: %w: %w", inst.ID, ErrInvalidState, err)
	}
	cp := inst.Clone()
	if cp.Schema == 0 {
		cp.Schema = models.SchemaVersion
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(cp.ID) {
		return fmt.Errorf("restore %s: id already registered", cp.ID)
	}
	if r.maxInstances > 0 && len(r.entries) >= r.maxInstances {
		return fmt.Errorf("restore %s: %w", cp.ID, ErrResourceExhausted)
	}
	r.entries[cp.ID] = newEntry(&cp)
	return nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns an independent copy of the instance's current snapshot.
func (r *Registry) Get(id string) (models.Instance, error) {
	e := r.lookup(id)
	if e == nil {
		return models.Instance{}, notFound("get", id)
	}
	return e.snap.Load().Clone(), nil
}

// RecordEvent appends payload to the instance's log and returns the new version.
func (r *Registry) RecordEvent(ctx context.Context, id string, payload json.RawMessage) (uint64, error) {
	e := r.lookup(id)
	if e == nil {
		return 0, notFound("record event", id)
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("record event %s: %w: payload is not valid JSON", id, ErrInvalidState)
	}
	if err := e.lock(ctx); err != nil {
		return 0, ctxError("record event", id, err)
	}
	defer e.unlock()

	if e.removed {
		return 0, notFound("record event", id)
	}
	if r.maxEvents > 0 && len(e.events) >= r.maxEvents {
		return 0, fmt.Errorf("record event %s: %d events: %w", id, len(e.events), ErrResourceExhausted)
	}

	cur := e.snap.Load()
	now := r.now()
	next := *cur
	next.Version = cur.Version + 1
	next.LastMutatedAt = now

	e.events = append(e.events, models.Event{
		Seq:        next.Version,
		Payload:    append(json.RawMessage(nil), payload...),
		RecordedAt: now,
	})
	// Readers keep the capped slice; later appends never touch its elements.
	n := len(e.events)
	next.Events = e.events[:n:n]
	e.snap.Store(&next)

	return next.Version, nil
}

type deriveResult struct {
	state models.State
	err   error
}

// Recompute replaces the instance's state with fn's result. At most one
// recompute per instance may be in flight; a second attempt fails with
// ErrConflict. If ctx ends first the instance is left unchanged and the call
// fails with ErrTimeout.
func (r *Registry) Recompute(ctx context.Context, id string, fn DeriveFunc) (models.Instance, error) {
	if fn == nil {
		return models.Instance{}, fmt.Errorf("recompute %s: %w: nil derivation", id, ErrInvalidState)
	}
	e := r.lookup(id)
	if e == nil {
		return models.Instance{}, notFound("recompute", id)
	}
	if !e.recomputing.CompareAndSwap(false, true) {
		return models.Instance{}, fmt.Errorf("recompute %s: %w", id, ErrConflict)
	}
	defer e.recomputing.Store(false)

	if err := e.lock(ctx); err != nil {
		return models.Instance{}, ctxError("recompute", id, err)
	}
	defer e.unlock()

	if e.removed {
		return models.Instance{}, notFound("recompute", id)
	}

	cur := e.snap.Load()
	view := cur.Clone()
	done := make(chan deriveResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- deriveResult{err: fmt.Errorf("derivation panicked: %v", p)}
			}
		}()
		s, err := fn(ctx, view)
		done <- deriveResult{state: s, err: err}
	}()

	var res deriveResult
	select {
	case res = <-done:
	case <-ctx.Done():
		r.log.Warn("recompute aborted", zap.String("id", id), zap.Error(ctx.Err()))
		return models.Instance{}, ctxError("recompute", id, ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return models.Instance{}, ctxError("recompute", id, err)
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return models.Instance{}, ctxError("recompute", id, res.err)
		}
		return models.Instance{}, fmt.Errorf("recompute %s: %w", id, res.err)
	}
	if err := res.state.Validate(); err != nil {
		return models.Instance{}, fmt.Errorf("recompute %s: %w: %w", id, ErrInvalidState, err)
	}

	next := *cur
	next.State = res.state.Clone()
	next.Version = cur.Version + 1
	next.LastMutatedAt = r.now()
	e.snap.Store(&next)

	return next.Clone(), nil
}

// Remove deletes the instance. Its id is never handed out again.
func (r *Registry) Remove(ctx context.Context, id string) error {
	e := r.lookup(id)
	if e == nil {
		return notFound("remove", id)
	}
	if err := e.lock(ctx); err != nil {
		return ctxError("remove", id, err)
	}
	defer e.unlock()

	if e.removed {
		return notFound("remove", id)
	}
	e.removed = true

	r.mu.Lock()
	delete(r.entries, id)
	r.tombstones[id] = struct{}{}
	r.mu.Unlock()
	r.removed.Add(1)

	snap := e.snap.Load()
	r.log.Info("instance removed",
		zap.String("id", id),
		zap.Uint64("version", snap.Version),
		zap.Int("events", len(snap.Events)),
	)
	return nil
}

// ListIDs returns the ids of all live instances in no particular order.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Removed returns how many instances have been removed since start.
func (r *Registry) Removed() uint64 {
	return r.removed.Load()
}

// Summaries returns one Summary per live instance. The map lock is held only
// while collecting entry pointers.
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Summary, len(entries))
	for i, e := range entries {
		s := e.snap.Load()
		out[i] = Summary{
			ID:      s.ID,
			Version: s.Version,
			Events:  len(s.Events),
			State:   s.State,
		}
	}
	return out
}
