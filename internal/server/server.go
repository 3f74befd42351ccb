package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devghori1264/aerophoenix/continuity/internal/derive"
	"github.com/devghori1264/aerophoenix/continuity/internal/metrics"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/continuity/internal/nats"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
	"github.com/devghori1264/aerophoenix/continuity/internal/storage"
)

// ServiceName is the gRPC health service name reported by the server.
const ServiceName = "continuity.Registry"

const tracerName = "github.com/devghori1264/aerophoenix/continuity/internal/server"

// ErrPersistence wraps write-through failures. The in-memory registry has
// already applied the change when it is returned.
var ErrPersistence = errors.New("persistence failed")

// Publisher receives lifecycle events. *natsclient.Publisher implements it.
type Publisher interface {
	PublishLifecycle(ctx context.Context, subject string, ev natsclient.LifecycleEvent) error
}

// Server fronts the registry: every operation is traced, measured,
// persisted and announced.
type Server struct {
	reg   *registry.Registry
	store storage.Store
	pub   Publisher
	log   *zap.Logger

	metrics        *metrics.RequestMetrics
	tracer         trace.Tracer
	health         *health.Server
	defaultTimeout time.Duration
	now            func() time.Time
}

type Option func(*Server)

// WithMetrics records every operation in m.
func WithMetrics(m *metrics.RequestMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp.Tracer(tracerName) }
}

// WithRecomputeTimeout bounds recomputes whose caller passes no timeout.
func WithRecomputeTimeout(d time.Duration) Option {
	return func(s *Server) { s.defaultTimeout = d }
}

// New creates a new server. store and pub may be nil.
func New(reg *registry.Registry, store storage.Store, pub Publisher, logger *zap.Logger, opts ...Option) *Server {
	if store == nil {
		store = storage.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		reg:            reg,
		store:          store,
		pub:            pub,
		log:            logger.With(zap.String("component", "server")),
		tracer:         otel.Tracer(tracerName),
		health:         health.NewServer(),
		defaultTimeout: 5 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// RegisterGRPC registers the gRPC health service.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// SetServing flips the reported health of the registry service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Ping is a connectivity check.
func (s *Server) Ping() string {
	return "pong from continuity"
}

// Rehydrate loads every persisted instance into the registry and returns how
// many were restored.
func (s *Server) Rehydrate(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "server.Rehydrate")
	defer span.End()

	all, err := s.store.LoadInstances(ctx)
	if err != nil {
		endSpan(span, err)
		return 0, fmt.Errorf("load instances: %w", err)
	}
	for _, inst := range all {
		if err := s.reg.Restore(*inst); err != nil {
			endSpan(span, err)
			return 0, err
		}
	}
	span.SetAttributes(attribute.Int("instances", len(all)))
	s.log.Info("registry rehydrated", zap.Int("instances", len(all)))
	return len(all), nil
}

// CreateInstance registers a new instance and returns its snapshot.
func (s *Server) CreateInstance(ctx context.Context, state models.State) (inst models.Instance, err error) {
	ctx, span := s.tracer.Start(ctx, "server.CreateInstance")
	defer s.finish(span, metrics.OpCreate, time.Now(), &err)

	inst, err = s.reg.CreateSnapshot(state)
	if err != nil {
		return models.Instance{}, err
	}
	span.SetAttributes(attribute.String("instance.id", inst.ID))

	if err := s.persist(ctx, inst); err != nil {
		return inst, err
	}
	s.announce(ctx, natsclient.SubjectCreated, inst, "")
	return inst, nil
}

// GetInstance returns the instance's current snapshot.
func (s *Server) GetInstance(ctx context.Context, id string) (inst models.Instance, err error) {
	_, span := s.tracer.Start(ctx, "server.GetInstance",
		trace.WithAttributes(attribute.String("instance.id", id)))
	defer s.finish(span, metrics.OpGet, time.Now(), &err)

	return s.reg.Get(id)
}

// RecordEvent appends payload to the instance's log and returns the new
// version.
func (s *Server) RecordEvent(ctx context.Context, id string, payload json.RawMessage) (version uint64, err error) {
	ctx, span := s.tracer.Start(ctx, "server.RecordEvent",
		trace.WithAttributes(attribute.String("instance.id", id)))
	defer s.finish(span, metrics.OpRecordEvent, time.Now(), &err)

	version, err = s.reg.RecordEvent(ctx, id, payload)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("instance.version", int64(version)))

	inst, err := s.reg.Get(id)
	if err != nil {
		// Removed right after the append; nothing left to persist.
		return version, nil
	}
	if err := s.persist(ctx, inst); err != nil {
		return version, err
	}
	s.announce(ctx, natsclient.SubjectEventRecorded, models.Instance{ID: id, Version: version}, "")
	return version, nil
}

// Recompute applies the named derivation. A zero timeout uses the server's
// default.
func (s *Server) Recompute(ctx context.Context, id, derivation string, params models.State, timeout time.Duration) (inst models.Instance, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Recompute", trace.WithAttributes(
		attribute.String("instance.id", id),
		attribute.String("derivation", derivation),
	))
	defer s.finish(span, metrics.OpRecompute, time.Now(), &err)

	fn, err := derive.Lookup(derivation, params)
	if err != nil {
		return models.Instance{}, err
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inst, err = s.reg.Recompute(rctx, id, fn)
	if err != nil {
		return models.Instance{}, err
	}
	return inst, s.afterRecompute(ctx, inst, derivation)
}

// RemoveInstance deletes the instance from the registry and the store.
func (s *Server) RemoveInstance(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "server.RemoveInstance",
		trace.WithAttributes(attribute.String("instance.id", id)))
	defer s.finish(span, metrics.OpRemove, time.Now(), &err)

	last, _ := s.reg.Get(id)
	if err := s.reg.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteInstance(ctx, id); err != nil {
		s.log.Error("delete instance", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("%w: delete %s: %w", ErrPersistence, id, err)
	}
	s.announce(ctx, natsclient.SubjectRemoved, models.Instance{ID: id, Version: last.Version}, "")
	return nil
}

// ListIDs returns the ids of all live instances.
func (s *Server) ListIDs(ctx context.Context) []string {
	_, span := s.tracer.Start(ctx, "server.ListIDs")
	var err error
	defer s.finish(span, metrics.OpListIDs, time.Now(), &err)

	ids := s.reg.ListIDs()
	span.SetAttributes(attribute.Int("instances", len(ids)))
	return ids
}

// NewScheduler builds a background recompute loop for the named derivation.
// Its results are persisted and announced like client recomputes.
func (s *Server) NewScheduler(derivation string, params models.State, cfg registry.SchedulerConfig) (*registry.Scheduler, error) {
	fn, err := derive.Lookup(derivation, params)
	if err != nil {
		return nil, err
	}
	sched := registry.NewScheduler(s.reg, derivation, fn, cfg, s.log)
	sched.OnRecomputed(func(ctx context.Context, inst models.Instance) {
		_ = s.afterRecompute(ctx, inst, derivation)
	})
	if s.metrics != nil {
		sched.OnRun(s.metrics.RecordSchedulerRun)
	}
	return sched, nil
}

// Close marks the service as not serving and closes the store.
func (s *Server) Close() error {
	s.health.Shutdown()
	var err error
	if c, ok := s.pub.(interface{ Close() error }); ok {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, s.store.Close())
}

func (s *Server) afterRecompute(ctx context.Context, inst models.Instance, derivation string) error {
	if err := s.persist(ctx, inst); err != nil {
		return err
	}
	s.announce(ctx, natsclient.SubjectRecomputed, inst, derivation)
	return nil
}

// persist writes inst through to the store. If the instance was removed
// while the save was in flight the record is deleted again.
func (s *Server) persist(ctx context.Context, inst models.Instance) error {
	if err := s.store.SaveInstance(ctx, &inst); err != nil {
		s.log.Error("save instance", zap.String("id", inst.ID), zap.Error(err))
		return fmt.Errorf("%w: save %s: %w", ErrPersistence, inst.ID, err)
	}
	if _, err := s.reg.Get(inst.ID); errors.Is(err, registry.ErrNotFound) {
		if err := s.store.DeleteInstance(ctx, inst.ID); err != nil {
			s.log.Error("delete removed instance", zap.String("id", inst.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Server) announce(ctx context.Context, subject string, inst models.Instance, derivation string) {
	if s.pub == nil {
		return
	}
	ev := natsclient.LifecycleEvent{
		Event:      subject,
		ID:         inst.ID,
		Version:    inst.Version,
		Derivation: derivation,
		Time:       s.now(),
	}
	if err := s.pub.PublishLifecycle(ctx, subject, ev); err != nil {
		s.log.Warn("publish lifecycle event",
			zap.String("subject", subject),
			zap.String("id", inst.ID),
			zap.Error(err),
		)
	}
}

func (s *Server) finish(span trace.Span, op metrics.Operation, start time.Time, errp *error) {
	if s.metrics != nil {
		s.metrics.Observe(op, *errp, time.Since(start))
	}
	endSpan(span, *errp)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
