package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devghori1264/aerophoenix/continuity/internal/metrics"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

// IdempotencyHeader carries the client key that makes create retry-safe.
const IdempotencyHeader = "Idempotency-Key"

// Service is the registry façade served over HTTP.
type Service interface {
	Ping() string
	CreateInstance(ctx context.Context, state models.State) (models.Instance, error)
	GetInstance(ctx context.Context, id string) (models.Instance, error)
	RecordEvent(ctx context.Context, id string, payload json.RawMessage) (uint64, error)
	Recompute(ctx context.Context, id, derivation string, params models.State, timeout time.Duration) (models.Instance, error)
	RemoveInstance(ctx context.Context, id string) error
	ListIDs(ctx context.Context) []string
}

// Snapshotter produces aggregate metrics on demand.
type Snapshotter interface {
	Snapshot() metrics.Snapshot
}

// Options tunes the router. Zero values disable the matching feature.
type Options struct {
	Logger *zap.Logger
	// Gatherer backs GET /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// ServiceName names the otelgin server spans.
	ServiceName string

	RateLimit      float64
	RateBurst      int
	IdempotencyTTL time.Duration
}

type Handler struct {
	svc   Service
	snaps Snapshotter
	log   *zap.Logger

	// flight collapses concurrent creates sharing an idempotency key.
	flight singleflight.Group
	idem   *gocache.Cache
}

type keyedCreate struct {
	id     string
	replay bool
}

type createRequest struct {
	State models.State `json:"state" binding:"omitempty,dive,keys,attrkey,endkeys"`
}

type recordEventRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type recomputeRequest struct {
	Derivation string       `json:"derivation" binding:"required"`
	Params     models.State `json:"params" binding:"omitempty,dive,keys,attrkey,endkeys"`
	TimeoutMS  int64        `json:"timeout_ms" binding:"gte=0,lte=600000"`
}

// NewRouter builds the gin engine serving svc.
func NewRouter(svc Service, snaps Snapshotter, opts Options) *gin.Engine {
	registerValidations()

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "continuity"
	}
	h := &Handler{
		svc:   svc,
		snaps: snaps,
		log:   opts.Logger.With(zap.String("component", "http")),
	}
	if opts.IdempotencyTTL > 0 {
		h.idem = gocache.New(opts.IdempotencyTTL, 2*opts.IdempotencyTTL)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(requestLogger(h.log))

	r.GET("/ping", h.handlePing)
	r.GET("/healthz", h.handleHealth)
	r.GET("/metrics", metricsHandler(opts.Gatherer))

	v1 := r.Group("/v1")
	if opts.RateLimit > 0 {
		v1.Use(rateLimit(opts.RateLimit, opts.RateBurst))
	}
	v1.POST("/instances", h.handleCreate)
	v1.GET("/instances", h.handleList)
	v1.GET("/instances/:id", h.handleGet)
	v1.DELETE("/instances/:id", h.handleRemove)
	v1.POST("/instances/:id/events", h.handleRecordEvent)
	v1.POST("/instances/:id/recompute", h.handleRecompute)
	v1.GET("/metrics/snapshot", h.handleSnapshot)

	return r
}

func (h *Handler) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"msg": h.svc.Ping()})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err))
		return
	}
	if req.State == nil {
		req.State = models.State{}
	}

	key := c.GetHeader(IdempotencyHeader)
	if key == "" || h.idem == nil {
		inst, err := h.svc.CreateInstance(c.Request.Context(), req.State)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": inst.ID})
		return
	}

	v, err, _ := h.flight.Do(key, func() (any, error) {
		if id, ok := h.idem.Get(key); ok {
			return keyedCreate{id: id.(string), replay: true}, nil
		}
		inst, err := h.svc.CreateInstance(c.Request.Context(), req.State)
		// A registered instance binds the key even when persisting it failed.
		if inst.ID != "" {
			h.idem.SetDefault(key, inst.ID)
		}
		return keyedCreate{id: inst.ID}, err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	res := v.(keyedCreate)
	if res.replay {
		c.JSON(http.StatusOK, gin.H{"id": res.id})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": res.id})
}

func (h *Handler) handleList(c *gin.Context) {
	ids := h.svc.ListIDs(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ids": ids, "count": len(ids)})
}

func (h *Handler) handleGet(c *gin.Context) {
	inst, err := h.svc.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) handleRecordEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err))
		return
	}
	version, err := h.svc.RecordEvent(c.Request.Context(), c.Param("id"), req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

func (h *Handler) handleRecompute(c *gin.Context) {
	var req recomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err))
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	inst, err := h.svc.Recompute(c.Request.Context(), c.Param("id"), req.Derivation, req.Params, timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) handleRemove(c *gin.Context) {
	if err := h.svc.RemoveInstance(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.snaps.Snapshot())
}
