package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/continuity/internal/derive"
	"github.com/devghori1264/aerophoenix/continuity/internal/metrics"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
	"github.com/devghori1264/aerophoenix/continuity/internal/server"
	"github.com/devghori1264/aerophoenix/continuity/internal/storage"
)

type failingStore struct{ storage.Nop }

func (failingStore) SaveInstance(context.Context, *models.Instance) error {
	return errors.New("disk full")
}

// gateStore blocks the first save until release is closed.
type gateStore struct {
	storage.Nop
	saves   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *gateStore) SaveInstance(context.Context, *models.Instance) error {
	if s.saves.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	reg    *registry.Registry
	router *gin.Engine
}

func newEnv(t *testing.T, opts Options, regOpts ...registry.Option) *testEnv {
	t.Helper()
	return newEnvWithStore(t, nil, opts, regOpts...)
}

func newEnvWithStore(t *testing.T, store storage.Store, opts Options, regOpts ...registry.Option) *testEnv {
	t.Helper()
	reg := registry.New(regOpts...)
	srv := server.New(reg, store, nil, nil)
	promReg := prometheus.NewRegistry()
	agg := metrics.NewAggregator(reg, []string{"coherence"})
	promReg.MustRegister(metrics.NewCollector(agg))
	if opts.Gatherer == nil {
		opts.Gatherer = promReg
	}
	return &testEnv{reg: reg, router: NewRouter(srv, agg, opts)}
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) create(t *testing.T, body string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/instances", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[map[string]string](t, w)["id"]
}

func TestInstanceLifecycle(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t, `{"state":{"coherence":0.5,"name":"ada"}}`)

	w := e.do(http.MethodGet, "/v1/instances/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	inst := decode[models.Instance](t, w)
	require.Equal(t, id, inst.ID)
	name, _ := inst.State["name"].Str()
	require.Equal(t, "ada", name)

	w = e.do(http.MethodPost, "/v1/instances/"+id+"/events", `{"payload":{"kind":"dream","n":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, uint64(1), decode[map[string]uint64](t, w)["version"])

	w = e.do(http.MethodPost, "/v1/instances/"+id+"/recompute", `{"derivation":"tally"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	inst = decode[models.Instance](t, w)
	require.Equal(t, uint64(2), inst.Version)
	n, _ := inst.State[derive.AttrEventCount].Float()
	require.Equal(t, 1.0, n)

	w = e.do(http.MethodGet, "/v1/instances", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		IDs   []string `json:"ids"`
		Count int      `json:"count"`
	}](t, w)
	require.Equal(t, []string{id}, list.IDs)
	require.Equal(t, 1, list.Count)

	w = e.do(http.MethodDelete, "/v1/instances/"+id, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(http.MethodGet, "/v1/instances/"+id, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", decode[errorResponse](t, w).Kind)

	w = e.do(http.MethodDelete, "/v1/instances/"+id, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWithoutBodyState(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t, `{}`)
	inst, err := e.reg.Get(id)
	require.NoError(t, err)
	require.Empty(t, inst.State)
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t, `{}`)

	for name, tc := range map[string]struct {
		method, path, body string
		kind               string
	}{
		"bad attribute key":  {http.MethodPost, "/v1/instances", `{"state":{"Bad Key":1}}`, "invalid"},
		"nested state value": {http.MethodPost, "/v1/instances", `{"state":{"a":{"b":1}}}`, "invalid"},
		"malformed json":     {http.MethodPost, "/v1/instances", `{"state":`, "invalid"},
		"missing payload":    {http.MethodPost, "/v1/instances/" + id + "/events", `{}`, "invalid"},
		"missing derivation": {http.MethodPost, "/v1/instances/" + id + "/recompute", `{}`, "invalid"},
		"negative timeout":   {http.MethodPost, "/v1/instances/" + id + "/recompute", `{"derivation":"tally","timeout_ms":-1}`, "invalid"},
		"bad param key":      {http.MethodPost, "/v1/instances/" + id + "/recompute", `{"derivation":"merge","params":{"9x":1}}`, "invalid"},
		"unknown derivation": {http.MethodPost, "/v1/instances/" + id + "/recompute", `{"derivation":"teleport"}`, KindUnknownDerivation},
	} {
		t.Run(name, func(t *testing.T) {
			w := e.do(tc.method, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			require.Equal(t, tc.kind, decode[errorResponse](t, w).Kind)
		})
	}

	inst, err := e.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), inst.Version)
	require.Equal(t, 1, e.reg.Len())
}

func TestRecomputeConflict(t *testing.T) {
	e := newEnv(t, Options{})
	id := e.create(t, `{}`)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.reg.Recompute(context.Background(), id, func(_ context.Context, cur models.Instance) (models.State, error) {
			close(started)
			<-release
			return cur.State, nil
		})
	}()
	<-started

	w := e.do(http.MethodPost, "/v1/instances/"+id+"/recompute", `{"derivation":"tally"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "conflict", decode[errorResponse](t, w).Kind)

	close(release)
	wg.Wait()
}

func TestCreateAtCapacity(t *testing.T) {
	e := newEnv(t, Options{}, registry.WithMaxInstances(1))
	e.create(t, `{}`)

	w := e.do(http.MethodPost, "/v1/instances", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "resource_exhausted", decode[errorResponse](t, w).Kind)
}

func TestIdempotentCreate(t *testing.T) {
	e := newEnv(t, Options{IdempotencyTTL: time.Minute})

	w := e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[map[string]string](t, w)["id"]

	w = e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, first, decode[map[string]string](t, w)["id"])
	require.Equal(t, 1, e.reg.Len())

	w = e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "k-2")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, 2, e.reg.Len())
}

func TestIdempotentCreateAfterPersistenceFailure(t *testing.T) {
	e := newEnvWithStore(t, failingStore{}, Options{IdempotencyTTL: time.Minute})

	w := e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, KindStorage, decode[errorResponse](t, w).Kind)
	ids := e.reg.ListIDs()
	require.Len(t, ids, 1)

	w = e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, ids[0], decode[map[string]string](t, w)["id"])
	require.Equal(t, 1, e.reg.Len())
}

func TestIdempotentCreateConcurrentSameKey(t *testing.T) {
	e := newEnv(t, Options{IdempotencyTTL: time.Minute})

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "shared")
			var out map[string]string
			if json.Unmarshal(w.Body.Bytes(), &out) == nil {
				ids[i] = out["id"]
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, e.reg.Len())
	require.NotEmpty(t, ids[0])
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestIdempotentCreateUnrelatedKeysDoNotWait(t *testing.T) {
	store := &gateStore{entered: make(chan struct{}), release: make(chan struct{})}
	e := newEnvWithStore(t, store, Options{IdempotencyTTL: time.Minute})

	done := make(chan int, 1)
	go func() {
		done <- e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "slow").Code
	}()
	<-store.entered

	w := e.do(http.MethodPost, "/v1/instances", `{}`, IdempotencyHeader, "fast")
	require.Equal(t, http.StatusCreated, w.Code)

	close(store.release)
	require.Equal(t, http.StatusCreated, <-done)
	require.Equal(t, 2, e.reg.Len())
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, Options{RateLimit: 0.001, RateBurst: 1})

	w := e.do(http.MethodGet, "/v1/instances", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/v1/instances", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, KindRateLimited, decode[errorResponse](t, w).Kind)

	// Liveness sits outside the limited group.
	w = e.do(http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSnapshotAndMetrics(t *testing.T) {
	e := newEnv(t, Options{})
	a := e.create(t, `{"state":{"coherence":0.2}}`)
	e.create(t, `{"state":{"coherence":0.4}}`)
	w := e.do(http.MethodPost, "/v1/instances/"+a+"/events", `{"payload":"e1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/v1/metrics/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[metrics.Snapshot](t, w)
	require.Equal(t, 2, snap.Live)
	require.Equal(t, 1, snap.Events)
	require.InDelta(t, 0.3, snap.Scores["coherence"], 1e-9)

	w = e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, "continuity_instances_live 2")
	require.Contains(t, body, "continuity_events_recorded 1")
}

func TestPingAndHealth(t *testing.T) {
	e := newEnv(t, Options{})
	w := e.do(http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(decode[map[string]string](t, w)["msg"], "pong"))

	w = e.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("get x: %w", registry.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("recompute x: %w", registry.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("recompute x: %w", registry.ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{fmt.Errorf("create: %w", registry.ErrResourceExhausted), http.StatusServiceUnavailable, "resource_exhausted"},
		{fmt.Errorf("create: %w: %w", registry.ErrInvalidState, models.ErrInvalidKey), http.StatusBadRequest, "invalid"},
		{fmt.Errorf("%w: \"x\"", derive.ErrUnknownDerivation), http.StatusBadRequest, KindUnknownDerivation},
		{fmt.Errorf("%w: save x: boom", server.ErrPersistence), http.StatusInternalServerError, KindStorage},
		{ErrRateLimited, http.StatusTooManyRequests, KindRateLimited},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	} {
		status, kind := classify(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.kind, kind, tc.err.Error())
	}
}
