package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/continuity/internal/api"
	"github.com/devghori1264/aerophoenix/continuity/internal/metrics"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
	"github.com/devghori1264/aerophoenix/continuity/internal/server"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	agg := metrics.NewAggregator(reg, []string{"coherence"})
	router := api.NewRouter(server.New(reg, nil, nil, nil), agg, api.Options{Gatherer: prometheus.NewRegistry()})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func runCtl(t *testing.T, base string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", base, "--nats-url", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCtlRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	out, err := runCtl(t, ts.URL, "ping")
	require.NoError(t, err)
	require.Contains(t, out, "pong")

	out, err = runCtl(t, ts.URL, "create", "--set", "coherence=0.5", "--set", "name=ada")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = runCtl(t, ts.URL, "record", id, "--payload", `{"k":1}`)
	require.NoError(t, err)
	require.Equal(t, "1", strings.TrimSpace(out))

	out, err = runCtl(t, ts.URL, "recompute", id, "-d", "tally")
	require.NoError(t, err)
	require.Contains(t, out, `"version": 2`)
	require.Contains(t, out, `"event_count": 1`)

	out, err = runCtl(t, ts.URL, "list")
	require.NoError(t, err)
	require.Equal(t, id, strings.TrimSpace(out))

	out, err = runCtl(t, ts.URL, "snapshot")
	require.NoError(t, err)
	require.Contains(t, out, `"live_instances": 1`)

	out, err = runCtl(t, ts.URL, "remove", id)
	require.NoError(t, err)
	require.Contains(t, out, id)

	_, err = runCtl(t, ts.URL, "get", id)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr), "%v", err)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "not_found", apiErr.Kind)
}

func TestCtlRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	_, err := runCtl(t, ts.URL, "create", "--set", "novalue")
	require.Error(t, err)

	_, err = runCtl(t, ts.URL, "record", "x", "--payload", "{")
	require.Error(t, err)

	_, err = runCtl(t, ts.URL, "recompute", "x")
	require.Error(t, err)
}

func TestParseAttrs(t *testing.T) {
	state, err := parseAttrs([]string{"n=0.25", "ok=true", "gone=null", "name=ada", "quoted=\"x\""})
	require.NoError(t, err)

	n, ok := state["n"].Float()
	require.True(t, ok)
	require.Equal(t, 0.25, n)
	require.Equal(t, models.KindBool, state["ok"].Kind())
	require.Equal(t, models.KindNull, state["gone"].Kind())
	name, _ := state["name"].Str()
	require.Equal(t, "ada", name)
	quoted, _ := state["quoted"].Str()
	require.Equal(t, "x", quoted)

	_, err = parseAttrs([]string{"Bad=1"})
	require.ErrorIs(t, err, models.ErrInvalidKey)
}
