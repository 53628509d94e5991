package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/plugin/plugintest"
	"github.com/dshills/lodestar/internal/query"
)

func TestQueryObserver(t *testing.T) {
	m := New()
	var obs query.Observer = m

	obs.QueryFinished(query.KindGlobal, 20*time.Millisecond, 3, false)
	obs.QueryFinished(query.KindGlobal, time.Millisecond, 0, true)
	obs.QueryFinished(query.KindTrigger, time.Millisecond, 1, false)
	obs.HandlerFinished("apps", time.Millisecond, nil)
	obs.HandlerFinished("apps", time.Millisecond, errors.New("boom"))
	obs.HandlerFinished("apps", time.Millisecond, context.Canceled)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues("global", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues("global", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues("trigger", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerFailures.WithLabelValues("apps")))
}

func TestWatchRegistry(t *testing.T) {
	m := New()
	exts := extension.NewRegistry()
	reg := plugin.NewRegistry(exts, plugin.RegistryConfig{})

	stop := m.WatchRegistry(reg)
	defer stop()

	bad := plugintest.NewLoader("bad")
	bad.LoadErr = errors.New("nope")
	p := plugintest.NewProvider("mem", plugintest.NewLoader("a"), plugintest.NewLoader("b", "missing"), bad)
	ctx := context.Background()
	require.NoError(t, reg.AddProvider(ctx, p))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pluginsInvalid))

	require.NoError(t, reg.Load(ctx, "a"))
	require.Error(t, reg.Load(ctx, "bad"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pluginsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pluginLoads.WithLabelValues("a", "loaded", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pluginLoads.WithLabelValues("bad", "unloaded", "error")))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.Activated("calculator")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `lodestar_activations_total{extension="calculator"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
