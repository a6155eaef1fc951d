package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/server"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/detail"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
	"github.com/buildflow/buildflow/pkg/mocks"
	"github.com/buildflow/buildflow/pkg/types"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := server.New("", store.NewMemoryStore(), nil, logger.NewNopLogger())

	w := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReady(t *testing.T) {
	st := mocks.NewFaultyStore(store.NewMemoryStore())
	s := server.New("", st, nil, logger.NewNopLogger())

	w := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)

	st.FailOn("Ping", store.ErrUnavailable)
	w = get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store unavailable")
}

func TestMetrics(t *testing.T) {
	metrics.IncRedelivery(types.EventTypeTaskPause)
	s := server.New("", store.NewMemoryStore(), nil, logger.NewNopLogger())

	w := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "buildflow_"), "engine metrics are exported")
}

func TestBuildStatus(t *testing.T) {
	st := store.NewMemoryStore()
	tree := types.NewTreeBuilder("b1", "proj", "pipe", "alice").
		Stage("s1", false).
		Container("c1", "").
		Task("t1", "compile", `{}`).
		MustBuild()
	require.NoError(t, st.CreateBuild(context.Background(), tree))
	s := server.New("", st, nil, logger.NewNopLogger())

	w := get(t, s.Handler(), "/builds/b1")
	require.Equal(t, http.StatusOK, w.Code)
	var got types.BuildTree
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "b1", got.Build.BuildID)
	assert.Len(t, got.Stages, 1)

	w = get(t, s.Handler(), "/builds/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBuildStatusWithDetailView(t *testing.T) {
	st := store.NewMemoryStore()
	tree := types.NewTreeBuilder("b1", "proj", "pipe", "alice").
		Stage("s1", false).
		Container("c1", "").
		Task("t1", "approve", `{}`).
		MustBuild()
	require.NoError(t, st.CreateBuild(context.Background(), tree))

	views := detail.New(detail.Config{Enabled: true}, logger.NewNopLogger())
	views.UpdateElementWhenPauseContinue("b1", "s1", "c1", "t1", map[string]interface{}{"env": "staging"})
	views.BuildCancelUserSet("b1", "bob")
	s := server.New("", st, views, logger.NewNopLogger())

	w := get(t, s.Handler(), "/builds/b1")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		types.BuildTree
		Detail *detail.View `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "b1", got.Build.BuildID)
	require.NotNil(t, got.Detail)
	assert.Equal(t, "bob", got.Detail.CancelUser)
	assert.Equal(t, []string{"t1"}, got.Detail.Continued)
	assert.Equal(t, "staging", got.Detail.Elements["t1"]["env"])

	st2 := store.NewMemoryStore()
	tree2 := types.NewTreeBuilder("b2", "proj", "pipe", "alice").
		Stage("s1", false).
		Container("c1", "").
		Task("t1", "compile", `{}`).
		MustBuild()
	require.NoError(t, st2.CreateBuild(context.Background(), tree2))
	w = get(t, server.New("", st2, views, logger.NewNopLogger()).Handler(), "/builds/b2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"detail"`, "builds without a view omit it")
}
