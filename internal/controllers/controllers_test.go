package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/devproxy/devproxy/internal/broadcast"
	"github.com/devproxy/devproxy/internal/cache"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/openapi"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/util"
)

type harness struct {
	router  *mux.Router
	cache   *cache.Cache
	history *broadcast.History
	schema  *openapi.Recorder
	logger  *util.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := store.NewMemory()
	logger := util.NewLogger("info")
	logger.SetOutput(io.Discard)
	h := &harness{
		router:  mux.NewRouter(),
		cache:   cache.New(st, logger),
		history: broadcast.NewHistory(10),
		schema:  openapi.NewRecorder("test", "1"),
		logger:  logger,
	}

	rules := NewRulesController(st, logger)
	routes := NewRoutesController(h.cache, logger)
	events := NewEventsController(h.history, h.schema, logger)
	logs := NewLogsController(logger)

	h.router.HandleFunc("/api/rules", rules.List).Methods("GET")
	h.router.HandleFunc("/api/rules", rules.Post).Methods("POST")
	h.router.HandleFunc("/api/rules/order", rules.Reorder).Methods("PUT")
	h.router.HandleFunc("/api/rules/{id}", rules.Get).Methods("GET")
	h.router.HandleFunc("/api/rules/{id}", rules.Put).Methods("PUT")
	h.router.HandleFunc("/api/rules/{id}", rules.Delete).Methods("DELETE")
	h.router.HandleFunc("/api/routes", routes.List).Methods("GET")
	h.router.HandleFunc("/api/routes/{id}", routes.Get).Methods("GET")
	h.router.HandleFunc("/api/routes/{id}", routes.Delete).Methods("DELETE")
	h.router.HandleFunc("/api/routes/{id}/lock", routes.ToggleLock).Methods("POST")
	h.router.HandleFunc("/api/routes/{id}/responses/{responseId}/lock", routes.ToggleResponseLock).Methods("POST")
	h.router.HandleFunc("/api/history", events.History).Methods("GET")
	h.router.HandleFunc("/api/history", events.ClearHistory).Methods("DELETE")
	h.router.HandleFunc("/api/openapi", events.OpenAPI).Methods("GET")
	h.router.HandleFunc("/api/openapi", events.ResetOpenAPI).Methods("DELETE")
	h.router.HandleFunc("/logs", logs.Get).Methods("GET")

	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestRulesLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do("POST", "/api/rules", `{"type":"forwarding","id":"api","isActive":true,"pathPattern":"/api/(.*)","targetUrl":"https://api.example.com/$1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "forwarding", gjson.Get(rec.Body.String(), "type").String())
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "order").Int())

	rec = h.do("POST", "/api/rules", `{"type":"static","isActive":true,"pathPattern":"/health","status":204}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	staticID := gjson.Get(rec.Body.String(), "id").String()
	assert.NotEmpty(t, staticID)

	rec = h.do("GET", "/api/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"api", staticID}, gjson.Get(rec.Body.String(), "rules.#.id").Value())

	rec = h.do("PUT", "/api/rules/order", `["`+staticID+`"]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []interface{}{staticID, "api"}, gjson.Get(rec.Body.String(), "rules.#.id").Value())

	rec = h.do("PUT", "/api/rules/api", `{"type":"forwarding","order":5,"isActive":false,"pathPattern":"/v2/(.*)","targetUrl":"https://v2.example.com/$1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do("GET", "/api/rules/api", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v2/(.*)", gjson.Get(rec.Body.String(), "pathPattern").String())
	assert.False(t, gjson.Get(rec.Body.String(), "isActive").Bool())

	rec = h.do("DELETE", "/api/rules/api", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do("GET", "/api/rules/api", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(util.MissingResourceError), gjson.Get(rec.Body.String(), "errors.0.code").String())
}

func TestRulesRejectInvalidInput(t *testing.T) {
	h := newHarness(t)

	for _, body := range []string{
		`{"id":"x","pathPattern":"/a"}`,
		`{"type":"teleport","pathPattern":"/a"}`,
		`{"type":"forwarding","pathPattern":"/a"}`,
		`{"type":"forwarding","pathPattern":"/(","targetUrl":"https://x"}`,
		`not json`,
	} {
		rec := h.do("POST", "/api/rules", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := h.do("PUT", "/api/rules/a", `{"type":"plugin","id":"b","pathPattern":"/a","script":"function(){}"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("PUT", "/api/rules/order", `{"ids":["missing"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteLockToggles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	route, _, err := h.cache.GetOrCreateRoute(ctx, "GET", "/users", "api.example.com")
	require.NoError(t, err)
	route, err = h.cache.RecordResponse(ctx, route, &models.Response{Status: 200, Body: "hello"})
	require.NoError(t, err)
	responseID := route.Responses[0].ResponseID

	rec := h.do("GET", "/api/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, route.ID, gjson.Get(rec.Body.String(), "routes.0.id").String())

	rec = h.do("POST", "/api/routes/"+route.ID+"/responses/"+responseID+"/lock", `{"lockedBody":{"mocked":true}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "isLocked").Bool())

	stored, err := h.cache.Route(ctx, route.ID)
	require.NoError(t, err)
	assert.True(t, stored.Responses[0].IsLocked)
	assert.Equal(t, map[string]interface{}{"mocked": true}, stored.Responses[0].LockedBody)

	rec = h.do("POST", "/api/routes/"+route.ID+"/responses/"+responseID+"/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "isLocked").Bool())

	rec = h.do("POST", "/api/routes/"+route.ID+"/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "isLocked").Bool())

	rec = h.do("POST", "/api/routes/"+route.ID+"/responses/nope/lock", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do("DELETE", "/api/routes/"+route.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do("GET", "/api/routes/"+route.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryAndOpenAPI(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/a", "/b", "/c"} {
		h.history.Add(models.ProxyEvent{ID: path, Path: path, Timestamp: time.Now()})
	}

	rec := h.do("GET", "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"/b", "/c"}, gjson.Get(rec.Body.String(), "events.#.path").Value())

	rec = h.do("GET", "/api/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("DELETE", "/api/history", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, h.history.List(0))

	h.schema.RecordRequest("api.example.com",
		&models.CapturedRequest{Method: "GET", Path: "/users"},
		&models.CapturedResponse{Status: 200, Body: []byte(`[{"id":1}]`)},
		time.Now())

	rec = h.do("GET", "/api/openapi", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, json.Valid(rec.Body.Bytes()))
	assert.True(t, gjson.Get(rec.Body.String(), `paths./users.get`).Exists())

	rec = h.do("DELETE", "/api/openapi", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do("GET", "/api/openapi", "")
	assert.False(t, gjson.Get(rec.Body.String(), `paths./users`).Exists())
}

func TestLogsFilterByLevel(t *testing.T) {
	h := newHarness(t)
	h.logger.Info("first")
	h.logger.Warn("second")

	rec := h.do("GET", "/logs?level=warning", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"second"}, gjson.Get(rec.Body.String(), "logs.#.message").Value())
}
