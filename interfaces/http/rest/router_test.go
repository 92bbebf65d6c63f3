package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"polystore/application/executor"
	"polystore/application/locking"
	"polystore/application/ports"
	"polystore/application/session"
	"polystore/domain/schema"
	"polystore/infrastructure/persistence/abstractions"
	"polystore/infrastructure/persistence/dynamodb"
	"polystore/infrastructure/persistence/memory"
	sqlstore "polystore/infrastructure/persistence/sql"
	"polystore/pkg/auth"
	"polystore/pkg/errors"
	"polystore/pkg/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryBackends serves one in-memory store under the name "memory"
type memoryBackends struct {
	executor *executor.Executor
	sessions *session.Manager
}

func (b *memoryBackends) Executor(backend string) (*executor.Executor, error) {
	if backend != ports.BackendMemory {
		return nil, errors.NewNotFoundError("backend " + backend)
	}
	return b.executor, nil
}

func (b *memoryBackends) Sessions(backend string) (*session.Manager, error) {
	if backend != ports.BackendMemory {
		return nil, errors.NewNotFoundError("backend " + backend)
	}
	return b.sessions, nil
}

func newTestServer(t *testing.T, validator *auth.Validator) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	items := schema.Entity{
		Collection: "items",
		Fields:     []schema.Field{{Name: "id"}, {Name: "kind"}, {Name: "stock"}},
		PrimaryKey: schema.KeySchema{Hash: "id"},
		Versioned:  true,
	}
	schemas, err := schema.NewRegistry(items)
	require.NoError(t, err)
	e, err := schemas.Lookup("items")
	require.NoError(t, err)

	store := memory.NewStore(logger)
	for _, doc := range []map[string]any{
		{"id": "i1", "kind": "bolt", "stock": int64(5), "version": int64(0)},
		{"id": "i2", "kind": "bolt", "stock": int64(7), "version": int64(0)},
		{"id": "i3", "kind": "nut", "stock": int64(1), "version": int64(0)},
	} {
		require.NoError(t, store.Insert(context.Background(), e, ports.Key{Hash: doc["id"]}, doc, true))
	}

	metrics := observability.NewCollector("polystore")
	coordinator := locking.NewCoordinator(store, metrics, logger)
	backends := &memoryBackends{
		executor: executor.NewExecutor(coordinator, nil, logger),
		sessions: session.NewManager(coordinator, nil, metrics, logger, 16),
	}
	compilers := abstractions.NewRegistry(schemas, metrics).
		Register(dynamodb.NewCompiler(), sqlstore.NewCompiler(sqlstore.Postgres, ""))

	router := NewRouter(compilers, backends, schemas, validator, metrics,
		errors.NewErrorHandler(logger, false), Options{EnableMetrics: true}, logger)
	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestRouter_Catalog(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/catalog")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			Backends    []string `json:"backends"`
			Collections []string `json:"collections"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"dynamodb", "postgres"}, out.Data.Backends)
	assert.Equal(t, []string{"items"}, out.Data.Collections)
}

func TestRouter_ExplainQuery(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, out := post(t, srv.URL+"/api/v1/compile/postgres/items",
		`{"conditions":[{"field":"stock","op":"gt","operands":[3]}],"max_results":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	data := out["data"].(map[string]any)
	assert.Equal(t, "postgres", data["backend"])
	assert.NotEmpty(t, data["query"])

	resp, out = post(t, srv.URL+"/api/v1/compile/oracle/items", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, out)
}

func TestRouter_Execute(t *testing.T) {
	srv := newTestServer(t, nil)

	// Arrange
	body := `{"kind":"find_all","query":{"conditions":[{"field":"kind","op":"eq","operands":["bolt"]}],
		"sorts":[{"field":"stock","direction":"desc"}]}}`

	// Act
	resp, out := post(t, srv.URL+"/api/v1/execute/memory/items?page=1&page_size=1", body)

	// Assert
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	records := out["data"].(map[string]any)["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "i2", records[0].(map[string]any)["id"])

	pagination := out["meta"].(map[string]any)["pagination"].(map[string]any)
	assert.Equal(t, float64(2), pagination["total"])
	assert.Equal(t, true, pagination["has_next"])

	resp, out = post(t, srv.URL+"/api/v1/execute/memory/items",
		`{"kind":"count","query":{"conditions":[{"field":"stock","op":"between","operands":[1,5]}]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, float64(2), out["data"].(map[string]any)["count"])
}

func TestRouter_ExecuteRejectsBadDescriptor(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, out := post(t, srv.URL+"/api/v1/execute/memory/items", `{"kind":"find_one"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, out)

	resp, out = post(t, srv.URL+"/api/v1/execute/memory/missing", `{"kind":"count","query":{}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, out)
}

func TestRouter_SessionPartialFailure(t *testing.T) {
	srv := newTestServer(t, nil)

	body := `{"operations":[
		{"op":"save","collection":"items","document":{"id":"i1","kind":"dup","stock":1}},
		{"op":"save","collection":"items","document":{"id":"i9","kind":"washer","stock":40}},
		{"op":"update","collection":"items","key":{"hash":"i3"},"changes":{"records":[{"path":"stock","kind":"increment","delta":4}]}}
	]}`
	resp, out := post(t, srv.URL+"/api/v1/sessions/memory", body)

	require.Equal(t, http.StatusMultiStatus, resp.StatusCode, out)
	assert.Equal(t, "PARTIAL_BATCH_FAILURE", out["type"])
	failures := out["details"].(map[string]any)["failures"].(map[string]any)
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, "items/i1")

	resp, out = post(t, srv.URL+"/api/v1/execute/memory/items",
		`{"kind":"find_one","query":{"conditions":[{"field":"id","op":"eq","operands":["i3"]}]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, float64(5), out["data"].(map[string]any)["record"].(map[string]any)["stock"])
}

func TestRouter_SessionSuccess(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, out := post(t, srv.URL+"/api/v1/sessions/memory",
		`{"operations":[{"op":"delete","collection":"items","key":{"hash":"i2"}}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, []any{"items/i2"}, out["data"].(map[string]any)["deleted"])
}

func TestRouter_Authentication(t *testing.T) {
	validator, err := auth.NewValidator("test-secret", "polystore")
	require.NoError(t, err)
	srv := newTestServer(t, validator)

	resp, err := http.Get(srv.URL + "/api/v1/catalog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := validator.Sign("alice", nil, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/catalog", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health stays open
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
