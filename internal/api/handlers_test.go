package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/veille-labs/courant/internal/api/sse"
	"github.com/veille-labs/courant/internal/assigner"
	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/embed"
	"github.com/veille-labs/courant/internal/runs"
	"github.com/veille-labs/courant/internal/vector/sqlitevec"
	"github.com/veille-labs/courant/pkg/models"
)

type testService struct {
	svc      *Service
	store    *dbgorm.Store
	manager  *runs.Manager
	clusters *dbgorm.ClusterStore
	events   *dbgorm.EventStore
	space    *models.EmbeddingSpace
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	ctx := context.Background()

	store, err := dbgorm.NewStore(dbgorm.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		Dims:     4,
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rs := dbgorm.NewRunStore(store)
	space, err := rs.GetOrCreateSpace(ctx, "test-space", "test", "v1", 4)
	require.NoError(t, err)

	clusters := dbgorm.NewClusterStore(store)
	docs := dbgorm.NewDocumentStore(store)
	events := dbgorm.NewEventStore(store)
	index := sqlitevec.NewClient(store.GetRawDB(), store.Dims())
	manager := runs.NewManager(rs)
	asn := assigner.New(rs, clusters, docs, index, nil)

	svc := NewService("test", "127.0.0.1:0", space.ID,
		manager, clusters, docs, events, asn, index, embed.NewStatic(4), sse.NewBroadcaster())
	return &testService{
		svc:      svc,
		store:    store,
		manager:  manager,
		clusters: clusters,
		events:   events,
		space:    space,
	}
}

func (ts *testService) activateRun(t *testing.T) *models.ClusterRun {
	t.Helper()
	run, err := ts.manager.EnsureActiveRun(context.Background(),
		ts.space, "incremental-knn", models.DefaultRunParams())
	require.NoError(t, err)
	return run
}

func (ts *testService) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.svc.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestService(t)

	rec := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(0), body["stream_clients"])
	assert.Equal(t, float64(0), body["indexed_documents"])
}

func TestReadEndpointsWithoutActiveRun(t *testing.T) {
	ts := newTestService(t)

	for _, path := range []string{
		"/api/runs/active",
		"/api/clusters",
		"/api/clusters/1/assignments",
	} {
		rec := ts.get(t, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestIngestAndListClusters(t *testing.T) {
	ts := newTestService(t)
	run := ts.activateRun(t)

	post := func(doc map[string]any) *httptest.ResponseRecorder {
		payload, err := json.Marshal(doc)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		ts.svc.Router().ServeHTTP(rec, req)
		return rec
	}

	body := map[string]any{
		"document":  map[string]any{"id": 1, "source_id": 7, "published_at_epoch": time.Now().UnixMilli()},
		"embedding": []float32{1, 0, 0, 0},
		"source":    map[string]any{"id": 7, "name": "wire", "trust_tier": "A", "scope": "local"},
	}

	rec := post(body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a models.Assignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, run.ID, a.RunID)
	assert.NotZero(t, a.ClusterID)

	// Redelivery is acknowledged without a second assignment.
	rec = post(body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["duplicate"])

	rec = ts.get(t, "/api/clusters")
	require.Equal(t, http.StatusOK, rec.Code)
	clusters := decode(t, rec)["clusters"].([]any)
	require.Len(t, clusters, 1)

	rec = ts.get(t, fmt.Sprintf("/api/clusters/%d/assignments", a.ClusterID))
	require.Equal(t, http.StatusOK, rec.Code)
	assignments := decode(t, rec)["assignments"].([]any)
	assert.Len(t, assignments, 1)
}

// Ingesting text instead of an embedding works when the service
// carries an embedder, and the vector lands in the index.
func TestIngestEmbedsTextWithConfiguredEmbedder(t *testing.T) {
	ts := newTestService(t)
	ts.activateRun(t)

	payload := []byte(`{"document":{"id":1,"source_id":7},"text":"river level rising fast"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	ts.svc.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	health := decode(t, ts.get(t, "/health"))
	assert.Equal(t, float64(1), health["indexed_documents"])
}

func TestIngestRejectsIncompleteDocuments(t *testing.T) {
	ts := newTestService(t)
	ts.activateRun(t)

	req := httptest.NewRequest(http.MethodPost, "/api/documents",
		bytes.NewReader([]byte(`{"document":{"id":1}}`)))
	rec := httptest.NewRecorder()
	ts.svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestWithoutActiveRunConflicts(t *testing.T) {
	ts := newTestService(t)

	payload := []byte(`{"document":{"id":1},"embedding":[1,0,0,0]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	ts.svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func (ts *testService) seedEvents(t *testing.T, runID int64, n int) []models.Event {
	t.Helper()
	out := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := models.Event{
			UID:             uuid.NewString(),
			RunID:           runID,
			ClusterID:       int64(i + 1),
			DetectedAtEpoch: time.Now().UnixMilli(),
			Score:           float64(20 + i),
			Severity:        models.SeverityMedium,
			Label:           "Trending: 10 docs/h",
			DedupeKey:       models.EventDedupeKey(int64(i+1), 0),
		}
		require.NoError(t, ts.events.Insert(context.Background(), &ev))
		out = append(out, ev)
	}
	return out
}

func TestListEventsCursorPaging(t *testing.T) {
	ts := newTestService(t)
	run := ts.activateRun(t)
	seeded := ts.seedEvents(t, run.ID, 5)

	rec := ts.get(t, "/api/events?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	page := body["events"].([]any)
	require.Len(t, page, 3)
	next := int64(body["next_cursor"].(float64))

	rec = ts.get(t, fmt.Sprintf("/api/events?cursor=%d&limit=10", next))
	body = decode(t, rec)
	page = body["events"].([]any)
	require.Len(t, page, 2)
	last := page[1].(map[string]any)
	assert.Equal(t, seeded[4].UID, last["uid"])
}

// Stream replay is exercised through the handler directly: a client
// with a cursor receives every later persisted event as an SSE frame.
func TestStreamReplaysFromCursor(t *testing.T) {
	ts := newTestService(t)
	run := ts.activateRun(t)
	seeded := ts.seedEvents(t, run.ID, 3)

	// The handler blocks for live delivery after the replay; a request
	// deadline detaches it once the replayed frames are written.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/events/stream?cursor=%d", seeded[0].ID), nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.NotContains(t, out, seeded[0].UID)
	assert.Contains(t, out, fmt.Sprintf("id: %d", seeded[1].ID))
	assert.Contains(t, out, seeded[1].UID)
	assert.Contains(t, out, seeded[2].UID)
}
