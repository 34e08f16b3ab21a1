package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/batch"
	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/embedding"
	"memvault-backend/internal/events"
	"memvault-backend/internal/handlers"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/middleware"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository/inmem"
	"memvault-backend/internal/resilience"
	"memvault-backend/internal/seal"
	"memvault-backend/internal/service/classify"
	"memvault-backend/internal/service/consent"
	"memvault-backend/internal/service/extraction"
	"memvault-backend/internal/service/ingest"
	"memvault-backend/internal/service/llm"
	"memvault-backend/internal/service/search"
	"memvault-backend/internal/vector"
	"memvault-backend/pkg/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	embedWidth  = 32
	sealPackage = "0x2f1d5c4a9e8b7061524f3e2d1c0b9a887766554433221100aabbccddeeff0011"
)

var (
	user = identity.MustAddress("0x1111111111111111111111111111111111111111")
	app  = identity.MustAddress("0x2222222222222222222222222222222222222222")
)

type serverFixture struct {
	router   http.Handler
	provider *llm.MockProvider
	repo     *inmem.Store
	health   *handlers.HealthHandler
}

// newServer assembles the whole surface over in-memory collaborators, the
// same shape the container wires in production.
func newServer(t *testing.T) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := observability.NewCollector("memvault")
	repo := inmem.New()
	transport := blob.NewMemoryTransport()
	blobs := blob.NewStore(transport, blob.StoreConfig{}, logger, metrics)

	contents, err := cache.NewContentCache(cache.NoopHotSet{}, blobs,
		cache.Config{L1Entries: 64, TTL: time.Hour}, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = contents.Close() })

	embedder, err := embedding.NewService(embedding.NewLocalProvider(embedWidth),
		embedding.ServiceConfig{CacheEntries: 128}, logger, metrics)
	require.NoError(t, err)

	registry := batch.NewRegistry(logger)
	vectors, err := vector.NewManager(vector.ManagerConfig{
		Dimension:         embedWidth,
		BatchSize:         10,
		BatchAge:          time.Hour,
		SnapshotThreshold: 1000,
		SnapshotIdle:      time.Hour,
		EvictAfter:        time.Hour,
	}, transport, registry, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = vectors.Shutdown(ctx)
	})

	graphs, err := kgraph.NewManager(kgraph.ManagerConfig{
		CheckpointEvery: 1000,
		CheckpointIdle:  time.Hour,
		EvictAfter:      time.Hour,
		BatchSize:       10,
		BatchAge:        time.Hour,
	}, transport, registry, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = graphs.Shutdown(ctx)
	})

	perms, err := consent.NewService(repo, events.NopPublisher{}, consent.Config{}, logger, metrics)
	require.NoError(t, err)

	provider := llm.NewMockProvider()
	sealer := newSealer(t, logger, metrics)
	sealer.SetAuthorizer(perms)

	ing, err := ingest.NewService(ingest.Deps{
		Classifier: classify.NewService(provider, logger),
		Extractor:  extraction.NewService(provider, logger),
		Embedder:   embedder,
		Sealer:     sealer,
		Blobs:      blobs,
		Contents:   contents,
		Vectors:    vectors,
		Graphs:     graphs,
		Repo:       repo,
	}, ingest.Config{}, logger, metrics)
	require.NoError(t, err)

	searchSvc, err := search.NewService(search.Deps{
		Embedder: embedder,
		Vectors:  vectors,
		Graphs:   graphs,
		Repo:     repo,
		Perms:    perms,
		Sealer:   sealer,
		Blobs:    blobs,
		Contents: contents,
	}, search.Config{}, logger, metrics)
	require.NoError(t, err)

	health := handlers.NewHealthHandler("test")
	health.SetReady(true)
	router := handlers.NewRouter(handlers.Handlers{
		Memories: handlers.NewMemoryHandler(ing, repo, sealer, blobs, contents, logger),
		Search:   handlers.NewSearchHandler(searchSvc, logger),
		Consent:  handlers.NewConsentHandler(perms, logger),
		Keys:     handlers.NewKeysHandler(sealer, perms, repo, events.NopPublisher{}, logger),
		Admin:    handlers.NewAdminHandler(ing, vectors, graphs, registry, contents, logger),
		Health:   health,
	}, metrics, logger, handlers.RouterConfig{})

	return &serverFixture{router: router, provider: provider, repo: repo, health: health}
}

func newSealer(t *testing.T, logger *zap.Logger, metrics *observability.Collector) *seal.Service {
	t.Helper()
	fakes := []*seal.FakeKeyServer{
		seal.NewFakeKeyServer("0xk1", 1),
		seal.NewFakeKeyServer("0xk2", 1),
		seal.NewFakeKeyServer("0xk3", 1),
	}
	sinks := make([]seal.ShareSink, len(fakes))
	clients := make([]seal.KeyServerClient, len(fakes))
	for i, fk := range fakes {
		sinks[i] = fk
		clients[i] = fk
	}
	ring, err := seal.NewKeyRing([]byte("0123456789abcdef0123456789abcdef"), sinks, 3, 2)
	require.NoError(t, err)
	sessions, err := seal.NewSessionStore(seal.NewLocalSigner([]byte("node-secret")),
		sealPackage, time.Hour, logger, metrics, nil)
	require.NoError(t, err)
	quorum, err := seal.NewQuorumFetcher(clients, 2, resilience.RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
		MaxElapsedTime:  100 * time.Millisecond,
	}, logger, metrics)
	require.NoError(t, err)
	return seal.NewService(ring, sessions, quorum, nil, sealPackage, logger, metrics, nil)
}

func (f *serverFixture) scriptAccept(category string) {
	f.provider.Always("memory gatekeeper",
		`{"should_save": true, "category": "`+category+`", "confidence": 0.9}`)
	f.provider.Always("knowledge graph", `{"nodes": [], "edges": []}`)
}

// do runs one request through the router and returns the recorder.
func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out),
		"body %q did not decode", rec.Body.String())
	return out
}

func asUser(addr identity.Address) map[string]string {
	return map[string]string{middleware.UserHeader: addr.String()}
}

func asApp(userAddr, appAddr identity.Address) map[string]string {
	return map[string]string{
		middleware.UserHeader: userAddr.String(),
		middleware.AppHeader:  appAddr.String(),
	}
}

// ingestOne posts one utterance and requires acceptance.
func (f *serverFixture) ingestOne(t *testing.T, content string) api.IngestResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/memories", api.IngestRequest{Content: content}, asUser(user))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	res := decode[api.IngestResponse](t, rec)
	require.True(t, res.Accepted)
	return res
}

// flush drains the user's pending index work through the admin surface.
func (f *serverFixture) flush(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/admin/flush", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
}

func TestIngestOverHTTP(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")

	res := f.ingestOne(t, "my dog Pepper is a beagle")
	assert.NotEmpty(t, res.MemoryID)
	assert.NotEmpty(t, res.ContentRef)
	assert.Equal(t, "personal", res.Category)
	assert.NotNil(t, res.VectorRef)
}

func TestIngestSkipAnswersOK(t *testing.T) {
	f := newServer(t)
	f.provider.Always("memory gatekeeper",
		`{"should_save": false, "category": "other", "confidence": 0.2}`)

	rec := f.do(t, http.MethodPost, "/api/v1/memories",
		api.IngestRequest{Content: "uh huh"}, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[api.IngestResponse](t, rec)
	assert.False(t, res.Accepted)
	assert.Equal(t, "low_value", res.SkipReason)
	assert.Empty(t, res.MemoryID)
}

func TestIngestRequiresUserHeader(t *testing.T) {
	f := newServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/memories",
		api.IngestRequest{Content: "anonymous"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/memories",
		api.IngestRequest{Content: "bad address"},
		map[string]string{middleware.UserHeader: "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestValidation(t *testing.T) {
	f := newServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/memories",
		api.IngestRequest{}, asUser(user))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty content")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories",
		bytes.NewReader([]byte("{not json")))
	req.Header.Set(middleware.UserHeader, user.String())
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed body")
}

func TestMemoryLifecycleOverHTTP(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")
	utterance := "my dog Pepper is a beagle"

	res := f.ingestOne(t, utterance)

	rec := f.do(t, http.MethodGet, "/api/v1/memories", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[api.MemoryPageResponse](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, res.MemoryID, page.Items[0].MemoryID)
	assert.Equal(t, user.String(), page.Items[0].Owner)
	assert.True(t, page.Items[0].Encrypted)
	assert.Empty(t, page.Items[0].Content, "listing never carries content")
	assert.Empty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/v1/memories/"+res.MemoryID+"?include_content=true", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	got := decode[api.MemoryResponse](t, rec)
	assert.Equal(t, utterance, got.Content)
	assert.Equal(t, res.ContentRef, got.ContentRef)

	rec = f.do(t, http.MethodDelete, "/api/v1/memories/"+res.MemoryID, nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/memories/"+res.MemoryID, nil, asUser(user))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryGetIsOwnerScoped(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")
	res := f.ingestOne(t, "my dog Pepper is a beagle")

	other := identity.MustAddress("0x3333333333333333333333333333333333333333")
	rec := f.do(t, http.MethodGet, "/api/v1/memories/"+res.MemoryID, nil, asUser(other))
	assert.Equal(t, http.StatusNotFound, rec.Code, "records are invisible across owners")
}

func TestMemoryListFilters(t *testing.T) {
	f := newServer(t)
	f.provider.Script("memory gatekeeper", `{"should_save": true, "category": "personal", "confidence": 0.9}`)
	f.provider.Script("memory gatekeeper", `{"should_save": true, "category": "preference", "confidence": 0.9}`)
	f.provider.Always("knowledge graph", `{"nodes": [], "edges": []}`)

	f.ingestOne(t, "my dog Pepper is a beagle")
	f.ingestOne(t, "I prefer oat milk in my coffee")

	rec := f.do(t, http.MethodGet, "/api/v1/memories?category=preference", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[api.MemoryPageResponse](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "preference", page.Items[0].Category)

	rec = f.do(t, http.MethodGet, "/api/v1/memories?limit=nope", nil, asUser(user))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimeLockedContentRefusesEarlyFetch(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("event")

	lock := identity.TimeLock(user, time.Now().Add(24*time.Hour).UnixMilli())
	rec := f.do(t, http.MethodPost, "/api/v1/memories", api.IngestRequest{
		Content:  "surprise party for Sam on Friday",
		Identity: lock.String(),
	}, asUser(user))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	res := decode[api.IngestResponse](t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/memories/"+res.MemoryID+"?include_content=true", nil, asUser(user))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Metadata stays readable without the content.
	rec = f.do(t, http.MethodGet, "/api/v1/memories/"+res.MemoryID, nil, asUser(user))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchOverHTTP(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")
	utterance := "my dog Pepper is a beagle"

	f.ingestOne(t, utterance)
	f.flush(t)

	threshold := -1.0
	rec := f.do(t, http.MethodPost, "/api/v1/search", api.SearchRequest{
		Query:          "dog",
		Mode:           "vector",
		Threshold:      &threshold,
		IncludeContent: true,
	}, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	resp := decode[search.Response](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, utterance, resp.Results[0].Content)
	assert.Equal(t, 1, resp.Stats.Returned)
	assert.Equal(t, 1, resp.Stats.Decrypted)
}

func TestSearchValidationOverHTTP(t *testing.T) {
	f := newServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/search",
		api.SearchRequest{Query: "dog", Mode: "psychic"}, asUser(user))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/search",
		api.SearchRequest{Mode: "vector"}, asUser(user))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "query is required")
}

func TestConsentGateOverHTTP(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")
	utterance := "my dog Pepper is a beagle"
	threshold := -1.0

	f.ingestOne(t, utterance)
	f.flush(t)

	searchReq := api.SearchRequest{
		Query:          "dog",
		Mode:           "vector",
		Threshold:      &threshold,
		IncludeContent: true,
	}

	// Without a grant the app sees nothing.
	rec := f.do(t, http.MethodPost, "/api/v1/search", searchReq, asApp(user, app))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[search.Response](t, rec)
	assert.Empty(t, resp.Results)

	rec = f.do(t, http.MethodPost, "/api/v1/consent/grants", api.GrantRequest{
		Requester:  app.String(),
		Scope:      "read:memories",
		TTLSeconds: 3600,
	}, asUser(user))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	grant := decode[api.GrantResponse](t, rec)
	assert.Equal(t, user.String(), grant.User)
	assert.Equal(t, app.String(), grant.Requester)
	assert.NotZero(t, grant.ExpiresAt)

	rec = f.do(t, http.MethodGet, "/api/v1/consent/grants", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decode[api.GrantsResponse](t, rec)
	require.Len(t, grants.Grants, 1)

	// With the grant the app reads the content.
	rec = f.do(t, http.MethodPost, "/api/v1/search", searchReq, asApp(user, app))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[search.Response](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, utterance, resp.Results[0].Content)

	rec = f.do(t, http.MethodDelete,
		"/api/v1/consent/grants?requester="+app.String()+"&scope=read:memories", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/search", searchReq, asApp(user, app))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[search.Response](t, rec)
	assert.Empty(t, resp.Results, "revocation takes effect immediately")
}

func TestConsentValidationOverHTTP(t *testing.T) {
	f := newServer(t)

	rec := f.do(t, http.MethodPost, "/api/v1/consent/grants", api.GrantRequest{
		Requester: app.String(),
		Scope:     "rule:the:world",
	}, asUser(user))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown scope")

	rec = f.do(t, http.MethodDelete, "/api/v1/consent/grants", nil, asUser(user))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing requester")

	rec = f.do(t, http.MethodDelete,
		"/api/v1/consent/grants?requester="+app.String()+"&scope=read:memories", nil, asUser(user))
	assert.Equal(t, http.StatusNotFound, rec.Code, "revoking a grant that never existed")
}

func TestRotateOverHTTP(t *testing.T) {
	f := newServer(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/v1/keys/rotate", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	res := decode[api.RotateResponse](t, rec)
	assert.Equal(t, uint32(2), res.KeyVersion)

	rec = f.do(t, http.MethodPost, "/api/v1/keys/rotate",
		api.RotateRequest{SessionTTLMinutes: 30}, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[api.RotateResponse](t, rec)
	assert.Equal(t, uint32(3), res.KeyVersion)

	state, err := f.repo.GetUserState(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), state.KeyVersion, "rotation persists the version")
}

func TestRotateKeepsOldContentReadable(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")
	utterance := "my dog Pepper is a beagle"

	res := f.ingestOne(t, utterance)

	rec := f.do(t, http.MethodPost, "/api/v1/keys/rotate", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/memories/"+res.MemoryID+"?include_content=true", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	got := decode[api.MemoryResponse](t, rec)
	assert.Equal(t, utterance, got.Content)
}

func TestAdminStatsOverHTTP(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")

	f.ingestOne(t, "my dog Pepper is a beagle")
	f.flush(t)

	rec := f.do(t, http.MethodGet, "/api/v1/admin/stats", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[api.StatsResponse](t, rec)

	require.Len(t, stats.Indexes, 1)
	assert.Equal(t, user.String(), stats.Indexes[0].User)
	assert.Equal(t, 1, stats.Indexes[0].Size)
	assert.Equal(t, "warm", stats.Indexes[0].State)
	assert.NotEmpty(t, stats.Batches)
	require.NotNil(t, stats.Cache)
	assert.NotZero(t, stats.Cache.L1Entries, "ingest warms the content cache")
}

func TestAdminCheckpointAndRepairOverHTTP(t *testing.T) {
	f := newServer(t)
	f.scriptAccept("personal")
	f.ingestOne(t, "my dog Pepper is a beagle")

	rec := f.do(t, http.MethodPost, "/api/v1/admin/checkpoint", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/admin/repair",
		api.AdminUserRequest{User: user.String()}, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	report := decode[api.RepairResponse](t, rec)
	assert.Zero(t, report.Reindexed, "nothing was parked")
	assert.Zero(t, report.Pruned)
}

func TestHealthAndReadyProbes(t *testing.T) {
	f := newServer(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[api.HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Environment)

	rec = f.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health.SetReady(false)
	rec = f.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	f := newServer(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memvault_http_requests_total")
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newServer(t)
	rec := f.do(t, http.MethodGet, "/api/v1/unknown", nil, asUser(user))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
