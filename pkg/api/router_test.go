package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CivicPress/civicpress-sub013/config"
	"github.com/CivicPress/civicpress-sub013/pkg/api/handlers"
	"github.com/CivicPress/civicpress-sub013/pkg/api/models"
	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
	"github.com/CivicPress/civicpress-sub013/pkg/index"
	"github.com/CivicPress/civicpress-sub013/pkg/lifecycle"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
	"github.com/CivicPress/civicpress-sub013/pkg/vcs"
	"github.com/CivicPress/civicpress-sub013/pkg/worktree"
)

type testServer struct {
	router  http.Handler
	records *record.MemoryStore
	repo    *vcs.MemoryRepo
	orch    *saga.Orchestrator
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.HTTP.RequestTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	records := record.NewMemoryStore()
	tree, err := worktree.New(t.TempDir())
	if err != nil {
		t.Fatalf("worktree.New() error = %v", err)
	}
	repo := vcs.NewMemoryRepo()
	publisher, err := eventbus.NewPublisher("node-test", eventbus.NewMemoryBus(), eventbus.DefaultRetryConfig(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	store := saga.NewMemoryStateStore()
	orch := saga.NewOrchestrator(store, saga.Config{
		DefaultStepTimeout: 2 * time.Second,
		DefaultSagaTimeout: 10 * time.Second,
		LockTTL:            time.Minute,
		LockPollInterval:   5 * time.Millisecond,
	})
	registry := saga.NewRegistry()
	deps := lifecycle.Deps{
		Records: records,
		Tree:    tree,
		Repo:    repo,
		Events:  publisher,
		Indexer: index.NewMemory(index.StoreSource(records)),
		Author:  vcs.Author{Name: "Clerk", Email: "clerk@example.org"},
	}
	if err := lifecycle.RegisterAll(registry, deps); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}

	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})

	coordinator, err := saga.NewRecoveryCoordinator(orch, registry, saga.RecoveryConfig{
		Interval:       time.Minute,
		StuckThreshold: time.Minute,
		BatchSize:      10,
	})
	if err != nil {
		t.Fatalf("NewRecoveryCoordinator() error = %v", err)
	}

	router := NewRouter(cfg, log, &Handlers{
		Records:  handlers.NewRecordHandler(records, orch, registry, log),
		Drafts:   handlers.NewDraftHandler(records, orch, registry, log),
		Sagas:    handlers.NewSagaHandler(orch, registry, log),
		Recovery: handlers.NewRecoveryHandler(coordinator, log),
		Health:   handlers.NewHealthHandler(records, orch, publisher, "test"),
	})

	return &testServer{router: router, records: records, repo: repo, orch: orch}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

type mutationResult struct {
	RecordID string `json:"record_id"`
	Path     string `json:"path"`
	CommitID string `json:"commit_id"`
}

func TestCreateRecordEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/records", models.CreateRecordRequest{
		Title: "Noise Bylaw",
		Type:  "bylaw",
		Body:  "Quiet hours start at 22:00.",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}

	outcome := decodeJSON[models.SagaOutcome](t, w)
	if outcome.Status != string(saga.StatusCompleted) {
		t.Fatalf("outcome status = %s", outcome.Status)
	}
	var result mutationResult
	if err := json.Unmarshal(outcome.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.RecordID != "noise-bylaw" || result.CommitID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/records/noise-bylaw", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	rec := decodeJSON[record.Record](t, w)
	if rec.Status != record.StatusPublished || rec.Title != "Noise Bylaw" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/records?type=bylaw", nil, nil)
	list := decodeJSON[models.RecordListResponse](t, w)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCreateRecordIdempotencyHeader(t *testing.T) {
	srv := newTestServer(t, nil)

	req := models.CreateRecordRequest{Title: "Tree Policy", Type: "policy"}
	headers := map[string]string{"Idempotency-Key": "req-7"}

	first := srv.do(t, http.MethodPost, "/api/v1/records", req, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first submit: status = %d, body %s", first.Code, first.Body.String())
	}
	second := srv.do(t, http.MethodPost, "/api/v1/records", req, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("replay: status = %d, body %s", second.Code, second.Body.String())
	}

	a := decodeJSON[models.SagaOutcome](t, first)
	b := decodeJSON[models.SagaOutcome](t, second)
	if !b.Replayed {
		t.Error("expected replayed outcome")
	}
	if a.SagaID != b.SagaID {
		t.Errorf("replay saga id = %s, want %s", b.SagaID, a.SagaID)
	}
	if srv.repo.CommitCount() != 1 {
		t.Errorf("expected a single commit, got %d", srv.repo.CommitCount())
	}
}

func TestRecordEndpointValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/records", map[string]string{"type": "bylaw"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing title: status = %d", w.Code)
	}

	w = srv.do(t, http.MethodPatch, "/api/v1/records/some-id", map[string]string{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty update: status = %d", w.Code)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/records/ghost", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d", w.Code)
	}

	w = srv.do(t, http.MethodPatch, "/api/v1/records/ghost", models.UpdateRecordRequest{Body: strPtr("x")}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("update of missing record: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestUpdateAndArchiveEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/records", models.CreateRecordRequest{Title: "Noise Bylaw", Type: "bylaw"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Code)
	}

	w = srv.do(t, http.MethodPatch, "/api/v1/records/noise-bylaw", models.UpdateRecordRequest{
		Title: strPtr("Noise Bylaw (Amended)"),
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", w.Code, w.Body.String())
	}

	w = srv.do(t, http.MethodPost, "/api/v1/records/noise-bylaw/archive", models.ArchiveRecordRequest{Reason: "superseded"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archive: status = %d, body %s", w.Code, w.Body.String())
	}

	w = srv.do(t, http.MethodGet, "/api/v1/records/noise-bylaw", nil, nil)
	rec := decodeJSON[record.Record](t, w)
	if rec.Status != record.StatusArchived || rec.Title != "Noise Bylaw (Amended)" {
		t.Fatalf("unexpected record after archive: %+v", rec)
	}

	// Archiving twice is a business rejection on an already compensated
	// saga, not a server error.
	w = srv.do(t, http.MethodPost, "/api/v1/records/noise-bylaw/archive", nil, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second archive: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestDraftLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/drafts", models.CreateDraftRequest{
		Title: "Dog Licensing",
		Type:  "bylaw",
		Body:  "All dogs must be licensed.",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create draft: status = %d, body %s", w.Code, w.Body.String())
	}
	draft := decodeJSON[record.Draft](t, w)
	if draft.ID == "" {
		t.Fatal("draft id not assigned")
	}

	w = srv.do(t, http.MethodGet, "/api/v1/drafts", nil, nil)
	drafts := decodeJSON[models.DraftListResponse](t, w)
	if drafts.Total != 1 {
		t.Fatalf("unexpected draft list: %+v", drafts)
	}

	w = srv.do(t, http.MethodPost, fmt.Sprintf("/api/v1/drafts/%s/publish", draft.ID), nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status = %d, body %s", w.Code, w.Body.String())
	}

	w = srv.do(t, http.MethodGet, "/api/v1/records/"+draft.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("published record missing: status = %d", w.Code)
	}
	rec := decodeJSON[record.Record](t, w)
	if rec.Status != record.StatusPublished {
		t.Fatalf("unexpected published record: %+v", rec)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/drafts/"+draft.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("draft should be consumed by publish, status = %d", w.Code)
	}

	w = srv.do(t, http.MethodPost, "/api/v1/drafts/ghost/publish", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("publish of missing draft: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestSagaAdminEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/records", models.CreateRecordRequest{Title: "Noise Bylaw", Type: "bylaw"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Code)
	}
	outcome := decodeJSON[models.SagaOutcome](t, w)

	w = srv.do(t, http.MethodGet, "/api/v1/sagas", nil, nil)
	list := decodeJSON[models.SagaListResponse](t, w)
	if list.Total != 1 || list.Items[0].SagaID != outcome.SagaID {
		t.Fatalf("unexpected saga list: %+v", list)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/sagas/"+outcome.SagaID, nil, nil)
	status := decodeJSON[models.SagaStatusResponse](t, w)
	if status.Name != lifecycle.SagaCreateRecord || len(status.Steps) == 0 {
		t.Fatalf("unexpected saga status: %+v", status)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/sagas/definitions", nil, nil)
	defs := decodeJSON[[]models.SagaDefinition](t, w)
	if len(defs) != 4 {
		t.Fatalf("expected 4 registered definitions, got %d", len(defs))
	}

	w = srv.do(t, http.MethodPost, "/api/v1/sagas/"+outcome.SagaID+"/resume", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("resume of terminal saga: status = %d", w.Code)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/sagas/ghost", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing saga: status = %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/health", "/ready", "/status"} {
		w := srv.do(t, http.MethodGet, path, nil, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}

	w := srv.do(t, http.MethodGet, "/status", nil, nil)
	status := decodeJSON[map[string]any](t, w)
	if status["version"] != "test" {
		t.Errorf("unexpected status payload: %+v", status)
	}
}

func TestCorrelationHeaderThreadsThroughSaga(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/records", models.CreateRecordRequest{
		Title: "Noise Bylaw",
		Type:  "bylaw",
	}, map[string]string{"X-Correlation-ID": "corr-42"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", w.Code, w.Body.String())
	}
	outcome := decodeJSON[models.SagaOutcome](t, w)

	w = srv.do(t, http.MethodGet, "/api/v1/sagas/"+outcome.SagaID, nil, nil)
	status := decodeJSON[models.SagaStatusResponse](t, w)
	if status.CorrelationID != "corr-42" {
		t.Fatalf("correlation id = %q, want corr-42", status.CorrelationID)
	}
}

func TestRecoverySweepEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, http.MethodPost, "/api/v1/records", models.CreateRecordRequest{Title: "Noise Bylaw", Type: "bylaw"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Code)
	}

	// Completed sagas are terminal, so an on-demand sweep finds nothing
	// stuck and reports a clean pass.
	w = srv.do(t, http.MethodPost, "/api/v1/recovery/run", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recovery run: status = %d, body %s", w.Code, w.Body.String())
	}
	stats := decodeJSON[saga.RecoveryStats](t, w)
	if stats.Finalized != 0 || stats.Compensations != 0 {
		t.Fatalf("unexpected sweep stats: %+v", stats)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.Enabled = true
		cfg.Server.RateLimit.RPS = 1
		cfg.Server.RateLimit.Burst = 1
	})

	first := srv.do(t, http.MethodGet, "/api/v1/records", nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", first.Code)
	}
	second := srv.do(t, http.MethodGet, "/api/v1/records", nil, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled request: status = %d", second.Code)
	}
}

func strPtr(s string) *string { return &s }
