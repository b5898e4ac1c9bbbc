package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-intake-go/internal/blob"
	"doc-intake-go/internal/config"
	"doc-intake-go/internal/database"
	"doc-intake-go/internal/listener"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/model"
	"doc-intake-go/internal/queue"
	"doc-intake-go/internal/reconcile"
	"doc-intake-go/internal/repository"
	"doc-intake-go/internal/scheduler"
)

type fakeListeners []listener.Status

func (f fakeListeners) Statuses() []listener.Status { return f }

type fakeReconciler struct {
	calls []int
	err   error
}

func (f *fakeReconciler) ReconcileAccount(_ context.Context, acct config.AccountConfig, windowDays int) (reconcile.Report, error) {
	f.calls = append(f.calls, windowDays)
	return reconcile.Report{Account: acct.ID, Scanned: 4, Attachments: 3, Created: 1, Existing: 2}, f.err
}

type testEnv struct {
	router     *gin.Engine
	repo       *repository.DocumentRepository
	blobs      blob.Store
	queue      *queue.ChannelQueue
	reconciler *fakeReconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.InitDatabase(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	repo := repository.New(db)

	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	q := queue.NewChannelQueue(10)
	sched := scheduler.NewScheduler(config.SchedulerConfig{IntervalMinutes: 5}, repo, q, m)
	t.Cleanup(func() { _ = sched.Stop() })

	env := &testEnv{repo: repo, blobs: blobs, queue: q, reconciler: &fakeReconciler{}}
	h := NewHandlers(Deps{
		Config: &config.Config{
			Accounts: []config.AccountConfig{{ID: "ops"}},
			Mailbox:  config.MailboxConfig{ReconcileWindowDays: 2},
		},
		Repo:       repo,
		Blobs:      blobs,
		Queue:      q,
		Scheduler:  sched,
		Listeners:  fakeListeners{{Account: "ops", State: listener.StateIdleWaiting, IdleCycles: 7}},
		Reconciler: env.reconciler,
		Gatherer:   reg,
	})
	env.router = gin.New()
	h.SetupRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, filename string, content []byte) *model.InboundDocument {
	t.Helper()
	ctx := context.Background()
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := &model.InboundDocument{
		AccountID:          "ops",
		Filename:           filename,
		SenderEmail:        "billing@supplier.example",
		EmailReceivedAt:    received,
		Subject:            "Invoice",
		ContentType:        "application/pdf",
		SizeBytes:          int64(len(content)),
		ContentFingerprint: "f00d",
		RawBytesRef:        blob.Key("ops", received, "f00d", filename),
	}
	require.NoError(t, e.blobs.Put(ctx, doc.RawBytesRef, doc.ContentType, content))
	created, err := e.repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)
	require.True(t, created)
	return doc
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Equal(t, "stopped", resp.Details["scheduler"])
	assert.Equal(t, "idle_waiting", resp.Details["listener.ops"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "doc_intake_enqueue_failures_total")
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "a.pdf", []byte("a"))
	env.seed(t, "b.pdf", []byte("b"))
	env.seed(t, "c.pdf", []byte("c"))

	w := env.do(t, http.MethodGet, "/api/v1/documents?status=fetched&page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Documents  []DocumentResponse `json:"documents"`
		Pagination struct {
			Page  int   `json:"page"`
			Limit int   `json:"limit"`
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Documents, 2)
	assert.Equal(t, int64(3), resp.Pagination.Total)
	assert.Equal(t, 2, resp.Pagination.Limit)

	w = env.do(t, http.MethodGet, "/api/v1/documents?account=elsewhere", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Empty(t, resp.Documents)

	w = env.do(t, http.MethodGet, "/api/v1/documents?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentStats(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "a.pdf", []byte("a"))
	require.NoError(t, env.queue.Enqueue(context.Background(), "x"))

	w := env.do(t, http.MethodGet, "/api/v1/documents/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ByStatus   map[string]int64 `json:"by_status"`
		QueueDepth int64            `json:"queue_depth"`
	}
	decode(t, w, &resp)
	assert.Equal(t, int64(1), resp.ByStatus["fetched"])
	assert.Equal(t, int64(0), resp.ByStatus["materialized"])
	assert.Equal(t, int64(1), resp.QueueDepth)
}

func TestGetDocument(t *testing.T) {
	env := newTestEnv(t)
	doc := env.seed(t, "invoice.pdf", []byte("%PDF"))
	require.NoError(t, env.repo.AppendAttempts(context.Background(), doc.ID, []model.ExtractionAttempt{
		{StrategyUsed: "markdown_fenced", ErrorDetail: "no fenced block", RawResponseSnapshot: "oops"},
	}))

	w := env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp DocumentDetailResponse
	decode(t, w, &resp)
	assert.Equal(t, doc.ID, resp.ID)
	assert.Equal(t, model.StatusFetched, resp.Status)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, "markdown_fenced", resp.Attempts[0].StrategyUsed)
	assert.Nil(t, resp.Record)

	w = env.do(t, http.MethodGet, "/api/v1/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadAttachment(t *testing.T) {
	env := newTestEnv(t)
	doc := env.seed(t, "invoice.pdf", []byte("%PDF-1.4 body"))

	w := env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID+"/attachment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "invoice.pdf")
	assert.Equal(t, "%PDF-1.4 body", w.Body.String())

	require.NoError(t, env.blobs.Delete(context.Background(), doc.RawBytesRef))
	w = env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID+"/attachment", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestReprocessDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.seed(t, "invoice.pdf", []byte("%PDF"))

	w := env.do(t, http.MethodPost, "/api/v1/documents/"+doc.ID+"/reprocess", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err := env.repo.Claim(ctx, doc.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying)
	require.NoError(t, err)
	require.NoError(t, env.repo.MarkExtractionFailed(ctx, doc.ID, repository.ExtractionFailure{
		Status: model.StatusFailedUnrecoverable, RawResponse: "garbage", Reason: "unparseable",
	}))

	w = env.do(t, http.MethodPost, "/api/v1/documents/"+doc.ID+"/reprocess", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, env.queue.Len())

	got, err := env.repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetched, got.Status)

	w = env.do(t, http.MethodPost, "/api/v1/documents/missing/reprocess", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProducts(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/products", ProductRequest{Code: "SKU-001", Description: "Heat pump"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/products", ProductRequest{Code: "SKU-001", Description: "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/products", map[string]string{"code": "SKU-002"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Products []model.Product `json:"products"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Products, 1)
	assert.Equal(t, "Heat pump", resp.Products[0].Description)
}

func TestListenersAndReconcile(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/listeners", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses struct {
		Listeners []listener.Status `json:"listeners"`
	}
	decode(t, w, &statuses)
	require.Len(t, statuses.Listeners, 1)
	assert.Equal(t, 7, statuses.Listeners[0].IdleCycles)

	w = env.do(t, http.MethodPost, "/api/v1/accounts/ops/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reconcile.Report
	decode(t, w, &report)
	assert.Equal(t, 1, report.Created)

	w = env.do(t, http.MethodPost, "/api/v1/accounts/ops/reconcile?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{2, 7}, env.reconciler.calls)

	w = env.do(t, http.MethodPost, "/api/v1/accounts/ops/reconcile?days=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/accounts/ops/reconcile?days=3650", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/accounts/ops/reconcile?days=31", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{2, 7, 31}, env.reconciler.calls)

	w = env.do(t, http.MethodPost, "/api/v1/accounts/unknown/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.reconciler.err = errors.New("login failed")
	w = env.do(t, http.MethodPost, "/api/v1/accounts/ops/reconcile", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/scheduler/run-once", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/scheduler/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	decode(t, w, &status)
	assert.Equal(t, "running", status["status"])

	w = env.do(t, http.MethodPost, "/api/v1/scheduler/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
