package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/database"
	"doc-intake-go/internal/model"
)

func newTestRepository(t *testing.T) *DocumentRepository {
	t.Helper()
	db, err := database.InitDatabase(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "repo.db")})
	require.NoError(t, err)
	return New(db)
}

func newDocument(filename string, receivedAt time.Time) *model.InboundDocument {
	return &model.InboundDocument{
		AccountID:          "ops",
		Filename:           filename,
		SenderEmail:        "billing@supplier.example",
		EmailReceivedAt:    receivedAt,
		Subject:            "Invoice",
		ContentType:        "application/pdf",
		SizeBytes:          42,
		ContentFingerprint: "abc123",
		RawBytesRef:        "ops/2024/03/abc123/" + filename,
	}
}

func TestInsertIfAbsentDedup(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	created, err := repo.InsertIfAbsent(ctx, newDocument("invoice.pdf", received))
	require.NoError(t, err)
	assert.True(t, created)

	// Same key with sub-second noise and a different zone still collides.
	again := newDocument("invoice.pdf", received.Add(300*time.Millisecond).In(time.FixedZone("CET", 3600)))
	created, err = repo.InsertIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	created, err = repo.InsertIfAbsent(ctx, newDocument("other.pdf", received))
	require.NoError(t, err)
	assert.True(t, created)

	_, total, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	exists, err := repo.ExistsByKey(ctx, model.DedupKey{
		AccountID: "ops", Filename: "invoice.pdf", SenderEmail: "billing@supplier.example", EmailReceivedAt: received,
	})
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInsertIfAbsentConcurrent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := repo.InsertIfAbsent(ctx, newDocument("invoice.pdf", received))
			assert.NoError(t, err)
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	createdCount := 0
	for created := range results {
		if created {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)
}

func TestClaimIsExclusive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	doc := newDocument("invoice.pdf", time.Now())
	_, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)

	from := []model.DocumentStatus{model.StatusFetched, model.StatusRepairAttempted}
	won, err := repo.Claim(ctx, doc.ID, from, model.StatusClassifying)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.Claim(ctx, doc.ID, from, model.StatusClassifying)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestAppendAttemptsSequence(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	doc := newDocument("invoice.pdf", time.Now())
	_, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, repo.AppendAttempts(ctx, doc.ID, []model.ExtractionAttempt{
		{StrategyUsed: "markdown_fenced", ErrorDetail: "no fenced block"},
		{StrategyUsed: "bare_json_scan", ErrorDetail: "no object"},
	}))
	require.NoError(t, repo.AppendAttempts(ctx, doc.ID, []model.ExtractionAttempt{
		{StrategyUsed: "markdown_fenced", Succeeded: true},
	}))

	attempts, err := repo.Attempts(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Sequence)
	}
	assert.True(t, attempts[2].Succeeded)

	detail, err := repo.GetDetail(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Attempts, 3)
	assert.Nil(t, detail.Record)
}

func TestExtractionLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	doc := newDocument("invoice.pdf", time.Now())
	_, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)

	_, err = repo.Claim(ctx, doc.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying)
	require.NoError(t, err)

	next := time.Now().UTC().Add(time.Minute)
	require.NoError(t, repo.MarkExtractionFailed(ctx, doc.ID, ExtractionFailure{
		Status:        model.StatusRepairAttempted,
		RawResponse:   "not json at all",
		Reason:        "no JSON object found",
		NextAttemptAt: &next,
	}))

	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRepairAttempted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "not json at all", got.RawResponse)
	require.NotNil(t, got.NextAttemptAt)

	_, err = repo.Claim(ctx, doc.ID, []model.DocumentStatus{model.StatusRepairAttempted}, model.StatusClassifying)
	require.NoError(t, err)
	require.NoError(t, repo.MarkExtracted(ctx, doc.ID, model.ClassificationInvoice, map[string]interface{}{"document_type": "invoice"}, "{}"))

	got, err = repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracted, got.Status)
	assert.Equal(t, model.ClassificationInvoice, got.Classification)
	assert.Equal(t, "invoice", got.ExtractedPayload["document_type"])
	assert.Nil(t, got.NextAttemptAt)

	// Extracted documents are not classifying any more.
	assert.Error(t, repo.MarkExtracted(ctx, doc.ID, model.ClassificationInvoice, nil, ""))
}

func TestDueForRetryAndResetStale(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	fetched := newDocument("fetched.pdf", base)
	waiting := newDocument("waiting.pdf", base.Add(time.Second))
	stuck := newDocument("stuck.pdf", base.Add(2*time.Second))
	for _, d := range []*model.InboundDocument{fetched, waiting, stuck} {
		_, err := repo.InsertIfAbsent(ctx, d)
		require.NoError(t, err)
	}

	_, err := repo.Claim(ctx, waiting.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying)
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, repo.MarkExtractionFailed(ctx, waiting.ID, ExtractionFailure{
		Status: model.StatusRepairAttempted, Reason: "bad json", NextAttemptAt: &future,
	}))
	_, err = repo.Claim(ctx, stuck.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying)
	require.NoError(t, err)

	now := time.Now().UTC()
	ids, err := repo.DueForRetry(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{fetched.ID}, ids)

	ids, err = repo.DueForRetry(ctx, future.Add(time.Second), now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{waiting.ID}, ids)

	reset, err := repo.ResetStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	got, err := repo.GetDetail(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetched, got.Status)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, model.AttemptStrategyAICall, got.Attempts[0].StrategyUsed)
	assert.False(t, got.Attempts[0].Succeeded)
	assert.Contains(t, got.Attempts[0].ErrorDetail, "classification abandoned")

	// A second sweep finds nothing left to reset and writes no attempt.
	reset, err = repo.ResetStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reset)
	attempts, err := repo.Attempts(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestReleaseAndClaimDue(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	doc := newDocument("invoice.pdf", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	_, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)

	claimable := []model.DocumentStatus{model.StatusFetched, model.StatusRepairAttempted}
	now := time.Now().UTC()
	won, err := repo.ClaimDue(ctx, doc.ID, claimable, model.StatusClassifying, now)
	require.NoError(t, err)
	require.True(t, won)

	next := now.Add(time.Minute)
	require.NoError(t, repo.Release(ctx, doc.ID, next))

	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetched, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)

	// Not due yet: neither swept nor claimable.
	ids, err := repo.DueForRetry(ctx, now, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	won, err = repo.ClaimDue(ctx, doc.ID, claimable, model.StatusClassifying, now)
	require.NoError(t, err)
	assert.False(t, won)

	later := next.Add(time.Second)
	ids, err = repo.DueForRetry(ctx, later, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID}, ids)
	won, err = repo.ClaimDue(ctx, doc.ID, claimable, model.StatusClassifying, later)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestLeaseHidesDocumentsFromSweep(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	doc := newDocument("invoice.pdf", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	_, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)

	now := time.Now().UTC().Add(time.Hour)
	ids, err := repo.DueForRetry(ctx, now, now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{doc.ID}, ids)

	until := now.Add(15 * time.Minute)
	require.NoError(t, repo.Lease(ctx, ids, until))

	ids, err = repo.DueForRetry(ctx, now, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = repo.DueForRetry(ctx, until.Add(time.Second), now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID}, ids)

	// Claiming ends the lease.
	won, err := repo.ClaimDue(ctx, doc.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying, now)
	require.NoError(t, err)
	require.True(t, won)
	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LeasedUntil)
}

func TestReprocess(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	doc := newDocument("invoice.pdf", time.Now())
	_, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)

	ok, err := repo.Reprocess(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only failed documents can be reprocessed")

	_, err = repo.Claim(ctx, doc.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying)
	require.NoError(t, err)
	require.NoError(t, repo.MarkExtractionFailed(ctx, doc.ID, ExtractionFailure{
		Status: model.StatusFailedUnrecoverable, RawResponse: "garbage", Reason: "unparseable",
	}))

	ok, err = repo.Reprocess(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFetched, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "garbage", got.RawResponse)
}

func TestListAndCounts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := repo.InsertIfAbsent(ctx, newDocument(fmt.Sprintf("doc-%d.pdf", i), base))
		require.NoError(t, err)
	}

	docs, total, err := repo.List(ctx, ListFilter{Status: model.StatusFetched, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, docs, 2)

	_, total, err = repo.List(ctx, ListFilter{Status: model.StatusMaterialized})
	require.NoError(t, err)
	assert.Zero(t, total)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[model.StatusFetched])
	assert.Equal(t, int64(0), counts[model.StatusMaterialized])

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProducts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateProduct(ctx, &model.Product{Code: " SKU-002 ", Description: "Wall bracket"}))
	require.NoError(t, repo.CreateProduct(ctx, &model.Product{Code: "SKU-001", Description: "Heat pump"}))
	assert.ErrorIs(t, repo.CreateProduct(ctx, &model.Product{Code: "SKU-001", Description: "Other"}), ErrDuplicateProduct)

	products, total, err := repo.ListProducts(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, products, 2)
	assert.Equal(t, "SKU-001", products[0].Code)
	assert.Equal(t, "SKU-002", products[1].Code)
}

func TestCreateProductConcurrently(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.CreateProduct(ctx, &model.Product{Code: "SKU-900", Description: fmt.Sprintf("writer %d", i)})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateProduct)
	}
	assert.Equal(t, 1, created)

	_, total, err := repo.ListProducts(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
