package materializer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/database"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/model"
	"doc-intake-go/internal/notify"
	"doc-intake-go/internal/repository"
	"doc-intake-go/internal/retry"
)

type recordingNotifier struct {
	events []notify.EventType
	refs   []notify.DocumentRef
	err    error
}

func (r *recordingNotifier) Notify(ctx context.Context, event notify.EventType, ref notify.DocumentRef, detail string) error {
	r.events = append(r.events, event)
	r.refs = append(r.refs, ref)
	return r.err
}

func newRepository(t *testing.T) *repository.DocumentRepository {
	t.Helper()
	db, err := database.InitDatabase(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "mat.db")})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, db.Create(&model.Product{
			Code:        fmt.Sprintf("SKU-00%d", i),
			Description: fmt.Sprintf("Catalog item %d", i),
		}).Error)
	}
	require.NoError(t, db.Create(&model.Product{Code: "SKU-100", Description: "Wall bracket"}).Error)
	return repository.New(db)
}

var docCounter int

// extractedDocument stores a document and walks it to extracted with payload
func extractedDocument(t *testing.T, repo *repository.DocumentRepository, fingerprint string, class model.Classification, payload map[string]interface{}) *model.InboundDocument {
	t.Helper()
	ctx := context.Background()
	docCounter++
	doc := &model.InboundDocument{
		AccountID:          "ops",
		Filename:           fmt.Sprintf("doc-%d.pdf", docCounter),
		SenderEmail:        "billing@supplier.example",
		EmailReceivedAt:    time.Date(2024, 3, 1, 10, 0, docCounter, 0, time.UTC),
		ContentFingerprint: fingerprint,
		RawBytesRef:        "ops/blob",
	}
	created, err := repo.InsertIfAbsent(ctx, doc)
	require.NoError(t, err)
	require.True(t, created)

	won, err := repo.Claim(ctx, doc.ID, []model.DocumentStatus{model.StatusFetched}, model.StatusClassifying)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, repo.MarkExtracted(ctx, doc.ID, class, payload, "{}"))
	return doc
}

func invoicePayload(items ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(items))
	for i, item := range items {
		list[i] = item
	}
	return map[string]interface{}{
		"document_type":  "invoice",
		"supplier_name":  "Acme Supplies",
		"invoice_number": "INV-7",
		"total_amount":   "1,250.50",
		"line_items":     list,
	}
}

func newMaterializer(repo *repository.DocumentRepository, sink Sink, n notify.Notifier) *Materializer {
	return New(repo, sink, n, retry.Policy{Base: time.Minute, Max: time.Hour}, metrics.NewNop())
}

func TestMaterializePartialMatch(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m := newMaterializer(repo, nil, notifier)

	doc := extractedDocument(t, repo, "fp-partial", model.ClassificationInvoice, invoicePayload(
		map[string]interface{}{"product_code": "SKU-001", "quantity": 2, "unit_price": 10},
		map[string]interface{}{"product_code": "SKU-002", "quantity": "3"},
		map[string]interface{}{"product_code": "", "description": "Wall bracket", "quantity": 1},
		map[string]interface{}{"product_code": " NOPE-1 ", "description": "Mystery part", "quantity": "4 pcs"},
		map[string]interface{}{"product_code": "NOPE-2", "quantity": 5, "unit_price": 2.5},
	))

	res, err := m.Materialize(ctx, doc.ID)
	require.NoError(t, err)
	mat, ok := res.(*Materialized)
	require.True(t, ok, "expected *Materialized, got %T", res)

	assert.Equal(t, model.RecordTypeOrder, mat.Record.RecordType)
	assert.Regexp(t, `^ORD-\d{6}$`, mat.Record.ExternalRecordRef)
	assert.Equal(t, 3, mat.Record.ResolvedItemCount)
	require.Len(t, mat.Unmatched, 2)
	assert.Equal(t, "NOPE-1", mat.Unmatched[0].ProductCode)
	assert.Equal(t, "Mystery part", mat.Unmatched[0].Description)

	got, err := repo.GetDetail(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMaterialized, got.Status)
	require.NotNil(t, got.Record)
	stored, err := got.Record.Unmatched()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	// Unmatched items keep the extracted values as they were.
	assert.Equal(t, map[string]interface{}{"product_code": " NOPE-1 ", "description": "Mystery part", "quantity": "4 pcs"}, stored[0])
	assert.Equal(t, map[string]interface{}{"product_code": "NOPE-2", "quantity": float64(5), "unit_price": 2.5}, stored[1])
	assert.NotContains(t, stored[1], "total_amount")

	var order model.Order
	require.NoError(t, repo.DB().Preload("LineItems").First(&order, "document_id = ?", doc.ID).Error)
	assert.Len(t, order.LineItems, 3)
	assert.Equal(t, 1250.5, order.TotalAmount)
	assert.Equal(t, "SKU-100", order.LineItems[2].ProductCode)

	assert.Equal(t, []notify.EventType{notify.EventMaterialized}, notifier.events)
	assert.Equal(t, mat.Record.ExternalRecordRef, notifier.refs[0].RecordRef)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	m := newMaterializer(repo, nil, nil)

	doc := extractedDocument(t, repo, "fp-once", model.ClassificationInvoice, invoicePayload(
		map[string]interface{}{"product_code": "SKU-001", "quantity": 1},
	))

	_, err := m.Materialize(ctx, doc.ID)
	require.NoError(t, err)
	res, err := m.Materialize(ctx, doc.ID)
	require.NoError(t, err)
	assert.IsType(t, &Skipped{}, res)

	var records, orders int64
	require.NoError(t, repo.DB().Model(&model.MaterializedRecord{}).Count(&records).Error)
	require.NoError(t, repo.DB().Model(&model.Order{}).Count(&orders).Error)
	assert.Equal(t, int64(1), records)
	assert.Equal(t, int64(1), orders)
}

func TestMaterializeInstallationRequest(t *testing.T) {
	repo := newRepository(t)
	m := newMaterializer(repo, nil, nil)

	payload := invoicePayload(map[string]interface{}{"product_code": "SKU-003", "quantity": 1})
	payload["installation_required"] = "yes"
	payload["installation_address"] = "1 Main St"
	doc := extractedDocument(t, repo, "fp-install", model.ClassificationInvoice, payload)

	res, err := m.Materialize(context.Background(), doc.ID)
	require.NoError(t, err)
	mat, ok := res.(*Materialized)
	require.True(t, ok)
	assert.Equal(t, model.RecordTypeInstallationRequest, mat.Record.RecordType)
	assert.Regexp(t, `^INS-\d{6}$`, mat.Record.ExternalRecordRef)

	var req model.InstallationRequest
	require.NoError(t, repo.DB().Preload("LineItems").First(&req, "document_id = ?", doc.ID).Error)
	assert.Equal(t, "1 Main St", req.InstallationAddress)
	assert.Len(t, req.LineItems, 1)
}

func TestMaterializeJobCard(t *testing.T) {
	repo := newRepository(t)
	m := newMaterializer(repo, nil, nil)

	doc := extractedDocument(t, repo, "fp-job", model.ClassificationJobCard, map[string]interface{}{
		"document_type":   "job_card",
		"serial_number":   "SN-42",
		"technician_name": "Kim",
	})

	res, err := m.Materialize(context.Background(), doc.ID)
	require.NoError(t, err)
	mat, ok := res.(*Materialized)
	require.True(t, ok)
	assert.Equal(t, model.RecordTypeJobCard, mat.Record.RecordType)
	assert.Regexp(t, `^JOB-\d{6}$`, mat.Record.ExternalRecordRef)

	var card model.JobCard
	require.NoError(t, repo.DB().First(&card, "document_id = ?", doc.ID).Error)
	assert.Equal(t, "SN-42", card.SerialNumber)
}

func TestMaterializeDuplicateContent(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m := newMaterializer(repo, nil, notifier)

	item := map[string]interface{}{"product_code": "SKU-001", "quantity": 1}
	first := extractedDocument(t, repo, "fp-same", model.ClassificationInvoice, invoicePayload(item))
	second := extractedDocument(t, repo, "fp-same", model.ClassificationInvoice, invoicePayload(item))

	_, err := m.Materialize(ctx, first.ID)
	require.NoError(t, err)

	res, err := m.Materialize(ctx, second.ID)
	require.NoError(t, err)
	skipped, ok := res.(*Skipped)
	require.True(t, ok)
	assert.True(t, skipped.Duplicate)

	got, err := repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDuplicateSkipped, got.Status)
	assert.Equal(t, []notify.EventType{notify.EventMaterialized, notify.EventDuplicateSkipped}, notifier.events)
}

type failingSink struct {
	DBSink
}

func (f failingSink) CreateOrder(tx *gorm.DB, order *model.Order) error {
	if err := f.DBSink.CreateOrder(tx, order); err != nil {
		return err
	}
	return errors.New("downstream unavailable")
}

func TestMaterializeFailureRollsBack(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m := newMaterializer(repo, failingSink{}, notifier)

	doc := extractedDocument(t, repo, "fp-fail", model.ClassificationInvoice, invoicePayload(
		map[string]interface{}{"product_code": "SKU-001", "quantity": 1},
	))

	res, err := m.Materialize(ctx, doc.ID)
	require.NoError(t, err)
	deferred, ok := res.(*Deferred)
	require.True(t, ok, "expected *Deferred, got %T", res)
	assert.Contains(t, deferred.Reason, "downstream unavailable")

	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.Contains(t, got.LastError, "downstream unavailable")

	var orders, lines int64
	require.NoError(t, repo.DB().Model(&model.Order{}).Count(&orders).Error)
	require.NoError(t, repo.DB().Model(&model.OrderLineItem{}).Count(&lines).Error)
	assert.Zero(t, orders)
	assert.Zero(t, lines)
	assert.Empty(t, notifier.events)

	// A healthy sink later succeeds.
	res, err = newMaterializer(repo, nil, notifier).Materialize(ctx, doc.ID)
	require.NoError(t, err)
	assert.IsType(t, &Materialized{}, res)
}

func TestNotificationFailureDoesNotUndo(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	m := newMaterializer(repo, nil, &recordingNotifier{err: errors.New("mail down")})

	doc := extractedDocument(t, repo, "fp-notify", model.ClassificationInvoice, invoicePayload(
		map[string]interface{}{"product_code": "SKU-001", "quantity": 1},
	))

	res, err := m.Materialize(ctx, doc.ID)
	require.NoError(t, err)
	assert.IsType(t, &Materialized{}, res)

	got, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMaterialized, got.Status)
}

func TestNumber(t *testing.T) {
	assert.Equal(t, 1250.5, number("$1,250.50"))
	assert.Equal(t, 3.0, number(float64(3)))
	assert.Equal(t, 0.0, number("n/a"))
	assert.Equal(t, 0.0, number(nil))
}
