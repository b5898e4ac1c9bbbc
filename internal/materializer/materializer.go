// Package materializer turns extracted documents into downstream records,
// exactly once per document.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/model"
	"doc-intake-go/internal/notify"
	"doc-intake-go/internal/repository"
	"doc-intake-go/internal/retry"
)

// Result is one of *Materialized, *Deferred or *Skipped
type Result interface {
	isResult()
}

// Materialized means the record was created and the document is terminal
type Materialized struct {
	Record    *model.MaterializedRecord
	Unmatched []model.LineItem
}

// Deferred means the transaction was rolled back and a retry is scheduled
type Deferred struct {
	Reason        string
	NextAttemptAt time.Time
}

// Skipped means nothing was written. Duplicate is set when the document was
// marked duplicate_skipped.
type Skipped struct {
	Reason    string
	Duplicate bool
}

func (*Materialized) isResult() {}
func (*Deferred) isResult()     {}
func (*Skipped) isResult()      {}

var errNotExtracted = errors.New("document is not in extracted state")

// Materializer creates downstream records for extracted documents
type Materializer struct {
	repo     *repository.DocumentRepository
	sink     Sink
	notifier notify.Notifier
	retry    retry.Policy
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a new Materializer
func New(repo *repository.DocumentRepository, sink Sink, notifier notify.Notifier, policy retry.Policy, m *metrics.Metrics) *Materializer {
	if sink == nil {
		sink = DBSink{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Materializer{
		repo:     repo,
		sink:     sink,
		notifier: notifier,
		retry:    policy,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Materialize creates the downstream record for document id in one
// transaction. Only infrastructure failures while recording a deferral are
// returned as errors.
func (m *Materializer) Materialize(ctx context.Context, id string) (Result, error) {
	doc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"document_id": id, "account": doc.AccountID})

	if doc.Status != model.StatusExtracted {
		m.metrics.Materializations.WithLabelValues("skipped").Inc()
		return &Skipped{Reason: fmt.Sprintf("document is %s", doc.Status)}, nil
	}

	var (
		record    *model.MaterializedRecord
		unmatched []model.LineItem
		duplicate bool
	)
	txErr := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claim the row; a concurrent materializer sees zero rows affected.
		claim := tx.Model(&model.InboundDocument{}).
			Where("id = ? AND status = ?", id, model.StatusExtracted).
			Update("updated_at", m.now())
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return errNotExtracted
		}

		var current model.InboundDocument
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return err
		}

		var dupes int64
		err := tx.Model(&model.InboundDocument{}).
			Where("account_id = ? AND content_fingerprint = ? AND status = ? AND id <> ?",
				current.AccountID, current.ContentFingerprint, model.StatusMaterialized, id).
			Count(&dupes).Error
		if err != nil {
			return err
		}
		if dupes > 0 {
			duplicate = true
			return setStatus(tx, id, model.StatusDuplicateSkipped)
		}

		record, unmatched, err = m.createRecord(tx, &current)
		if err != nil {
			return err
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to create materialized record: %w", err)
		}
		return setStatus(tx, id, model.StatusMaterialized)
	})

	if errors.Is(txErr, errNotExtracted) {
		m.metrics.Materializations.WithLabelValues("skipped").Inc()
		return &Skipped{Reason: errNotExtracted.Error()}, nil
	}
	if txErr != nil {
		next := m.retry.Next(m.now(), doc.RetryCount+1)
		log.WithError(txErr).WithField("next_attempt_at", next).Warn("Materialization failed, will retry")
		m.metrics.Materializations.WithLabelValues("deferred").Inc()
		if err := m.repo.MarkMaterializationFailed(ctx, id, txErr.Error(), next); err != nil {
			return nil, err
		}
		return &Deferred{Reason: txErr.Error(), NextAttemptAt: next}, nil
	}

	ref := notify.DocumentRef{
		ID:          doc.ID,
		AccountID:   doc.AccountID,
		Filename:    doc.Filename,
		SenderEmail: doc.SenderEmail,
		Subject:     doc.Subject,
	}

	if duplicate {
		log.WithField("fingerprint", doc.ContentFingerprint).Info("Duplicate content already materialized, skipping")
		m.metrics.Materializations.WithLabelValues("duplicate").Inc()
		m.notify(ctx, notify.EventDuplicateSkipped, ref, "content already materialized for this account")
		return &Skipped{Reason: "duplicate content", Duplicate: true}, nil
	}

	ref.RecordRef = record.ExternalRecordRef
	log.WithFields(logrus.Fields{
		"record_ref": record.ExternalRecordRef,
		"resolved":   record.ResolvedItemCount,
		"unmatched":  len(unmatched),
	}).Info("Document materialized")
	m.metrics.Materializations.WithLabelValues("materialized").Inc()
	m.metrics.UnmatchedLineItems.Add(float64(len(unmatched)))
	m.notify(ctx, notify.EventMaterialized, ref, "")

	return &Materialized{Record: record, Unmatched: unmatched}, nil
}

func (m *Materializer) notify(ctx context.Context, event notify.EventType, ref notify.DocumentRef, detail string) {
	if err := m.notifier.Notify(ctx, event, ref, detail); err != nil {
		m.metrics.NotificationFailures.Inc()
		logrus.WithError(err).WithField("document_id", ref.ID).Warn("Failed to send notification")
	}
}

func (m *Materializer) createRecord(tx *gorm.DB, doc *model.InboundDocument) (*model.MaterializedRecord, []model.LineItem, error) {
	payload := map[string]interface{}(doc.ExtractedPayload)
	record := &model.MaterializedRecord{DocumentID: doc.ID}

	switch doc.Classification {
	case model.ClassificationInvoice:
		resolved, unmatched, err := m.resolve(tx, lineItems(payload))
		if err != nil {
			return nil, nil, err
		}
		record.ResolvedItemCount = len(resolved)
		if err := record.SetUnmatched(unmatched); err != nil {
			return nil, nil, err
		}

		if wantsInstallation(payload) {
			req := &model.InstallationRequest{
				DocumentID:          doc.ID,
				AccountID:           doc.AccountID,
				CustomerName:        str(payload, "customer_name"),
				InstallationAddress: str(payload, "installation_address"),
				RequestedDate:       str(payload, "requested_date"),
				InvoiceNumber:       str(payload, "invoice_number"),
				LineItems:           resolved,
			}
			if err := m.sink.CreateInstallationRequest(tx, req); err != nil {
				return nil, nil, err
			}
			record.RecordType = model.RecordTypeInstallationRequest
			record.ExternalRecordRef = fmt.Sprintf("INS-%06d", req.ID)
			return record, unmatched, nil
		}

		order := &model.Order{
			DocumentID:    doc.ID,
			AccountID:     doc.AccountID,
			SupplierName:  str(payload, "supplier_name"),
			CustomerName:  str(payload, "customer_name"),
			InvoiceNumber: str(payload, "invoice_number"),
			InvoiceDate:   str(payload, "invoice_date"),
			Currency:      str(payload, "currency"),
			TotalAmount:   number(payload["total_amount"]),
			LineItems:     resolved,
		}
		if err := m.sink.CreateOrder(tx, order); err != nil {
			return nil, nil, err
		}
		record.RecordType = model.RecordTypeOrder
		record.ExternalRecordRef = fmt.Sprintf("ORD-%06d", order.ID)
		return record, unmatched, nil

	case model.ClassificationJobCard:
		card := &model.JobCard{
			DocumentID:      doc.ID,
			AccountID:       doc.AccountID,
			SerialNumber:    str(payload, "serial_number"),
			AssetTag:        str(payload, "asset_tag"),
			CustomerName:    str(payload, "customer_name"),
			TechnicianName:  str(payload, "technician_name"),
			WorkDescription: str(payload, "work_description"),
			ServiceDate:     str(payload, "service_date"),
		}
		if err := m.sink.CreateJobCard(tx, card); err != nil {
			return nil, nil, err
		}
		if err := record.SetUnmatched(nil); err != nil {
			return nil, nil, err
		}
		record.RecordType = model.RecordTypeJobCard
		record.ExternalRecordRef = fmt.Sprintf("JOB-%06d", card.ID)
		return record, nil, nil

	default:
		return nil, nil, fmt.Errorf("cannot materialize classification %q", doc.Classification)
	}
}

// resolve splits items into catalog-backed line items and unmatched ones
func (m *Materializer) resolve(tx *gorm.DB, items []model.LineItem) ([]model.OrderLineItem, []model.LineItem, error) {
	var (
		resolved  []model.OrderLineItem
		unmatched = []model.LineItem{}
	)
	for _, item := range items {
		product, err := m.sink.FindProduct(tx, item)
		if err != nil {
			return nil, nil, err
		}
		if product == nil {
			unmatched = append(unmatched, item)
			continue
		}
		resolved = append(resolved, model.OrderLineItem{
			ProductID:   product.ID,
			ProductCode: product.Code,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalAmount: item.TotalAmount,
		})
	}
	return resolved, unmatched, nil
}

func setStatus(tx *gorm.DB, id string, status model.DocumentStatus) error {
	return tx.Model(&model.InboundDocument{}).
		Where("id = ? AND status = ?", id, model.StatusExtracted).
		Updates(map[string]interface{}{
			"status":          status,
			"next_attempt_at": nil,
			"last_error":      "",
		}).Error
}
