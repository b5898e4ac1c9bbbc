package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"doc-intake-go/internal/model"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("document not found")

// DocumentRepository is the Document Store. Dedup is enforced by the
// unique index on (account_id, filename, sender_email, email_received_at).
type DocumentRepository struct {
	db *gorm.DB
}

// New creates a new DocumentRepository
func New(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// DB exposes the underlying handle for transactional collaborators
func (r *DocumentRepository) DB() *gorm.DB {
	return r.db
}

// InsertIfAbsent stores doc unless a row with the same dedup key exists.
// It reports whether a new row was created.
func (r *DocumentRepository) InsertIfAbsent(ctx context.Context, doc *model.InboundDocument) (bool, error) {
	doc.EmailReceivedAt = model.NormalizeReceivedAt(doc.EmailReceivedAt)
	if doc.Status == "" {
		doc.Status = model.StatusFetched
	}
	if doc.Classification == "" {
		doc.Classification = model.ClassificationUnknown
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(doc)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert document: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ExistsByKey reports whether a document with the dedup key is stored
func (r *DocumentRepository) ExistsByKey(ctx context.Context, key model.DedupKey) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("account_id = ? AND filename = ? AND sender_email = ? AND email_received_at = ?",
			key.AccountID, key.Filename, key.SenderEmail, model.NormalizeReceivedAt(key.EmailReceivedAt)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return count > 0, nil
}

// FindByKey loads the document with the dedup key
func (r *DocumentRepository) FindByKey(ctx context.Context, key model.DedupKey) (*model.InboundDocument, error) {
	var doc model.InboundDocument
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND filename = ? AND sender_email = ? AND email_received_at = ?",
			key.AccountID, key.Filename, key.SenderEmail, model.NormalizeReceivedAt(key.EmailReceivedAt)).
		First(&doc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// Get loads a document by id
func (r *DocumentRepository) Get(ctx context.Context, id string) (*model.InboundDocument, error) {
	var doc model.InboundDocument
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// GetDetail loads a document with its attempts and materialized record
func (r *DocumentRepository) GetDetail(ctx context.Context, id string) (*model.InboundDocument, error) {
	var doc model.InboundDocument
	err := r.db.WithContext(ctx).
		Preload("Attempts", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Preload("Record").
		Where("id = ?", id).
		First(&doc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// ListFilter narrows List results
type ListFilter struct {
	Status    model.DocumentStatus
	AccountID string
	Limit     int
	Offset    int
}

// List returns documents newest first together with the total match count
func (r *DocumentRepository) List(ctx context.Context, filter ListFilter) ([]model.InboundDocument, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.InboundDocument{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var docs []model.InboundDocument
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&docs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, total, nil
}

// CountByStatus returns the number of documents per status
func (r *DocumentRepository) CountByStatus(ctx context.Context) (map[model.DocumentStatus]int64, error) {
	var rows []struct {
		Status model.DocumentStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count documents by status: %w", err)
	}

	counts := make(map[model.DocumentStatus]int64, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Claim moves a document to status to if it is currently in one of from.
// It reports whether this caller won the transition.
func (r *DocumentRepository) Claim(ctx context.Context, id string, from []model.DocumentStatus, to model.DocumentStatus) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim document %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ClaimDue is Claim restricted to documents whose retry time, if any, is not
// after now. Winning the claim ends any sweeper lease.
func (r *DocumentRepository) ClaimDue(ctx context.Context, id string, from []model.DocumentStatus, to model.DocumentStatus, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status IN ?", id, from).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Updates(map[string]interface{}{
			"status":       to,
			"leased_until": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim document %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Release returns a classifying document to fetched without spending its
// retry budget. The sweeper enqueues it again at nextAttemptAt.
func (r *DocumentRepository) Release(ctx context.Context, id string, nextAttemptAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status = ?", id, model.StatusClassifying).
		Updates(map[string]interface{}{
			"status":          model.StatusFetched,
			"next_attempt_at": nextAttemptAt,
			"leased_until":    nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to release document %s: %w", id, result.Error)
	}
	return nil
}

// Lease marks documents as handed to the queue until until, so sweeps
// before then do not enqueue them again.
func (r *DocumentRepository) Lease(ctx context.Context, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id IN ?", ids).
		UpdateColumn("leased_until", until).Error
	if err != nil {
		return fmt.Errorf("failed to lease documents: %w", err)
	}
	return nil
}

// AppendAttempts adds attempts after the existing ones of the document
func (r *DocumentRepository) AppendAttempts(ctx context.Context, documentID string, attempts []model.ExtractionAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendAttempts(tx, documentID, attempts)
	})
}

func appendAttempts(tx *gorm.DB, documentID string, attempts []model.ExtractionAttempt) error {
	var last int
	err := tx.Model(&model.ExtractionAttempt{}).
		Where("document_id = ?", documentID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return fmt.Errorf("failed to read attempt sequence: %w", err)
	}

	rows := make([]model.ExtractionAttempt, len(attempts))
	for i, a := range attempts {
		a.ID = 0
		a.DocumentID = documentID
		a.Sequence = last + i + 1
		rows[i] = a
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to append attempts: %w", err)
	}
	return nil
}

// Attempts lists the attempts of a document in order
func (r *DocumentRepository) Attempts(ctx context.Context, documentID string) ([]model.ExtractionAttempt, error) {
	var attempts []model.ExtractionAttempt
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("sequence ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// MarkExtracted stores a successful extraction for a document being classified
func (r *DocumentRepository) MarkExtracted(ctx context.Context, id string, classification model.Classification, payload map[string]interface{}, rawResponse string) error {
	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status = ?", id, model.StatusClassifying).
		Updates(map[string]interface{}{
			"status":            model.StatusExtracted,
			"classification":    classification,
			"extracted_payload": datatypes.JSONMap(payload),
			"raw_response":      rawResponse,
			"last_error":        "",
			"next_attempt_at":   nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark document %s extracted: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("document %s is no longer classifying", id)
	}
	return nil
}

// ExtractionFailure describes the outcome of a failed extraction run
type ExtractionFailure struct {
	Status        model.DocumentStatus
	RawResponse   string
	Reason        string
	NextAttemptAt *time.Time
}

// MarkExtractionFailed increments the retry count of a document being classified
// and moves it to the given failure status.
func (r *DocumentRepository) MarkExtractionFailed(ctx context.Context, id string, failure ExtractionFailure) error {
	updates := map[string]interface{}{
		"status":          failure.Status,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"last_error":      failure.Reason,
		"next_attempt_at": failure.NextAttemptAt,
	}
	// A failed AI call produces no response; keep the previous one for review.
	if failure.RawResponse != "" {
		updates["raw_response"] = failure.RawResponse
	}

	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status = ?", id, model.StatusClassifying).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record extraction failure for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("document %s is no longer classifying", id)
	}
	return nil
}

// MarkMaterializationFailed keeps an extracted document extracted and schedules a retry
func (r *DocumentRepository) MarkMaterializationFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status = ?", id, model.StatusExtracted).
		Updates(map[string]interface{}{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_error":      reason,
			"next_attempt_at": nextAttemptAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record materialization failure for %s: %w", id, result.Error)
	}
	return nil
}

// DueForRetry returns ids of documents the sweeper should enqueue: pending
// documents whose retry time has passed, and fetched/extracted documents
// without a retry time that nothing touched since idleSince. Documents
// leased past now are skipped.
func (r *DocumentRepository) DueForRetry(ctx context.Context, now, idleSince time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("(leased_until IS NULL OR leased_until <= ?)", now).
		Where(
			r.db.Where("status IN ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?",
				[]model.DocumentStatus{model.StatusFetched, model.StatusRepairAttempted, model.StatusExtracted}, now).
				Or("status IN ? AND next_attempt_at IS NULL AND updated_at <= ?",
					[]model.DocumentStatus{model.StatusFetched, model.StatusExtracted}, idleSince),
		).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find documents due for retry: %w", err)
	}
	return ids, nil
}

// ResetStale returns documents stuck in classifying since before staleBefore
// to fetched and records the abandoned claim as an attempt.
func (r *DocumentRepository) ResetStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("status = ? AND updated_at <= ?", model.StatusClassifying, staleBefore).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stale documents: %w", err)
	}

	var reset int64
	for _, id := range ids {
		done := false
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&model.InboundDocument{}).
				Where("id = ? AND status = ? AND updated_at <= ?", id, model.StatusClassifying, staleBefore).
				Updates(map[string]interface{}{
					"status":          model.StatusFetched,
					"next_attempt_at": nil,
					"leased_until":    nil,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Finished by its worker in the meantime.
				return nil
			}
			done = true
			return appendAttempts(tx, id, []model.ExtractionAttempt{{
				StrategyUsed: model.AttemptStrategyAICall,
				ErrorDetail:  fmt.Sprintf("classification abandoned: claim older than %s", staleBefore.UTC().Format(time.RFC3339)),
			}})
		})
		if err != nil {
			return reset, fmt.Errorf("failed to reset stale document %s: %w", id, err)
		}
		if done {
			reset++
		}
	}
	return reset, nil
}

// Reprocess resets the retry budget of a failed document and makes it eligible again
func (r *DocumentRepository) Reprocess(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.InboundDocument{}).
		Where("id = ? AND status = ?", id, model.StatusFailedUnrecoverable).
		Updates(map[string]interface{}{
			"status":          model.StatusFetched,
			"retry_count":     0,
			"last_error":      "",
			"next_attempt_at": nil,
			"leased_until":    nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reprocess document %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("database error: %w", err)
}
