package handler

import (
	"time"

	"doc-intake-go/internal/model"
)

// DocumentResponse is the list view of a document
type DocumentResponse struct {
	ID                 string               `json:"id"`
	AccountID          string               `json:"account_id"`
	Filename           string               `json:"filename"`
	SenderEmail        string               `json:"sender_email"`
	Subject            string               `json:"subject"`
	EmailReceivedAt    time.Time            `json:"email_received_at"`
	ContentType        string               `json:"content_type"`
	SizeBytes          int64                `json:"size_bytes"`
	ContentFingerprint string               `json:"content_fingerprint"`
	Status             model.DocumentStatus `json:"status"`
	Classification     model.Classification `json:"classification"`
	RetryCount         int                  `json:"retry_count"`
	LastError          string               `json:"last_error,omitempty"`
	NextAttemptAt      *time.Time           `json:"next_attempt_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// DocumentDetailResponse adds the review material to DocumentResponse
type DocumentDetailResponse struct {
	DocumentResponse
	ExtractedPayload map[string]interface{}    `json:"extracted_payload,omitempty"`
	RawResponse      string                    `json:"raw_response,omitempty"`
	Attempts         []AttemptResponse         `json:"attempts"`
	Record           *MaterializedRecordResult `json:"record,omitempty"`
}

// AttemptResponse is one extraction attempt
type AttemptResponse struct {
	Sequence            int       `json:"sequence"`
	StrategyUsed        string    `json:"strategy_used"`
	Succeeded           bool      `json:"succeeded"`
	ErrorDetail         string    `json:"error_detail,omitempty"`
	RawResponseSnapshot string    `json:"raw_response_snapshot"`
	CreatedAt           time.Time `json:"created_at"`
}

// MaterializedRecordResult is the downstream record created for a document
type MaterializedRecordResult struct {
	RecordType         model.RecordType `json:"record_type"`
	ExternalRecordRef  string           `json:"external_record_ref"`
	ResolvedItemCount  int              `json:"resolved_item_count"`
	UnmatchedLineItems []map[string]interface{} `json:"unmatched_line_items"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ProductRequest represents the request structure for adding a catalog product
type ProductRequest struct {
	Code        string `json:"code" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Details   map[string]string `json:"details,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func toDocumentResponse(d *model.InboundDocument) DocumentResponse {
	return DocumentResponse{
		ID:                 d.ID,
		AccountID:          d.AccountID,
		Filename:           d.Filename,
		SenderEmail:        d.SenderEmail,
		Subject:            d.Subject,
		EmailReceivedAt:    d.EmailReceivedAt,
		ContentType:        d.ContentType,
		SizeBytes:          d.SizeBytes,
		ContentFingerprint: d.ContentFingerprint,
		Status:             d.Status,
		Classification:     d.Classification,
		RetryCount:         d.RetryCount,
		LastError:          d.LastError,
		NextAttemptAt:      d.NextAttemptAt,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}
