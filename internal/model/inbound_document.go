package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DocumentStatus is the lifecycle state of an inbound document
type DocumentStatus string

const (
	StatusFetched             DocumentStatus = "fetched"
	StatusClassifying         DocumentStatus = "classifying"
	StatusExtracted           DocumentStatus = "extracted"
	StatusRepairAttempted     DocumentStatus = "repair_attempted"
	StatusFailedUnrecoverable DocumentStatus = "failed_unrecoverable"
	StatusMaterialized        DocumentStatus = "materialized"
	StatusDuplicateSkipped    DocumentStatus = "duplicate_skipped"
)

// AllStatuses lists every document status in lifecycle order
var AllStatuses = []DocumentStatus{
	StatusFetched,
	StatusClassifying,
	StatusExtracted,
	StatusRepairAttempted,
	StatusFailedUnrecoverable,
	StatusMaterialized,
	StatusDuplicateSkipped,
}

// Terminal reports whether no further pipeline work happens for the status
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusMaterialized, StatusDuplicateSkipped, StatusFailedUnrecoverable:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s DocumentStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Classification is the document type assigned by the extractor
type Classification string

const (
	ClassificationInvoice Classification = "invoice"
	ClassificationJobCard Classification = "job_card"
	ClassificationUnknown Classification = "unknown"
)

// InboundDocument is one attachment received from a monitored mailbox.
// The tuple (AccountID, Filename, SenderEmail, EmailReceivedAt) is unique.
type InboundDocument struct {
	ID                 string            `json:"id" gorm:"type:varchar(36);primaryKey"`
	AccountID          string            `json:"account_id" gorm:"type:varchar(100);not null;uniqueIndex:idx_documents_dedup,priority:1;index:idx_documents_fingerprint,priority:1"`
	Filename           string            `json:"filename" gorm:"type:varchar(255);not null;uniqueIndex:idx_documents_dedup,priority:2"`
	SenderEmail        string            `json:"sender_email" gorm:"type:varchar(255);not null;uniqueIndex:idx_documents_dedup,priority:3"`
	EmailReceivedAt    time.Time         `json:"email_received_at" gorm:"not null;uniqueIndex:idx_documents_dedup,priority:4"`
	Subject            string            `json:"subject" gorm:"type:varchar(998)"`
	MessageID          string            `json:"message_id" gorm:"type:varchar(255);index"`
	ContentType        string            `json:"content_type" gorm:"type:varchar(255)"`
	SizeBytes          int64             `json:"size_bytes"`
	ContentFingerprint string            `json:"content_fingerprint" gorm:"type:varchar(64);not null;index:idx_documents_fingerprint,priority:2"`
	RawBytesRef        string            `json:"raw_bytes_ref" gorm:"type:varchar(512);not null"`
	Status             DocumentStatus    `json:"status" gorm:"type:varchar(32);not null;index"`
	Classification     Classification    `json:"classification" gorm:"type:varchar(32);not null;default:unknown"`
	ExtractedPayload   datatypes.JSONMap `json:"extracted_payload,omitempty"`
	RawResponse        string            `json:"raw_response,omitempty" gorm:"type:text"`
	RetryCount         int               `json:"retry_count" gorm:"not null;default:0"`
	LastError          string            `json:"last_error,omitempty" gorm:"type:text"`
	NextAttemptAt      *time.Time        `json:"next_attempt_at,omitempty" gorm:"index"`
	LeasedUntil        *time.Time        `json:"leased_until,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" gorm:"index"`

	Attempts []ExtractionAttempt `json:"attempts,omitempty" gorm:"foreignKey:DocumentID"`
	Record   *MaterializedRecord `json:"record,omitempty" gorm:"foreignKey:DocumentID"`
}

// TableName specifies the table name for InboundDocument
func (InboundDocument) TableName() string {
	return "inbound_documents"
}

// BeforeCreate assigns a UUID when the caller did not
func (d *InboundDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// DedupKey identifies an attachment independently of how it was fetched
type DedupKey struct {
	AccountID       string
	Filename        string
	SenderEmail     string
	EmailReceivedAt time.Time
}

// Key returns the dedup tuple of the document
func (d *InboundDocument) Key() DedupKey {
	return DedupKey{
		AccountID:       d.AccountID,
		Filename:        d.Filename,
		SenderEmail:     d.SenderEmail,
		EmailReceivedAt: d.EmailReceivedAt,
	}
}

// NormalizeReceivedAt brings a mailbox timestamp to the precision stored in the dedup index.
func NormalizeReceivedAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
