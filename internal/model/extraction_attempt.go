package model

import "time"

// AttemptStrategyAICall marks an attempt that failed before any parsing
// strategy ran: the AI call, reading the attachment, or an abandoned claim.
const AttemptStrategyAICall = "ai_call"

// ExtractionAttempt is an append-only record of one parsing strategy (or failed AI call)
// applied to a document.
type ExtractionAttempt struct {
	ID                  uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DocumentID          string    `json:"document_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_attempts_document_sequence,priority:1"`
	Sequence            int       `json:"sequence" gorm:"not null;uniqueIndex:idx_attempts_document_sequence,priority:2"`
	StrategyUsed        string    `json:"strategy_used" gorm:"type:varchar(32);not null"`
	RawResponseSnapshot string    `json:"raw_response_snapshot" gorm:"type:text"`
	Succeeded           bool      `json:"succeeded" gorm:"not null;default:false"`
	ErrorDetail         string    `json:"error_detail,omitempty" gorm:"type:text"`
	CreatedAt           time.Time `json:"created_at"`
}

// TableName specifies the table name for ExtractionAttempt
func (ExtractionAttempt) TableName() string {
	return "extraction_attempts"
}
