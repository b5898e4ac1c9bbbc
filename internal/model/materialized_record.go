package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RecordType is the kind of downstream record created for a document
type RecordType string

const (
	RecordTypeOrder               RecordType = "order"
	RecordTypeInstallationRequest RecordType = "installation_request"
	RecordTypeJobCard             RecordType = "job_card"
)

// LineItem is a line item as it appeared in the extracted payload
type LineItem struct {
	ProductCode string  `json:"product_code"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalAmount float64 `json:"total_amount"`

	// Raw is the payload entry the item was read from
	Raw map[string]interface{} `json:"-"`
}

// MaterializedRecord links a document to the downstream record created from it.
// At most one exists per document.
type MaterializedRecord struct {
	ID                 uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	DocumentID         string         `json:"document_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	RecordType         RecordType     `json:"record_type" gorm:"type:varchar(32);not null"`
	ExternalRecordRef  string         `json:"external_record_ref" gorm:"type:varchar(64);not null"`
	ResolvedItemCount  int            `json:"resolved_item_count" gorm:"not null;default:0"`
	UnmatchedLineItems datatypes.JSON `json:"unmatched_line_items"`
	CreatedAt          time.Time      `json:"created_at"`
}

// TableName specifies the table name for MaterializedRecord
func (MaterializedRecord) TableName() string {
	return "materialized_records"
}

// SetUnmatched stores the unmatched items as a JSON list, each as it
// appeared in the extracted payload
func (r *MaterializedRecord) SetUnmatched(items []LineItem) error {
	list := make([]interface{}, len(items))
	for i, item := range items {
		if item.Raw != nil {
			list[i] = item.Raw
		} else {
			list[i] = item
		}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode unmatched line items: %w", err)
	}
	r.UnmatchedLineItems = datatypes.JSON(raw)
	return nil
}

// Unmatched decodes the stored unmatched items
func (r *MaterializedRecord) Unmatched() ([]map[string]interface{}, error) {
	if len(r.UnmatchedLineItems) == 0 {
		return nil, nil
	}
	var items []map[string]interface{}
	if err := json.Unmarshal(r.UnmatchedLineItems, &items); err != nil {
		return nil, fmt.Errorf("failed to decode unmatched line items: %w", err)
	}
	return items, nil
}
