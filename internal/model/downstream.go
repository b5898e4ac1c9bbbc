package model

import "time"

// Product is a catalog entry line items are resolved against
type Product struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Code        string    `json:"code" gorm:"type:varchar(100);not null;uniqueIndex"`
	Description string    `json:"description" gorm:"type:varchar(500);not null;index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for Product
func (Product) TableName() string {
	return "products"
}

// Order is created from an invoice
type Order struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DocumentID    string    `json:"document_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	AccountID     string    `json:"account_id" gorm:"type:varchar(100);not null;index"`
	SupplierName  string    `json:"supplier_name" gorm:"type:varchar(255)"`
	CustomerName  string    `json:"customer_name" gorm:"type:varchar(255)"`
	InvoiceNumber string    `json:"invoice_number" gorm:"type:varchar(100)"`
	InvoiceDate   string    `json:"invoice_date" gorm:"type:varchar(32)"`
	Currency      string    `json:"currency" gorm:"type:varchar(8)"`
	TotalAmount   float64   `json:"total_amount"`
	CreatedAt     time.Time `json:"created_at"`

	LineItems []OrderLineItem `json:"line_items,omitempty" gorm:"foreignKey:OrderID"`
}

// TableName specifies the table name for Order
func (Order) TableName() string {
	return "orders"
}

// InstallationRequest is created from an invoice that asks for installation
type InstallationRequest struct {
	ID                  uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DocumentID          string    `json:"document_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	AccountID           string    `json:"account_id" gorm:"type:varchar(100);not null;index"`
	CustomerName        string    `json:"customer_name" gorm:"type:varchar(255)"`
	InstallationAddress string    `json:"installation_address" gorm:"type:text"`
	RequestedDate       string    `json:"requested_date" gorm:"type:varchar(32)"`
	InvoiceNumber       string    `json:"invoice_number" gorm:"type:varchar(100)"`
	CreatedAt           time.Time `json:"created_at"`

	LineItems []OrderLineItem `json:"line_items,omitempty" gorm:"foreignKey:InstallationRequestID"`
}

// TableName specifies the table name for InstallationRequest
func (InstallationRequest) TableName() string {
	return "installation_requests"
}

// OrderLineItem is a resolved line item of an order or installation request
type OrderLineItem struct {
	ID                    uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	OrderID               *uint     `json:"order_id,omitempty" gorm:"index"`
	InstallationRequestID *uint     `json:"installation_request_id,omitempty" gorm:"index"`
	ProductID             uint      `json:"product_id" gorm:"not null;index"`
	ProductCode           string    `json:"product_code" gorm:"type:varchar(100)"`
	Description           string    `json:"description" gorm:"type:varchar(500)"`
	Quantity              float64   `json:"quantity"`
	UnitPrice             float64   `json:"unit_price"`
	TotalAmount           float64   `json:"total_amount"`
	CreatedAt             time.Time `json:"created_at"`
}

// TableName specifies the table name for OrderLineItem
func (OrderLineItem) TableName() string {
	return "order_line_items"
}

// JobCard is created from a service job card
type JobCard struct {
	ID              uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DocumentID      string    `json:"document_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	AccountID       string    `json:"account_id" gorm:"type:varchar(100);not null;index"`
	SerialNumber    string    `json:"serial_number" gorm:"type:varchar(100);index"`
	AssetTag        string    `json:"asset_tag" gorm:"type:varchar(100);index"`
	CustomerName    string    `json:"customer_name" gorm:"type:varchar(255)"`
	TechnicianName  string    `json:"technician_name" gorm:"type:varchar(255)"`
	WorkDescription string    `json:"work_description" gorm:"type:text"`
	ServiceDate     string    `json:"service_date" gorm:"type:varchar(32)"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName specifies the table name for JobCard
func (JobCard) TableName() string {
	return "job_cards"
}

// All returns every model managed by migrations
func All() []interface{} {
	return []interface{}{
		&InboundDocument{},
		&ExtractionAttempt{},
		&MaterializedRecord{},
		&Product{},
		&Order{},
		&InstallationRequest{},
		&OrderLineItem{},
		&JobCard{},
	}
}
