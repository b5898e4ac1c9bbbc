package materializer

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"doc-intake-go/internal/model"
)

// Sink is the downstream record API. Every call receives the
// materialization transaction and must do all its writes through it.
type Sink interface {
	// FindProduct returns the catalog product for item, or nil when none matches.
	FindProduct(tx *gorm.DB, item model.LineItem) (*model.Product, error)
	CreateOrder(tx *gorm.DB, order *model.Order) error
	CreateInstallationRequest(tx *gorm.DB, req *model.InstallationRequest) error
	CreateJobCard(tx *gorm.DB, card *model.JobCard) error
}

// DBSink writes downstream records into the local database
type DBSink struct{}

// FindProduct matches by exact product code first, then by exact description
func (DBSink) FindProduct(tx *gorm.DB, item model.LineItem) (*model.Product, error) {
	if code := strings.TrimSpace(item.ProductCode); code != "" {
		p, err := findProduct(tx, "code = ?", code)
		if p != nil || err != nil {
			return p, err
		}
	}
	if desc := strings.TrimSpace(item.Description); desc != "" {
		return findProduct(tx, "description = ?", desc)
	}
	return nil, nil
}

func findProduct(tx *gorm.DB, query string, arg string) (*model.Product, error) {
	var p model.Product
	err := tx.Where(query, arg).Order("id ASC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up product: %w", err)
	}
	return &p, nil
}

// CreateOrder inserts the order with its line items
func (DBSink) CreateOrder(tx *gorm.DB, order *model.Order) error {
	if err := tx.Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// CreateInstallationRequest inserts the request with its line items
func (DBSink) CreateInstallationRequest(tx *gorm.DB, req *model.InstallationRequest) error {
	if err := tx.Create(req).Error; err != nil {
		return fmt.Errorf("failed to create installation request: %w", err)
	}
	return nil
}

// CreateJobCard inserts the job card
func (DBSink) CreateJobCard(tx *gorm.DB, card *model.JobCard) error {
	if err := tx.Create(card).Error; err != nil {
		return fmt.Errorf("failed to create job card: %w", err)
	}
	return nil
}
