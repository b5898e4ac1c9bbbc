package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"

	"doc-intake-go/internal/model"
)

// ErrDuplicateProduct is returned when a product code is already in the catalog
var ErrDuplicateProduct = errors.New("product code already exists")

// ListProducts returns catalog products ordered by code
func (r *DocumentRepository) ListProducts(ctx context.Context, limit, offset int) ([]model.Product, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Product{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	var products []model.Product
	if err := query.Order("code ASC").Limit(limit).Offset(offset).Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	return products, total, nil
}

// CreateProduct adds a product to the catalog. The unique index on code
// decides between concurrent inserts of the same code.
func (r *DocumentRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	p.Code = strings.TrimSpace(p.Code)
	p.Description = strings.TrimSpace(p.Description)

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(p)
	if result.Error != nil {
		return fmt.Errorf("failed to create product: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateProduct
	}
	return nil
}
