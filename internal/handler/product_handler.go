package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/model"
	"doc-intake-go/internal/repository"
)

// ListProducts returns the product catalog used for line item matching
func (h *Handlers) ListProducts(c *gin.Context) {
	page, limit := pagination(c)

	products, total, err := h.repo.ListProducts(c.Request.Context(), limit, (page-1)*limit)
	if err != nil {
		logrus.Errorf("Failed to list products: %v", err)
		abortWithError(c, http.StatusInternalServerError, "database_error", "Failed to retrieve products")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products": products,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// CreateProduct adds a product to the catalog
func (h *Handlers) CreateProduct(c *gin.Context) {
	var req ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	product := model.Product{Code: req.Code, Description: req.Description}
	if err := h.repo.CreateProduct(c.Request.Context(), &product); err != nil {
		if errors.Is(err, repository.ErrDuplicateProduct) {
			abortWithError(c, http.StatusConflict, "duplicate_product", "A product with this code already exists")
			return
		}
		logrus.Errorf("Failed to create product: %v", err)
		abortWithError(c, http.StatusInternalServerError, "database_error", "Failed to create product")
		return
	}

	c.JSON(http.StatusCreated, product)
}
