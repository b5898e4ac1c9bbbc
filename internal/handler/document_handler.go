package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/model"
	"doc-intake-go/internal/queue"
	"doc-intake-go/internal/repository"
)

// ListDocuments returns documents, newest first, filtered by status and account
func (h *Handlers) ListDocuments(c *gin.Context) {
	page, limit := pagination(c)

	status := model.DocumentStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		abortWithError(c, http.StatusBadRequest, "invalid_status", fmt.Sprintf("Unknown status %q", status))
		return
	}

	docs, total, err := h.repo.List(c.Request.Context(), repository.ListFilter{
		Status:    status,
		AccountID: c.Query("account"),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		logrus.Errorf("Failed to list documents: %v", err)
		abortWithError(c, http.StatusInternalServerError, "database_error", "Failed to retrieve documents")
		return
	}

	items := make([]DocumentResponse, 0, len(docs))
	for i := range docs {
		items = append(items, toDocumentResponse(&docs[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"documents": items,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// DocumentStats returns the number of documents in each status
func (h *Handlers) DocumentStats(c *gin.Context) {
	counts, err := h.repo.CountByStatus(c.Request.Context())
	if err != nil {
		logrus.Errorf("Failed to count documents: %v", err)
		abortWithError(c, http.StatusInternalServerError, "database_error", "Failed to retrieve statistics")
		return
	}

	stats := gin.H{"by_status": counts}
	if h.queue != nil {
		if n, ok := queueLen(c, h.queue); ok {
			stats["queue_depth"] = n
		}
	}
	c.JSON(http.StatusOK, stats)
}

// GetDocument returns a document with its extraction attempts and materialized record
func (h *Handlers) GetDocument(c *gin.Context) {
	doc, err := h.repo.GetDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.documentError(c, err)
		return
	}

	resp := DocumentDetailResponse{
		DocumentResponse: toDocumentResponse(doc),
		ExtractedPayload: doc.ExtractedPayload,
		RawResponse:      doc.RawResponse,
		Attempts:         make([]AttemptResponse, 0, len(doc.Attempts)),
	}
	for _, a := range doc.Attempts {
		resp.Attempts = append(resp.Attempts, AttemptResponse{
			Sequence:            a.Sequence,
			StrategyUsed:        a.StrategyUsed,
			Succeeded:           a.Succeeded,
			ErrorDetail:         a.ErrorDetail,
			RawResponseSnapshot: a.RawResponseSnapshot,
			CreatedAt:           a.CreatedAt,
		})
	}
	if rec := doc.Record; rec != nil {
		unmatched, err := rec.Unmatched()
		if err != nil {
			logrus.Warnf("Document %s has unreadable unmatched line items: %v", doc.ID, err)
		}
		if unmatched == nil {
			unmatched = []map[string]interface{}{}
		}
		resp.Record = &MaterializedRecordResult{
			RecordType:         rec.RecordType,
			ExternalRecordRef:  rec.ExternalRecordRef,
			ResolvedItemCount:  rec.ResolvedItemCount,
			UnmatchedLineItems: unmatched,
			CreatedAt:          rec.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// DownloadAttachment streams the stored attachment bytes
func (h *Handlers) DownloadAttachment(c *gin.Context) {
	doc, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.documentError(c, err)
		return
	}

	data, err := h.blobs.Get(c.Request.Context(), doc.RawBytesRef)
	if err != nil {
		logrus.Errorf("Failed to read attachment for document %s: %v", doc.ID, err)
		abortWithError(c, http.StatusBadGateway, "storage_error", "Failed to read attachment")
		return
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	c.Data(http.StatusOK, contentType, data)
}

// ReprocessDocument resets a failed document and queues it again
func (h *Handlers) ReprocessDocument(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.repo.Get(ctx, id); err != nil {
		h.documentError(c, err)
		return
	}

	ok, err := h.repo.Reprocess(ctx, id)
	if err != nil {
		logrus.Errorf("Failed to reprocess document %s: %v", id, err)
		abortWithError(c, http.StatusInternalServerError, "database_error", "Failed to reprocess document")
		return
	}
	if !ok {
		abortWithError(c, http.StatusConflict, "invalid_state", "Only documents that failed unrecoverably can be reprocessed")
		return
	}

	queued := true
	if err := h.queue.Enqueue(ctx, id); err != nil {
		// The sweeper picks up fetched documents the queue did not take.
		logrus.Warnf("Failed to enqueue reprocessed document %s: %v", id, err)
		queued = false
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Document queued for reprocessing",
		"id":      id,
		"queued":  queued,
	})
}

func (h *Handlers) documentError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "not_found", "Document not found")
		return
	}
	logrus.Errorf("Failed to load document: %v", err)
	abortWithError(c, http.StatusInternalServerError, "database_error", "Failed to retrieve document")
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return page, limit
}

func queueLen(c *gin.Context, q queue.Queue) (int64, bool) {
	switch typed := q.(type) {
	case *queue.ChannelQueue:
		return int64(typed.Len()), true
	case *queue.RedisQueue:
		n, err := typed.Len(c.Request.Context())
		if err != nil {
			logrus.Warnf("Failed to read queue depth: %v", err)
			return 0, false
		}
		return n, true
	}
	return 0, false
}
