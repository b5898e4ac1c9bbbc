// Package intake is the shared path from a fetched message to stored,
// enqueued documents. The listener and the reconciliation scanner both use it,
// so they compute identical dedup keys.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/blob"
	"doc-intake-go/internal/mailbox"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/model"
	"doc-intake-go/internal/queue"
)

// Source says which component found the attachment
type Source string

const (
	SourceListener  Source = "listener"
	SourceReconcile Source = "reconcile"
)

// DocumentStore is the part of the Document Store intake needs
type DocumentStore interface {
	ExistsByKey(ctx context.Context, key model.DedupKey) (bool, error)
	InsertIfAbsent(ctx context.Context, doc *model.InboundDocument) (bool, error)
}

// Result counts what happened to the attachments of one message
type Result struct {
	Attachments int
	Created     int
	Existing    int
	Skipped     int
	CreatedIDs  []string
}

// Add accumulates other into r
func (r *Result) Add(other Result) {
	r.Attachments += other.Attachments
	r.Created += other.Created
	r.Existing += other.Existing
	r.Skipped += other.Skipped
	r.CreatedIDs = append(r.CreatedIDs, other.CreatedIDs...)
}

// Intake stores attachments and hands new documents to the queue
type Intake struct {
	store   DocumentStore
	blobs   blob.Store
	queue   queue.Queue
	metrics *metrics.Metrics
	allowed map[string]bool
}

// New creates a new Intake. An empty allowedExtensions list accepts every attachment.
func New(store DocumentStore, blobs blob.Store, q queue.Queue, m *metrics.Metrics, allowedExtensions []string) *Intake {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &Intake{store: store, blobs: blobs, queue: q, metrics: m, allowed: allowed}
}

// Accept stores every eligible attachment of msg that is not stored yet and
// enqueues the new documents. Errors on single attachments do not stop the
// others; they are joined into the returned error.
func (in *Intake) Accept(ctx context.Context, accountID string, msg *mailbox.Message, source Source) (Result, error) {
	var (
		res  Result
		errs []error
	)
	log := logrus.WithFields(logrus.Fields{"account": accountID, "uid": msg.UID, "source": source})

	seen := make(map[string]map[string]bool)
	for _, att := range msg.Attachments {
		if !in.eligible(att.Filename) {
			res.Skipped++
			continue
		}
		res.Attachments++
		in.metrics.AttachmentsSeen.WithLabelValues(accountID, string(source)).Inc()

		fingerprint := Fingerprint(att.Data)
		filename, duplicate := dedupFilename(seen, att.Filename, fingerprint)
		if duplicate {
			res.Skipped++
			continue
		}

		doc := &model.InboundDocument{
			AccountID:          accountID,
			Filename:           filename,
			SenderEmail:        strings.ToLower(strings.TrimSpace(msg.From)),
			EmailReceivedAt:    model.NormalizeReceivedAt(msg.ReceivedAt()),
			Subject:            msg.Subject,
			MessageID:          msg.MessageID,
			ContentType:        att.ContentType,
			SizeBytes:          int64(len(att.Data)),
			ContentFingerprint: fingerprint,
		}

		created, err := in.storeAttachment(ctx, doc, att.Data)
		if err != nil {
			log.WithError(err).WithField("filename", filename).Warn("Failed to store attachment")
			errs = append(errs, fmt.Errorf("%s: %w", filename, err))
			continue
		}
		if !created {
			res.Existing++
			in.metrics.DocumentsExisting.WithLabelValues(accountID, string(source)).Inc()
			continue
		}

		res.Created++
		res.CreatedIDs = append(res.CreatedIDs, doc.ID)
		in.metrics.DocumentsCreated.WithLabelValues(accountID, string(source)).Inc()
		log.WithFields(logrus.Fields{"document_id": doc.ID, "filename": filename}).Info("Document stored")

		if err := in.queue.Enqueue(ctx, doc.ID); err != nil {
			// The document stays fetched; the retry sweeper enqueues it later.
			in.metrics.EnqueueFailures.Inc()
			log.WithError(err).WithField("document_id", doc.ID).Warn("Failed to enqueue document")
		}
	}

	return res, errors.Join(errs...)
}

// storeAttachment writes the blob and inserts the row for one attachment
func (in *Intake) storeAttachment(ctx context.Context, doc *model.InboundDocument, data []byte) (bool, error) {
	exists, err := in.store.ExistsByKey(ctx, doc.Key())
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	doc.RawBytesRef = blob.Key(doc.AccountID, doc.EmailReceivedAt, doc.ContentFingerprint, doc.Filename)
	if err := in.blobs.Put(ctx, doc.RawBytesRef, doc.ContentType, data); err != nil {
		return false, fmt.Errorf("failed to store attachment bytes: %w", err)
	}

	return in.store.InsertIfAbsent(ctx, doc)
}

func (in *Intake) eligible(filename string) bool {
	if strings.TrimSpace(filename) == "" {
		return false
	}
	if len(in.allowed) == 0 {
		return true
	}
	return in.allowed[strings.ToLower(filepath.Ext(filename))]
}

// Fingerprint returns the hex SHA-256 of data
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// dedupFilename returns the name used in the dedup key. The first attachment
// with a name keeps it; later ones with different bytes get "<name>#<12 hex>".
// It reports true when the same name and bytes already appeared in the message.
func dedupFilename(seen map[string]map[string]bool, filename, fingerprint string) (string, bool) {
	prints, ok := seen[filename]
	if !ok {
		seen[filename] = map[string]bool{fingerprint: true}
		return filename, false
	}
	if prints[fingerprint] {
		return "", true
	}
	prints[fingerprint] = true
	return filename + "#" + fingerprint[:12], false
}
