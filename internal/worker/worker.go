// Package worker runs documents from the queue through extraction and
// materialization.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"doc-intake-go/internal/blob"
	"doc-intake-go/internal/classifier"
	"doc-intake-go/internal/materializer"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/model"
	"doc-intake-go/internal/notify"
	"doc-intake-go/internal/queue"
	"doc-intake-go/internal/repository"
	"doc-intake-go/internal/retry"
)

// Extractor classifies a document and extracts its fields
type Extractor interface {
	ClassifyAndExtract(ctx context.Context, doc *model.InboundDocument, content []byte) (classifier.Outcome, error)
}

// Materializer creates downstream records for extracted documents
type Materializer interface {
	Materialize(ctx context.Context, id string) (materializer.Result, error)
}

// Options tunes the pool
type Options struct {
	Concurrency int
	MaxAttempts int
	Retry       retry.Policy
}

// Pool is a bounded set of goroutines consuming the queue
type Pool struct {
	repo         *repository.DocumentRepository
	blobs        blob.Store
	queue        queue.Queue
	extractor    Extractor
	materializer Materializer
	notifier     notify.Notifier
	opts         Options
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewPool creates a new Pool
func NewPool(repo *repository.DocumentRepository, blobs blob.Store, q queue.Queue, extractor Extractor, mat Materializer, notifier notify.Notifier, opts Options, m *metrics.Metrics) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Pool{
		repo:         repo,
		blobs:        blobs,
		queue:        q,
		extractor:    extractor,
		materializer: mat,
		notifier:     notifier,
		opts:         opts,
		metrics:      m,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes the queue until ctx is done or the queue is closed. A
// document that is being processed when ctx is cancelled is finished first.
func (p *Pool) Run(ctx context.Context) error {
	logrus.WithField("concurrency", p.opts.Concurrency).Info("Starting worker pool")

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				id, err := p.queue.Dequeue(gCtx)
				if err != nil {
					if errors.Is(err, queue.ErrClosed) || gCtx.Err() != nil {
						return nil
					}
					logrus.WithError(err).Warn("Failed to dequeue document")
					select {
					case <-time.After(time.Second):
					case <-gCtx.Done():
						return nil
					}
					continue
				}

				if err := p.Process(context.WithoutCancel(gCtx), id); err != nil {
					logrus.WithError(err).WithField("document_id", id).Error("Failed to process document")
				}
			}
		})
	}

	err := g.Wait()
	logrus.Info("Worker pool stopped")
	return err
}

// Process advances one document as far as it can go
func (p *Pool) Process(ctx context.Context, id string) error {
	start := time.Now()
	defer func() {
		p.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}()

	doc, err := p.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logrus.WithField("document_id", id).Warn("Dequeued unknown document")
			return nil
		}
		return err
	}

	switch doc.Status {
	case model.StatusFetched, model.StatusRepairAttempted:
		extracted, err := p.extract(ctx, doc)
		if err != nil || !extracted {
			return err
		}
		return p.materialize(ctx, id)
	case model.StatusExtracted:
		if doc.NextAttemptAt != nil && doc.NextAttemptAt.After(p.now()) {
			logrus.WithField("document_id", id).Debug("Materialization not due yet")
			return nil
		}
		return p.materialize(ctx, id)
	default:
		// Terminal, or another worker is classifying it.
		return nil
	}
}

// extract reports whether the document reached extracted
func (p *Pool) extract(ctx context.Context, doc *model.InboundDocument) (bool, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "account": doc.AccountID})

	won, err := p.repo.ClaimDue(ctx, doc.ID,
		[]model.DocumentStatus{model.StatusFetched, model.StatusRepairAttempted}, model.StatusClassifying, p.now())
	if err != nil {
		return false, err
	}
	if !won {
		log.Debug("Document already claimed or not due")
		return false, nil
	}
	// The snapshot may predate another worker's failed attempt.
	fresh, err := p.repo.Get(ctx, doc.ID)
	if err != nil {
		return false, p.release(ctx, doc.ID, err)
	}
	doc = fresh

	content, err := p.blobs.Get(ctx, doc.RawBytesRef)
	if err != nil {
		reason := fmt.Sprintf("failed to read attachment bytes: %v", err)
		attempt := model.ExtractionAttempt{StrategyUsed: classifier.StrategyAICall, ErrorDetail: reason}
		if err := p.repo.AppendAttempts(ctx, doc.ID, []model.ExtractionAttempt{attempt}); err != nil {
			return false, p.release(ctx, doc.ID, err)
		}
		return false, p.fail(ctx, doc, "", reason)
	}

	outcome, err := p.extractor.ClassifyAndExtract(ctx, doc, content)
	if err != nil {
		return false, p.release(ctx, doc.ID, err)
	}

	switch o := outcome.(type) {
	case *classifier.Extracted:
		if err := p.repo.MarkExtracted(ctx, doc.ID, o.Classification, o.Payload, o.Raw); err != nil {
			return false, err
		}
		p.metrics.ExtractionOutcomes.WithLabelValues(string(model.StatusExtracted)).Inc()
		return true, nil
	case *classifier.Failed:
		return false, p.fail(ctx, doc, o.Raw, o.Reason)
	default:
		return false, p.release(ctx, doc.ID, fmt.Errorf("unexpected outcome %T", outcome))
	}
}

// fail spends one unit of the retry budget
func (p *Pool) fail(ctx context.Context, doc *model.InboundDocument, raw, reason string) error {
	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "account": doc.AccountID})
	retries := doc.RetryCount + 1

	if retries >= p.opts.MaxAttempts {
		err := p.repo.MarkExtractionFailed(ctx, doc.ID, repository.ExtractionFailure{
			Status:      model.StatusFailedUnrecoverable,
			RawResponse: raw,
			Reason:      reason,
		})
		if err != nil {
			return err
		}
		p.metrics.ExtractionOutcomes.WithLabelValues(string(model.StatusFailedUnrecoverable)).Inc()
		log.WithFields(logrus.Fields{"retry_count": retries, "reason": reason}).Error("Extraction failed permanently")

		ref := notify.DocumentRef{
			ID:          doc.ID,
			AccountID:   doc.AccountID,
			Filename:    doc.Filename,
			SenderEmail: doc.SenderEmail,
			Subject:     doc.Subject,
		}
		if err := p.notifier.Notify(ctx, notify.EventExtractionFailed, ref, reason); err != nil {
			p.metrics.NotificationFailures.Inc()
			log.WithError(err).Warn("Failed to send notification")
		}
		return nil
	}

	next := p.opts.Retry.Next(p.now(), retries)
	err := p.repo.MarkExtractionFailed(ctx, doc.ID, repository.ExtractionFailure{
		Status:        model.StatusRepairAttempted,
		RawResponse:   raw,
		Reason:        reason,
		NextAttemptAt: &next,
	})
	if err != nil {
		return err
	}
	p.metrics.ExtractionOutcomes.WithLabelValues(string(model.StatusRepairAttempted)).Inc()
	log.WithFields(logrus.Fields{"retry_count": retries, "next_attempt_at": next}).Warn("Extraction failed, will retry")
	return nil
}

// release hands a claimed document back after an infrastructure error. The
// retry budget is untouched; the sweeper picks it up after one backoff step.
func (p *Pool) release(ctx context.Context, id string, cause error) error {
	if err := p.repo.Release(ctx, id, p.opts.Retry.Next(p.now(), 1)); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Pool) materialize(ctx context.Context, id string) error {
	res, err := p.materializer.Materialize(ctx, id)
	if err != nil {
		return err
	}
	if d, ok := res.(*materializer.Deferred); ok {
		logrus.WithFields(logrus.Fields{"document_id": id, "next_attempt_at": d.NextAttemptAt}).Debug("Materialization deferred")
	}
	return nil
}
