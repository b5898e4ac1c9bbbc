// Package notify tells people about pipeline outcomes. Delivery failures are
// reported to the caller but never undo pipeline work.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// EventType is the kind of outcome being reported
type EventType string

const (
	EventMaterialized     EventType = "materialized"
	EventDuplicateSkipped EventType = "duplicate_skipped"
	EventExtractionFailed EventType = "extraction_failed"
)

// DocumentRef identifies the document an event is about
type DocumentRef struct {
	ID          string
	AccountID   string
	Filename    string
	SenderEmail string
	Subject     string
	RecordRef   string
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, event EventType, ref DocumentRef, detail string) error
}

// LogNotifier writes events to the log
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(ctx context.Context, event EventType, ref DocumentRef, detail string) error {
	entry := logrus.WithFields(logrus.Fields{
		"event":       event,
		"document_id": ref.ID,
		"account":     ref.AccountID,
		"filename":    ref.Filename,
		"record_ref":  ref.RecordRef,
	})
	switch event {
	case EventExtractionFailed:
		entry.WithField("detail", detail).Error("Document needs review")
	case EventDuplicateSkipped:
		entry.WithField("detail", detail).Info("Duplicate document skipped")
	default:
		entry.Info("Document materialized")
	}
	return nil
}

// Multi sends every event to all notifiers
type Multi []Notifier

// Notify implements Notifier; it tries every notifier and joins the errors
func (m Multi) Notify(ctx context.Context, event EventType, ref DocumentRef, detail string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event, ref, detail); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
