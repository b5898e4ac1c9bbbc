// Package reconcile re-reads a recent window of a mailbox and stores whatever
// the listener missed.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/intake"
	"doc-intake-go/internal/mailbox"
	"doc-intake-go/internal/metrics"
)

// Report summarises one reconciliation pass
type Report struct {
	Account     string    `json:"account"`
	Since       time.Time `json:"since"`
	Scanned     int       `json:"scanned"`
	Attachments int       `json:"attachments"`
	Created     int       `json:"created"`
	Existing    int       `json:"existing"`
	Errors      int       `json:"errors"`
}

// Scanner runs reconciliation passes
type Scanner struct {
	intake  *intake.Intake
	dial    mailbox.DialFunc
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewScanner creates a new Scanner
func NewScanner(in *intake.Intake, dial mailbox.DialFunc, m *metrics.Metrics) *Scanner {
	return &Scanner{
		intake:  in,
		dial:    dial,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile scans messages received in the last windowDays days on an open
// mailbox. Dedup makes repeated passes over the same mail create nothing.
func (s *Scanner) Reconcile(ctx context.Context, mb mailbox.Mailbox, accountID string, windowDays int) (Report, error) {
	if windowDays <= 0 {
		windowDays = 2
	}
	since := s.now().AddDate(0, 0, -windowDays)
	report := Report{Account: accountID, Since: since}
	log := logrus.WithFields(logrus.Fields{"account": accountID, "since": since})

	messages, err := mb.FetchSince(ctx, since)
	if err != nil {
		s.metrics.ReconcileRuns.WithLabelValues(accountID, "error").Inc()
		return report, fmt.Errorf("failed to fetch messages for reconciliation: %w", err)
	}

	for i := range messages {
		report.Scanned++
		res, err := s.intake.Accept(ctx, accountID, &messages[i], intake.SourceReconcile)
		report.Attachments += res.Attachments
		report.Created += res.Created
		report.Existing += res.Existing
		if err != nil {
			report.Errors++
			log.WithError(err).WithField("uid", messages[i].UID).Warn("Failed to reconcile message")
		}
	}

	s.metrics.ReconcileRuns.WithLabelValues(accountID, "ok").Inc()
	s.metrics.ReconcileRecovered.WithLabelValues(accountID).Add(float64(report.Created))

	entry := log.WithFields(logrus.Fields{
		"scanned":  report.Scanned,
		"created":  report.Created,
		"existing": report.Existing,
		"errors":   report.Errors,
	})
	if report.Created > 0 {
		entry.Warn("Reconciliation recovered documents the listener missed")
	} else {
		entry.Info("Reconciliation completed")
	}
	return report, nil
}

// ReconcileAccount opens its own connection to the account and reconciles it
func (s *Scanner) ReconcileAccount(ctx context.Context, acct config.AccountConfig, windowDays int) (Report, error) {
	mb, err := s.dial(ctx, acct)
	if err != nil {
		s.metrics.ReconcileRuns.WithLabelValues(acct.ID, "error").Inc()
		return Report{Account: acct.ID}, err
	}
	defer mb.Close()
	return s.Reconcile(ctx, mb, acct.ID, windowDays)
}
