// Package listener keeps one IMAP IDLE session per account alive and hands
// new attachments to intake as they arrive.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/intake"
	"doc-intake-go/internal/mailbox"
	"doc-intake-go/internal/metrics"
	"doc-intake-go/internal/reconcile"
)

// State is the supervisor's current phase
type State string

const (
	StateConnecting   State = "connecting"
	StateIdleWaiting  State = "idle_waiting"
	StateDraining     State = "draining_new_mail"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// drainOverlap is how far before the high-water mark each drain searches
const drainOverlap = 24 * time.Hour

// Status is a read-only snapshot of a supervisor
type Status struct {
	Account             string    `json:"account"`
	State               State     `json:"state"`
	IdleCycles          int       `json:"idle_cycles"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastDrainAt         time.Time `json:"last_drain_at,omitempty"`
	HighWaterMark       time.Time `json:"high_water_mark"`
}

// Options tunes a supervisor
type Options struct {
	IdleTimeout               time.Duration
	ReconcileWindowDays       int
	ReconcileEveryNIdleCycles int
	BackoffMin                time.Duration
	BackoffMax                time.Duration
	ErrorEscalationAfter      int
}

// OptionsFromConfig maps the mailbox section onto Options
func OptionsFromConfig(cfg config.MailboxConfig) Options {
	return Options{
		IdleTimeout:               cfg.IdleTimeout,
		ReconcileWindowDays:       cfg.ReconcileWindowDays,
		ReconcileEveryNIdleCycles: cfg.ReconcileEveryNIdleCycles,
		BackoffMin:                cfg.BackoffMin,
		BackoffMax:                cfg.BackoffMax,
		ErrorEscalationAfter:      cfg.ErrorEscalationAfter,
	}
}

// state is owned by the Run goroutine
type state struct {
	idleCycles  int
	failures    int
	backoff     time.Duration
	highWater   time.Time
	uidValidity uint32
	lastUID     uint32
}

// Supervisor listens to one account
type Supervisor struct {
	account config.AccountConfig
	dial    mailbox.DialFunc
	intake  *intake.Intake
	scanner *reconcile.Scanner
	opts    Options
	metrics *metrics.Metrics

	mu     sync.RWMutex
	status Status
}

// NewSupervisor creates a new Supervisor
func NewSupervisor(acct config.AccountConfig, dial mailbox.DialFunc, in *intake.Intake, scanner *reconcile.Scanner, opts Options, m *metrics.Metrics) *Supervisor {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 29 * time.Minute
	}
	if opts.ReconcileWindowDays <= 0 {
		opts.ReconcileWindowDays = 2
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.ErrorEscalationAfter <= 0 {
		opts.ErrorEscalationAfter = 5
	}
	return &Supervisor{
		account: acct,
		dial:    dial,
		intake:  in,
		scanner: scanner,
		opts:    opts,
		metrics: m,
		status:  Status{Account: acct.ID, State: StateStopped},
	}
}

// Status returns a snapshot of the supervisor
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run listens until ctx is done. Connection failures are retried forever.
func (s *Supervisor) Run(ctx context.Context) error {
	st := &state{
		backoff:   s.opts.BackoffMin,
		highWater: time.Now().UTC().AddDate(0, 0, -s.opts.ReconcileWindowDays),
	}
	log := logrus.WithField("account", s.account.ID)
	log.Info("Mailbox listener started")

	for {
		err := s.session(ctx, st)
		if ctx.Err() != nil {
			s.update(func(status *Status) { status.State = StateStopped })
			log.Info("Mailbox listener stopped")
			return nil
		}

		st.failures++
		s.metrics.ListenerReconnects.WithLabelValues(s.account.ID).Inc()
		s.update(func(status *Status) {
			status.State = StateReconnecting
			status.ConsecutiveFailures = st.failures
			if err != nil {
				status.LastError = err.Error()
			}
		})

		entry := log.WithError(err).WithFields(logrus.Fields{"failures": st.failures, "retry_in": st.backoff})
		if st.failures >= s.opts.ErrorEscalationAfter {
			entry.Error("Mailbox connection failing repeatedly")
		} else {
			entry.Warn("Mailbox connection lost, reconnecting")
		}

		timer := time.NewTimer(st.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.update(func(status *Status) { status.State = StateStopped })
			log.Info("Mailbox listener stopped")
			return nil
		case <-timer.C:
		}

		st.backoff *= 2
		if st.backoff > s.opts.BackoffMax {
			st.backoff = s.opts.BackoffMax
		}
	}
}

// session runs one connection until it fails or ctx is done
func (s *Supervisor) session(ctx context.Context, st *state) error {
	s.update(func(status *Status) { status.State = StateConnecting })

	mb, err := s.dial(ctx, s.account)
	if err != nil {
		return err
	}
	defer mb.Close()

	if err := s.drain(ctx, mb, st); err != nil {
		return err
	}

	st.failures = 0
	st.backoff = s.opts.BackoffMin
	s.update(func(status *Status) {
		status.ConsecutiveFailures = 0
		status.LastError = ""
	})

	for {
		s.update(func(status *Status) { status.State = StateIdleWaiting })
		if _, err := mb.Idle(ctx, s.opts.IdleTimeout); err != nil {
			return fmt.Errorf("idle: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		st.idleCycles++
		s.metrics.ListenerIdleCycles.WithLabelValues(s.account.ID).Inc()
		s.update(func(status *Status) { status.IdleCycles = st.idleCycles })

		// New mail or the refresh boundary: either way catch up.
		if err := s.drain(ctx, mb, st); err != nil {
			return err
		}

		if n := s.opts.ReconcileEveryNIdleCycles; n > 0 && st.idleCycles%n == 0 && s.scanner != nil {
			if _, err := s.scanner.Reconcile(context.WithoutCancel(ctx), mb, s.account.ID, s.opts.ReconcileWindowDays); err != nil {
				return err
			}
		}
	}
}

// drain hands every message above the UID mark to intake, or every message
// since the date high-water mark when the UID mark is unusable. It is not
// interrupted by ctx so a started drain always finishes.
func (s *Supervisor) drain(ctx context.Context, mb mailbox.Mailbox, st *state) error {
	s.update(func(status *Status) { status.State = StateDraining })
	ctx = context.WithoutCancel(ctx)
	log := logrus.WithField("account", s.account.ID)

	var (
		messages []mailbox.Message
		err      error
	)
	if st.lastUID > 0 && mb.UIDValidity() == st.uidValidity {
		messages, err = mb.FetchAfterUID(ctx, st.lastUID)
	} else {
		// No usable UID mark: fall back to the date window.
		st.uidValidity = mb.UIDValidity()
		st.lastUID = 0
		messages, err = mb.FetchSince(ctx, st.highWater.Add(-drainOverlap))
	}
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	created := 0
	advance := true
	for i := range messages {
		msg := &messages[i]
		res, err := s.intake.Accept(ctx, s.account.ID, msg, intake.SourceListener)
		created += res.Created
		if err != nil {
			log.WithError(err).WithField("uid", msg.UID).Warn("Failed to store attachments")
			// Fetch this message again on the next drain.
			advance = false
		}
		if advance && msg.UID > st.lastUID {
			st.lastUID = msg.UID
		}
		if msg.InternalDate.After(st.highWater) {
			st.highWater = msg.InternalDate
		}
	}

	if created > 0 {
		log.WithFields(logrus.Fields{"messages": len(messages), "created": created}).Info("Drained new mail")
	}
	now := time.Now().UTC()
	s.update(func(status *Status) {
		status.LastDrainAt = now
		status.HighWaterMark = st.highWater
	})
	return nil
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}
