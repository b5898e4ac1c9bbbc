package mailbox

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/config"
)

const fetchBatchSize = 25

// IMAPMailbox implements Mailbox over one IMAP connection
type IMAPMailbox struct {
	client      *client.Client
	account     string
	folder      string
	uidValidity uint32

	updates chan client.Update
	newMail chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

// Dial connects, logs in and selects the account folder read-only
func Dial(ctx context.Context, acct config.AccountConfig) (Mailbox, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	if acct.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, acct.Address(), nil)
	} else {
		c, err = client.DialWithDialer(dialer, acct.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", acct.Address(), err)
	}

	if err := c.Login(acct.Username, acct.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	folder := acct.Folder
	if folder == "" {
		folder = "INBOX"
	}

	m := &IMAPMailbox{
		client:  c,
		account: acct.ID,
		folder:  folder,
		updates: make(chan client.Update, 32),
		newMail: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.Updates = m.updates
	go m.watchUpdates()

	status, err := c.Select(folder, true)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	m.uidValidity = status.UidValidity

	logrus.WithFields(logrus.Fields{"account": acct.ID, "folder": folder}).Debug("IMAP mailbox selected")
	return m, nil
}

// watchUpdates turns unsolicited EXISTS/RECENT responses into a new-mail signal
func (m *IMAPMailbox) watchUpdates() {
	for {
		select {
		case <-m.done:
			return
		case u := <-m.updates:
			if _, ok := u.(*client.MailboxUpdate); !ok {
				continue
			}
			select {
			case m.newMail <- struct{}{}:
			default:
			}
		}
	}
}

// Idle implements Mailbox
func (m *IMAPMailbox) Idle(ctx context.Context, maxWait time.Duration) (bool, error) {
	select {
	case <-m.newMail:
		return true, nil
	default:
	}

	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- m.client.Idle(stop, nil)
	}()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	newMail := false
	select {
	case <-m.newMail:
		newMail = true
	case <-timer.C:
	case <-ctx.Done():
	case err := <-idleDone:
		if err != nil {
			return false, fmt.Errorf("IDLE ended: %w", err)
		}
		return false, nil
	}

	close(stop)
	if err := <-idleDone; err != nil {
		return newMail, fmt.Errorf("failed to end IDLE: %w", err)
	}
	return newMail, nil
}

// FetchSince implements Mailbox
func (m *IMAPMailbox) FetchSince(ctx context.Context, since time.Time) ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	messages, err := m.fetchInBatches(ctx, uids)
	if err != nil {
		return messages, err
	}
	// SEARCH SINCE has day granularity.
	kept := messages[:0]
	for _, msg := range messages {
		if !msg.InternalDate.Before(since) {
			kept = append(kept, msg)
		}
	}
	return kept, nil
}

// FetchAfterUID implements Mailbox
func (m *IMAPMailbox) FetchAfterUID(ctx context.Context, uid uint32) ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(uid+1, 0)

	found, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	// "n:*" always matches the highest UID, even when it is below n.
	uids := found[:0]
	for _, u := range found {
		if u > uid {
			uids = append(uids, u)
		}
	}
	return m.fetchInBatches(ctx, uids)
}

// UIDValidity implements Mailbox
func (m *IMAPMailbox) UIDValidity() uint32 {
	return m.uidValidity
}

func (m *IMAPMailbox) fetchInBatches(ctx context.Context, uids []uint32) ([]Message, error) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var messages []Message
	for start := 0; start < len(uids); start += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch, err := m.fetch(uids[start:end])
		if err != nil {
			return messages, err
		}
		messages = append(messages, batch...)
	}
	return messages, nil
}

func (m *IMAPMailbox) fetch(uids []uint32) ([]Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for raw := range ch {
		msg, err := m.convert(raw, section)
		if err != nil {
			logrus.WithFields(logrus.Fields{"account": m.account, "uid": raw.Uid}).WithError(err).Warn("Failed to parse IMAP message")
			continue
		}
		messages = append(messages, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
	return messages, nil
}

func (m *IMAPMailbox) convert(raw *imap.Message, section *imap.BodySectionName) (Message, error) {
	body := raw.GetBody(section)
	if body == nil {
		return Message{}, fmt.Errorf("server did not return a body")
	}

	msg, err := ParseMessage(body)
	if err != nil {
		return Message{}, err
	}
	msg.UID = raw.Uid
	msg.InternalDate = raw.InternalDate

	if env := raw.Envelope; env != nil {
		if msg.From == "" && len(env.From) > 0 {
			msg.From = strings.ToLower(env.From[0].Address())
		}
		if msg.Subject == "" {
			msg.Subject = env.Subject
		}
		if msg.MessageID == "" {
			msg.MessageID = strings.Trim(env.MessageId, "<>")
		}
		if msg.Date.IsZero() {
			msg.Date = env.Date
		}
	}
	return *msg, nil
}

// Close logs out and stops the update watcher
func (m *IMAPMailbox) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.client.Logout()
		close(m.done)
	})
	return err
}
