// Package mailbox reads monitored IMAP folders and turns messages into
// attachments ready for intake.
package mailbox

import (
	"context"
	"time"

	"doc-intake-go/internal/config"
)

// Attachment is one file carried by a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a fetched e-mail reduced to what intake needs
type Message struct {
	UID          uint32
	MessageID    string
	From         string
	Subject      string
	Date         time.Time
	InternalDate time.Time
	Attachments  []Attachment
}

// ReceivedAt returns the timestamp that goes into the dedup key. The server's
// INTERNALDATE is preferred because it does not depend on the sender's clock.
func (m *Message) ReceivedAt() time.Time {
	if !m.InternalDate.IsZero() {
		return m.InternalDate
	}
	return m.Date
}

// Mailbox is an open, selected folder
type Mailbox interface {
	// Idle waits until the server reports new mail, maxWait elapses or ctx is
	// done. It reports whether new mail was signalled.
	Idle(ctx context.Context, maxWait time.Duration) (bool, error)
	// FetchSince returns messages whose internal date is at or after since,
	// in mailbox order.
	FetchSince(ctx context.Context, since time.Time) ([]Message, error)
	// FetchAfterUID returns messages whose UID is greater than uid, in mailbox order.
	FetchAfterUID(ctx context.Context, uid uint32) ([]Message, error)
	// UIDValidity identifies the UID numbering of the selected folder. UIDs
	// from a session with a different value must not be reused.
	UIDValidity() uint32
	Close() error
}

// DialFunc opens and selects the folder of one account
type DialFunc func(ctx context.Context, acct config.AccountConfig) (Mailbox, error)
