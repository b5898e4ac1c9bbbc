// Package mailboxtest provides an in-memory Mailbox for tests.
package mailboxtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/mailbox"
)

// ErrClosed is returned by a closed fake mailbox
var ErrClosed = errors.New("mailbox closed")

// Server holds the messages of one fake folder and hands out connections to it
type Server struct {
	mu          sync.Mutex
	messages    []mailbox.Message
	nextUID     uint32
	uidValidity uint32
	notify      chan struct{}
	dialErrs    []error
	dials       int
	fetches     int
	downloaded  int
}

// NewServer creates a new empty Server
func NewServer() *Server {
	return &Server{nextUID: 1, uidValidity: 1, notify: make(chan struct{}, 1)}
}

// Deliver appends a message and wakes any idling connection
func (s *Server) Deliver(msg mailbox.Message) {
	s.mu.Lock()
	msg.UID = s.nextUID
	s.nextUID++
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Now().UTC()
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// DeliverQuietly appends a message without signalling, like mail that
// arrived while no connection was listening.
func (s *Server) DeliverQuietly(msg mailbox.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.UID = s.nextUID
	s.nextUID++
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Now().UTC()
	}
	s.messages = append(s.messages, msg)
}

// FailDials makes the next dials return the given errors in order
func (s *Server) FailDials(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs = append(s.dialErrs, errs...)
}

// SetUIDValidity changes the UIDVALIDITY reported to new connections, as a
// server does after the folder is recreated.
func (s *Server) SetUIDValidity(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uidValidity = v
}

// Downloaded returns how many messages all fetches returned in total
func (s *Server) Downloaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded
}

// Dials returns how many connections were attempted
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Fetches returns how many fetch calls were served
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Dial implements mailbox.DialFunc
func (s *Server) Dial(ctx context.Context, acct config.AccountConfig) (mailbox.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		return nil, err
	}
	return &Conn{server: s, uidValidity: s.uidValidity}, nil
}

// Conn is one connection to a Server
type Conn struct {
	server      *Server
	uidValidity uint32

	mu       sync.Mutex
	closed   bool
	FetchErr error
}

// Idle implements mailbox.Mailbox
func (c *Conn) Idle(ctx context.Context, maxWait time.Duration) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-c.server.notify:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}

// FetchSince implements mailbox.Mailbox
func (c *Conn) FetchSince(ctx context.Context, since time.Time) ([]mailbox.Message, error) {
	return c.fetch(func(msg mailbox.Message) bool { return !msg.InternalDate.Before(since) })
}

// FetchAfterUID implements mailbox.Mailbox
func (c *Conn) FetchAfterUID(ctx context.Context, uid uint32) ([]mailbox.Message, error) {
	return c.fetch(func(msg mailbox.Message) bool { return msg.UID > uid })
}

// UIDValidity implements mailbox.Mailbox
func (c *Conn) UIDValidity() uint32 {
	return c.uidValidity
}

func (c *Conn) fetch(match func(mailbox.Message) bool) ([]mailbox.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	fetchErr := c.FetchErr
	c.mu.Unlock()
	if fetchErr != nil {
		return nil, fetchErr
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.server.fetches++
	var out []mailbox.Message
	for _, msg := range c.server.messages {
		if match(msg) {
			out = append(out, msg)
		}
	}
	c.server.downloaded += len(out)
	return out, nil
}

// Close implements mailbox.Mailbox
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
