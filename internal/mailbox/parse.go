package mailbox

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParseMessage reads an RFC 5322 message and collects its attachments.
// Inline parts count as attachments when they carry a filename and are not text.
func ParseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}
		if p == nil {
			continue
		}

		var (
			filename    string
			contentType string
		)
		switch ph := p.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ = ph.Filename()
			contentType, _, _ = ph.ContentType()
		case *mail.InlineHeader:
			var params map[string]string
			contentType, params, _ = ph.ContentType()
			if strings.HasPrefix(contentType, "text/") || strings.HasPrefix(contentType, "multipart/") {
				continue
			}
			if _, dispParams, err := ph.ContentDisposition(); err == nil {
				filename = dispParams["filename"]
			}
			if filename == "" {
				filename = params["name"]
			}
			filename = decodeWord(filename)
		default:
			continue
		}
		if filename == "" {
			continue
		}

		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", filename, err)
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
		})
	}

	return msg, nil
}

func decodeWord(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
