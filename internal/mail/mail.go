// Package mail renders and sends the service's transactional emails.
package mail

import (
	"context"
	"errors"
	"strings"

	"docsign.org/internal/obs"
)

// Attachment is a file attached to a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a rendered email ready for delivery.
type Message struct {
	To         []string
	Subject    string
	HTML       string
	Text       string
	Attachment *Attachment
}

// Sender delivers messages. A nil error means every recipient was accepted.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var ErrNoRecipients = errors.New("mail: message has no recipients")

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogSender writes messages to the service log instead of sending them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	fields := map[string]any{
		"to":      strings.Join(msg.To, ","),
		"subject": msg.Subject,
	}
	if msg.Attachment != nil {
		fields["attachment"] = msg.Attachment.Name
		fields["attachment_bytes"] = len(msg.Attachment.Data)
	}
	obs.Info("mail.logged", fields)
	return nil
}
