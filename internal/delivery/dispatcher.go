package delivery

import (
	"context"
	"fmt"

	"docsign.org/internal/mail"
)

// MailDispatcher renders tasks into emails and hands them to a mail.Sender.
type MailDispatcher struct {
	Renderer *mail.Renderer
	Sender   mail.Sender
}

// NewMailDispatcher wires a renderer and sender.
func NewMailDispatcher(r *mail.Renderer, s mail.Sender) *MailDispatcher {
	return &MailDispatcher{Renderer: r, Sender: s}
}

func (d *MailDispatcher) Dispatch(ctx context.Context, task Task) error {
	msg, err := d.render(task)
	if err != nil {
		return err
	}
	return d.Sender.Send(ctx, msg)
}

func (d *MailDispatcher) render(task Task) (mail.Message, error) {
	switch task.Kind {
	case KindSigningLink:
		if len(task.To) != 1 {
			return mail.Message{}, fmt.Errorf("delivery: signing link task needs exactly one recipient, got %d", len(task.To))
		}
		return d.Renderer.SigningLink(task.To[0], mail.SigningLinkData{
			RecipientName: task.RecipientName,
			DocumentName:  task.DocumentName,
			SenderName:    task.Sender,
			Link:          task.Link,
			SignerOrder:   task.SignerOrder,
			SignerTotal:   task.SignerTotal,
		})
	case KindCompletion:
		return d.Renderer.Completion(task.To, mail.CompletionData{
			DocumentName: task.DocumentName,
			CompletedAt:  task.CompletedAt,
			PDF:          task.PDF,
		})
	default:
		return mail.Message{}, fmt.Errorf("delivery: unknown task kind %q", task.Kind)
	}
}
