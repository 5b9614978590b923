package delivery

import (
	"context"
	"testing"
	"time"

	"docsign.org/internal/mail"
)

func TestMailDispatcherRendersTasks(t *testing.T) {
	var got []mail.Message
	sender := mail.SenderFunc(func(_ context.Context, msg mail.Message) error {
		got = append(got, msg)
		return nil
	})
	d := NewMailDispatcher(mail.NewRenderer(), sender)

	link := SigningLink("doc1", "NDA", "alice@x.com", "bob@x.com", "Bob", "http://app/sign/t", 1, 2)
	if err := d.Dispatch(context.Background(), link); err != nil {
		t.Fatalf("Dispatch signing link: %v", err)
	}
	done := Completion("doc1", "NDA", "alice@x.com", []string{"bob@x.com", "alice@x.com"}, []byte("%PDF"), time.Now())
	if err := d.Dispatch(context.Background(), done); err != nil {
		t.Fatalf("Dispatch completion: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].To[0] != "bob@x.com" || got[0].Subject != "Action needed: NDA (signer 1 of 2)" {
		t.Fatalf("unexpected signing message: %+v", got[0])
	}
	if len(got[1].To) != 2 || got[1].Attachment == nil {
		t.Fatalf("unexpected completion message: %+v", got[1])
	}
}

func TestMailDispatcherRejectsUnknownKind(t *testing.T) {
	d := NewMailDispatcher(mail.NewRenderer(), mail.LogSender{})
	if err := d.Dispatch(context.Background(), Task{Kind: "fax", To: []string{"a@x.com"}}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
