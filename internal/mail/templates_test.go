package mail

import (
	"strings"
	"testing"
	"time"
)

func TestSigningLinkSingleSigner(t *testing.T) {
	r := NewRenderer()
	msg, err := r.SigningLink("bob@x.com", SigningLinkData{
		RecipientName: "Bob",
		DocumentName:  "NDA",
		SenderName:    "alice@x.com",
		Link:          "http://localhost:4200/sign/tok123",
	})
	if err != nil {
		t.Fatalf("SigningLink: %v", err)
	}
	if len(msg.To) != 1 || msg.To[0] != "bob@x.com" {
		t.Fatalf("unexpected recipients: %v", msg.To)
	}
	if msg.Subject != "Please sign: NDA" {
		t.Fatalf("unexpected subject: %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, `href="http://localhost:4200/sign/tok123"`) {
		t.Fatalf("link missing from body: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "<strong>Bob</strong>") {
		t.Fatalf("recipient name missing from body")
	}
}

func TestSigningLinkMultiSigner(t *testing.T) {
	r := NewRenderer()
	msg, err := r.SigningLink("carol@x.com", SigningLinkData{
		RecipientName: "Carol",
		DocumentName:  "Lease",
		Link:          "http://localhost/sign/abc",
		SignerOrder:   2,
		SignerTotal:   3,
	})
	if err != nil {
		t.Fatalf("SigningLink: %v", err)
	}
	if msg.Subject != "Action needed: Lease (signer 2 of 3)" {
		t.Fatalf("unexpected subject: %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "Signature 2 of 3 required") {
		t.Fatalf("progress line missing: %s", msg.Text)
	}
}

func TestSigningLinkDoesNotEmitRawHTML(t *testing.T) {
	r := NewRenderer()
	msg, err := r.SigningLink("eve@x.com", SigningLinkData{
		RecipientName: "<script>alert(1)</script>",
		DocumentName:  "Doc",
		Link:          "http://localhost/sign/abc",
	})
	if err != nil {
		t.Fatalf("SigningLink: %v", err)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Fatalf("raw html leaked into body: %s", msg.HTML)
	}
}

func TestCompletionAttachesPDF(t *testing.T) {
	r := NewRenderer()
	to := []string{"bob@x.com", "carol@x.com", "alice@x.com"}
	msg, err := r.Completion(to, CompletionData{
		DocumentName: "NDA.pdf",
		CompletedAt:  time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		PDF:          []byte("%PDF-1.3"),
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if len(msg.To) != 3 {
		t.Fatalf("unexpected recipients: %v", msg.To)
	}
	if msg.Attachment == nil || msg.Attachment.Name != "NDA_signed.pdf" {
		t.Fatalf("unexpected attachment: %+v", msg.Attachment)
	}
	if !strings.Contains(msg.Text, "March 01, 2026 at 10:30 UTC") {
		t.Fatalf("completion time missing: %s", msg.Text)
	}
}

func TestAttachmentName(t *testing.T) {
	cases := map[string]string{
		"":          "document_signed.pdf",
		"Offer.pdf": "Offer_signed.pdf",
		"Offer":     "Offer_signed.pdf",
	}
	for in, want := range cases {
		if got := AttachmentName(in); got != want {
			t.Fatalf("AttachmentName(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestPlainTextPartIsUnescaped(t *testing.T) {
	r := NewRenderer()
	msg, err := r.SigningLink("dan@x.com", SigningLinkData{
		RecipientName: "Dan <O'Brien>",
		DocumentName:  "Q1_budget *final*",
		SenderName:    "acme_corp",
		Link:          "http://localhost/sign/abc",
	})
	if err != nil {
		t.Fatalf("SigningLink: %v", err)
	}
	for _, want := range []string{"Hi Dan <O'Brien>,", `"Q1_budget *final*"`, "acme_corp has requested", "http://localhost/sign/abc"} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("text part missing %q:\n%s", want, msg.Text)
		}
	}
	for _, bad := range []string{"&lt;", `\_`, `\*`, "**"} {
		if strings.Contains(msg.Text, bad) {
			t.Fatalf("text part contains markdown escape %q:\n%s", bad, msg.Text)
		}
	}
	if strings.Contains(msg.HTML, "<O'Brien>") {
		t.Fatalf("html part must stay escaped")
	}

	done, err := r.Completion([]string{"dan@x.com"}, CompletionData{DocumentName: "Q1_budget"})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if !strings.Contains(done.Text, `"Q1_budget"`) || strings.Contains(done.Text, `\_`) {
		t.Fatalf("completion text escaped:\n%s", done.Text)
	}
}
