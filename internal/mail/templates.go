package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const brandColor = "#1E90FF"

// SigningLinkData feeds the signing invitation email.
type SigningLinkData struct {
	RecipientName string
	DocumentName  string
	SenderName    string
	Link          string
	// SignerOrder and SignerTotal are set when the document has several signers.
	SignerOrder int
	SignerTotal int
}

// CompletionData feeds the completion email.
type CompletionData struct {
	DocumentName string
	CompletedAt  time.Time
	PDF          []byte
}

// Renderer turns email data into Messages. Bodies are written in Markdown and
// converted to HTML, so user supplied names never reach the output as raw HTML.
type Renderer struct {
	md      goldmark.Markdown
	layout  *htmltemplate.Template
	signing *template.Template
	multi   *template.Template
	done    *template.Template

	// Plain-text alternatives, executed with unescaped data.
	signingText *template.Template
	multiText   *template.Template
	doneText    *template.Template
}

// NewRenderer parses the built-in templates.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		layout:  htmltemplate.Must(htmltemplate.New("layout").Parse(layoutHTML)),
		signing: template.Must(template.New("signing").Parse(signingMD)),
		multi:   template.Must(template.New("multi").Parse(multiSignMD)),
		done:    template.Must(template.New("done").Parse(completionMD)),

		signingText: template.Must(template.New("signing.txt").Parse(signingText)),
		multiText:   template.Must(template.New("multi.txt").Parse(multiSignText)),
		doneText:    template.Must(template.New("done.txt").Parse(completionText)),
	}
}

// SigningLink renders the invitation sent to one signer.
func (r *Renderer) SigningLink(to string, d SigningLinkData) (Message, error) {
	if d.SenderName == "" {
		d.SenderName = "Document Signer"
	}
	plain := d
	plain.RecipientName = strings.TrimSpace(d.RecipientName)
	plain.DocumentName = strings.TrimSpace(d.DocumentName)
	plain.SenderName = strings.TrimSpace(d.SenderName)
	docName := d.DocumentName
	d.RecipientName = escapeMarkdown(d.RecipientName)
	d.DocumentName = escapeMarkdown(d.DocumentName)
	d.SenderName = escapeMarkdown(d.SenderName)

	tpl, textTpl := r.signing, r.signingText
	subject := "Please sign: " + docName
	if d.SignerTotal > 1 && d.SignerOrder > 0 {
		tpl, textTpl = r.multi, r.multiText
		subject = fmt.Sprintf("Action needed: %s (signer %d of %d)", docName, d.SignerOrder, d.SignerTotal)
	}
	body, err := r.render(tpl, d)
	if err != nil {
		return Message{}, err
	}
	text, err := execute(textTpl, plain)
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: subject, HTML: body, Text: text}, nil
}

// Completion renders the email carrying the signed PDF to every participant.
func (r *Renderer) Completion(to []string, d CompletionData) (Message, error) {
	docName := d.DocumentName
	if d.CompletedAt.IsZero() {
		d.CompletedAt = time.Now().UTC()
	}
	type completionView struct {
		DocumentName string
		CompletedAt  string
	}
	completedAt := d.CompletedAt.UTC().Format("January 02, 2006 at 15:04") + " UTC"
	body, err := r.render(r.done, completionView{DocumentName: escapeMarkdown(docName), CompletedAt: completedAt})
	if err != nil {
		return Message{}, err
	}
	text, err := execute(r.doneText, completionView{DocumentName: strings.TrimSpace(docName), CompletedAt: completedAt})
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		To:      append([]string(nil), to...),
		Subject: "Completed: " + docName,
		HTML:    body,
		Text:    text,
	}
	if len(d.PDF) > 0 {
		msg.Attachment = &Attachment{
			Name:        AttachmentName(docName),
			ContentType: "application/pdf",
			Data:        d.PDF,
		}
	}
	return msg, nil
}

// AttachmentName derives the signed PDF file name from a document name.
func AttachmentName(docName string) string {
	base := strings.TrimSpace(strings.TrimSuffix(docName, ".pdf"))
	if base == "" {
		base = "document"
	}
	return base + "_signed.pdf"
}

// render executes a markdown template and wraps the converted HTML in the layout.
func (r *Renderer) render(tpl *template.Template, data any) (string, error) {
	src, err := execute(tpl, data)
	if err != nil {
		return "", err
	}
	var content bytes.Buffer
	if err := r.md.Convert([]byte(src), &content); err != nil {
		return "", fmt.Errorf("mail: markdown: %w", err)
	}
	var out bytes.Buffer
	err = r.layout.Execute(&out, struct {
		Brand   string
		Content htmltemplate.HTML
	}{Brand: brandColor, Content: htmltemplate.HTML(content.String())})
	if err != nil {
		return "", fmt.Errorf("mail: layout: %w", err)
	}
	return out.String(), nil
}

func execute(tpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("mail: execute %s: %w", tpl.Name(), err)
	}
	return buf.String(), nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", "&lt;", ">", "&gt;", "#", `\#`, "!", `\!`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(strings.TrimSpace(s))
}

const signingMD = `## You're invited to sign a document

Hi **{{.RecipientName}}**,

{{.SenderName}} has requested your signature on **{{.DocumentName}}**.

[Sign document now]({{.Link}})

Or copy this link: <{{.Link}}>

_This link expires in 30 days. Please complete your signature within this timeframe._
`

const multiSignMD = `## Your signature is needed

Hi **{{.RecipientName}}**,

{{.SenderName}} has requested your signature on **{{.DocumentName}}**.
Signature {{.SignerOrder}} of {{.SignerTotal}} required.

[Sign now]({{.Link}})

Or open this link: <{{.Link}}>

_Complete your signature within 30 days._
`

const completionMD = `## All signatures complete

The document **{{.DocumentName}}** has been signed by all parties.

- Document: {{.DocumentName}}
- Status: SIGNED
- Completed: {{.CompletedAt}}

The fully executed PDF is attached to this email. Please keep it for your records.
`

const signingText = `You're invited to sign a document

Hi {{.RecipientName}},

{{.SenderName}} has requested your signature on "{{.DocumentName}}".

Sign the document here:
{{.Link}}

This link expires in 30 days. Please complete your signature within this timeframe.
`

const multiSignText = `Your signature is needed

Hi {{.RecipientName}},

{{.SenderName}} has requested your signature on "{{.DocumentName}}".
Signature {{.SignerOrder}} of {{.SignerTotal}} required.

Sign here:
{{.Link}}

Complete your signature within 30 days.
`

const completionText = `All signatures complete

The document "{{.DocumentName}}" has been signed by all parties.

Document: {{.DocumentName}}
Status: SIGNED
Completed: {{.CompletedAt}}

The fully executed PDF is attached to this email. Please keep it for your records.
`

const layoutHTML = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><meta name="viewport" content="width=device-width, initial-scale=1.0"></head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Helvetica,Arial,sans-serif;color:#333333;">
<table width="100%" cellpadding="0" cellspacing="0" style="background-color:{{.Brand}};padding:32px 0;">
<tr><td align="center"><h1 style="margin:0;color:#ffffff;font-size:24px;">Document Signer</h1></td></tr>
</table>
<table width="100%" cellpadding="0" cellspacing="0" style="max-width:600px;margin:32px auto;padding:0 20px;">
<tr><td style="padding:32px;border:1px solid #E5E5E5;">{{.Content}}</td></tr>
</table>
<table width="100%" cellpadding="0" cellspacing="0" style="background-color:#F7F7F7;padding:24px;border-top:1px solid #E5E5E5;">
<tr><td style="color:#666666;font-size:12px;">This email was sent by Document Signer. Please do not reply to this email.</td></tr>
</table>
</body>
</html>
`
