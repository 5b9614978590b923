package signing

import (
	"context"
	"fmt"

	"docsign.org/internal/audit"
	"docsign.org/internal/delivery"
	"docsign.org/internal/ids"
)

// SendTemplate instantiates one single-signer document per recipient from a
// template. A failure for one recipient does not affect the others.
func (e *Engine) SendTemplate(ctx context.Context, templateID, requesterID string, recipients []RecipientInput) ([]FanoutResult, error) {
	tpl, err := e.store.Documents().Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.OwnerID != requesterID {
		return nil, ErrForbidden
	}
	if !tpl.IsTemplate {
		return nil, ErrNotTemplate
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	sender := e.contact(ctx, tpl.OwnerID).Name
	results := make([]FanoutResult, 0, len(recipients))
	sent := 0
	for _, in := range recipients {
		res := e.instantiate(ctx, tpl, in, sender)
		if res.Status == FanoutSent {
			sent++
		}
		results = append(results, res)
	}
	_ = audit.LogEvent(ctx, EventTemplateFanout, map[string]any{
		"template_id": tpl.ID,
		"requested":   len(recipients),
		"sent":        sent,
	})
	return results, nil
}

func (e *Engine) instantiate(ctx context.Context, tpl Document, in RecipientInput, sender string) FanoutResult {
	res := FanoutResult{Email: in.Email, Status: FanoutFailed}
	signers, err := normalizeRecipients([]RecipientInput{in})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	signer := signers[0]

	recipientID := ids.NewRecipientID()
	fields := cloneFields(tpl.Fields)
	for i := range fields {
		fields[i].RecipientID = recipientID
		fields[i].Role = ""
	}
	now := e.now()
	doc := Document{
		ID:      ids.New(),
		OwnerID: tpl.OwnerID,
		Name:    fmt.Sprintf("%s - %s", tpl.Name, signer.Name),
		Pages:   clonePages(tpl.Pages),
		Fields:  fields,
		Recipients: []Recipient{{
			ID:    recipientID,
			Name:  signer.Name,
			Email: signer.Email,
			Color: DefaultRecipientColor,
			Order: 1,
		}},
		Status:     DocumentSent,
		TemplateID: tpl.ID,
		SentAt:     &now,
	}

	var req SignatureRequest
	err = e.store.WithinDocument(ctx, doc.ID, func(tx Tx) error {
		d := doc.Clone()
		if err := tx.Documents().Create(ctx, &d); err != nil {
			return err
		}
		r, err := tx.Requests().Create(ctx, d.ID, signer.Email, signer.Name, 1)
		if err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	e.enqueue(delivery.SigningLink(doc.ID, doc.Name, sender, req.SignerEmail, req.SignerName,
		e.SigningLink(req.AccessToken), 1, 1))
	e.publish(Event{Type: EventDocumentSent, DocumentID: doc.ID, OwnerID: doc.OwnerID, Status: DocumentSent})

	res.Email = signer.Email
	res.Status = FanoutSent
	res.DocumentID = doc.ID
	return res
}
