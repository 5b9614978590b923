package signing

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"docsign.org/internal/artifact"
	"docsign.org/internal/audit"
	"docsign.org/internal/delivery"
	"docsign.org/internal/ids"
	"docsign.org/internal/obs"
)

// Assembler renders page images into a single PDF.
type Assembler interface {
	Assemble(pages []PageImage) ([]byte, error)
}

// Enqueuer accepts delivery tasks without blocking.
type Enqueuer interface {
	Enqueue(task delivery.Task) error
}

// Contact is how a user is addressed in outgoing mail.
type Contact struct {
	Email string
	Name  string
}

// Directory resolves document owners to contacts.
type Directory interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

// Event types published to the EventSink and written to the audit log.
const (
	EventDocumentSent      = "document.sent"
	EventSignatureViewed   = "signature.viewed"
	EventSignatureSigned   = "signature.signed"
	EventDocumentCompleted = "document.completed"
	EventTemplateFanout    = "template.fanout"
)

// Event is a lifecycle notification addressed to a document owner.
type Event struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId"`
	OwnerID    string         `json:"-"`
	Status     DocumentStatus `json:"status"`
	Signer     string         `json:"signer,omitempty"`
	At         time.Time      `json:"at"`
}

// EventSink receives events after the write that caused them has committed.
type EventSink interface {
	Publish(evt Event)
}

const (
	defaultSender  = "docsign"
	pdfContentType = "application/pdf"
)

// Engine drives documents from draft to completed.
type Engine struct {
	store     Store
	queue     Enqueuer
	assembler Assembler
	artifacts artifact.Store
	events    EventSink
	directory Directory
	baseURL   string
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithArtifacts(s artifact.Store) EngineOption { return func(e *Engine) { e.artifacts = s } }
func WithEvents(s EventSink) EngineOption         { return func(e *Engine) { e.events = s } }
func WithDirectory(d Directory) EngineOption      { return func(e *Engine) { e.directory = d } }

// WithBaseURL sets the frontend origin used to build signing links.
func WithBaseURL(u string) EngineOption {
	return func(e *Engine) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires the engine to its store, delivery queue and PDF assembler.
func NewEngine(store Store, queue Enqueuer, assembler Assembler, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		queue:     queue,
		assembler: assembler,
		baseURL:   "http://localhost:3000",
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SigningLink is the URL a signer follows to reach the signing page.
func (e *Engine) SigningLink(token string) string {
	return e.baseURL + "/sign/" + token
}

// DocumentInput carries the owner-editable parts of a document.
type DocumentInput struct {
	Name       string      `json:"name"`
	Pages      []PageImage `json:"pages"`
	Fields     []Field     `json:"fields"`
	Recipients []Recipient `json:"recipients"`
	IsTemplate bool        `json:"isTemplate"`
}

func (in DocumentInput) apply(doc *Document) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	recipients := make([]Recipient, 0, len(in.Recipients))
	for i, r := range in.Recipients {
		addr, err := parseEmail(r.Email)
		if err != nil {
			return err
		}
		if r.ID == "" {
			r.ID = ids.NewRecipientID()
		}
		if r.Order <= 0 {
			r.Order = i + 1
		}
		if r.Color == "" {
			r.Color = DefaultRecipientColor
		}
		r.Email = addr
		r.Name = strings.TrimSpace(r.Name)
		recipients = append(recipients, r)
	}
	doc.Name = name
	doc.Pages = clonePages(in.Pages)
	doc.Fields = cloneFields(in.Fields)
	doc.Recipients = recipients
	doc.IsTemplate = in.IsTemplate
	return nil
}

// CreateDocument stores a new draft owned by ownerID.
func (e *Engine) CreateDocument(ctx context.Context, ownerID string, in DocumentInput) (Document, error) {
	if ownerID == "" {
		return Document{}, ErrUnauthorized
	}
	doc := Document{ID: ids.New(), OwnerID: ownerID, Status: DocumentDraft}
	if err := in.apply(&doc); err != nil {
		return Document{}, err
	}
	if err := e.store.Documents().Create(ctx, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// GetDocument returns a document to its owner.
func (e *Engine) GetDocument(ctx context.Context, id, requesterID string) (Document, error) {
	doc, err := e.store.Documents().Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if doc.OwnerID != requesterID {
		return Document{}, ErrForbidden
	}
	return doc, nil
}

// ListDocuments returns the requester's documents, newest first.
func (e *Engine) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	docs, err := e.store.Documents().ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// UpdateDocument replaces the editable parts of a draft.
func (e *Engine) UpdateDocument(ctx context.Context, id, requesterID string, in DocumentInput) (Document, error) {
	var out Document
	err := e.store.WithinDocument(ctx, id, func(tx Tx) error {
		doc, err := tx.Documents().Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.OwnerID != requesterID {
			return ErrForbidden
		}
		if doc.Status != DocumentDraft {
			return fmt.Errorf("%w: document is %s", ErrInvalidTransition, doc.Status)
		}
		if err := in.apply(&doc); err != nil {
			return err
		}
		if err := tx.Documents().Update(ctx, &doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

// DeleteDocument removes a document and every signature request on it.
func (e *Engine) DeleteDocument(ctx context.Context, id, requesterID string) error {
	return e.store.WithinDocument(ctx, id, func(tx Tx) error {
		doc, err := tx.Documents().Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.OwnerID != requesterID {
			return ErrForbidden
		}
		return tx.Documents().Delete(ctx, id)
	})
}

// DocumentRequests lists the signature requests of a document for its owner.
func (e *Engine) DocumentRequests(ctx context.Context, id, requesterID string) ([]SignatureRequest, error) {
	if _, err := e.GetDocument(ctx, id, requesterID); err != nil {
		return nil, err
	}
	reqs, err := e.store.Requests().ListForDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []SignatureRequest{}
	}
	return reqs, nil
}

// SendForSignature creates one request per recipient, marks the document sent
// and queues the signing links once the write has committed.
func (e *Engine) SendForSignature(ctx context.Context, documentID, requesterID string, recipients []RecipientInput) ([]SignatureRequest, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	signers, err := normalizeRecipients(recipients)
	if err != nil {
		return nil, err
	}

	var (
		doc     Document
		created []SignatureRequest
		total   int
	)
	err = e.store.WithinDocument(ctx, documentID, func(tx Tx) error {
		d, err := tx.Documents().Get(ctx, documentID)
		if err != nil {
			return err
		}
		if d.OwnerID != requesterID {
			return ErrForbidden
		}
		if d.IsTemplate {
			return fmt.Errorf("%w: templates are sent per recipient", ErrInvalidTransition)
		}
		if d.Status == DocumentCompleted {
			return fmt.Errorf("%w: document already completed", ErrInvalidTransition)
		}
		// A re-send appends after the existing requests so order stays unique.
		existing, err := tx.Requests().ListForDocument(ctx, d.ID)
		if err != nil {
			return err
		}
		base := 0
		for _, r := range existing {
			if r.Order > base {
				base = r.Order
			}
		}
		created = created[:0]
		total = base + len(signers)
		for i, s := range signers {
			req, err := tx.Requests().Create(ctx, d.ID, s.Email, s.Name, base+i+1)
			if err != nil {
				return err
			}
			created = append(created, req)
		}
		now := e.now()
		d.Status = DocumentSent
		d.SentAt = &now
		if err := tx.Documents().Update(ctx, &d); err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = audit.LogEvent(ctx, EventDocumentSent, map[string]any{
		"document_id": doc.ID,
		"recipients":  len(created),
	})
	sender := e.contact(ctx, doc.OwnerID).Name
	for _, req := range created {
		task := delivery.SigningLink(doc.ID, doc.Name, sender, req.SignerEmail, req.SignerName,
			e.SigningLink(req.AccessToken), req.Order, total)
		e.enqueue(task)
	}
	e.publish(Event{Type: EventDocumentSent, DocumentID: doc.ID, OwnerID: doc.OwnerID, Status: doc.Status})
	return created, nil
}

// ViewByToken resolves a signer's token into their view of the document and
// latches the request from pending to viewed.
func (e *Engine) ViewByToken(ctx context.Context, token string) (SignerView, error) {
	req, err := e.findByToken(ctx, e.store, token)
	if err != nil {
		return SignerView{}, err
	}

	var (
		view    SignerView
		latched bool
	)
	err = e.store.WithinDocument(ctx, req.DocumentID, func(tx Tx) error {
		latched = false
		cur, err := e.findByToken(ctx, tx, token)
		if err != nil {
			return err
		}
		doc, err := tx.Documents().Get(ctx, cur.DocumentID)
		if err != nil {
			return err
		}
		if cur.Status == RequestPending {
			if err := tx.Requests().UpdateStatus(ctx, token, RequestViewed, nil); err != nil {
				return err
			}
			cur.Status = RequestViewed
			latched = true
		}
		view = buildView(doc, cur)
		return nil
	})
	if err != nil {
		return SignerView{}, err
	}
	if latched {
		_ = audit.LogEvent(audit.WithActor(ctx, view.Request.SignerEmail), EventSignatureViewed, map[string]any{
			"document_id": view.Document.ID,
			"request_id":  view.Request.ID,
		})
		e.publish(Event{
			Type:       EventSignatureViewed,
			DocumentID: view.Document.ID,
			OwnerID:    view.Document.OwnerID,
			Status:     view.Document.Status,
			Signer:     view.Request.SignerEmail,
		})
	}
	return view, nil
}

func buildView(doc Document, req SignatureRequest) SignerView {
	view := SignerView{Document: doc, Request: req, FilteredFields: []Field{}}
	for _, r := range doc.Recipients {
		if !strings.EqualFold(r.Email, req.SignerEmail) {
			continue
		}
		view.CurrentSigner = &CurrentSigner{Email: req.SignerEmail, Name: req.SignerName, RecipientID: r.ID}
		for _, f := range doc.Fields {
			if f.RecipientID == r.ID {
				view.FilteredFields = append(view.FilteredFields, f)
			}
		}
		break
	}
	view.FilteredFields = cloneFields(view.FilteredFields)
	return view
}

type completion struct {
	doc  Document
	reqs []SignatureRequest
	pdf  []byte
}

// SubmitSignature records a signer's field values, marks their request signed
// and completes the document when every request is signed.
func (e *Engine) SubmitSignature(ctx context.Context, token string, fields []Field, pages []PageImage) (SubmitResult, error) {
	req, err := e.findByToken(ctx, e.store, token)
	if err != nil {
		return SubmitResult{}, err
	}

	var (
		result      SubmitResult
		done        *completion
		newlySigned bool
		documentID  = req.DocumentID
		signer      = req.SignerEmail
		ownerID     string
	)
	err = e.store.WithinDocument(ctx, documentID, func(tx Tx) error {
		result, done, newlySigned = SubmitResult{}, nil, false
		cur, err := e.findByToken(ctx, tx, token)
		if err != nil {
			return err
		}
		doc, err := tx.Documents().Get(ctx, cur.DocumentID)
		if err != nil {
			return err
		}
		ownerID = doc.OwnerID
		if doc.Status == DocumentCompleted {
			result.AllSigned = true
			return nil
		}
		if doc.Status != DocumentSent {
			return fmt.Errorf("%w: document is %s", ErrInvalidTransition, doc.Status)
		}

		applyFieldValues(&doc, fields)
		if len(pages) > 0 {
			doc.Pages = clonePages(pages)
		}

		now := e.now()
		if cur.Status != RequestSigned {
			if err := tx.Requests().UpdateStatus(ctx, token, RequestSigned, &now); err != nil {
				return err
			}
			newlySigned = true
		}

		reqs, err := tx.Requests().ListForDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		result.AllSigned = allSigned(reqs)
		if result.AllSigned {
			pdf, err := e.assembler.Assemble(doc.Pages)
			if err != nil {
				return err
			}
			key := artifact.DocumentKey(doc.ID, pdf)
			if e.artifacts != nil {
				if err := e.artifacts.Put(ctx, key, pdf, pdfContentType); err != nil {
					return fmt.Errorf("%w: store signed pdf: %v", ErrStorage, err)
				}
				doc.ArtifactKey = key
			}
			doc.Status = DocumentCompleted
			doc.CompletedAt = &now
			done = &completion{doc: doc, reqs: reqs, pdf: pdf}
		}
		return tx.Documents().Update(ctx, &doc)
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if newlySigned {
		_ = audit.LogEvent(audit.WithActor(ctx, signer), EventSignatureSigned, map[string]any{
			"document_id": documentID,
			"request_id":  req.ID,
		})
		status := DocumentSent
		if done != nil {
			status = DocumentCompleted
		}
		e.publish(Event{Type: EventSignatureSigned, DocumentID: documentID, OwnerID: ownerID, Status: status, Signer: signer})
	}
	if done != nil {
		e.complete(ctx, done)
	}
	return result, nil
}

func (e *Engine) complete(ctx context.Context, c *completion) {
	obs.DocumentsCompleted.Inc()
	_ = audit.LogEvent(ctx, EventDocumentCompleted, map[string]any{
		"document_id":  c.doc.ID,
		"signers":      len(c.reqs),
		"artifact_key": c.doc.ArtifactKey,
	})
	owner := e.contact(ctx, c.doc.OwnerID)
	to := completionRecipients(c.reqs, owner.Email)
	task := delivery.Completion(c.doc.ID, c.doc.Name, owner.Name, to, c.pdf, *c.doc.CompletedAt)
	e.enqueue(task)
	e.publish(Event{Type: EventDocumentCompleted, DocumentID: c.doc.ID, OwnerID: c.doc.OwnerID, Status: DocumentCompleted})
}

// SignedPDF returns the completed document's PDF to its owner.
func (e *Engine) SignedPDF(ctx context.Context, id, requesterID string) (Document, []byte, error) {
	doc, err := e.GetDocument(ctx, id, requesterID)
	if err != nil {
		return Document{}, nil, err
	}
	if doc.Status != DocumentCompleted {
		return Document{}, nil, fmt.Errorf("%w: document is not completed", ErrNotFound)
	}
	if e.artifacts != nil && doc.ArtifactKey != "" {
		data, err := e.artifacts.Get(ctx, doc.ArtifactKey)
		if err == nil {
			return doc, data, nil
		}
		if !errors.Is(err, artifact.ErrNotFound) {
			return Document{}, nil, fmt.Errorf("%w: load signed pdf: %v", ErrStorage, err)
		}
		obs.Warn("artifact.missing", map[string]any{"document_id": doc.ID, "key": doc.ArtifactKey})
	}
	data, err := e.assembler.Assemble(doc.Pages)
	if err != nil {
		return Document{}, nil, err
	}
	return doc, data, nil
}

// RenderPDF assembles arbitrary pages without touching any document.
func (e *Engine) RenderPDF(pages []PageImage) ([]byte, error) {
	return e.assembler.Assemble(pages)
}

func (e *Engine) findByToken(ctx context.Context, tx Tx, token string) (SignatureRequest, error) {
	if strings.TrimSpace(token) == "" {
		return SignatureRequest{}, ErrUnauthorized
	}
	req, err := tx.Requests().FindByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return SignatureRequest{}, ErrUnauthorized
	}
	return req, err
}

func (e *Engine) contact(ctx context.Context, userID string) Contact {
	if e.directory == nil || userID == "" {
		return Contact{Name: defaultSender}
	}
	c, err := e.directory.Contact(ctx, userID)
	if err != nil {
		obs.Warn("owner.lookup_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return Contact{Name: defaultSender}
	}
	if c.Name == "" {
		c.Name = defaultSender
	}
	return c
}

// enqueue never fails the caller: state is already committed.
func (e *Engine) enqueue(task delivery.Task) {
	if e.queue == nil {
		return
	}
	if err := e.queue.Enqueue(task); err != nil {
		obs.Error("delivery.enqueue_failed", map[string]any{
			"kind":        string(task.Kind),
			"document_id": task.DocumentID,
			"error":       err.Error(),
		})
	}
}

func (e *Engine) publish(evt Event) {
	if e.events == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = e.now()
	}
	e.events.Publish(evt)
}

func applyFieldValues(doc *Document, submitted []Field) {
	if len(submitted) == 0 {
		return
	}
	values := make(map[string]*string, len(submitted))
	for _, f := range submitted {
		if f.ID != "" && f.Value != nil {
			values[f.ID] = f.Value
		}
	}
	for i := range doc.Fields {
		if v, ok := values[doc.Fields[i].ID]; ok {
			val := *v
			doc.Fields[i].Value = &val
		}
	}
}

// allSigned is false for an empty set: a document with no requests never completes.
func allSigned(reqs []SignatureRequest) bool {
	if len(reqs) == 0 {
		return false
	}
	for _, r := range reqs {
		if r.Status != RequestSigned {
			return false
		}
	}
	return true
}

// completionRecipients lists signers in request order followed by the owner,
// without duplicates.
func completionRecipients(reqs []SignatureRequest, ownerEmail string) []string {
	seen := make(map[string]bool, len(reqs)+1)
	out := make([]string, 0, len(reqs)+1)
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}
	for _, r := range reqs {
		add(r.SignerEmail)
	}
	add(ownerEmail)
	return out
}

func normalizeRecipients(in []RecipientInput) ([]RecipientInput, error) {
	out := make([]RecipientInput, 0, len(in))
	for _, r := range in {
		addr, err := parseEmail(r.Email)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = addr
		}
		out = append(out, RecipientInput{Email: addr, Name: name})
	}
	return out, nil
}

func parseEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidRecipient)
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, raw, err)
	}
	return addr.Address, nil
}
