package signing

import (
	"errors"
	"time"
)

// DocumentStatus is the lifecycle state of a document. It only moves forward.
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentSent      DocumentStatus = "sent"
	DocumentCompleted DocumentStatus = "completed"
)

// RequestStatus is the lifecycle state of a single signer's request.
type RequestStatus string

const (
	RequestPending RequestStatus = "pending"
	RequestViewed  RequestStatus = "viewed"
	RequestSigned  RequestStatus = "signed"
)

func (s RequestStatus) rank() int {
	switch s {
	case RequestPending:
		return 0
	case RequestViewed:
		return 1
	case RequestSigned:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool { return s.rank() >= 0 }

// CheckTransition validates a status change. Equal states are accepted as no-ops.
func CheckTransition(from, to RequestStatus) error {
	if !to.Valid() || !from.Valid() {
		return ErrInvalidTransition
	}
	if to.rank() < from.rank() {
		return ErrInvalidTransition
	}
	return nil
}

// PageImage is a rasterised page. ImageURL holds a data URL or a storage reference.
type PageImage struct {
	PageNumber int    `json:"pageNumber"`
	ImageURL   string `json:"imageUrl"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Field is a placeable input on a page.
type Field struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	PageNumber  int     `json:"pageNumber"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	RecipientID string  `json:"recipientId,omitempty"`
	Role        string  `json:"role,omitempty"`
	Value       *string `json:"value,omitempty"`
	Required    bool    `json:"required"`
}

// Recipient is a signer entry on a document.
type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color,omitempty"`
	Order int    `json:"order"`
}

// Document is an owner's signable document or reusable template.
type Document struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId"`
	Name        string         `json:"name"`
	Pages       []PageImage    `json:"pages"`
	Fields      []Field        `json:"fields"`
	Recipients  []Recipient    `json:"recipients"`
	Status      DocumentStatus `json:"status"`
	IsTemplate  bool           `json:"isTemplate"`
	TemplateID  string         `json:"templateId,omitempty"`
	ArtifactKey string         `json:"artifactKey,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	SentAt      *time.Time     `json:"sentAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a deep copy that shares no slices or pointers with d.
func (d Document) Clone() Document {
	out := d
	out.Pages = clonePages(d.Pages)
	out.Fields = cloneFields(d.Fields)
	if d.Recipients != nil {
		out.Recipients = make([]Recipient, len(d.Recipients))
		copy(out.Recipients, d.Recipients)
	}
	out.SentAt = cloneTime(d.SentAt)
	out.CompletedAt = cloneTime(d.CompletedAt)
	return out
}

// SignatureRequest binds one signer to one document through an access token.
type SignatureRequest struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"documentId"`
	SignerEmail string        `json:"signerEmail"`
	SignerName  string        `json:"signerName"`
	AccessToken string        `json:"accessToken"`
	Order       int           `json:"order"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	SignedAt    *time.Time    `json:"signedAt,omitempty"`
}

// RecipientInput is a signer as supplied by the document owner.
type RecipientInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CurrentSigner identifies the signer a view was produced for.
type CurrentSigner struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	RecipientID string `json:"recipientId"`
}

// SignerView is the per-signer projection of a document.
type SignerView struct {
	Document       Document         `json:"document"`
	Request        SignatureRequest `json:"request"`
	FilteredFields []Field          `json:"filteredFields"`
	CurrentSigner  *CurrentSigner   `json:"currentSigner,omitempty"`
}

// SubmitResult reports whether a submission completed the document.
type SubmitResult struct {
	AllSigned bool `json:"allSigned"`
}

// FanoutResult is the outcome of sending a template to one recipient.
type FanoutResult struct {
	Email      string `json:"email"`
	Status     string `json:"status"`
	DocumentID string `json:"documentId,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	FanoutSent   = "sent"
	FanoutFailed = "failed"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("storage error")
	ErrRender            = errors.New("render error")
	ErrNoRecipients      = errors.New("at least one recipient is required")
	ErrNotTemplate       = errors.New("document is not a template")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrInvalidInput      = errors.New("invalid input")
)

// DefaultRecipientColor tags recipients that were not given a color.
const DefaultRecipientColor = "#3b82f6"

func clonePages(in []PageImage) []PageImage {
	if in == nil {
		return nil
	}
	out := make([]PageImage, len(in))
	copy(out, in)
	return out
}

func cloneFields(in []Field) []Field {
	if in == nil {
		return nil
	}
	out := make([]Field, len(in))
	for i, f := range in {
		out[i] = f
		if f.Value != nil {
			v := *f.Value
			out[i].Value = &v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
