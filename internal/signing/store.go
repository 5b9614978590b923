package signing

import (
	"context"
	"time"
)

// RequestStore persists signature requests. Signers only ever reach a request
// through FindByToken.
type RequestStore interface {
	Create(ctx context.Context, documentID, signerEmail, signerName string, order int) (SignatureRequest, error)
	FindByToken(ctx context.Context, token string) (SignatureRequest, error)
	UpdateStatus(ctx context.Context, token string, status RequestStatus, signedAt *time.Time) error
	ListForDocument(ctx context.Context, documentID string) ([]SignatureRequest, error)
}

// DocumentStore persists documents and templates.
type DocumentStore interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (Document, error)
	Update(ctx context.Context, doc *Document) error
	// Delete removes the document together with its signature requests.
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]Document, error)
}

// Tx is the view of the store available inside a document boundary.
type Tx interface {
	Documents() DocumentStore
	Requests() RequestStore
}

// Store is the persistence contract consumed by Engine.
type Store interface {
	Tx
	// WithinDocument runs fn serialized against every other WithinDocument call
	// for the same document id. Writes made through tx commit only if fn returns nil.
	WithinDocument(ctx context.Context, documentID string, fn func(tx Tx) error) error
}
