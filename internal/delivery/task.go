package delivery

import (
	"time"
)

// Kind identifies what a task delivers.
type Kind string

const (
	KindSigningLink Kind = "signing_link"
	KindCompletion  Kind = "completion"
)

// DefaultMaxAttempts bounds how many times a task is dispatched.
const DefaultMaxAttempts = 3

// Task is one queued email dispatch.
type Task struct {
	ID   string
	Kind Kind

	To            []string
	RecipientName string
	DocumentID    string
	DocumentName  string
	Sender        string
	Link          string
	SignerOrder   int
	SignerTotal   int
	PDF           []byte
	CompletedAt   time.Time

	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	LastError   string
}

// SigningLink builds the invitation task for a single signer.
func SigningLink(documentID, documentName, sender, email, name, link string, order, total int) Task {
	return Task{
		Kind:          KindSigningLink,
		To:            []string{email},
		RecipientName: name,
		DocumentID:    documentID,
		DocumentName:  documentName,
		Sender:        sender,
		Link:          link,
		SignerOrder:   order,
		SignerTotal:   total,
	}
}

// Completion builds the single task that sends the signed PDF to every participant.
func Completion(documentID, documentName, sender string, to []string, pdf []byte, completedAt time.Time) Task {
	return Task{
		Kind:         KindCompletion,
		To:           append([]string(nil), to...),
		DocumentID:   documentID,
		DocumentName: documentName,
		Sender:       sender,
		PDF:          pdf,
		CompletedAt:  completedAt,
	}
}
