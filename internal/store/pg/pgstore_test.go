package pg

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"docsign.org/internal/signing"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var docCols = []string{"id", "owner_id", "name", "pages", "fields", "recipients", "status", "is_template",
	"template_id", "artifact_key", "created_at", "updated_at", "sent_at", "completed_at"}

var reqCols = []string{"id", "document_id", "signer_email", "signer_name", "access_token", "order_index",
	"status", "created_at", "signed_at"}

func TestGetDocumentDecodesJSONColumns(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("from documents where id=$1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(docCols).AddRow(
			"d1", "owner", "Lease", []byte(`[{"pageNumber":1,"imageUrl":"p1","width":10,"height":20}]`),
			[]byte(`[{"id":"f1","type":"signature","pageNumber":1,"recipientId":"r1","required":true}]`),
			[]byte(`[{"id":"r1","name":"A","email":"a@example.com","order":1}]`),
			"sent", false, nil, "", now, now, now, nil,
		))

	doc, err := store.Documents().Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Status != signing.DocumentSent || doc.SentAt == nil || doc.CompletedAt != nil {
		t.Fatalf("unexpected lifecycle fields %+v", doc)
	}
	if len(doc.Pages) != 1 || doc.Pages[0].ImageURL != "p1" {
		t.Fatalf("pages not decoded: %+v", doc.Pages)
	}
	if len(doc.Fields) != 1 || doc.Fields[0].RecipientID != "r1" {
		t.Fatalf("fields not decoded: %+v", doc.Fields)
	}
	if len(doc.Recipients) != 1 || doc.Recipients[0].Email != "a@example.com" {
		t.Fatalf("recipients not decoded: %+v", doc.Recipients)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from documents where id").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	if _, err := store.Documents().Get(context.Background(), "missing"); !errors.Is(err, signing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from documents where id=$1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Documents().Delete(context.Background(), "missing"); !errors.Is(err, signing.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusRejectsRegression(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select status from signature_requests where access_token=$1 for update")).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("signed"))
	mock.ExpectRollback()

	err := store.Requests().UpdateStatus(context.Background(), "tok", signing.RequestViewed, nil)
	if !errors.Is(err, signing.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusSigns(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("select status from signature_requests").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("viewed"))
	mock.ExpectExec("update signature_requests set status").
		WithArgs("tok", "signed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Requests().UpdateStatus(context.Background(), "tok", signing.RequestSigned, &at); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateRequestRetriesTokenConflict(t *testing.T) {
	store, mock := newMock(t)
	tokens := []string{"taken", "fresh"}
	store.newToken = func() (string, error) {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok, nil
	}
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from documents where id=$1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("insert into signature_requests").
		WithArgs(sqlmock.AnyArg(), "d1", "a@example.com", "A", "taken", 1, "pending").
		WillReturnRows(sqlmock.NewRows(reqCols))
	mock.ExpectQuery("insert into signature_requests").
		WithArgs(sqlmock.AnyArg(), "d1", "a@example.com", "A", "fresh", 1, "pending").
		WillReturnRows(sqlmock.NewRows(reqCols).AddRow("r1", "d1", "a@example.com", "A", "fresh", 1, "pending", now, nil))
	mock.ExpectCommit()

	req, err := store.Requests().Create(context.Background(), "d1", "a@example.com", "A", 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.AccessToken != "fresh" || req.Status != signing.RequestPending || req.SignedAt != nil {
		t.Fatalf("unexpected request %+v", req)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinDocumentLocksAndCommits(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("d1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from signature_requests").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(reqCols).
			AddRow("r1", "d1", "a@example.com", "A", "t1", 1, "signed", now, now).
			AddRow("r2", "d1", "b@example.com", "B", "t2", 2, "pending", now, nil))
	mock.ExpectCommit()

	var got []signing.SignatureRequest
	err := store.WithinDocument(context.Background(), "d1", func(tx signing.Tx) error {
		var err error
		got, err = tx.Requests().ListForDocument(context.Background(), "d1")
		return err
	})
	if err != nil {
		t.Fatalf("WithinDocument: %v", err)
	}
	if len(got) != 2 || got[0].Order != 1 || got[1].Status != signing.RequestPending {
		t.Fatalf("unexpected requests %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinDocumentRollsBackOnError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("d1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinDocument(context.Background(), "d1", func(signing.Tx) error {
		return signing.ErrRender
	})
	if !errors.Is(err, signing.ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from documents").WithArgs("o1").WillReturnError(errors.New("connection reset"))
	if _, err := store.Documents().ListByOwner(context.Background(), "o1"); !errors.Is(err, signing.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}
