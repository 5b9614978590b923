package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"docsign.org/internal/ids"
	"docsign.org/internal/signing"
)

// maxTokenAttempts bounds regeneration on the (astronomically unlikely) token collision.
const maxTokenAttempts = 5

type Store struct {
	db       *sql.DB
	newToken func() (string, error)
}

var _ signing.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, newToken: ids.NewAccessToken}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Documents() signing.DocumentStore { return documents{q: s.db} }
func (s *Store) Requests() signing.RequestStore   { return requests{s: s} }

// WithinDocument runs fn in one transaction holding a transaction-scoped
// advisory lock on the document id. The lock also covers ids that do not
// exist yet, which a row lock cannot.
func (s *Store) WithinDocument(ctx context.Context, documentID string, fn func(tx signing.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, documentID); err != nil {
		return storageErr("lock document", err)
	}
	if err := fn(txView{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txView struct {
	s  *Store
	tx *sql.Tx
}

func (v txView) Documents() signing.DocumentStore { return documents{q: v.tx} }
func (v txView) Requests() signing.RequestStore   { return requests{s: v.s, tx: v.tx} }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", signing.ErrStorage, op, err)
}

// Documents ----------------------------------------------------------------

const documentColumns = `id, owner_id, name, pages, fields, recipients, status, is_template,
	template_id, artifact_key, created_at, updated_at, sent_at, completed_at`

type documents struct {
	q querier
}

func (d documents) Create(ctx context.Context, doc *signing.Document) error {
	if doc.ID == "" {
		doc.ID = ids.New()
	}
	if doc.Status == "" {
		doc.Status = signing.DocumentDraft
	}
	pages, fields, recipients, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	err = d.q.QueryRowContext(ctx, `
		insert into documents(id, owner_id, name, pages, fields, recipients, status, is_template,
			template_id, artifact_key, sent_at, completed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		returning created_at, updated_at
	`, doc.ID, doc.OwnerID, doc.Name, pages, fields, recipients, string(doc.Status), doc.IsTemplate,
		nullString(doc.TemplateID), doc.ArtifactKey, nullTime(doc.SentAt), nullTime(doc.CompletedAt),
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return storageErr("insert document", err)
	}
	return nil
}

func (d documents) Get(ctx context.Context, id string) (signing.Document, error) {
	row := d.q.QueryRowContext(ctx, `select `+documentColumns+` from documents where id=$1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signing.Document{}, signing.ErrNotFound
	}
	if err != nil {
		return signing.Document{}, storageErr("get document", err)
	}
	return doc, nil
}

func (d documents) Update(ctx context.Context, doc *signing.Document) error {
	pages, fields, recipients, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	err = d.q.QueryRowContext(ctx, `
		update documents
		set name=$2, pages=$3, fields=$4, recipients=$5, status=$6, is_template=$7,
			template_id=$8, artifact_key=$9, sent_at=$10, completed_at=$11, updated_at=now()
		where id=$1
		returning updated_at
	`, doc.ID, doc.Name, pages, fields, recipients, string(doc.Status), doc.IsTemplate,
		nullString(doc.TemplateID), doc.ArtifactKey, nullTime(doc.SentAt), nullTime(doc.CompletedAt),
	).Scan(&doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return signing.ErrNotFound
	}
	if err != nil {
		return storageErr("update document", err)
	}
	return nil
}

// Delete relies on the foreign key cascade to remove signature requests.
func (d documents) Delete(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `delete from documents where id=$1`, id)
	if err != nil {
		return storageErr("delete document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete document", err)
	}
	if n == 0 {
		return signing.ErrNotFound
	}
	return nil
}

func (d documents) ListByOwner(ctx context.Context, ownerID string) ([]signing.Document, error) {
	rows, err := d.q.QueryContext(ctx, `
		select `+documentColumns+` from documents
		where owner_id=$1
		order by created_at desc, id desc
	`, ownerID)
	if err != nil {
		return nil, storageErr("list documents", err)
	}
	defer rows.Close()

	var out []signing.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, storageErr("scan document", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list documents", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (signing.Document, error) {
	var (
		doc                       signing.Document
		status                    string
		pages, fields, recipients []byte
		templateID                sql.NullString
		sentAt, completedAt       sql.NullTime
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Name, &pages, &fields, &recipients, &status,
		&doc.IsTemplate, &templateID, &doc.ArtifactKey, &doc.CreatedAt, &doc.UpdatedAt,
		&sentAt, &completedAt); err != nil {
		return signing.Document{}, err
	}
	doc.Status = signing.DocumentStatus(status)
	if err := decodeJSON(pages, &doc.Pages); err != nil {
		return signing.Document{}, err
	}
	if err := decodeJSON(fields, &doc.Fields); err != nil {
		return signing.Document{}, err
	}
	if err := decodeJSON(recipients, &doc.Recipients); err != nil {
		return signing.Document{}, err
	}
	if templateID.Valid {
		doc.TemplateID = templateID.String
	}
	doc.SentAt = timePtr(sentAt)
	doc.CompletedAt = timePtr(completedAt)
	return doc, nil
}

func encodeDocument(doc *signing.Document) (pages, fields, recipients []byte, err error) {
	if pages, err = encodeJSON(doc.Pages); err != nil {
		return nil, nil, nil, err
	}
	if fields, err = encodeJSON(doc.Fields); err != nil {
		return nil, nil, nil, err
	}
	if recipients, err = encodeJSON(doc.Recipients); err != nil {
		return nil, nil, nil, err
	}
	return pages, fields, recipients, nil
}

func encodeJSON[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, storageErr("encode json", err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// Requests -----------------------------------------------------------------

const requestColumns = `id, document_id, signer_email, signer_name, access_token, order_index,
	status, created_at, signed_at`

type requests struct {
	s  *Store
	tx *sql.Tx
}

func (r requests) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.s.db
}

// inTx runs fn in the surrounding boundary or, outside one, in its own transaction.
func (r requests) inTx(ctx context.Context, fn func(q querier) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (r requests) Create(ctx context.Context, documentID, signerEmail, signerName string, order int) (signing.SignatureRequest, error) {
	var out signing.SignatureRequest
	err := r.inTx(ctx, func(q querier) error {
		var exists int
		err := q.QueryRowContext(ctx, `select 1 from documents where id=$1`, documentID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: document %s does not exist", signing.ErrStorage, documentID)
		}
		if err != nil {
			return storageErr("check document", err)
		}

		id := ids.New()
		for attempt := 0; attempt < maxTokenAttempts; attempt++ {
			token, err := r.s.newToken()
			if err != nil {
				return storageErr("generate access token", err)
			}
			row := q.QueryRowContext(ctx, `
				insert into signature_requests(id, document_id, signer_email, signer_name, access_token, order_index, status)
				values ($1,$2,$3,$4,$5,$6,$7)
				on conflict (access_token) do nothing
				returning `+requestColumns,
				id, documentID, signerEmail, signerName, token, order, string(signing.RequestPending))
			req, err := scanRequest(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return storageErr("insert signature request", err)
			}
			out = req
			return nil
		}
		return fmt.Errorf("%w: could not allocate a unique access token", signing.ErrStorage)
	})
	if err != nil {
		return signing.SignatureRequest{}, err
	}
	return out, nil
}

func (r requests) FindByToken(ctx context.Context, token string) (signing.SignatureRequest, error) {
	row := r.q().QueryRowContext(ctx, `select `+requestColumns+` from signature_requests where access_token=$1`, token)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signing.SignatureRequest{}, signing.ErrNotFound
	}
	if err != nil {
		return signing.SignatureRequest{}, storageErr("find signature request", err)
	}
	return req, nil
}

func (r requests) UpdateStatus(ctx context.Context, token string, status signing.RequestStatus, signedAt *time.Time) error {
	return r.inTx(ctx, func(q querier) error {
		var current string
		err := q.QueryRowContext(ctx,
			`select status from signature_requests where access_token=$1 for update`, token).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return signing.ErrNotFound
		}
		if err != nil {
			return storageErr("lock signature request", err)
		}
		from := signing.RequestStatus(current)
		if err := signing.CheckTransition(from, status); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, from, status)
		}
		if from == status {
			return nil
		}
		var signed sql.NullTime
		if status == signing.RequestSigned {
			at := time.Now().UTC()
			if signedAt != nil {
				at = *signedAt
			}
			signed = sql.NullTime{Time: at, Valid: true}
		}
		if _, err := q.ExecContext(ctx,
			`update signature_requests set status=$2, signed_at=coalesce($3, signed_at) where access_token=$1`,
			token, string(status), signed); err != nil {
			return storageErr("update signature request", err)
		}
		return nil
	})
}

func (r requests) ListForDocument(ctx context.Context, documentID string) ([]signing.SignatureRequest, error) {
	rows, err := r.q().QueryContext(ctx, `
		select `+requestColumns+` from signature_requests
		where document_id=$1
		order by order_index, id
	`, documentID)
	if err != nil {
		return nil, storageErr("list signature requests", err)
	}
	defer rows.Close()

	var out []signing.SignatureRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storageErr("scan signature request", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list signature requests", err)
	}
	return out, nil
}

func scanRequest(row scanner) (signing.SignatureRequest, error) {
	var (
		req    signing.SignatureRequest
		status string
		signed sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.DocumentID, &req.SignerEmail, &req.SignerName, &req.AccessToken,
		&req.Order, &status, &req.CreatedAt, &signed); err != nil {
		return signing.SignatureRequest{}, err
	}
	req.Status = signing.RequestStatus(status)
	req.SignedAt = timePtr(signed)
	return req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
