package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"docsign.org/internal/ids"
)

var _ UserStore = (*PGUserStore)(nil)

// PGUserStore implements UserStore using PostgreSQL.
type PGUserStore struct {
	db *sql.DB
}

func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

func (s *PGUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx,
		`insert into users(id, email, name, password_hash) values($1,$2,$3,$4)
		 returning created_at, updated_at`,
		u.ID, strings.ToLower(u.Email), u.Name, u.PasswordHash,
	)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *PGUserStore) Find(ctx context.Context, id string) (User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, email, name, password_hash, created_at, updated_at from users where id=$1`, id))
}

func (s *PGUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, email, name, password_hash, created_at, updated_at from users where email=$1`,
		strings.ToLower(email)))
}

func (s *PGUserStore) scanOne(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}
