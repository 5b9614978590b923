package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	tokens, err := NewTokens("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	return NewService(NewMemoryUserStore(), tokens)
}

func TestRegisterLoginAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, tok, err := svc.Register(ctx, "Owner@Example.com", "Olivia", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "owner@example.com" || u.PasswordHash == "" || u.PasswordHash == "correct horse" {
		t.Fatalf("unexpected user %+v", u)
	}
	if tok.Value == "" || time.Until(tok.ExpiresAt) <= 0 {
		t.Fatalf("unexpected token %+v", tok)
	}

	if _, _, err := svc.Register(ctx, "owner@example.com", "dup", "another password"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	_, login, err := svc.Login(ctx, "OWNER@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	got, err := svc.Authenticate(ctx, login.Value)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("authenticated %s, want %s", got.ID, u.ID)
	}

	if _, _, err := svc.Login(ctx, "owner@example.com", "wrong password"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for bad password, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown user, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	cases := []struct{ email, password string }{
		{"not-an-email", "long enough"},
		{"a@example.com", "short"},
	}
	for _, tc := range cases {
		if _, _, err := svc.Register(context.Background(), tc.email, "", tc.password); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Register(%q): expected ErrInvalidInput, got %v", tc.email, err)
		}
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u, _, err := svc.Register(ctx, "a@example.com", "A", "password1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	other, _ := NewTokens("other-secret", time.Hour)
	forged, _ := other.Generate(u.ID, u.Email)

	expired, _ := NewTokens("test-secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _ := expired.Generate(u.ID, u.Email)

	ghost, _ := svc.tokens.Generate("ghost", "ghost@example.com")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: issuer, Subject: u.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"empty":    "",
		"garbage":  "not.a.jwt",
		"forged":   forged.Value,
		"expired":  stale.Value,
		"ghost":    ghost.Value,
		"alg none": unsigned,
	} {
		if _, err := svc.Authenticate(ctx, tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  ", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestContextUser(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a user")
	}
	ctx := ContextWithUser(context.Background(), User{ID: "u1", Email: "a@example.com"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "u1" {
		t.Fatalf("unexpected user id %q", id)
	}
}

func TestPGUserStoreFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("select id, email, name, password_hash, created_at, updated_at from users where email=$1")).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "created_at", "updated_at"}).
			AddRow("u1", "a@example.com", "A", "hash", now, now))
	mock.ExpectQuery("select id, email, name, password_hash").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	store := NewPGUserStore(db)
	u, err := store.FindByEmail(context.Background(), "A@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || u.PasswordHash != "hash" {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := store.Find(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGUserStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "a@example.com", "A", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	u := User{Email: "A@example.com", Name: "A", PasswordHash: "hash"}
	if err := NewPGUserStore(db).Create(context.Background(), &u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || !u.CreatedAt.Equal(now) {
		t.Fatalf("unexpected user %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
