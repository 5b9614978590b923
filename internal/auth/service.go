package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Service registers users, issues tokens and authenticates bearer tokens.
type Service struct {
	users  UserStore
	tokens *Tokens
}

func NewService(users UserStore, tokens *Tokens) *Service {
	return &Service{users: users, tokens: tokens}
}

// Register creates an account and returns a token for it.
func (s *Service) Register(ctx context.Context, email, name, password string) (User, Token, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return User{}, Token{}, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return User{}, Token{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, Token{}, err
	}
	u := User{
		Email:        strings.ToLower(addr.Address),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
	}
	if u.Name == "" {
		u.Name = u.Email
	}
	if err := s.users.Create(ctx, &u); err != nil {
		return User{}, Token{}, err
	}
	tok, err := s.tokens.Generate(u.ID, u.Email)
	if err != nil {
		return User{}, Token{}, err
	}
	return u, tok, nil
}

// Login verifies credentials. Unknown emails and wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, email, password string) (User, Token, error) {
	u, err := s.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrNotFound) {
		return User{}, Token{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, Token{}, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return User{}, Token{}, ErrUnauthorized
	}
	tok, err := s.tokens.Generate(u.ID, u.Email)
	if err != nil {
		return User{}, Token{}, err
	}
	return u, tok, nil
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, bearer string) (User, error) {
	claims, err := s.tokens.ParseAndValidate(bearer)
	if err != nil {
		return User{}, ErrUnauthorized
	}
	u, err := s.users.Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUnauthorized
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// User looks an account up by id.
func (s *Service) User(ctx context.Context, id string) (User, error) {
	return s.users.Find(ctx, id)
}
