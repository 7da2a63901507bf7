// Package auth handles rider and admin accounts: bcrypt password hashes and
// HS256 session tokens.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
)

var (
	ErrUserNotFound       = apperr.New(apperr.NotFound, "user not found")
	ErrEmailTaken         = apperr.New(apperr.Conflict, "email already registered")
	ErrInvalidCredentials = apperr.New(apperr.Validation, "invalid email or password")
)

type Service struct {
	users      UserStore
	tokens     *JWTManager
	adminEmail string
	cost       int
}

// NewService builds the account service. Registering with adminEmail yields
// an admin account. cost is the bcrypt cost; zero means bcrypt.DefaultCost.
func NewService(users UserStore, tokens *JWTManager, adminEmail string, cost int) *Service {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{users: users, tokens: tokens, adminEmail: normalizeEmail(adminEmail), cost: cost}
}

type Session struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (s *Service) Register(ctx context.Context, email, password, displayName string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, apperr.Validationf("email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Session{}, apperr.Wrap(apperr.Validation, "hash password", err)
	}
	u := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
		IsAdmin:      s.adminEmail != "" && email == s.adminEmail,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return Session{}, err
	}
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.users.ByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.session(u)
}

// Authenticate validates a token and loads its user.
func (s *Service) Authenticate(ctx context.Context, token string) (models.User, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return models.User{}, err
	}
	return s.users.ByID(ctx, claims.UserID())
}

func (s *Service) session(u models.User) (Session, error) {
	tok, err := s.tokens.Generate(u.ID, u.Email, u.IsAdmin)
	if err != nil {
		return Session{}, apperr.Wrap(apperr.Internal, "issue token", err)
	}
	return Session{Token: tok, User: u}, nil
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }
