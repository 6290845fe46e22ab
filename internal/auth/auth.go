// Package auth handles account registration, login and bearer token
// verification.
package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/pkg/models"
)

// Service binds the user store to the token layer.
type Service struct {
	store store.Store
	jwt   *JWTService
}

func NewService(st store.Store, jwt *JWTService) *Service {
	return &Service{store: st, jwt: jwt}
}

// Register creates an account and issues its first token.
func (s *Service) Register(ctx context.Context, username, password string) (models.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 64 {
		return models.User{}, "", fault.New(fault.KindInvalidArguments, "username must be 1-64 characters")
	}
	if len(password) < 8 {
		return models.User{}, "", fault.New(fault.KindInvalidArguments, "password must be at least 8 characters")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return models.User{}, "", fault.Wrap(fault.KindInternal, "hash password", err)
	}
	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return models.User{}, "", err
	}
	token, err := s.jwt.Issue(user.ID, user.Username)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// Login verifies credentials and issues a token. Unknown usernames and
// wrong passwords produce the same answer.
func (s *Service) Login(ctx context.Context, username, password string) (models.User, string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return models.User{}, "", fault.New(fault.KindUnauthorized, "invalid credentials")
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return models.User{}, "", fault.New(fault.KindUnauthorized, "invalid credentials")
	}
	token, err := s.jwt.Issue(user.ID, user.Username)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// Resolve maps a bearer token to the user it authenticates.
func (s *Service) Resolve(ctx context.Context, token string) (models.User, error) {
	userID, err := s.jwt.Resolve(token)
	if err != nil {
		return models.User{}, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		// A valid token for a deleted account is still unauthorized.
		return models.User{}, fault.New(fault.KindUnauthorized, "invalid token")
	}
	return user, nil
}
