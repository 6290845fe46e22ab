package store

import (
	"context"
	"fmt"

	"github.com/promethea/promethea/pkg/models"
)

// Store is the interface for user and session persistence. Every
// session operation takes the owning user_id; naming a session that
// exists but belongs to another user fails with KindNotFound, the same
// answer as for a session that does not exist at all.
type Store interface {
	// User accounts
	CreateUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	UpdateUserProfile(ctx context.Context, userID, agentName, systemPrompt string) error

	// Session CRUD, scoped by user
	CreateSession(ctx context.Context, userID, title string) (models.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	RenameSession(ctx context.Context, userID, sessionID, title string) error
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// Message history, newest turn last
	Messages(ctx context.Context, userID, sessionID string, limit int) ([]models.Message, error)

	// Turn transaction. BeginTurn reserves the next turn index; at
	// most one turn may be open per session. CommitTurn appends the
	// turn's messages atomically; AbortTurn releases the reservation
	// leaving history untouched.
	BeginTurn(ctx context.Context, userID, sessionID string) (Turn, error)
	CommitTurn(ctx context.Context, turn Turn, msgs []models.Message) error
	AbortTurn(ctx context.Context, turn Turn) error

	Close() error
}

// Turn is an open turn reservation handed back by BeginTurn.
type Turn struct {
	UserID    string
	SessionID string
	Index     int
}

// Open creates a store for the configured backend: "memory", "file"
// or "sqlite".
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return NewFileStore(dir)
	case "sqlite":
		return NewSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
