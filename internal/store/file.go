package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/promethea/promethea/pkg/models"
)

const storeFileName = "store.json"

// FileStore is the default backend: the whole working set lives in
// memory and every mutation rewrites a single JSON file via temp file
// and rename, so a crash mid-write leaves the previous state intact.
type FileStore struct {
	mem  *MemoryStore
	path string

	// persistMu serializes writers so dumps hit the disk in order.
	persistMu sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileStore{
		mem:  NewMemoryStore(),
		path: filepath.Join(dir, storeFileName),
	}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// fresh store
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	default:
		var doc dumpDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse store file %s: %w", s.path, err)
		}
		s.mem.load(doc)
	}
	return s, nil
}

func (s *FileStore) persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	data, err := json.Marshal(s.mem.dump())
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("temp store file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileStore) mutate(op func() error) error {
	if err := op(); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) CreateUser(ctx context.Context, user models.User) error {
	return s.mutate(func() error { return s.mem.CreateUser(ctx, user) })
}

func (s *FileStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	return s.mem.GetUser(ctx, userID)
}

func (s *FileStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return s.mem.GetUserByUsername(ctx, username)
}

func (s *FileStore) UpdateUserProfile(ctx context.Context, userID, agentName, systemPrompt string) error {
	return s.mutate(func() error { return s.mem.UpdateUserProfile(ctx, userID, agentName, systemPrompt) })
}

func (s *FileStore) CreateSession(ctx context.Context, userID, title string) (models.Session, error) {
	session, err := s.mem.CreateSession(ctx, userID, title)
	if err != nil {
		return models.Session{}, err
	}
	if err := s.persist(); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *FileStore) GetSession(ctx context.Context, userID, sessionID string) (models.Session, error) {
	return s.mem.GetSession(ctx, userID, sessionID)
}

func (s *FileStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	return s.mem.ListSessions(ctx, userID)
}

func (s *FileStore) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	return s.mutate(func() error { return s.mem.RenameSession(ctx, userID, sessionID, title) })
}

func (s *FileStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.mutate(func() error { return s.mem.DeleteSession(ctx, userID, sessionID) })
}

func (s *FileStore) Messages(ctx context.Context, userID, sessionID string, limit int) ([]models.Message, error) {
	return s.mem.Messages(ctx, userID, sessionID, limit)
}

// BeginTurn is in-memory only: an open reservation is not worth a disk
// write, and after a crash no turn is open anyway.
func (s *FileStore) BeginTurn(ctx context.Context, userID, sessionID string) (Turn, error) {
	return s.mem.BeginTurn(ctx, userID, sessionID)
}

func (s *FileStore) CommitTurn(ctx context.Context, turn Turn, msgs []models.Message) error {
	return s.mutate(func() error { return s.mem.CommitTurn(ctx, turn, msgs) })
}

func (s *FileStore) AbortTurn(ctx context.Context, turn Turn) error {
	return s.mem.AbortTurn(ctx, turn)
}

func (s *FileStore) Close() error {
	return s.persist()
}
