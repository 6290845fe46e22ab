package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

// MemoryStore keeps all state in process memory. It backs tests and
// also serves as the working set for FileStore.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]models.User
	byName   map[string]string
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	session  models.Session
	messages []models.Message
	// turns committed so far; the open turn, if any, has index == turns.
	turns    int
	openTurn bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]models.User),
		byName:   make(map[string]string),
		sessions: make(map[string]*sessionRecord),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user models.User) error {
	name := strings.ToLower(user.Username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[name]; taken {
		return fault.Newf(fault.KindInvalidArguments, "username %q is taken", user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	s.byName[name] = user.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, fault.New(fault.KindNotFound, "user not found")
	}
	return user, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return models.User{}, fault.New(fault.KindNotFound, "user not found")
	}
	return s.users[id], nil
}

func (s *MemoryStore) UpdateUserProfile(_ context.Context, userID, agentName, systemPrompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return fault.New(fault.KindNotFound, "user not found")
	}
	user.AgentName = agentName
	user.SystemPrompt = systemPrompt
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, userID, title string) (models.Session, error) {
	now := time.Now().UTC()
	session := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return models.Session{}, fault.New(fault.KindNotFound, "user not found")
	}
	s.sessions[session.ID] = &sessionRecord{session: session}
	return session, nil
}

// owned returns the record iff the session exists and belongs to the
// user. Foreign sessions are indistinguishable from absent ones.
func (s *MemoryStore) owned(userID, sessionID string) (*sessionRecord, error) {
	rec, ok := s.sessions[sessionID]
	if !ok || rec.session.UserID != userID {
		return nil, fault.New(fault.KindNotFound, "session not found")
	}
	return rec, nil
}

func (s *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.owned(userID, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	return rec.session, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionSummary, 0, 8)
	for _, rec := range s.sessions {
		if rec.session.UserID != userID {
			continue
		}
		summary := models.SessionSummary{
			SessionID:    rec.session.ID,
			Title:        rec.session.Title,
			MessageCount: len(rec.messages),
			CreatedAt:    rec.session.CreatedAt,
			UpdatedAt:    rec.session.UpdatedAt,
		}
		if n := len(rec.messages); n > 0 {
			summary.LastMessage = rec.messages[n-1].Content
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RenameSession(_ context.Context, userID, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.owned(userID, sessionID)
	if err != nil {
		return err
	}
	rec.session.Title = title
	rec.session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(userID, sessionID); err != nil {
		return err
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, userID, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.owned(userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := rec.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) BeginTurn(_ context.Context, userID, sessionID string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.owned(userID, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if rec.openTurn {
		return Turn{}, fault.New(fault.KindBusy, "session has an open turn")
	}
	rec.openTurn = true
	return Turn{UserID: userID, SessionID: sessionID, Index: rec.turns}, nil
}

func (s *MemoryStore) CommitTurn(_ context.Context, turn Turn, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.owned(turn.UserID, turn.SessionID)
	if err != nil {
		return err
	}
	if !rec.openTurn || rec.turns != turn.Index {
		return fault.New(fault.KindInternal, "commit of a turn that is not open")
	}
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		msgs[i].SessionID = turn.SessionID
		msgs[i].TurnIndex = turn.Index
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	rec.messages = append(rec.messages, msgs...)
	rec.turns++
	rec.openTurn = false
	rec.session.UpdatedAt = now
	return nil
}

func (s *MemoryStore) AbortTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.owned(turn.UserID, turn.SessionID)
	if err != nil {
		return err
	}
	if !rec.openTurn || rec.turns != turn.Index {
		return fault.New(fault.KindInternal, "abort of a turn that is not open")
	}
	rec.openTurn = false
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// dump and load serialize the whole working set; FileStore uses them
// to persist and recover.

type dumpDoc struct {
	Users    []models.User `json:"users"`
	Sessions []dumpSession `json:"sessions"`
}

type dumpSession struct {
	Session  models.Session   `json:"session"`
	Messages []models.Message `json:"messages"`
	Turns    int              `json:"turns"`
}

func (s *MemoryStore) dump() dumpDoc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := dumpDoc{}
	for _, u := range s.users {
		doc.Users = append(doc.Users, u)
	}
	sort.Slice(doc.Users, func(i, j int) bool { return doc.Users[i].ID < doc.Users[j].ID })
	for _, rec := range s.sessions {
		doc.Sessions = append(doc.Sessions, dumpSession{
			Session:  rec.session,
			Messages: rec.messages,
			Turns:    rec.turns,
		})
	}
	sort.Slice(doc.Sessions, func(i, j int) bool {
		return doc.Sessions[i].Session.ID < doc.Sessions[j].Session.ID
	})
	return doc
}

func (s *MemoryStore) load(doc dumpDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]models.User, len(doc.Users))
	s.byName = make(map[string]string, len(doc.Users))
	s.sessions = make(map[string]*sessionRecord, len(doc.Sessions))
	for _, u := range doc.Users {
		s.users[u.ID] = u
		s.byName[strings.ToLower(u.Username)] = u.ID
	}
	for _, ds := range doc.Sessions {
		s.sessions[ds.Session.ID] = &sessionRecord{
			session:  ds.Session,
			messages: ds.Messages,
			turns:    ds.Turns,
		}
	}
}
