package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. One
// writer at a time is enough for this workload; busy_timeout covers
// the rest.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	username_lc   TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	agent_name    TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	title      TEXT NOT NULL DEFAULT '',
	turns      INTEGER NOT NULL DEFAULT 0,
	open_turn  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	turn_index INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	tool_calls TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		filepath.Join(dir, "store.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Crash recovery: no turn survives a restart.
	if _, err := db.Exec(`UPDATE sessions SET open_turn = 0 WHERE open_turn = 1`); err != nil {
		db.Close()
		return nil, fmt.Errorf("clear open turns: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, username_lc, password_hash, agent_name, system_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, strings.ToLower(user.Username),
		user.PasswordHash, user.AgentName, user.SystemPrompt, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fault.Newf(fault.KindInvalidArguments, "username %q is taken", user.Username)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AgentName, &u.SystemPrompt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fault.New(fault.KindNotFound, "user not found")
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, agent_name, system_prompt, created_at
		FROM users WHERE id = ?`, userID))
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, agent_name, system_prompt, created_at
		FROM users WHERE username_lc = ?`, strings.ToLower(username)))
}

func (s *SQLiteStore) UpdateUserProfile(ctx context.Context, userID, agentName, systemPrompt string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET agent_name = ?, system_prompt = ? WHERE id = ?`,
		agentName, systemPrompt, userID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return notFoundIfZero(res, "user not found")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, title string) (models.Session, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return models.Session{}, err
	}
	now := time.Now().UTC()
	session := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, userID, title, now, now)
	if err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fault.New(fault.KindNotFound, "session not found")
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
		       COALESCE((SELECT m.content FROM messages m WHERE m.session_id = s.id ORDER BY m.seq DESC LIMIT 1), '')
		FROM sessions s WHERE s.user_id = ?
		ORDER BY s.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]models.SessionSummary, 0, 8)
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.MessageCount, &sum.LastMessage); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), sessionID, userID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return notFoundIfZero(res, "session not found")
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return notFoundIfZero(res, "session not found")
}

func (s *SQLiteStore) Messages(ctx context.Context, userID, sessionID string, limit int) ([]models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, session_id, turn_index, role, content, tool_calls, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		// Last N in order: inner query descending, outer flips back.
		query = `SELECT id, session_id, turn_index, role, content, tool_calls, created_at FROM (
			SELECT id, session_id, seq, turn_index, role, content, tool_calls, created_at
			FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0, 16)
	for rows.Next() {
		var m models.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnIndex, &m.Role, &m.Content,
			&toolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BeginTurn(ctx context.Context, userID, sessionID string) (Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	var turns, open int
	err = tx.QueryRowContext(ctx, `
		SELECT turns, open_turn FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID).Scan(&turns, &open)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fault.New(fault.KindNotFound, "session not found")
	}
	if err != nil {
		return Turn{}, fmt.Errorf("begin turn: %w", err)
	}
	if open != 0 {
		return Turn{}, fault.New(fault.KindBusy, "session has an open turn")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET open_turn = 1 WHERE id = ?`, sessionID); err != nil {
		return Turn{}, fmt.Errorf("begin turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("begin turn: %w", err)
	}
	return Turn{UserID: userID, SessionID: sessionID, Index: turns}, nil
}

func (s *SQLiteStore) CommitTurn(ctx context.Context, turn Turn, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkOpenTurn(ctx, tx, turn); err != nil {
		return err
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`,
		turn.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			encoded, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = string(encoded)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, turn_index, role, content, tool_calls, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, turn.SessionID, seq, turn.Index, m.Role, m.Content, toolCalls, m.CreatedAt); err != nil {
			return fmt.Errorf("commit turn: %w", err)
		}
		seq++
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET turns = turns + 1, open_turn = 0, updated_at = ? WHERE id = ?`,
		now, turn.SessionID); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AbortTurn(ctx context.Context, turn Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("abort turn: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkOpenTurn(ctx, tx, turn); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET open_turn = 0 WHERE id = ?`, turn.SessionID); err != nil {
		return fmt.Errorf("abort turn: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) checkOpenTurn(ctx context.Context, tx *sql.Tx, turn Turn) error {
	var turns, open int
	err := tx.QueryRowContext(ctx, `
		SELECT turns, open_turn FROM sessions WHERE id = ? AND user_id = ?`,
		turn.SessionID, turn.UserID).Scan(&turns, &open)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.KindNotFound, "session not found")
	}
	if err != nil {
		return fmt.Errorf("check turn: %w", err)
	}
	if open == 0 || turns != turn.Index {
		return fault.New(fault.KindInternal, "turn is not open")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func notFoundIfZero(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindNotFound, msg)
	}
	return nil
}
