package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	errx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/core/error"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone_number TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone_number);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_message_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON chat_sessions(user_id, is_active);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetOrCreateUser looks a user up by phone number, inserting a fresh record
// on first contact. The phone number must already be normalized.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, phoneNumber string) (*User, error) {
	if user, err := s.getUserByPhone(ctx, phoneNumber); err != nil {
		return nil, err
	} else if user != nil {
		return user, nil
	}

	now := time.Now()
	user := &User{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
	INSERT INTO users (id, phone_number, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(phone_number) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query,
		user.ID, user.PhoneNumber, now.Unix(), now.Unix(),
	); err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("insert user: %w", err))
	}

	// Re-read to win over a concurrent insert of the same phone number.
	created, err := s.getUserByPhone(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, errx.WrapSQLite(fmt.Errorf("user vanished after insert: %s", phoneNumber))
	}
	return created, nil
}

func (s *SQLiteStore) getUserByPhone(ctx context.Context, phoneNumber string) (*User, error) {
	query := `SELECT id, phone_number, created_at, updated_at FROM users WHERE phone_number = ?`
	row := s.db.QueryRowContext(ctx, query, phoneNumber)

	var user User
	var createdAt, updatedAt int64
	err := row.Scan(&user.ID, &user.PhoneNumber, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("scan user row: %w", err))
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// GetOrCreateActiveSession returns the newest active session for the user,
// creating one when none exists. Any older active sessions are deactivated
// so a user never has more than one live conversation.
func (s *SQLiteStore) GetOrCreateActiveSession(ctx context.Context, userID string) (*ChatSession, error) {
	query := `
	SELECT id, user_id, is_active, created_at, updated_at, last_message_at
	FROM chat_sessions
	WHERE user_id = ? AND is_active = 1
	ORDER BY created_at DESC LIMIT 1`
	session, err := s.scanSession(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	now := time.Now()
	session = &ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("begin session tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, updated_at = ? WHERE user_id = ? AND is_active = 1`,
		now.Unix(), userID,
	); err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("deactivate sessions: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, is_active, created_at, updated_at) VALUES (?, ?, 1, ?, ?)`,
		session.ID, session.UserID, now.Unix(), now.Unix(),
	); err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("insert session: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("commit session tx: %w", err))
	}
	return session, nil
}

// GetSession returns a session by id regardless of active state, nil when unknown.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*ChatSession, error) {
	query := `
	SELECT id, user_id, is_active, created_at, updated_at, last_message_at
	FROM chat_sessions WHERE id = ?`
	return s.scanSession(s.db.QueryRowContext(ctx, query, sessionID))
}

// TouchSession records message activity on a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		now, now, sessionID,
	)
	if err != nil {
		return errx.WrapSQLite(fmt.Errorf("touch session: %w", err))
	}
	return nil
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*ChatSession, error) {
	var session ChatSession
	var isActive int
	var createdAt, updatedAt int64
	var lastMessageAt sql.NullInt64

	err := row.Scan(&session.ID, &session.UserID, &isActive, &createdAt, &updatedAt, &lastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("scan session row: %w", err))
	}

	session.IsActive = isActive != 0
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	if lastMessageAt.Valid {
		ts := time.Unix(lastMessageAt.Int64, 0)
		session.LastMessageAt = &ts
	}
	return &session, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
