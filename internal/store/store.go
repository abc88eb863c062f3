// Package store keeps the user and chat-session bookkeeping that maps
// customers (by phone number) to conversation identifiers.
package store

import (
	"context"
	"time"
)

// User is a phone-number-identified customer.
type User struct {
	ID          string
	PhoneNumber string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatSession links a user to one conversation id (the session id doubles as
// the conversation id for the orchestration graph). A user has at most one
// active session; reusing it preserves chat history.
type ChatSession struct {
	ID            string
	UserID        string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
}

// Repository is the session bookkeeping contract the HTTP layer consumes.
type Repository interface {
	Ping(ctx context.Context) error

	// GetOrCreateUser looks a user up by normalized phone number, creating
	// one on first contact.
	GetOrCreateUser(ctx context.Context, phoneNumber string) (*User, error)

	// GetOrCreateActiveSession returns the user's newest active session, or
	// creates one (deactivating any others) when none exists.
	GetOrCreateActiveSession(ctx context.Context, userID string) (*ChatSession, error)

	// GetSession returns a session regardless of active state, nil when
	// unknown. Callers check IsActive themselves so an inactive session can
	// be reported differently from a missing one.
	GetSession(ctx context.Context, sessionID string) (*ChatSession, error)

	// TouchSession updates last_message_at after a completed turn.
	TouchSession(ctx context.Context, sessionID string) error

	Close() error
}
