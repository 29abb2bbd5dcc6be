// Package store holds the persistence collaborators consumed by the rest of
// the system. The hub core only sees these narrow interfaces; durability is
// entirely this package's concern.
package store

import (
	"context"
	"errors"
	"time"
)

// Store-level errors.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrStoreClosed        = errors.New("store is closed")
)

// SessionRecord is the persisted view of a session. The live roster and
// control settings are hub-owned and never stored.
type SessionRecord struct {
	Code      string
	Name      string
	TeacherID string
	CreatedAt time.Time
	State     string
	EndedAt   *time.Time
}

// UserRecord is a provisioned account.
type UserRecord struct {
	ID       string
	Username string
	Role     string
}

// SessionStore persists session records.
type SessionStore interface {
	// Create allocates a fresh session code and persists the record.
	Create(ctx context.Context, teacherID, name string) (string, error)
	Exists(ctx context.Context, code string) (bool, error)
	Get(ctx context.Context, code string) (*SessionRecord, error)
	ListOpen(ctx context.Context) ([]*SessionRecord, error)
	MarkEnded(ctx context.Context, code string) error
}

// UserStore validates pre-issued credentials. The core never issues
// credentials; it only verifies tokens minted against this store.
type UserStore interface {
	ValidateCredentials(ctx context.Context, username, secret string) (*UserRecord, error)
	CreateUser(ctx context.Context, username, secret, role string) (*UserRecord, error)
}
