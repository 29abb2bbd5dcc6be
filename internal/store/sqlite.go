package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"classhub/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	teacher_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	state      TEXT NOT NULL,
	ended_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL UNIQUE,
	secret_hash TEXT NOT NULL,
	role        TEXT NOT NULL
);
`

// SQLite implements SessionStore and UserStore over a local database file.
// All writes funnel through a single goroutine; SQLite handles concurrent
// readers fine but contended writers poorly.
type SQLite struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// codeGenerator is swapped in tests to force collisions.
var codeGenerator = defaultSessionCode

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{
		db:       db,
		writeCh:  make(chan writeOp, 64),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *SQLite) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.fn(s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *SQLite) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{fn: fn, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrStoreClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}

// Create allocates a unique session code and persists an open session.
func (s *SQLite) Create(ctx context.Context, teacherID, name string) (string, error) {
	var code string
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		// Codes are short, so collisions are possible; retry a few times
		// against the UNIQUE constraint.
		for attempt := 0; attempt < 5; attempt++ {
			candidate := codeGenerator()
			_, err := db.ExecContext(ctx,
				`INSERT INTO sessions (code, name, teacher_id, created_at, state) VALUES (?, ?, ?, ?, ?)`,
				candidate, name, teacherID, time.Now().UTC(), "open",
			)
			if err == nil {
				code = candidate
				return nil
			}
			if !isUniqueViolation(err) {
				return fmt.Errorf("failed to insert session: %w", err)
			}
		}
		return fmt.Errorf("failed to allocate a unique session code")
	})
	return code, err
}

// Exists reports whether a session record exists for the code.
func (s *SQLite) Exists(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE code = ?`, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query session existence: %w", err)
	}
	return n > 0, nil
}

// Get returns the persisted record for a session code.
func (s *SQLite) Get(ctx context.Context, code string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, name, teacher_id, created_at, state, ended_at FROM sessions WHERE code = ?`, code)

	var rec SessionRecord
	var endedAt sql.NullTime
	err := row.Scan(&rec.Code, &rec.Name, &rec.TeacherID, &rec.CreatedAt, &rec.State, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return &rec, nil
}

// ListOpen returns all sessions still marked open, newest first.
func (s *SQLite) ListOpen(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, teacher_id, created_at, state, ended_at FROM sessions WHERE state = 'open' ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var endedAt sql.NullTime
		if err := rows.Scan(&rec.Code, &rec.Name, &rec.TeacherID, &rec.CreatedAt, &rec.State, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if endedAt.Valid {
			rec.EndedAt = &endedAt.Time
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MarkEnded flips a session record to ended. Idempotent.
func (s *SQLite) MarkEnded(ctx context.Context, code string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET state = 'ended', ended_at = ? WHERE code = ?`,
			time.Now().UTC(), code)
		if err != nil {
			return fmt.Errorf("failed to mark session ended: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// CreateUser provisions an account with a pre-issued secret.
func (s *SQLite) CreateUser(ctx context.Context, username, secret, role string) (*UserRecord, error) {
	rec := &UserRecord{
		ID:       uuid.New().String(),
		Username: username,
		Role:     role,
	}
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (id, username, secret_hash, role) VALUES (?, ?, ?, ?)`,
			rec.ID, username, hashSecret(secret), role)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ValidateCredentials checks a username/secret pair. Comparison of the
// secret digests is constant-time.
func (s *SQLite) ValidateCredentials(ctx context.Context, username, secret string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, secret_hash, role FROM users WHERE username = ?`, username)

	var rec UserRecord
	var storedHash string
	err := row.Scan(&rec.ID, &rec.Username, &storedHash, &rec.Role)
	if err == sql.ErrNoRows {
		// Burn a comparison anyway so a missing user is not distinguishable
		// by timing.
		subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(hashSecret("")))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(storedHash)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &rec, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func defaultSessionCode() string {
	return types.NewSessionCode()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
