// ABOUTME: SQLite implementation of Store using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Assigns per-conversation sequence numbers atomically inside a single INSERT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQL driver names registered by the two SQLite packages.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

const busyTimeoutMillis = 5000

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	keys   KeyedMutex
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at path using the named
// driver ("sqlite" for the pure Go driver, "sqlite3" for the cgo one; empty
// selects "sqlite"). The schema is created if it doesn't exist and parent
// directories are created if needed. The path ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path, driver string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, sqliteDSN(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	if inMemory {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// sqliteDSN builds a DSN carrying per-connection pragmas. The two drivers
// spell them differently.
func sqliteDSN(driver, path string) string {
	if path == ":memory:" {
		path = "file::memory:"
	} else {
		path = "file:" + path
	}
	if driver == DriverCGO {
		return fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMillis)
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyTimeoutMillis)
}

// createSchema creates the database tables if they don't exist. Every
// statement is IF NOT EXISTS, so reopening an existing file is a no-op.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
			email         TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			user_a           TEXT NOT NULL,
			user_b           TEXT NOT NULL,
			sender_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			body             TEXT NOT NULL,
			seq              INTEGER NOT NULL,
			created_at       INTEGER NOT NULL,

			UNIQUE (conversation_key, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_user_a ON messages(user_a, conversation_key);
		CREATE INDEX IF NOT EXISTS idx_messages_user_b ON messages(user_b, conversation_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("pinging database", err)
	}
	return nil
}

// Append persists a message. The sequence number and timestamp are computed
// inside the INSERT so the read of the current head and the write happen
// under the same SQLite write lock.
func (s *SQLiteStore) Append(ctx context.Context, senderID, receiverID, body string) (*Message, error) {
	key, err := validateAppend(senderID, receiverID, body)
	if err != nil {
		return nil, err
	}

	unlock := s.keys.Lock(key.String())
	defer unlock()

	msg := &Message{
		ID:              uuid.NewString(),
		ConversationKey: key,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Body:            body,
	}

	query := `
		INSERT INTO messages (id, conversation_key, user_a, user_b, sender_id, receiver_id, body, seq, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, MAX(?, COALESCE(MAX(created_at), 0))
		FROM messages
		WHERE conversation_key = ?
		RETURNING seq, created_at
	`

	var createdAt int64
	err = s.db.QueryRowContext(ctx, query,
		msg.ID,
		key.String(),
		key.A,
		key.B,
		senderID,
		receiverID,
		body,
		time.Now().UTC().UnixNano(),
		key.String(),
	).Scan(&msg.Seq, &createdAt)
	if err != nil {
		return nil, storageErr("inserting message", err)
	}
	msg.CreatedAt = time.Unix(0, createdAt).UTC()

	s.logger.Debug("appended message", "conversation", key.String(), "seq", msg.Seq)
	return msg, nil
}

// History returns a window of a conversation in ascending seq order.
func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]*Message, error) {
	// Take the N most recent of the window, then flip back to ascending
	query := `
		SELECT id, user_a, user_b, sender_id, receiver_id, body, seq, created_at
		FROM (
			SELECT id, user_a, user_b, sender_id, receiver_id, body, seq, created_at
			FROM messages
			WHERE conversation_key = ? AND (? <= 0 OR seq < ?)
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, q.Key.String(), q.Before, q.Before, q.EffectiveLimit())
	if err != nil {
		return nil, storageErr("querying messages", err)
	}
	return scanMessages(rows)
}

// Conversations returns the last message of each conversation the user is in.
func (s *SQLiteStore) Conversations(ctx context.Context, userID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	query := `
		SELECT m.id, m.user_a, m.user_b, m.sender_id, m.receiver_id, m.body, m.seq, m.created_at
		FROM messages m
		JOIN (
			SELECT conversation_key, MAX(seq) AS seq
			FROM messages
			WHERE user_a = ? OR user_b = ?
			GROUP BY conversation_key
		) last ON m.conversation_key = last.conversation_key AND m.seq = last.seq
		ORDER BY m.created_at DESC, m.conversation_key ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, storageErr("querying conversations", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAt int64
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationKey.A,
			&msg.ConversationKey.B,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Body,
			&msg.Seq,
			&createdAt,
		); err != nil {
			return nil, storageErr("scanning message row", err)
		}
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating message rows", err)
	}

	return messages, nil
}

// CreateUser inserts a new user. Returns ErrUsernameTaken if the username
// (compared case-insensitively) is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		strings.TrimSpace(user.Username),
		user.Email,
		user.PasswordHash,
		user.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrUsernameTaken
		}
		return storageErr("inserting user", err)
	}

	s.logger.Debug("created user", "id", user.ID, "username", user.Username)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username, ignoring case.
// Returns ErrNotFound if no such user exists.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE username = ?`,
		strings.TrimSpace(username))
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	var createdAt int64
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("querying user", err)
	}
	user.CreatedAt = time.Unix(0, createdAt).UTC()
	return &user, nil
}

// UserExists reports whether a user with the given ID is registered.
func (s *SQLiteStore) UserExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("querying user", err)
	}
	return true, nil
}

// ListUsers returns all users except excludeID, ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context, excludeID string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users
		WHERE id != ?
		ORDER BY username ASC
	`, excludeID)
	if err != nil {
		return nil, storageErr("querying users", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var createdAt int64
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &createdAt); err != nil {
			return nil, storageErr("scanning user row", err)
		}
		user.CreatedAt = time.Unix(0, createdAt).UTC()
		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating user rows", err)
	}

	return users, nil
}
