// ABOUTME: Store interfaces and data types for coven-dm persistence
// ABOUTME: Defines ConversationKey, Message, User and the message/user store contracts

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when a message or key is malformed (empty body,
// self-send, missing ids). Nothing is persisted when it is returned.
var ErrValidation = errors.New("validation error")

// ErrStorage wraps every failure of the underlying backend.
var ErrStorage = errors.New("storage error")

// ErrUsernameTaken is returned when registering a username that already exists
var ErrUsernameTaken = errors.New("username already exists")

var errClosed = errors.New("store is closed")

// History paging limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

const keySeparator = ":"

// ConversationKey identifies the conversation between two users. A is always
// the lexicographically smaller id, so the key is the same whichever side
// builds it.
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey returns the canonical key for the pair (x, y).
func NewConversationKey(x, y string) (ConversationKey, error) {
	if x == "" || y == "" {
		return ConversationKey{}, fmt.Errorf("%w: user ids must not be empty", ErrValidation)
	}
	if strings.Contains(x, keySeparator) || strings.Contains(y, keySeparator) {
		return ConversationKey{}, fmt.Errorf("%w: user ids must not contain %q", ErrValidation, keySeparator)
	}
	if x == y {
		return ConversationKey{}, fmt.Errorf("%w: a conversation needs two distinct users", ErrValidation)
	}
	if x > y {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}, nil
}

// ParseConversationKey parses the "A:B" form produced by String.
func ParseConversationKey(s string) (ConversationKey, error) {
	a, b, ok := strings.Cut(s, keySeparator)
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: malformed conversation key %q", ErrValidation, s)
	}
	key, err := NewConversationKey(a, b)
	if err != nil {
		return ConversationKey{}, err
	}
	if key.A != a {
		return ConversationKey{}, fmt.Errorf("%w: conversation key %q is not canonical", ErrValidation, s)
	}
	return key, nil
}

// String renders the key as "A:B".
func (k ConversationKey) String() string {
	return k.A + keySeparator + k.B
}

// Has reports whether userID is one of the two participants.
func (k ConversationKey) Has(userID string) bool {
	return userID != "" && (k.A == userID || k.B == userID)
}

// Other returns the participant that is not userID.
func (k ConversationKey) Other(userID string) string {
	if k.A == userID {
		return k.B
	}
	return k.A
}

// Message is a single persisted message. Seq is its position within the
// conversation, starting at 1 and never renumbered. Messages are immutable
// once appended.
type Message struct {
	ID              string
	ConversationKey ConversationKey
	SenderID        string
	ReceiverID      string
	Body            string
	Seq             int64
	CreatedAt       time.Time
}

// User is a registered account in the user directory.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// HistoryQuery selects a window of one conversation's log.
type HistoryQuery struct {
	Key    ConversationKey
	Limit  int   // 1-500, defaults to 50
	Before int64 // when > 0, only messages with Seq < Before
}

// EffectiveLimit clamps Limit into [1, MaxHistoryLimit], using the default when unset.
func (q HistoryQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return q.Limit
	}
}

// MessageStore is the per-conversation ordered message log.
type MessageStore interface {
	// Append validates and persists a message, assigning its Seq and
	// CreatedAt. Concurrent appends to one conversation get distinct,
	// gap-free sequence numbers.
	Append(ctx context.Context, senderID, receiverID, body string) (*Message, error)

	// History returns the most recent Limit messages of the window in
	// ascending Seq order.
	History(ctx context.Context, q HistoryQuery) ([]*Message, error)

	// Conversations returns the last message of each conversation userID
	// takes part in, newest first.
	Conversations(ctx context.Context, userID string, limit int) ([]*Message, error)
}

// UserStore is the user directory.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UserExists(ctx context.Context, id string) (bool, error)
	// ListUsers returns every user except excludeID, ordered by username.
	ListUsers(ctx context.Context, excludeID string) ([]*User, error)
}

// Store is a complete persistence backend.
type Store interface {
	MessageStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

// validateAppend checks an append request and returns its conversation key.
func validateAppend(senderID, receiverID, body string) (ConversationKey, error) {
	if senderID == receiverID && senderID != "" {
		return ConversationKey{}, fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	}
	key, err := NewConversationKey(senderID, receiverID)
	if err != nil {
		return ConversationKey{}, err
	}
	if strings.TrimSpace(body) == "" {
		return ConversationKey{}, fmt.Errorf("%w: message body must not be empty", ErrValidation)
	}
	return key, nil
}

// nextTimestamp returns now, or prev when the clock has gone backwards, so
// CreatedAt never decreases along a conversation's sequence.
func nextTimestamp(prev time.Time) time.Time {
	now := time.Now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
