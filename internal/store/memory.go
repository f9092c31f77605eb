// ABOUTME: In-process implementation of Store for development and tests
// ABOUTME: Keeps one ordered log per conversation behind its own mutex

package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	logs        map[string]*conversationLog
	users       map[string]*User
	usernames   map[string]string // normalized username -> user id
	closed      bool
	appendError error
}

type conversationLog struct {
	mu       sync.Mutex
	key      ConversationKey
	messages []*Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:      make(map[string]*conversationLog),
		users:     make(map[string]*User),
		usernames: make(map[string]string),
	}
}

// FailAppends makes every later Append fail with err wrapped in ErrStorage.
// Passing nil restores normal behaviour.
func (s *MemoryStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendError = err
}

func (s *MemoryStore) logFor(key ConversationKey) *conversationLog {
	s.mu.RLock()
	l, ok := s.logs[key.String()]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[key.String()]; !ok {
		l = &conversationLog{key: key}
		s.logs[key.String()] = l
	}
	return l
}

// Append persists a message at the end of its conversation log.
func (s *MemoryStore) Append(ctx context.Context, senderID, receiverID, body string) (*Message, error) {
	key, err := validateAppend(senderID, receiverID, body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("appending message", err)
	}

	s.mu.RLock()
	failure, closed := s.appendError, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, storageErr("appending message", errClosed)
	}
	if failure != nil {
		return nil, storageErr("appending message", failure)
	}

	l := s.logFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := &Message{
		ID:              uuid.NewString(),
		ConversationKey: key,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Body:            body,
		Seq:             int64(len(l.messages)) + 1,
	}
	if n := len(l.messages); n > 0 {
		msg.CreatedAt = nextTimestamp(l.messages[n-1].CreatedAt)
	} else {
		msg.CreatedAt = nextTimestamp(msg.CreatedAt)
	}
	l.messages = append(l.messages, msg)

	copied := *msg
	return &copied, nil
}

// History returns a window of a conversation in ascending seq order.
func (s *MemoryStore) History(ctx context.Context, q HistoryQuery) ([]*Message, error) {
	if err := s.readable(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	l, ok := s.logs[q.Key.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Seq n lives at index n-1
	end := len(l.messages)
	if q.Before > 0 && q.Before-1 < int64(end) {
		end = int(q.Before - 1)
	}
	start := max(end-q.EffectiveLimit(), 0)

	return copyMessages(l.messages[start:end]), nil
}

// Conversations returns the last message of each conversation the user is in.
func (s *MemoryStore) Conversations(ctx context.Context, userID string, limit int) ([]*Message, error) {
	if err := s.readable(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	s.mu.RLock()
	var logs []*conversationLog
	for _, l := range s.logs {
		if l.key.Has(userID) {
			logs = append(logs, l)
		}
	}
	s.mu.RUnlock()

	var last []*Message
	for _, l := range logs {
		l.mu.Lock()
		if n := len(l.messages); n > 0 {
			copied := *l.messages[n-1]
			last = append(last, &copied)
		}
		l.mu.Unlock()
	}

	sortNewestFirst(last)
	if len(last) > limit {
		last = last[:limit]
	}
	return last, nil
}

// CreateUser adds a user to the directory.
func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	if err := s.readable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := normalizeUsername(user.Username)
	if _, taken := s.usernames[name]; taken {
		return ErrUsernameTaken
	}
	copied := *user
	copied.Username = strings.TrimSpace(user.Username)
	s.users[user.ID] = &copied
	s.usernames[name] = user.ID
	return nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := s.readable(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

// GetUserByUsername retrieves a user by username, ignoring case.
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	id, ok := s.usernames[normalizeUsername(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, id)
}

// UserExists reports whether a user with the given ID is registered.
func (s *MemoryStore) UserExists(ctx context.Context, id string) (bool, error) {
	if err := s.readable(ctx); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok, nil
}

// ListUsers returns all users except excludeID, ordered by username.
func (s *MemoryStore) ListUsers(ctx context.Context, excludeID string) ([]*User, error) {
	if err := s.readable(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*User, 0, len(s.users))
	for id, user := range s.users {
		if id == excludeID {
			continue
		}
		copied := *user
		users = append(users, &copied)
	}
	sortUsers(users)
	return users, nil
}

// Ping reports whether the store is still open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.readable(ctx)
}

// Close marks the store closed. Later calls fail with ErrStorage.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) readable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageErr("memory store", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storageErr("memory store", errClosed)
	}
	return nil
}

func copyMessages(src []*Message) []*Message {
	if len(src) == 0 {
		return nil
	}
	out := make([]*Message, len(src))
	for i, m := range src {
		copied := *m
		out[i] = &copied
	}
	return out
}

func sortNewestFirst(msgs []*Message) {
	slices.SortFunc(msgs, func(a, b *Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ConversationKey.String(), b.ConversationKey.String())
	})
}

func sortUsers(users []*User) {
	slices.SortFunc(users, func(a, b *User) int {
		return strings.Compare(normalizeUsername(a.Username), normalizeUsername(b.Username))
	})
}
