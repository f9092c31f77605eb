// ABOUTME: BadgerDB implementation of Store using padded sequence keys
// ABOUTME: Messages live at msg:{conversation}:{seq}, read back with reverse prefix scans

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	msg:{A:B}:{seq, 20 digits}  -> diskMessage
//	head:{A:B}                  -> conversationHead
//	conv:{user}:{A:B}           -> empty (membership index for Conversations)
//	user:{id}                   -> diskUser
//	username:{normalized}       -> id
const (
	prefixMessage  = "msg:"
	prefixHead     = "head:"
	prefixConv     = "conv:"
	prefixUser     = "user:"
	prefixUsername = "username:"

	// 20 nines sorts after every padded seq
	seqCeiling = "99999999999999999999"
)

// BadgerStore implements Store on top of BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	keys   KeyedMutex
	logger *slog.Logger
}

type diskMessage struct {
	ID         string `json:"id"`
	A          string `json:"a"`
	B          string `json:"b"`
	SenderID   string `json:"sender"`
	ReceiverID string `json:"receiver"`
	Body       string `json:"body"`
	Seq        int64  `json:"seq"`
	At         int64  `json:"at"`
}

type conversationHead struct {
	Seq int64 `json:"seq"`
	At  int64 `json:"at"`
}

type diskUser struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    int64  `json:"created_at"`
}

// NewBadgerStore opens (or creates) a Badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := slog.Default().With("component", "store", "backend", "badger")

	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	logger.Info("Badger store initialized", "path", dir)
	return &BadgerStore{db: db, logger: logger}, nil
}

// NewInMemoryBadgerStore opens a Badger database that never touches disk.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}
	return &BadgerStore{
		db:     db,
		logger: slog.Default().With("component", "store", "backend", "badger"),
	}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	s.logger.Info("closing Badger store")
	return s.db.Close()
}

// Ping reports whether the database is open.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageErr("pinging database", err)
	}
	if s.db.IsClosed() {
		return storageErr("pinging database", errClosed)
	}
	return nil
}

func messageKey(key ConversationKey, seq int64) []byte {
	return fmt.Appendf(nil, "%s%s:%020d", prefixMessage, key.String(), seq)
}

func messagePrefix(key ConversationKey) []byte {
	return []byte(prefixMessage + key.String() + ":")
}

// Append persists a message. The head record, the message and the membership
// index are written in one transaction while the conversation's key lock is
// held, so sequence numbers are gap-free.
func (s *BadgerStore) Append(ctx context.Context, senderID, receiverID, body string) (*Message, error) {
	key, err := validateAppend(senderID, receiverID, body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("appending message", err)
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

	err = s.db.Update(func(txn *badger.Txn) error {
		var head conversationHead
		if err := getJSON(txn, []byte(prefixHead+key.String()), &head); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		msg.Seq = head.Seq + 1
		msg.CreatedAt = nextTimestamp(time.Unix(0, head.At).UTC())

		if err := setJSON(txn, messageKey(key, msg.Seq), toDiskMessage(msg)); err != nil {
			return err
		}
		if err := setJSON(txn, []byte(prefixHead+key.String()), conversationHead{Seq: msg.Seq, At: msg.CreatedAt.UnixNano()}); err != nil {
			return err
		}
		for _, user := range []string{key.A, key.B} {
			if err := txn.Set([]byte(prefixConv+user+":"+key.String()), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("appending message", err)
	}

	s.logger.Debug("appended message", "conversation", key.String(), "seq", msg.Seq)
	return msg, nil
}

// History returns a window of a conversation in ascending seq order. The
// prefix is scanned in reverse from the cursor so only the requested page is
// read.
func (s *BadgerStore) History(ctx context.Context, q HistoryQuery) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("reading history", err)
	}
	if q.Before == 1 {
		return nil, nil
	}

	limit := q.EffectiveLimit()
	prefix := messagePrefix(q.Key)

	var seek []byte
	if q.Before > 1 {
		seek = messageKey(q.Key, q.Before-1)
	} else {
		seek = append(append([]byte{}, prefix...), seqCeiling...)
	}

	var messages []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var dm diskMessage
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &dm)
			}); err != nil {
				return err
			}
			messages = append(messages, dm.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("reading history", err)
	}

	// Collected newest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Conversations returns the last message of each conversation the user is in.
func (s *BadgerStore) Conversations(ctx context.Context, userID string, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("listing conversations", err)
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	prefix := []byte(prefixConv + userID + ":")

	var last []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key, err := ParseConversationKey(string(it.Item().Key()[len(prefix):]))
			if err != nil {
				return err
			}
			var head conversationHead
			if err := getJSON(txn, []byte(prefixHead+key.String()), &head); err != nil {
				return err
			}
			var dm diskMessage
			if err := getJSON(txn, messageKey(key, head.Seq), &dm); err != nil {
				return err
			}
			last = append(last, dm.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("listing conversations", err)
	}

	sortNewestFirst(last)
	if len(last) > limit {
		last = last[:limit]
	}
	return last, nil
}

// CreateUser adds a user and its username index entry in one transaction.
func (s *BadgerStore) CreateUser(ctx context.Context, user *User) error {
	nameKey := []byte(prefixUsername + normalizeUsername(user.Username))

	unlock := s.keys.Lock(string(nameKey))
	defer unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nameKey); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		du := diskUser{
			ID:           user.ID,
			Username:     user.Username,
			Email:        user.Email,
			PasswordHash: user.PasswordHash,
			CreatedAt:    user.CreatedAt.UTC().UnixNano(),
		}
		if err := setJSON(txn, []byte(prefixUser+user.ID), du); err != nil {
			return err
		}
		return txn.Set(nameKey, []byte(user.ID))
	})
	if errors.Is(err, ErrUsernameTaken) {
		return ErrUsernameTaken
	}
	if err != nil {
		return storageErr("creating user", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *BadgerStore) GetUser(ctx context.Context, id string) (*User, error) {
	var du diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixUser+id), &du)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("reading user", err)
	}
	return du.toUser(), nil
}

// GetUserByUsername retrieves a user by username, ignoring case.
func (s *BadgerStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUsername + normalizeUsername(username)))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			id = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("reading username", err)
	}
	return s.GetUser(ctx, id)
}

// UserExists reports whether a user with the given ID is registered.
func (s *BadgerStore) UserExists(ctx context.Context, id string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixUser + id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("reading user", err)
	}
	return true, nil
}

// ListUsers returns all users except excludeID, ordered by username.
func (s *BadgerStore) ListUsers(ctx context.Context, excludeID string) ([]*User, error) {
	prefix := []byte(prefixUser)

	var users []*User
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var du diskUser
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &du)
			}); err != nil {
				return err
			}
			if du.ID == excludeID {
				continue
			}
			users = append(users, du.toUser())
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("listing users", err)
	}

	sortUsers(users)
	return users, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error {
		return json.Unmarshal(b, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func toDiskMessage(m *Message) diskMessage {
	return diskMessage{
		ID:         m.ID,
		A:          m.ConversationKey.A,
		B:          m.ConversationKey.B,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		Seq:        m.Seq,
		At:         m.CreatedAt.UnixNano(),
	}
}

func (d diskMessage) toMessage() *Message {
	return &Message{
		ID:              d.ID,
		ConversationKey: ConversationKey{A: d.A, B: d.B},
		SenderID:        d.SenderID,
		ReceiverID:      d.ReceiverID,
		Body:            d.Body,
		Seq:             d.Seq,
		CreatedAt:       time.Unix(0, d.At).UTC(),
	}
}

func (d diskUser) toUser() *User {
	return &User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		CreatedAt:    time.Unix(0, d.CreatedAt).UTC(),
	}
}
