// ABOUTME: JSON shapes for messages, users and conversations on the wire
// ABOUTME: Converts store records and renders message bodies as HTML on request

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-dm/internal/auth"
	"github.com/2389/coven-dm/internal/conversation"
	"github.com/2389/coven-dm/internal/store"
)

var validate = validator.New()

// Raw HTML in bodies is escaped; goldmark only passes it through with html.WithUnsafe.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// MessageDTO is a persisted message as clients see it.
type MessageDTO struct {
	ID              string `json:"id"`
	ConversationKey string `json:"conversationKey"`
	SenderID        string `json:"senderId"`
	ReceiverID      string `json:"receiverId"`
	Body            string `json:"body"`
	Seq             int64  `json:"seq"`
	Timestamp       string `json:"timestamp"`
	BodyHTML        string `json:"bodyHtml,omitempty"`
}

// UserDTO is a directory entry. Password hashes never leave the server.
type UserDTO struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"createdAt"`
}

// ConversationDTO summarises one conversation for its participant.
type ConversationDTO struct {
	Key         string     `json:"key"`
	OtherUserID string     `json:"otherUserId"`
	LastMessage MessageDTO `json:"lastMessage"`
}

// SessionDTO is returned by register and login.
type SessionDTO struct {
	User      UserDTO `json:"user"`
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expiresAt"`
}

func toMessageDTO(m *store.Message) MessageDTO {
	return MessageDTO{
		ID:              m.ID,
		ConversationKey: m.ConversationKey.String(),
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Body:            m.Body,
		Seq:             m.Seq,
		Timestamp:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toMessageDTOs(msgs []*store.Message, html bool) ([]MessageDTO, error) {
	out := lo.Map(msgs, func(m *store.Message, _ int) MessageDTO {
		return toMessageDTO(m)
	})
	if !html {
		return out, nil
	}
	for i := range out {
		rendered, err := renderMarkdown(out[i].Body)
		if err != nil {
			return nil, err
		}
		out[i].BodyHTML = rendered
	}
	return out, nil
}

func toUserDTO(u *store.User) UserDTO {
	return UserDTO{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toConversationDTOs(requesterID string, last []*store.Message) []ConversationDTO {
	return lo.Map(last, func(m *store.Message, _ int) ConversationDTO {
		return ConversationDTO{
			Key:         m.ConversationKey.String(),
			OtherUserID: m.ConversationKey.Other(requesterID),
			LastMessage: toMessageDTO(m),
		}
	})
}

func toSessionDTO(s *auth.Session) SessionDTO {
	return SessionDTO{
		User:      toUserDTO(s.User),
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt.Format(time.RFC3339),
	}
}

func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// errorFor maps an error to its HTTP status and wire code.
func errorFor(err error) (int, ErrorShape) {
	var verrs validator.ValidationErrors
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		switch reqErr.code {
		case CodeRateLimited:
			return http.StatusTooManyRequests, ErrorShape{Code: reqErr.code, Message: reqErr.message, Retryable: true}
		case CodeMethodNotFound:
			return http.StatusNotFound, ErrorShape{Code: reqErr.code, Message: reqErr.message}
		default:
			return http.StatusBadRequest, ErrorShape{Code: reqErr.code, Message: reqErr.message}
		}
	case errors.As(err, &verrs):
		return http.StatusBadRequest, ErrorShape{Code: conversation.KindValidation, Message: verrs.Error()}
	case errors.Is(err, auth.ErrInvalidAccount):
		return http.StatusBadRequest, ErrorShape{Code: conversation.KindValidation, Message: err.Error()}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrorShape{Code: conversation.KindUnauthorized, Message: "invalid username or password"}
	case errors.Is(err, store.ErrUsernameTaken):
		return http.StatusConflict, ErrorShape{Code: "username_taken", Message: err.Error()}
	}

	switch kind := conversation.Kind(err); kind {
	case conversation.KindUnauthorized:
		return http.StatusUnauthorized, ErrorShape{Code: kind, Message: err.Error()}
	case conversation.KindValidation:
		return http.StatusBadRequest, ErrorShape{Code: kind, Message: err.Error()}
	case conversation.KindUnknownRecipient:
		return http.StatusNotFound, ErrorShape{Code: kind, Message: err.Error()}
	case conversation.KindStorage:
		return http.StatusServiceUnavailable, ErrorShape{Code: kind, Message: "storage unavailable", Retryable: true}
	case conversation.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, ErrorShape{Code: kind, Message: err.Error(), Retryable: true}
		}
		return 499, ErrorShape{Code: kind, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorShape{Code: conversation.KindInternal, Message: "internal error"}
	}
}
