// ABOUTME: Unit tests for error mapping, markdown rendering, origin checks and session queueing
// ABOUTME: Exercises helpers without a network round trip

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dm/internal/auth"
	"github.com/2389/coven-dm/internal/conversation"
	"github.com/2389/coven-dm/internal/store"
)

func TestErrorFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unauthorized", fmt.Errorf("x: %w", conversation.ErrUnauthorized), http.StatusUnauthorized, "unauthorized"},
		{"validation", fmt.Errorf("x: %w", conversation.ErrValidation), http.StatusBadRequest, "validation_error"},
		{"unknown recipient", fmt.Errorf("x: %w", conversation.ErrUnknownRecipient), http.StatusNotFound, "unknown_recipient"},
		{"storage", fmt.Errorf("x: %w", conversation.ErrStorage), http.StatusServiceUnavailable, "storage_error"},
		{"bad request", badRequest("nope"), http.StatusBadRequest, CodeBadRequest},
		{"rate limited", errRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"invalid credentials", auth.ErrInvalidCredentials, http.StatusUnauthorized, "unauthorized"},
		{"invalid account", fmt.Errorf("%w: too short", auth.ErrInvalidAccount), http.StatusBadRequest, "validation_error"},
		{"username taken", store.ErrUsernameTaken, http.StatusConflict, "username_taken"},
		{"validator", validate.Struct(SendParams{}), http.StatusBadRequest, "validation_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, shape := errorFor(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, shape.Code)
		})
	}
}

func TestErrorFor_StorageHidesDetail(t *testing.T) {
	_, shape := errorFor(fmt.Errorf("%w: sqlite: disk I/O error at /var/lib/x", conversation.ErrStorage))
	assert.Equal(t, "storage unavailable", shape.Message)
	assert.True(t, shape.Retryable)
}

func TestRenderMarkdown(t *testing.T) {
	out, err := renderMarkdown("hello **world**")
	require.NoError(t, err)
	assert.Equal(t, "<p>hello <strong>world</strong></p>\n", out)

	out, err = renderMarkdown("<script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>", "raw HTML must not pass through")
}

func TestCheckWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"https://chat.example"}, "", true},
		{"empty allow list", nil, "https://evil.example", true},
		{"listed origin", []string{"https://chat.example"}, "https://chat.example", true},
		{"case insensitive", []string{"https://Chat.Example"}, "https://chat.example", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"unlisted origin", []string{"https://chat.example"}, "https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkWebSocketOrigin(tt.allowed)(r))
		})
	}
}

func newQueueOnlySession(size int) *wsSession {
	return newWSSession(nil, "bob", sessionOptions{queueSize: size}, slog.Default())
}

func TestSessionPush_QueuesMessageEvent(t *testing.T) {
	s := newQueueOnlySession(4)
	key, err := store.NewConversationKey("alice", "bob")
	require.NoError(t, err)
	msg := &store.Message{ID: "m1", ConversationKey: key, SenderID: "alice", ReceiverID: "bob", Body: "hi", Seq: 3, CreatedAt: time.Now()}

	require.NoError(t, s.Push(t.Context(), msg))

	f := <-s.send
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, EventMessage, f.Event)
	assert.Equal(t, int64(3), f.Seq)
	assert.Contains(t, string(f.Payload), `"conversationKey":"alice:bob"`)
}

func TestSessionPush_FullQueueFailsFast(t *testing.T) {
	s := newQueueOnlySession(1)
	key, err := store.NewConversationKey("alice", "bob")
	require.NoError(t, err)
	msg := &store.Message{ID: "m1", ConversationKey: key, Body: "hi", Seq: 1, CreatedAt: time.Now()}

	require.NoError(t, s.Push(t.Context(), msg))

	start := time.Now()
	err = s.Push(t.Context(), msg)
	assert.ErrorIs(t, err, errSendQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSessionPush_ClosedOrCanceled(t *testing.T) {
	key, err := store.NewConversationKey("alice", "bob")
	require.NoError(t, err)
	msg := &store.Message{ID: "m1", ConversationKey: key, Body: "hi", Seq: 1, CreatedAt: time.Now()}

	s := newQueueOnlySession(4)
	close(s.done)
	assert.ErrorIs(t, s.Push(t.Context(), msg), conversation.ErrSessionClosed)

	s = newQueueOnlySession(4)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, s.Push(ctx, msg), context.Canceled)
}
