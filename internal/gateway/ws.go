// ABOUTME: WebSocket endpoint: authenticates, registers a live session and serves its requests
// ABOUTME: Sessions are unregistered before their socket closes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-dm/internal/auth"
	"github.com/2389/coven-dm/internal/conversation"
)

// maxFramePayload caps a single inbound frame.
const maxFramePayload = 64 * 1024

// requestHandler serves one WebSocket method and returns its response payload.
type requestHandler func(ctx context.Context, s *wsSession, params json.RawMessage) (any, error)

// requestError is a transport-level failure with its own wire code.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &requestError{code: CodeBadRequest, message: fmt.Sprintf(format, args...)}
}

var errRateLimited = &requestError{code: CodeRateLimited, message: "too many messages, slow down"}

// checkWebSocketOrigin allows non-browser clients, and browsers whose Origin
// is listed. An empty list allows every origin.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (g *Gateway) registerWSHandlers() {
	g.handlers = map[string]requestHandler{
		MethodMessageSend:       g.wsSend,
		MethodHistoryLoad:       g.wsHistory,
		MethodConversationsList: g.wsConversations,
	}
}

// methods lists the registered method names, sorted.
func (g *Gateway) methods() []string {
	names := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// handleWebSocket handles GET /ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading so failures are plain HTTP errors.
	authCtx, err := auth.Authenticate(r, g.store, g.verifier)
	if errors.Is(err, auth.ErrDirectoryUnavailable) {
		g.writeError(w, fmt.Errorf("%w: %w", conversation.ErrStorage, err))
		return
	}
	if err != nil {
		g.logger.Debug("websocket auth failed", "remote", r.RemoteAddr, "error", err)
		g.writeError(w, fmt.Errorf("%w: %w", conversation.ErrUnauthorized, err))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFramePayload)

	cfg := g.config.Sessions
	s := newWSSession(conn, authCtx.UserID, sessionOptions{
		queueSize:    cfg.SendQueue,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		submitRate:   cfg.SubmitRate,
		submitBurst:  cfg.SubmitBurst,
	}, g.logger)

	hello, err := NewEvent(EventHello, HelloPayload{
		SessionID: s.id,
		UserID:    s.userID,
		Methods:   g.methods(),
		Events:    []string{EventHello, EventMessage},
		Policy: ServerPolicy{
			MaxPayload:     maxFramePayload,
			MaxBodyLength:  g.config.Delivery.MaxBodyLength,
			PingIntervalMs: int(cfg.PingInterval.Milliseconds()),
		},
	}, 0)
	if err != nil {
		s.logger.Error("building hello", "error", err)
		s.close()
		return
	}
	// Queued before registration so hello is always the first frame, and
	// the session is live by the time the client reads it.
	s.send <- hello

	if !g.trackSession(s) {
		s.close()
		return
	}
	g.registry.Register(s.userID, s)
	defer func() {
		g.registry.Unregister(s.userID, s)
		s.close()
		g.untrackSession(s)
		s.logger.Info("session closed", "duration", time.Since(s.connectedAt).Round(time.Millisecond))
	}()

	go s.writeLoop()
	s.logger.Info("session opened", "remote", r.RemoteAddr)

	g.readLoop(r.Context(), s)
}

// readLoop serves request frames until the client goes away.
func (g *Gateway) readLoop(ctx context.Context, s *wsSession) {
	_ = s.conn.SetReadDeadline(s.readDeadline())
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(s.readDeadline())
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(s.readDeadline())

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = s.reply(NewErrorResponse("", ErrorShape{Code: CodeBadRequest, Message: "invalid frame"}))
			continue
		}
		if f.Type != FrameTypeRequest {
			s.logger.Debug("ignoring non-request frame", "type", f.Type)
			continue
		}

		g.dispatch(ctx, s, f)
	}
}

// dispatch runs the method handler and queues its response.
func (g *Gateway) dispatch(ctx context.Context, s *wsSession, f Frame) {
	handler, ok := g.handlers[f.Method]
	if !ok {
		_ = s.reply(NewErrorResponse(f.ID, ErrorShape{
			Code:    CodeMethodNotFound,
			Message: "unknown method: " + f.Method,
		}))
		return
	}

	payload, err := handler(ctx, s, f.Params)
	if err != nil {
		_, shape := errorFor(err)
		_ = s.reply(NewErrorResponse(f.ID, shape))
		return
	}

	resp, err := NewResponse(f.ID, payload)
	if err != nil {
		s.logger.Error("encoding response", "method", f.Method, "error", err)
		_ = s.reply(NewErrorResponse(f.ID, ErrorShape{Code: conversation.KindInternal, Message: "internal error"}))
		return
	}
	_ = s.reply(resp)
}

// decodeParams unmarshals and validates request params. Missing params
// decode as an empty object.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return badRequest("invalid params: %v", err)
	}
	return validate.Struct(dst)
}

func (g *Gateway) wsSend(ctx context.Context, s *wsSession, raw json.RawMessage) (any, error) {
	if !s.limiter.Allow() {
		return nil, errRateLimited
	}
	var p SendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	msg, err := g.submit(ctx, conversation.Sender{UserID: s.userID, SessionID: s.id}, p)
	if err != nil {
		return nil, err
	}
	return toMessageDTO(msg), nil
}

func (g *Gateway) wsHistory(ctx context.Context, s *wsSession, raw json.RawMessage) (any, error) {
	var p HistoryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	msgs, err := g.history.Load(ctx, s.userID, p.OtherUserID, conversation.Page{Limit: p.Limit, Before: p.Before})
	if err != nil {
		return nil, err
	}
	return toMessageDTOs(msgs, p.Format == "html")
}

func (g *Gateway) wsConversations(ctx context.Context, s *wsSession, raw json.RawMessage) (any, error) {
	var p ListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	last, err := g.history.Conversations(ctx, s.userID, p.Limit)
	if err != nil {
		return nil, err
	}
	return toConversationDTOs(s.userID, last), nil
}
