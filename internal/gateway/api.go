// ABOUTME: HTTP API handlers for accounts, the user list, sending and history
// ABOUTME: Mirrors the WebSocket methods for clients without a live session

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/2389/coven-dm/internal/auth"
	"github.com/2389/coven-dm/internal/conversation"
	"github.com/2389/coven-dm/internal/store"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 64 * 1024

// LoginRequest is the JSON body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// HistoryResponse is the JSON response for the message history endpoints.
type HistoryResponse struct {
	ConversationKey string       `json:"conversationKey"`
	Messages        []MessageDTO `json:"messages"`
}

// ConversationsResponse is the JSON response for GET /api/conversations.
type ConversationsResponse struct {
	Conversations []ConversationDTO `json:"conversations"`
}

// UsersResponse is the JSON response for GET /api/users.
type UsersResponse struct {
	Users []UserDTO `json:"users"`
}

// registerHTTPAPIRoutes registers the API routes on mux. Everything except
// register and login requires a bearer token.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.store, g.verifier)

	mux.HandleFunc("POST /api/auth/register", g.handleRegister)
	mux.HandleFunc("POST /api/auth/login", g.handleLogin)

	mux.Handle("GET /api/users", authed(http.HandlerFunc(g.handleListUsers)))
	mux.Handle("POST /api/messages/send", authed(http.HandlerFunc(g.handleSend)))
	mux.Handle("GET /api/messages/{userId}", authed(http.HandlerFunc(g.handleMessagesWith)))
	mux.Handle("GET /api/conversations", authed(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("GET /api/conversations/{key}/messages", authed(http.HandlerFunc(g.handleConversationMessages)))
}

// handleRegister handles POST /api/auth/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	sess, err := g.accounts.Register(r.Context(), req)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(sess))
}

// handleLogin handles POST /api/auth/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		g.writeError(w, err)
		return
	}

	sess, err := g.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

// handleListUsers handles GET /api/users, listing everyone but the caller.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListUsers(r.Context(), auth.MustFromContext(r.Context()).UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := UsersResponse{Users: make([]UserDTO, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, toUserDTO(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSend handles POST /api/messages/send. The message fans out to every
// live session of both participants.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := auth.MustFromContext(r.Context()).UserID
	if !g.restLimiter.Allow(userID) {
		g.writeError(w, errRateLimited)
		return
	}

	var p SendParams
	if err := decodeBody(w, r, &p); err != nil {
		g.writeError(w, err)
		return
	}
	if err := validate.Struct(p); err != nil {
		g.writeError(w, err)
		return
	}

	msg, err := g.submit(r.Context(), conversation.Sender{UserID: userID}, p)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageDTO(msg))
}

// handleMessagesWith handles GET /api/messages/{userId}.
func (g *Gateway) handleMessagesWith(w http.ResponseWriter, r *http.Request) {
	page, html, err := parsePage(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	requester := auth.MustFromContext(r.Context()).UserID
	msgs, err := g.history.Load(r.Context(), requester, r.PathValue("userId"), page)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeHistory(w, msgs, html)
}

// handleConversationMessages handles GET /api/conversations/{key}/messages.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	key, err := store.ParseConversationKey(r.PathValue("key"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	page, html, err := parsePage(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	msgs, err := g.history.LoadConversation(r.Context(), auth.MustFromContext(r.Context()).UserID, key, page)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeHistory(w, msgs, html)
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.writeError(w, err)
		return
	}

	requester := auth.MustFromContext(r.Context()).UserID
	last, err := g.history.Conversations(r.Context(), requester, int(limit))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: toConversationDTOs(requester, last)})
}

func (g *Gateway) writeHistory(w http.ResponseWriter, msgs []*store.Message, html bool) {
	dtos, err := toMessageDTOs(msgs, html)
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp := HistoryResponse{Messages: dtos}
	if len(msgs) > 0 {
		resp.ConversationKey = msgs[0].ConversationKey.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parsePage reads limit, before and format from the query string.
func parsePage(r *http.Request) (conversation.Page, bool, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return conversation.Page{}, false, err
	}
	before, err := queryInt(r, "before")
	if err != nil {
		return conversation.Page{}, false, err
	}

	html := false
	switch format := r.URL.Query().Get("format"); format {
	case "", "text":
	case "html":
		html = true
	default:
		return conversation.Page{}, false, badRequest("unknown format %q", format)
	}
	return conversation.Page{Limit: int(limit), Before: before}, html, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest("%s must be an integer", name)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as {"error": {"code", "message"}} with its mapped status.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status, shape := errorFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]ErrorShape{"error": shape})
}
