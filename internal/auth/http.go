// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Extracts the token from the Authorization header or query and adds the user to context

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when a request carries no credential at all.
var ErrMissingToken = errors.New("missing token")

// ErrUnknownUser is returned when a valid token names a user that no longer exists.
var ErrUnknownUser = errors.New("user not found")

// ErrDirectoryUnavailable is returned when the user lookup itself fails.
var ErrDirectoryUnavailable = errors.New("user directory unavailable")

// UserLookup is the slice of the user directory the middleware needs.
type UserLookup interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// ExtractToken returns the credential presented by r. It accepts
// "Authorization: Bearer <jwt>", a bare "Authorization: <jwt>" and, for
// browser WebSocket clients that cannot set headers, a "token" query parameter.
func ExtractToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if strings.EqualFold(header, "Bearer") {
			return "", errors.New("empty token")
		}
		token := header
		if scheme, rest, ok := strings.Cut(header, " "); ok {
			if !strings.EqualFold(scheme, "Bearer") {
				return "", errors.New("invalid authorization header format")
			}
			token = strings.TrimSpace(rest)
		}
		if token == "" {
			return "", errors.New("empty token")
		}
		return token, nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", ErrMissingToken
}

// Authenticate verifies the request credential and confirms the user still
// exists. It is the single entry point shared by the middleware and the
// WebSocket handshake.
func Authenticate(r *http.Request, users UserLookup, verifier TokenVerifier) (*AuthContext, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}

	userID, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	if users != nil {
		exists, err := users.UserExists(r.Context(), userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
		}
		if !exists {
			return nil, ErrUnknownUser
		}
	}

	return &AuthContext{UserID: userID, Token: token}, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens and adds the AuthContext to the request context.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := Authenticate(r, users, verifier)
			if errors.Is(err, ErrDirectoryUnavailable) {
				writeAuthError(w, http.StatusServiceUnavailable, "storage_error", "user directory unavailable")
				return
			}
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "invalid token"
	switch {
	case errors.Is(err, ErrMissingToken):
		msg = "missing authorization header"
	case errors.Is(err, ErrExpiredToken):
		msg = "token expired"
	case errors.Is(err, ErrUnknownUser):
		msg = "user not found"
	}
	writeAuthError(w, http.StatusUnauthorized, "unauthorized", msg)
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
