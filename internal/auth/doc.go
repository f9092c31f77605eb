// Package auth provides authentication for coven-dm.
//
// # Tokens
//
// Users authenticate with HS256 JWTs signed with the configured jwt_secret
// (at least MinSecretLength bytes). The "sub" claim carries the user id.
// JWTVerifier implements both TokenVerifier (Verify) and TokenIssuer
// (Generate).
//
// # Accounts
//
// Accounts registers users (username, optional email, bcrypt password hash)
// and logs them in, returning a Session with a fresh token. Input is checked
// with go-playground/validator.
//
// # HTTP
//
// HTTPAuthMiddleware and Authenticate accept the token as
// "Authorization: Bearer <jwt>", a bare "Authorization: <jwt>", or a "token"
// query parameter (for browser WebSocket clients). The verified user is
// attached to the request context:
//
//	authCtx := auth.FromContext(r.Context())    // nil if unauthenticated
//	userID := auth.MustFromContext(r.Context()).UserID
package auth
