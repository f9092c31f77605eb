// Package gateway orchestrates the coven-dm server components.
//
// # Overview
//
// The gateway owns the store, the live session registry, the delivery router
// and the history service, and exposes them over HTTP, WebSocket and gRPC.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config     *config.Config
//	    store      store.Store
//	    registry   *conversation.Registry
//	    router     *conversation.Router
//	    history    *conversation.History
//	    grpcServer *grpc.Server
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # WebSocket
//
// GET /ws upgrades after the bearer token (header or ?token=) is verified.
// Each connection becomes one live session for its user. Frames use a
// req/res/event envelope:
//
//	{"type":"req","id":"1","method":"message.send","params":{"receiverId":"...","body":"hi"}}
//	{"type":"res","id":"1","ok":true,"payload":{...message...}}
//	{"type":"event","event":"message","payload":{...message...},"seq":7}
//
// Methods:
//
//   - message.send {receiverId, body, clientMsgId?}: persist and fan out
//   - history.load {otherUserId, limit?, before?, format?}: ordered history
//   - conversations.list {limit?}: latest message per conversation
//
// A resend carrying the same clientMsgId within delivery.retry_window gets
// the stored message back and is not pushed again.
//
// The first frame on every connection is a hello event carrying the session
// id. Outbound frames go through a bounded queue and one writer goroutine;
// a client that stops reading loses pushes rather than stalling others.
//
// # HTTP API
//
//   - POST /api/auth/register - Create an account and get a token
//   - POST /api/auth/login - Get a token
//   - GET /api/users - List other users
//   - POST /api/messages/send - Send without a live session
//   - GET /api/messages/{userId} - History with one user
//   - GET /api/conversations - Conversation list
//   - GET /api/conversations/{key}/messages - History by conversation key
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping)
//   - GET /metrics - Prometheus metrics, when enabled
//
// Errors are returned as {"error":{"code","message"}} with 400, 401, 404,
// 429 or 503 depending on the failure.
//
// # gRPC
//
// The gRPC listener serves the standard health service (tracking store
// reachability) and server reflection.
//
// # Deployment Modes
//
// Standard: TCP listeners on server.http_addr and server.grpc_addr.
//
// Tailscale: tsnet node with gRPC on :50051 and HTTPS on :443 (funnel for
// public access). Configured addresses are ignored.
//
// # Shutdown
//
// Shutdown stops the HTTP server, closes and unregisters live sessions,
// stops gRPC, waits for queued pushes and finally closes the store.
package gateway
