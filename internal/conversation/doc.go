// Package conversation implements 1:1 message delivery on top of the store.
//
// # Overview
//
// The package sits between the transports (WebSocket sessions and the REST
// API) and the store. It owns three pieces:
//
//   - Registry: which live sessions each user currently has open
//   - Router: persist-then-fan-out for submitted messages
//   - History: participant-only reads of a conversation's log
//
// # Submitting
//
//	registry := conversation.NewRegistry(logger, m)
//	router := conversation.NewRouter(st, st, registry, conversation.RouterOptions{})
//	d, err := router.Submit(ctx, conversation.Sender{UserID: "alice", SessionID: sid}, "bob", "hi")
//
// Submit checks, in order:
//
//  1. The sender is authenticated and, for session submits, the session is still registered
//  2. The receiver is present and exists in the user directory
//  3. The message shape (not a self-send, non-blank body within the length limit)
//
// The message is then appended. Once Append returns the message is durable
// and Submit will succeed; live delivery cannot fail it.
//
// # Fan-out
//
// The appended message is queued for every live session of the receiver and
// every live session of the sender except the one that submitted it. Each
// session has its own lane: a bounded FIFO drained by one goroutine that
// pushes with a per-push timeout. A slow or dead session only delays its own
// lane. Appends and enqueues for one conversation are serialized, so every
// session receives that conversation's messages in seq order.
//
// Users with no live session simply get nothing pushed; they read the log
// through History when they reconnect.
//
// Wait blocks until every lane is idle and may run while others submit.
// Close stops new pushes from being queued; shutdown calls Close then Wait.
//
// # Errors
//
// Every error returned by Submit and History matches one of ErrUnauthorized,
// ErrValidation, ErrUnknownRecipient or ErrStorage under errors.Is. Kind
// turns an error into the string code used on the wire and in metrics.
package conversation
