// ABOUTME: Delivery router: validates and persists a submitted message, then fans it out
// ABOUTME: Live pushes run on per-session lanes so each session sees one conversation in seq order

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-dm/internal/metrics"
	"github.com/2389/coven-dm/internal/store"
)

// Router defaults.
const (
	DefaultPushTimeout   = 5 * time.Second
	DefaultMaxBodyLength = 4096
	DefaultLaneSize      = 64
)

// Directory answers whether a user exists.
type Directory interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// Sender is the authenticated origin of a submission. SessionID is empty for
// requests that did not come over a live session, such as the REST API.
type Sender struct {
	UserID    string
	SessionID string
}

// Delivery is the result of a successful Submit.
type Delivery struct {
	Message *store.Message
	// LiveTargets is how many sessions the push was queued for.
	LiveTargets int
}

// RouterOptions tunes fan-out. Zero values select the defaults.
type RouterOptions struct {
	PushTimeout   time.Duration
	MaxBodyLength int
	// LaneSize bounds the pushes waiting for one session. Pushes beyond it
	// are dropped for that session only.
	LaneSize int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Router accepts message submissions. A submission is durable before Submit
// returns; live fan-out happens afterwards and never affects the result.
type Router struct {
	messages  store.MessageStore
	directory Directory
	registry  *Registry

	pushTimeout   time.Duration
	maxBodyLength int
	laneSize      int
	metrics       *metrics.Metrics
	logger        *slog.Logger

	// keys orders append+enqueue per conversation so lanes receive
	// messages in seq order.
	keys store.KeyedMutex

	lanesMu sync.Mutex
	lanes   map[string]*lane
	// drained is signalled under lanesMu whenever the last lane exits.
	drained *sync.Cond
	closed  bool
}

// lane is the FIFO of pending pushes for one session.
type lane struct {
	session Session
	queue   chan *store.Message
}

// NewRouter wires a router over the message log, the user directory and the
// live session registry.
func NewRouter(messages store.MessageStore, directory Directory, registry *Registry, opts RouterOptions) *Router {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = DefaultMaxBodyLength
	}
	if opts.LaneSize <= 0 {
		opts.LaneSize = DefaultLaneSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		messages:      messages,
		directory:     directory,
		registry:      registry,
		pushTimeout:   opts.PushTimeout,
		maxBodyLength: opts.MaxBodyLength,
		laneSize:      opts.LaneSize,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "router"),
		lanes:         make(map[string]*lane),
	}
	r.drained = sync.NewCond(&r.lanesMu)
	return r
}

// Submit persists body from sender to receiverID and queues it for every
// live session of the receiver and every other live session of the sender.
//
// Checks run in order: sender authentication, recipient existence, message
// shape. The first failure is returned and nothing is persisted.
func (r *Router) Submit(ctx context.Context, sender Sender, receiverID, body string) (*Delivery, error) {
	d, err := r.submit(ctx, sender, receiverID, body)
	if err != nil {
		r.metrics.SubmitRejected(Kind(err))
		r.logger.Debug("submit rejected",
			"sender_id", sender.UserID,
			"receiver_id", receiverID,
			"kind", Kind(err),
			"error", err)
		return nil, err
	}
	return d, nil
}

func (r *Router) submit(ctx context.Context, sender Sender, receiverID, body string) (*Delivery, error) {
	if err := r.authenticate(sender); err != nil {
		return nil, err
	}
	if err := r.resolveRecipient(ctx, receiverID); err != nil {
		return nil, err
	}
	key, err := r.validate(sender.UserID, receiverID, body)
	if err != nil {
		return nil, err
	}

	unlock := r.keys.Lock(key.String())
	defer unlock()

	msg, err := r.messages.Append(ctx, sender.UserID, receiverID, body)
	if err != nil {
		return nil, err
	}
	r.metrics.MessageAppended()

	targets := r.targets(msg, sender.SessionID)
	queued := 0
	for _, s := range targets {
		if r.enqueue(s, msg) {
			queued++
		}
	}

	r.logger.Debug("message appended",
		"message_id", msg.ID,
		"conversation", msg.ConversationKey.String(),
		"seq", msg.Seq,
		"live_targets", queued)

	return &Delivery{Message: msg, LiveTargets: queued}, nil
}

// authenticate requires a sender identity and, for session submits, that the
// session is still registered to that identity.
func (r *Router) authenticate(sender Sender) error {
	if sender.UserID == "" {
		return fmt.Errorf("%w: no authenticated sender", ErrUnauthorized)
	}
	if sender.SessionID != "" && !r.registry.IsRegistered(sender.UserID, sender.SessionID) {
		return fmt.Errorf("%w: session %s is not registered to %s", ErrUnauthorized, sender.SessionID, sender.UserID)
	}
	return nil
}

// resolveRecipient asks the directory whether receiverID exists. A missing
// id is a malformed request, not a lookup miss.
func (r *Router) resolveRecipient(ctx context.Context, receiverID string) error {
	if receiverID == "" {
		return fmt.Errorf("%w: receiver is required", ErrValidation)
	}
	exists, err := r.directory.UserExists(ctx, receiverID)
	if err != nil {
		if errors.Is(err, ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: lookup recipient: %w", ErrStorage, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, receiverID)
	}
	return nil
}

// validate checks shape only: self-send, blank or oversized body.
func (r *Router) validate(senderID, receiverID, body string) (store.ConversationKey, error) {
	if senderID == receiverID {
		return store.ConversationKey{}, fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	}
	if strings.TrimSpace(body) == "" {
		return store.ConversationKey{}, fmt.Errorf("%w: message body must not be empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(body); n > r.maxBodyLength {
		return store.ConversationKey{}, fmt.Errorf("%w: message body is %d characters, limit is %d", ErrValidation, n, r.maxBodyLength)
	}
	return store.NewConversationKey(senderID, receiverID)
}

// targets returns the receiver's sessions plus the sender's sessions other
// than the one that submitted.
func (r *Router) targets(msg *store.Message, originSessionID string) []Session {
	out := r.registry.SessionsFor(msg.ReceiverID)
	for _, s := range r.registry.SessionsFor(msg.SenderID) {
		if s.ID() == originSessionID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// enqueue appends msg to the session's lane, starting the lane worker if it
// is idle. Returns false if the lane is full or the router is closed.
func (r *Router) enqueue(s Session, msg *store.Message) bool {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()

	if r.closed {
		r.metrics.ObservePush(metrics.PushFailed, 0)
		r.logger.Debug("router closed, push not queued",
			"session_id", s.ID(),
			"message_id", msg.ID)
		return false
	}

	l, ok := r.lanes[s.ID()]
	if !ok {
		l = &lane{session: s, queue: make(chan *store.Message, r.laneSize)}
		r.lanes[s.ID()] = l
		go r.runLane(l)
	}

	select {
	case l.queue <- msg:
		return true
	default:
		r.metrics.ObservePush(metrics.PushFailed, 0)
		r.logger.Warn("push lane full, dropping",
			"session_id", s.ID(),
			"user_id", s.UserID(),
			"message_id", msg.ID)
		return false
	}
}

// runLane drains one session's lane and exits once it is empty. The empty
// check and map removal happen under lanesMu so enqueue never strands a message.
func (r *Router) runLane(l *lane) {
	for {
		r.lanesMu.Lock()
		select {
		case msg := <-l.queue:
			r.lanesMu.Unlock()
			r.push(l.session, msg)
		default:
			delete(r.lanes, l.session.ID())
			if len(r.lanes) == 0 {
				r.drained.Broadcast()
			}
			r.lanesMu.Unlock()
			return
		}
	}
}

// push delivers one message to one session within the push timeout. Errors
// are logged and counted, never returned.
func (r *Router) push(s Session, msg *store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.pushTimeout)
	defer cancel()

	start := time.Now()
	err := s.Push(ctx, msg)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		r.metrics.ObservePush(metrics.PushDelivered, elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		r.metrics.ObservePush(metrics.PushTimeout, elapsed)
		r.logger.Warn("push timed out",
			"session_id", s.ID(),
			"user_id", s.UserID(),
			"message_id", msg.ID,
			"timeout", r.pushTimeout)
	case errors.Is(err, ErrSessionClosed):
		r.metrics.ObservePush(metrics.PushFailed, elapsed)
		r.logger.Debug("push to closed session dropped",
			"session_id", s.ID(),
			"message_id", msg.ID)
	default:
		r.metrics.ObservePush(metrics.PushFailed, elapsed)
		r.logger.Warn("push failed",
			"session_id", s.ID(),
			"user_id", s.UserID(),
			"message_id", msg.ID,
			"error", err)
	}
}

// Wait blocks until no lane has pushes pending. It may be called at any time,
// including while other goroutines submit; under steady load it returns at
// the first moment every lane is idle.
func (r *Router) Wait() {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	for len(r.lanes) > 0 {
		r.drained.Wait()
	}
}

// Close stops the router from queuing new pushes. Messages are still
// appended; sessions pick them up through history. Pushes already queued
// keep draining, so Close followed by Wait finishes outstanding delivery.
func (r *Router) Close() {
	r.lanesMu.Lock()
	r.closed = true
	r.lanesMu.Unlock()
	r.logger.Debug("router closed")
}
