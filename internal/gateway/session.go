// ABOUTME: WebSocket-backed delivery session bound to one authenticated user
// ABOUTME: All writes go through a bounded queue drained by a single writer goroutine

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-dm/internal/conversation"
	"github.com/2389/coven-dm/internal/store"
)

// errSendQueueFull is returned by Push when the client is not keeping up.
var errSendQueueFull = errors.New("send queue full")

type sessionOptions struct {
	queueSize    int
	writeTimeout time.Duration
	pingInterval time.Duration
	submitRate   float64
	submitBurst  int
}

// wsSession implements conversation.Session over a gorilla/websocket conn.
// gorilla allows one concurrent writer, so only writeLoop writes data frames.
type wsSession struct {
	id          string
	userID      string
	conn        *websocket.Conn
	connectedAt time.Time

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	limiter      *rate.Limiter
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

func newWSSession(conn *websocket.Conn, userID string, opts sessionOptions, logger *slog.Logger) *wsSession {
	id := uuid.NewString()
	if opts.queueSize < 1 {
		opts.queueSize = 1
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = 10 * time.Second
	}
	if opts.pingInterval <= 0 {
		opts.pingInterval = 30 * time.Second
	}
	return &wsSession{
		id:           id,
		userID:       userID,
		conn:         conn,
		connectedAt:  time.Now(),
		send:         make(chan Frame, opts.queueSize),
		done:         make(chan struct{}),
		limiter:      newSubmitLimiter(opts.submitRate, opts.submitBurst),
		writeTimeout: opts.writeTimeout,
		pingInterval: opts.pingInterval,
		logger:       logger.With("session_id", id, "user_id", userID),
	}
}

func (s *wsSession) ID() string     { return s.id }
func (s *wsSession) UserID() string { return s.userID }

// Push queues msg as a message event. It never waits on the socket: a full
// queue or closed session fails at once.
func (s *wsSession) Push(ctx context.Context, msg *store.Message) error {
	f, err := NewEvent(EventMessage, toMessageDTO(msg), msg.Seq)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return conversation.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return conversation.ErrSessionClosed
	default:
		return errSendQueueFull
	}
}

// reply queues a response frame, waiting for room while the session is open.
func (s *wsSession) reply(f Frame) error {
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return conversation.ErrSessionClosed
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// readDeadline is how long a silent client survives: two ping periods.
func (s *wsSession) readDeadline() time.Time {
	return time.Now().Add(2 * s.pingInterval)
}

// close stops the writer and closes the socket. Safe to call more than once.
func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
