package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Close codes used on the relay surface beyond the RFC set.
const (
	// StatusExtensionReplaced closes a displaced extension socket. The
	// replaced extension must not reconnect after observing it.
	StatusExtensionReplaced websocket.StatusCode = 4001

	reasonExtensionReplaced = "Extension Replaced"
)

// socket wraps one accepted websocket with a bounded outbound queue and a
// single writer goroutine. Producers enqueue without blocking; a full queue or
// a write stall past the configured timeout closes the peer with 1011.
type socket struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	// onDead runs once when the writer gives up on the peer. It must not
	// enqueue to this socket.
	onDead func()
}

func newSocket(conn *websocket.Conn, logger *slog.Logger, writeTimeout time.Duration, queueDepth int, onDead func()) *socket {
	s := &socket{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueDepth),
		done:         make(chan struct{}),
		onDead:       onDead,
	}
	go s.writeLoop()
	return s
}

func (s *socket) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					s.logger.Warn("peer write stalled, closing", "timeout", s.writeTimeout)
					s.close(websocket.StatusInternalError, "write stalled")
				} else {
					s.close(websocket.StatusNormalClosure, "")
				}
				if s.onDead != nil {
					s.onDead()
				}
				return
			}
		}
	}
}

// enqueue queues a frame for delivery. It reports false when the peer's queue
// is full, which the hub treats as a stalled client.
func (s *socket) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return true // already closing; drop silently
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the socket down exactly once. Safe from any goroutine.
func (s *socket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}
