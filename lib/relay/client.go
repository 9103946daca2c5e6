package relay

import (
	"github.com/tabrelay/cdp-relay/lib/cdp"
)

// Client is one connected client process: its root socket plus zero or more
// per-session sockets. All fields are guarded by the hub mutex.
type Client struct {
	id   string
	root *socket

	// sessions the client has attached to, keyed by synthesized session id.
	sessions map[string]*sessionBinding

	// discover is set by Target.setDiscoverTargets and controls
	// Target.targetCreated fan-out.
	discover bool

	// pendingCount tracks commands in flight toward the extension.
	pendingCount int
}

// sessionBinding tracks how session-scoped traffic reaches a client. Until a
// delivery path exists, events are buffered.
type sessionBinding struct {
	// sock is the dedicated per-session socket, nil until the client opens
	// /cdp/<sessionId>.
	sock *socket

	// viaRoot marks legacy non-flat delivery: frames ride the root socket
	// tagged with sessionId.
	viaRoot bool

	buf *eventBuffer
}

// deliver routes one session frame to the client, buffering when no delivery
// path is bound yet. It returns the socket that must be torn down when the
// peer's queue is full, and the buffer's drop count (-1 when not buffered).
func (c *Client) deliver(b *sessionBinding, sessionID string, msg *cdp.Message) (dropped int, stalled *socket) {
	switch {
	case b.sock != nil:
		// Dedicated session socket: the session is implied, no sessionId.
		if frame, err := msg.Encode(); err == nil && !b.sock.enqueue(frame) {
			return -1, b.sock
		}
	case b.viaRoot:
		tagged := *msg
		tagged.SessionID = sessionID
		if frame, err := tagged.Encode(); err == nil && !c.root.enqueue(frame) {
			return -1, c.root
		}
	default:
		return b.buf.push(msg), nil
	}
	return -1, nil
}
