package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/coder/websocket"
	"github.com/samber/lo"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

// ErrNoExtension is returned for operations that need an attached extension.
var ErrNoExtension = errors.New("no extension connected")

// Config tunes hub behavior. Zero values take the defaults below.
type Config struct {
	// EventBufferDepth bounds buffered events per attached-but-unbound
	// session.
	EventBufferDepth int
	// PendingLimit caps in-flight commands per client.
	PendingLimit int
	// WriteTimeout is the per-peer write stall budget.
	WriteTimeout time.Duration
	// SendQueueDepth is the outbound frame queue per socket.
	SendQueueDepth int
}

func (c Config) withDefaults() Config {
	if c.EventBufferDepth <= 0 {
		c.EventBufferDepth = 1024
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 10000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = 1024
	}
	return c
}

// RecordingSink receives recording traffic arriving on the extension socket
// plus tab lifecycle notifications the recording coordinator cares about.
type RecordingSink interface {
	HandleChunk(tabID int64, data []byte, final bool)
	HandleCancelled(tabID int64)
	HandleTabDetached(tabID int64)
}

// LogSink receives extension console output forwarded over the envelope.
type LogSink interface {
	ExtensionLog(level string, args []json.RawMessage)
}

// Hub is the process-wide relay singleton: the single extension socket, the
// set of client sessions, and the id-translation and fan-out engine between
// them.
type Hub struct {
	logger *slog.Logger
	cfg    Config

	mu        sync.Mutex
	ext       *extension
	seq       int64 // ids for extension-bound commands
	attachSeq int64 // session attach order
	pending   map[int64]*pending
	clients   map[string]*Client
	sessions  map[string]*session

	recording RecordingSink
	logs      LogSink
}

// session is one live synthesized session: the owning tab, the cached
// targetInfo, and the raw attachedToTarget payload for replay to late
// attachers.
type session struct {
	id    string
	tabID int64
	info  target.Info
	raw   json.RawMessage
	order int64
}

// extension is the current extension connection.
type extension struct {
	conn *websocket.Conn
	sock *socket
}

// pending tracks one command forwarded to the extension awaiting its
// response. Either a client socket route or an internal waiter channel is
// set, never both.
type pending struct {
	client         *Client
	sock           *socket
	clientID       int64
	sessionID      string
	includeSession bool
	ch             chan *cdp.Message
}

func NewHub(logger *slog.Logger, cfg Config) *Hub {
	return &Hub{
		logger:   logger,
		cfg:      cfg.withDefaults(),
		pending:  make(map[int64]*pending),
		clients:  make(map[string]*Client),
		sessions: make(map[string]*session),
	}
}

// SetRecordingSink wires the recording coordinator. Must be called before the
// extension connects.
func (h *Hub) SetRecordingSink(sink RecordingSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = sink
}

// SetLogSink wires the extension log sink.
func (h *Hub) SetLogSink(sink LogSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = sink
}

// ExtensionConnected reports whether an extension socket is attached.
func (h *Hub) ExtensionConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ext != nil
}

// SessionTab resolves a synthesized session id to its owning tab id.
func (h *Hub) SessionTab(sessionID string) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return s.tabID, true
}

// FirstTab returns the tab id of the earliest-attached live session.
func (h *Hub) FirstTab() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) == 0 {
		return 0, false
	}
	first := lo.MinBy(lo.Values(h.sessions), func(a, b *session) bool {
		return a.order < b.order
	})
	return first.tabID, true
}

// TabSession resolves a tab id back to its live session id.
func (h *Hub) TabSession(tabID int64) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if s.tabID == tabID {
			return s.id, true
		}
	}
	return "", false
}

// CallExtension sends a control command over the envelope and waits for the
// extension's response. Used by the recording coordinator; there is no
// timeout beyond ctx.
func (h *Hub) CallExtension(ctx context.Context, method string, params any) (json.RawMessage, error) {
	cmdParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	h.mu.Lock()
	ext := h.ext
	if ext == nil {
		h.mu.Unlock()
		return nil, ErrNoExtension
	}
	h.seq++
	id := h.seq
	ch := make(chan *cdp.Message, 1)
	h.pending[id] = &pending{ch: ch}
	h.mu.Unlock()

	cmd := &cdp.Message{ID: id, Method: method, Params: cmdParams}
	frame, err := cmd.Encode()
	if err != nil {
		h.discardPending(id)
		return nil, err
	}
	if !ext.sock.enqueue(frame) {
		h.discardPending(id)
		return nil, fmt.Errorf("extension send queue full")
	}

	select {
	case <-ctx.Done():
		h.discardPending(id)
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Shutdown tears the hub down for process exit: every client sees a
// detachedFromTarget per live session, then all sockets close gracefully.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	ext := h.ext
	h.ext = nil
	failed := h.takePendingLocked()
	detaches := h.detachAllSessionsLocked()
	clients := lo.Values(h.clients)
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	h.failPending(failed, &cdp.Error{Code: cdp.CodeServerError, Message: "relay shutting down"})
	h.applyDetaches(detaches)
	for _, c := range clients {
		c.root.close(websocket.StatusNormalClosure, "relay shutting down")
	}
	if ext != nil {
		ext.sock.close(websocket.StatusNormalClosure, "relay shutting down")
	}
	return nil
}

// --- shared internals ---

// sessionDetach captures everything needed to announce one session's demise
// outside the hub lock.
type sessionDetach struct {
	sessionID string
	tabID     int64
	roots     []*socket // every client root gets detachedFromTarget
	discover  []*socket // discovery clients also get targetDestroyed
	targetID  target.ID
	socks     []*socket // bound per-session sockets to close
}

// detachSessionLocked removes one session and its client bindings. Caller
// holds h.mu and must pass the result to applyDetaches after unlocking.
func (h *Hub) detachSessionLocked(s *session) sessionDetach {
	d := sessionDetach{sessionID: s.id, tabID: s.tabID, targetID: s.info.TargetID}
	for _, c := range h.clients {
		d.roots = append(d.roots, c.root)
		if c.discover {
			d.discover = append(d.discover, c.root)
		}
		if b, ok := c.sessions[s.id]; ok {
			if b.sock != nil {
				d.socks = append(d.socks, b.sock)
			}
			delete(c.sessions, s.id)
		}
	}
	delete(h.sessions, s.id)
	return d
}

func (h *Hub) detachAllSessionsLocked() []sessionDetach {
	var out []sessionDetach
	for _, s := range lo.Values(h.sessions) {
		out = append(out, h.detachSessionLocked(s))
	}
	return out
}

// applyDetaches delivers the lifecycle fallout of detached sessions: the
// detachedFromTarget fan-out, graceful close of bound session sockets, and
// recording auto-cancel.
func (h *Hub) applyDetaches(detaches []sessionDetach) {
	for _, d := range detaches {
		event, err := cdp.NewEvent(cdp.EventDetachedFromTarget, cdp.DetachedFromTargetParams{SessionID: d.sessionID})
		if err != nil {
			continue
		}
		frame, err := event.Encode()
		if err != nil {
			continue
		}
		for _, root := range d.roots {
			root.enqueue(frame)
		}
		if destroyed, err := cdp.NewEvent(cdp.EventTargetDestroyed, cdp.TargetDestroyedParams{TargetID: d.targetID}); err == nil {
			if dframe, err := destroyed.Encode(); err == nil {
				for _, root := range d.discover {
					root.enqueue(dframe)
				}
			}
		}
		for _, sock := range d.socks {
			sock.close(websocket.StatusNormalClosure, "target detached")
		}
		h.mu.Lock()
		sink := h.recording
		h.mu.Unlock()
		if sink != nil {
			sink.HandleTabDetached(d.tabID)
		}
	}
}

// takePendingLocked drains the pending table for bulk failure. Caller holds
// h.mu.
func (h *Hub) takePendingLocked() []*pending {
	out := lo.Values(h.pending)
	h.pending = make(map[int64]*pending)
	for _, c := range h.clients {
		c.pendingCount = 0
	}
	return out
}

// failPending resolves forwarded commands with an error reply after the
// extension went away.
func (h *Hub) failPending(list []*pending, cdpErr *cdp.Error) {
	for _, p := range list {
		if p.ch != nil {
			p.ch <- &cdp.Message{Error: cdpErr}
			continue
		}
		reply := cdp.NewErrorResponse(p.clientID, cdpErr)
		if p.includeSession {
			reply.SessionID = p.sessionID
		}
		if frame, err := reply.Encode(); err == nil {
			p.sock.enqueue(frame)
		}
	}
}

func (h *Hub) discardPending(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pending[id]; ok {
		if p.client != nil {
			p.client.pendingCount--
		}
		delete(h.pending, id)
	}
}

// reply sends a success response on a socket.
func (h *Hub) reply(sock *socket, id int64, result any) {
	msg, err := cdp.NewResponse(id, result)
	if err != nil {
		h.logger.Error("encode response", "err", err)
		return
	}
	h.send(sock, msg)
}

// replyError sends an error response on a socket.
func (h *Hub) replyError(sock *socket, id int64, code int, message, sessionID string, includeSession bool) {
	msg := cdp.NewErrorResponse(id, &cdp.Error{Code: code, Message: message})
	if includeSession {
		msg.SessionID = sessionID
	}
	h.send(sock, msg)
}

// sendEvent sends an event frame on a socket.
func (h *Hub) sendEvent(sock *socket, method string, params any) {
	msg, err := cdp.NewEvent(method, params)
	if err != nil {
		h.logger.Error("encode event", "err", err)
		return
	}
	h.send(sock, msg)
}

func (h *Hub) send(sock *socket, msg *cdp.Message) {
	frame, err := msg.Encode()
	if err != nil {
		h.logger.Error("encode frame", "err", err)
		return
	}
	if !sock.enqueue(frame) {
		h.logger.Warn("peer send queue full, closing")
		sock.close(websocket.StatusInternalError, "send queue overflow")
	}
}
