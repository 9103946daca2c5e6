package relay

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

// RunClient owns an accepted client root websocket until it closes. The root
// socket speaks browser-level CDP; targets are revealed through
// Target.setDiscoverTargets and Target.attachToTarget. Blocks for the life of
// the connection.
func (h *Hub) RunClient(ctx context.Context, conn *websocket.Conn) {
	c := &Client{
		id:       cuid2.Generate(),
		sessions: make(map[string]*sessionBinding),
	}
	c.root = newSocket(conn, h.logger.With("client", c.id), h.cfg.WriteTimeout, h.cfg.SendQueueDepth, func() {
		h.dropClient(c, websocket.StatusInternalError, "write stalled")
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("client connected", "client", c.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		h.handleClientFrame(c, c.root, "", data)
	}

	h.dropClient(c, websocket.StatusNormalClosure, "")
	h.logger.Info("client disconnected", "client", c.id)
}

// RunSession owns an accepted per-session websocket. The session must be
// live; the socket binds to the client that attached to the session and any
// events buffered since the attach are drained in order. Blocks for the life
// of the connection.
func (h *Hub) RunSession(ctx context.Context, conn *websocket.Conn, sessionID string) {
	h.mu.Lock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}

	// Prefer the client that attached flat and has no socket yet; fall back
	// to any client that knows the session, then to any client at all.
	var owner *Client
	for _, c := range h.clients {
		if b, ok := c.sessions[sessionID]; ok && b.sock == nil && !b.viaRoot {
			owner = c
			break
		}
	}
	if owner == nil {
		for _, c := range h.clients {
			if _, ok := c.sessions[sessionID]; ok {
				owner = c
				break
			}
		}
	}
	if owner == nil {
		for _, c := range h.clients {
			owner = c
			break
		}
	}
	if owner == nil {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "no client connected")
		return
	}

	b, ok := owner.sessions[sessionID]
	if !ok {
		b = &sessionBinding{buf: newEventBuffer(h.cfg.EventBufferDepth)}
		owner.sessions[sessionID] = b
	}
	// A stall on any of the client's sockets condemns the whole client, the
	// same as a stalled root.
	sock := newSocket(conn, h.logger.With("client", owner.id, "session", sessionID), h.cfg.WriteTimeout, h.cfg.SendQueueDepth, func() {
		h.dropClient(owner, websocket.StatusInternalError, "write stalled")
	})
	old := b.sock
	b.sock = sock
	b.viaRoot = false
	backlog := b.buf.drain()
	h.mu.Unlock()

	if old != nil {
		old.close(websocket.StatusNormalClosure, "superseded")
	}
	h.logger.Info("session socket bound", "client", owner.id, "session", sessionID, "buffered", len(backlog))
	for _, m := range backlog {
		if frame, err := m.Encode(); err == nil {
			sock.enqueue(frame)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		h.handleClientFrame(owner, sock, sessionID, data)
	}

	h.mu.Lock()
	if cur, ok := owner.sessions[sessionID]; ok && cur.sock == sock {
		cur.sock = nil
	}
	h.mu.Unlock()
	sock.close(websocket.StatusNormalClosure, "")
}

// handleClientFrame parses and routes one frame from a client socket.
// impliedSession is non-empty on per-session sockets, where the session id is
// carried by the connection rather than the frame.
func (h *Hub) handleClientFrame(c *Client, sock *socket, impliedSession string, data []byte) {
	msg, errFrame, perr := cdp.ParseMessage(data)
	if perr != nil {
		// Parse errors answer the sender and close nothing.
		h.send(sock, errFrame)
		return
	}
	if msg.Method == "" {
		h.replyError(sock, msg.ID, cdp.CodeServerError, "message has no method", "", false)
		return
	}
	if impliedSession != "" {
		h.forward(c, sock, msg, impliedSession, false)
		return
	}
	h.handleRootCommand(c, msg)
}

// handleRootCommand interprets the browser-level subset the relay itself
// answers and forwards everything else to the extension.
func (h *Hub) handleRootCommand(c *Client, msg *cdp.Message) {
	if msg.SessionID != "" {
		h.handleLegacySessionCommand(c, msg)
		return
	}

	switch msg.Method {
	case cdp.CommandSetDiscoverTargets:
		h.handleSetDiscoverTargets(c, msg)
	case cdp.CommandAttachToTarget:
		h.handleAttachToTarget(c, msg)
	default:
		// Browser.getVersion, Target.getTargets and any other browser-level
		// command route through the extension, which answers via an
		// arbitrary attached tab.
		h.forward(c, c.root, msg, "", false)
	}
}

// handleLegacySessionCommand serves non-flat clients that multiplex sessions
// over the root socket with a sessionId field.
func (h *Hub) handleLegacySessionCommand(c *Client, msg *cdp.Message) {
	h.mu.Lock()
	_, ok := h.sessions[msg.SessionID]
	var backlog []*cdp.Message
	if ok {
		b, bound := c.sessions[msg.SessionID]
		if !bound {
			b = &sessionBinding{buf: newEventBuffer(h.cfg.EventBufferDepth)}
			c.sessions[msg.SessionID] = b
		}
		if b.sock == nil && !b.viaRoot {
			b.viaRoot = true
			backlog = b.buf.drain()
		}
	}
	h.mu.Unlock()

	if !ok {
		h.replyError(c.root, msg.ID, cdp.CodeServerError, "Session not found: "+msg.SessionID, msg.SessionID, true)
		return
	}
	for _, m := range backlog {
		tagged := *m
		tagged.SessionID = msg.SessionID
		h.send(c.root, &tagged)
	}
	h.forward(c, c.root, msg, msg.SessionID, true)
}

func (h *Hub) handleSetDiscoverTargets(c *Client, msg *cdp.Message) {
	var p cdp.SetDiscoverTargetsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			h.replyError(c.root, msg.ID, cdp.CodeServerError, "invalid setDiscoverTargets params", "", false)
			return
		}
	}

	h.mu.Lock()
	c.discover = p.Discover
	var infos []cdp.TargetCreatedParams
	if p.Discover {
		for _, s := range h.sessions {
			infos = append(infos, cdp.TargetCreatedParams{TargetInfo: s.info})
		}
	}
	h.mu.Unlock()

	// Succeeds with no extension attached; it simply discovers nothing.
	for _, info := range infos {
		h.sendEvent(c.root, cdp.EventTargetCreated, info)
	}
	h.reply(c.root, msg.ID, struct{}{})
}

func (h *Hub) handleAttachToTarget(c *Client, msg *cdp.Message) {
	var p cdp.AttachToTargetParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		h.replyError(c.root, msg.ID, cdp.CodeServerError, "invalid attachToTarget params", "", false)
		return
	}

	h.mu.Lock()
	var found *session
	for _, s := range h.sessions {
		if s.info.TargetID == p.TargetID {
			found = s
			break
		}
	}
	if found == nil {
		h.mu.Unlock()
		h.replyError(c.root, msg.ID, cdp.CodeServerError, "No target with given targetId found", "", false)
		return
	}
	b, ok := c.sessions[found.id]
	if !ok {
		b = &sessionBinding{buf: newEventBuffer(h.cfg.EventBufferDepth)}
		c.sessions[found.id] = b
	}
	if !p.Flatten {
		b.viaRoot = true
	}
	sessionID := found.id
	raw := found.raw
	h.mu.Unlock()

	// Chrome emits attachedToTarget before the command response; clients
	// depend on that order.
	h.sendEvent(c.root, cdp.EventAttachedToTarget, json.RawMessage(raw))
	h.reply(c.root, msg.ID, cdp.AttachToTargetResult{SessionID: sessionID})
}

// forward translates a client command into a forwardCDPCommand envelope: the
// client-visible id goes into the pending table and the extension sees an id
// from the hub's own sequence.
func (h *Hub) forward(c *Client, sock *socket, msg *cdp.Message, sessionID string, includeSession bool) {
	h.mu.Lock()
	ext := h.ext
	if ext == nil {
		h.mu.Unlock()
		h.replyError(sock, msg.ID, cdp.CodeServerError, "no extension connected", sessionID, includeSession)
		return
	}
	if sessionID != "" {
		if _, ok := h.sessions[sessionID]; !ok {
			h.mu.Unlock()
			h.replyError(sock, msg.ID, cdp.CodeServerError, "Session not found: "+sessionID, sessionID, includeSession)
			return
		}
	}
	if c.pendingCount >= h.cfg.PendingLimit {
		h.mu.Unlock()
		h.replyError(sock, msg.ID, cdp.CodeServerError, "client backlog exceeded", sessionID, includeSession)
		return
	}
	h.seq++
	id := h.seq
	h.pending[id] = &pending{
		client:         c,
		sock:           sock,
		clientID:       msg.ID,
		sessionID:      sessionID,
		includeSession: includeSession,
	}
	c.pendingCount++
	h.mu.Unlock()

	env, err := cdp.NewCommand(id, cdp.MethodForwardCommand, cdp.ForwardPayload{
		SessionID: sessionID,
		Method:    msg.Method,
		Params:    msg.Params,
	})
	if err != nil {
		h.discardPending(id)
		h.replyError(sock, msg.ID, cdp.CodeServerError, "encode command: "+err.Error(), sessionID, includeSession)
		return
	}
	frame, err := env.Encode()
	if err != nil {
		h.discardPending(id)
		return
	}
	if !ext.sock.enqueue(frame) {
		h.discardPending(id)
		h.replyError(sock, msg.ID, cdp.CodeServerError, "extension send queue full", sessionID, includeSession)
	}
}

// dropClient removes a client, cancels its pending commands, and closes its
// sockets. Responses that later arrive for the cancelled commands are logged
// and dropped by routeResponse.
func (h *Hub) dropClient(c *Client, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for id, p := range h.pending {
		if p.client == c {
			delete(h.pending, id)
		}
	}
	var socks []*socket
	for _, b := range c.sessions {
		if b.sock != nil {
			socks = append(socks, b.sock)
		}
	}
	c.sessions = make(map[string]*sessionBinding)
	h.mu.Unlock()

	for _, sock := range socks {
		sock.close(code, reason)
	}
	c.root.close(code, reason)
}
