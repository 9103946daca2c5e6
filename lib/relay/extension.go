package relay

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

// RunExtension owns an accepted extension websocket until it closes. Only one
// extension may be attached at a time: a newcomer displaces the current one,
// which is closed with 4001 and must not reconnect. Blocks for the life of
// the connection.
func (h *Hub) RunExtension(ctx context.Context, conn *websocket.Conn) {
	ext := &extension{conn: conn}
	ext.sock = newSocket(conn, h.logger, h.cfg.WriteTimeout, h.cfg.SendQueueDepth, nil)

	h.mu.Lock()
	prev := h.ext
	h.ext = ext
	var failed []*pending
	var detaches []sessionDetach
	if prev != nil {
		failed = h.takePendingLocked()
		detaches = h.detachAllSessionsLocked()
	}
	h.mu.Unlock()

	if prev != nil {
		h.logger.Warn("extension replaced, closing previous connection")
		prev.sock.close(StatusExtensionReplaced, reasonExtensionReplaced)
		h.failPending(failed, &cdp.Error{Code: cdp.CodeServerError, Message: "extension replaced"})
		h.applyDetaches(detaches)
	}

	h.logger.Info("extension connected")
	h.readExtension(ctx, ext)

	h.mu.Lock()
	current := h.ext == ext
	if current {
		h.ext = nil
		failed = h.takePendingLocked()
		detaches = h.detachAllSessionsLocked()
	}
	h.mu.Unlock()

	ext.sock.close(websocket.StatusNormalClosure, "")
	if current {
		h.logger.Info("extension disconnected")
		h.failPending(failed, &cdp.Error{Code: cdp.CodeServerError, Message: "extension disconnected"})
		h.applyDetaches(detaches)
	}
}

func (h *Hub) readExtension(ctx context.Context, ext *extension) {
	for {
		_, data, err := ext.conn.Read(ctx)
		if err != nil {
			return
		}
		msg, errFrame, perr := cdp.ParseMessage(data)
		if perr != nil {
			h.logger.Warn("malformed frame from extension", "err", perr)
			if frame, encErr := errFrame.Encode(); encErr == nil {
				ext.sock.enqueue(frame)
			}
			continue
		}
		if msg.IsResponse() {
			h.routeResponse(msg)
			continue
		}
		h.handleExtensionMethod(msg)
	}
}

// routeResponse rewrites an extension response to the originating client
// socket, or resolves an internal waiter. Responses for unknown ids (client
// gone, command already failed) are logged and dropped.
func (h *Hub) routeResponse(msg *cdp.Message) {
	h.mu.Lock()
	p, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
		if p.client != nil {
			p.client.pendingCount--
		}
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("response for unknown command id, dropping", "id", msg.ID)
		return
	}
	if p.ch != nil {
		p.ch <- msg
		return
	}
	reply := &cdp.Message{ID: p.clientID, Result: msg.Result, Error: msg.Error}
	if p.includeSession {
		reply.SessionID = p.sessionID
	}
	h.send(p.sock, reply)
}

func (h *Hub) handleExtensionMethod(msg *cdp.Message) {
	switch msg.Method {
	case cdp.MethodForwardEvent:
		var fp cdp.ForwardPayload
		if err := json.Unmarshal(msg.Params, &fp); err != nil {
			h.logger.Warn("bad forwardCDPEvent payload", "err", err)
			return
		}
		h.handleForwardedEvent(fp)
	case cdp.MethodRecordingChunk:
		var p cdp.RecordingChunkParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			h.logger.Warn("bad recordingChunk payload", "err", err)
			return
		}
		if sink := h.recordingSink(); sink != nil {
			sink.HandleChunk(p.TabID, p.Data, p.Final)
		}
	case cdp.MethodRecordingCancelled:
		var p cdp.RecordingCancelledParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		if sink := h.recordingSink(); sink != nil {
			sink.HandleCancelled(p.TabID)
		}
	case cdp.MethodLog:
		var p cdp.LogParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		h.mu.Lock()
		logs := h.logs
		h.mu.Unlock()
		if logs != nil {
			logs.ExtensionLog(p.Level, p.Args)
		}
	default:
		h.logger.Warn("unknown extension method", "method", msg.Method)
	}
}

func (h *Hub) recordingSink() RecordingSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recording
}

func (h *Hub) handleForwardedEvent(fp cdp.ForwardPayload) {
	switch fp.Method {
	case cdp.EventAttachedToTarget:
		h.handleTargetAttached(fp.Params)
	case cdp.EventDetachedFromTarget:
		h.handleTargetDetached(fp.Params)
	default:
		h.dispatchEvent(fp)
	}
}

// handleTargetAttached registers a session announced by the extension and
// fans the lifecycle events out to every client root socket.
func (h *Hub) handleTargetAttached(raw json.RawMessage) {
	var p cdp.AttachedToTargetParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		h.logger.Warn("bad attachedToTarget payload", "err", err)
		return
	}

	h.mu.Lock()
	if _, exists := h.sessions[p.SessionID]; exists {
		h.logger.Warn("duplicate session announcement", "session", p.SessionID)
		h.mu.Unlock()
		return
	}
	h.attachSeq++
	h.sessions[p.SessionID] = &session{
		id:    p.SessionID,
		tabID: p.TabID,
		info:  p.TargetInfo,
		raw:   raw,
		order: h.attachSeq,
	}
	var roots, discover []*socket
	for _, c := range h.clients {
		roots = append(roots, c.root)
		if c.discover {
			discover = append(discover, c.root)
		}
	}
	h.mu.Unlock()

	h.logger.Info("session attached", "session", p.SessionID, "tab", p.TabID, "target", p.TargetInfo.TargetID)

	if created, err := cdp.NewEvent(cdp.EventTargetCreated, cdp.TargetCreatedParams{TargetInfo: p.TargetInfo}); err == nil {
		if frame, err := created.Encode(); err == nil {
			for _, root := range discover {
				root.enqueue(frame)
			}
		}
	}
	if attached, err := cdp.NewEvent(cdp.EventAttachedToTarget, raw); err == nil {
		if frame, err := attached.Encode(); err == nil {
			for _, root := range roots {
				root.enqueue(frame)
			}
		}
	}
}

// handleTargetDetached unregisters a session. Detaching an unknown session is
// a no-op.
func (h *Hub) handleTargetDetached(raw json.RawMessage) {
	var p cdp.DetachedFromTargetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[p.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	d := h.detachSessionLocked(s)
	h.mu.Unlock()

	h.logger.Info("session detached", "session", p.SessionID, "tab", s.tabID)
	h.applyDetaches([]sessionDetach{d})
}

// dispatchEvent fans a forwarded CDP event out to subscribed clients.
// Browser-level events (no sessionId) broadcast to every root socket.
func (h *Hub) dispatchEvent(fp cdp.ForwardPayload) {
	msg := &cdp.Message{Method: fp.Method, Params: fp.Params}

	if fp.SessionID == "" {
		frame, err := msg.Encode()
		if err != nil {
			return
		}
		h.mu.Lock()
		roots := make([]*socket, 0, len(h.clients))
		for _, c := range h.clients {
			roots = append(roots, c.root)
		}
		h.mu.Unlock()
		for _, root := range roots {
			root.enqueue(frame)
		}
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[fp.SessionID]
	if !ok {
		h.mu.Unlock()
		h.logger.Warn("event for unknown session, dropping", "session", fp.SessionID, "method", fp.Method)
		return
	}
	if fp.Method == cdp.EventTargetInfoChanged {
		var p cdp.TargetInfoChangedParams
		if err := json.Unmarshal(fp.Params, &p); err == nil && p.TargetInfo.TargetID == s.info.TargetID {
			s.info = p.TargetInfo
		}
	}
	type stalledClient struct {
		c    *Client
		sock *socket
	}
	var stalled []stalledClient
	for _, c := range h.clients {
		b, ok := c.sessions[fp.SessionID]
		if !ok {
			continue
		}
		dropped, stall := c.deliver(b, fp.SessionID, msg)
		if dropped > 0 {
			h.logger.Warn("session event buffer overflow, dropping oldest",
				"session", fp.SessionID, "client", c.id, "dropped", dropped)
		}
		if stall != nil {
			stalled = append(stalled, stalledClient{c, stall})
		}
	}
	h.mu.Unlock()

	for _, s := range stalled {
		h.logger.Warn("client stalled, dropping", "client", s.c.id)
		s.sock.close(websocket.StatusInternalError, "send queue overflow")
		h.dropClient(s.c, websocket.StatusInternalError, "send queue overflow")
	}
}
