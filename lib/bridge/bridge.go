// Package bridge is the extension side of the relay: it holds the websocket
// to the relay, drives the browser debugger for consented tabs, synthesizes
// the target lifecycle, and streams capture chunks upward.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

const (
	handshakeTimeout = 5 * time.Second
	healthInterval   = time.Second
	wireWriteTimeout = 30 * time.Second

	// statusReplaced is the relay's close code when another extension takes
	// the slot. A bridge closed with it must not reconnect.
	statusReplaced = 4001

	detachReasonUserCancel = "canceled_by_user"
)

// Options configure a Bridge.
type Options struct {
	// RelayURL is the relay's HTTP base, e.g. http://127.0.0.1:9223.
	RelayURL string
	// Origin is sent on the /extension upgrade. Defaults to a
	// chrome-extension:// origin the relay accepts.
	Origin   string
	Debugger Debugger
	// Capturer is optional; without one, recording commands fail.
	Capturer Capturer

	// OnClose fires after each relay connection ends, once tabs are detached.
	OnClose func()
	// OnTabsDetached fires when the browser detaches tabs out from under the
	// bridge, with the browser's reason.
	OnTabsDetached func(tabIDs []int64, reason string)
}

// Bridge runs the extension side of the envelope protocol. One Bridge serves
// one relay; Run blocks and reconnects until the context ends or the relay
// replaces this bridge with another.
type Bridge struct {
	logger *slog.Logger
	opts   Options
	wsURL  string
	client *http.Client

	mu     sync.Mutex
	reg    *registry
	wanted map[int64]struct{}
}

func New(logger *slog.Logger, opts Options) (*Bridge, error) {
	if opts.RelayURL == "" {
		return nil, errors.New("relay URL is required")
	}
	if opts.Debugger == nil {
		return nil, errors.New("debugger is required")
	}
	if opts.Origin == "" {
		opts.Origin = "chrome-extension://tab-relay-bridge"
	}
	wsURL := strings.Replace(opts.RelayURL, "http", "ws", 1) + "/extension"
	return &Bridge{
		logger: logger,
		opts:   opts,
		wsURL:  wsURL,
		client: &http.Client{Timeout: 2 * time.Second},
		reg:    newRegistry(),
		wanted: make(map[int64]struct{}),
	}, nil
}

// Run connects to the relay and serves until ctx ends. On connection loss the
// bridge detaches every tab, reconnects, and re-attaches the still-wanted
// tabs under fresh session ids. A 4001 close ends Run without reconnecting.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if err := b.waitHealthy(ctx); err != nil {
			return err
		}
		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("relay dial failed", "err", err)
			continue
		}
		b.logger.Info("connected to relay", "url", b.wsURL)

		replaced := b.runConn(ctx, conn)
		b.teardownTabs()
		if b.opts.OnClose != nil {
			b.opts.OnClose()
		}
		if replaced {
			b.logger.Warn("replaced by another extension, not reconnecting")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Info("relay connection lost, reconnecting")
	}
}

// AttachTab is the programmatic equivalent of the attachToTab control
// command, for hosts that attach tabs from their own UI. Only valid while the
// bridge is connected; otherwise the attach happens on the next reconnect.
func (b *Bridge) AttachTab(tabID int64) {
	b.mu.Lock()
	b.wanted[tabID] = struct{}{}
	b.mu.Unlock()
}

// waitHealthy probes the relay health endpoint once per second until it
// answers.
func (b *Bridge) waitHealthy(ctx context.Context) error {
	return retry.New(
		retry.Attempts(0),
		retry.Delay(healthInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.opts.RelayURL+"/", nil)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("relay health: status %d", resp.StatusCode)
		}
		return nil
	})
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"Origin": []string{b.opts.Origin}}
	conn, _, err := dialer.DialContext(ctx, b.wsURL, header)
	return conn, err
}

// runConn serves one relay connection. Returns true when the relay closed us
// with the replaced code.
func (b *Bridge) runConn(ctx context.Context, conn *websocket.Conn) bool {
	w := newWire(conn)
	defer w.close()

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				// The main loop may observe the closed frames channel before
				// its own ctx case fires; readErr must always carry a value.
				readErr <- ctx.Err()
				return
			}
		}
	}()

	b.reattachWanted(ctx, w)

	events := b.opts.Debugger.Events()
	var chunks <-chan CaptureChunk
	if b.opts.Capturer != nil {
		chunks = b.opts.Capturer.Chunks()
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case data, ok := <-frames:
			if !ok {
				return isReplacedClose(<-readErr)
			}
			go b.handleFrame(ctx, w, data)
		case ev := <-events:
			b.handleTabEvent(ctx, w, ev)
		case chunk := <-chunks:
			b.handleChunk(w, chunk)
		}
	}
}

// reattachWanted replays the wanted tabs on a fresh connection. Each gets a
// new session id; tabs that fail to attach (closed during the outage) are
// dropped.
func (b *Bridge) reattachWanted(ctx context.Context, w *wire) {
	b.mu.Lock()
	tabs := make([]int64, 0, len(b.wanted))
	for tabID := range b.wanted {
		tabs = append(tabs, tabID)
	}
	b.mu.Unlock()

	for _, tabID := range tabs {
		if _, err := b.attachTab(ctx, w, tabID); err != nil {
			b.logger.Warn("re-attach failed, dropping tab", "tab", tabID, "err", err)
			b.sendLog(w, "warn", fmt.Sprintf("re-attach failed for tab %d: %v", tabID, err))
			b.mu.Lock()
			delete(b.wanted, tabID)
			b.mu.Unlock()
		}
	}
}

// teardownTabs detaches the debugger from every tracked tab and clears the
// registry. The wanted set survives for the next connection.
func (b *Bridge) teardownTabs() {
	b.mu.Lock()
	tabs := b.reg.all()
	b.reg.clear()
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range tabs {
		if err := b.opts.Debugger.Detach(ctx, t.id); err != nil {
			b.logger.Warn("detach on teardown failed", "tab", t.id, "err", err)
		}
	}
}

// --- inbound frames from the relay ---

func (b *Bridge) handleFrame(ctx context.Context, w *wire, data []byte) {
	msg, errFrame, perr := cdp.ParseMessage(data)
	if perr != nil {
		if frame, err := errFrame.Encode(); err == nil {
			w.enqueue(frame)
		}
		return
	}
	if msg.IsResponse() {
		b.logger.Warn("unexpected response frame from relay", "id", msg.ID)
		return
	}

	switch msg.Method {
	case cdp.MethodForwardCommand:
		b.handleForward(ctx, w, msg)
	case cdp.MethodAttachToTab:
		var p cdp.AttachToTabParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			b.replyError(w, msg.ID, "invalid attachToTab params")
			return
		}
		if _, err := b.attachTab(ctx, w, p.TabID); err != nil {
			b.replyError(w, msg.ID, err.Error())
			return
		}
		b.reply(w, msg.ID, struct{}{})
	case cdp.MethodStartRecording:
		b.handleStartRecording(ctx, w, msg)
	case cdp.MethodStopRecording:
		b.handleRecordingControl(ctx, w, msg, func(ctx context.Context, tabID int64) error {
			return b.opts.Capturer.Stop(ctx, tabID)
		})
	case cdp.MethodCancelRecording:
		b.handleRecordingControl(ctx, w, msg, func(ctx context.Context, tabID int64) error {
			return b.opts.Capturer.Cancel(ctx, tabID)
		})
	case cdp.MethodIsRecording:
		var p cdp.StopRecordingParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			b.replyError(w, msg.ID, "invalid isRecording params")
			return
		}
		active := b.opts.Capturer != nil && b.opts.Capturer.Active(p.TabID)
		b.reply(w, msg.ID, cdp.IsRecordingResult{IsRecording: active})
	default:
		b.replyError(w, msg.ID, "unknown method: "+msg.Method)
	}
}

// handleForward executes one forwarded CDP command. Browser-level commands
// (no session id) are interpreted or routed through any attached tab;
// session-scoped commands go to the owning tab.
func (b *Bridge) handleForward(ctx context.Context, w *wire, msg *cdp.Message) {
	var fp cdp.ForwardPayload
	if err := json.Unmarshal(msg.Params, &fp); err != nil {
		b.replyError(w, msg.ID, "invalid forwardCDPCommand params")
		return
	}

	switch fp.Method {
	case cdp.CommandCreateTarget:
		b.createTarget(ctx, w, msg.ID, fp.Params)
		return
	case cdp.CommandCloseTarget:
		b.closeTarget(ctx, w, msg.ID, fp.Params)
		return
	}

	if fp.SessionID == "" {
		b.handleBrowserLevel(ctx, w, msg.ID, fp)
		return
	}

	b.mu.Lock()
	t, ok := b.reg.session(fp.SessionID)
	b.mu.Unlock()
	if !ok {
		b.replyError(w, msg.ID, "Session not found: "+fp.SessionID)
		return
	}

	result, err := b.opts.Debugger.Call(ctx, t.id, fp.Method, fp.Params)
	if err != nil {
		b.replyError(w, msg.ID, err.Error())
		return
	}

	// Chrome does not re-announce live execution contexts on a second
	// Runtime.enable; replay the cache so reconnecting clients see every
	// context before the command resolves.
	if fp.Method == cdp.CommandRuntimeEnable {
		b.mu.Lock()
		cached := t.contexts()
		b.mu.Unlock()
		for _, params := range cached {
			b.sendEventRaw(w, fp.SessionID, cdp.EventExecutionContextCreated, params)
		}
	}

	b.replyRaw(w, msg.ID, result)
}

// handleBrowserLevel answers Target.getTargets from the registry and routes
// anything else through an arbitrary attached tab.
func (b *Bridge) handleBrowserLevel(ctx context.Context, w *wire, id int64, fp cdp.ForwardPayload) {
	b.mu.Lock()
	tabs := b.reg.all()
	b.mu.Unlock()

	if fp.Method == cdp.CommandGetTargets {
		res := cdp.GetTargetsResult{}
		for _, t := range tabs {
			res.TargetInfos = append(res.TargetInfos, t.info)
		}
		b.reply(w, id, res)
		return
	}

	if len(tabs) == 0 {
		b.replyError(w, id, "no attached tabs")
		return
	}
	result, err := b.opts.Debugger.Call(ctx, tabs[0].id, fp.Method, fp.Params)
	if err != nil {
		b.replyError(w, id, err.Error())
		return
	}
	b.replyRaw(w, id, result)
}

// createTarget opens a browser tab, auto-attaches it, and answers with the
// new targetId.
func (b *Bridge) createTarget(ctx context.Context, w *wire, id int64, raw json.RawMessage) {
	var p cdp.CreateTargetParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			b.replyError(w, id, "invalid createTarget params")
			return
		}
	}
	tabID, err := b.opts.Debugger.CreateTab(ctx, p.URL)
	if err != nil {
		b.replyError(w, id, err.Error())
		return
	}
	targetID, err := b.attachTab(ctx, w, tabID)
	if err != nil {
		b.replyError(w, id, err.Error())
		return
	}
	b.reply(w, id, cdp.CreateTargetResult{TargetID: targetID})
}

// closeTarget closes the tab owning a target.
func (b *Bridge) closeTarget(ctx context.Context, w *wire, id int64, raw json.RawMessage) {
	var p cdp.CloseTargetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		b.replyError(w, id, "invalid closeTarget params")
		return
	}
	b.mu.Lock()
	t, ok := b.reg.byTarget(p.TargetID)
	b.mu.Unlock()
	if !ok {
		b.replyError(w, id, "No target with given targetId found")
		return
	}
	if err := b.opts.Debugger.CloseTab(ctx, t.id); err != nil {
		b.replyError(w, id, err.Error())
		return
	}
	b.reply(w, id, map[string]bool{"success": true})
}

func (b *Bridge) handleStartRecording(ctx context.Context, w *wire, msg *cdp.Message) {
	if b.opts.Capturer == nil {
		b.replyError(w, msg.ID, "tab capture not available")
		return
	}
	var p cdp.StartRecordingParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		b.replyError(w, msg.ID, "invalid startRecording params")
		return
	}
	err := b.opts.Capturer.Start(ctx, p.TabID, CaptureOptions{
		FrameRate:          p.FrameRate,
		VideoBitsPerSecond: p.VideoBitsPerSecond,
		AudioBitsPerSecond: p.AudioBitsPerSecond,
		Audio:              p.Audio,
	})
	if err != nil {
		// Permission failures pass through verbatim; the relay attaches the
		// user-facing hint.
		b.replyError(w, msg.ID, err.Error())
		return
	}
	b.reply(w, msg.ID, struct{}{})
}

func (b *Bridge) handleRecordingControl(ctx context.Context, w *wire, msg *cdp.Message, op func(context.Context, int64) error) {
	if b.opts.Capturer == nil {
		b.replyError(w, msg.ID, "tab capture not available")
		return
	}
	var p cdp.StopRecordingParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		b.replyError(w, msg.ID, "invalid recording params")
		return
	}
	if err := op(ctx, p.TabID); err != nil {
		b.replyError(w, msg.ID, err.Error())
		return
	}
	b.reply(w, msg.ID, struct{}{})
}

// --- tab attachment ---

// attachTab connects the debugger to a tab, allocates its session id, and
// announces Target.attachedToTarget upward.
func (b *Bridge) attachTab(ctx context.Context, w *wire, tabID int64) (target.ID, error) {
	b.mu.Lock()
	_, dup := b.reg.tab(tabID)
	b.mu.Unlock()
	if dup {
		return "", fmt.Errorf("tab %d already attached", tabID)
	}

	if err := b.opts.Debugger.Attach(ctx, tabID); err != nil {
		return "", err
	}
	raw, err := b.opts.Debugger.Call(ctx, tabID, cdp.CommandGetTargetInfo, nil)
	if err != nil {
		_ = b.opts.Debugger.Detach(ctx, tabID)
		return "", fmt.Errorf("getTargetInfo: %w", err)
	}
	var info cdp.GetTargetInfoResult
	if err := json.Unmarshal(raw, &info); err != nil {
		_ = b.opts.Debugger.Detach(ctx, tabID)
		return "", fmt.Errorf("getTargetInfo: %w", err)
	}

	b.mu.Lock()
	t := b.reg.attach(tabID, info.TargetInfo)
	sessionID := t.sessionID
	b.wanted[tabID] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("tab attached", "tab", tabID, "session", sessionID, "target", info.TargetInfo.TargetID)
	b.sendEvent(w, "", cdp.EventAttachedToTarget, cdp.AttachedToTargetParams{
		SessionID:  sessionID,
		TargetInfo: info.TargetInfo,
		TabID:      tabID,
	})
	return info.TargetInfo.TargetID, nil
}

// --- debugger events ---

func (b *Bridge) handleTabEvent(ctx context.Context, w *wire, ev TabEvent) {
	if ev.Detached {
		b.handleDetached(ctx, w, ev)
		return
	}

	b.mu.Lock()
	t, ok := b.reg.tab(ev.TabID)
	var sessionID string
	if ok {
		sessionID = t.sessionID
		switch ev.Method {
		case cdp.EventExecutionContextCreated:
			var p cdp.ExecutionContextCreatedParams
			if err := json.Unmarshal(ev.Params, &p); err == nil {
				t.addContext(p.Context.ID, ev.Params)
			}
		case cdp.EventExecutionContextDestroyed:
			var p cdp.ExecutionContextDestroyedParams
			if err := json.Unmarshal(ev.Params, &p); err == nil {
				t.removeContext(p.ExecutionContextID)
			}
		case cdp.EventExecutionContextsCleared:
			t.clearContexts()
		case cdp.EventTargetInfoChanged:
			var p cdp.TargetInfoChangedParams
			if err := json.Unmarshal(ev.Params, &p); err == nil && p.TargetInfo.TargetID == t.info.TargetID {
				t.info = p.TargetInfo
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.sendEventRaw(w, sessionID, ev.Method, ev.Params)
}

// handleDetached reacts to the browser pulling the debugger off a tab. A
// user cancel disconnects every sibling tab as well.
func (b *Bridge) handleDetached(ctx context.Context, w *wire, ev TabEvent) {
	userCancel := ev.Reason == detachReasonUserCancel

	b.mu.Lock()
	t, ok := b.reg.detach(ev.TabID)
	delete(b.wanted, ev.TabID)
	var siblings []*tabState
	if ok && userCancel {
		siblings = b.reg.all()
		b.reg.clear()
		b.wanted = make(map[int64]struct{})
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	b.logger.Info("tab detached by browser", "tab", ev.TabID, "reason", ev.Reason)
	b.sendEvent(w, "", cdp.EventDetachedFromTarget, cdp.DetachedFromTargetParams{SessionID: t.sessionID})

	detached := []int64{ev.TabID}
	for _, s := range siblings {
		_ = b.opts.Debugger.Detach(ctx, s.id)
		b.sendEvent(w, "", cdp.EventDetachedFromTarget, cdp.DetachedFromTargetParams{SessionID: s.sessionID})
		detached = append(detached, s.id)
	}
	if b.opts.OnTabsDetached != nil {
		b.opts.OnTabsDetached(detached, ev.Reason)
	}
}

// --- capture chunks ---

func (b *Bridge) handleChunk(w *wire, chunk CaptureChunk) {
	if chunk.Cancelled {
		b.sendMethod(w, cdp.MethodRecordingCancelled, cdp.RecordingCancelledParams{TabID: chunk.TabID})
		return
	}
	b.sendMethod(w, cdp.MethodRecordingChunk, cdp.RecordingChunkParams{
		TabID: chunk.TabID,
		Data:  chunk.Data,
		Final: chunk.Final,
	})
}

// --- outbound helpers ---

func (b *Bridge) reply(w *wire, id int64, result any) {
	msg, err := cdp.NewResponse(id, result)
	if err != nil {
		b.logger.Error("encode response", "err", err)
		return
	}
	b.sendFrame(w, msg)
}

func (b *Bridge) replyRaw(w *wire, id int64, result json.RawMessage) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	b.sendFrame(w, &cdp.Message{ID: id, Result: result})
}

func (b *Bridge) replyError(w *wire, id int64, message string) {
	b.sendFrame(w, cdp.NewErrorResponse(id, &cdp.Error{Code: cdp.CodeServerError, Message: message}))
}

func (b *Bridge) sendEvent(w *wire, sessionID, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		b.logger.Error("encode event params", "method", method, "err", err)
		return
	}
	b.sendEventRaw(w, sessionID, method, raw)
}

func (b *Bridge) sendEventRaw(w *wire, sessionID, method string, params json.RawMessage) {
	b.sendMethod(w, cdp.MethodForwardEvent, cdp.ForwardPayload{
		SessionID: sessionID,
		Method:    method,
		Params:    params,
	})
}

func (b *Bridge) sendMethod(w *wire, method string, params any) {
	msg, err := cdp.NewEvent(method, params)
	if err != nil {
		b.logger.Error("encode frame", "method", method, "err", err)
		return
	}
	b.sendFrame(w, msg)
}

func (b *Bridge) sendLog(w *wire, level, text string) {
	arg, err := json.Marshal(text)
	if err != nil {
		return
	}
	b.sendMethod(w, cdp.MethodLog, cdp.LogParams{Level: level, Args: []json.RawMessage{arg}})
}

func (b *Bridge) sendFrame(w *wire, msg *cdp.Message) {
	frame, err := msg.Encode()
	if err != nil {
		b.logger.Error("encode frame", "err", err)
		return
	}
	w.enqueue(frame)
}

func isReplacedClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == statusReplaced
}

// wire serializes writes to one relay connection through a single writer
// goroutine.
type wire struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWire(conn *websocket.Conn) *wire {
	w := &wire{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

func (w *wire) writeLoop() {
	for {
		select {
		case <-w.done:
			return
		case frame := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wireWriteTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.close()
				return
			}
		}
	}
}

func (w *wire) enqueue(frame []byte) {
	select {
	case w.send <- frame:
	case <-w.done:
	}
}

func (w *wire) close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}
