package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRelay accepts /extension upgrades and exposes each connection's frames.
type fakeRelay struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *relayConn
}

type relayConn struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan *cdp.Message
}

func newFakeRelay(t *testing.T) *fakeRelay {
	f := &fakeRelay{t: t, conns: make(chan *relayConn, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/extension", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		rc := &relayConn{t: t, conn: c, frames: make(chan *cdp.Message, 64)}
		f.conns <- rc
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				close(rc.frames)
				return
			}
			if msg, _, perr := cdp.ParseMessage(data); perr == nil {
				rc.frames <- msg
			}
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) waitConn() *relayConn {
	f.t.Helper()
	select {
	case rc := <-f.conns:
		return rc
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for bridge connection")
	}
	return nil
}

func (rc *relayConn) recv() *cdp.Message {
	rc.t.Helper()
	select {
	case m, ok := <-rc.frames:
		if !ok {
			rc.t.Fatal("bridge connection closed while waiting for frame")
		}
		return m
	case <-time.After(3 * time.Second):
		rc.t.Fatal("timed out waiting for frame")
	}
	return nil
}

func (rc *relayConn) send(msg *cdp.Message) {
	rc.t.Helper()
	frame, err := msg.Encode()
	require.NoError(rc.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(rc.t, rc.conn.Write(ctx, websocket.MessageText, frame))
}

// expectEvent reads frames until a forwardCDPEvent arrives and decodes it.
func (rc *relayConn) expectEvent() cdp.ForwardPayload {
	rc.t.Helper()
	msg := rc.recv()
	require.Equal(rc.t, cdp.MethodForwardEvent, msg.Method)
	var fp cdp.ForwardPayload
	require.NoError(rc.t, json.Unmarshal(msg.Params, &fp))
	return fp
}

// fakeDebugger is an in-memory Debugger.
type fakeDebugger struct {
	mu       sync.Mutex
	attached map[int64]bool
	calls    []string
	nextTab  int64
	events   chan TabEvent
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{
		attached: make(map[int64]bool),
		nextTab:  100,
		events:   make(chan TabEvent, 64),
	}
}

func (d *fakeDebugger) Attach(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attached[tabID] {
		return fmt.Errorf("tab %d already attached", tabID)
	}
	d.attached[tabID] = true
	return nil
}

func (d *fakeDebugger) Detach(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attached, tabID)
	return nil
}

func (d *fakeDebugger) Call(ctx context.Context, tabID int64, method string, params json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls = append(d.calls, method)
	attached := d.attached[tabID]
	d.mu.Unlock()
	if !attached {
		return nil, fmt.Errorf("tab %d not attached", tabID)
	}
	if method == cdp.CommandGetTargetInfo {
		return json.RawMessage(fmt.Sprintf(
			`{"targetInfo":{"targetId":"T%d","type":"page","title":"tab","url":"https://example.com/","attached":true}}`, tabID)), nil
	}
	return json.RawMessage(`{}`), nil
}

func (d *fakeDebugger) CreateTab(ctx context.Context, u string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTab++
	return d.nextTab, nil
}

func (d *fakeDebugger) CloseTab(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attached, tabID)
	return nil
}

func (d *fakeDebugger) Events() <-chan TabEvent { return d.events }

func (d *fakeDebugger) isAttached(tabID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached[tabID]
}

// fakeCapturer is an in-memory Capturer.
type fakeCapturer struct {
	mu     sync.Mutex
	active map[int64]bool
	chunks chan CaptureChunk
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{active: make(map[int64]bool), chunks: make(chan CaptureChunk, 16)}
}

func (c *fakeCapturer) Start(ctx context.Context, tabID int64, opts CaptureOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[tabID] = true
	return nil
}

func (c *fakeCapturer) Stop(ctx context.Context, tabID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, tabID)
	return nil
}

func (c *fakeCapturer) Cancel(ctx context.Context, tabID int64) error {
	return c.Stop(ctx, tabID)
}

func (c *fakeCapturer) Active(tabID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[tabID]
}

func (c *fakeCapturer) Chunks() <-chan CaptureChunk { return c.chunks }

type bridgeHarness struct {
	relay    *fakeRelay
	debugger *fakeDebugger
	capturer *fakeCapturer
	bridge   *Bridge
	done     chan error
	cancel   context.CancelFunc
}

func startBridge(t *testing.T, tweak func(*Options)) *bridgeHarness {
	t.Helper()
	relay := newFakeRelay(t)
	debugger := newFakeDebugger()
	capturer := newFakeCapturer()
	opts := Options{
		RelayURL: relay.srv.URL,
		Debugger: debugger,
		Capturer: capturer,
	}
	if tweak != nil {
		tweak(&opts)
	}
	b, err := New(silentLogger(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(cancel)
	return &bridgeHarness{relay: relay, debugger: debugger, capturer: capturer, bridge: b, done: done, cancel: cancel}
}

// attachTab drives the attachToTab command and returns the session id.
func (h *bridgeHarness) attachTab(t *testing.T, rc *relayConn, id, tabID int64) string {
	t.Helper()
	params, err := json.Marshal(cdp.AttachToTabParams{TabID: tabID})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: id, Method: cdp.MethodAttachToTab, Params: params})

	fp := rc.expectEvent()
	require.Equal(t, cdp.EventAttachedToTarget, fp.Method)
	var ap cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(fp.Params, &ap))
	assert.Equal(t, tabID, ap.TabID)

	reply := rc.recv()
	require.Equal(t, id, reply.ID)
	require.Nil(t, reply.Error)
	return ap.SessionID
}

func TestAttachTabAnnouncesTarget(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()

	sessionID := h.attachTab(t, rc, 1, 42)
	assert.Equal(t, "pw-tab-1", sessionID)
	assert.True(t, h.debugger.isAttached(42))
}

func TestForwardCommandRoundTrip(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	sessionID := h.attachTab(t, rc, 1, 42)

	params, err := json.Marshal(cdp.ForwardPayload{
		SessionID: sessionID,
		Method:    "Page.navigate",
		Params:    json.RawMessage(`{"url":"https://example.com/"}`),
	})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 2, Method: cdp.MethodForwardCommand, Params: params})

	reply := rc.recv()
	assert.Equal(t, int64(2), reply.ID)
	require.Nil(t, reply.Error)
}

func TestForwardUnknownSession(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()

	params, err := json.Marshal(cdp.ForwardPayload{SessionID: "pw-tab-99", Method: "Page.enable"})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 3, Method: cdp.MethodForwardCommand, Params: params})

	reply := rc.recv()
	require.NotNil(t, reply.Error)
	assert.Contains(t, reply.Error.Message, "Session not found: pw-tab-99")
}

func TestRuntimeEnableReplaysCachedContexts(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	sessionID := h.attachTab(t, rc, 1, 42)

	// Chrome announces a context; the bridge forwards and caches it.
	ctxParams := json.RawMessage(`{"context":{"id":7,"origin":"https://example.com","name":""}}`)
	h.debugger.events <- TabEvent{TabID: 42, Method: cdp.EventExecutionContextCreated, Params: ctxParams}
	fp := rc.expectEvent()
	require.Equal(t, cdp.EventExecutionContextCreated, fp.Method)

	// A later Runtime.enable replays the cache before resolving.
	params, err := json.Marshal(cdp.ForwardPayload{SessionID: sessionID, Method: cdp.CommandRuntimeEnable})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 2, Method: cdp.MethodForwardCommand, Params: params})

	replayed := rc.expectEvent()
	assert.Equal(t, cdp.EventExecutionContextCreated, replayed.Method)
	assert.Equal(t, sessionID, replayed.SessionID)
	assert.JSONEq(t, string(ctxParams), string(replayed.Params))

	reply := rc.recv()
	assert.Equal(t, int64(2), reply.ID)
	assert.Nil(t, reply.Error)
}

func TestDestroyedContextNotReplayed(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	sessionID := h.attachTab(t, rc, 1, 42)

	h.debugger.events <- TabEvent{TabID: 42, Method: cdp.EventExecutionContextCreated, Params: json.RawMessage(`{"context":{"id":7}}`)}
	rc.expectEvent()
	h.debugger.events <- TabEvent{TabID: 42, Method: cdp.EventExecutionContextDestroyed, Params: json.RawMessage(`{"executionContextId":7}`)}
	rc.expectEvent()

	params, err := json.Marshal(cdp.ForwardPayload{SessionID: sessionID, Method: cdp.CommandRuntimeEnable})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 2, Method: cdp.MethodForwardCommand, Params: params})

	// No replay; the next frame is the response itself.
	reply := rc.recv()
	assert.Equal(t, int64(2), reply.ID)
	assert.Nil(t, reply.Error)
}

func TestCreateTargetAttachesNewTab(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()

	params, err := json.Marshal(cdp.ForwardPayload{
		Method: cdp.CommandCreateTarget,
		Params: json.RawMessage(`{"url":"https://example.com/"}`),
	})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 1, Method: cdp.MethodForwardCommand, Params: params})

	fp := rc.expectEvent()
	require.Equal(t, cdp.EventAttachedToTarget, fp.Method)
	var ap cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(fp.Params, &ap))

	reply := rc.recv()
	require.Equal(t, int64(1), reply.ID)
	require.Nil(t, reply.Error)
	var res cdp.CreateTargetResult
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, ap.TargetInfo.TargetID, res.TargetID)
	assert.True(t, h.debugger.isAttached(ap.TabID))
}

func TestUserCancelDetachesSiblings(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var detached []int64
	h := startBridge(t, func(o *Options) {
		o.OnTabsDetached = func(tabIDs []int64, reason string) {
			mu.Lock()
			detached = append(detached, tabIDs...)
			mu.Unlock()
		}
	})
	rc := h.relay.waitConn()
	s1 := h.attachTab(t, rc, 1, 42)
	s2 := h.attachTab(t, rc, 2, 43)

	h.debugger.events <- TabEvent{TabID: 42, Detached: true, Reason: "canceled_by_user"}

	first := rc.expectEvent()
	require.Equal(t, cdp.EventDetachedFromTarget, first.Method)
	second := rc.expectEvent()
	require.Equal(t, cdp.EventDetachedFromTarget, second.Method)

	var d1, d2 cdp.DetachedFromTargetParams
	require.NoError(t, json.Unmarshal(first.Params, &d1))
	require.NoError(t, json.Unmarshal(second.Params, &d2))
	assert.ElementsMatch(t, []string{s1, s2}, []string{d1.SessionID, d2.SessionID})

	mu.Lock()
	got := append([]int64(nil), detached...)
	mu.Unlock()
	assert.ElementsMatch(t, []int64{42, 43}, got)
	assert.False(t, h.debugger.isAttached(43))
}

func TestReconnectGetsFreshSessionIDs(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	require.Equal(t, "pw-tab-1", h.attachTab(t, rc, 1, 42))

	// Relay drops; the bridge re-attaches the tab under a new id.
	require.NoError(t, rc.conn.Close(websocket.StatusNormalClosure, "restart"))
	rc2 := h.relay.waitConn()

	fp := rc2.expectEvent()
	require.Equal(t, cdp.EventAttachedToTarget, fp.Method)
	var ap cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(fp.Params, &ap))
	assert.Equal(t, int64(42), ap.TabID)
	assert.Equal(t, "pw-tab-2", ap.SessionID)
}

func TestReplacedBridgeDoesNotReconnect(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	h.attachTab(t, rc, 1, 42)

	require.NoError(t, rc.conn.Close(websocket.StatusCode(4001), "Extension Replaced"))

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop after replacement")
	}
	// The debugger was released and no new connection appears.
	assert.False(t, h.debugger.isAttached(42))
	select {
	case <-h.relay.conns:
		t.Fatal("replaced bridge reconnected")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCancelStopsBridgeMidTraffic(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	sessionID := h.attachTab(t, rc, 1, 42)

	// Keep commands arriving so cancellation races against an inbound frame.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		params, err := json.Marshal(cdp.ForwardPayload{SessionID: sessionID, Method: "Page.enable"})
		if err != nil {
			return
		}
		for i := int64(10); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			frame, err := (&cdp.Message{ID: i, Method: cdp.MethodForwardCommand, Params: params}).Encode()
			if err != nil {
				return
			}
			wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
			werr := rc.conn.Write(wctx, websocket.MessageText, frame)
			wcancel()
			if werr != nil {
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	h.cancel()

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop after cancellation")
	}
}

func TestRecordingControlAndChunks(t *testing.T) {
	t.Parallel()
	h := startBridge(t, nil)
	rc := h.relay.waitConn()
	h.attachTab(t, rc, 1, 42)

	params, err := json.Marshal(cdp.StartRecordingParams{TabID: 42, FrameRate: 30})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 2, Method: cdp.MethodStartRecording, Params: params})
	reply := rc.recv()
	require.Nil(t, reply.Error)
	assert.True(t, h.capturer.Active(42))

	stopParams, err := json.Marshal(cdp.StopRecordingParams{TabID: 42})
	require.NoError(t, err)
	rc.send(&cdp.Message{ID: 3, Method: cdp.MethodIsRecording, Params: stopParams})
	reply = rc.recv()
	var ir cdp.IsRecordingResult
	require.NoError(t, json.Unmarshal(reply.Result, &ir))
	assert.True(t, ir.IsRecording)

	h.capturer.chunks <- CaptureChunk{TabID: 42, Data: []byte{1, 2, 3}}
	chunkMsg := rc.recv()
	require.Equal(t, cdp.MethodRecordingChunk, chunkMsg.Method)
	var cp cdp.RecordingChunkParams
	require.NoError(t, json.Unmarshal(chunkMsg.Params, &cp))
	assert.Equal(t, []byte{1, 2, 3}, cp.Data)

	h.capturer.chunks <- CaptureChunk{TabID: 42, Cancelled: true}
	cancelled := rc.recv()
	assert.Equal(t, cdp.MethodRecordingCancelled, cancelled.Method)
}
