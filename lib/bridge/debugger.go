package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// TabEvent is one notification from the browser side of the bridge: either a
// debugger event for an attached tab or a detach (Detached true, Reason from
// the browser).
type TabEvent struct {
	TabID    int64
	Method   string
	Params   json.RawMessage
	Detached bool
	Reason   string
}

// Debugger abstracts the browser debugging surface the bridge drives. The
// production implementation speaks to Chrome's remote-debugging port; tests
// substitute a fake.
type Debugger interface {
	// Attach connects the debugger to a tab. Fails when the tab does not
	// exist or another tool already holds it.
	Attach(ctx context.Context, tabID int64) error
	// Detach disconnects the debugger from a tab.
	Detach(ctx context.Context, tabID int64) error
	// Call executes one CDP command against an attached tab.
	Call(ctx context.Context, tabID int64, method string, params json.RawMessage) (json.RawMessage, error)
	// CreateTab opens a new browser tab and returns its tab id.
	CreateTab(ctx context.Context, u string) (int64, error)
	// CloseTab closes a browser tab.
	CloseTab(ctx context.Context, tabID int64) error
	// Events delivers debugger events and detach notifications for every
	// attached tab.
	Events() <-chan TabEvent
}

const debuggerCallTimeout = 30 * time.Second

// ChromeDebugger drives tabs through Chrome's remote-debugging port: the
// /json endpoints for tab lifecycle and one DevTools websocket per attached
// tab. Numeric tab ids are allocated per page as pages are first seen.
type ChromeDebugger struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	events  chan TabEvent

	mu     sync.Mutex
	nextID int64
	pages  map[int64]pageInfo // every page ever listed
	tabs   map[int64]*debugTab
}

type pageInfo struct {
	pageID string
	wsURL  string
}

// TabInfo describes one debuggable page.
type TabInfo struct {
	ID    int64
	Title string
	URL   string
}

type debugTab struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Int64

	pendMu  sync.Mutex
	pending map[int64]chan debugReply
	closed  bool
}

type debugReply struct {
	result json.RawMessage
	err    error
}

// NewChromeDebugger points at a remote-debugging endpoint such as
// http://127.0.0.1:9222.
func NewChromeDebugger(logger *slog.Logger, baseURL string) *ChromeDebugger {
	return &ChromeDebugger{
		logger:  logger,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		events:  make(chan TabEvent, 256),
		pages:   make(map[int64]pageInfo),
		tabs:    make(map[int64]*debugTab),
	}
}

func (d *ChromeDebugger) Events() <-chan TabEvent { return d.events }

// ListTabs enumerates the browser's pages, assigning stable numeric ids.
func (d *ChromeDebugger) ListTabs(ctx context.Context) ([]TabInfo, error) {
	var listed []struct {
		ID                   string `json:"id"`
		Type                 string `json:"type"`
		Title                string `json:"title"`
		URL                  string `json:"url"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := d.getJSON(ctx, "/json/list", &listed); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var out []TabInfo
	for _, p := range listed {
		if p.Type != "page" {
			continue
		}
		id := d.idForPageLocked(p.ID, p.WebSocketDebuggerURL)
		out = append(out, TabInfo{ID: id, Title: p.Title, URL: p.URL})
	}
	return out, nil
}

// idForPageLocked finds or allocates the numeric id for a page.
func (d *ChromeDebugger) idForPageLocked(pageID, wsURL string) int64 {
	for id, p := range d.pages {
		if p.pageID == pageID {
			if wsURL != "" {
				d.pages[id] = pageInfo{pageID: pageID, wsURL: wsURL}
			}
			return id
		}
	}
	d.nextID++
	d.pages[d.nextID] = pageInfo{pageID: pageID, wsURL: wsURL}
	return d.nextID
}

func (d *ChromeDebugger) Attach(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	page, ok := d.pages[tabID]
	if _, attached := d.tabs[tabID]; attached {
		d.mu.Unlock()
		return fmt.Errorf("tab %d already attached", tabID)
	}
	d.mu.Unlock()
	if !ok {
		// The id may come from a peer that listed tabs before a restart.
		if _, err := d.ListTabs(ctx); err != nil {
			return err
		}
		d.mu.Lock()
		page, ok = d.pages[tabID]
		d.mu.Unlock()
		if !ok {
			return fmt.Errorf("no such tab: %d", tabID)
		}
	}
	if page.wsURL == "" {
		return fmt.Errorf("tab %d is not debuggable", tabID)
	}

	conn, _, err := d.dialer.DialContext(ctx, page.wsURL, nil)
	if err != nil {
		return fmt.Errorf("attach tab %d: %w", tabID, err)
	}
	t := &debugTab{conn: conn, pending: make(map[int64]chan debugReply)}

	d.mu.Lock()
	d.tabs[tabID] = t
	d.mu.Unlock()

	go d.readTab(tabID, t)
	return nil
}

func (d *ChromeDebugger) Detach(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	delete(d.tabs, tabID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	t.shutdown(fmt.Errorf("detached"))
	return t.conn.Close()
}

func (d *ChromeDebugger) Call(ctx context.Context, tabID int64, method string, params json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tab %d not attached", tabID)
	}

	id := t.seq.Add(1)
	ch := make(chan debugReply, 1)
	t.pendMu.Lock()
	if t.closed {
		t.pendMu.Unlock()
		return nil, fmt.Errorf("tab %d connection closed", tabID)
	}
	t.pending[id] = ch
	t.pendMu.Unlock()

	frame := map[string]any{"id": id, "method": method}
	if len(params) > 0 {
		frame["params"] = params
	}
	t.writeMu.Lock()
	err := t.conn.WriteJSON(frame)
	t.writeMu.Unlock()
	if err != nil {
		t.dropPending(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	case <-time.After(debuggerCallTimeout):
		t.dropPending(id)
		return nil, fmt.Errorf("%s on tab %d timed out", method, tabID)
	case reply := <-ch:
		return reply.result, reply.err
	}
}

func (d *ChromeDebugger) CreateTab(ctx context.Context, u string) (int64, error) {
	var page struct {
		ID                   string `json:"id"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	path := "/json/new"
	if u != "" {
		path += "?" + url.QueryEscape(u)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("create tab: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, err
	}

	d.mu.Lock()
	id := d.idForPageLocked(page.ID, page.WebSocketDebuggerURL)
	d.mu.Unlock()
	return id, nil
}

func (d *ChromeDebugger) CloseTab(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	page, ok := d.pages[tabID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such tab: %d", tabID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/json/close/"+page.pageID, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("close tab %d: status %d", tabID, resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// readTab pumps one tab's DevTools socket: responses resolve pending calls,
// events go to the shared channel, a read error becomes a detach event.
func (d *ChromeDebugger) readTab(tabID int64, t *debugTab) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			break
		}
		var frame struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			d.logger.Warn("malformed frame from browser", "tab", tabID, "err", err)
			continue
		}
		if frame.Method != "" {
			d.events <- TabEvent{TabID: tabID, Method: frame.Method, Params: frame.Params}
			continue
		}
		t.pendMu.Lock()
		ch, ok := t.pending[frame.ID]
		delete(t.pending, frame.ID)
		t.pendMu.Unlock()
		if !ok {
			continue
		}
		if frame.Error != nil {
			ch <- debugReply{err: fmt.Errorf("%s (code %d)", frame.Error.Message, frame.Error.Code)}
		} else {
			ch <- debugReply{result: frame.Result}
		}
	}

	t.shutdown(fmt.Errorf("connection closed"))
	d.mu.Lock()
	_, tracked := d.tabs[tabID]
	delete(d.tabs, tabID)
	d.mu.Unlock()
	if tracked {
		d.events <- TabEvent{TabID: tabID, Detached: true, Reason: "target_closed"}
	}
}

func (d *ChromeDebugger) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *debugTab) dropPending(id int64) {
	t.pendMu.Lock()
	delete(t.pending, id)
	t.pendMu.Unlock()
}

// shutdown fails every in-flight call once the socket is gone.
func (t *debugTab) shutdown(err error) {
	t.pendMu.Lock()
	if t.closed {
		t.pendMu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[int64]chan debugReply)
	t.pendMu.Unlock()
	for _, ch := range pending {
		ch <- debugReply{err: err}
	}
}
