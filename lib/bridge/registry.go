package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// tabState is one debugger attachment: the browser tab id, the synthesized
// session id, the last observed targetInfo, and the execution-context cache
// replayed on Runtime.enable.
type tabState struct {
	id        int64
	sessionID string
	info      target.Info

	ctxOrder []runtime.ExecutionContextID
	ctxs     map[runtime.ExecutionContextID]json.RawMessage
}

func (t *tabState) addContext(id runtime.ExecutionContextID, params json.RawMessage) {
	if _, ok := t.ctxs[id]; !ok {
		t.ctxOrder = append(t.ctxOrder, id)
	}
	t.ctxs[id] = params
}

func (t *tabState) removeContext(id runtime.ExecutionContextID) {
	if _, ok := t.ctxs[id]; !ok {
		return
	}
	delete(t.ctxs, id)
	for i, c := range t.ctxOrder {
		if c == id {
			t.ctxOrder = append(t.ctxOrder[:i], t.ctxOrder[i+1:]...)
			break
		}
	}
}

func (t *tabState) clearContexts() {
	t.ctxOrder = nil
	t.ctxs = make(map[runtime.ExecutionContextID]json.RawMessage)
}

// contexts returns the cached executionContextCreated params in creation
// order.
func (t *tabState) contexts() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(t.ctxOrder))
	for _, id := range t.ctxOrder {
		out = append(out, t.ctxs[id])
	}
	return out
}

// registry tracks attached tabs. Session ids count up for the life of the
// bridge, so a re-attached tab always gets a fresh id. Guarded by the
// bridge's mutex.
type registry struct {
	seq    int64
	byTab  map[int64]*tabState
	bySess map[string]*tabState
}

func newRegistry() *registry {
	return &registry{
		byTab:  make(map[int64]*tabState),
		bySess: make(map[string]*tabState),
	}
}

func (r *registry) attach(tabID int64, info target.Info) *tabState {
	r.seq++
	t := &tabState{
		id:        tabID,
		sessionID: fmt.Sprintf("pw-tab-%d", r.seq),
		info:      info,
		ctxs:      make(map[runtime.ExecutionContextID]json.RawMessage),
	}
	r.byTab[tabID] = t
	r.bySess[t.sessionID] = t
	return t
}

func (r *registry) detach(tabID int64) (*tabState, bool) {
	t, ok := r.byTab[tabID]
	if !ok {
		return nil, false
	}
	delete(r.byTab, tabID)
	delete(r.bySess, t.sessionID)
	return t, true
}

func (r *registry) tab(tabID int64) (*tabState, bool) {
	t, ok := r.byTab[tabID]
	return t, ok
}

func (r *registry) session(sessionID string) (*tabState, bool) {
	t, ok := r.bySess[sessionID]
	return t, ok
}

func (r *registry) byTarget(targetID target.ID) (*tabState, bool) {
	for _, t := range r.byTab {
		if t.info.TargetID == targetID {
			return t, true
		}
	}
	return nil, false
}

func (r *registry) all() []*tabState {
	out := make([]*tabState, 0, len(r.byTab))
	for _, t := range r.byTab {
		out = append(out, t)
	}
	return out
}

func (r *registry) clear() {
	r.byTab = make(map[int64]*tabState)
	r.bySess = make(map[string]*tabState)
}
