package cdp

import (
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// CDP methods the relay interprets itself. Everything else is passthrough.
const (
	CommandSetDiscoverTargets = "Target.setDiscoverTargets"
	CommandAttachToTarget     = "Target.attachToTarget"
	CommandGetTargets         = "Target.getTargets"
	CommandGetTargetInfo      = "Target.getTargetInfo"
	CommandCreateTarget       = "Target.createTarget"
	CommandCloseTarget        = "Target.closeTarget"
	CommandGetVersion         = "Browser.getVersion"
	CommandRuntimeEnable      = "Runtime.enable"

	EventTargetCreated      = "Target.targetCreated"
	EventTargetDestroyed    = "Target.targetDestroyed"
	EventTargetInfoChanged  = "Target.targetInfoChanged"
	EventAttachedToTarget   = "Target.attachedToTarget"
	EventDetachedFromTarget = "Target.detachedFromTarget"

	EventExecutionContextCreated   = "Runtime.executionContextCreated"
	EventExecutionContextDestroyed = "Runtime.executionContextDestroyed"
	EventExecutionContextsCleared  = "Runtime.executionContextsCleared"
)

// SetDiscoverTargetsParams mirrors Target.setDiscoverTargets.
type SetDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

// AttachToTargetParams mirrors Target.attachToTarget.
type AttachToTargetParams struct {
	TargetID target.ID `json:"targetId"`
	Flatten  bool      `json:"flatten,omitempty"`
}

// AttachToTargetResult is the reply to Target.attachToTarget.
type AttachToTargetResult struct {
	SessionID string `json:"sessionId"`
}

// AttachedToTargetParams is the payload of Target.attachedToTarget. TabID is
// a relay-private extra carried by the extension so the recording coordinator
// can address the tab; Chrome clients ignore it.
type AttachedToTargetParams struct {
	SessionID          string      `json:"sessionId"`
	TargetInfo         target.Info `json:"targetInfo"`
	WaitingForDebugger bool        `json:"waitingForDebugger"`
	TabID              int64       `json:"tabId,omitempty"`
}

// DetachedFromTargetParams is the payload of Target.detachedFromTarget.
type DetachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
}

// TargetCreatedParams is the payload of Target.targetCreated.
type TargetCreatedParams struct {
	TargetInfo target.Info `json:"targetInfo"`
}

// TargetDestroyedParams is the payload of Target.targetDestroyed.
type TargetDestroyedParams struct {
	TargetID target.ID `json:"targetId"`
}

// TargetInfoChangedParams is the payload of Target.targetInfoChanged.
type TargetInfoChangedParams struct {
	TargetInfo target.Info `json:"targetInfo"`
}

// GetTargetsResult is the reply to Target.getTargets.
type GetTargetsResult struct {
	TargetInfos []target.Info `json:"targetInfos"`
}

// GetTargetInfoResult is the reply to Target.getTargetInfo.
type GetTargetInfoResult struct {
	TargetInfo target.Info `json:"targetInfo"`
}

// CreateTargetParams mirrors Target.createTarget.
type CreateTargetParams struct {
	URL string `json:"url"`
}

// CreateTargetResult is the reply to Target.createTarget.
type CreateTargetResult struct {
	TargetID target.ID `json:"targetId"`
}

// CloseTargetParams mirrors Target.closeTarget.
type CloseTargetParams struct {
	TargetID target.ID `json:"targetId"`
}

// GetVersionResult is the reply to Browser.getVersion.
type GetVersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// ExecutionContextCreatedParams is the payload of
// Runtime.executionContextCreated.
type ExecutionContextCreatedParams struct {
	Context runtime.ExecutionContextDescription `json:"context"`
}

// ExecutionContextDestroyedParams is the payload of
// Runtime.executionContextDestroyed.
type ExecutionContextDestroyedParams struct {
	ExecutionContextID       runtime.ExecutionContextID `json:"executionContextId"`
	ExecutionContextUniqueID string                     `json:"executionContextUniqueId,omitempty"`
}
