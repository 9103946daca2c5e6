package cdp

import "encoding/json"

// The relay and the extension speak a wrapping envelope over a single
// websocket: CDP traffic rides forwardCDPCommand/forwardCDPEvent frames with
// the session routing inside, and a handful of control methods cover tab
// attachment and tab-capture recording.
const (
	MethodForwardCommand = "forwardCDPCommand"
	MethodForwardEvent   = "forwardCDPEvent"

	MethodAttachToTab     = "attachToTab"
	MethodStartRecording  = "startRecording"
	MethodStopRecording   = "stopRecording"
	MethodIsRecording     = "isRecording"
	MethodCancelRecording = "cancelRecording"

	MethodRecordingChunk     = "recordingChunk"
	MethodRecordingCancelled = "recordingCancelled"
	MethodLog                = "log"
)

// ForwardPayload is the inner CDP message carried by forwardCDPCommand and
// forwardCDPEvent frames. An empty SessionID means browser-level.
type ForwardPayload struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// AttachToTabParams asks the extension to attach its debugger to a tab.
type AttachToTabParams struct {
	TabID int64 `json:"tabId"`
}

// StartRecordingParams carries tab-capture settings down to the extension.
type StartRecordingParams struct {
	TabID              int64 `json:"tabId"`
	FrameRate          int   `json:"frameRate,omitempty"`
	VideoBitsPerSecond int   `json:"videoBitsPerSecond,omitempty"`
	AudioBitsPerSecond int   `json:"audioBitsPerSecond,omitempty"`
	Audio              bool  `json:"audio,omitempty"`
}

// StopRecordingParams identifies the recording to finalize.
type StopRecordingParams struct {
	TabID int64 `json:"tabId"`
}

// IsRecordingResult answers an isRecording control command.
type IsRecordingResult struct {
	IsRecording bool `json:"isRecording"`
}

// RecordingChunkParams streams one segment of MP4 bytes upward. Data is
// base64 on the wire (encoding/json []byte convention). Final marks the last
// chunk of a recording.
type RecordingChunkParams struct {
	TabID int64  `json:"tabId"`
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// RecordingCancelledParams notifies the relay that the browser aborted a
// capture (tab closed, permission revoked).
type RecordingCancelledParams struct {
	TabID int64 `json:"tabId"`
}

// LogParams carries extension console output to the relay's log sink.
type LogParams struct {
	Level string            `json:"level"`
	Args  []json.RawMessage `json:"args"`
}
