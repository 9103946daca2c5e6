package bridge

import "context"

// CaptureOptions mirror the media-recorder settings a client may request.
type CaptureOptions struct {
	FrameRate          int
	VideoBitsPerSecond int
	AudioBitsPerSecond int
	Audio              bool
}

// CaptureChunk is one segment of encoded video for a tab. Final marks the
// last chunk of a stopped capture; Cancelled reports the browser aborting the
// capture on its own.
type CaptureChunk struct {
	TabID     int64
	Data      []byte
	Final     bool
	Cancelled bool
}

// Capturer abstracts tab capture. The media pipeline lives in the browser, so
// the bridge only drives it: start, stop, cancel, and a stream of chunks.
type Capturer interface {
	Start(ctx context.Context, tabID int64, opts CaptureOptions) error
	Stop(ctx context.Context, tabID int64) error
	Cancel(ctx context.Context, tabID int64) error
	Active(tabID int64) bool
	Chunks() <-chan CaptureChunk
}
