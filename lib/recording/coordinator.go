// Package recording maps client recording requests onto extension tab-capture
// commands and streams the resulting MP4 chunks to disk.
package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/cdp-relay/lib/cdp"
)

// Extension is the slice of the relay hub the coordinator needs: a control
// channel to the extension and the session table.
type Extension interface {
	CallExtension(ctx context.Context, method string, params any) (json.RawMessage, error)
	SessionTab(sessionID string) (int64, bool)
	FirstTab() (int64, bool)
	ExtensionConnected() bool
}

// Timeouts for the recording lifecycle. The first chunk must arrive shortly
// after a successful start or the capture is considered dead.
const (
	firstChunkTimeout = 5 * time.Second
	finalChunkTimeout = 10 * time.Second
)

// Coordinator tracks at most one active recording per tab and owns every
// output file handle.
type Coordinator struct {
	logger *slog.Logger
	ext    Extension

	mu   sync.Mutex
	recs map[int64]*recording
}

type recording struct {
	id        string
	tabID     int64
	path      string
	startedAt time.Time

	mu         sync.Mutex
	file       *os.File
	size       int64
	finalized  bool
	writeErr   error
	firstChunk chan struct{}
	firstOnce  sync.Once
	finalDone  chan struct{}
}

func NewCoordinator(logger *slog.Logger, ext Extension) *Coordinator {
	return &Coordinator{
		logger: logger,
		ext:    ext,
		recs:   make(map[int64]*recording),
	}
}

// StartRequest is the body of POST /recording/start.
type StartRequest struct {
	SessionID          string `json:"sessionId,omitempty"`
	FrameRate          int    `json:"frameRate,omitempty"`
	VideoBitsPerSecond int    `json:"videoBitsPerSecond,omitempty"`
	AudioBitsPerSecond int    `json:"audioBitsPerSecond,omitempty"`
	Audio              bool   `json:"audio,omitempty"`
	OutputPath         string `json:"outputPath"`
}

// StartResult reports a successful start.
type StartResult struct {
	TabID     int64
	StartedAt time.Time
}

// StopResult reports a finalized recording.
type StopResult struct {
	Path     string
	Duration time.Duration
	Size     int64
}

// Status describes the recording state of a tab.
type Status struct {
	IsRecording bool
	TabID       int64
	StartedAt   time.Time
}

// Start begins recording the tab behind sessionID (or the first connected tab
// when empty). It fails if the tab is already recording or the first chunk
// does not arrive within the start deadline.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.OutputPath == "" {
		return nil, fmt.Errorf("outputPath is required")
	}
	if !filepath.IsAbs(req.OutputPath) {
		return nil, fmt.Errorf("outputPath must be absolute")
	}
	tabID, err := c.resolveTab(req.SessionID)
	if err != nil {
		return nil, err
	}

	rec := &recording{
		id:         uuid.NewString(),
		tabID:      tabID,
		path:       req.OutputPath,
		startedAt:  time.Now(),
		firstChunk: make(chan struct{}),
		finalDone:  make(chan struct{}),
	}

	c.mu.Lock()
	if _, active := c.recs[tabID]; active {
		c.mu.Unlock()
		return nil, fmt.Errorf("recording already active for tab %d", tabID)
	}
	c.recs[tabID] = rec
	c.mu.Unlock()

	file, err := os.OpenFile(req.OutputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		c.remove(tabID)
		return nil, fmt.Errorf("open output file: %w", err)
	}
	rec.mu.Lock()
	rec.file = file
	rec.mu.Unlock()

	_, err = c.ext.CallExtension(ctx, cdp.MethodStartRecording, cdp.StartRecordingParams{
		TabID:              tabID,
		FrameRate:          req.FrameRate,
		VideoBitsPerSecond: req.VideoBitsPerSecond,
		AudioBitsPerSecond: req.AudioBitsPerSecond,
		Audio:              req.Audio,
	})
	if err != nil {
		c.discard(rec)
		// Tab-capture permission failures pass through verbatim with a hint
		// the CLI can show.
		if strings.Contains(err.Error(), "activeTab") || strings.Contains(err.Error(), "permission") {
			return nil, fmt.Errorf("%s (click the extension icon on the target tab, or relaunch the browser so the activeTab grant is present)", err.Error())
		}
		return nil, err
	}

	select {
	case <-rec.firstChunk:
	case <-time.After(firstChunkTimeout):
		_, _ = c.ext.CallExtension(ctx, cdp.MethodCancelRecording, cdp.StopRecordingParams{TabID: tabID})
		c.discard(rec)
		return nil, fmt.Errorf("no recording data received within %s", firstChunkTimeout)
	case <-ctx.Done():
		_, _ = c.ext.CallExtension(context.Background(), cdp.MethodCancelRecording, cdp.StopRecordingParams{TabID: tabID})
		c.discard(rec)
		return nil, ctx.Err()
	}

	c.logger.Info("recording started", "tab", tabID, "path", req.OutputPath, "id", rec.id)
	return &StartResult{TabID: tabID, StartedAt: rec.startedAt}, nil
}

// Stop finalizes the recording for the tab behind sessionID: the extension
// stops the capture, the final chunk flushes, and the file closes.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) (*StopResult, error) {
	tabID, err := c.resolveTab(sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	rec, ok := c.recs[tabID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no active recording for tab %d", tabID)
	}

	if _, err := c.ext.CallExtension(ctx, cdp.MethodStopRecording, cdp.StopRecordingParams{TabID: tabID}); err != nil {
		return nil, err
	}

	select {
	case <-rec.finalDone:
	case <-time.After(finalChunkTimeout):
		return nil, fmt.Errorf("final recording chunk not received within %s", finalChunkTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rec.mu.Lock()
	size := rec.size
	writeErr := rec.writeErr
	rec.mu.Unlock()
	c.remove(tabID)

	if writeErr != nil {
		_ = os.Remove(rec.path)
		return nil, fmt.Errorf("recording write failed: %w", writeErr)
	}

	duration := time.Since(rec.startedAt)
	c.logger.Info("recording stopped", "tab", tabID, "path", rec.path, "size", size, "duration", duration)
	return &StopResult{Path: rec.path, Duration: duration, Size: size}, nil
}

// Cancel aborts the recording for the tab behind sessionID and deletes the
// partial file.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	tabID, err := c.resolveTab(sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	rec, ok := c.recs[tabID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active recording for tab %d", tabID)
	}

	_, _ = c.ext.CallExtension(ctx, cdp.MethodCancelRecording, cdp.StopRecordingParams{TabID: tabID})
	c.discard(rec)
	c.logger.Info("recording cancelled", "tab", tabID)
	return nil
}

// StatusFor reports whether the tab behind sessionID is recording.
func (c *Coordinator) StatusFor(sessionID string) (Status, error) {
	tabID, err := c.resolveTab(sessionID)
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[tabID]
	if !ok {
		return Status{IsRecording: false}, nil
	}
	return Status{IsRecording: true, TabID: tabID, StartedAt: rec.startedAt}, nil
}

// --- relay.RecordingSink ---

// HandleChunk appends one chunk to the recording's output file. The first
// disk write failure cancels the capture toward the extension and discards
// the recording and its partial file.
func (c *Coordinator) HandleChunk(tabID int64, data []byte, final bool) {
	c.mu.Lock()
	rec, ok := c.recs[tabID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("chunk for unknown recording, dropping", "tab", tabID, "bytes", len(data))
		return
	}

	rec.firstOnce.Do(func() { close(rec.firstChunk) })

	rec.mu.Lock()
	if rec.finalized {
		rec.mu.Unlock()
		return
	}
	var failed bool
	if rec.writeErr == nil && len(data) > 0 && rec.file != nil {
		n, err := rec.file.Write(data)
		rec.size += int64(n)
		if err != nil {
			rec.writeErr = err
			failed = true
			c.logger.Error("recording write failed, cancelling", "tab", tabID, "err", err)
		}
	}
	if final {
		rec.finalized = true
		if rec.file != nil {
			if err := rec.file.Close(); err != nil && rec.writeErr == nil {
				rec.writeErr = err
			}
			rec.file = nil
		}
		close(rec.finalDone)
		rec.mu.Unlock()
		return
	}
	rec.mu.Unlock()

	if failed {
		ctx, cancel := context.WithTimeout(context.Background(), finalChunkTimeout)
		defer cancel()
		_, _ = c.ext.CallExtension(ctx, cdp.MethodCancelRecording, cdp.StopRecordingParams{TabID: tabID})
		c.discard(rec)
	}
}

// HandleCancelled reacts to the browser aborting a capture on its own.
func (c *Coordinator) HandleCancelled(tabID int64) {
	c.mu.Lock()
	rec, ok := c.recs[tabID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warn("recording cancelled by browser", "tab", tabID)
	c.discard(rec)
}

// HandleTabDetached finalizes a recording whose tab went away: the file keeps
// whatever chunks arrived and is closed, the record is removed.
func (c *Coordinator) HandleTabDetached(tabID int64) {
	c.mu.Lock()
	rec, ok := c.recs[tabID]
	if ok {
		delete(c.recs, tabID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if !rec.finalized {
		rec.finalized = true
		if rec.file != nil {
			_ = rec.file.Close()
			rec.file = nil
		}
		close(rec.finalDone)
	}
	rec.mu.Unlock()
	c.logger.Warn("tab detached mid-recording, file closed with received chunks", "tab", tabID, "path", rec.path)
}

// --- internals ---

// resolveTab maps a session id (or the first-connected fallback) to a tab id.
func (c *Coordinator) resolveTab(sessionID string) (int64, error) {
	if !c.ext.ExtensionConnected() {
		return 0, fmt.Errorf("no extension connected")
	}
	if sessionID != "" {
		tabID, ok := c.ext.SessionTab(sessionID)
		if !ok {
			return 0, fmt.Errorf("session not found: %s", sessionID)
		}
		return tabID, nil
	}
	tabID, ok := c.ext.FirstTab()
	if !ok {
		return 0, fmt.Errorf("no connected tabs")
	}
	return tabID, nil
}

// discard closes and deletes the partial file and removes the record.
func (c *Coordinator) discard(rec *recording) {
	rec.mu.Lock()
	if !rec.finalized {
		rec.finalized = true
		if rec.file != nil {
			_ = rec.file.Close()
			rec.file = nil
		}
		close(rec.finalDone)
	}
	rec.mu.Unlock()
	_ = os.Remove(rec.path)
	c.remove(rec.tabID)
}

func (c *Coordinator) remove(tabID int64) {
	c.mu.Lock()
	delete(c.recs, tabID)
	c.mu.Unlock()
}
