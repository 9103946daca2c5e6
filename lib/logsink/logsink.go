// Package logsink appends log lines from sibling processes and the extension
// to dated files under the relay's log directory, rotating and compressing
// them as they grow.
package logsink

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DefaultDir returns the well-known log directory under the user's home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cdp-relay", "logs")
	}
	return filepath.Join(home, ".cdp-relay", "logs")
}

// Sink owns one append-only log file. Lines over the size limit trigger a
// rotation; rotated files are compressed with zstd in the background.
type Sink struct {
	logger  *slog.Logger
	dir     string
	maxSize int64

	mu   sync.Mutex
	file *os.File
	size int64
}

func New(logger *slog.Logger, dir string, maxSizeBytes int64) (*Sink, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if maxSizeBytes <= 0 {
		maxSizeBytes = 50 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Sink{logger: logger, dir: dir, maxSize: maxSizeBytes}, nil
}

// Close flushes and closes the current file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ServeHTTP accepts POST /mcp-log: any JSON body is appended as one line.
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	if err := s.appendLine("mcp", body); err != nil {
		s.logger.Error("log sink append failed", "err", err)
		http.Error(w, "append failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExtensionLog appends one console line forwarded from the extension.
func (s *Sink) ExtensionLog(level string, args []json.RawMessage) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, string(a))
	}
	entry, err := json.Marshal(map[string]any{
		"level":   level,
		"message": strings.Join(parts, " "),
	})
	if err != nil {
		return
	}
	if err := s.appendLine("extension", entry); err != nil {
		s.logger.Error("log sink append failed", "err", err)
	}
}

func (s *Sink) appendLine(source string, body []byte) error {
	line := make([]byte, 0, len(body)+64)
	line = append(line, fmt.Sprintf(`{"ts":%q,"source":%q,"entry":`, time.Now().Format(time.RFC3339Nano), source)...)
	line = append(line, body...)
	line = append(line, '}', '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		if err := s.openLocked(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return err
	}
	if s.size >= s.maxSize {
		return s.rotateLocked()
	}
	return nil
}

func (s *Sink) openLocked() error {
	path := filepath.Join(s.dir, "relay.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.size = info.Size()
	return nil
}

func (s *Sink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil
	current := filepath.Join(s.dir, "relay.log")
	rotated := filepath.Join(s.dir, fmt.Sprintf("relay.%s-%d.log", time.Now().Format("20060102T150405"), time.Now().UnixNano()%1e9))
	if err := os.Rename(current, rotated); err != nil {
		return err
	}
	s.size = 0
	go s.compress(rotated)
	return nil
}

// compress replaces a rotated plain-text file with a .zst copy.
func (s *Sink) compress(path string) {
	src, err := os.Open(path)
	if err != nil {
		s.logger.Warn("compress rotated log: open failed", "path", path, "err", err)
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".zst")
	if err != nil {
		s.logger.Warn("compress rotated log: create failed", "path", path, "err", err)
		return
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		return
	}
	if _, err := io.Copy(enc, src); err != nil {
		s.logger.Warn("compress rotated log: copy failed", "path", path, "err", err)
		_ = enc.Close()
		_ = dst.Close()
		_ = os.Remove(path + ".zst")
		return
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		return
	}
	if err := dst.Close(); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		s.logger.Warn("compress rotated log: remove original failed", "path", path, "err", err)
	}
}
