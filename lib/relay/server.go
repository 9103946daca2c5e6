package relay

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/tabrelay/cdp-relay/lib/logger"
	"github.com/tabrelay/cdp-relay/lib/recording"
)

const wsReadLimit = 100 * 1024 * 1024 // effectively no maximum frame size

// ServerConfig holds the HTTP-surface settings.
type ServerConfig struct {
	Version string
	// Remote allows non-loopback clients carrying the bearer token.
	Remote    bool
	AuthToken string
	// ExtensionOrigin pins the Origin allowed on /extension. Empty accepts
	// any chrome-extension:// origin.
	ExtensionOrigin string
}

// Server exposes the relay over HTTP: the health probe, the extension and
// client websocket endpoints, and the recording API.
type Server struct {
	logger  *slog.Logger
	hub     *Hub
	rec     *recording.Coordinator
	logSink http.Handler
	cfg     ServerConfig

	// requestShutdown triggers a graceful process stop; wired by main and by
	// the ownership handoff.
	requestShutdown func()
}

func NewServer(log *slog.Logger, hub *Hub, rec *recording.Coordinator, logSink http.Handler, cfg ServerConfig, requestShutdown func()) *Server {
	return &Server{
		logger:          log,
		hub:             hub,
		rec:             rec,
		logSink:         logSink,
		cfg:             cfg,
		requestShutdown: requestShutdown,
	}
}

// Router mounts every relay endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Head("/", s.handleHealth)
	r.Get("/", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Get("/extension", s.handleExtensionWS)

	r.Group(func(r chi.Router) {
		r.Use(s.admit)
		r.Get("/cdp", s.handleClientWS)
		r.Get("/cdp/{sessionID}", s.handleSessionWS)
		r.Post("/recording/start", s.handleRecordingStart)
		r.Post("/recording/stop", s.handleRecordingStop)
		r.Get("/recording/status", s.handleRecordingStatus)
		r.Post("/recording/cancel", s.handleRecordingCancel)
		r.Post("/shutdown", s.handleShutdown)
		if s.logSink != nil {
			r.Post("/mcp-log", s.logSink.ServeHTTP)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"extension": s.hub.ExtensionConnected(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.requestShutdown == nil {
		http.Error(w, "shutdown not supported", http.StatusNotImplemented)
		return
	}
	s.logger.Info("shutdown requested over http", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
	go s.requestShutdown()
}

// handleExtensionWS is the sole extension connection point. The Origin must
// be the extension's own; a newcomer displaces the current extension.
func (s *Server) handleExtensionWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.extensionOriginAllowed(origin) {
		s.logger.Warn("extension upgrade rejected: bad origin", "origin", origin)
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error("extension websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	s.hub.RunExtension(r.Context(), conn)
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error("client websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	s.hub.RunClient(r.Context(), conn)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.hub.SessionTab(sessionID); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error("session websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	s.hub.RunSession(r.Context(), conn, sessionID)
}

// --- recording endpoints ---

type recordingStartReply struct {
	Success   bool   `json:"success"`
	TabID     int64  `json:"tabId,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	var req recording.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, recordingStartReply{Error: "invalid JSON body"})
		return
	}
	res, err := s.rec.Start(r.Context(), req)
	if err != nil {
		log.Error("recording start failed", "err", err)
		writeJSON(w, http.StatusOK, recordingStartReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recordingStartReply{
		Success:   true,
		TabID:     res.TabID,
		StartedAt: res.StartedAt.UnixMilli(),
	})
}

type recordingStopReply struct {
	Success  bool   `json:"success"`
	Path     string `json:"path,omitempty"`
	Duration int64  `json:"duration,omitempty"` // milliseconds
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	var req struct {
		SessionID string `json:"sessionId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, recordingStopReply{Error: "invalid JSON body"})
		return
	}
	res, err := s.rec.Stop(r.Context(), req.SessionID)
	if err != nil {
		log.Error("recording stop failed", "err", err)
		writeJSON(w, http.StatusOK, recordingStopReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recordingStopReply{
		Success:  true,
		Path:     res.Path,
		Duration: res.Duration.Milliseconds(),
		Size:     res.Size,
	})
}

type recordingStatusReply struct {
	IsRecording bool   `json:"isRecording"`
	TabID       int64  `json:"tabId,omitempty"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.rec.StatusFor(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeJSON(w, http.StatusOK, recordingStatusReply{Error: err.Error()})
		return
	}
	reply := recordingStatusReply{IsRecording: status.IsRecording, TabID: status.TabID}
	if status.IsRecording {
		reply.StartedAt = status.StartedAt.UnixMilli()
	}
	writeJSON(w, http.StatusOK, reply)
}

type recordingCancelReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, recordingCancelReply{Error: "invalid JSON body"})
		return
	}
	if err := s.rec.Cancel(r.Context(), req.SessionID); err != nil {
		writeJSON(w, http.StatusOK, recordingCancelReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recordingCancelReply{Success: true})
}

// --- admission ---

// admit gates client-facing endpoints: loopback peers always pass; remote
// peers need the bearer token, and only when remote mode is on.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerOK(r) || isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.cfg.Remote {
			http.Error(w, "loopback connections only", http.StatusForbidden)
			return
		}
		http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
	})
}

func (s *Server) bearerOK(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) extensionOriginAllowed(origin string) bool {
	if s.cfg.ExtensionOrigin != "" {
		return origin == s.cfg.ExtensionOrigin
	}
	return strings.HasPrefix(origin, "chrome-extension://")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
