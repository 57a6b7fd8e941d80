// Package api implements the local control API used by the UI and the
// telephony shim.
//
// Routes:
//
//	GET    /api/v1/status               link state and active transport
//	POST   /api/v1/connect              {type}: switch to a transport
//	POST   /api/v1/disconnect           drop the active link
//	GET    /api/v1/notifications        stored notifications
//	POST   /api/v1/notifications        report a posted notification
//	DELETE /api/v1/notifications        clear history
//	DELETE /api/v1/notifications/{key}  report a removed notification
//	GET    /api/v1/calls                last reported call
//	POST   /api/v1/calls                report a call state change
//	POST   /api/v1/messages             {text}: raw send on the active link
//	GET    /api/v1/settings             user settings
//	PUT    /api/v1/settings             update user settings
//	GET    /api/v1/events               WebSocket event stream
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/connection"
	"github.com/gg-glitch-88/desklink/internal/notifications"
	"github.com/gg-glitch-88/desklink/internal/protocol"
	"github.com/gg-glitch-88/desklink/internal/relay"
	"github.com/gg-glitch-88/desklink/internal/settings"
	"github.com/gg-glitch-88/desklink/internal/transport"
)

var ErrNoController = errors.New("api: no controller subscribed")

// Coordinator is the subset of connection.Manager the API drives.
type Coordinator interface {
	State() transport.State
	ActiveType() transport.Type
	Connect(t transport.Type) error
	Disconnect()
	Send(text string) error
}

type NotificationRelay interface {
	Posted(n protocol.Notification) (relay.Delivery, error)
	Removed(key, app string) (bool, error)
	All() ([]notifications.Record, error)
	Clear() error
}

type CallRelay interface {
	Update(c protocol.IncomingCall) error
	Current() protocol.IncomingCall
}

type SettingsStore interface {
	Snapshot() settings.Snapshot
	SetNotificationsEnabled(on bool) error
	SetAutoConnectEnabled(on bool) error
}

// Deps wires the router to the agent's services.
type Deps struct {
	Manager       Coordinator
	Notifications NotificationRelay
	Calls         CallRelay
	Settings      SettingsStore
	Hub           *Hub
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const pingInterval = 20 * time.Second

// Server holds handler dependencies.
type Server struct {
	Deps
	log *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(d Deps, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{Deps: d, log: log.Named("api")}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)

	mux.HandleFunc("GET /api/v1/notifications", s.listNotifications)
	mux.HandleFunc("POST /api/v1/notifications", s.postNotification)
	mux.HandleFunc("DELETE /api/v1/notifications", s.clearNotifications)
	mux.HandleFunc("DELETE /api/v1/notifications/{key}", s.removeNotification)

	mux.HandleFunc("GET /api/v1/calls", s.currentCall)
	mux.HandleFunc("POST /api/v1/calls", s.updateCall)

	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)

	mux.HandleFunc("GET /api/v1/settings", s.getSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.putSettings)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(s.log, mux)
}

// ── Link ──────────────────────────────────────────────────────────────────

// Status is the body of GET /api/v1/status.
type Status struct {
	Phase       string `json:"phase"`
	Connected   bool   `json:"connected"`
	Active      string `json:"active"`
	Peer        string `json:"peer,omitempty"`
	Message     string `json:"message,omitempty"`
	Subscribers int    `json:"subscribers"`
	Time        string `json:"time"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.Manager.State()
	out := Status{
		Phase:     st.Phase.String(),
		Connected: st.IsConnected(),
		Active:    s.Manager.ActiveType().String(),
		Peer:      st.PeerName,
		Message:   st.Message,
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
	if s.Hub != nil {
		out.Subscribers = s.Hub.Len()
	}
	writeJSON(w, http.StatusOK, out)
}

type connectRequest struct {
	Type string `json:"type"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	t, err := transport.ParseType(req.Type)
	if err != nil || t == transport.TypeNone {
		http.Error(w, "type must be network or radio", http.StatusBadRequest)
		return
	}
	if err := s.Manager.Connect(t); err != nil {
		if errors.Is(err, connection.ErrUnknownTransport) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("connect", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"active": t.String()})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.Manager.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"active": transport.TypeNone.String()})
}

// ── Notifications ─────────────────────────────────────────────────────────

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Notifications.All()
	if err != nil {
		s.log.Error("list notifications", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []notifications.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": recs,
		"count":         len(recs),
	})
}

func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	var n protocol.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(n.Key) == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	d, err := s.Notifications.Posted(n)
	if err != nil {
		s.log.Error("post notification", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	code := http.StatusCreated
	if d == relay.DeliveryIgnored {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"key": n.Key, "delivery": d})
}

func (s *Server) removeNotification(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	existed, err := s.Notifications.Removed(key, r.URL.Query().Get("app"))
	if err != nil {
		s.log.Error("remove notification", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !existed {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.Notifications.Clear(); err != nil {
		s.log.Error("clear notifications", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Calls ─────────────────────────────────────────────────────────────────

func (s *Server) currentCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Calls.Current())
}

func (s *Server) updateCall(w http.ResponseWriter, r *http.Request) {
	var c protocol.IncomingCall
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if c.Source == "" {
		c.Source = protocol.SourceInCall
	}
	if err := s.Calls.Update(c); err != nil {
		if errors.Is(err, protocol.ErrInvalidPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("update call", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Calls.Current())
}

// ── Messages ──────────────────────────────────────────────────────────────

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	if err := s.Manager.Send(req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// ── Settings ──────────────────────────────────────────────────────────────

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Settings.Snapshot())
}

type settingsPatch struct {
	NotificationsEnabled *bool `json:"notifications_enabled"`
	AutoConnectEnabled   *bool `json:"auto_connect_enabled"`
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var p settingsPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	var err error
	if p.NotificationsEnabled != nil {
		err = s.Settings.SetNotificationsEnabled(*p.NotificationsEnabled)
	}
	if err == nil && p.AutoConnectEnabled != nil {
		err = s.Settings.SetAutoConnectEnabled(*p.AutoConnectEnabled)
	}
	if err != nil {
		s.log.Error("update settings", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.Snapshot())
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.Hub.Subscribe()
	defer unsub()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response does not support hijacking")
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
