package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nubecrm/chatsync/internal/client"
	"github.com/nubecrm/chatsync/internal/credential"
	"github.com/nubecrm/chatsync/internal/session"
	"github.com/nubecrm/chatsync/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the HTTP control plane on the session's unix socket. It is the
// only way another process can observe or steer the daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a control server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, cl *client.Client, cred *credential.Watcher, db *store.DB) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	h := &handlers{
		sessionName: p.SessionName,
		client:      cl,
		cred:        cred,
		db:          db,
		logger:      logger,
	}

	return &Server{
		httpServer: &http.Server{Handler: h.routes()},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	_ = os.Remove(s.socketPath)
}

type handlers struct {
	sessionName string
	client      *client.Client
	cred        *credential.Watcher
	db          *store.DB
	logger      *zap.Logger
}

func (h *handlers) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestID)

	r.Get("/healthz", h.healthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/conversations", h.conversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", h.messages)
			r.Post("/join", h.join)
			r.Post("/leave", h.leave)
			r.Post("/typing", h.typing)
		})
	})
	return r
}

// requestID tags every control request for log correlation.
func (h *handlers) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		h.logger.Debug("control request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the payload of GET /v1/status.
type statusResponse struct {
	Session             string             `json:"session"`
	State               string             `json:"state"`
	ConnectionError     string             `json:"connectionError,omitempty"`
	JoinedConversations []string           `json:"joinedConversations"`
	Credential          credentialResponse `json:"credential"`
}

type credentialResponse struct {
	Present   bool   `json:"present"`
	Subject   string `json:"subject,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Session:             h.sessionName,
		State:               string(h.client.State()),
		ConnectionError:     h.client.ConnectionError(),
		JoinedConversations: h.client.JoinedConversations(),
	}
	if token := h.cred.Current(); token != "" {
		resp.Credential.Present = true
		if claims := h.cred.Peek(); claims.OK {
			resp.Credential.Subject = claims.Subject
			if !claims.ExpiresAt.IsZero() {
				resp.Credential.ExpiresAt = claims.ExpiresAt.Format(time.RFC3339)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type conversationResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	UnreadCount        int    `json:"unreadCount"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
	Stale              bool   `json:"stale"`
}

func (h *handlers) conversations(w http.ResponseWriter, _ *http.Request) {
	convs := h.client.Conversations()
	out := make([]conversationResponse, len(convs))
	for i, c := range convs {
		out[i] = conversationResponse{
			ID:                 c.ID,
			Name:               c.Name,
			UnreadCount:        c.UnreadCount,
			LastMessageAt:      c.LastMessageAt,
			LastMessagePreview: c.LastMessagePreview,
			Stale:              c.Stale,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	FailureReason  string `json:"failureReason,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	FromMe         bool   `json:"fromMe"`
}

// messages serves from the sqlite mirror rather than the in-memory cache:
// the mirror has identical content (every accepted mutation writes through)
// and supports keyset pagination for long histories.
func (h *handlers) messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	var before int64
	if b := r.URL.Query().Get("before"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil && parsed > 0 {
			before = parsed
		}
	}

	msgs, err := h.db.ListMessages(id, before, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err), zap.String("conversation", id))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse{
			ID:             m.MsgID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Body:           m.Body,
			Status:         m.Status,
			FailureReason:  m.FailureReason,
			Timestamp:      m.Timestamp,
			FromMe:         m.FromMe,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) join(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.client.JoinConversation(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": id, "connected": h.client.IsConnected()})
}

func (h *handlers) leave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.client.LeaveConversation(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"left": id})
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (h *handlers) typing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req := typingRequest{Typing: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.client.SendTyping(r.Context(), id, req.Typing); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": id, "typing": req.Typing})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
