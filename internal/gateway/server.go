package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/owliabot/owliabot/internal/agent"
	"github.com/owliabot/owliabot/internal/ratelimit"
	"github.com/owliabot/owliabot/internal/sessions"
	"github.com/owliabot/owliabot/pkg/models"
)

// Config controls the gateway HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8088".
	Addr string
	// AdminToken bootstraps the first admin device: a request to
	// /admin/approve bearing this token (instead of a device token with the
	// admin scope) is accepted so there's a way to approve the very first
	// device. Leave empty to require an existing admin device for every
	// approval.
	AdminToken string
	// AgentID is the agent profile new device sessions are created under.
	AgentID string
	// MessageRateLimit and MessageRateBurst size the per-device token bucket
	// guarding the message-submission endpoint.
	MessageRateLimit float64
	MessageRateBurst int
}

// Server is the HTTP device channel: pairing, authenticated message
// submission, and event polling, grounded on the teacher's stdlib
// net/http.ServeMux + middleware-chain composition rather than a router
// library.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	devices  *DeviceStore
	pairing  *PairingStore
	idem     *IdempotencyCache
	events   *EventBroker
	limiter  *ratelimit.Limiter
	loop     *agent.AgenticLoop
	sessions sessions.Store
	http     *http.Server
}

// NewServer wires the gateway's components around loop and store, which
// drive message submission, and an in-memory device/pairing/event stack.
func NewServer(cfg Config, loop *agent.AgenticLoop, store sessions.Store, logger *slog.Logger) *Server {
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = 2
	}
	if cfg.MessageRateBurst <= 0 {
		cfg.MessageRateBurst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	devices := NewDeviceStore()
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		devices: devices,
		pairing: NewPairingStore(devices),
		idem:    NewIdempotencyCache(),
		events:  NewEventBroker(),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.MessageRateLimit,
			BurstSize:         cfg.MessageRateBurst,
			Enabled:           true,
		}),
		loop:     loop,
		sessions: store,
	}
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
	}
	return s
}

// ListenAndServe starts the gateway's HTTP listener; it blocks until the
// server stops or ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/healthz", chain(http.HandlerFunc(s.handleHealthz),
		loggingMiddleware(s.logger),
	))

	mux.Handle("/pair/request", chain(http.HandlerFunc(s.handlePairRequest),
		loggingMiddleware(s.logger),
		rateLimitMiddleware(s.limiter),
	))

	mux.Handle("/admin/approve", chain(http.HandlerFunc(s.handleAdminApprove),
		loggingMiddleware(s.logger),
		idempotencyMiddleware(s.idem),
	))

	mux.Handle("/admin/deny", chain(http.HandlerFunc(s.handleAdminDeny),
		loggingMiddleware(s.logger),
	))

	mux.Handle("/admin/pending", chain(http.HandlerFunc(s.handleAdminPending),
		loggingMiddleware(s.logger),
		deviceAuthMiddleware(s.devices, ScopeAdmin),
	))

	mux.Handle("/message", chain(http.HandlerFunc(s.handleMessage),
		loggingMiddleware(s.logger),
		deviceAuthMiddleware(s.devices, ScopeMessage),
		rateLimitMiddleware(s.limiter),
		idempotencyMiddleware(s.idem),
	))

	mux.Handle("/events/poll", chain(http.HandlerFunc(s.handleEventsPoll),
		loggingMiddleware(s.logger),
		deviceAuthMiddleware(s.devices, ScopeEvents),
	))

	mux.Handle("/events/ack", chain(http.HandlerFunc(s.handleEventsAck),
		loggingMiddleware(s.logger),
		deviceAuthMiddleware(s.devices, ScopeEvents),
	))

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pairRequestBody struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var body pairRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	scopes := parseScopes(body.Scopes)
	req, err := s.pairing.Request(body.Name, scopes)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrMaxPending) {
			status = http.StatusTooManyRequests
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         req.ID,
		"code":       req.Code,
		"expires_at": req.ExpiresAt,
	})
}

type adminApproveBody struct {
	Code string `json:"code"`
}

func (s *Server) handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if !s.authorizeAdmin(r) {
		writeJSONError(w, http.StatusForbidden, "admin scope required")
		return
	}
	var body adminApproveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dev, err := s.pairing.Approve(body.Code)
	if err != nil {
		status := http.StatusNotFound
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id": dev.ID,
		"token":     dev.Token,
		"scopes":    dev.Scopes,
	})
}

func (s *Server) handleAdminDeny(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if !s.authorizeAdmin(r) {
		writeJSONError(w, http.StatusForbidden, "admin scope required")
		return
	}
	var body adminApproveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.pairing.Deny(body.Code); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

func (s *Server) handleAdminPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pairing.ListPending())
}

// authorizeAdmin accepts either an admin-scoped device token or the server's
// bootstrap AdminToken, so the very first device can be approved before any
// admin device exists.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	token := r.Header.Get("X-Device-Token")
	if dev, ok := s.devices.Lookup(token); ok && dev.HasScope(ScopeAdmin) {
		return true
	}
	if s.cfg.AdminToken != "" && token == s.cfg.AdminToken {
		return true
	}
	return false
}

type messageBody struct {
	Content string `json:"content"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	dev := deviceFromContext(r.Context())
	if dev == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Content == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	ctx := context.Background()
	sessionKey := "device:" + dev.ID
	session, err := s.sessions.GetOrCreate(ctx, sessionKey, s.cfg.AgentID, models.ChannelHTTP, dev.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   models.ChannelHTTP,
		ChannelID: dev.ID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   body.Content,
		CreatedAt: time.Now(),
	}

	chunks, err := s.loop.Run(ctx, session, msg)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("agent run failed: %v", err))
		return
	}

	go s.drainToEvents(dev.ID, chunks)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"message_id": msg.ID,
		"session_id": session.ID,
	})
}

// drainToEvents converts a running loop's chunk stream into gateway events a
// device retrieves by polling, since the device channel has no open
// connection to stream over.
func (s *Server) drainToEvents(deviceID string, chunks <-chan *agent.ResponseChunk) {
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			s.events.Publish(deviceID, "error", map[string]string{"error": chunk.Error.Error()})
		case chunk.ToolEvent != nil:
			s.events.Publish(deviceID, "tool_event", chunk.ToolEvent)
		case chunk.ToolResult != nil:
			s.events.Publish(deviceID, "tool_result", chunk.ToolResult)
		case chunk.Text != "":
			s.events.Publish(deviceID, "text", map[string]string{"text": chunk.Text})
		}
	}
	s.events.Publish(deviceID, "done", nil)
}

func (s *Server) handleEventsPoll(w http.ResponseWriter, r *http.Request) {
	dev := deviceFromContext(r.Context())
	since := parseInt64(r.URL.Query().Get("since"), 0)
	limit := int(parseInt64(r.URL.Query().Get("limit"), 100))
	events := s.events.Poll(dev.ID, since, limit)
	if events == nil {
		events = []GatewayEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type ackBody struct {
	Seq int64 `json:"seq"`
}

func (s *Server) handleEventsAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	dev := deviceFromContext(r.Context())
	var body ackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.events.Ack(dev.ID, body.Seq)
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

func parseScopes(raw []string) []Scope {
	if len(raw) == 0 {
		return []Scope{ScopeMessage, ScopeEvents}
	}
	out := make([]Scope, 0, len(raw))
	for _, s := range raw {
		out = append(out, Scope(s))
	}
	return out
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}
