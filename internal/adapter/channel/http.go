package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/middleware"
	"hume-agent/internal/usecase/workflow"
)

// LeadChannel is the admission channel of lead webhooks.
const LeadChannel = "leads"

// Inbound handles chat events.
type Inbound interface {
	HandleInbound(ctx context.Context, ev domain.InboundEvent) (domain.Reply, error)
}

// Leads is the workflow surface exposed over HTTP.
type Leads interface {
	Enroll(ctx context.Context, req workflow.EnrollRequest) (*domain.Lead, error)
	RecordResponse(ctx context.Context, id string, outcome domain.Outcome) (*domain.Lead, error)
	ChangeTier(ctx context.Context, id string, tier domain.Tier) (*domain.Lead, error)
	Get(ctx context.Context, id string) (*domain.Lead, error)
	List(ctx context.Context, filter domain.LeadFilter) ([]*domain.Lead, error)
}

// Admitter deduplicates lead webhooks by event id.
type Admitter interface {
	Admit(ctx context.Context, ev domain.InboundEvent) (domain.Task, error)
	Release(ctx context.Context, task domain.Task)
}

// Options holds the server's collaborators. Leads, Admitter and Metrics are optional.
type Options struct {
	Inbound  Inbound
	Leads    Leads
	Admitter Admitter
	Metrics  http.Handler
	Logger   *slog.Logger
}

// HTTPServer is the inbound HTTP surface: chat ingress, lead webhooks and
// lead queries, health and metrics.
type HTTPServer struct {
	cfg       config.ServerConfig
	opts      Options
	logger    *slog.Logger
	server    *http.Server
	boundAddr string

	// stops the rate limiter cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
}

type chatRequest struct {
	Channel        string            `json:"channel"`
	EventID        string            `json:"event_id"`
	ConversationID string            `json:"conversation_id"`
	Recipient      string            `json:"recipient"`
	Text           string            `json:"text"`
	EntityRef      string            `json:"entity_ref"`
	Metadata       map[string]string `json:"metadata"`
}

type enrollRequest struct {
	EventID string `json:"event_id"`
	workflow.EnrollRequest
}

type responseRequest struct {
	Outcome domain.Outcome `json:"outcome"`
}

type tierRequest struct {
	Tier domain.Tier `json:"tier"`
}

type leadView struct {
	*domain.Lead
	Summary string `json:"summary"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

// NewHTTPServer creates the server. Start must be called to listen.
func NewHTTPServer(cfg config.ServerConfig, opts Options) (*HTTPServer, error) {
	if opts.Inbound == nil {
		return nil, domain.NewDomainError("NewHTTPServer", domain.ErrInvalidInput, "inbound handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPServer{cfg: cfg, opts: opts, logger: opts.Logger, ctx: ctx, cancel: cancel}, nil
}

// Handler returns the routed handler wrapped in the security middleware.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.opts.Leads != nil {
		mux.HandleFunc("POST /api/v1/leads", s.handleEnroll)
		mux.HandleFunc("GET /api/v1/leads", s.handleListLeads)
		mux.HandleFunc("GET /api/v1/leads/{id}", s.handleGetLead)
		mux.HandleFunc("PATCH /api/v1/leads/{id}", s.handleChangeTier)
		mux.HandleFunc("POST /api/v1/leads/{id}/response", s.handleResponse)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	var h http.Handler = mux
	h = middleware.MaxBody(s.cfg.MaxBodyBytes)(h)
	h = middleware.BearerAuth(s.cfg.AuthToken, "/api/v1/health", "/metrics")(h)
	h = middleware.RateLimit(s.ctx, middleware.RateLimitConfig{
		PerSecond: s.cfg.RateLimit,
		Burst:     s.cfg.RateBurst,
	})(h)
	return middleware.SecurityHeaders(h)
}

// Start listens on the configured address and serves in the background.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("http server started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *HTTPServer) Addr() string { return s.boundAddr }

// Stop gracefully shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EventID == "" {
		req.EventID = r.Header.Get("X-Event-ID")
	}
	if req.Channel == "" {
		req.Channel = "http"
	}
	switch {
	case strings.TrimSpace(req.Text) == "":
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	case req.EventID == "":
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event_id or X-Event-ID header is required"})
		return
	}

	reply, err := s.opts.Inbound.HandleInbound(r.Context(), domain.InboundEvent{
		Channel:        req.Channel,
		EventID:        req.EventID,
		ConversationID: req.ConversationID,
		Recipient:      req.Recipient,
		Text:           req.Text,
		EntityRef:      req.EntityRef,
		Metadata:       req.Metadata,
		ReceivedAt:     time.Now(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *HTTPServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EventID == "" {
		req.EventID = r.Header.Get("X-Event-ID")
	}

	var task domain.Task
	if req.EventID != "" && s.opts.Admitter != nil {
		var err error
		task, err = s.opts.Admitter.Admit(r.Context(), domain.InboundEvent{
			Channel: LeadChannel,
			EventID: req.EventID,
			Text:    req.ID,
		})
		if errors.Is(err, domain.ErrDuplicateEvent) {
			writeJSON(w, http.StatusOK, map[string]any{"duplicate": true, "event_id": req.EventID})
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	lead, err := s.opts.Leads.Enroll(r.Context(), req.EnrollRequest)
	if err != nil {
		if task.ID != "" {
			s.opts.Admitter.Release(r.Context(), task)
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(lead))
}

func (s *HTTPServer) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.opts.Leads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(lead))
}

func (s *HTTPServer) handleListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.LeadFilter{Stage: domain.Stage(q.Get("stage")), Tier: domain.Tier(q.Get("tier"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	leads, err := s.opts.Leads.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]leadView, 0, len(leads))
	for _, l := range leads {
		out = append(out, view(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": out})
}

func (s *HTTPServer) handleChangeTier(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if !decode(w, r, &req) {
		return
	}
	lead, err := s.opts.Leads.ChangeTier(r.Context(), r.PathValue("id"), req.Tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(lead))
}

func (s *HTTPServer) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if !decode(w, r, &req) {
		return
	}
	lead, err := s.opts.Leads.RecordResponse(r.Context(), r.PathValue("id"), req.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(lead))
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func view(l *domain.Lead) leadView {
	return leadView{Lead: l, Summary: workflow.Describe(l)}
}

// decode reads a JSON body, answering 400 or 413 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("request body too large (max %d bytes)", tooLarge.Limit)})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// StatusOf maps a domain error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrTerminalStage):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrDeliveryFailed), errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
