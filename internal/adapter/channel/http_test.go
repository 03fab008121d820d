package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/logger"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/usecase/delivery"
	"hume-agent/internal/usecase/workflow"
)

type fakeInbound struct {
	mu     sync.Mutex
	events []domain.InboundEvent
	err    error
}

func (f *fakeInbound) HandleInbound(_ context.Context, ev domain.InboundEvent) (domain.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Reply{}, f.err
	}
	f.events = append(f.events, ev)
	return domain.Reply{
		TaskID: domain.DeriveTaskID(ev.Channel, ev.EventID),
		Text:   "echo: " + ev.Text,
		Plan:   domain.ExecutionPlan{Mode: domain.ModeReasoning},
		Chunks: 1,
	}, nil
}

type fixture struct {
	srv     *HTTPServer
	handler http.Handler
	inbound *fakeInbound
	touches *int
}

func newFixture(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	touches := 0
	var mu sync.Mutex
	leads, err := workflow.NewManager(workflow.NewMemoryStore(), workflow.ToucherFunc(
		func(context.Context, *domain.Lead, int, string) error {
			mu.Lock()
			touches++
			mu.Unlock()
			return nil
		}), config.Defaults().Workflow, logger.Discard())
	require.NoError(t, err)
	seen, err := delivery.NewMemorySeenStore(32)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IncAdmission("http", "admitted")

	inbound := &fakeInbound{}
	srv, err := NewHTTPServer(cfg, Options{
		Inbound:  inbound,
		Leads:    leads,
		Admitter: delivery.NewAdmitter(seen, time.Minute, logger.Discard()),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return &fixture{srv: srv, handler: srv.Handler(), inbound: inbound, touches: &touches}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.1.1.1:4000"
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v))
}

func TestNewHTTPServer_RequiresInbound(t *testing.T) {
	_, err := NewHTTPServer(config.ServerConfig{}, Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestChat(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)

	w := f.do(t, http.MethodPost, "/api/v1/chat", `{"channel":"web","event_id":"e-1","conversation_id":"c-1","recipient":"u-1","text":"hi there"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply domain.Reply
	decodeBody(t, w, &reply)
	assert.Equal(t, "echo: hi there", reply.Text)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	require.Len(t, f.inbound.events, 1)
	ev := f.inbound.events[0]
	assert.Equal(t, "web", ev.Channel)
	assert.Equal(t, "c-1", ev.ConversationID)
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestChat_EventIDFromHeader(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)

	w := f.do(t, http.MethodPost, "/api/v1/chat", `{"text":"hello"}`, "X-Event-ID", "hdr-7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hdr-7", f.inbound.events[0].EventID)
	assert.Equal(t, "http", f.inbound.events[0].Channel)

	w = f.do(t, http.MethodPost, "/api/v1/chat", `{"text":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/chat", `{"event_id":"e-2","text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/chat", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/chat", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestChat_ErrorMapping(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)
	f.inbound.err = domain.WrapOp("Orchestrator.HandleInbound", domain.ErrDeliveryFailed)

	w := f.do(t, http.MethodPost, "/api/v1/chat", `{"event_id":"e-1","text":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body errorResponse
	decodeBody(t, w, &body)
	assert.Equal(t, domain.CodeDeliveryFailed, body.Code)
}

func TestChat_BodyTooLarge(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.MaxBodyBytes = 32
	f := newFixture(t, cfg)

	w := f.do(t, http.MethodPost, "/api/v1/chat", `{"event_id":"e-1","text":"`+strings.Repeat("x", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestLeadLifecycle(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)

	w := f.do(t, http.MethodPost, "/api/v1/leads", `{"event_id":"crm-1","id":"acme-1","tier":"hot","channel":"email","recipient":"ops@acme.test","name":"Acme"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var lead leadView
	decodeBody(t, w, &lead)
	assert.Equal(t, "acme-1", lead.ID)
	assert.Equal(t, domain.StageAwaitingResponse, lead.Stage)
	assert.Contains(t, lead.Summary, "tier hot, 1/5 touches")

	// A webhook retry with the same event id is acknowledged without a second enrollment.
	w = f.do(t, http.MethodPost, "/api/v1/leads", `{"event_id":"crm-1","id":"acme-1","tier":"hot","channel":"email","recipient":"ops@acme.test"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
	assert.Equal(t, 1, *f.touches)

	// A different event for the same lead id is a conflict.
	w = f.do(t, http.MethodPost, "/api/v1/leads", `{"event_id":"crm-2","id":"acme-1","channel":"email","recipient":"ops@acme.test"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPatch, "/api/v1/leads/acme-1", `{"tier":"cold"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &lead)
	assert.Equal(t, domain.TierCold, lead.Tier)

	w = f.do(t, http.MethodGet, "/api/v1/leads/acme-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/leads/acme-1/response", `{"outcome":"won"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &lead)
	assert.Equal(t, domain.StageClosedWon, lead.Stage)

	w = f.do(t, http.MethodPatch, "/api/v1/leads/acme-1", `{"tier":"hot"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "closed leads cannot change tier")

	w = f.do(t, http.MethodGet, "/api/v1/leads/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body errorResponse
	decodeBody(t, w, &body)
	assert.Equal(t, domain.CodeLeadNotFound, body.Code)
}

func TestEnroll_FailureReleasesEventID(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)

	w := f.do(t, http.MethodPost, "/api/v1/leads", `{"event_id":"crm-9","id":"acme-9","channel":"email"}`)
	require.Equal(t, http.StatusBadRequest, w.Code, "recipient is required")

	w = f.do(t, http.MethodPost, "/api/v1/leads", `{"event_id":"crm-9","id":"acme-9","channel":"email","recipient":"a@b.test"}`)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestListLeads(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)
	for _, body := range []string{
		`{"id":"a-1","tier":"hot","channel":"email","recipient":"a@x.test"}`,
		`{"id":"a-2","tier":"cold","channel":"email","recipient":"b@x.test"}`,
		`{"id":"a-3","tier":"hot","channel":"email","recipient":"c@x.test"}`,
	} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/leads", body).Code)
	}

	var out struct {
		Leads []leadView `json:"leads"`
	}
	w := f.do(t, http.MethodGet, "/api/v1/leads?tier=hot", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &out)
	require.Len(t, out.Leads, 2)
	assert.Equal(t, "a-1", out.Leads[0].ID)
	assert.Equal(t, "a-3", out.Leads[1].ID)

	w = f.do(t, http.MethodGet, "/api/v1/leads?limit=1", "")
	decodeBody(t, w, &out)
	assert.Len(t, out.Leads, 1)

	w = f.do(t, http.MethodGet, "/api/v1/leads?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, config.Defaults().Server)

	w := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admissions_total")
}

func TestBearerAuthProtectsAPI(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.AuthToken = "tok"
	f := newFixture(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/leads", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/leads", "", "Authorization", "Bearer tok").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/health", "").Code)
}

func TestRateLimited(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.RateLimit = 0.01
	cfg.RateBurst = 2
	f := newFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/v1/health", "").Code)
}

func TestStartStop(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.Addr = "127.0.0.1:0"
	f := newFixture(t, cfg)
	require.NoError(t, f.srv.Start(context.Background()))

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(ctx))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusOf(domain.ErrInvalidInput))
	assert.Equal(t, http.StatusConflict, StatusOf(domain.ErrVersionConflict))
	assert.Equal(t, http.StatusConflict, StatusOf(domain.ErrTerminalStage))
	assert.Equal(t, http.StatusTooManyRequests, StatusOf(domain.ErrRateLimit))
	assert.Equal(t, http.StatusGatewayTimeout, StatusOf(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(assert.AnError))
}
