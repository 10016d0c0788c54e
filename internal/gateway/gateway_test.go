// ABOUTME: Tests for gateway wiring, HTTP routes, auth, the reset schedule and shutdown
// ABOUTME: Drives the real webhook and dispatcher against a fake model and a fake Graph API

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/cobrai-gateway/internal/auth"
	"github.com/2389/cobrai-gateway/internal/config"
	"github.com/2389/cobrai-gateway/internal/inbound"
	"github.com/2389/cobrai-gateway/internal/model"
	"github.com/2389/cobrai-gateway/internal/session"
)

const (
	testUser   = "5511999990000"
	testSecret = "gateway-test-secret-with-32-bytes!"
)

const webhookText = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PHONE_ID"},
    "messages": [{"from": "5511999990000", "id": "%s", "timestamp": "1700000000", "type": "text", "text": {"body": "oi"}}]
  }}]}]
}`

type scriptedCompleter struct {
	mu    sync.Mutex
	reply string
	gate  chan struct{} // when set, Complete waits for it
	calls int
}

func (s *scriptedCompleter) Complete(ctx context.Context, _ []session.Turn, _ model.Decoding) (*model.Completion, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &model.Completion{ID: "cmpl-1", Text: s.reply, Usage: model.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}}, nil
}

type nopTranscriber struct{}

func (nopTranscriber) Transcribe(context.Context, inbound.Media, string) (string, error) {
	return "", nil
}

// graphServer records outbound WhatsApp messages.
type graphServer struct {
	*httptest.Server
	bodies chan string
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	g := &graphServer{bodies: make(chan string, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v15.0/PHONE_ID/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.bodies <- body.Text.Body
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	})
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

type options struct {
	jwtSecret string
	dbPath    string
	schedule  string
	showUsers bool
}

func newTestGateway(t *testing.T, completer model.Completer, graphURL string, opts options) *Gateway {
	t.Helper()
	t.Setenv("COBRAI_DB_PATH", "")

	yaml := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
auth:
  jwt_secret: %q
database:
  path: %q
whatsapp:
  enabled: true
  access_token: "graph-token"
  verify_token: "verify"
  graph_url: %q
model:
  model: "gpt-test"
sessions:
  reset_schedule: %q
logging:
  redact_users: %t
`, opts.jwtSecret, opts.dbPath, graphURL, opts.schedule, !opts.showUsers)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	g, err := NewWithDeps(cfg, Deps{Completer: completer, Transcriber: nopTranscriber{}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func serve(g *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func postWebhook(t *testing.T, g *Gateway, messageID string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(fmt.Sprintf(webhookText, messageID)))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(g, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func waitReply(t *testing.T, gs *graphServer) string {
	t.Helper()
	select {
	case body := <-gs.bodies:
		return body
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
		return ""
	}
}

func TestGateway_WebhookEndToEnd(t *testing.T) {
	gs := newGraphServer(t)
	g := newTestGateway(t, &scriptedCompleter{reply: `{"message":"**Olá!** Como posso ajudar?","feature":""}`}, gs.URL, options{})

	postWebhook(t, g, "wamid.IN1")
	assert.Equal(t, "*Olá!* Como posso ajudar?", waitReply(t, gs))

	rec := serve(g, httptest.NewRequest(http.MethodGet, "/api/sessions/"+testUser, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, g.redactor.User(testUser), view.User)
	assert.NotContains(t, rec.Body.String(), testUser, "inspection must not leak the phone number")
	assert.Equal(t, string(session.ModeDefault), view.Mode)
	require.GreaterOrEqual(t, len(view.Turns), 2)
	last := view.Turns[len(view.Turns)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.NotContains(t, rec.Body.String(), "Como posso ajudar", "inspection must not leak message content")
}

func TestGateway_SessionViewShowsRawUserWhenRedactionOff(t *testing.T) {
	gs := newGraphServer(t)
	g := newTestGateway(t, &scriptedCompleter{reply: `{"message":"oi","feature":""}`}, gs.URL, options{showUsers: true})

	postWebhook(t, g, "wamid.RAW")
	waitReply(t, gs)

	rec := serve(g, httptest.NewRequest(http.MethodGet, "/api/sessions/"+testUser, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, testUser, view.User)
}

func TestGateway_DuplicateWebhookDeliveredOnce(t *testing.T) {
	gs := newGraphServer(t)
	completer := &scriptedCompleter{reply: `{"message":"oi","feature":""}`}
	g := newTestGateway(t, completer, gs.URL, options{})

	postWebhook(t, g, "wamid.DUP")
	waitReply(t, gs)
	postWebhook(t, g, "wamid.DUP")

	require.NoError(t, g.drainEvents(context.Background()))
	completer.mu.Lock()
	defer completer.mu.Unlock()
	assert.Equal(t, 1, completer.calls)
	assert.Empty(t, gs.bodies)
}

func TestGateway_PublicRoutes(t *testing.T) {
	gs := newGraphServer(t)
	g := newTestGateway(t, &scriptedCompleter{}, gs.URL, options{})

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"root banner", http.MethodGet, "/", http.StatusOK, listeningBanner},
		{"health", http.MethodGet, "/health", http.StatusOK, "OK"},
		{"ready", http.MethodGet, "/health/ready", http.StatusOK, "ready (1 channels"},
		{"legacy reset", http.MethodGet, "/reset", http.StatusOK, resetBanner},
		{"unknown session", http.MethodGet, "/api/sessions/nobody", http.StatusNotFound, "session not found"},
		{"usage without ledger", http.MethodGet, "/api/stats/usage", http.StatusNotFound, "ledger disabled"},
		{"webhook verify", http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify&hub.challenge=42", http.StatusOK, "42"},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(g, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestGateway_AdminReset(t *testing.T) {
	gs := newGraphServer(t)
	g := newTestGateway(t, &scriptedCompleter{reply: `{"message":"oi","feature":""}`}, gs.URL, options{})

	postWebhook(t, g, "wamid.R1")
	waitReply(t, gs)
	require.Equal(t, 1, g.sessions.Len())

	rec := serve(g, httptest.NewRequest(http.MethodPost, "/api/admin/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sessions_cleared"])
	assert.Equal(t, 0, g.sessions.Len())
}

func TestGateway_AuthProtectedRoutes(t *testing.T) {
	gs := newGraphServer(t)
	g := newTestGateway(t, &scriptedCompleter{}, gs.URL, options{jwtSecret: testSecret})

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	adminToken, err := verifier.Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	operatorToken, err := verifier.Generate("dash", auth.RoleOperator, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		wantCode int
	}{
		{"reset without token", http.MethodPost, "/api/admin/reset", "", http.StatusUnauthorized},
		{"reset as operator", http.MethodPost, "/api/admin/reset", operatorToken, http.StatusForbidden},
		{"reset as admin", http.MethodPost, "/api/admin/reset", adminToken, http.StatusOK},
		{"legacy reset without token", http.MethodGet, "/reset", "", http.StatusUnauthorized},
		{"session as operator", http.MethodGet, "/api/sessions/" + testUser, operatorToken, http.StatusNotFound},
		{"session without token", http.MethodGet, "/api/sessions/" + testUser, "", http.StatusUnauthorized},
		{"health stays public", http.MethodGet, "/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			assert.Equal(t, tt.wantCode, serve(g, req).Code)
		})
	}
}

func TestGateway_UsageStats(t *testing.T) {
	gs := newGraphServer(t)
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	g := newTestGateway(t, &scriptedCompleter{reply: `{"message":"oi","feature":""}`}, gs.URL, options{dbPath: dbPath})
	require.NotNil(t, g.ledger)

	postWebhook(t, g, "wamid.U1")
	waitReply(t, gs)
	require.NoError(t, g.drainEvents(context.Background()))

	rec := serve(g, httptest.NewRequest(http.MethodGet, "/api/stats/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		TotalTokens  int64 `json:"total_tokens"`
		RequestCount int64 `json:"request_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.RequestCount)
	assert.EqualValues(t, 14, stats.TotalTokens)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = serve(g, httptest.NewRequest(http.MethodGet, "/api/stats/usage?since="+future, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 0, stats.RequestCount)

	rec = serve(g, httptest.NewRequest(http.MethodGet, "/api/stats/usage?until=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_ShutdownDrainsInflightEvents(t *testing.T) {
	gs := newGraphServer(t)
	completer := &scriptedCompleter{reply: `{"message":"tchau","feature":""}`, gate: make(chan struct{})}
	g := newTestGateway(t, completer, gs.URL, options{})

	postWebhook(t, g, "wamid.S1")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- g.Shutdown(ctx)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned before the in-flight event finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(completer.gate)
	require.NoError(t, <-done)
	assert.Equal(t, "tchau", waitReply(t, gs))

	ok, msg := g.ready()
	assert.False(t, ok)
	assert.Equal(t, "shutting down", msg)

	// Work arriving after shutdown is dropped.
	g.enqueue(inbound.Event{Channel: "whatsapp", MessageID: "late", UserID: testUser, Type: inbound.TypeText, Text: "oi"})
	require.NoError(t, g.drainEvents(context.Background()))
	assert.Empty(t, gs.bodies)

	called := false
	g.enqueueThen(inbound.Event{Channel: "matrix", MessageID: "$late", UserID: "@ana:example.org", Type: inbound.TypeText, Text: "oi"}, func() { called = true })
	assert.True(t, called, "dropped events still report done")
}

func TestGateway_EnqueueThenCallsDoneForDroppedEvent(t *testing.T) {
	gs := newGraphServer(t)
	completer := &scriptedCompleter{reply: `{"message":"oi","feature":""}`}
	g := newTestGateway(t, completer, gs.URL, options{})

	// No matrix channel is registered, so the dispatcher drops the event without replying.
	done := make(chan struct{})
	g.enqueueThen(inbound.Event{Channel: "matrix", MessageID: "$m1", UserID: "@ana:example.org", Conversation: "!room:example.org", Type: inbound.TypeText, Text: "oi"}, func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("done was not called")
	}
	assert.Empty(t, gs.bodies)
}

func TestGateway_ShutdownCancelsStuckEvents(t *testing.T) {
	gs := newGraphServer(t)
	completer := &scriptedCompleter{reply: `{"message":"nunca","feature":""}`, gate: make(chan struct{})}
	g := newTestGateway(t, completer, gs.URL, options{})

	postWebhook(t, g, "wamid.S2")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := g.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_InvalidResetSchedule(t *testing.T) {
	t.Setenv("COBRAI_DB_PATH", "")
	cfg, err := config.Parse([]byte(`
server:
  http_addr: "127.0.0.1:0"
whatsapp:
  enabled: true
  access_token: "t"
  verify_token: "v"
model:
  model: "gpt-test"
sessions:
  reset_schedule: "every tuesday"
`))
	require.NoError(t, err)

	_, err = NewWithDeps(cfg, Deps{Completer: &scriptedCompleter{}, Transcriber: nopTranscriber{}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.reset_schedule")
}

func TestNewResetScheduler(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"@daily", false},
		{"0 3 * * *", false},
		{"*/30 * * * * *", false},
		{"every tuesday", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			c, err := newResetScheduler(tt.spec, func() {})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, c.Entries(), 1)
		})
	}
}

func TestHealthServer(t *testing.T) {
	srv, hs := newHealthServer()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	hs.Shutdown()
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, []byte("fixed"), redactKey("fixed"))

	a, b := redactKey(""), redactKey("")
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
