// ABOUTME: HTTP routes for the webhook, health checks, session reset and read-only inspection
// ABOUTME: Admin and inspection routes sit behind JWT middleware when a secret is configured

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/cobrai-gateway/internal/auth"
	"github.com/2389/cobrai-gateway/internal/session"
	"github.com/2389/cobrai-gateway/internal/store"
)

const (
	listeningBanner = "WhatsApp assistant webhook is listening!"
	resetBanner     = "Message log reset!"
)

// TurnView describes one history turn without exposing its content.
type TurnView struct {
	Role   string `json:"role"`
	Length int    `json:"length"`
	Images int    `json:"images,omitempty"`
}

// SessionView is the inspection shape of a session.
type SessionView struct {
	User      string     `json:"user"`
	Mode      string     `json:"mode"`
	Stage     string     `json:"stage,omitempty"`
	Turns     []TurnView `json:"turns"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// newSessionView builds the view; user is the id as it may be shown, pseudonymized when redaction is on.
func newSessionView(s session.Session, user string) SessionView {
	turns := make([]TurnView, len(s.History))
	for i, t := range s.History {
		turns[i] = TurnView{Role: string(t.Role), Length: len([]rune(t.Content)), Images: len(t.Images)}
	}
	return SessionView{
		User:      user,
		Mode:      string(s.Mode),
		Stage:     string(s.Stage),
		Turns:     turns,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// registerRoutes mounts every HTTP route. webhook is nil when WhatsApp is disabled.
func (g *Gateway) registerRoutes(mux *http.ServeMux, webhook http.Handler) error {
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if webhook != nil {
		mux.Handle("/webhook", webhook)
	}

	if g.config.Auth.JWTSecret == "" {
		mux.HandleFunc("POST /api/admin/reset", g.handleReset)
		mux.HandleFunc("GET /reset", g.handleLegacyReset)
		mux.HandleFunc("GET /api/sessions/{user}", g.handleGetSession)
		mux.HandleFunc("GET /api/stats/usage", g.handleUsageStats)
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier)
	adminMiddleware := auth.RequireAdminHTTP()
	admin := func(h http.HandlerFunc) http.Handler { return authMiddleware(adminMiddleware(h)) }

	mux.Handle("POST /api/admin/reset", admin(g.handleReset))
	mux.Handle("GET /reset", admin(g.handleLegacyReset))
	mux.Handle("GET /api/sessions/{user}", authMiddleware(http.HandlerFunc(g.handleGetSession)))
	mux.Handle("GET /api/stats/usage", authMiddleware(http.HandlerFunc(g.handleUsageStats)))
	g.logger.Info("HTTP auth middleware enabled")
	return nil
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(listeningBanner))
}

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once a channel is registered and shutdown has not begun.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ok, msg := g.ready()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write([]byte(msg))
}

func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	n := g.resetSessions(resetTrigger(r))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions_cleared": n})
}

func (g *Gateway) handleLegacyReset(w http.ResponseWriter, r *http.Request) {
	g.resetSessions(resetTrigger(r))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(resetBanner))
}

func resetTrigger(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil {
		return "http:" + a.Subject
	}
	return "http"
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.sessions.Get(r.PathValue("user"))
	if errors.Is(err, session.ErrSessionNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newSessionView(s, g.redactor.User(s.UserID)))
}

// handleUsageStats aggregates token usage.
// Query params: since, until (RFC3339) and conversation (ledger key).
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusNotFound, "ledger disabled")
		return
	}

	q := r.URL.Query()
	var filter store.UsageFilter
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid "+p.name+" (want RFC3339)")
			return
		}
		*p.dst = &t
	}
	if conv := q.Get("conversation"); conv != "" {
		filter.ConversationKey = &conv
	}

	stats, err := g.ledger.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to aggregate usage", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to aggregate usage")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
