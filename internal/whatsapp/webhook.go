// ABOUTME: HTTP handler for the WhatsApp webhook: verification handshake and event notifications
// ABOUTME: Checks the optional payload signature and hands each user message to a sink

package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

// maxWebhookBody caps notification bodies. Real payloads are a few KB.
const maxWebhookBody = 1 << 20

// signatureHeader carries the HMAC-SHA256 of the raw body keyed with the app secret.
const signatureHeader = "X-Hub-Signature-256"

// Sink receives converted events. It must not block on event processing.
type Sink func(evt inbound.Event)

// HandlerConfig configures the webhook handler.
type HandlerConfig struct {
	VerifyToken string
	// AppSecret enables signature verification when non-empty.
	AppSecret string
	Sink      Sink
}

// Handler serves GET and POST on the webhook path.
type Handler struct {
	verifyToken string
	appSecret   []byte
	sink        Sink
	now         func() time.Time
	logger      *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		verifyToken: cfg.VerifyToken,
		sink:        cfg.Sink,
		now:         time.Now,
		logger:      logger.With("component", "whatsapp_webhook"),
	}
	if cfg.AppSecret != "" {
		h.appSecret = []byte(cfg.AppSecret)
	}
	return h
}

// ServeHTTP routes by method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleNotification(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeStatus(w, http.StatusMethodNotAllowed, "error", "Method not allowed")
	}
}

// handleVerify answers the subscription handshake.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" {
		h.logger.Warn("webhook verification missing parameters")
		writeStatus(w, http.StatusBadRequest, "error", "Missing parameters")
		return
	}

	if mode != "subscribe" || h.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		h.logger.Warn("webhook verification failed", "mode", mode)
		writeStatus(w, http.StatusForbidden, "error", "Verification failed")
		return
	}

	h.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleNotification accepts an event notification.
func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Could not read body")
		return
	}
	if len(body) > maxWebhookBody {
		writeStatus(w, http.StatusRequestEntityTooLarge, "error", "Payload too large")
		return
	}

	if h.appSecret != nil && !validSignature(h.appSecret, body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("webhook signature mismatch")
		writeStatus(w, http.StatusUnauthorized, "error", "Invalid signature")
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("webhook body is not JSON", "error", err)
		writeStatus(w, http.StatusBadRequest, "error", "Invalid JSON provided")
		return
	}

	if payload.Object == "" {
		writeStatus(w, http.StatusNotFound, "error", "Not a WhatsApp API event")
		return
	}

	events, skipped := payload.Events(h.now())
	for _, s := range skipped {
		h.logger.Warn("skipping malformed message", "message_id", s.MessageID, "error", s.Err)
	}
	for _, evt := range events {
		if h.sink != nil {
			h.sink(evt)
		}
	}
	if len(events) > 0 {
		h.logger.Debug("webhook accepted", "messages", len(events))
	}

	writeStatus(w, http.StatusOK, "ok", "")
}

// validSignature checks a "sha256=<hex>" header against the body.
func validSignature(secret, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body. Used by tests and tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// writeStatus writes the {"status": ..., "message": ...} shape the platform expects.
func writeStatus(w http.ResponseWriter, code int, status, message string) {
	resp := map[string]string{"status": status}
	if message != "" {
		resp["message"] = message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
