// ABOUTME: Tests for the WhatsApp webhook handler and payload conversion
// ABOUTME: Covers the handshake, signatures, non-WhatsApp bodies and message extraction

package whatsapp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

const textPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PHONE_ID"},
        "contacts": [{"wa_id": "5511999990000", "profile": {"name": "Ana"}}],
        "messages": [{
          "from": "5511999990000",
          "id": "wamid.TEXT",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "quero dividir a conta"}
        }]
      }
    }]
  }]
}`

type collector struct {
	mu     sync.Mutex
	events []inbound.Event
}

func (c *collector) sink(evt inbound.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func newTestHandler(secret string) (*Handler, *collector) {
	c := &collector{}
	h := NewHandler(HandlerConfig{VerifyToken: "tok", AppSecret: secret, Sink: c.sink}, nil)
	return h, c
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestVerify(t *testing.T) {
	h, _ := newTestHandler("")

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"success", "hub.mode=subscribe&hub.verify_token=tok&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=tok&hub.challenge=1", http.StatusForbidden, ""},
		{"missing token", "hub.mode=subscribe&hub.challenge=1", http.StatusBadRequest, ""},
		{"missing everything", "", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			} else {
				assert.Equal(t, "error", decodeStatus(t, rec)["status"])
			}
		})
	}
}

func TestNotification_TextMessage(t *testing.T) {
	h, c := newTestHandler("")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textPayload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decodeStatus(t, rec))

	require.Len(t, c.events, 1)
	evt := c.events[0]
	assert.Equal(t, ChannelName, evt.Channel)
	assert.Equal(t, "wamid.TEXT", evt.MessageID)
	assert.Equal(t, "5511999990000", evt.UserID)
	assert.Equal(t, "PHONE_ID", evt.Conversation)
	assert.Equal(t, inbound.TypeText, evt.Type)
	assert.Equal(t, "quero dividir a conta", evt.Text)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), evt.ReceivedAt)
	assert.NoError(t, evt.Validate())
}

func TestNotification_NotWhatsApp(t *testing.T) {
	h, c := newTestHandler("")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"entry": []}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, map[string]string{"status": "error", "message": "Not a WhatsApp API event"}, decodeStatus(t, rec))
	assert.Empty(t, c.events)
}

func TestNotification_InvalidJSON(t *testing.T) {
	h, _ := newTestHandler("")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotification_StatusOnly(t *testing.T) {
	h, c := newTestHandler("")
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"P"},"statuses":[{"id":"wamid.X","status":"delivered","recipient_id":"55"}]}}]}]}`

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, c.events)
}

func TestNotification_Signature(t *testing.T) {
	secret := "app-secret"

	t.Run("valid", func(t *testing.T) {
		h, c := newTestHandler(secret)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textPayload))
		req.Header.Set(signatureHeader, Sign([]byte(secret), []byte(textPayload)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, c.events, 1)
	})

	t.Run("tampered", func(t *testing.T) {
		h, c := newTestHandler(secret)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textPayload))
		req.Header.Set(signatureHeader, Sign([]byte("other"), []byte(textPayload)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, c.events)
	})

	t.Run("missing", func(t *testing.T) {
		h, _ := newTestHandler(secret)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textPayload))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestNotification_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler("")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPayloadEvents_MediaAndUnsupported(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"P"},
		"messages":[
			{"from":"u1","id":"a","timestamp":"1","type":"audio","audio":{"id":"AUD","mime_type":"audio/ogg; codecs=opus","voice":true}},
			{"from":"u1","id":"b","timestamp":"2","type":"image","image":{"id":"IMG","mime_type":"image/jpeg","caption":"jantar"}},
			{"from":"u1","id":"c","timestamp":"3","type":"sticker","sticker":{"id":"STK","mime_type":"image/webp"}},
			{"from":"u1","id":"d","timestamp":"4","type":"reaction"},
			{"id":"e","type":"text","text":{"body":"no sender"}}
		]}}]}]}`

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))

	events, skipped := p.Events(time.Now())
	require.Len(t, events, 4)
	require.Len(t, skipped, 1)
	assert.Equal(t, "e", skipped[0].MessageID)

	assert.Equal(t, inbound.TypeAudio, events[0].Type)
	assert.Equal(t, "AUD", events[0].MediaRef)
	assert.Equal(t, "audio/ogg; codecs=opus", events[0].MIMEType)

	assert.Equal(t, inbound.TypeImage, events[1].Type)
	assert.Equal(t, "IMG", events[1].MediaRef)
	assert.Equal(t, "jantar", events[1].Caption)

	assert.Equal(t, inbound.TypeSticker, events[2].Type)
	assert.Equal(t, inbound.TypeUnknown, events[3].Type)

	for _, evt := range events {
		assert.Equal(t, "P", evt.Conversation)
	}
}

func TestPayloadEvents_IgnoresOtherFields(t *testing.T) {
	p := Payload{
		Object: "whatsapp_business_account",
		Entry: []Entry{{Changes: []Change{{
			Field: "account_update",
			Value: Value{Messages: []Message{{From: "u", ID: "x", Type: "text", Text: &Text{Body: "hi"}}}},
		}}}},
	}
	events, skipped := p.Events(time.Now())
	assert.Empty(t, events)
	assert.Empty(t, skipped)
}

func TestValidSignature(t *testing.T) {
	secret := []byte("s")
	body := []byte(`{"a":1}`)

	assert.True(t, validSignature(secret, body, Sign(secret, body)))
	assert.False(t, validSignature(secret, body, "sha1=abc"))
	assert.False(t, validSignature(secret, body, "sha256=zz"))
	assert.False(t, validSignature(secret, []byte(`{"a":2}`), Sign(secret, body)))
}
