// ABOUTME: Tests for the Graph API client against an httptest server
// ABOUTME: Covers two-step media download, message send, API errors and body splitting

package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

type graphServer struct {
	*httptest.Server
	mu   sync.Mutex
	sent []sendRequest
	fail bool
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	g := &graphServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v15.0/MEDIA1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(mediaInfo{URL: g.URL + "/download/MEDIA1", MIMEType: "image/jpeg", ID: "MEDIA1"})
	})
	mux.HandleFunc("GET /v15.0/GONE", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Unsupported get request","type":"GraphMethodException","code":100}}`))
	})
	mux.HandleFunc("GET /download/MEDIA1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("jpeg-bytes"))
	})
	mux.HandleFunc("POST /v15.0/PHONE/messages", func(w http.ResponseWriter, r *http.Request) {
		if g.fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Recipient not allowed","type":"OAuthException","code":131030}}`))
			return
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.sent = append(g.sent, req)
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	})

	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

func newTestClient(g *graphServer) *Client {
	return NewClient(ClientConfig{BaseURL: g.URL, APIVersion: "v15.0", AccessToken: "token"}, nil)
}

func TestFetchMedia(t *testing.T) {
	g := newGraphServer(t)
	c := newTestClient(g)

	media, err := c.FetchMedia(context.Background(), "MEDIA1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), media.Data)
	assert.Equal(t, "image/jpeg", media.MIMEType)
}

func TestFetchMedia_APIError(t *testing.T) {
	g := newGraphServer(t)
	c := newTestClient(g)

	_, err := c.FetchMedia(context.Background(), "GONE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGraphAPI)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, 100, apiErr.Code)
}

func TestFetchMedia_EmptyRef(t *testing.T) {
	c := NewClient(ClientConfig{}, nil)
	_, err := c.FetchMedia(context.Background(), "")
	assert.Error(t, err)
}

func TestDeliver(t *testing.T) {
	g := newGraphServer(t)
	c := newTestClient(g)

	err := c.Deliver(context.Background(), inbound.Address{Channel: ChannelName, UserID: "5511999990000", Conversation: "PHONE"}, "**Total**: R$ 90")
	require.NoError(t, err)

	require.Len(t, g.sent, 1)
	assert.Equal(t, "whatsapp", g.sent[0].MessagingProduct)
	assert.Equal(t, "5511999990000", g.sent[0].To)
	assert.Equal(t, "text", g.sent[0].Type)
	assert.Equal(t, "*Total*: R$ 90", g.sent[0].Text.Body)
}

func TestDeliver_SplitsLongReplies(t *testing.T) {
	g := newGraphServer(t)
	c := newTestClient(g)

	long := strings.Repeat("linha de texto\n", 600)
	err := c.Deliver(context.Background(), inbound.Address{UserID: "u", Conversation: "PHONE"}, long)
	require.NoError(t, err)

	require.Greater(t, len(g.sent), 1)
	for _, s := range g.sent {
		assert.LessOrEqual(t, utf8.RuneCountInString(s.Text.Body), maxBodyRunes)
	}
}

func TestDeliver_Errors(t *testing.T) {
	g := newGraphServer(t)
	c := newTestClient(g)

	err := c.Deliver(context.Background(), inbound.Address{UserID: "u"}, "oi")
	assert.Error(t, err, "phone number id is required")

	for _, blank := range []string{"", "  \n", "<br>"} {
		err = c.Deliver(context.Background(), inbound.Address{UserID: "u", Conversation: "PHONE"}, blank)
		assert.ErrorIs(t, err, ErrEmptyMessage, "%q", blank)
	}
	assert.Empty(t, g.sent, "blank replies never reach the Graph API")

	g.fail = true
	err = c.Deliver(context.Background(), inbound.Address{UserID: "u", Conversation: "PHONE"}, "oi")
	assert.ErrorIs(t, err, ErrGraphAPI)
	assert.Contains(t, err.Error(), "Recipient not allowed")
}

func TestSplitBody(t *testing.T) {
	assert.Equal(t, []string{"curto"}, splitBody("curto", 10))

	chunks := splitBody("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, chunks)

	chunks = splitBody(strings.Repeat("é", 25), 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("é", 10), chunks[0])
	assert.Equal(t, strings.Repeat("é", 5), chunks[2])
}
