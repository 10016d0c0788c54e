// ABOUTME: Graph API client for WhatsApp media download and text message delivery
// ABOUTME: Implements inbound.MediaFetcher and inbound.Deliverer for the whatsapp channel

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

const (
	// maxMediaBytes caps downloads. The Cloud API limit is 100MB for documents,
	// far smaller for audio and images which are all we process.
	maxMediaBytes = 25 << 20

	// maxBodyRunes is the Cloud API limit for a text message body.
	maxBodyRunes = 4096
)

// ErrGraphAPI wraps every non-2xx Graph API response.
var ErrGraphAPI = errors.New("graph api error")

// ErrEmptyMessage is returned by Deliver when the formatted text is blank.
var ErrEmptyMessage = errors.New("empty message body")

// APIError is the error object the Graph API returns.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d code %d: %s", ErrGraphAPI, e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return ErrGraphAPI }

// ClientConfig configures a Graph API client.
type ClientConfig struct {
	// BaseURL defaults to https://graph.facebook.com.
	BaseURL     string
	APIVersion  string
	AccessToken string
	HTTPClient  *http.Client
}

// Client calls the Graph API.
type Client struct {
	baseURL string
	version string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Graph API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v15.0"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: base,
		version: version,
		token:   cfg.AccessToken,
		http:    hc,
		logger:  logger.With("component", "whatsapp_client"),
	}
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + c.version + "/" + strings.Join(escaped, "/")
}

// mediaInfo is the metadata returned for a media id.
type mediaInfo struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// FetchMedia resolves a media id to its download URL and downloads it.
func (c *Client) FetchMedia(ctx context.Context, ref string) (inbound.Media, error) {
	if ref == "" {
		return inbound.Media{}, errors.New("empty media id")
	}

	var info mediaInfo
	if err := c.getJSON(ctx, c.endpoint(ref), &info); err != nil {
		return inbound.Media{}, fmt.Errorf("resolving media %s: %w", ref, err)
	}
	if info.URL == "" {
		return inbound.Media{}, fmt.Errorf("resolving media %s: no download url", ref)
	}
	if info.FileSize > maxMediaBytes {
		return inbound.Media{}, fmt.Errorf("media %s is %d bytes, limit is %d", ref, info.FileSize, maxMediaBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return inbound.Media{}, fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return inbound.Media{}, fmt.Errorf("downloading media %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return inbound.Media{}, fmt.Errorf("downloading media %s: %w", ref, readAPIError(resp))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return inbound.Media{}, fmt.Errorf("reading media %s: %w", ref, err)
	}
	if len(data) > maxMediaBytes {
		return inbound.Media{}, fmt.Errorf("media %s exceeds %d bytes", ref, maxMediaBytes)
	}

	mime := info.MIMEType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	c.logger.Debug("media downloaded", "media_id", ref, "bytes", len(data), "mime_type", mime)
	return inbound.Media{Data: data, MIMEType: mime}, nil
}

// sendRequest is the body of POST /{phone_number_id}/messages.
type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

// Deliver sends text to the user from the business number in to.Conversation.
// Markdown is converted to WhatsApp markup; long replies are split.
func (c *Client) Deliver(ctx context.Context, to inbound.Address, text string) error {
	if to.Conversation == "" {
		return errors.New("missing phone number id")
	}
	if to.UserID == "" {
		return errors.New("missing recipient")
	}

	formatted := FormatText(text)
	if strings.TrimSpace(formatted) == "" {
		return ErrEmptyMessage
	}

	for _, chunk := range splitBody(formatted, maxBodyRunes) {
		body, err := json.Marshal(sendRequest{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to.UserID,
			Type:             "text",
			Text:             sendText{Body: chunk},
		})
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		if err := c.post(ctx, c.endpoint(to.Conversation, "messages"), body); err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// readAPIError decodes the Graph API error envelope, falling back to the status line.
func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
		envelope.Error.StatusCode = resp.StatusCode
		return envelope.Error
	}
	return apiErr
}

// splitBody cuts text into chunks of at most limit runes, preferring line breaks.
func splitBody(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}
