// ABOUTME: OpenAI-compatible chat completion client built on go-openai
// ABOUTME: Serializes session turns (including receipt images) and rate limits requests

package model

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/2389/cobrai-gateway/internal/session"
)

// Options configures an OpenAI-compatible endpoint.
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client talks to any OpenAI-compatible /chat/completions and /audio/transcriptions API.
type Client struct {
	api     *openai.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Completer = (*Client)(nil)

// NewClient creates a client for the given endpoint.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	cfg.HTTPClient = httpClient

	c := &Client{
		api:    openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "model"),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %w", ErrModelCall, err)
	}
	return nil
}

// Complete issues exactly one non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, turns []session.Turn, dec Decoding) (*Completion, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       dec.Model,
		Messages:    toMessages(turns),
		Temperature: dec.Temperature,
		TopP:        dec.TopP,
		MaxTokens:   dec.MaxTokens,
	}
	if dec.JSONOnly {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	requestID := uuid.NewString()
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Warn("model endpoint returned an error",
				"request_id", requestID,
				"status", apiErr.HTTPStatusCode,
				"type", apiErr.Type,
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrModelCall, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrModelCall)
	}

	c.logger.Debug("model call completed",
		"request_id", requestID,
		"model", resp.Model,
		"turns", len(turns),
		"total_tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start),
	)

	id := resp.ID
	if id == "" {
		id = requestID
	}
	return &Completion{
		ID:    id,
		Model: resp.Model,
		Text:  resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toMessages(turns []session.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msg := openai.ChatCompletionMessage{Role: toRole(t.Role)}
		if len(t.Images) == 0 {
			msg.Content = t.Content
			out = append(out, msg)
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(t.Images)+1)
		if t.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: t.Content,
			})
		}
		for _, img := range t.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURI(img),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		msg.MultiContent = parts
		out = append(out, msg)
	}
	return out
}

func toRole(r session.Role) string {
	switch r {
	case session.RoleSystem:
		return openai.ChatMessageRoleSystem
	case session.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func dataURI(img session.Image) string {
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
