// ABOUTME: Speech-to-text through the OpenAI-compatible /audio/transcriptions endpoint
// ABOUTME: Voice notes are uploaded with a filename derived from their MIME type

package model

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

// Whisper transcribes audio with a Whisper-compatible model.
type Whisper struct {
	client *Client
	model  string
}

var _ inbound.Transcriber = (*Whisper)(nil)

// NewWhisper returns a transcriber sharing the client's endpoint and rate limit.
func NewWhisper(client *Client, model string) *Whisper {
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{client: client, model: model}
}

// Transcribe sends audio with the language hint reduced to its base language.
func (w *Whisper) Transcribe(ctx context.Context, audio inbound.Media, languageHint string) (string, error) {
	if err := w.client.wait(ctx); err != nil {
		return "", err
	}

	filename := audio.Filename
	if filename == "" {
		filename = "voice" + audioExtension(audio.MIMEType)
	}

	resp, err := w.client.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   bytes.NewReader(audio.Data),
		FilePath: filename,
		Language: baseLanguage(languageHint),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrTranscriptionFailed)
	}
	w.client.logger.Debug("transcription completed", "bytes", len(audio.Data), "language", languageHint)
	return text, nil
}

// baseLanguage turns a BCP-47 tag such as pt-BR into the ISO-639-1 code Whisper expects.
func baseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func audioExtension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	default:
		// WhatsApp voice notes are ogg/opus
		return ".ogg"
	}
}
