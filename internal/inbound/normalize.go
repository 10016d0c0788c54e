// ABOUTME: Input normalizer turning typed inbound messages into model payloads
// ABOUTME: Audio is transcribed, images are kept as raw bytes, other types are rejected

package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/cobrai-gateway/internal/session"
)

var (
	// ErrUnsupportedMessageType is returned for anything other than text, audio or image.
	ErrUnsupportedMessageType = errors.New("unsupported message type")

	// ErrTranscription is returned when audio cannot be fetched or transcribed.
	ErrTranscription = errors.New("audio transcription failed")

	// ErrImageFetch is returned when image bytes cannot be retrieved.
	ErrImageFetch = errors.New("image fetch failed")
)

// Payload is normalized user content ready to become a user turn.
type Payload struct {
	Text   string
	Images []session.Image
}

// Turn wraps the payload in a user turn.
func (p Payload) Turn() session.Turn {
	return session.Turn{Role: session.RoleUser, Content: p.Text, Images: p.Images}
}

// Summary is a short loggable description of the payload.
func (p Payload) Summary() string {
	if len(p.Images) == 0 {
		return p.Text
	}
	if p.Text == "" {
		return fmt.Sprintf("[%d image(s)]", len(p.Images))
	}
	return fmt.Sprintf("[%d image(s)] %s", len(p.Images), p.Text)
}

// Normalizer converts inbound events into payloads.
type Normalizer struct {
	transcriber Transcriber
	language    string
	logger      *slog.Logger
}

// NewNormalizer creates a normalizer that transcribes audio with the given language hint.
func NewNormalizer(transcriber Transcriber, languageHint string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		transcriber: transcriber,
		language:    languageHint,
		logger:      logger.With("component", "normalizer"),
	}
}

// Normalize produces the payload for evt. Media is downloaded through fetcher.
// No session state is touched, so failures here leave history unchanged.
func (n *Normalizer) Normalize(ctx context.Context, evt Event, fetcher MediaFetcher) (Payload, error) {
	switch evt.Type {
	case TypeText:
		return Payload{Text: evt.Text}, nil

	case TypeAudio:
		if n.transcriber == nil || fetcher == nil {
			return Payload{}, fmt.Errorf("%w: no transcription available", ErrTranscription)
		}
		audio, err := fetcher.FetchMedia(ctx, evt.MediaRef)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: fetching audio %s: %w", ErrTranscription, evt.MediaRef, err)
		}
		if audio.MIMEType == "" {
			audio.MIMEType = evt.MIMEType
		}
		text, err := n.transcriber.Transcribe(ctx, audio, n.language)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrTranscription, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return Payload{}, fmt.Errorf("%w: empty transcription", ErrTranscription)
		}
		n.logger.Debug("audio transcribed", "chars", len(text), "language", n.language)
		return Payload{Text: text}, nil

	case TypeImage:
		if fetcher == nil {
			return Payload{}, fmt.Errorf("%w: channel cannot fetch media", ErrImageFetch)
		}
		img, err := fetcher.FetchMedia(ctx, evt.MediaRef)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %s: %w", ErrImageFetch, evt.MediaRef, err)
		}
		if len(img.Data) == 0 {
			return Payload{}, fmt.Errorf("%w: %s: empty body", ErrImageFetch, evt.MediaRef)
		}
		mimeType := img.MIMEType
		if mimeType == "" {
			mimeType = evt.MIMEType
		}
		return Payload{
			Text:   evt.Caption,
			Images: []session.Image{{MIMEType: mimeType, Data: img.Data}},
		}, nil

	default:
		return Payload{}, fmt.Errorf("%w: %s", ErrUnsupportedMessageType, evt.Type)
	}
}
