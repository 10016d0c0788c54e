// ABOUTME: Model service contracts: chat completion and speech transcription
// ABOUTME: Decoding parameters, token usage and the model failure sentinel

package model

import (
	"context"
	"errors"

	"github.com/2389/cobrai-gateway/internal/session"
)

var (
	// ErrModelCall covers transport failures, non-2xx answers, timeouts and empty completions.
	ErrModelCall = errors.New("model call failed")

	// ErrTranscriptionFailed is returned when speech-to-text yields no text.
	ErrTranscriptionFailed = errors.New("transcription failed")
)

// Decoding is the fixed per-request generation configuration.
type Decoding struct {
	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
	JSONOnly    bool
}

// Usage is token accounting reported by the model endpoint.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is one non-streamed model answer.
type Completion struct {
	ID    string
	Model string
	Text  string
	Usage Usage
}

// Completer sends a full ordered history to the model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, turns []session.Turn, dec Decoding) (*Completion, error)
}
