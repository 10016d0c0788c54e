// ABOUTME: AI gateway: appends the user turn, calls the model once and parses its JSON answer
// ABOUTME: Any model failure rolls the user turn back and yields the fixed fallback reply

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/cobrai-gateway/internal/catalog"
	"github.com/2389/cobrai-gateway/internal/inbound"
	"github.com/2389/cobrai-gateway/internal/model"
	"github.com/2389/cobrai-gateway/internal/session"
)

// Reply is the outcome of one model request.
type Reply struct {
	Text     string
	Feature  catalog.Feature
	Degraded bool
	// Cause is set when Degraded is true.
	Cause        error
	CompletionID string
	Usage        model.Usage
	Latency      time.Duration
}

// Gateway mediates between a session and the model service.
type Gateway struct {
	store     session.Store
	completer model.Completer
	catalog   *catalog.Catalog
	decoding  model.Decoding
	policy    CallPolicy
	logger    *slog.Logger
}

// NewGateway creates an AI gateway. A nil policy means a single untimed attempt.
func NewGateway(store session.Store, completer model.Completer, cat *catalog.Catalog, dec model.Decoding, policy CallPolicy, logger *slog.Logger) *Gateway {
	if policy == nil {
		policy = SingleAttempt{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:     store,
		completer: completer,
		catalog:   cat,
		decoding:  dec,
		policy:    policy,
		logger:    logger.With("component", "ai_gateway"),
	}
}

// Request appends payload as a user turn and asks the model for the next reply.
// Model failures never surface as errors; only a missing session does.
// The caller must hold the user's session section.
func (g *Gateway) Request(ctx context.Context, userID string, payload inbound.Payload) (Reply, error) {
	if err := g.store.AppendTurn(userID, payload.Turn()); err != nil {
		return Reply{}, fmt.Errorf("appending user turn: %w", err)
	}

	sess, err := g.store.Get(userID)
	if err != nil {
		return Reply{}, fmt.Errorf("reading session: %w", err)
	}

	start := time.Now()
	var (
		comp       *model.Completion
		message    string
		rawFeature string
	)
	callErr := g.policy.Do(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", model.ErrModelCall, r)
			}
		}()
		comp, err = g.completer.Complete(ctx, sess.History, g.decoding)
		if err != nil {
			return err
		}
		message, rawFeature, err = parseReply(comp.Text)
		return err
	})
	latency := time.Since(start)

	if callErr != nil {
		return g.degrade(userID, callErr, latency), nil
	}

	feature, known := g.catalog.ParseFeature(rawFeature)
	if !known {
		g.logger.Warn("model returned unknown feature tag", "feature", rawFeature)
	}

	if err := g.store.AppendTurn(userID, session.Turn{Role: session.RoleAssistant, Content: message}); err != nil {
		return Reply{}, fmt.Errorf("appending assistant turn: %w", err)
	}

	return Reply{
		Text:         message,
		Feature:      feature,
		CompletionID: comp.ID,
		Usage:        comp.Usage,
		Latency:      latency,
	}, nil
}

func (g *Gateway) degrade(userID string, cause error, latency time.Duration) Reply {
	kind := "call"
	if errors.Is(cause, ErrModelResponseMalformed) {
		kind = "malformed"
	}
	g.logger.Error("model request failed, rolling back user turn",
		"kind", kind,
		"error", cause,
		"duration", latency,
	)

	if err := g.store.RemoveLastTurn(userID); err != nil {
		g.logger.Error("rollback failed", "error", err)
	}

	return Reply{
		Text:     g.catalog.Replies.Unavailable,
		Feature:  catalog.NoFeature,
		Degraded: true,
		Cause:    cause,
		Latency:  latency,
	}
}
