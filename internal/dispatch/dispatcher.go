// ABOUTME: Dispatcher wiring normalizer, session store, AI gateway and router for each inbound event
// ABOUTME: Recovers from panics, records the exchange in the ledger and delivers exactly one reply

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/2389/cobrai-gateway/internal/catalog"
	"github.com/2389/cobrai-gateway/internal/dedupe"
	"github.com/2389/cobrai-gateway/internal/engine"
	"github.com/2389/cobrai-gateway/internal/inbound"
	"github.com/2389/cobrai-gateway/internal/redact"
	"github.com/2389/cobrai-gateway/internal/session"
	"github.com/2389/cobrai-gateway/internal/store"
)

// ErrUnknownChannel is returned for events from a channel nobody registered.
var ErrUnknownChannel = errors.New("unknown channel")

// Channel bundles what the dispatcher needs from one frontend.
type Channel struct {
	Name      string
	Fetcher   inbound.MediaFetcher
	Deliverer inbound.Deliverer
}

// Recorder receives the audit trail. store.Ledger satisfies it.
type Recorder interface {
	SaveEvent(ctx context.Context, event *store.LedgerEvent) error
	SaveUsage(ctx context.Context, usage *store.TokenUsage) error
}

// Outcome summarizes what happened to one event.
type Outcome struct {
	Reply     string
	Feature   catalog.Feature
	Mode      session.Mode
	Degraded  bool
	Delivered bool
	Duplicate bool
	Err       error
}

// Options holds the dispatcher's collaborators. Dedupe, Recorder and Redactor are optional.
type Options struct {
	Store      session.Store
	Normalizer *inbound.Normalizer
	Gateway    *engine.Gateway
	Router     *engine.Router
	Catalog    *catalog.Catalog
	Dedupe     *dedupe.Cache
	Recorder   Recorder
	Redactor   *redact.Redactor
	Model      string
}

// Dispatcher runs the per-event pipeline.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// New creates a dispatcher.
func New(opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		opts:     opts,
		logger:   logger.With("component", "dispatcher"),
		channels: make(map[string]Channel),
	}
}

// Register adds or replaces a channel.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name] = ch
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) channel(name string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	return ch, ok
}

// Handle processes one inbound event end to end. It never panics.
func (d *Dispatcher) Handle(ctx context.Context, evt inbound.Event) (out Outcome) {
	logger := d.logger.With(d.opts.Redactor.Attr(evt.UserID), "channel", evt.Channel, "message_id", evt.MessageID)

	ch, known := d.channel(evt.Channel)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
			out.Err = fmt.Errorf("panic: %v", r)
			if known {
				out.Reply = d.opts.Catalog.Replies.InternalError
				out.Delivered = d.deliver(ctx, logger, ch, evt, out.Reply)
			}
		}
	}()

	if err := evt.Validate(); err != nil {
		logger.Warn("dropping invalid event", "error", err)
		return Outcome{Err: err}
	}
	if !known {
		logger.Warn("dropping event from unregistered channel")
		return Outcome{Err: fmt.Errorf("%w: %s", ErrUnknownChannel, evt.Channel)}
	}

	var dedupeKey string
	if d.opts.Dedupe != nil && evt.MessageID != "" {
		dedupeKey = dedupe.Key(evt.Channel, evt.MessageID)
		if d.opts.Dedupe.Seen(dedupeKey) {
			logger.Debug("dropping duplicate delivery")
			return Outcome{Duplicate: true}
		}
	}

	release, err := d.opts.Store.Acquire(ctx, evt.UserID)
	if err != nil {
		if dedupeKey != "" {
			d.opts.Dedupe.Forget(dedupeKey)
		}
		logger.Warn("could not acquire session", "error", err)
		return Outcome{Err: err}
	}
	defer release()

	return d.process(ctx, logger, ch, evt)
}

// process runs with the user's session section held.
func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, ch Channel, evt inbound.Event) Outcome {
	sess := d.opts.Store.GetOrCreate(evt.UserID)
	convKey := store.ConversationKey(evt.Channel, d.opts.Redactor.User(evt.UserID))

	payload, err := d.opts.Normalizer.Normalize(ctx, evt, ch.Fetcher)
	if err != nil {
		reply := d.opts.Catalog.Replies.InternalError
		switch {
		case errors.Is(err, inbound.ErrUnsupportedMessageType):
			reply = d.opts.Catalog.Replies.Unsupported
			logger.Info("unsupported message type", "type", evt.Type)
		case errors.Is(err, inbound.ErrTranscription), errors.Is(err, inbound.ErrImageFetch):
			reply = d.opts.Catalog.Replies.MediaFailure
			logger.Warn("media could not be processed", "type", evt.Type, "error", err)
		default:
			logger.Error("normalization failed", "error", err)
		}
		d.record(ctx, logger, &store.LedgerEvent{
			ConversationKey: convKey, Direction: store.EventDirectionInbound, Channel: evt.Channel,
			Type: store.EventTypeError, Mode: string(sess.Mode), Text: err.Error(), MessageID: evt.MessageID,
		})
		return Outcome{Reply: reply, Mode: sess.Mode, Err: err, Delivered: d.deliver(ctx, logger, ch, evt, reply)}
	}

	d.record(ctx, logger, &store.LedgerEvent{
		ConversationKey: convKey, Direction: store.EventDirectionInbound, Channel: evt.Channel,
		Type: store.EventTypeMessage, Mode: string(sess.Mode), Text: payload.Summary(), MessageID: evt.MessageID,
	})

	reply, err := d.opts.Gateway.Request(ctx, evt.UserID, payload)
	if err != nil {
		return d.fail(ctx, logger, ch, evt, sess.Mode, err)
	}

	routed, err := d.opts.Router.Route(evt.UserID, reply.Feature, reply.Text)
	if err != nil {
		return d.fail(ctx, logger, ch, evt, sess.Mode, err)
	}

	outType := store.EventTypeMessage
	switch {
	case reply.Degraded:
		outType = store.EventTypeFallback
	case routed.Transition:
		outType = store.EventTypeTransition
	}
	if !reply.Degraded && d.opts.Recorder != nil {
		if err := d.opts.Recorder.SaveUsage(ctx, &store.TokenUsage{
			ConversationKey:  convKey,
			CompletionID:     reply.CompletionID,
			Model:            d.opts.Model,
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
			TotalTokens:      reply.Usage.TotalTokens,
		}); err != nil {
			logger.Warn("failed to record usage", "error", err)
		}
	}
	d.record(ctx, logger, &store.LedgerEvent{
		ConversationKey: convKey, Direction: store.EventDirectionOutbound, Channel: evt.Channel,
		Type: outType, Mode: string(routed.Mode), Text: routed.Text, Feature: string(reply.Feature),
	})

	logger.Info("reply ready",
		"mode", routed.Mode,
		"feature", reply.Feature,
		"transition", routed.Transition,
		"degraded", reply.Degraded,
		"latency", reply.Latency,
	)

	return Outcome{
		Reply:     routed.Text,
		Feature:   reply.Feature,
		Mode:      routed.Mode,
		Degraded:  reply.Degraded,
		Delivered: d.deliver(ctx, logger, ch, evt, routed.Text),
	}
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, ch Channel, evt inbound.Event, mode session.Mode, err error) Outcome {
	logger.Error("event processing failed", "error", err)
	reply := d.opts.Catalog.Replies.InternalError
	return Outcome{Reply: reply, Mode: mode, Err: err, Delivered: d.deliver(ctx, logger, ch, evt, reply)}
}

// deliver sends text and reports success. Failures are logged, never retried.
func (d *Dispatcher) deliver(ctx context.Context, logger *slog.Logger, ch Channel, evt inbound.Event, text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during reply delivery", "panic", r)
			ok = false
		}
	}()
	if ch.Deliverer == nil {
		logger.Error("channel has no deliverer")
		return false
	}
	if err := ch.Deliverer.Deliver(ctx, evt.Address(), text); err != nil {
		logger.Error("reply delivery failed", "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, event *store.LedgerEvent) {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.SaveEvent(ctx, event); err != nil {
		logger.Warn("failed to record ledger event", "error", err)
	}
}
