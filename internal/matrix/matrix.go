// ABOUTME: Matrix frontend: turns room messages into inbound events and delivers replies
// ABOUTME: Runs the mautrix sync loop and renders outbound Markdown as HTML with goldmark

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

// ChannelName identifies Matrix in inbound events and the ledger.
const ChannelName = "matrix"

// networkTimeout bounds typing notifications.
const networkTimeout = 10 * time.Second

// Config configures the Matrix frontend.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AllowedRooms restricts which rooms are answered. Empty allows all.
	AllowedRooms []string
	// Typing sends a typing notification while a reply is pending.
	Typing bool
}

// Sink receives converted events. It must not block on event processing.
// done is called once the event is finished, whether or not a reply was
// delivered, and clears the typing notification.
type Sink func(evt inbound.Event, done func())

// Frontend connects one Matrix account to the dispatcher.
type Frontend struct {
	client  *mautrix.Client
	userID  id.UserID
	allowed map[string]bool
	typing  bool
	sink    Sink
	logger  *slog.Logger

	// started filters out timeline history replayed by the initial sync.
	started time.Time
}

// New creates a Matrix frontend. Run must be called to start receiving.
func New(cfg Config, sink Sink, logger *slog.Logger) (*Frontend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.AllowedRooms))
	for _, room := range cfg.AllowedRooms {
		allowed[room] = true
	}

	return &Frontend{
		client:  client,
		userID:  id.UserID(cfg.UserID),
		allowed: allowed,
		typing:  cfg.Typing,
		sink:    sink,
		logger:  logger.With("component", "matrix"),
		started: time.Now(),
	}, nil
}

// Run syncs until ctx is canceled.
func (f *Frontend) Run(ctx context.Context) error {
	syncer, ok := f.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", f.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, f.handleMessageEvent)

	f.logger.Info("starting matrix sync", "homeserver", f.client.HomeserverURL.String(), "user_id", f.userID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- f.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		f.client.StopSync()
		f.logger.Info("matrix sync stopped")
		return nil
	case err := <-syncErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (f *Frontend) handleMessageEvent(ctx context.Context, evt *event.Event) {
	in, ok := f.toEvent(evt)
	if !ok {
		return
	}
	if f.sink == nil {
		return
	}
	if !f.typing {
		f.sink(in, func() {})
		return
	}
	f.setTyping(evt.RoomID, true)
	var once sync.Once
	f.sink(in, func() {
		once.Do(func() { f.setTyping(evt.RoomID, false) })
	})
}

// toEvent converts a room message. It reports false for anything that should be ignored.
func (f *Frontend) toEvent(evt *event.Event) (inbound.Event, bool) {
	if evt.Sender == f.userID {
		return inbound.Event{}, false
	}
	if len(f.allowed) > 0 && !f.allowed[evt.RoomID.String()] {
		f.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID.String())
		return inbound.Event{}, false
	}
	ts := time.UnixMilli(evt.Timestamp)
	if evt.Timestamp != 0 && ts.Before(f.started) {
		return inbound.Event{}, false
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return inbound.Event{}, false
	}
	// Edits arrive as new m.room.message events; only the original is answered.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return inbound.Event{}, false
	}

	in := inbound.Event{
		Channel:      ChannelName,
		MessageID:    evt.ID.String(),
		UserID:       evt.Sender.String(),
		Conversation: evt.RoomID.String(),
		ReceivedAt:   ts,
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		in.Type = inbound.TypeText
		in.Text = content.Body
	case event.MsgAudio:
		in.Type = inbound.TypeAudio
	case event.MsgImage:
		in.Type = inbound.TypeImage
		// Body is the filename unless a separate caption is present.
		if content.FileName != "" && content.Body != content.FileName {
			in.Caption = content.Body
		}
	case event.MsgVideo:
		in.Type = inbound.TypeVideo
	case event.MsgFile:
		in.Type = inbound.TypeDocument
	case event.MsgLocation:
		in.Type = inbound.TypeLocation
	default:
		in.Type = inbound.TypeUnknown
	}

	if content.URL != "" {
		in.MediaRef = string(content.URL)
	}
	if content.Info != nil {
		in.MIMEType = content.Info.MimeType
	}
	return in, true
}

// FetchMedia downloads an mxc:// URI.
func (f *Frontend) FetchMedia(ctx context.Context, ref string) (inbound.Media, error) {
	uri, err := id.ParseContentURI(ref)
	if err != nil {
		return inbound.Media{}, fmt.Errorf("parsing media uri %q: %w", ref, err)
	}
	data, err := f.client.DownloadBytes(ctx, uri)
	if err != nil {
		return inbound.Media{}, fmt.Errorf("downloading %s: %w", ref, err)
	}
	return inbound.Media{Data: data}, nil
}

// Deliver posts text to the room in to.Conversation with an HTML rendering.
func (f *Frontend) Deliver(ctx context.Context, to inbound.Address, text string) error {
	if to.Conversation == "" {
		return errors.New("missing room id")
	}
	roomID := id.RoomID(to.Conversation)

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, ok := renderHTML(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	if _, err := f.client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

func (f *Frontend) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := f.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		f.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// renderHTML converts Markdown to HTML. It reports false when the result adds
// nothing over the plain body.
func renderHTML(text string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	html := strings.TrimSpace(buf.String())
	inner := strings.TrimSuffix(strings.TrimPrefix(html, "<p>"), "</p>")
	if inner == text {
		return "", false
	}
	return html, true
}
