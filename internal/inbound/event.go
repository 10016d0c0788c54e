// ABOUTME: Channel-neutral inbound event and delivery address types
// ABOUTME: Frontends build Events and validate them before handing them to the dispatcher

package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageType is the kind of content an inbound message carries.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeAudio    MessageType = "audio"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeUnknown  MessageType = "unknown"
)

// Event is one inbound user message from any frontend.
type Event struct {
	Channel      string      `validate:"required"`
	MessageID    string      `validate:"omitempty,max=256"`
	UserID       string      `validate:"required,max=256"`
	Conversation string      `validate:"omitempty"`
	Type         MessageType `validate:"required"`
	Text         string      `validate:"required_if=Type text"`
	MediaRef     string
	MIMEType     string
	Caption      string
	ReceivedAt   time.Time
}

// Address is where a reply is delivered.
type Address struct {
	Channel string
	UserID  string
	// Conversation is the channel-specific reply target (WhatsApp phone number id, Matrix room).
	Conversation string
}

// Address returns the reply address for the event.
func (e Event) Address() Address {
	return Address{Channel: e.Channel, UserID: e.UserID, Conversation: e.Conversation}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural fields every frontend must fill.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid inbound event: %w", err)
	}
	return nil
}

// Media is downloaded attachment content.
type Media struct {
	Data     []byte
	MIMEType string
	Filename string
}

// MediaFetcher downloads attachments for one channel.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref string) (Media, error)
}

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Media, languageHint string) (string, error)
}

// Deliverer sends a reply to a user on one channel.
type Deliverer interface {
	Deliver(ctx context.Context, to Address, text string) error
}
