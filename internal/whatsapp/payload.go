// ABOUTME: WhatsApp Cloud API webhook payload types
// ABOUTME: Converts notification payloads into channel-neutral inbound events

package whatsapp

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/cobrai-gateway/internal/inbound"
)

// ChannelName identifies WhatsApp in inbound events and the ledger.
const ChannelName = "whatsapp"

// Payload is the top-level webhook notification.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one WhatsApp Business Account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification inside an entry.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries the messages or statuses of a change.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata identifies the business phone number that received the message.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender profile.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Status is a delivery receipt for a message we sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
	Timestamp   string `json:"timestamp"`
}

// Message is one user message.
type Message struct {
	From      string `json:"from" validate:"required,max=64"`
	ID        string `json:"id" validate:"required,max=256"`
	Timestamp string `json:"timestamp" validate:"omitempty,numeric"`
	Type      string `json:"type" validate:"required"`

	Text     *Text     `json:"text,omitempty"`
	Audio    *Media    `json:"audio,omitempty"`
	Image    *Media    `json:"image,omitempty"`
	Video    *Media    `json:"video,omitempty"`
	Document *Media    `json:"document,omitempty"`
	Sticker  *Media    `json:"sticker,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// Text is the body of a text message.
type Text struct {
	Body string `json:"body"`
}

// Media references an attachment stored by the Graph API.
type Media struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// Location is a shared location pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Skipped describes a message that could not be converted.
type Skipped struct {
	MessageID string
	Err       error
}

// Events converts every user message in the payload into an inbound event.
// Malformed messages are returned in skipped instead of failing the batch.
func (p *Payload) Events(now time.Time) (events []inbound.Event, skipped []Skipped) {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			phoneID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				if err := validate.Struct(msg); err != nil {
					skipped = append(skipped, Skipped{MessageID: msg.ID, Err: err})
					continue
				}
				events = append(events, msg.event(phoneID, now))
			}
		}
	}
	return events, skipped
}

func (m Message) event(phoneID string, now time.Time) inbound.Event {
	evt := inbound.Event{
		Channel:      ChannelName,
		MessageID:    m.ID,
		UserID:       m.From,
		Conversation: phoneID,
		Type:         inbound.TypeUnknown,
		ReceivedAt:   now,
	}
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		evt.ReceivedAt = time.Unix(secs, 0).UTC()
	}

	var media *Media
	switch m.Type {
	case "text":
		evt.Type = inbound.TypeText
		if m.Text != nil {
			evt.Text = m.Text.Body
		}
	case "audio":
		evt.Type, media = inbound.TypeAudio, m.Audio
	case "image":
		evt.Type, media = inbound.TypeImage, m.Image
	case "video":
		evt.Type, media = inbound.TypeVideo, m.Video
	case "document":
		evt.Type, media = inbound.TypeDocument, m.Document
	case "sticker":
		evt.Type, media = inbound.TypeSticker, m.Sticker
	case "location":
		evt.Type = inbound.TypeLocation
	}
	if media != nil {
		evt.MediaRef = media.ID
		evt.MIMEType = media.MIMEType
		evt.Caption = media.Caption
	}
	return evt
}
