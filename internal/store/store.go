// ABOUTME: Ledger interfaces and data types for cobrai-gateway persistence
// ABOUTME: The ledger is an audit trail of exchanges and token usage, never a session source

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// EventDirection indicates whether an event came from the user or went to the user
type EventDirection string

const (
	EventDirectionInbound  EventDirection = "inbound"
	EventDirectionOutbound EventDirection = "outbound"
)

// EventType categorizes the kind of event
type EventType string

const (
	EventTypeMessage    EventType = "message"
	EventTypeTransition EventType = "transition"
	EventTypeFallback   EventType = "fallback"
	EventTypeError      EventType = "error"
)

// LedgerEvent is one recorded step of a conversation.
type LedgerEvent struct {
	ID              string
	ConversationKey string // channel:user, user pseudonymized when redaction is on
	Direction       EventDirection
	Channel         string
	Timestamp       time.Time
	Type            EventType
	Mode            string
	Text            string
	Feature         string // feature tag that triggered a transition
	MessageID       string // platform message id for inbound events
}

// TokenUsage records token consumption of one model call.
type TokenUsage struct {
	ID               string
	ConversationKey  string
	CompletionID     string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// UsageFilter narrows usage aggregation.
type UsageFilter struct {
	ConversationKey *string
	Since           *time.Time
	Until           *time.Time
}

// UsageStats is aggregated token usage.
type UsageStats struct {
	TotalPrompt     int64 `json:"total_prompt"`
	TotalCompletion int64 `json:"total_completion"`
	TotalTokens     int64 `json:"total_tokens"`
	RequestCount    int64 `json:"request_count"`
}

// EventStore persists ledger events.
type EventStore interface {
	SaveEvent(ctx context.Context, event *LedgerEvent) error
	ListEventsByConversation(ctx context.Context, conversationKey string, limit int) ([]*LedgerEvent, error)
}

// UsageStore persists token usage.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Ledger is the full persistence surface.
type Ledger interface {
	EventStore
	UsageStore
	Close() error
}

// ConversationKey builds the ledger key for a user on a channel.
func ConversationKey(channel, user string) string {
	return channel + ":" + user
}

// timeFormat has fixed-width fractions so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
