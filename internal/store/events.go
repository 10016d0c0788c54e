// ABOUTME: Ledger event persistence for the conversation audit trail
// ABOUTME: Saves inbound, outbound, transition and fallback events per conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveEvent persists a ledger event. Missing ID and Timestamp are filled in.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO ledger_events (
			event_id, conversation_key, direction, channel, timestamp, type, mode, text, feature, message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationKey,
		string(event.Direction),
		event.Channel,
		event.Timestamp.UTC().Format(timeFormat),
		string(event.Type),
		event.Mode,
		event.Text,
		event.Feature,
		event.MessageID,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved ledger event",
		"event_id", event.ID,
		"conversation_key", event.ConversationKey,
		"type", event.Type,
	)
	return nil
}

// ListEventsByConversation returns events for a conversation, oldest first.
func (s *SQLiteStore) ListEventsByConversation(ctx context.Context, conversationKey string, limit int) ([]*LedgerEvent, error) {
	query := `
		SELECT event_id, conversation_key, direction, channel, timestamp, type, mode, text, feature, message_id
		FROM ledger_events
		WHERE conversation_key = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationKey, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*LedgerEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*LedgerEvent, error) {
	var e LedgerEvent
	var direction, eventType, ts string

	err := rows.Scan(
		&e.ID,
		&e.ConversationKey,
		&direction,
		&e.Channel,
		&ts,
		&eventType,
		&e.Mode,
		&e.Text,
		&e.Feature,
		&e.MessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	e.Direction = EventDirection(direction)
	e.Type = EventType(eventType)
	e.Timestamp, err = time.Parse(timeFormat, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &e, nil
}
