// ABOUTME: Tests for the SQLite ledger and its in-memory counterpart
// ABOUTME: Covers event listing order, usage aggregation and filters

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "ledger.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// ledgers runs a test against both implementations.
func ledgers(t *testing.T) map[string]Ledger {
	return map[string]Ledger{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestSaveAndListEvents(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := ConversationKey("whatsapp", "u_abc")
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

			require.NoError(t, l.SaveEvent(ctx, &LedgerEvent{
				ConversationKey: key, Direction: EventDirectionOutbound, Channel: "whatsapp",
				Timestamp: base.Add(2 * time.Second), Type: EventTypeTransition,
				Mode: "SPLIT_BILLS", Text: "Send me a photo", Feature: "SPLIT_BILLS",
			}))
			require.NoError(t, l.SaveEvent(ctx, &LedgerEvent{
				ConversationKey: key, Direction: EventDirectionInbound, Channel: "whatsapp",
				Timestamp: base.Add(time.Second), Type: EventTypeMessage,
				Mode: "DEFAULT", Text: "quero dividir a conta", MessageID: "wamid.1",
			}))
			require.NoError(t, l.SaveEvent(ctx, &LedgerEvent{
				ConversationKey: ConversationKey("whatsapp", "other"), Direction: EventDirectionInbound,
				Channel: "whatsapp", Type: EventTypeMessage, Text: "oi",
			}))

			events, err := l.ListEventsByConversation(ctx, key, 10)
			require.NoError(t, err)
			require.Len(t, events, 2)

			assert.Equal(t, EventDirectionInbound, events[0].Direction)
			assert.Equal(t, "wamid.1", events[0].MessageID)
			assert.True(t, events[0].Timestamp.Equal(base.Add(time.Second)))
			assert.NotEmpty(t, events[0].ID)

			assert.Equal(t, EventTypeTransition, events[1].Type)
			assert.Equal(t, "SPLIT_BILLS", events[1].Feature)

			limited, err := l.ListEventsByConversation(ctx, key, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestUsageStats(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			a := ConversationKey("whatsapp", "a")
			b := ConversationKey("matrix", "b")

			require.NoError(t, l.SaveUsage(ctx, &TokenUsage{ConversationKey: a, PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, CreatedAt: now.Add(-2 * time.Hour)}))
			require.NoError(t, l.SaveUsage(ctx, &TokenUsage{ConversationKey: a, PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60, CreatedAt: now}))
			require.NoError(t, l.SaveUsage(ctx, &TokenUsage{ConversationKey: b, CompletionID: "c1", Model: "llama", PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, CreatedAt: now}))

			all, err := l.GetUsageStats(ctx, UsageFilter{})
			require.NoError(t, err)
			assert.Equal(t, int64(3), all.RequestCount)
			assert.Equal(t, int64(190), all.TotalTokens)
			assert.Equal(t, int64(155), all.TotalPrompt)

			onlyA, err := l.GetUsageStats(ctx, UsageFilter{ConversationKey: &a})
			require.NoError(t, err)
			assert.Equal(t, int64(2), onlyA.RequestCount)
			assert.Equal(t, int64(30), onlyA.TotalCompletion)

			since := now.Add(-time.Hour)
			recent, err := l.GetUsageStats(ctx, UsageFilter{Since: &since})
			require.NoError(t, err)
			assert.Equal(t, int64(2), recent.RequestCount)

			until := now.Add(-time.Hour)
			old, err := l.GetUsageStats(ctx, UsageFilter{Until: &until})
			require.NoError(t, err)
			assert.Equal(t, int64(1), old.RequestCount)
		})
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveEvent(context.Background(), &LedgerEvent{
		ConversationKey: "k", Direction: EventDirectionInbound, Channel: "whatsapp", Type: EventTypeMessage,
	}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	events, err := s2.ListEventsByConversation(context.Background(), "k", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSaveEvent_RejectsUnknownType(t *testing.T) {
	s := setupTestStore(t)
	err := s.SaveEvent(context.Background(), &LedgerEvent{
		ConversationKey: "k", Direction: EventDirectionInbound, Channel: "x", Type: EventType("bogus"),
	})
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 100, clampLimit(0))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, 500, clampLimit(10000))
}
