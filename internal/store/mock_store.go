// ABOUTME: In-memory Ledger implementation for tests
// ABOUTME: Allows dispatcher and gateway tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Ledger.
type MockStore struct {
	mu     sync.RWMutex
	events []*LedgerEvent
	usage  []*TokenUsage

	// SaveErr, when set, is returned by every save.
	SaveErr error
}

var _ Ledger = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveEvent stores a copy of event.
func (m *MockStore) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListEventsByConversation returns copies of matching events, oldest first.
func (m *MockStore) ListEventsByConversation(ctx context.Context, conversationKey string, limit int) ([]*LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LedgerEvent
	for _, e := range m.events {
		if e.ConversationKey == conversationKey {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Events returns every stored event in insertion order.
func (m *MockStore) Events() []LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LedgerEvent, len(m.events))
	for i, e := range m.events {
		out[i] = *e
	}
	return out
}

// SaveUsage stores a copy of usage.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}
	u := *usage
	m.usage = append(m.usage, &u)
	return nil
}

// GetUsageStats aggregates stored usage.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.ConversationKey != nil && u.ConversationKey != *filter.ConversationKey {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalPrompt += int64(u.PromptTokens)
		stats.TotalCompletion += int64(u.CompletionTokens)
		stats.TotalTokens += int64(u.TotalTokens)
		stats.RequestCount++
	}
	return &stats, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
