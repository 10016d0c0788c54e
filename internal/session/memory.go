// ABOUTME: In-memory session store with per-user exclusive sections
// ABOUTME: A global gate makes ResetAll exclusive with in-flight events

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// gateWeight is the full weight of the reset gate. Each held section takes
// one unit; ResetAll takes all of them.
const gateWeight = 1 << 30

type userLock struct {
	ch   chan struct{}
	refs int
}

// MemoryStore keeps sessions in process memory. Nothing survives a restart.
type MemoryStore struct {
	gate *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*userLock

	preamble PreambleFunc
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store that seeds new sessions with preamble(ModeDefault).
func NewMemoryStore(preamble PreambleFunc) *MemoryStore {
	return &MemoryStore{
		gate:     semaphore.NewWeighted(gateWeight),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*userLock),
		preamble: preamble,
		now:      time.Now,
	}
}

// Acquire blocks until the caller holds the exclusive section for userID.
// ctx bounds both the wait behind a pending ResetAll and the wait for the
// user's own section. The returned release func is idempotent.
func (m *MemoryStore) Acquire(ctx context.Context, userID string) (func(), error) {
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring session for %s: %w", userID, err)
	}

	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.dropRef(userID, l)
		m.gate.Release(1)
		return nil, fmt.Errorf("acquiring session for %s: %w", userID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.dropRef(userID, l)
			m.gate.Release(1)
		})
	}, nil
}

func (m *MemoryStore) dropRef(userID string, l *userLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
	m.mu.Unlock()
}

// GetOrCreate returns the user's session, creating it with the DEFAULT preamble if absent.
func (m *MemoryStore) GetOrCreate(userID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return s.clone()
	}

	now := m.now()
	s := &Session{
		UserID:    userID,
		Mode:      ModeDefault,
		History:   cloneTurns(m.preamble(ModeDefault)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[userID] = s
	return s.clone()
}

// Get returns the user's session without creating one.
func (m *MemoryStore) Get(userID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// AppendTurn adds a turn to the end of the user's history.
func (m *MemoryStore) AppendTurn(userID string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrSessionNotFound
	}
	s.History = append(s.History, cloneTurns([]Turn{turn})...)
	s.UpdatedAt = m.now()
	return nil
}

// RemoveLastTurn drops the most recent turn. The first turn is never removed.
func (m *MemoryStore) RemoveLastTurn(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrSessionNotFound
	}
	if len(s.History) <= 1 {
		return ErrNothingToRemove
	}
	s.History[len(s.History)-1] = Turn{}
	s.History = s.History[:len(s.History)-1]
	s.UpdatedAt = m.now()
	return nil
}

// ReplaceSession swaps mode and history in one step and clears the stage.
func (m *MemoryStore) ReplaceSession(userID string, mode Mode, preamble []Turn) error {
	if len(preamble) == 0 {
		return ErrEmptyPreamble
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Mode = mode
	s.Stage = StageNone
	s.History = cloneTurns(preamble)
	s.UpdatedAt = m.now()
	return nil
}

// SetStage records split-bills progress for the user.
func (m *MemoryStore) SetStage(userID string, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Stage = stage
	s.UpdatedAt = m.now()
	return nil
}

// ResetAll discards every session once all in-flight sections have released.
func (m *MemoryStore) ResetAll() {
	// New sections queue behind this waiter.
	_ = m.gate.Acquire(context.Background(), gateWeight)
	defer m.gate.Release(gateWeight)

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
