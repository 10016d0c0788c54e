// ABOUTME: Session types shared across the engine: modes, roles, stages and turns
// ABOUTME: Defines the Store interface the dispatcher and engine work against

package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a mutation targets a user with no session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyPreamble is returned when a replacement would leave history empty.
	ErrEmptyPreamble = errors.New("preamble must contain at least one turn")

	// ErrNothingToRemove is returned when only the preamble's first turn remains.
	ErrNothingToRemove = errors.New("no removable turn in history")
)

// Mode is the conversational mode a user is in.
type Mode string

const (
	ModeDefault     Mode = "DEFAULT"
	ModeSplitBills  Mode = "SPLIT_BILLS"
	ModeCollectDebt Mode = "COLLECT_DEBT"
	ModeListDebt    Mode = "LIST_DEBT"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stage tracks progress inside the split-bills sub-flow.
type Stage string

const (
	StageNone            Stage = ""
	StageAwaitingReceipt Stage = "AWAITING_RECEIPT"
	StageInProgress      Stage = "IN_PROGRESS"
)

// Image is raw image data attached to a user turn.
type Image struct {
	MIMEType string
	Data     []byte
}

// Turn is one entry of a conversation history.
type Turn struct {
	Role    Role
	Content string
	Images  []Image
}

// Session is a snapshot of one user's conversation state.
type Session struct {
	UserID    string
	Mode      Mode
	Stage     Stage
	History   []Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PreambleFunc returns the ordered turns that open a conversation in the given mode.
type PreambleFunc func(Mode) []Turn

// Store holds per-user sessions.
//
// The key is the channel-native user id alone (a WhatsApp number, a Matrix
// "@user:server" id). The formats are disjoint, so the channel is not part of
// the key and the same id on two channels shares one session.
//
// Mutations for one user are serialized by holding the section returned by
// Acquire for the whole inbound event. Acquire honors ctx both while a
// ResetAll is pending and while another event holds the user's section.
// ResetAll is exclusive with every held section and must not be called from
// inside one.
type Store interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
	GetOrCreate(userID string) Session
	Get(userID string) (Session, error)
	AppendTurn(userID string, turn Turn) error
	RemoveLastTurn(userID string) error
	ReplaceSession(userID string, mode Mode, preamble []Turn) error
	SetStage(userID string, stage Stage) error
	ResetAll()
	Len() int
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t
		if len(t.Images) > 0 {
			out[i].Images = make([]Image, len(t.Images))
			for j, img := range t.Images {
				out[i].Images[j] = Image{MIMEType: img.MIMEType, Data: append([]byte(nil), img.Data...)}
			}
		}
	}
	return out
}

func (s *Session) clone() Session {
	c := *s
	c.History = cloneTurns(s.History)
	return c
}
