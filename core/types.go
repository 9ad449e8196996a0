package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message kinds.
const (
	KindHuman = "human"
	KindAI    = "ai"
)

// ErrInvalidInput is returned when a request is missing required fields.
var ErrInvalidInput = errors.New("invalid input")

func missingField(name string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
}

// AvatarState is the per-user avatar record.
type AvatarState struct {
	UserID             string    `json:"userId"`
	IsActive           bool      `json:"isActive"`
	LastActiveAt       time.Time `json:"lastActiveAt,omitempty"`
	PersonalityProfile string    `json:"personalityProfile,omitempty"`
}

// HasProfile reports whether a personality profile has been stored.
func (s *AvatarState) HasProfile() bool {
	return s != nil && s.PersonalityProfile != ""
}

// Member is a user's membership in a workspace.
type Member struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Conversation is a one-to-one conversation between two members.
type Conversation struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	MemberOneID string `json:"memberOneId"`
	MemberTwoID string `json:"memberTwoId"`
}

// Other returns the participant that is not memberID.
func (c *Conversation) Other(memberID string) (string, bool) {
	switch memberID {
	case c.MemberOneID:
		return c.MemberTwoID, true
	case c.MemberTwoID:
		return c.MemberOneID, true
	}
	return "", false
}

// Message is a stored chat message. Body holds the rich-text document.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	ChannelID      string    `json:"channelId,omitempty"`
	WorkspaceID    string    `json:"workspaceId"`
	MemberID       string    `json:"memberId"`
	UserID         string    `json:"userId"`
	Body           string    `json:"body"`
	Kind           string    `json:"kind"`
	IsAIGenerated  bool      `json:"isAIGenerated"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// IsDirect reports whether the message belongs to a one-to-one conversation.
func (m *Message) IsDirect() bool {
	return m.ConversationID != "" && m.ChannelID == ""
}

// NewMessage is the insert request for a message row.
type NewMessage struct {
	ConversationID string
	ChannelID      string
	WorkspaceID    string
	MemberID       string
	Body           string
	Kind           string
	IsAIGenerated  bool
}

// Presence answers whether a member currently has an active session.
type Presence interface {
	IsOnline(ctx context.Context, memberID string) (bool, error)
}

// Messages is the message persistence the avatar consumes.
type Messages interface {
	// Insert stores a message and returns the stored row.
	Insert(ctx context.Context, msg NewMessage) (*Message, error)

	// Recent returns up to n of the latest messages of a conversation,
	// oldest first.
	Recent(ctx context.Context, conversationID string, n int) ([]Message, error)

	// ByUser returns up to limit human-authored messages written by a user.
	ByUser(ctx context.Context, userID string, limit int) ([]Message, error)
}

// Directory resolves members and conversation participants.
type Directory interface {
	Member(ctx context.Context, memberID string) (*Member, error)
	Conversation(ctx context.Context, conversationID string) (*Conversation, error)
}
