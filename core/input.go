package core

import "strings"

// HandleInput is the payload the chat system passes when a direct message
// lands for a member who may be away.
type HandleInput struct {
	// UserID is the user whose avatar would answer.
	UserID string `json:"userId" binding:"required"`

	// MessageText is the plain text of the incoming message.
	MessageText string `json:"messageText" binding:"required"`

	ConversationID string `json:"conversationId" binding:"required"`
	WorkspaceID    string `json:"workspaceId" binding:"required"`

	// ReceiverMemberID is the workspace member the avatar speaks as.
	ReceiverMemberID string `json:"receiverMemberId" binding:"required"`
}

// Validate reports the first missing field.
func (in HandleInput) Validate() error {
	switch {
	case strings.TrimSpace(in.UserID) == "":
		return missingField("userId")
	case strings.TrimSpace(in.MessageText) == "":
		return missingField("messageText")
	case in.ConversationID == "":
		return missingField("conversationId")
	case in.WorkspaceID == "":
		return missingField("workspaceId")
	case in.ReceiverMemberID == "":
		return missingField("receiverMemberId")
	}
	return nil
}
