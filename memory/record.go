package memory

import (
	"strconv"
	"time"
)

// MessageDoc is the indexable view of a chat message.
type MessageDoc struct {
	MessageID   string    `json:"messageId"`
	Text        string    `json:"text"`
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId"`
	Timestamp   time.Time `json:"timestamp"`
}

// Metadata builds the metadata stored with the message vector.
func (d MessageDoc) Metadata() Metadata {
	return Metadata{
		KeyText:        d.Text,
		KeyMessageID:   d.MessageID,
		KeyUserID:      d.UserID,
		KeyWorkspaceID: d.WorkspaceID,
		KeyTimestamp:   strconv.FormatInt(d.Timestamp.UnixMilli(), 10),
		KeyKind:        KindMessage,
	}
}

// Record pairs the document with its embedding. The vector ID is the
// message ID so edits replace the original vector.
func (d MessageDoc) Record(vector []float32) Record {
	return Record{
		ID:       d.MessageID,
		Vector:   vector,
		Metadata: d.Metadata(),
	}
}

// WorkspaceFilter restricts a query to message vectors of one workspace.
func WorkspaceFilter(workspaceID string) Filter {
	return Filter{
		KeyWorkspaceID: workspaceID,
		KeyKind:        KindMessage,
	}
}
