// Package chat is a minimal sqlite-backed chat collaborator. It stores
// members, direct conversations and messages so the avatar daemon can run
// without the surrounding chat system.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-avatar/core"
)

// ErrNotFound is returned when a member, conversation or message is missing.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const messageColumns = `m.id, m.conversation_id, m.channel_id, m.workspace_id, m.member_id, mem.user_id,
	m.body, m.kind, m.is_ai_generated, m.created_at, m.updated_at`

// SQLiteStore implements core.Messages and core.Directory.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store on a database opened by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// CreateMember adds or replaces a member.
func (s *SQLiteStore) CreateMember(ctx context.Context, m core.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, user_id, workspace_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, workspace_id = excluded.workspace_id`,
		m.ID, m.UserID, m.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

// CreateConversation adds a direct conversation between two members.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c core.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, member_one_id, member_two_id) VALUES (?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.MemberOneID, c.MemberTwoID,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Member(ctx context.Context, id string) (*core.Member, error) {
	m := &core.Member{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, workspace_id FROM members WHERE id = ?`, id,
	).Scan(&m.UserID, &m.WorkspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read member: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*core.Conversation, error) {
	c := &core.Conversation{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, member_one_id, member_two_id FROM conversations WHERE id = ?`, id,
	).Scan(&c.WorkspaceID, &c.MemberOneID, &c.MemberTwoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return c, nil
}

// Insert stores a message with a new ID.
func (s *SQLiteStore) Insert(ctx context.Context, m core.NewMessage) (*core.Message, error) {
	kind := m.Kind
	if kind == "" {
		kind = core.KindHuman
	}
	id := uuid.New().String()
	now := s.now().UTC().Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, channel_id, workspace_id, member_id, body, kind, is_ai_generated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.ConversationID, m.ChannelID, m.WorkspaceID, m.MemberID, m.Body, kind, m.IsAIGenerated, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return s.Message(ctx, id)
}

// Message reads one message.
func (s *SQLiteStore) Message(ctx context.Context, id string) (*core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN members mem ON mem.id = m.member_id WHERE m.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return &msgs[0], nil
}

// UpdateBody replaces the body of a message.
func (s *SQLiteStore) UpdateBody(ctx context.Context, id, body string) (*core.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, updated_at = ? WHERE id = ?`,
		body, s.now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return s.Message(ctx, id)
}

// Delete removes a message.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// Recent returns the last n messages of a conversation, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, n int) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m JOIN members mem ON mem.id = m.member_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("read recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ByUser returns the newest human-authored messages of a user across all
// workspaces.
func (s *SQLiteStore) ByUser(ctx context.Context, userID string, limit int) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m JOIN members mem ON mem.id = m.member_id
		WHERE mem.user_id = ? AND m.is_ai_generated = 0
		ORDER BY m.created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("read user messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]core.Message, error) {
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var m core.Message
		var created, updated string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ChannelID, &m.WorkspaceID, &m.MemberID, &m.UserID,
			&m.Body, &m.Kind, &m.IsAIGenerated, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		if updated != "" {
			m.UpdatedAt, _ = time.Parse(timeLayout, updated)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return out, nil
}
