package avatar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/nim-avatar/core"
)

// SQLiteStore keeps avatar states in the avatar_states table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an open database migrated by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Activate(ctx context.Context, userID string) (*core.AvatarState, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO avatar_states (user_id, is_active, last_active_at) VALUES (?, 1, ?)
		 ON CONFLICT(user_id) DO UPDATE SET is_active = 1, last_active_at = excluded.last_active_at`,
		userID, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", userID, err)
	}
	return s.Get(ctx, userID)
}

func (s *SQLiteStore) Deactivate(ctx context.Context, userID string) (*core.AvatarState, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO avatar_states (user_id, is_active) VALUES (?, 0)
		 ON CONFLICT(user_id) DO UPDATE SET is_active = 0`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("deactivate %s: %w", userID, err)
	}
	return s.Get(ctx, userID)
}

func (s *SQLiteStore) IsActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active FROM avatar_states WHERE user_id = ?`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read avatar state: %w", err)
	}
	return active, nil
}

func (s *SQLiteStore) SetPersonalityProfile(ctx context.Context, userID, profile string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO avatar_states (user_id, is_active, personality_profile) VALUES (?, 0, ?)
		 ON CONFLICT(user_id) DO UPDATE SET personality_profile = excluded.personality_profile`,
		userID, profile,
	)
	if err != nil {
		return fmt.Errorf("set profile for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE avatar_states SET last_active_at = ? WHERE user_id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), userID,
	)
	if err != nil {
		return fmt.Errorf("touch %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*core.AvatarState, error) {
	st := &core.AvatarState{UserID: userID}
	var lastActive string
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active, last_active_at, personality_profile FROM avatar_states WHERE user_id = ?`,
		userID,
	).Scan(&st.IsActive, &lastActive, &st.PersonalityProfile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read avatar state: %w", err)
	}
	if lastActive != "" {
		st.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActive)
	}
	return st, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM avatar_states`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count avatar states: %w", err)
	}
	return n, nil
}
