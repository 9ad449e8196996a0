// Package presence tracks which members have an active session.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultStaleAfter is how long a heartbeat keeps a member online.
const DefaultStaleAfter = 2 * time.Minute

type entry struct {
	online   bool
	lastSeen time.Time
	conns    int
}

// Tracker implements core.Presence from heartbeats.
type Tracker struct {
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu      sync.RWMutex
	members map[string]*entry
}

// Option configures the tracker.
type Option func(*Tracker)

// WithStaleAfter sets the heartbeat window. Zero disables staleness.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		t.staleAfter = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker creates an empty tracker; unknown members are offline.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     zap.NewNop(),
		members:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("presence")
	return t
}

// Update records a heartbeat or an explicit status change.
func (t *Tracker) Update(memberID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.members[memberID]
	if !ok {
		e = &entry{}
		t.members[memberID] = e
	}
	if e.online != online {
		t.logger.Debug("presence changed", zap.String("member_id", memberID), zap.Bool("online", online))
	}
	e.online = online
	e.lastSeen = t.now()
}

// Connect marks a member online for the lifetime of a session. The member
// goes offline when the last of its sessions disconnects.
func (t *Tracker) Connect(memberID string) {
	t.mu.Lock()
	e, ok := t.members[memberID]
	if !ok {
		e = &entry{}
		t.members[memberID] = e
	}
	e.conns++
	t.mu.Unlock()
	t.Update(memberID, true)
}

// Disconnect ends a session started with Connect.
func (t *Tracker) Disconnect(memberID string) {
	t.mu.Lock()
	e, ok := t.members[memberID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if e.conns > 0 {
		e.conns--
	}
	last := e.conns == 0
	t.mu.Unlock()

	if last {
		t.Update(memberID, false)
	}
}

// IsOnline reports whether memberID is online and its last heartbeat is
// within the stale window.
func (t *Tracker) IsOnline(_ context.Context, memberID string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.members[memberID]
	if !ok || !e.online {
		return false, nil
	}
	if t.staleAfter > 0 && t.now().Sub(e.lastSeen) > t.staleAfter {
		return false, nil
	}
	return true, nil
}

// Online returns the IDs of members currently online.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := ids[:0]
	for _, id := range ids {
		if ok, _ := t.IsOnline(context.Background(), id); ok {
			out = append(out, id)
		}
	}
	return out
}
