package avatar

import (
	"context"
	"errors"
	"fmt"

	"github.com/becomeliminal/nim-avatar/core"
)

// Capabilities reports which external services are configured.
type Capabilities struct {
	Completion  bool `json:"completion"`
	Embedding   bool `json:"embedding"`
	VectorIndex bool `json:"vectorIndex"`
}

// Operations lists what the avatar exposes to the chat system.
type Operations struct {
	Avatar   []string `json:"avatar"`
	Messages []string `json:"messages"`
}

// Status is the setup diagnostic returned by SetupStatus.
type Status struct {
	Environment Capabilities      `json:"environment"`
	TotalStates int               `json:"totalStates"`
	User        *core.AvatarState `json:"user,omitempty"`
	Operations  Operations        `json:"operations"`
}

var exposedOperations = Operations{
	Avatar:   []string{"activate", "deactivate", "isActive", "handle", "test", "setProfile", "updateProfile", "setup"},
	Messages: []string{"send", "edit", "delete", "sendAI", "search"},
}

// SetupStatus reports configuration and stored state. userID is optional;
// an unknown user is not an error.
func SetupStatus(ctx context.Context, caps Capabilities, store Store, userID string) (*Status, error) {
	total, err := store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count avatar states: %w", err)
	}

	st := &Status{
		Environment: caps,
		TotalStates: total,
		Operations:  exposedOperations,
	}
	if userID == "" {
		return st, nil
	}

	user, err := store.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load avatar state: %w", err)
	default:
		st.User = user
	}
	return st, nil
}
