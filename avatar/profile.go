package avatar

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-avatar/core"
)

// UpdateProfile regenerates a user's personality profile from their
// authored messages and overwrites the stored one.
func (p *Pipeline) UpdateProfile(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: userId is required", core.ErrInvalidInput)
	}

	profile, err := p.generateProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := p.deps.Store.SetPersonalityProfile(ctx, userID, profile); err != nil {
		return "", fmt.Errorf("store profile: %w", err)
	}

	p.logger.Info("personality profile updated", zap.String("user_id", userID))
	return profile, nil
}

// SetProfile stores profile text supplied by the user.
func (p *Pipeline) SetProfile(ctx context.Context, userID, profile string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId is required", core.ErrInvalidInput)
	}
	if err := p.deps.Store.SetPersonalityProfile(ctx, userID, strings.TrimSpace(profile)); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}
	return nil
}
