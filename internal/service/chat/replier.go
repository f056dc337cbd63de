package chat

import (
	"context"
	"fmt"

	"github.com/zhouzirui/hookchat/internal/config"
	"github.com/zhouzirui/hookchat/internal/model/profile"
	"github.com/zhouzirui/hookchat/internal/service/ai"
	"github.com/zhouzirui/hookchat/internal/service/webhook"
)

// NewReplier builds the backend selected by CHAT_BACKEND.
func NewReplier(ctx context.Context, cfg *config.Config, p profile.Profile) (Replier, error) {
	switch cfg.Chat.Backend {
	case config.BackendArk:
		svc, err := ai.NewService(ctx, p, cfg.AI)
		if err != nil {
			return nil, fmt.Errorf("init ark replier: %w", err)
		}
		return svc, nil
	default:
		return webhook.NewClient(cfg.Chat.Endpoint(), cfg.Chat.RequestTimeout), nil
	}
}
