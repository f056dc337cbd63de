package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/config"
	"github.com/zhouzirui/hookchat/internal/logger"
	"github.com/zhouzirui/hookchat/internal/model/chat"
	"github.com/zhouzirui/hookchat/internal/model/profile"
)

const defaultHistoryLimit = 10

// Service answers widget messages through an eino chain backed by an Ark chat model.
type Service struct {
	profile      profile.Profile
	historyLimit int
	chain        compose.Runnable[map[string]any, *schema.Message]
	log          zerolog.Logger
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, p profile.Profile, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, p, cfg.HistoryLimit)
}

// NewServiceWithModel compiles the prompt chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, p profile.Profile, historyLimit int) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	if historyLimit < 1 {
		historyLimit = defaultHistoryLimit
	}

	return &Service{
		profile:      p,
		historyLimit: historyLimit,
		chain:        runnable,
		log:          logger.Component("ai"),
	}, nil
}

// Reply generates the assistant text for one user send.
func (s *Service) Reply(ctx context.Context, req chat.ReplyRequest) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.log.Info().
		Str("session", req.SessionID).
		Int("length", len(response.Content)).
		Msg("generated response")
	return response.Content, nil
}

func (s *Service) buildChainInput(req chat.ReplyRequest) map[string]any {
	return map[string]any{
		"system":  s.profile.SystemPrompt,
		"history": s.buildHistoryMessages(req.History),
		"query":   req.Input,
	}
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > s.historyLimit {
		startIdx = len(messages) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		if msg.IsError {
			continue
		}
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}
