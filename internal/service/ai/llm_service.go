package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/config"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// ErrEmptyResponse 表示模型返回了空内容。
var ErrEmptyResponse = errors.New("model returned an empty response")

// request 是一次补全调用的 provider 无关描述。
type request struct {
	System  string
	History []chat.ContextMessage
	Message string
	Image   *chat.ImageRef
}

type backend interface {
	complete(ctx context.Context, req request) (string, error)
}

// Service 是模型网关：拼装系统提示词与上下文，转发给配置的 provider。
type Service struct {
	provider config.Provider
	prompt   *PromptBuilder
	backend  backend
	logger   *zap.Logger
}

// NewService 按 cfg.Provider 创建网关。
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ai provider %q is not configured", cfg.Provider)
	}

	var (
		b   backend
		err error
	)
	switch cfg.Provider {
	case config.ProviderArk:
		b, err = newArkBackend(ctx, cfg)
	case config.ProviderOpenAI:
		b = newOpenAIBackend(cfg)
	case config.ProviderAnthropic:
		b = newAnthropicBackend(cfg)
	default:
		err = fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return newService(cfg.Provider, NewPromptBuilder(cfg.SystemPrompt), b, logger), nil
}

func newService(provider config.Provider, prompt *PromptBuilder, b backend, logger *zap.Logger) *Service {
	return &Service{
		provider: provider,
		prompt:   prompt,
		backend:  b,
		logger:   logger.Named("ai").With(zap.String("provider", string(provider))),
	}
}

// Provider 返回当前使用的 provider。
func (s *Service) Provider() config.Provider {
	return s.provider
}

// Complete sends message with the prior turns and returns the raw reply text.
// Every failure wraps chat.ErrModelCallFailed.
func (s *Service) Complete(ctx context.Context, message string, history []chat.ContextMessage, image *chat.ImageRef) (string, error) {
	req := request{
		System:  s.prompt.SystemPrompt(),
		History: s.prompt.History(history),
		Message: s.prompt.UserText(message, image),
		Image:   image,
	}

	reply, err := s.backend.complete(ctx, req)
	if err != nil {
		s.logger.Warn("model call failed", zap.Error(err), zap.Int("history", len(req.History)))
		return "", fmt.Errorf("%w: %w", chat.ErrModelCallFailed, err)
	}
	if strings.TrimSpace(reply) == "" {
		s.logger.Warn("model returned empty response")
		return "", fmt.Errorf("%w: %w", chat.ErrModelCallFailed, ErrEmptyResponse)
	}

	s.logger.Debug("model call completed",
		zap.Int("history", len(req.History)),
		zap.Bool("image", image != nil),
		zap.Int("length", len(reply)))
	return reply, nil
}
