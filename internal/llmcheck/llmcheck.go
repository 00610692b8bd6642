// Package llmcheck verifies that the configured chat model answers before the
// server starts accepting translations.
package llmcheck

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/types"
)

// DefaultTimeout bounds a single preflight request.
const DefaultTimeout = 30 * time.Second

// Config selects the OpenAI-compatible endpoint to probe.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Verify sends a one-message chat completion and returns CONFIG_ERROR when
// the endpoint, key or model is unusable.
func Verify(ctx context.Context, cfg Config) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	chatModelConfig := &openai.ChatModelConfig{
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}
	if cfg.BaseURL != "" {
		chatModelConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	chatModel, err := openai.NewChatModel(ctx, chatModelConfig)
	if err != nil {
		return types.NewAppError(types.ErrConfig, "failed to create chat model", err)
	}

	start := time.Now()
	reply, err := chatModel.Generate(ctx, []*schema.Message{
		schema.UserMessage("ping"),
	}, model.WithMaxTokens(1))
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrConfig, "model preflight failed", cfg.Model+" @ "+cfg.BaseURL, err)
	}

	logger.Info("model preflight succeeded",
		logger.String("model", cfg.Model),
		logger.Duration("latency", time.Since(start)),
		logger.Int("replyLength", len(reply.Content)))
	return nil
}
