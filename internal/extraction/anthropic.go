package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// AnthropicExtractor extracts memories with the Claude Messages API.
type AnthropicExtractor struct {
	client    anthropic.Client
	model     string
	maxTokens int
	guard     *guard
	logger    *zap.Logger
}

// NewAnthropicExtractor creates an extractor backed by Claude.
func NewAnthropicExtractor(cfg Config, logger *zap.Logger) (*AnthropicExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicExtractor{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		guard:     newGuard("extraction-anthropic", cfg, logger),
		logger:    logger,
	}, nil
}

// Extract implements Extractor.
func (a *AnthropicExtractor) Extract(ctx context.Context, owner string, messages []memory.Message, knownTags []string) (Tagged, error) {
	if !hasContent(messages) {
		return Tagged{}, nil
	}

	raw, err := a.guard.do(ctx, ProviderAnthropic, func(ctx context.Context) (string, error) {
		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(a.model),
			MaxTokens:   int64(a.maxTokens),
			Temperature: anthropic.Float(defaultTemperature),
			System:      []anthropic.TextBlockParam{{Text: SystemPrompt(owner, knownTags)}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(messages))),
			},
		})
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return sb.String(), nil
	})
	if err != nil {
		a.logger.Warn("memory extraction failed",
			zap.String("owner", owner),
			zap.String("provider", ProviderAnthropic),
			zap.Error(err))
		return Tagged{}, err
	}

	tagged := ParseTagged(raw)
	a.logger.Debug("extracted memories",
		zap.String("owner", owner),
		zap.Int("tags", len(tagged)),
		zap.Int("candidates", countCandidates(tagged)))
	return tagged, nil
}

func countCandidates(t Tagged) int {
	n := 0
	for _, cs := range t {
		n += len(cs)
	}
	return n
}
