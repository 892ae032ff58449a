package extraction

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// OpenAIExtractor extracts memories through any OpenAI-compatible chat
// completions endpoint, including local servers such as Ollama or vLLM.
type OpenAIExtractor struct {
	llm       llms.Model
	maxTokens int
	guard     *guard
	logger    *zap.Logger
}

// NewOpenAIExtractor creates an extractor backed by an OpenAI-compatible API.
func NewOpenAIExtractor(cfg Config, logger *zap.Logger) (*OpenAIExtractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	token := cfg.APIKey
	if token == "" {
		// Local servers ignore the token but the client requires one.
		token = "unused"
	}

	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(cfg.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &OpenAIExtractor{
		llm:       llm,
		maxTokens: cfg.MaxTokens,
		guard:     newGuard("extraction-openai", cfg, logger),
		logger:    logger,
	}, nil
}

// Extract implements Extractor.
func (o *OpenAIExtractor) Extract(ctx context.Context, owner string, messages []memory.Message, knownTags []string) (Tagged, error) {
	if !hasContent(messages) {
		return Tagged{}, nil
	}

	raw, err := o.guard.do(ctx, ProviderOpenAI, func(ctx context.Context) (string, error) {
		resp, err := o.llm.GenerateContent(ctx,
			[]llms.MessageContent{
				llms.TextParts(schema.ChatMessageTypeSystem, SystemPrompt(owner, knownTags)),
				llms.TextParts(schema.ChatMessageTypeHuman, UserPrompt(messages)),
			},
			llms.WithMaxTokens(o.maxTokens),
			llms.WithTemperature(defaultTemperature),
		)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("empty completion")
		}
		return resp.Choices[0].Content, nil
	})
	if err != nil {
		o.logger.Warn("memory extraction failed",
			zap.String("owner", owner),
			zap.String("provider", ProviderOpenAI),
			zap.Error(err))
		return Tagged{}, err
	}

	return ParseTagged(raw), nil
}
