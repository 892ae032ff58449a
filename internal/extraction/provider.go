package extraction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// New creates an extractor for cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Extractor, error) {
	var (
		ex  Extractor
		err error
	)
	switch cfg.Provider {
	case ProviderAnthropic:
		ex, err = NewAnthropicExtractor(cfg, logger)
	case ProviderOpenAI:
		ex, err = NewOpenAIExtractor(cfg, logger)
	case ProviderHeuristic:
		ex, err = NewHeuristicExtractor(nil)
	case ProviderDisabled, "":
		ex = NoOpExtractor{}
	default:
		err = fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// NoOpExtractor never produces candidates.
type NoOpExtractor struct{}

// Extract returns an empty map.
func (NoOpExtractor) Extract(context.Context, string, []memory.Message, []string) (Tagged, error) {
	return Tagged{}, nil
}

var (
	_ Extractor = NoOpExtractor{}
	_ Extractor = (*AnthropicExtractor)(nil)
	_ Extractor = (*OpenAIExtractor)(nil)
	_ Extractor = Func(nil)
)
