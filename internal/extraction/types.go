package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

var (
	ErrExtractionFailed = errors.New("memory extraction failed")
	ErrInvalidConfig    = errors.New("invalid extraction configuration")
)

// Tagged maps a tag to the candidates filed under it.
type Tagged = map[string][]memory.Candidate

// Extractor converts conversation turns into tagged memory candidates.
type Extractor interface {
	// Extract analyses messages for owner. knownTags are offered to the
	// model so that it reuses the owner's vocabulary.
	Extract(ctx context.Context, owner string, messages []memory.Message, knownTags []string) (Tagged, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, owner string, messages []memory.Message, knownTags []string) (Tagged, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, owner string, messages []memory.Message, knownTags []string) (Tagged, error) {
	return f(ctx, owner, messages, knownTags)
}

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderHeuristic = "heuristic"
	ProviderDisabled  = "disabled"
)

// Defaults.
const (
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultMaxTokens        = 2048
	defaultTimeout          = 60 * time.Second
	defaultMaxRetries       = 2
	defaultRequestsPerMin   = 50
	defaultBurst            = 5
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 60 * time.Second
	defaultTemperature      = 0.2
)

// Config holds provider settings.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string `json:"-"`
	MaxTokens int
	Timeout   time.Duration

	// MaxRetries is handed to the provider SDK for transient failures.
	MaxRetries int

	RequestsPerMin   float64
	Burst            int
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// FromConfig maps the extraction section of the daemon configuration.
func FromConfig(c config.ExtractionConfig) Config {
	return Config{
		Provider:         c.Provider,
		Model:            c.Model,
		BaseURL:          c.BaseURL,
		APIKey:           c.APIKey.Value(),
		MaxTokens:        c.MaxTokens,
		Timeout:          c.Timeout.Duration(),
		MaxRetries:       defaultMaxRetries,
		RequestsPerMin:   c.RequestsPerMin,
		BreakerFailures:  c.BreakerFailures,
		BreakerOpenDelay: c.BreakerOpenDelay.Duration(),
	}
}

// ApplyDefaults fills unset limits.
func (c *Config) ApplyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RequestsPerMin <= 0 {
		c.RequestsPerMin = defaultRequestsPerMin
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = defaultBreakerFailures
	}
	if c.BreakerOpenDelay <= 0 {
		c.BreakerOpenDelay = defaultBreakerOpenDelay
	}
}
