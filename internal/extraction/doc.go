// Package extraction turns raw conversation turns into tagged memory
// candidates.
//
// # Providers
//
//   - AnthropicExtractor: Claude Messages API via anthropic-sdk-go
//   - OpenAIExtractor: any OpenAI-compatible chat endpoint via langchaingo
//   - HeuristicExtractor: offline pattern matching over user turns
//   - NoOpExtractor: extraction disabled
//
// The LLM providers share a system prompt that lists the owner's known tags,
// a rate limiter and a circuit breaker. Their replies are decoded by
// ParseTagged, which tolerates prose around the JSON and malformed items.
//
// # Usage
//
//	ex, err := extraction.New(extraction.FromConfig(cfg.Extraction), logger)
//	tagged, err := ex.Extract(ctx, "alice", messages, knownTags)
//	for tag, candidates := range tagged {
//	    ...
//	}
//
// Transport failures are reported as ErrExtractionFailed; callers are
// expected to continue with no candidates.
package extraction
