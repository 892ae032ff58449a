// Package config provides configuration loading for memoryd.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then MEMORYD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete memoryd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Memory     MemoryConfig     `koanf:"memory"`
	Vector     VectorConfig     `koanf:"vector"`
	Graph      GraphConfig      `koanf:"graph"`
	Store      StoreConfig      `koanf:"store"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Tiering    TieringConfig    `koanf:"tiering"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Export     ExportConfig     `koanf:"export"`
	Events     EventsConfig     `koanf:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
	Caller bool   `koanf:"caller"`
	Sample bool   `koanf:"sample"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// MemoryConfig holds dedup thresholds and reinforcement parameters.
type MemoryConfig struct {
	DuplicateThreshold float64 `koanf:"duplicate_threshold"`
	MergeThreshold     float64 `koanf:"merge_threshold"`
	DecayRate          float64 `koanf:"decay_rate"`
	ImportanceAlpha    float64 `koanf:"importance_alpha"`
	ConfidenceRate     float64 `koanf:"confidence_rate"`
}

// VectorConfig selects and configures the vector index backend.
type VectorConfig struct {
	Backend      string   `koanf:"backend"` // chromem or qdrant
	Path         string   `koanf:"path"`
	Compress     bool     `koanf:"compress"`
	MaxDistance  float64  `koanf:"max_distance"`
	Dimension    int      `koanf:"dimension"`
	QdrantHost   string   `koanf:"qdrant_host"`
	QdrantPort   int      `koanf:"qdrant_port"`
	QdrantTLS    bool     `koanf:"qdrant_tls"`
	QdrantAPIKey Secret   `koanf:"qdrant_api_key"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
}

// GraphConfig selects and configures the graph store backend.
type GraphConfig struct {
	Backend       string `koanf:"backend"` // sqlite or neo4j
	Path          string `koanf:"path"`
	Neo4jURI      string `koanf:"neo4j_uri"`
	Neo4jUser     string `koanf:"neo4j_user"`
	Neo4jPassword Secret `koanf:"neo4j_password"`
	Neo4jDatabase string `koanf:"neo4j_database"`
}

// StoreConfig selects the short-term buffer and tag store backend.
type StoreConfig struct {
	Backend       string `koanf:"backend"` // sqlite, supabase or memory
	Path          string `koanf:"path"`
	SupabaseURL   string `koanf:"supabase_url"`
	SupabaseKey   Secret `koanf:"supabase_key"`
	MessagesTable string `koanf:"messages_table"`
	TagsTable     string `koanf:"tags_table"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // openai or fastembed
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// ExtractionConfig configures the memory extraction LLM.
type ExtractionConfig struct {
	Provider         string   `koanf:"provider"` // anthropic, openai, heuristic or disabled
	Model            string   `koanf:"model"`
	BaseURL          string   `koanf:"base_url"`
	APIKey           Secret   `koanf:"api_key"`
	MaxTokens        int      `koanf:"max_tokens"`
	Timeout          Duration `koanf:"timeout"`
	RequestsPerMin   float64  `koanf:"requests_per_min"`
	BreakerFailures  uint32   `koanf:"breaker_failures"`
	BreakerOpenDelay Duration `koanf:"breaker_open_delay"`
}

// TieringConfig configures short-term overflow into long-term memory.
type TieringConfig struct {
	Threshold   int      `koanf:"threshold"`
	Consolidate int      `koanf:"consolidate"`
	Retain      int      `koanf:"retain"`
	ReadLimit   int      `koanf:"read_limit"`
	Workers     int      `koanf:"workers"`
	Timeout     Duration `koanf:"consolidation_timeout"`
}

// RetrievalConfig configures memory retrieval.
type RetrievalConfig struct {
	TopK       int `koanf:"top_k"`
	GraphLimit int `koanf:"graph_limit"`
	Recent     int `koanf:"recent"`
}

// ExportConfig configures spreadsheet export.
type ExportConfig struct {
	Dir string `koanf:"dir"`
}

// EventsConfig configures event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: true,
			Sample: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "memoryd",
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
		Memory: MemoryConfig{
			DuplicateThreshold: 0.90,
			MergeThreshold:     0.80,
			DecayRate:          0.005,
			ImportanceAlpha:    0.08,
			ConfidenceRate:     0.05,
		},
		Vector: VectorConfig{
			Backend:      "chromem",
			Path:         "~/.local/share/memoryd/vectors",
			Compress:     true,
			MaxDistance:  2.0,
			Dimension:    384,
			QdrantHost:   "localhost",
			QdrantPort:   6334,
			MaxRetries:   3,
			RetryBackoff: Duration(time.Second),
		},
		Graph: GraphConfig{
			Backend:       "sqlite",
			Path:          "~/.local/share/memoryd/graph.db",
			Neo4jURI:      "neo4j://localhost:7687",
			Neo4jUser:     "neo4j",
			Neo4jDatabase: "neo4j",
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          "~/.local/share/memoryd/memoryd.db",
			MessagesTable: "conversation_history",
			TagsTable:     "user_tags",
		},
		Embeddings: EmbeddingsConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			BaseURL:  "https://api.openai.com/v1",
			CacheDir: "~/.cache/memoryd/models",
		},
		Extraction: ExtractionConfig{
			Provider:         "anthropic",
			Model:            "claude-3-5-haiku-latest",
			MaxTokens:        2048,
			Timeout:          Duration(60 * time.Second),
			RequestsPerMin:   50,
			BreakerFailures:  5,
			BreakerOpenDelay: Duration(60 * time.Second),
		},
		Tiering: TieringConfig{
			Threshold:   30,
			Consolidate: 15,
			Retain:      15,
			ReadLimit:   100,
			Workers:     4,
			Timeout:     Duration(2 * time.Minute),
		},
		Retrieval: RetrievalConfig{
			TopK:       5,
			GraphLimit: 20,
			Recent:     100,
		},
		Export: ExportConfig{
			Dir: "~/.local/share/memoryd/exports",
		},
		Events: EventsConfig{
			Enabled:       false,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "memoryd",
		},
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	m := c.Memory
	if m.MergeThreshold <= 0 || m.DuplicateThreshold > 1 || m.MergeThreshold >= m.DuplicateThreshold {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < merge (%v) < duplicate (%v) <= 1",
			m.MergeThreshold, m.DuplicateThreshold))
	}

	switch c.Vector.Backend {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend: %q", c.Vector.Backend))
	}
	if c.Vector.MaxDistance <= 0 {
		errs = append(errs, errors.New("vector.max_distance must be positive"))
	}

	switch c.Graph.Backend {
	case "sqlite", "neo4j":
	default:
		errs = append(errs, fmt.Errorf("unknown graph backend: %q", c.Graph.Backend))
	}

	switch c.Store.Backend {
	case "sqlite", "memory":
	case "supabase":
		if c.Store.SupabaseURL == "" || !c.Store.SupabaseKey.IsSet() {
			errs = append(errs, errors.New("store.supabase_url and store.supabase_key are required for the supabase backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend: %q", c.Store.Backend))
	}

	t := c.Tiering
	if t.Threshold < 2 || t.Consolidate < 1 || t.Retain < 0 || t.Consolidate+t.Retain > t.Threshold {
		errs = append(errs, fmt.Errorf("tiering requires consolidate (%d) + retain (%d) <= threshold (%d)",
			t.Consolidate, t.Retain, t.Threshold))
	}
	if t.ReadLimit < t.Threshold {
		errs = append(errs, fmt.Errorf("tiering.read_limit (%d) must be at least the threshold (%d)", t.ReadLimit, t.Threshold))
	}
	if t.Workers < 1 {
		errs = append(errs, errors.New("tiering.workers must be at least 1"))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
