package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/events"
	"github.com/fyrsmithlabs/memoryd/internal/extraction"
	"github.com/fyrsmithlabs/memoryd/internal/graphstore"
	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/manager"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/retriever"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/tiering"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

// app holds every backend the manager runs on. Fields are closed in reverse
// order of construction.
type app struct {
	manager  *manager.Manager
	embedder embeddings.Provider
	vectors  *vectorstore.Store
	graph    graphstore.Store
	store    store.Store
	events   events.Publisher
	logger   *zap.Logger
}

// buildOption overrides a backend, mainly for tests.
type buildOption func(*buildOptions)

type buildOptions struct {
	embedder embeddings.Provider
}

func withEmbedder(p embeddings.Provider) buildOption {
	return func(o *buildOptions) { o.embedder = p }
}

// build wires the configured backends into a manager. On error everything
// opened so far is closed.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...buildOption) (_ *app, err error) {
	o := &buildOptions{}
	for _, opt := range opts {
		opt(o)
	}

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.embedder = o.embedder
	if a.embedder == nil {
		p, err := embeddings.NewProvider(cfg.Embeddings, logger)
		if err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
		a.embedder = p
	}
	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model))

	index, err := newIndex(cfg.Vector, a.embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("vector index: %w", err)
	}
	a.vectors, err = vectorstore.New(index, a.embedder, vectorstore.Options{
		DuplicateThreshold: cfg.Memory.DuplicateThreshold,
		MergeThreshold:     cfg.Memory.MergeThreshold,
		Normalizer:         vectorstore.Normalizer{MaxDistance: cfg.Vector.MaxDistance},
		Model: memory.Model{
			DecayRate:       cfg.Memory.DecayRate,
			ImportanceAlpha: cfg.Memory.ImportanceAlpha,
			ConfidenceRate:  cfg.Memory.ConfidenceRate,
		},
	}, logger)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}

	if a.graph, err = newGraph(ctx, cfg.Graph, logger); err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}
	if a.store, err = newStore(cfg.Store, logger); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	extractor, err := extraction.New(extraction.FromConfig(cfg.Extraction), logger)
	if err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}

	service, err := ltm.NewService(extractor, a.store, a.vectors, a.graph, logger)
	if err != nil {
		return nil, err
	}

	a.events = events.Nop{}
	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		a.events = pub
	}

	a.manager, err = manager.New(manager.Deps{
		Buffer: a.store,
		LTM:    service,
		Events: a.events,
	}, manager.Options{
		Tiering: tiering.Options{
			Threshold:   cfg.Tiering.Threshold,
			Consolidate: cfg.Tiering.Consolidate,
			Retain:      cfg.Tiering.Retain,
			ReadLimit:   cfg.Tiering.ReadLimit,
			Workers:     cfg.Tiering.Workers,
			Timeout:     cfg.Tiering.Timeout.Duration(),
		},
		Retrieval: retriever.Options{
			TopK:       cfg.Retrieval.TopK,
			GraphLimit: cfg.Retrieval.GraphLimit,
		},
		Recent:    cfg.Retrieval.Recent,
		ExportDir: cfg.Export.Dir,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("memory manager ready",
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("graph_backend", cfg.Graph.Backend),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("extraction", cfg.Extraction.Provider),
		zap.Bool("events", cfg.Events.Enabled))
	return a, nil
}

func newIndex(cfg config.VectorConfig, embedder embeddings.Embedder, logger *zap.Logger) (vectorstore.Index, error) {
	switch cfg.Backend {
	case "qdrant":
		idx, err := vectorstore.NewQdrantIndex(vectorstore.QdrantConfig{
			Host:         cfg.QdrantHost,
			Port:         cfg.QdrantPort,
			UseTLS:       cfg.QdrantTLS,
			APIKey:       cfg.QdrantAPIKey.Value(),
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff.Duration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "chromem", "":
		idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{
			Path:      cfg.Path,
			Compress:  cfg.Compress,
			Dimension: cfg.Dimension,
		}, embedder, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

func newGraph(ctx context.Context, cfg config.GraphConfig, logger *zap.Logger) (graphstore.Store, error) {
	switch cfg.Backend {
	case "neo4j":
		g, err := graphstore.NewNeo4jStore(ctx, graphstore.Neo4jConfig{
			URI:      cfg.Neo4jURI,
			User:     cfg.Neo4jUser,
			Password: cfg.Neo4jPassword.Value(),
			Database: cfg.Neo4jDatabase,
		}, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "sqlite", "":
		g, err := graphstore.NewSQLiteStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Backend)
	}
}

func newStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "supabase":
		st, err := store.NewSupabaseStore(store.SupabaseConfig{
			URL:           cfg.SupabaseURL,
			Key:           cfg.SupabaseKey.Value(),
			MessagesTable: cfg.MessagesTable,
			TagsTable:     cfg.TagsTable,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite", "":
		st, err := store.NewSQLiteStore(store.SQLiteConfig{
			Path:          cfg.Path,
			MessagesTable: cfg.MessagesTable,
			TagsTable:     cfg.TagsTable,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Close stops consolidation and releases every backend.
func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.graph != nil {
		errs = append(errs, a.graph.Close())
	}
	if a.vectors != nil {
		errs = append(errs, a.vectors.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	return errors.Join(errs...)
}
