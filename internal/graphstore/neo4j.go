package graphstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Neo4jConfig holds connection settings for a Neo4j server.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Validate checks required fields.
func (c Neo4jConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("%w: neo4j uri is required", ErrInvalidConfig)
	}
	return nil
}

const (
	cypherExistingMemories = `
		MATCH (m:Memory)
		WHERE m.id IN $ids
		RETURN m.id AS id`

	cypherMergeUser = `
		MERGE (u:User {id: $owner})`

	cypherMergeMemory = `
		MATCH (u:User {id: $owner})
		MERGE (t:Tag {name: $tag})
		MERGE (m:Memory {id: $id})
		MERGE (u)-[:HAS_MEMORY]->(m)
		MERGE (m)-[:BELONGS_TO_TAG]->(t)`

	cypherMergeEntities = `
		MATCH (u:User {id: $owner})
		MATCH (m:Memory {id: $id})
		UNWIND $entities AS name
		MERGE (e:Entity {name: name})
		MERGE (u)-[:HAS_ENTITY]->(e)
		MERGE (m)-[:MENTIONS]->(e)`

	cypherRelatedByEntity = `
		MATCH (m:Memory)-[:MENTIONS]->(:Entity)<-[:MENTIONS]-(related:Memory)
		MATCH (:User {id: $owner})-[:HAS_MEMORY]->(related)
		WHERE m.id IN $ids AND NOT related.id IN $ids
		RETURN DISTINCT related.id AS id
		ORDER BY id
		LIMIT $limit`

	cypherRelatedByTag = `
		MATCH (m:Memory)-[:BELONGS_TO_TAG]->(:Tag)<-[:BELONGS_TO_TAG]-(related:Memory)
		MATCH (:User {id: $owner})-[:HAS_MEMORY]->(related)
		WHERE m.id IN $ids AND NOT related.id IN $ids
		RETURN DISTINCT related.id AS id
		ORDER BY id
		LIMIT $limit`

	cypherDeleteMemories = `
		MATCH (:User {id: $owner})-[:HAS_MEMORY]->(m:Memory)
		DETACH DELETE m`

	cypherDeleteUserEntities = `
		MATCH (:User {id: $owner})-[r:HAS_ENTITY]->(:Entity)
		DELETE r`

	cypherDeleteOrphanTags = `
		MATCH (t:Tag)
		WHERE NOT (t)<-[:BELONGS_TO_TAG]-(:Memory)
		DELETE t`

	cypherDeleteOrphanEntities = `
		MATCH (e:Entity)
		WHERE NOT (e)<-[:MENTIONS]-(:Memory) AND NOT (e)<-[:HAS_ENTITY]-(:User)
		DELETE e`

	cypherDeleteUser = `
		MATCH (u:User {id: $owner})
		DETACH DELETE u`
)

// Neo4jStore keeps the graph in a Neo4j database.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, logger *zap.Logger) (*Neo4jStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info("connected to neo4j", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))
	return &Neo4jStore{driver: driver, database: cfg.Database, logger: logger}, nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// StoreMemoryGraph implements Store.
func (s *Neo4jStore) StoreMemoryGraph(ctx context.Context, owner string, records []memory.Record) (err error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "graphstore.neo4j.StoreMemoryGraph")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner), attribute.Int("records", len(records)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	stored, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := collectIDs(ctx, tx, cypherExistingMemories, map[string]any{"ids": ids})
		if err != nil {
			return 0, err
		}
		skip := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			skip[id] = struct{}{}
		}

		count := 0
		for _, r := range records {
			if r.ID == "" {
				continue
			}
			if _, ok := skip[r.ID]; ok {
				continue
			}
			if count == 0 {
				if _, err := tx.Run(ctx, cypherMergeUser, map[string]any{"owner": owner}); err != nil {
					return 0, fmt.Errorf("failed to merge user: %w", err)
				}
			}
			tag := r.Tag
			if tag == "" {
				tag = memory.DefaultTag
			}
			if _, err := tx.Run(ctx, cypherMergeMemory, map[string]any{
				"owner": owner,
				"tag":   tag,
				"id":    r.ID,
			}); err != nil {
				return 0, fmt.Errorf("failed to merge memory %s: %w", r.ID, err)
			}

			entities := make([]any, 0, len(r.Entities))
			for _, e := range r.Entities {
				if e = strings.TrimSpace(e); e != "" {
					entities = append(entities, e)
				}
			}
			if len(entities) > 0 {
				if _, err := tx.Run(ctx, cypherMergeEntities, map[string]any{
					"owner":    owner,
					"id":       r.ID,
					"entities": entities,
				}); err != nil {
					return 0, fmt.Errorf("failed to merge entities of %s: %w", r.ID, err)
				}
			}
			skip[r.ID] = struct{}{}
			count++
		}
		return count, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("stored memory graph", zap.String("owner", owner), zap.Any("stored", stored))
	return nil
}

// GetRelatedMemoryIDs implements Store.
func (s *Neo4jStore) GetRelatedMemoryIDs(ctx context.Context, owner string, ids []string, limit int) ([]string, error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return nil, err
	}
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	limit = relatedLimit(limit)

	ctx, span := tracer.Start(ctx, "graphstore.neo4j.GetRelatedMemoryIDs")
	defer span.End()
	span.SetAttributes(attribute.Int("ids", len(ids)), attribute.Int("limit", limit))

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	params := map[string]any{"owner": owner, "ids": ids, "limit": int64(limit)}
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		byEntity, err := collectIDs(ctx, tx, cypherRelatedByEntity, params)
		if err != nil {
			return nil, err
		}
		byTag, err := collectIDs(ctx, tx, cypherRelatedByTag, params)
		if err != nil {
			return nil, err
		}
		return combineRelated(ids, byEntity, byTag), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	related, _ := result.([]string)
	return related, nil
}

// DeleteAll implements Store.
func (s *Neo4jStore) DeleteAll(ctx context.Context, owner string) (err error) {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "graphstore.neo4j.DeleteAll")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	steps := []struct {
		name   string
		cypher string
	}{
		{"memories", cypherDeleteMemories},
		{"user entities", cypherDeleteUserEntities},
		{"orphan tags", cypherDeleteOrphanTags},
		{"orphan entities", cypherDeleteOrphanEntities},
		{"user", cypherDeleteUser},
	}
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{"owner": owner}
		for _, step := range steps {
			result, err := tx.Run(ctx, step.cypher, params)
			if err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", step.name, err)
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", step.name, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("deleted owner graph", zap.String("owner", owner))
	return nil
}

// Close closes the driver.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func collectIDs(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) ([]string, error) {
	result, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}
	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok {
			if id, ok := v.(string); ok {
				ids = append(ids, id)
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}
	return ids, nil
}
