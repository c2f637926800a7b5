package neo4j

import (
	"context"
	"fmt"
	"strings"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

const entityIndexName = "entity_embedding_index"

const cypherEntitiesByName = `
MATCH (e:Entity {tenant_id: $tenant_id})
WHERE toLower(e.name) IN $names
RETURN e.id AS id, e.name AS name, e.aliases AS aliases, e.embedding AS embedding
ORDER BY e.name, e.id`

const cypherEntitiesByAlias = `
MATCH (e:Entity {tenant_id: $tenant_id})
WHERE any(alias IN e.aliases WHERE toLower(alias) = $alias)
RETURN e.id AS id, e.name AS name, e.aliases AS aliases, e.embedding AS embedding
ORDER BY e.name, e.id`

const cypherEntityNames = `
MATCH (e:Entity {tenant_id: $tenant_id})
RETURN e.id AS id, e.name AS name, e.aliases AS aliases
ORDER BY e.name, e.id`

const cypherEntitiesByField = `
MATCH (c:Chunk {tenant_id: $tenant_id})-[:MENTIONS]->(e:Entity {tenant_id: $tenant_id})
WHERE $field_key IN c.field_keys
RETURN DISTINCT e.id AS id, e.name AS name, e.aliases AS aliases, e.embedding AS embedding
ORDER BY id`

// Vector index scores map cosine similarity into [0,1]; callers expect
// raw cosine, so results are unmapped with 2*score-1. Tenant filtering
// happens after the index lookup, hence the over-fetch factor.
const cypherSimilarEntities = `
CALL db.index.vector.queryNodes($index_name, $fetch_limit, $query_embedding)
YIELD node, score
WHERE node.tenant_id = $tenant_id
RETURN node.id AS id, node.name AS name, node.aliases AS aliases,
       node.embedding AS embedding, score
ORDER BY score DESC, id
LIMIT $match_limit`

func (s *Store) entityQuery(ctx context.Context, text string, tenant string, params map[string]any) ([]common.Entity, error) {
	records, err := s.read(ctx, text, tenant, params)
	if err != nil {
		return nil, err
	}
	out := make([]common.Entity, 0, len(records))
	for _, rec := range records {
		out = append(out, recordEntity(rec, tenant))
	}
	return out, nil
}

func (s *Store) EntitiesByName(ctx context.Context, tenant string, names []string) ([]common.Entity, error) {
	if len(names) == 0 {
		return []common.Entity{}, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	out, err := s.entityQuery(ctx, cypherEntitiesByName, tenant, map[string]any{"names": lowered})
	if err != nil {
		return nil, fmt.Errorf("entities by name: %w", err)
	}
	return out, nil
}

func (s *Store) EntitiesByAlias(ctx context.Context, tenant string, name string) ([]common.Entity, error) {
	out, err := s.entityQuery(ctx, cypherEntitiesByAlias, tenant, map[string]any{"alias": strings.ToLower(name)})
	if err != nil {
		return nil, fmt.Errorf("entities by alias: %w", err)
	}
	return out, nil
}

func (s *Store) EntityNames(ctx context.Context, tenant string) ([]common.Entity, error) {
	out, err := s.entityQuery(ctx, cypherEntityNames, tenant, nil)
	if err != nil {
		return nil, fmt.Errorf("entity names: %w", err)
	}
	return out, nil
}

func (s *Store) EntitiesByField(ctx context.Context, tenant string, key string) ([]common.Entity, error) {
	out, err := s.entityQuery(ctx, cypherEntitiesByField, tenant, map[string]any{"field_key": key})
	if err != nil {
		return nil, fmt.Errorf("entities by field: %w", err)
	}
	return out, nil
}

func (s *Store) SimilarEntities(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredEntity, error) {
	if !s.caps.VectorIndex {
		return nil, kgs.ErrUnsupportedCapability
	}

	records, err := s.read(ctx, cypherSimilarEntities, tenant, map[string]any{
		"index_name":      entityIndexName,
		"query_embedding": embedding,
		"fetch_limit":     limit * 4,
		"match_limit":     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("similar entities: %w", err)
	}

	out := make([]kgs.ScoredEntity, 0, len(records))
	for _, rec := range records {
		out = append(out, kgs.ScoredEntity{
			Entity:     recordEntity(rec, tenant),
			Similarity: 2*recordFloat(rec, "score") - 1,
		})
	}
	return out, nil
}
