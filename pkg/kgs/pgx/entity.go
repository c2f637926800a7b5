package pgx

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

const sqlEntitiesByName = `
SELECT e.public_id, e.name, e.aliases, e.embedding
FROM entities e
WHERE e.tenant_id = @tenant_id AND lower(e.name) = ANY(@names)
ORDER BY e.name, e.public_id`

const sqlEntitiesByAlias = `
SELECT e.public_id, e.name, e.aliases, e.embedding
FROM entities e
WHERE e.tenant_id = @tenant_id
  AND EXISTS (SELECT 1 FROM unnest(e.aliases) AS alias WHERE lower(alias) = @alias)
ORDER BY e.name, e.public_id`

const sqlEntityNames = `
SELECT e.public_id, e.name, e.aliases
FROM entities e
WHERE e.tenant_id = @tenant_id
ORDER BY e.name, e.public_id`

const sqlEntitiesByField = `
SELECT DISTINCT ON (e.id) e.public_id, e.name, e.aliases, e.embedding
FROM entities e
JOIN mentions m ON m.entity_id = e.id AND m.tenant_id = @tenant_id
JOIN chunks c ON c.id = m.chunk_id AND c.tenant_id = @tenant_id
WHERE e.tenant_id = @tenant_id AND c.fields ? @field_key
ORDER BY e.id`

const sqlSimilarEntities = `
SELECT e.public_id, e.name, e.aliases, e.embedding,
       1 - (e.embedding <=> @query_embedding) AS similarity
FROM entities e
WHERE e.tenant_id = @tenant_id AND e.embedding IS NOT NULL
ORDER BY e.embedding <=> @query_embedding, e.public_id
LIMIT @match_limit`

// collectEntities drains rows shaped (public_id, name, aliases, embedding).
func collectEntities(rows pgx.Rows, tenant string) ([]common.Entity, error) {
	defer rows.Close()

	out := make([]common.Entity, 0)
	for rows.Next() {
		var e common.Entity
		var emb *pgvector.Vector
		if err := rows.Scan(&e.ID, &e.Name, &e.Aliases, &emb); err != nil {
			return nil, err
		}
		if emb != nil {
			e.Embedding = emb.Slice()
		}
		e.TenantID = tenant
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EntitiesByName(ctx context.Context, tenant string, names []string) ([]common.Entity, error) {
	if len(names) == 0 {
		return []common.Entity{}, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	rows, err := s.query(ctx, sqlEntitiesByName, tenant, map[string]any{"names": lowered})
	if err != nil {
		return nil, fmt.Errorf("entities by name: %w", err)
	}
	return collectEntities(rows, tenant)
}

func (s *Store) EntitiesByAlias(ctx context.Context, tenant string, name string) ([]common.Entity, error) {
	rows, err := s.query(ctx, sqlEntitiesByAlias, tenant, map[string]any{"alias": strings.ToLower(name)})
	if err != nil {
		return nil, fmt.Errorf("entities by alias: %w", err)
	}
	return collectEntities(rows, tenant)
}

func (s *Store) EntityNames(ctx context.Context, tenant string) ([]common.Entity, error) {
	rows, err := s.query(ctx, sqlEntityNames, tenant, nil)
	if err != nil {
		return nil, fmt.Errorf("entity names: %w", err)
	}
	defer rows.Close()

	out := make([]common.Entity, 0)
	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Aliases); err != nil {
			return nil, err
		}
		e.TenantID = tenant
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EntitiesByField(ctx context.Context, tenant string, key string) ([]common.Entity, error) {
	rows, err := s.query(ctx, sqlEntitiesByField, tenant, map[string]any{"field_key": key})
	if err != nil {
		return nil, fmt.Errorf("entities by field: %w", err)
	}
	return collectEntities(rows, tenant)
}

func (s *Store) SimilarEntities(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredEntity, error) {
	rows, err := s.query(ctx, sqlSimilarEntities, tenant, map[string]any{
		"query_embedding": pgvector.NewVector(embedding),
		"match_limit":     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("similar entities: %w", err)
	}
	defer rows.Close()

	out := make([]kgs.ScoredEntity, 0, limit)
	for rows.Next() {
		var se kgs.ScoredEntity
		var emb *pgvector.Vector
		if err := rows.Scan(&se.Entity.ID, &se.Entity.Name, &se.Entity.Aliases, &emb, &se.Similarity); err != nil {
			return nil, err
		}
		if emb != nil {
			se.Entity.Embedding = emb.Slice()
		}
		se.Entity.TenantID = tenant
		out = append(out, se)
	}
	return out, rows.Err()
}
