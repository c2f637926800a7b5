package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/korelab/kora/pkg/kgs"
)

const sqlChunksForEntities = `
SELECT e.public_id AS entity_id,
       c.public_id, c.content, c.idx, c.fields,
       COALESCE(sec.public_id, '') AS section_id,
       COALESCE(sec.title, '') AS section_title,
       d.title AS document_title
FROM entities e
JOIN LATERAL (
    SELECT ch.*
    FROM chunks ch
    JOIN mentions m ON m.chunk_id = ch.id AND m.tenant_id = @tenant_id
    WHERE m.entity_id = e.id AND ch.tenant_id = @tenant_id
    ORDER BY ch.idx, ch.id
    LIMIT @limit_per_entity
) c ON true
LEFT JOIN sections sec ON sec.id = c.section_id AND sec.tenant_id = @tenant_id
JOIN documents d ON d.id = c.document_id AND d.tenant_id = @tenant_id
WHERE e.tenant_id = @tenant_id AND e.public_id = ANY(@entity_ids)
ORDER BY entity_id, c.idx, c.public_id`

const sqlSimilarChunks = `
SELECT c.public_id, c.content, c.idx, c.fields,
       COALESCE(sec.public_id, '') AS section_id,
       COALESCE(sec.title, '') AS section_title,
       d.title AS document_title,
       1 - (c.embedding <=> @query_embedding) AS similarity
FROM chunks c
LEFT JOIN sections sec ON sec.id = c.section_id AND sec.tenant_id = @tenant_id
JOIN documents d ON d.id = c.document_id AND d.tenant_id = @tenant_id
WHERE c.tenant_id = @tenant_id AND c.embedding IS NOT NULL
ORDER BY c.embedding <=> @query_embedding, c.public_id
LIMIT @match_limit`

const sqlChunkProvenance = `
SELECT c.public_id,
       COALESCE(sec.title, '') AS section_title,
       d.title AS document_title,
       d.source_uri
FROM chunks c
LEFT JOIN sections sec ON sec.id = c.section_id AND sec.tenant_id = @tenant_id
JOIN documents d ON d.id = c.document_id AND d.tenant_id = @tenant_id
WHERE c.tenant_id = @tenant_id AND c.public_id = @chunk_id`

func (s *Store) ChunksForEntities(ctx context.Context, tenant string, entityIDs []string, limitPerEntity int) ([]kgs.EntityChunk, error) {
	if len(entityIDs) == 0 {
		return []kgs.EntityChunk{}, nil
	}

	rows, err := s.query(ctx, sqlChunksForEntities, tenant, map[string]any{
		"entity_ids":       entityIDs,
		"limit_per_entity": limitPerEntity,
	})
	if err != nil {
		return nil, fmt.Errorf("chunks for entities: %w", err)
	}
	defer rows.Close()

	out := make([]kgs.EntityChunk, 0)
	for rows.Next() {
		var ec kgs.EntityChunk
		if err := rows.Scan(
			&ec.EntityID,
			&ec.Chunk.ID, &ec.Chunk.Text, &ec.Chunk.Index, &ec.Chunk.Fields,
			&ec.Chunk.SectionID, &ec.Section, &ec.Source,
		); err != nil {
			return nil, err
		}
		ec.Chunk.TenantID = tenant
		out = append(out, ec)
	}
	return out, rows.Err()
}

func (s *Store) SimilarChunks(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredChunk, error) {
	rows, err := s.query(ctx, sqlSimilarChunks, tenant, map[string]any{
		"query_embedding": pgvector.NewVector(embedding),
		"match_limit":     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("similar chunks: %w", err)
	}
	defer rows.Close()

	out := make([]kgs.ScoredChunk, 0, limit)
	for rows.Next() {
		var sc kgs.ScoredChunk
		if err := rows.Scan(
			&sc.Chunk.ID, &sc.Chunk.Text, &sc.Chunk.Index, &sc.Chunk.Fields,
			&sc.Chunk.SectionID, &sc.Section, &sc.Source, &sc.Similarity,
		); err != nil {
			return nil, err
		}
		sc.Chunk.TenantID = tenant
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) ChunkProvenance(ctx context.Context, tenant string, chunkID string) (*kgs.Provenance, error) {
	row, err := s.queryRow(ctx, sqlChunkProvenance, tenant, map[string]any{"chunk_id": chunkID})
	if err != nil {
		return nil, fmt.Errorf("chunk provenance: %w", err)
	}

	var p kgs.Provenance
	if err := row.Scan(&p.ChunkID, &p.Section, &p.DocumentTitle, &p.SourceURI); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: chunk %s", kgs.ErrNotFound, chunkID)
		}
		return nil, fmt.Errorf("chunk provenance: %w", err)
	}
	return &p, nil
}
