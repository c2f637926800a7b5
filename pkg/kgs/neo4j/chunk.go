package neo4j

import (
	"context"
	"fmt"

	"github.com/korelab/kora/pkg/kgs"
)

const chunkIndexName = "chunk_embedding_index"

const cypherChunksForEntities = `
MATCH (e:Entity {tenant_id: $tenant_id})
WHERE e.id IN $entity_ids
MATCH (c:Chunk {tenant_id: $tenant_id})-[:MENTIONS]->(e)
OPTIONAL MATCH (c)-[:IN_SECTION]->(sec:Section {tenant_id: $tenant_id})
OPTIONAL MATCH (d:Document {tenant_id: $tenant_id, id: c.doc_id})
WITH e, c, sec, d ORDER BY c.idx, c.id
WITH e, collect({id: c.id, content: c.content, idx: c.idx, fields_json: c.fields_json,
                 section_id: coalesce(sec.id, ''), section: coalesce(sec.title, ''),
                 source: coalesce(d.title, '')})[0..$limit_per_entity] AS chunks
RETURN e.id AS entity_id, chunks
ORDER BY entity_id`

const cypherSimilarChunks = `
CALL db.index.vector.queryNodes($index_name, $fetch_limit, $query_embedding)
YIELD node, score
WHERE node.tenant_id = $tenant_id
OPTIONAL MATCH (node)-[:IN_SECTION]->(sec:Section {tenant_id: $tenant_id})
OPTIONAL MATCH (d:Document {tenant_id: $tenant_id, id: node.doc_id})
RETURN node.id AS id, node.content AS content, node.idx AS idx,
       node.fields_json AS fields_json,
       coalesce(sec.id, '') AS section_id, coalesce(sec.title, '') AS section,
       coalesce(d.title, '') AS source, score
ORDER BY score DESC, id
LIMIT $match_limit`

const cypherChunkProvenance = `
MATCH (c:Chunk {tenant_id: $tenant_id, id: $chunk_id})
OPTIONAL MATCH (c)-[:IN_SECTION]->(sec:Section {tenant_id: $tenant_id})
OPTIONAL MATCH (d:Document {tenant_id: $tenant_id, id: c.doc_id})
RETURN c.id AS id, coalesce(sec.title, '') AS section,
       coalesce(d.title, '') AS source, coalesce(d.source_uri, '') AS source_uri`

func (s *Store) ChunksForEntities(ctx context.Context, tenant string, entityIDs []string, limitPerEntity int) ([]kgs.EntityChunk, error) {
	if len(entityIDs) == 0 {
		return []kgs.EntityChunk{}, nil
	}

	records, err := s.read(ctx, cypherChunksForEntities, tenant, map[string]any{
		"entity_ids":       entityIDs,
		"limit_per_entity": limitPerEntity,
	})
	if err != nil {
		return nil, fmt.Errorf("chunks for entities: %w", err)
	}

	out := make([]kgs.EntityChunk, 0)
	for _, rec := range records {
		entityID := recordString(rec, "entity_id")
		raw, ok := rec.Get("chunks")
		if !ok || raw == nil {
			continue
		}
		items, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ec := kgs.EntityChunk{
				EntityID: entityID,
				Section:  mapString(m, "section"),
				Source:   mapString(m, "source"),
			}
			ec.Chunk.ID = mapString(m, "id")
			ec.Chunk.Text = mapString(m, "content")
			ec.Chunk.Index = mapInt(m, "idx")
			ec.Chunk.SectionID = mapString(m, "section_id")
			ec.Chunk.Fields = decodeFields(mapString(m, "fields_json"))
			ec.Chunk.TenantID = tenant
			out = append(out, ec)
		}
	}
	return out, nil
}

func (s *Store) SimilarChunks(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredChunk, error) {
	if !s.caps.VectorIndex {
		return nil, kgs.ErrUnsupportedCapability
	}

	records, err := s.read(ctx, cypherSimilarChunks, tenant, map[string]any{
		"index_name":      chunkIndexName,
		"query_embedding": embedding,
		"fetch_limit":     limit * 4,
		"match_limit":     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("similar chunks: %w", err)
	}

	out := make([]kgs.ScoredChunk, 0, len(records))
	for _, rec := range records {
		sc := kgs.ScoredChunk{
			Section:    recordString(rec, "section"),
			Source:     recordString(rec, "source"),
			Similarity: 2*recordFloat(rec, "score") - 1,
		}
		sc.Chunk.ID = recordString(rec, "id")
		sc.Chunk.Text = recordString(rec, "content")
		sc.Chunk.Index = recordInt(rec, "idx")
		sc.Chunk.SectionID = recordString(rec, "section_id")
		sc.Chunk.Fields = decodeFields(recordString(rec, "fields_json"))
		sc.Chunk.TenantID = tenant
		out = append(out, sc)
	}
	return out, nil
}

func (s *Store) ChunkProvenance(ctx context.Context, tenant string, chunkID string) (*kgs.Provenance, error) {
	records, err := s.read(ctx, cypherChunkProvenance, tenant, map[string]any{"chunk_id": chunkID})
	if err != nil {
		return nil, fmt.Errorf("chunk provenance: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: chunk %s", kgs.ErrNotFound, chunkID)
	}

	rec := records[0]
	return &kgs.Provenance{
		ChunkID:       recordString(rec, "id"),
		Section:       recordString(rec, "section"),
		DocumentTitle: recordString(rec, "source"),
		SourceURI:     recordString(rec, "source_uri"),
	}, nil
}
