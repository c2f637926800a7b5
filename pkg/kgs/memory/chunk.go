package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/kgs"
)

// provenanceOf resolves section and document titles for a chunk.
// Callers hold the read lock.
func (g *tenantGraph) provenanceOf(chunkID string) (section string, source string, sourceURI string) {
	chunk, ok := g.chunks[chunkID]
	if !ok {
		return "", "", ""
	}
	if sec, ok := g.sections[chunk.SectionID]; ok {
		section = sec.Title
	}
	if doc, ok := g.documents[g.chunkDoc[chunkID]]; ok {
		source = doc.Title
		sourceURI = doc.SourceURI
	}
	return section, source, sourceURI
}

func (s *Store) ChunksForEntities(ctx context.Context, tenant string, entityIDs []string, limitPerEntity int) ([]kgs.EntityChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	out := make([]kgs.EntityChunk, 0)
	for _, entityID := range entityIDs {
		chunkIDs := g.mentions[entityID]
		if limitPerEntity > 0 && len(chunkIDs) > limitPerEntity {
			chunkIDs = chunkIDs[:limitPerEntity]
		}
		for _, chunkID := range chunkIDs {
			chunk, ok := g.chunks[chunkID]
			if !ok {
				continue
			}
			section, source, _ := g.provenanceOf(chunkID)
			out = append(out, kgs.EntityChunk{
				EntityID: entityID,
				Chunk:    chunk,
				Section:  section,
				Source:   source,
			})
		}
	}
	return out, nil
}

func (s *Store) SimilarChunks(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredChunk, error) {
	if !s.caps.VectorIndex {
		return nil, kgs.ErrUnsupportedCapability
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	scored := make([]kgs.ScoredChunk, 0)
	for _, id := range g.chunkOrder {
		chunk := g.chunks[id]
		if len(chunk.Embedding) == 0 {
			continue
		}
		section, source, _ := g.provenanceOf(id)
		scored = append(scored, kgs.ScoredChunk{
			Chunk:      chunk,
			Section:    section,
			Source:     source,
			Similarity: util.CosineSimilarity(embedding, chunk.Embedding),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *Store) ChunkProvenance(ctx context.Context, tenant string, chunkID string) (*kgs.Provenance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	if _, ok := g.chunks[chunkID]; !ok {
		return nil, fmt.Errorf("%w: chunk %s", kgs.ErrNotFound, chunkID)
	}
	section, source, sourceURI := g.provenanceOf(chunkID)
	return &kgs.Provenance{
		ChunkID:       chunkID,
		Section:       section,
		DocumentTitle: source,
		SourceURI:     sourceURI,
	}, nil
}
