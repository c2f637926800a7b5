package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

func (s *Store) EntitiesByName(ctx context.Context, tenant string, names []string) ([]common.Entity, error) {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	out := make([]common.Entity, 0)
	for _, id := range g.entityOrder {
		e := g.entities[id]
		if _, ok := wanted[strings.ToLower(e.Name)]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) EntitiesByAlias(ctx context.Context, tenant string, name string) ([]common.Entity, error) {
	needle := strings.ToLower(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	out := make([]common.Entity, 0)
	for _, id := range g.entityOrder {
		e := g.entities[id]
		for _, alias := range e.Aliases {
			if strings.ToLower(alias) == needle {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) EntityNames(ctx context.Context, tenant string) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	out := make([]common.Entity, 0, len(g.entityOrder))
	for _, id := range g.entityOrder {
		e := g.entities[id]
		out = append(out, common.Entity{
			ID:       e.ID,
			Name:     e.Name,
			Aliases:  e.Aliases,
			TenantID: e.TenantID,
		})
	}
	return out, nil
}

func (s *Store) EntitiesByField(ctx context.Context, tenant string, key string) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)

	matching := make(map[string]struct{})
	for _, chunkID := range g.chunkOrder {
		chunk := g.chunks[chunkID]
		if _, ok := chunk.Fields[key]; ok {
			matching[chunkID] = struct{}{}
		}
	}
	if len(matching) == 0 {
		return []common.Entity{}, nil
	}

	out := make([]common.Entity, 0)
	for _, entityID := range g.entityOrder {
		for _, chunkID := range g.mentions[entityID] {
			if _, ok := matching[chunkID]; ok {
				out = append(out, g.entities[entityID])
				break
			}
		}
	}
	return out, nil
}

func (s *Store) SimilarEntities(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredEntity, error) {
	if !s.caps.VectorIndex {
		return nil, kgs.ErrUnsupportedCapability
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	scored := make([]kgs.ScoredEntity, 0)
	for _, id := range g.entityOrder {
		e := g.entities[id]
		if len(e.Embedding) == 0 {
			continue
		}
		scored = append(scored, kgs.ScoredEntity{
			Entity:     e,
			Similarity: util.CosineSimilarity(embedding, e.Embedding),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Entity.ID < scored[j].Entity.ID
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
