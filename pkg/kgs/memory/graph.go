package memory

import (
	"context"
	"sort"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

type adjacency struct {
	other  string
	kind   common.EdgeKind
	weight float64
}

// entityAdjacency lists the entity neighbors of id over RELATED_TO and
// SEMANTICALLY_SIMILAR edges, heaviest first.
func (g *tenantGraph) entityAdjacency(id string) []adjacency {
	out := make([]adjacency, 0)
	for k, w := range g.edges {
		if k.kind != common.EdgeRelatedTo && k.kind != common.EdgeSemanticallySimilar {
			continue
		}
		var other string
		switch id {
		case k.a:
			other = k.b
		case k.b:
			other = k.a
		default:
			continue
		}
		if _, ok := g.entities[other]; !ok {
			continue
		}
		out = append(out, adjacency{other: other, kind: k.kind, weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		if out[i].other != out[j].other {
			return out[i].other < out[j].other
		}
		return out[i].kind < out[j].kind
	})
	return out
}

func (s *Store) Neighbors(ctx context.Context, tenant string, entityIDs []string) ([]kgs.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	out := make([]kgs.Neighbor, 0)
	for _, id := range entityIDs {
		if _, ok := g.entities[id]; !ok {
			continue
		}
		for _, adj := range g.entityAdjacency(id) {
			out = append(out, kgs.Neighbor{
				SourceID: id,
				Entity:   g.entities[adj.other],
				Kind:     adj.kind,
				Weight:   adj.weight,
			})
		}
	}
	return out, nil
}

func (s *Store) Neighborhood(ctx context.Context, tenant string, seedIDs []string, oneHopLimit, twoHopLimit int) (*kgs.Subgraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	sub := &kgs.Subgraph{Nodes: make(map[string]common.Entity)}

	seen := make(map[string]struct{}, len(seedIDs))
	seenEdges := make(map[edgeKey]struct{})
	firstHop := make([]string, 0)

	for _, id := range seedIDs {
		e, ok := g.entities[id]
		if !ok {
			continue
		}
		sub.Nodes[id] = e
		seen[id] = struct{}{}
	}

	collect := func(from string, limit int) []string {
		discovered := make([]string, 0)
		adj := g.entityAdjacency(from)
		if limit > 0 && len(adj) > limit {
			adj = adj[:limit]
		}
		for _, a := range adj {
			key := edgeKey{a: from, b: a.other, kind: a.kind}
			if key.b < key.a {
				key.a, key.b = key.b, key.a
			}
			if _, ok := seenEdges[key]; !ok {
				seenEdges[key] = struct{}{}
				sub.Edges = append(sub.Edges, common.Edge{
					Kind:     a.kind,
					FromID:   from,
					ToID:     a.other,
					Weight:   a.weight,
					TenantID: tenant,
				})
			}
			if _, ok := seen[a.other]; !ok {
				seen[a.other] = struct{}{}
				sub.Nodes[a.other] = g.entities[a.other]
				discovered = append(discovered, a.other)
			}
		}
		return discovered
	}

	for _, id := range seedIDs {
		if _, ok := g.entities[id]; !ok {
			continue
		}
		firstHop = append(firstHop, collect(id, oneHopLimit)...)
	}
	for _, id := range firstHop {
		collect(id, twoHopLimit)
	}

	return sub, nil
}

// RankEntities is the reference native ranking: a breadth-scored
// two-hop expansion where seeds outrank first-hop neighbors and those
// outrank second-hop ones. Available only when configured with the
// NativeRank capability.
func (s *Store) RankEntities(ctx context.Context, tenant string, seedIDs []string, topK int) ([]common.RankedEntity, error) {
	if !s.caps.NativeRank {
		return nil, kgs.ErrUnsupportedCapability
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	ranked := make([]common.RankedEntity, 0)
	seen := make(map[string]struct{})

	frontier := make([]string, 0, len(seedIDs))
	for _, id := range seedIDs {
		e, ok := g.entities[id]
		if !ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ranked = append(ranked, common.RankedEntity{Entity: e, Score: 1, Hop: 0})
		frontier = append(frontier, id)
	}

	for hop := 1; hop <= 2; hop++ {
		score := 1 / float64(1+hop)
		next := make([]string, 0)
		for _, id := range frontier {
			for _, adj := range g.entityAdjacency(id) {
				if _, ok := seen[adj.other]; ok {
					continue
				}
				seen[adj.other] = struct{}{}
				ranked = append(ranked, common.RankedEntity{
					Entity: g.entities[adj.other],
					Score:  score,
					Hop:    hop,
				})
				next = append(next, adj.other)
			}
		}
		frontier = next
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Entity.ID < ranked[j].Entity.ID
	})
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}
