package neo4j

import (
	"context"
	"fmt"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

const cypherNeighbors = `
MATCH (s:Entity {tenant_id: $tenant_id})-[r:RELATED_TO|SEMANTICALLY_SIMILAR]-(n:Entity {tenant_id: $tenant_id})
WHERE s.id IN $entity_ids
RETURN s.id AS source_id, n.id AS id, n.name AS name, n.aliases AS aliases,
       n.embedding AS embedding, type(r) AS kind, coalesce(r.weight, 0.0) AS weight
ORDER BY source_id, weight DESC, id`

const cypherNeighborhoodHop = `
MATCH (s:Entity {tenant_id: $tenant_id})
WHERE s.id IN $node_ids
CALL {
    WITH s
    MATCH (s)-[r:RELATED_TO|SEMANTICALLY_SIMILAR]-(n:Entity)
    WHERE n.tenant_id = s.tenant_id
    WITH n, r ORDER BY coalesce(r.weight, 0.0) DESC, n.id
    RETURN collect({id: n.id, name: n.name, aliases: n.aliases, embedding: n.embedding,
                    kind: type(r), weight: coalesce(r.weight, 0.0)}) AS all_neighbors
}
RETURN s.id AS from_id, all_neighbors[0..$per_node_limit] AS neighbors
ORDER BY from_id`

const cypherEntitiesByIDs = `
MATCH (e:Entity {tenant_id: $tenant_id})
WHERE e.id IN $entity_ids
RETURN e.id AS id, e.name AS name, e.aliases AS aliases, e.embedding AS embedding
ORDER BY e.id`

const cypherRankEntities = `
MATCH (seed:Entity {tenant_id: $tenant_id})
WHERE seed.id IN $seed_ids
WITH collect(seed) AS seeds
CALL gds.pageRank.stream($gds_graph, {sourceNodes: seeds, dampingFactor: 0.85})
YIELD nodeId, score
WITH gds.util.asNode(nodeId) AS node, score
WHERE node.tenant_id = $tenant_id
RETURN node.id AS id, node.name AS name, node.aliases AS aliases, score
ORDER BY score DESC, id
LIMIT $top_k`

func (s *Store) Neighbors(ctx context.Context, tenant string, entityIDs []string) ([]kgs.Neighbor, error) {
	if len(entityIDs) == 0 {
		return []kgs.Neighbor{}, nil
	}

	records, err := s.read(ctx, cypherNeighbors, tenant, map[string]any{"entity_ids": entityIDs})
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}

	out := make([]kgs.Neighbor, 0, len(records))
	for _, rec := range records {
		out = append(out, kgs.Neighbor{
			SourceID: recordString(rec, "source_id"),
			Entity:   recordEntity(rec, tenant),
			Kind:     common.EdgeKind(recordString(rec, "kind")),
			Weight:   recordFloat(rec, "weight"),
		})
	}
	return out, nil
}

// neighborhoodHop runs one capped expansion over the given frontier and
// feeds discovered nodes and edges into sub.
func (s *Store) neighborhoodHop(ctx context.Context, tenant string, sub *kgs.Subgraph, seen map[string]struct{}, nodeIDs []string, limit int) ([]string, error) {
	records, err := s.read(ctx, cypherNeighborhoodHop, tenant, map[string]any{
		"node_ids":       nodeIDs,
		"per_node_limit": limit,
	})
	if err != nil {
		return nil, err
	}

	discovered := make([]string, 0)
	for _, rec := range records {
		fromID := recordString(rec, "from_id")
		raw, ok := rec.Get("neighbors")
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
			entity := common.Entity{
				ID:        mapString(m, "id"),
				Name:      mapString(m, "name"),
				Aliases:   mapStrings(m, "aliases"),
				Embedding: mapEmbedding(m, "embedding"),
				TenantID:  tenant,
			}
			sub.Edges = append(sub.Edges, common.Edge{
				Kind:     common.EdgeKind(mapString(m, "kind")),
				FromID:   fromID,
				ToID:     entity.ID,
				Weight:   mapFloat(m, "weight"),
				TenantID: tenant,
			})
			if _, ok := seen[entity.ID]; ok {
				continue
			}
			seen[entity.ID] = struct{}{}
			sub.Nodes[entity.ID] = entity
			discovered = append(discovered, entity.ID)
		}
	}
	return discovered, nil
}

func (s *Store) Neighborhood(ctx context.Context, tenant string, seedIDs []string, oneHopLimit, twoHopLimit int) (*kgs.Subgraph, error) {
	sub := &kgs.Subgraph{Nodes: make(map[string]common.Entity)}
	if len(seedIDs) == 0 {
		return sub, nil
	}

	seen := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		seen[id] = struct{}{}
	}

	firstHop, err := s.neighborhoodHop(ctx, tenant, sub, seen, seedIDs, oneHopLimit)
	if err != nil {
		return nil, fmt.Errorf("neighborhood hop 1: %w", err)
	}
	if len(firstHop) > 0 {
		if _, err := s.neighborhoodHop(ctx, tenant, sub, seen, firstHop, twoHopLimit); err != nil {
			return nil, fmt.Errorf("neighborhood hop 2: %w", err)
		}
	}

	seeds, err := s.entityQuery(ctx, cypherEntitiesByIDs, tenant, map[string]any{"entity_ids": seedIDs})
	if err != nil {
		return nil, fmt.Errorf("neighborhood seeds: %w", err)
	}
	for _, e := range seeds {
		sub.Nodes[e.ID] = e
	}

	return sub, nil
}

// RankEntities delegates to GDS personalized PageRank over the
// projected graph. Hop collapses to seed (0) or propagated (1) since
// the native ranking does not report traversal depth.
func (s *Store) RankEntities(ctx context.Context, tenant string, seedIDs []string, topK int) ([]common.RankedEntity, error) {
	if !s.caps.NativeRank {
		return nil, kgs.ErrUnsupportedCapability
	}

	records, err := s.read(ctx, cypherRankEntities, tenant, map[string]any{
		"seed_ids":  seedIDs,
		"gds_graph": s.gdsGraph,
		"top_k":     topK,
	})
	if err != nil {
		return nil, fmt.Errorf("rank entities: %w", err)
	}

	seedSet := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		seedSet[id] = struct{}{}
	}

	out := make([]common.RankedEntity, 0, len(records))
	for _, rec := range records {
		ranked := common.RankedEntity{
			Entity: recordEntity(rec, tenant),
			Score:  recordFloat(rec, "score"),
			Hop:    1,
		}
		if _, ok := seedSet[ranked.Entity.ID]; ok {
			ranked.Hop = 0
		}
		out = append(out, ranked)
	}
	return out, nil
}
