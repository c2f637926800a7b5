package pgx

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

const sqlNeighbors = `
SELECT src.public_id AS source_id, dst.public_id, dst.name, dst.aliases, dst.embedding,
       ee.kind, ee.weight
FROM entity_edges ee
JOIN entities src ON src.id = ee.a_id AND src.tenant_id = @tenant_id
JOIN entities dst ON dst.id = ee.b_id AND dst.tenant_id = @tenant_id
WHERE ee.tenant_id = @tenant_id AND src.public_id = ANY(@entity_ids)
UNION ALL
SELECT src.public_id, dst.public_id, dst.name, dst.aliases, dst.embedding,
       ee.kind, ee.weight
FROM entity_edges ee
JOIN entities src ON src.id = ee.b_id AND src.tenant_id = @tenant_id
JOIN entities dst ON dst.id = ee.a_id AND dst.tenant_id = @tenant_id
WHERE ee.tenant_id = @tenant_id AND src.public_id = ANY(@entity_ids)
ORDER BY source_id, weight DESC, public_id`

const sqlNeighborhoodHop = `
SELECT s.public_id AS from_id, n.public_id AS to_id, n.name, n.aliases, n.embedding,
       adj.kind, adj.weight
FROM entities s
JOIN LATERAL (
    SELECT CASE WHEN ee.a_id = s.id THEN ee.b_id ELSE ee.a_id END AS neighbor_id,
           ee.kind, ee.weight
    FROM entity_edges ee
    WHERE ee.tenant_id = @tenant_id AND (ee.a_id = s.id OR ee.b_id = s.id)
    ORDER BY ee.weight DESC, ee.a_id, ee.b_id
    LIMIT @per_node_limit
) adj ON true
JOIN entities n ON n.id = adj.neighbor_id AND n.tenant_id = @tenant_id
WHERE s.tenant_id = @tenant_id AND s.public_id = ANY(@node_ids)
ORDER BY from_id, adj.weight DESC, to_id`

type neighborRow struct {
	fromID string
	entity common.Entity
	kind   common.EdgeKind
	weight float64
}

func (s *Store) neighborRows(ctx context.Context, text string, tenant string, params map[string]any) ([]neighborRow, error) {
	rows, err := s.query(ctx, text, tenant, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]neighborRow, 0)
	for rows.Next() {
		var r neighborRow
		var emb *pgvector.Vector
		if err := rows.Scan(&r.fromID, &r.entity.ID, &r.entity.Name, &r.entity.Aliases, &emb, &r.kind, &r.weight); err != nil {
			return nil, err
		}
		if emb != nil {
			r.entity.Embedding = emb.Slice()
		}
		r.entity.TenantID = tenant
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Neighbors(ctx context.Context, tenant string, entityIDs []string) ([]kgs.Neighbor, error) {
	if len(entityIDs) == 0 {
		return []kgs.Neighbor{}, nil
	}

	rows, err := s.neighborRows(ctx, sqlNeighbors, tenant, map[string]any{"entity_ids": entityIDs})
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}

	out := make([]kgs.Neighbor, len(rows))
	for i, r := range rows {
		out[i] = kgs.Neighbor{
			SourceID: r.fromID,
			Entity:   r.entity,
			Kind:     r.kind,
			Weight:   r.weight,
		}
	}
	return out, nil
}

func (s *Store) Neighborhood(ctx context.Context, tenant string, seedIDs []string, oneHopLimit, twoHopLimit int) (*kgs.Subgraph, error) {
	sub := &kgs.Subgraph{Nodes: make(map[string]common.Entity)}
	if len(seedIDs) == 0 {
		return sub, nil
	}

	firstHop, err := s.neighborRows(ctx, sqlNeighborhoodHop, tenant, map[string]any{
		"node_ids":       seedIDs,
		"per_node_limit": oneHopLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("neighborhood hop 1: %w", err)
	}

	seen := make(map[string]struct{}, len(seedIDs))
	for _, id := range seedIDs {
		seen[id] = struct{}{}
	}

	discovered := make([]string, 0, len(firstHop))
	addRows := func(rows []neighborRow) []string {
		added := make([]string, 0)
		for _, r := range rows {
			sub.Edges = append(sub.Edges, common.Edge{
				Kind:     r.kind,
				FromID:   r.fromID,
				ToID:     r.entity.ID,
				Weight:   r.weight,
				TenantID: tenant,
			})
			if _, ok := seen[r.entity.ID]; ok {
				continue
			}
			seen[r.entity.ID] = struct{}{}
			sub.Nodes[r.entity.ID] = r.entity
			added = append(added, r.entity.ID)
		}
		return added
	}
	discovered = append(discovered, addRows(firstHop)...)

	if len(discovered) > 0 {
		secondHop, err := s.neighborRows(ctx, sqlNeighborhoodHop, tenant, map[string]any{
			"node_ids":       discovered,
			"per_node_limit": twoHopLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("neighborhood hop 2: %w", err)
		}
		addRows(secondHop)
	}

	// Seeds belong to the subgraph even when they have no edges.
	seeds, err := s.EntitiesByIDs(ctx, tenant, seedIDs)
	if err != nil {
		return nil, fmt.Errorf("neighborhood seeds: %w", err)
	}
	for _, e := range seeds {
		sub.Nodes[e.ID] = e
	}

	return sub, nil
}

const sqlEntitiesByIDs = `
SELECT e.public_id, e.name, e.aliases, e.embedding
FROM entities e
WHERE e.tenant_id = @tenant_id AND e.public_id = ANY(@entity_ids)
ORDER BY e.public_id`

// EntitiesByIDs fetches entities by public id, used to complete
// subgraphs with their seed nodes.
func (s *Store) EntitiesByIDs(ctx context.Context, tenant string, ids []string) ([]common.Entity, error) {
	if len(ids) == 0 {
		return []common.Entity{}, nil
	}
	rows, err := s.query(ctx, sqlEntitiesByIDs, tenant, map[string]any{"entity_ids": ids})
	if err != nil {
		return nil, err
	}
	return collectEntities(rows, tenant)
}

// RankEntities is not served natively by Postgres; the caller runs the
// in-process approximation over Neighborhood instead.
func (s *Store) RankEntities(ctx context.Context, tenant string, seedIDs []string, topK int) ([]common.RankedEntity, error) {
	return nil, kgs.ErrUnsupportedCapability
}
