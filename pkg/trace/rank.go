package trace

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
)

const (
	dampingFactor  = 0.85
	maxIterations  = 20
	convergenceTol = 1e-6
	// seedOffset is added to every seed's final score so seeds always
	// outweigh propagated mass, which never exceeds 1.
	seedOffset = 1.0
)

// approximateRank ranks entities around the seeds. Backends advertising
// native ranking are delegated to and their result is returned as-is;
// otherwise a capped subgraph is fetched in two hop calls and scored with
// power iteration, which marks the result degraded. If even the
// neighborhood fetch fails, the seeds are returned with uniform weight.
func (t *Tracer) approximateRank(ctx context.Context, params ExpandParams) (*TraceResult, error) {
	seedIDs := make([]string, 0, len(params.Seeds))
	seen := make(map[string]struct{}, len(params.Seeds))
	for _, seed := range params.Seeds {
		if _, ok := seen[seed.ID]; ok {
			continue
		}
		seen[seed.ID] = struct{}{}
		seedIDs = append(seedIDs, seed.ID)
	}

	if t.store.Capabilities().NativeRank {
		ranked, err := t.store.RankEntities(ctx, params.Tenant, seedIDs, t.topK)
		if err == nil {
			return &TraceResult{Entities: ranked, Mode: TraceModeApproximateRank}, nil
		}
		if errors.Is(err, kgs.ErrIsolationViolation) {
			return nil, err
		}
		logger.Warn("[Trace][Rank] Native ranking failed, falling back to power iteration", "err", err)
	}

	sub, err := t.store.Neighborhood(ctx, params.Tenant, seedIDs, t.oneHopCap, t.twoHopCap)
	if err != nil {
		if errors.Is(err, kgs.ErrIsolationViolation) {
			return nil, err
		}
		logger.Warn("[Trace][Rank] Neighborhood unavailable, degrading to uniform seed weights", "err", err)
		return seedFallback(params.Seeds), nil
	}

	entities := powerIterate(sub, seedIDs, t.topK)

	logger.Debug("[Trace][Rank] Subgraph ranked",
		"nodes", len(sub.Nodes),
		"edges", len(sub.Edges),
		"returned", len(entities),
	)

	return &TraceResult{Entities: entities, Mode: TraceModeApproximateRank, Degraded: true}, nil
}

// seedFallback returns the seed set with uniform weight. The degraded flag
// tells downstream confidence scoring that no propagation happened.
func seedFallback(seeds []common.Entity) *TraceResult {
	entities := make([]common.RankedEntity, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		if _, ok := seen[seed.ID]; ok {
			continue
		}
		seen[seed.ID] = struct{}{}
		entities = append(entities, common.RankedEntity{Entity: seed, Score: 1.0, Hop: 0})
	}
	return &TraceResult{Entities: entities, Mode: TraceModeApproximateRank, Degraded: true}
}

type arc struct {
	to     int
	weight float64
}

// powerIterate runs personalized PageRank over the bounded subgraph.
// Restart mass is split uniformly across the seeds, every edge is walked
// in both directions, dangling mass flows back to the restart vector, and
// iteration stops once the L1 delta falls below convergenceTol or after
// maxIterations. Edges without a weight propagate as weight 1.
func powerIterate(sub *kgs.Subgraph, seedIDs []string, topK int) []common.RankedEntity {
	n := len(sub.Nodes)
	if n == 0 {
		return []common.RankedEntity{}
	}

	ids := make([]string, 0, n)
	for id := range sub.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	index := make(map[string]int, n)
	for i, id := range ids {
		index[id] = i
	}

	seedSet := make(map[string]struct{}, len(seedIDs))
	present := 0
	for _, id := range seedIDs {
		seedSet[id] = struct{}{}
		if _, ok := index[id]; ok {
			present++
		}
	}
	restart := make([]float64, n)
	if present > 0 {
		for _, id := range seedIDs {
			if i, ok := index[id]; ok {
				restart[i] = 1.0 / float64(present)
			}
		}
	} else {
		for i := range restart {
			restart[i] = 1.0 / float64(n)
		}
	}

	type edgeKey struct {
		a, b int
		kind common.EdgeKind
	}
	seenEdges := make(map[edgeKey]struct{}, len(sub.Edges))
	out := make([][]arc, n)
	outWeight := make([]float64, n)
	for _, e := range sub.Edges {
		i, ok := index[e.FromID]
		if !ok {
			continue
		}
		j, ok := index[e.ToID]
		if !ok {
			continue
		}
		key := edgeKey{a: i, b: j, kind: e.Kind}
		if key.b < key.a {
			key.a, key.b = key.b, key.a
		}
		if _, ok := seenEdges[key]; ok {
			continue
		}
		seenEdges[key] = struct{}{}
		w := e.Weight
		if w <= 0 {
			w = 1.0
		}
		out[i] = append(out[i], arc{to: j, weight: w})
		out[j] = append(out[j], arc{to: i, weight: w})
		outWeight[i] += w
		outWeight[j] += w
	}

	score := make([]float64, n)
	copy(score, restart)
	next := make([]float64, n)
	for iter := 0; iter < maxIterations; iter++ {
		for i := range next {
			next[i] = 0
		}
		dangling := 0.0
		for i, arcs := range out {
			if len(arcs) == 0 {
				dangling += score[i]
				continue
			}
			share := score[i] / outWeight[i]
			for _, a := range arcs {
				next[a.to] += share * a.weight
			}
		}

		delta := 0.0
		for i := range next {
			v := (1-dampingFactor)*restart[i] + dampingFactor*(next[i]+dangling*restart[i])
			delta += math.Abs(v - score[i])
			score[i] = v
		}
		if delta < convergenceTol {
			break
		}
	}

	hops := hopDistances(ids, index, out, seedIDs)

	ranked := make([]common.RankedEntity, 0, n)
	for i, id := range ids {
		s := score[i]
		if _, ok := seedSet[id]; ok {
			s += seedOffset
		}
		ranked = append(ranked, common.RankedEntity{Entity: sub.Nodes[id], Score: s, Hop: hops[i]})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Entity.ID < ranked[j].Entity.ID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	return ranked
}

// hopDistances labels every node with its BFS distance from the seed set.
// The subgraph is fetched two hops out, so nodes a backend returned
// without a connecting edge are labeled 2.
func hopDistances(ids []string, index map[string]int, out [][]arc, seedIDs []string) []int {
	hops := make([]int, len(ids))
	for i := range hops {
		hops[i] = -1
	}

	frontier := make([]int, 0, len(seedIDs))
	for _, id := range seedIDs {
		if i, ok := index[id]; ok {
			hops[i] = 0
			frontier = append(frontier, i)
		}
	}

	depth := 0
	for len(frontier) > 0 {
		depth++
		var nextFrontier []int
		for _, i := range frontier {
			for _, a := range out[i] {
				if hops[a.to] == -1 {
					hops[a.to] = depth
					nextFrontier = append(nextFrontier, a.to)
				}
			}
		}
		frontier = nextFrontier
	}

	for i := range hops {
		if hops[i] == -1 {
			hops[i] = 2
		}
	}

	return hops
}
